// Package recordstore holds the in-editor draft of a verification record.
//
// Every mutation re-runs the derivation rules on the rows it touches and
// returns an immutable snapshot. Listeners are told about each change after
// the mutation is applied, in mutation order.
package recordstore

import (
	"sync"

	"github.com/lemlab/verifier/internal/derivation"
	"github.com/lemlab/verifier/internal/errors"
	"github.com/lemlab/verifier/internal/logger"
	"github.com/lemlab/verifier/internal/verification"
)

// ErrIndexOutOfRange is returned when a specimen index does not exist.
// The store is left unchanged.
var ErrIndexOutOfRange = errors.NewStd("specimen index out of range")

// Origin tells listeners where a change came from
type Origin int

const (
	// OriginEdit is a user edit through one of the mutating operations
	OriginEdit Origin = iota
	// OriginHydration is a full replacement with a record loaded from the store
	OriginHydration
	// OriginIdentity is the assignment of a store-issued id after creation
	OriginIdentity
)

func (o Origin) String() string {
	switch o {
	case OriginEdit:
		return "edit"
	case OriginHydration:
		return "hydration"
	case OriginIdentity:
		return "identity"
	default:
		return "unknown"
	}
}

// Change describes one applied mutation
type Change struct {
	Op     string
	Origin Origin
	Record verification.Record
}

// Listener receives changes. It must not call mutating Store methods.
type Listener func(Change)

// Store owns the canonical draft record of one edit session
type Store struct {
	notifyMu sync.Mutex // serializes mutate+notify so listeners see changes in order
	mu       sync.RWMutex
	record   verification.Record
	engine   derivation.Engine
	log      logger.Logger

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

// New creates a store holding initial, with derived fields recomputed
func New(engine derivation.Engine, log logger.Logger, initial verification.Record) *Store {
	if log == nil {
		log = logger.NewDiscard()
	}
	initial = engine.DeriveAll(initial)
	verification.Renumber(initial.Specimens)
	if initial.Specimens == nil {
		initial.Specimens = []verification.Specimen{}
	}
	return &Store{
		record:    initial,
		engine:    engine,
		log:       log.Module("recordstore"),
		listeners: make(map[int]Listener),
	}
}

// Snapshot returns a deep copy of the current record
func (s *Store) Snapshot() verification.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.Clone()
}

// Subscribe registers l and returns a function removing it
func (s *Store) Subscribe(l Listener) func() {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

// UpdateHeader shallow-merges patch into the header
func (s *Store) UpdateHeader(patch HeaderPatch) (verification.Record, error) {
	return s.mutate("update_header", OriginEdit, func(r *verification.Record) error {
		patch.apply(&r.Header)
		return nil
	})
}

// AddSpecimen appends an empty specimen numbered len+1
func (s *Store) AddSpecimen() (verification.Record, error) {
	return s.mutate("add_specimen", OriginEdit, func(r *verification.Record) error {
		specimen := s.engine.Derive(verification.Specimen{ItemNumber: len(r.Specimens) + 1})
		r.Specimens = append(r.Specimens, specimen)
		return nil
	})
}

// DuplicateSpecimen deep-copies the row at index, appends the copy and
// renumbers the sequence
func (s *Store) DuplicateSpecimen(index int) (verification.Record, error) {
	return s.mutate("duplicate_specimen", OriginEdit, func(r *verification.Record) error {
		if err := s.checkIndex(index, len(r.Specimens), "duplicate_specimen"); err != nil {
			return err
		}
		dup := s.engine.Derive(r.Specimens[index])
		r.Specimens = append(r.Specimens, dup)
		verification.Renumber(r.Specimens)
		return nil
	})
}

// RemoveSpecimen deletes the row at index and renumbers the rest
func (s *Store) RemoveSpecimen(index int) (verification.Record, error) {
	return s.mutate("remove_specimen", OriginEdit, func(r *verification.Record) error {
		if err := s.checkIndex(index, len(r.Specimens), "remove_specimen"); err != nil {
			return err
		}
		r.Specimens = append(r.Specimens[:index], r.Specimens[index+1:]...)
		verification.Renumber(r.Specimens)
		return nil
	})
}

// UpdateSpecimen merges patch into the row at index and re-derives that row only
func (s *Store) UpdateSpecimen(index int, patch SpecimenPatch) (verification.Record, error) {
	return s.mutate("update_specimen", OriginEdit, func(r *verification.Record) error {
		if err := s.checkIndex(index, len(r.Specimens), "update_specimen"); err != nil {
			return err
		}
		row := r.Specimens[index]
		patch.apply(&row)
		r.Specimens[index] = s.engine.Derive(row)
		return nil
	})
}

// Replace swaps the whole draft for record, as loaded from the remote store
func (s *Store) Replace(record verification.Record) verification.Record {
	out, _ := s.mutate("replace", OriginHydration, func(r *verification.Record) error {
		*r = s.engine.DeriveAll(record)
		if r.Specimens == nil {
			r.Specimens = []verification.Specimen{}
		}
		verification.Renumber(r.Specimens)
		return nil
	})
	return out
}

// AssignID records the id issued by the remote store on creation
func (s *Store) AssignID(id uint64) verification.Record {
	out, _ := s.mutate("assign_id", OriginIdentity, func(r *verification.Record) error {
		r.ID = verification.Ptr(id)
		return nil
	})
	return out
}

func (s *Store) checkIndex(index, length int, op string) error {
	if index >= 0 && index < length {
		return nil
	}
	s.log.Warn("rejected specimen operation with out of range index",
		logger.String("operation", op),
		logger.Int("index", index),
		logger.Int("specimens", length))
	return errors.New(ErrIndexOutOfRange).
		Component("recordstore").
		Category(errors.CategoryValidation).
		Context("operation", op).
		Context("index", index).
		Context("specimens", length).
		Build()
}

// mutate applies fn to a working copy and commits it only when fn succeeds
func (s *Store) mutate(op string, origin Origin, fn func(*verification.Record) error) (verification.Record, error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	working := s.record.Clone()
	if err := fn(&working); err != nil {
		current := s.record.Clone()
		s.mu.Unlock()
		return current, err
	}
	s.record = working
	snapshot := working.Clone()
	s.mu.Unlock()

	s.log.Trace("record mutated", logger.String("operation", op), logger.String("origin", origin.String()))

	s.listenersMu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		l(Change{Op: op, Origin: origin, Record: snapshot.Clone()})
	}
	return snapshot, nil
}
