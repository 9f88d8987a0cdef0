// Package editor assembles one verification edit session: the draft store,
// autosave, the save coordinator and the status stream.
package editor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lemlab/verifier/internal/autosave"
	"github.com/lemlab/verifier/internal/derivation"
	"github.com/lemlab/verifier/internal/errors"
	"github.com/lemlab/verifier/internal/events"
	"github.com/lemlab/verifier/internal/logger"
	"github.com/lemlab/verifier/internal/observability/metrics"
	"github.com/lemlab/verifier/internal/recordstore"
	"github.com/lemlab/verifier/internal/savecoord"
	"github.com/lemlab/verifier/internal/verification"
)

// ErrClosed is returned by every operation on a closed session
var ErrClosed = errors.NewStd("edit session closed")

const busShutdownTimeout = 2 * time.Second

// Gateway is the record store a session persists to
type Gateway interface {
	Get(ctx context.Context, id uint64) (verification.Record, error)
	Create(ctx context.Context, record verification.Record) (verification.Record, error)
	Update(ctx context.Context, record verification.Record) (verification.Record, error)
}

// Options configures a Session. Zero durations take package defaults.
type Options struct {
	Gateway Gateway
	Engine  derivation.Engine

	Debounce    time.Duration
	Grace       time.Duration
	Cooldown    time.Duration
	SaveTimeout time.Duration
	EventBuffer int

	Metrics *metrics.EditorMetrics
	Logger  logger.Logger

	// Now stamps the document date of new records
	Now func() time.Time
}

// Status is a point-in-time view of the save state
type Status struct {
	State       autosave.SaveState
	Phase       autosave.Phase
	LastSavedAt time.Time
	LastError   error
	RecordID    *uint64
}

// Session is a single open record
type Session struct {
	id    string
	store *recordstore.Store
	sched *autosave.Scheduler
	coord *savecoord.Coordinator
	bus   *events.Bus
	log   logger.Logger

	mu     sync.RWMutex
	closed bool
}

// New starts a session on a blank record with document defaults
func New(opts Options) (*Session, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	return start(opts, verification.New(now()))
}

// Open starts a session on the stored record id
func Open(ctx context.Context, opts Options, id uint64) (*Session, error) {
	s, err := start(opts, verification.New(time.Now()))
	if err != nil {
		return nil, err
	}
	if _, err := s.coord.Hydrate(ctx, id); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// FromRecord starts a session on an in-memory record, such as one read from
// a file. A record with an id is treated as already stored.
func FromRecord(opts Options, record verification.Record) (*Session, error) {
	return start(opts, record)
}

func start(opts Options, initial verification.Record) (*Session, error) {
	if opts.Gateway == nil {
		return nil, errors.Newf("edit session requires a gateway").
			Component("editor").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if opts.Engine == (derivation.Engine{}) {
		opts.Engine = derivation.Default()
	}
	if opts.Cooldown == 0 {
		opts.Cooldown = savecoord.DefaultCooldown
	}
	if opts.Grace == 0 {
		opts.Grace = autosave.DefaultGrace
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDiscard()
	}

	id := uuid.NewString()
	log := opts.Logger.Module("editor").With(logger.String("session_id", id))

	store := recordstore.New(opts.Engine, log, initial)
	slot := savecoord.NewSlot()
	bus := events.NewBus(&events.Config{BufferSize: opts.EventBuffer}, log)

	sched, err := autosave.New(autosave.Options{
		Source:      store,
		Writer:      opts.Gateway,
		Slot:        slot,
		Debounce:    opts.Debounce,
		Grace:       opts.Grace,
		SaveTimeout: opts.SaveTimeout,
		Metrics:     opts.Metrics,
		Bus:         bus,
		Logger:      log,
		SessionID:   id,
	})
	if err != nil {
		return nil, err
	}
	coord, err := savecoord.New(savecoord.Options{
		Store:     store,
		Scheduler: sched,
		Gateway:   opts.Gateway,
		Slot:      slot,
		Cooldown:  opts.Cooldown,
		Metrics:   opts.Metrics,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	sched.Start()

	log.Info("edit session started", logger.Bool("stored", initial.HasID()))
	return &Session{
		id:    id,
		store: store,
		sched: sched,
		coord: coord,
		bus:   bus,
		log:   log,
	}, nil
}

// ID returns the session id carried on status events
func (s *Session) ID() string {
	return s.id
}

// Snapshot returns a copy of the current draft
func (s *Session) Snapshot() verification.Record {
	return s.store.Snapshot()
}

// Status returns the current save status
func (s *Session) Status() Status {
	return Status{
		State:       s.sched.State(),
		Phase:       s.sched.Phase(),
		LastSavedAt: s.sched.LastSavedAt(),
		LastError:   s.sched.LastError(),
		RecordID:    s.store.Snapshot().ID,
	}
}

// Subscribe returns a channel of save status transitions. Events are dropped
// rather than delaying the editor when the consumer falls behind.
func (s *Session) Subscribe(name string, buffer int) (*events.ChannelConsumer, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	c := events.NewChannelConsumer(name, buffer)
	if err := s.bus.RegisterConsumer(c); err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateHeader merges patch into the header
func (s *Session) UpdateHeader(patch recordstore.HeaderPatch) (verification.Record, error) {
	if err := s.checkOpen(); err != nil {
		return s.store.Snapshot(), err
	}
	return s.store.UpdateHeader(patch)
}

// AddSpecimen appends an empty specimen
func (s *Session) AddSpecimen() (verification.Record, error) {
	if err := s.checkOpen(); err != nil {
		return s.store.Snapshot(), err
	}
	return s.store.AddSpecimen()
}

// UpdateSpecimen merges patch into the specimen at index
func (s *Session) UpdateSpecimen(index int, patch recordstore.SpecimenPatch) (verification.Record, error) {
	if err := s.checkOpen(); err != nil {
		return s.store.Snapshot(), err
	}
	return s.store.UpdateSpecimen(index, patch)
}

// RemoveSpecimen deletes the specimen at index
func (s *Session) RemoveSpecimen(index int) (verification.Record, error) {
	if err := s.checkOpen(); err != nil {
		return s.store.Snapshot(), err
	}
	return s.store.RemoveSpecimen(index)
}

// DuplicateSpecimen copies the specimen at index to the end. Stored records
// are saved immediately.
func (s *Session) DuplicateSpecimen(ctx context.Context, index int) (verification.Record, error) {
	if err := s.checkOpen(); err != nil {
		return s.store.Snapshot(), err
	}
	rec, err := s.coord.DuplicateSpecimen(ctx, index)
	return rec, closedAware(err)
}

// Save persists the draft now
func (s *Session) Save(ctx context.Context) (verification.Record, error) {
	if err := s.checkOpen(); err != nil {
		return verification.Record{}, err
	}
	rec, err := s.coord.Save(ctx)
	return rec, closedAware(err)
}

// Load replaces the draft with stored record id without it counting as an edit
func (s *Session) Load(ctx context.Context, id uint64) (verification.Record, error) {
	if err := s.checkOpen(); err != nil {
		return verification.Record{}, err
	}
	rec, err := s.coord.Hydrate(ctx, id)
	return rec, closedAware(err)
}

// Close stops autosave and the status stream. Unsaved edits are not written;
// a save already in flight finishes but its result is ignored.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	dirty := s.sched.State() == autosave.StateDirty
	s.coord.Close()
	s.sched.Stop()
	err := s.bus.Shutdown(busShutdownTimeout)
	s.log.Info("edit session closed", logger.Bool("unsaved_changes", dirty))
	return err
}

func (s *Session) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// closedAware reports work the coordinator dropped because Close raced it as
// a closed session
func closedAware(err error) error {
	if errors.Is(err, savecoord.ErrClosed) {
		return errors.Join(ErrClosed, err)
	}
	return err
}
