// Package autosave keeps an edit session's draft durable by writing it to
// the record store after a quiet period of no edits.
package autosave

import (
	"context"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/lemlab/verifier/internal/errors"
	"github.com/lemlab/verifier/internal/events"
	"github.com/lemlab/verifier/internal/logger"
	"github.com/lemlab/verifier/internal/observability/metrics"
	"github.com/lemlab/verifier/internal/recordstore"
	"github.com/lemlab/verifier/internal/verification"
)

// Defaults for Options fields left zero
const (
	DefaultDebounce    = 5 * time.Second
	DefaultGrace       = 250 * time.Millisecond
	DefaultSaveTimeout = 30 * time.Second
)

// Source is the draft being watched
type Source interface {
	Snapshot() verification.Record
	Subscribe(l recordstore.Listener) func()
}

// Writer persists an already created record
type Writer interface {
	Update(ctx context.Context, record verification.Record) (verification.Record, error)
}

// Slot is the mutual exclusion token shared with explicit saves
type Slot interface {
	TryAcquire(holder string) bool
	Release()
}

// Options configures a Scheduler
type Options struct {
	Source      Source
	Writer      Writer
	Slot        Slot
	Debounce    time.Duration
	Grace       time.Duration
	SaveTimeout time.Duration
	Validate    func(verification.Record) error
	Metrics     *metrics.EditorMetrics
	Bus         *events.Bus
	Logger      logger.Logger
	SessionID   string
}

// Scheduler debounces draft changes into writes
type Scheduler struct {
	source      Source
	writer      Writer
	slot        Slot
	debounce    time.Duration
	grace       time.Duration
	saveTimeout time.Duration
	validate    func(verification.Record) error
	metrics     *metrics.EditorMetrics
	bus         *events.Bus
	log         logger.Logger
	sessionID   string

	mu          sync.Mutex
	phase       Phase
	state       SaveState
	reference   verification.Record
	lastSavedAt time.Time
	lastErr     error
	suppressed  int
	graceUntil  time.Time
	timer       *time.Timer
	timerGen    uint64
	started     bool
	closed      bool
	unsubscribe func()
}

var recordCmpOpts = []cmp.Option{cmpopts.EquateEmpty()}

// Equal reports whether two records are deeply equal
func Equal(a, b verification.Record) bool {
	return cmp.Equal(a, b, recordCmpOpts...)
}

// New creates a scheduler. The reference snapshot starts as the source's
// current record, so nothing is dirty until the first edit.
func New(opts Options) (*Scheduler, error) {
	if opts.Source == nil || opts.Writer == nil || opts.Slot == nil {
		return nil, errors.Newf("autosave requires a source, a writer and a slot").
			Component("autosave").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Grace < 0 {
		opts.Grace = 0
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = DefaultSaveTimeout
	}
	if opts.Validate == nil {
		opts.Validate = verification.Validate
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDiscard()
	}

	log := opts.Logger.Module("autosave")
	if opts.SessionID != "" {
		log = log.With(logger.String("session_id", opts.SessionID))
	}

	return &Scheduler{
		source:      opts.Source,
		writer:      opts.Writer,
		slot:        opts.Slot,
		debounce:    opts.Debounce,
		grace:       opts.Grace,
		saveTimeout: opts.SaveTimeout,
		validate:    opts.Validate,
		metrics:     opts.Metrics,
		bus:         opts.Bus,
		log:         log,
		sessionID:   opts.SessionID,
		reference:   opts.Source.Snapshot(),
	}, nil
}

// Start subscribes to source changes
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	s.unsubscribe = s.source.Subscribe(s.onChange)
}

// Stop cancels any pending timer and detaches from the source. A write
// already in flight completes but its result is discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopTimerLocked()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.log.Debug("autosave stopped")
}

// State returns the current save state
func (s *Scheduler) State() SaveState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Phase returns the current scheduler phase
func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LastSavedAt returns when the reference snapshot was last confirmed by a write
func (s *Scheduler) LastSavedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSavedAt
}

// LastError returns the error of the last failed save, if the state is Error
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Reference returns a copy of the reference snapshot
func (s *Scheduler) Reference() verification.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reference.Clone()
}

// Suppressed reports whether timer fires are currently withheld
func (s *Scheduler) Suppressed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppressed > 0
}

// SetReference declares record as matching the remote store and recomputes
// the save state against the current draft
func (s *Scheduler) SetReference(record verification.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reference = record.Clone()
	s.reconcileLocked("reference")
}

// Suppress withholds network writes until a matching Resume. Changes are
// still tracked while suppressed. Holds nest.
func (s *Scheduler) Suppress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressed++
	s.log.Debug("autosave suppressed", logger.Int("holds", s.suppressed))
}

// Resume releases one Suppress hold. When the last hold is released, timer
// fires are ignored for the grace period, and a still dirty draft is
// re-armed.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suppressed == 0 {
		return
	}
	s.suppressed--
	if s.suppressed > 0 {
		return
	}
	s.graceUntil = time.Now().Add(s.grace)
	s.log.Debug("autosave resumed", logger.Duration("grace", s.grace))
	if s.closed {
		return
	}
	if s.state == StateDirty && s.timer == nil && s.phase != PhaseSaving {
		s.armLocked(s.debounce)
	}
}

// BeginExternalSave marks an explicit save as in flight for status purposes
func (s *Scheduler) BeginExternalSave(trigger string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.setStateLocked(StateSaving, trigger, nil)
}

// CompleteExternalSave records the outcome of an explicit save. On success
// sent becomes the reference snapshot.
func (s *Scheduler) CompleteExternalSave(trigger string, sent verification.Record, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.metrics.RecordDiscardedResult()
		return
	}
	if err != nil {
		s.lastErr = err
		s.setStateLocked(StateError, trigger, err)
		return
	}
	s.reference = sent.Clone()
	s.lastSavedAt = time.Now()
	s.lastErr = nil
	s.reconcileLocked(trigger)
}

// onChange runs synchronously inside the store's notification path
func (s *Scheduler) onChange(c recordstore.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if Equal(c.Record, s.reference) {
		s.stopTimerLocked()
		if s.phase != PhaseSaving {
			s.phase = PhaseIdle
			s.setStateLocked(StateClean, metrics.TriggerAuto, nil)
		}
		return
	}

	// Standard debounce: every change restarts the quiet period
	s.armLocked(s.debounce)
	if s.phase != PhaseSaving {
		s.phase = PhasePendingSave
		s.lastErr = nil
		s.setStateLocked(StateDirty, metrics.TriggerAuto, nil)
	}
	s.log.Trace("change tracked",
		logger.String("operation", c.Op),
		logger.String("origin", c.Origin.String()),
		logger.Bool("suppressed", s.suppressed > 0))
}

// reconcileLocked recomputes clean/dirty against the current draft
func (s *Scheduler) reconcileLocked(trigger string) {
	if s.closed {
		return
	}
	current := s.source.Snapshot()
	if Equal(current, s.reference) {
		s.stopTimerLocked()
		if s.phase != PhaseSaving {
			s.phase = PhaseIdle
		}
		s.setStateLocked(StateClean, trigger, nil)
		return
	}
	if s.phase != PhaseSaving {
		s.phase = PhasePendingSave
	}
	if s.timer == nil {
		s.armLocked(s.debounce)
	}
	s.setStateLocked(StateDirty, trigger, nil)
}

func (s *Scheduler) armLocked(d time.Duration) {
	s.stopTimerLocked()
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(d, func() { s.fire(gen) })
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	// Invalidate a callback that already started and is waiting on the lock
	s.timerGen++
}

// fire runs on the timer goroutine when the debounce window elapses
func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.timerGen {
		s.mu.Unlock()
		return
	}
	s.timer = nil

	if s.suppressed > 0 {
		// Resume re-arms if the draft is still dirty
		s.metrics.RecordSuppressedFire()
		s.log.Debug("autosave fire withheld while suppressed")
		s.mu.Unlock()
		return
	}
	if wait := time.Until(s.graceUntil); wait > 0 {
		s.armLocked(wait)
		s.mu.Unlock()
		return
	}

	current := s.source.Snapshot()
	if Equal(current, s.reference) {
		s.phase = PhaseIdle
		s.setStateLocked(StateClean, metrics.TriggerAuto, nil)
		s.mu.Unlock()
		return
	}
	if !current.HasID() {
		// New records are created by an explicit save
		s.log.Debug("autosave skipped for record without id")
		s.mu.Unlock()
		return
	}
	if err := s.validate(current); err != nil {
		s.metrics.RecordValidationBlocked(metrics.TriggerAuto)
		s.log.Warn("autosave blocked by validation", logger.Error(err))
		s.phase = PhaseError
		s.lastErr = err
		s.setStateLocked(StateError, metrics.TriggerAuto, err)
		s.mu.Unlock()
		return
	}
	if !s.slot.TryAcquire(metrics.TriggerAuto) {
		s.metrics.RecordDeferredFire()
		s.log.Debug("save slot busy, autosave re-armed")
		s.armLocked(s.debounce)
		s.mu.Unlock()
		return
	}

	s.phase = PhaseSaving
	s.setStateLocked(StateSaving, metrics.TriggerAuto, nil)
	s.mu.Unlock()

	s.write(current)
}

func (s *Scheduler) write(sent verification.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
	defer cancel()

	start := time.Now()
	_, err := s.writer.Update(ctx, sent)
	elapsed := time.Since(start)
	// Held until the outcome is recorded, so a load waiting on the slot never
	// has its reference overwritten by this write
	defer s.slot.Release()

	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	s.metrics.RecordSave(metrics.TriggerAuto, status, elapsed)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.metrics.RecordDiscardedResult()
		s.log.Debug("discarded autosave result after stop", logger.Error(err))
		return
	}

	if err != nil {
		// Recovered locally: the next change retries
		s.phase = PhaseError
		s.lastErr = err
		s.log.Warn("autosave failed",
			logger.Error(err),
			logger.Duration("elapsed", elapsed))
		s.setStateLocked(StateError, metrics.TriggerAuto, err)
		return
	}

	s.reference = sent
	s.lastSavedAt = time.Now()
	s.lastErr = nil
	s.phase = PhaseIdle
	s.log.Info("autosave completed",
		logger.Uint64("record_id", *sent.ID),
		logger.Duration("elapsed", elapsed))
	s.reconcileLocked(metrics.TriggerAuto)
}

func (s *Scheduler) setStateLocked(next SaveState, trigger string, err error) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	s.metrics.RecordStateTransition(next.String())

	ev := events.StatusEvent{
		SessionID: s.sessionID,
		State:     next.String(),
		Previous:  prev.String(),
		Trigger:   trigger,
	}
	if err != nil {
		ev.Err = err.Error()
	}
	if s.reference.ID != nil {
		ev.RecordID = verification.Ptr(*s.reference.ID)
	}
	s.bus.TryPublish(ev)
}
