// Package savecoord arbitrates between autosave and explicit saves so that
// only one write reaches the record store at a time, and loads records into
// an edit session without the load counting as an edit.
package savecoord

import (
	"context"
	"sync"
	"time"

	"github.com/lemlab/verifier/internal/autosave"
	"github.com/lemlab/verifier/internal/errors"
	"github.com/lemlab/verifier/internal/logger"
	"github.com/lemlab/verifier/internal/observability/metrics"
	"github.com/lemlab/verifier/internal/recordstore"
	"github.com/lemlab/verifier/internal/verification"
)

// DefaultCooldown is how long autosave stays suppressed after an explicit save settles
const DefaultCooldown = 1500 * time.Millisecond

// ErrSlotBusy is returned when the save slot could not be acquired before
// the caller's context ended
var ErrSlotBusy = errors.NewStd("save slot busy")

// ErrClosed is returned for work started on, or finished after, a closed coordinator
var ErrClosed = errors.NewStd("save coordinator closed")

// Slot holder name for loads
const holderHydrate = "hydrate"

// Gateway is the subset of the record store client the coordinator needs
type Gateway interface {
	Get(ctx context.Context, id uint64) (verification.Record, error)
	Create(ctx context.Context, record verification.Record) (verification.Record, error)
	Update(ctx context.Context, record verification.Record) (verification.Record, error)
}

// Scheduler is the autosave side the coordinator suppresses and informs
type Scheduler interface {
	Suppress()
	Resume()
	SetReference(record verification.Record)
	BeginExternalSave(trigger string)
	CompleteExternalSave(trigger string, sent verification.Record, err error)
}

var _ Scheduler = (*autosave.Scheduler)(nil)

// Options configures a Coordinator
type Options struct {
	Store     *recordstore.Store
	Scheduler Scheduler
	Gateway   Gateway
	Slot      *Slot
	Cooldown  time.Duration
	Validate  func(verification.Record) error
	Metrics   *metrics.EditorMetrics
	Logger    logger.Logger
}

// Coordinator runs explicit saves and hydration for one edit session
type Coordinator struct {
	store     *recordstore.Store
	scheduler Scheduler
	gateway   Gateway
	slot      *Slot
	cooldown  time.Duration
	validate  func(verification.Record) error
	metrics   *metrics.EditorMetrics
	log       logger.Logger

	mu       sync.Mutex
	releases map[*time.Timer]struct{}
	closed   bool
}

// New creates a coordinator
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil || opts.Scheduler == nil || opts.Gateway == nil || opts.Slot == nil {
		return nil, errors.Newf("save coordinator requires store, scheduler, gateway and slot").
			Component("savecoord").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	if opts.Validate == nil {
		opts.Validate = verification.Validate
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDiscard()
	}
	return &Coordinator{
		store:     opts.Store,
		scheduler: opts.Scheduler,
		gateway:   opts.Gateway,
		slot:      opts.Slot,
		cooldown:  opts.Cooldown,
		validate:  opts.Validate,
		metrics:   opts.Metrics,
		log:       opts.Logger.Module("savecoord"),
		releases:  make(map[*time.Timer]struct{}),
	}, nil
}

// Save persists the current draft now. New records are created, existing
// ones updated. Validation and transport errors are returned to the caller.
func (c *Coordinator) Save(ctx context.Context) (verification.Record, error) {
	return c.save(ctx, metrics.TriggerManual)
}

// DuplicateSpecimen duplicates the row at index. A record that already
// exists in the store is persisted immediately.
func (c *Coordinator) DuplicateSpecimen(ctx context.Context, index int) (verification.Record, error) {
	rec, err := c.store.DuplicateSpecimen(index)
	if err != nil {
		return rec, err
	}
	if !rec.HasID() {
		return rec, nil
	}
	return c.save(ctx, metrics.TriggerDuplicate)
}

// Hydrate loads record id into the store. Autosave is suppressed while the
// store is populated and the reference snapshot is set to the loaded value
// before autosave is re-enabled.
func (c *Coordinator) Hydrate(ctx context.Context, id uint64) (verification.Record, error) {
	if err := c.checkOpen(); err != nil {
		return verification.Record{}, err
	}

	c.scheduler.Suppress()
	defer c.scheduler.Resume()

	// A write still in flight settles its reference before the load replaces it
	if err := c.slot.Acquire(ctx, holderHydrate); err != nil {
		return verification.Record{}, c.slotError(holderHydrate, err)
	}
	defer c.slot.Release()

	remote, err := c.gateway.Get(ctx, id)
	if err != nil {
		c.metrics.RecordHydration(metrics.StatusError)
		c.log.Error("failed to load record", logger.Uint64("record_id", id), logger.Error(err))
		return verification.Record{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.metrics.RecordDiscardedResult()
		return verification.Record{}, c.closedError(holderHydrate)
	}
	loaded := c.store.Replace(remote)
	c.mu.Unlock()

	c.scheduler.SetReference(loaded)
	c.metrics.RecordHydration(metrics.StatusSuccess)
	c.log.Info("record loaded",
		logger.Uint64("record_id", id),
		logger.Int("specimens", len(loaded.Specimens)))
	return loaded, nil
}

// Close stops pending cooldown releases and releases their holds
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := 0
	for t := range c.releases {
		if t.Stop() {
			pending++
		}
	}
	c.releases = nil
	c.mu.Unlock()

	for range pending {
		c.scheduler.Resume()
	}
}

func (c *Coordinator) save(ctx context.Context, trigger string) (verification.Record, error) {
	if err := c.checkOpen(); err != nil {
		return verification.Record{}, err
	}
	if err := c.validate(c.store.Snapshot()); err != nil {
		c.metrics.RecordValidationBlocked(trigger)
		return verification.Record{}, err
	}

	if err := c.slot.Acquire(ctx, trigger); err != nil {
		return verification.Record{}, c.slotError(trigger, err)
	}
	c.scheduler.Suppress()
	c.scheduler.BeginExternalSave(trigger)

	// Read the draft only once the slot is ours so edits made while waiting are included
	sent := c.store.Snapshot()
	saved, err := c.write(ctx, trigger, sent)

	// The closed check and the id assignment are atomic with respect to Close
	c.mu.Lock()
	closed := c.closed
	if !closed && err == nil && !sent.HasID() {
		c.store.AssignID(*saved.ID)
	}
	c.mu.Unlock()

	if closed {
		// The session was torn down while the write was in flight
		c.slot.Release()
		c.scheduler.Resume()
		c.metrics.RecordDiscardedResult()
		c.log.Debug("discarded explicit save result after close",
			logger.String("trigger", trigger),
			logger.Error(err))
		return verification.Record{}, c.closedError(trigger)
	}

	c.scheduler.CompleteExternalSave(trigger, saved, err)
	c.slot.Release()
	c.releaseAfterCooldown()

	if err != nil {
		c.log.Error("explicit save failed", logger.String("trigger", trigger), logger.Error(err))
		return verification.Record{}, err
	}
	return saved, nil
}

// write sends sent to the gateway and returns the value now known to match
// the store. It does not touch the draft.
func (c *Coordinator) write(ctx context.Context, trigger string, sent verification.Record) (verification.Record, error) {
	if err := c.validate(sent); err != nil {
		c.metrics.RecordValidationBlocked(trigger)
		return verification.Record{}, err
	}

	start := time.Now()
	var err error
	if sent.HasID() {
		_, err = c.gateway.Update(ctx, sent)
	} else {
		var created verification.Record
		created, err = c.gateway.Create(ctx, sent)
		if err == nil {
			if created.ID == nil {
				err = errors.Newf("record store did not assign an id").
					Component("savecoord").
					Category(errors.CategoryState).
					Build()
			} else {
				sent.ID = verification.Ptr(*created.ID)
			}
		}
	}
	elapsed := time.Since(start)

	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	c.metrics.RecordSave(trigger, status, elapsed)
	if err != nil {
		return verification.Record{}, err
	}

	c.log.Info("explicit save completed",
		logger.String("trigger", trigger),
		logger.Uint64("record_id", *sent.ID),
		logger.Duration("elapsed", elapsed))
	return sent, nil
}

// releaseAfterCooldown resumes autosave once the cooldown has passed, to
// absorb a debounce timer that fired during the save
func (c *Coordinator) releaseAfterCooldown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.scheduler.Resume()
		return
	}
	var t *time.Timer
	t = time.AfterFunc(c.cooldown, func() {
		c.mu.Lock()
		if c.releases != nil {
			delete(c.releases, t)
		}
		c.mu.Unlock()
		c.scheduler.Resume()
	})
	c.releases[t] = struct{}{}
}

func (c *Coordinator) checkOpen() error {
	if c.isClosed() {
		return c.closedError("")
	}
	return nil
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) closedError(operation string) error {
	b := errors.New(ErrClosed).
		Component("savecoord").
		Category(errors.CategoryState)
	if operation != "" {
		b = b.Context("operation", operation)
	}
	return b.Build()
}

func (c *Coordinator) slotError(holder string, err error) error {
	return errors.New(errors.Join(ErrSlotBusy, err)).
		Component("savecoord").
		Category(errors.CategoryTimeout).
		Context("trigger", holder).
		Context("holder", c.slot.Holder()).
		Build()
}
