package autosave

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemlab/verifier/internal/derivation"
	"github.com/lemlab/verifier/internal/events"
	"github.com/lemlab/verifier/internal/recordstore"
	"github.com/lemlab/verifier/internal/verification"
)

const (
	testDebounce = 40 * time.Millisecond
	settle       = 4 * testDebounce
	tick         = 5 * time.Millisecond
)

type fakeWriter struct {
	mu    sync.Mutex
	calls []verification.Record
	err   error
	block chan struct{}
}

func (f *fakeWriter) Update(ctx context.Context, r verification.Record) (verification.Record, error) {
	f.mu.Lock()
	f.calls = append(f.calls, r.Clone())
	block, err := f.block, f.err
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	return r, err
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeWriter) last() verification.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeWriter) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type testSlot struct {
	held atomic.Bool
}

func (s *testSlot) TryAcquire(string) bool { return s.held.CompareAndSwap(false, true) }
func (s *testSlot) Release()               { s.held.Store(false) }

type harness struct {
	store  *recordstore.Store
	sched  *Scheduler
	writer *fakeWriter
	slot   *testSlot
}

func persistedRecord() verification.Record {
	return verification.Record{
		ID:        verification.Ptr(uint64(1)),
		Header:    verification.Header{NumberLabel: "V-1"},
		Specimens: []verification.Specimen{{ItemNumber: 1}},
	}
}

func newHarness(t *testing.T, initial verification.Record, mutate func(*Options)) *harness {
	t.Helper()

	h := &harness{
		store:  recordstore.New(derivation.Default(), nil, initial),
		writer: &fakeWriter{},
		slot:   &testSlot{},
	}
	opts := Options{
		Source:   h.store,
		Writer:   h.writer,
		Slot:     h.slot,
		Debounce: testDebounce,
	}
	if mutate != nil {
		mutate(&opts)
	}
	sched, err := New(opts)
	require.NoError(t, err)
	sched.Start()
	t.Cleanup(sched.Stop)
	h.sched = sched
	return h
}

func (h *harness) edit(t *testing.T, code string) {
	t.Helper()
	_, err := h.store.UpdateSpecimen(0, recordstore.SpecimenPatch{LEMCode: recordstore.Set(code)})
	require.NoError(t, err)
}

func TestRapidEditsProduceOneWriteWithFinalState(t *testing.T) {
	h := newHarness(t, persistedRecord(), nil)

	for i := range 10 {
		h.edit(t, string(rune('a'+i)))
		time.Sleep(testDebounce / 8)
	}
	assert.Equal(t, StateDirty, h.sched.State())
	assert.Equal(t, PhasePendingSave, h.sched.Phase())

	require.Eventually(t, func() bool { return h.writer.count() == 1 }, settle*2, tick)
	assert.Never(t, func() bool { return h.writer.count() > 1 }, settle, tick)

	assert.Equal(t, "j", h.writer.last().Specimens[0].LEMCode)
	assert.Equal(t, StateClean, h.sched.State())
	assert.Equal(t, PhaseIdle, h.sched.Phase())
	assert.False(t, h.sched.LastSavedAt().IsZero())
	assert.Equal(t, "j", h.sched.Reference().Specimens[0].LEMCode)
	assert.False(t, h.slot.held.Load(), "slot is released after the write")
}

func TestEditRevertedBeforeDebounceDoesNotWrite(t *testing.T) {
	h := newHarness(t, persistedRecord(), nil)

	h.edit(t, "temp")
	h.edit(t, "")
	assert.Equal(t, StateClean, h.sched.State())

	assert.Never(t, func() bool { return h.writer.count() > 0 }, settle, tick)
}

func TestHydrationDoesNotTriggerSave(t *testing.T) {
	h := newHarness(t, verification.New(time.Now()), nil)

	loaded := persistedRecord()
	loaded.Header.ClientName = "Acme"

	h.sched.Suppress()
	snapshot := h.store.Replace(loaded)
	h.sched.SetReference(snapshot)
	h.sched.Resume()

	assert.Equal(t, StateClean, h.sched.State())
	assert.Never(t, func() bool { return h.writer.count() > 0 }, settle, tick)
}

func TestSuppressedFireIsWithheldUntilResume(t *testing.T) {
	h := newHarness(t, persistedRecord(), func(o *Options) { o.Grace = 10 * time.Millisecond })

	h.sched.Suppress()
	assert.True(t, h.sched.Suppressed())
	h.edit(t, "x")

	assert.Never(t, func() bool { return h.writer.count() > 0 }, settle, tick)
	assert.Equal(t, StateDirty, h.sched.State(), "change is still tracked while suppressed")

	h.sched.Resume()
	assert.False(t, h.sched.Suppressed())
	require.Eventually(t, func() bool { return h.writer.count() == 1 }, settle*2, tick)
	assert.Equal(t, "x", h.writer.last().Specimens[0].LEMCode)
}

func TestNestedSuppression(t *testing.T) {
	h := newHarness(t, persistedRecord(), nil)

	h.sched.Suppress()
	h.sched.Suppress()
	h.edit(t, "x")
	h.sched.Resume()
	assert.True(t, h.sched.Suppressed())
	assert.Never(t, func() bool { return h.writer.count() > 0 }, settle, tick)

	h.sched.Resume()
	require.Eventually(t, func() bool { return h.writer.count() == 1 }, settle*2, tick)

	// Extra Resume is ignored
	h.sched.Resume()
	assert.False(t, h.sched.Suppressed())
}

func TestFailedWriteIsNotRetriedUntilNextChange(t *testing.T) {
	h := newHarness(t, persistedRecord(), nil)
	h.writer.setErr(errors.New("store unreachable"))

	h.edit(t, "x")
	require.Eventually(t, func() bool { return h.sched.State() == StateError }, settle*2, tick)
	assert.Equal(t, PhaseError, h.sched.Phase())
	require.Error(t, h.sched.LastError())
	assert.Never(t, func() bool { return h.writer.count() > 1 }, settle, tick)

	h.writer.setErr(nil)
	h.edit(t, "y")
	assert.Equal(t, StateDirty, h.sched.State())
	require.Eventually(t, func() bool { return h.writer.count() == 2 }, settle*2, tick)
	require.Eventually(t, func() bool { return h.sched.State() == StateClean }, settle, tick)
	assert.NoError(t, h.sched.LastError())
}

func TestValidationBlocksAutosave(t *testing.T) {
	h := newHarness(t, persistedRecord(), nil)

	_, err := h.store.UpdateHeader(recordstore.HeaderPatch{NumberLabel: recordstore.Set("")})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.sched.State() == StateError }, settle*2, tick)
	assert.ErrorIs(t, h.sched.LastError(), verification.ErrMissingNumber)
	assert.Zero(t, h.writer.count())
}

func TestRecordWithoutIDIsNotAutosaved(t *testing.T) {
	rec := persistedRecord()
	rec.ID = nil
	h := newHarness(t, rec, nil)

	h.edit(t, "x")
	assert.Never(t, func() bool { return h.writer.count() > 0 }, settle, tick)
	assert.Equal(t, StateDirty, h.sched.State())
}

func TestStopCancelsPendingTimer(t *testing.T) {
	h := newHarness(t, persistedRecord(), nil)

	h.edit(t, "x")
	h.sched.Stop()
	h.sched.Stop()

	assert.Never(t, func() bool { return h.writer.count() > 0 }, settle, tick)

	// Changes after stop are not observed
	h.edit(t, "y")
	assert.Equal(t, StateDirty, h.sched.State())
}

func TestInFlightResultDiscardedAfterStop(t *testing.T) {
	h := newHarness(t, persistedRecord(), nil)
	block := make(chan struct{})
	h.writer.block = block

	h.edit(t, "x")
	require.Eventually(t, func() bool { return h.writer.count() == 1 }, settle*2, tick)
	assert.Equal(t, StateSaving, h.sched.State())

	h.sched.Stop()
	close(block)

	require.Eventually(t, func() bool { return !h.slot.held.Load() }, settle, tick)
	assert.Equal(t, StateSaving, h.sched.State(), "result after stop does not change state")
	assert.Empty(t, h.sched.Reference().Specimens[0].LEMCode, "reference is not updated after stop")
	assert.True(t, h.sched.LastSavedAt().IsZero())
}

func TestEditDuringInFlightWriteIsSavedNext(t *testing.T) {
	h := newHarness(t, persistedRecord(), nil)
	block := make(chan struct{})
	h.writer.block = block

	h.edit(t, "first")
	require.Eventually(t, func() bool { return h.writer.count() == 1 }, settle*2, tick)

	h.edit(t, "second")
	assert.Equal(t, StateSaving, h.sched.State())

	// The re-armed timer finds the slot busy and waits
	time.Sleep(2 * testDebounce)
	assert.Equal(t, 1, h.writer.count(), "no concurrent second write")

	h.writer.mu.Lock()
	h.writer.block = nil
	h.writer.mu.Unlock()
	close(block)

	require.Eventually(t, func() bool { return h.writer.count() == 2 }, settle*2, tick)
	assert.Equal(t, "second", h.writer.last().Specimens[0].LEMCode)
	require.Eventually(t, func() bool { return h.sched.State() == StateClean }, settle, tick)
}

func TestExternalSaveUpdatesReference(t *testing.T) {
	h := newHarness(t, persistedRecord(), nil)

	h.sched.Suppress()
	h.edit(t, "manual")
	h.sched.BeginExternalSave("manual")
	assert.Equal(t, StateSaving, h.sched.State())

	h.sched.CompleteExternalSave("manual", h.store.Snapshot(), nil)
	assert.Equal(t, StateClean, h.sched.State())
	assert.False(t, h.sched.LastSavedAt().IsZero())
	h.sched.Resume()

	assert.Never(t, func() bool { return h.writer.count() > 0 }, settle, tick)

	h.sched.BeginExternalSave("manual")
	h.sched.CompleteExternalSave("manual", verification.Record{}, errors.New("boom"))
	assert.Equal(t, StateError, h.sched.State())
}

func TestStatusEventsArePublished(t *testing.T) {
	bus := events.NewBus(nil, nil)
	consumer := events.NewChannelConsumer("ui", 16)
	require.NoError(t, bus.RegisterConsumer(consumer))
	t.Cleanup(func() { _ = bus.Shutdown(time.Second) })

	h := newHarness(t, persistedRecord(), func(o *Options) {
		o.Bus = bus
		o.SessionID = "session-1"
	})

	h.edit(t, "x")
	require.Eventually(t, func() bool { return h.writer.count() == 1 }, settle*2, tick)
	require.Eventually(t, func() bool { return h.sched.State() == StateClean }, settle, tick)

	var states []string
	timeout := time.After(settle)
	for len(states) < 3 {
		select {
		case ev := <-consumer.C():
			assert.Equal(t, "session-1", ev.SessionID)
			states = append(states, ev.State)
		case <-timeout:
			t.Fatalf("received only %v", states)
		}
	}
	assert.Equal(t, []string{"dirty", "saving", "clean"}, states)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
}

func TestEqualTreatsNilAndEmptyAlike(t *testing.T) {
	t.Parallel()

	a := verification.Record{Specimens: nil}
	b := verification.Record{Specimens: []verification.Specimen{}}
	assert.True(t, Equal(a, b))

	c := verification.Record{Specimens: []verification.Specimen{{Diameter1: verification.Ptr(1.0)}}}
	d := verification.Record{Specimens: []verification.Specimen{{Diameter1: verification.Ptr(1.0)}}}
	assert.True(t, Equal(c, d), "pointers compare by value")
	*d.Specimens[0].Diameter1 = 2
	assert.False(t, Equal(c, d))
}

func TestStateStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "clean", StateClean.String())
	assert.Equal(t, "dirty", StateDirty.String())
	assert.Equal(t, "saving", StateSaving.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "unknown", SaveState(9).String())
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "pending_save", PhasePendingSave.String())
	assert.Equal(t, "saving", PhaseSaving.String())
	assert.Equal(t, "error", PhaseError.String())
	assert.Equal(t, "unknown", Phase(9).String())
}
