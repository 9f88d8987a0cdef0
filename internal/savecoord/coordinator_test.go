package savecoord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lemlab/verifier/internal/autosave"
	"github.com/lemlab/verifier/internal/derivation"
	"github.com/lemlab/verifier/internal/recordstore"
	"github.com/lemlab/verifier/internal/verification"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testDebounce = 40 * time.Millisecond
	testCooldown = 30 * time.Millisecond
	settle       = 4 * testDebounce
	tick         = 5 * time.Millisecond
)

// mockGateway is a testify mock of the record store client
type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Get(ctx context.Context, id uint64) (verification.Record, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(verification.Record), args.Error(1)
}

func (m *mockGateway) Create(ctx context.Context, r verification.Record) (verification.Record, error) {
	args := m.Called(ctx, r)
	return args.Get(0).(verification.Record), args.Error(1)
}

func (m *mockGateway) Update(ctx context.Context, r verification.Record) (verification.Record, error) {
	args := m.Called(ctx, r)
	return args.Get(0).(verification.Record), args.Error(1)
}

// countingGateway records writes and can hold them open
type countingGateway struct {
	mu      sync.Mutex
	updates []verification.Record
	err     error
	block   chan struct{}
}

func (g *countingGateway) Get(context.Context, uint64) (verification.Record, error) {
	return verification.Record{}, errors.New("not used")
}

func (g *countingGateway) Create(_ context.Context, r verification.Record) (verification.Record, error) {
	r.ID = verification.Ptr(uint64(99))
	return r, nil
}

func (g *countingGateway) Update(_ context.Context, r verification.Record) (verification.Record, error) {
	g.mu.Lock()
	g.updates = append(g.updates, r.Clone())
	block, err := g.block, g.err
	g.mu.Unlock()
	if block != nil {
		<-block
	}
	return r, err
}

func (g *countingGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.updates)
}

func (g *countingGateway) last() verification.Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.updates[len(g.updates)-1]
}

// storingGateway keeps the last written record so loads see it. Writes
// block on hold while it is set.
type storingGateway struct {
	mu      sync.Mutex
	stored  verification.Record
	writes  int
	hold    chan struct{}
	entered chan struct{}
}

func newStoringGateway(initial verification.Record) *storingGateway {
	return &storingGateway{
		stored:  initial.Clone(),
		hold:    make(chan struct{}),
		entered: make(chan struct{}, 8),
	}
}

func (g *storingGateway) Get(context.Context, uint64) (verification.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stored.Clone(), nil
}

func (g *storingGateway) Create(_ context.Context, r verification.Record) (verification.Record, error) {
	r.ID = verification.Ptr(uint64(77))
	return g.put(r), nil
}

func (g *storingGateway) Update(_ context.Context, r verification.Record) (verification.Record, error) {
	return g.put(r), nil
}

func (g *storingGateway) put(r verification.Record) verification.Record {
	g.entered <- struct{}{}
	<-g.hold
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writes++
	g.stored = r.Clone()
	return r
}

func (g *storingGateway) snapshot() (verification.Record, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stored.Clone(), g.writes
}

type fixture struct {
	store *recordstore.Store
	sched *autosave.Scheduler
	coord *Coordinator
	slot  *Slot
}

func newFixture(t *testing.T, initial verification.Record, gw Gateway, debounce time.Duration) *fixture {
	t.Helper()

	f := &fixture{
		store: recordstore.New(derivation.Default(), nil, initial),
		slot:  NewSlot(),
	}
	sched, err := autosave.New(autosave.Options{
		Source:   f.store,
		Writer:   gw,
		Slot:     f.slot,
		Debounce: debounce,
	})
	require.NoError(t, err)
	sched.Start()
	f.sched = sched

	coord, err := New(Options{
		Store:     f.store,
		Scheduler: sched,
		Gateway:   gw,
		Slot:      f.slot,
		Cooldown:  testCooldown,
	})
	require.NoError(t, err)
	f.coord = coord

	t.Cleanup(func() {
		coord.Close()
		sched.Stop()
	})
	return f
}

func draft() verification.Record {
	return verification.Record{
		Header:    verification.Header{NumberLabel: "V-7"},
		Specimens: []verification.Specimen{{ItemNumber: 1, LEMCode: "LEM-1"}},
	}
}

func persisted(id uint64) verification.Record {
	r := draft()
	r.ID = verification.Ptr(id)
	return r
}

func TestSaveCreatesNewRecord(t *testing.T) {
	gw := &mockGateway{}
	created := persisted(42)
	gw.On("Create", mock.Anything, mock.MatchedBy(func(r verification.Record) bool {
		return !r.HasID() && r.Header.NumberLabel == "V-7"
	})).Return(created, nil).Once()

	f := newFixture(t, draft(), gw, testDebounce)

	saved, err := f.coord.Save(t.Context())
	require.NoError(t, err)
	require.NotNil(t, saved.ID)
	assert.Equal(t, uint64(42), *saved.ID)
	assert.Equal(t, uint64(42), *f.store.Snapshot().ID, "store learns the assigned id")
	assert.Equal(t, autosave.StateClean, f.sched.State())
	assert.True(t, f.sched.Suppressed(), "autosave stays suppressed during cooldown")

	require.Eventually(t, func() bool { return !f.sched.Suppressed() }, settle, tick)
	assert.Never(t, func() bool { return len(gw.Calls) > 1 }, settle, tick)
	gw.AssertExpectations(t)
	gw.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
}

func TestSaveUpdatesExistingRecord(t *testing.T) {
	gw := &mockGateway{}
	gw.On("Update", mock.Anything, mock.MatchedBy(func(r verification.Record) bool {
		return r.HasID() && *r.ID == 5
	})).Return(persisted(5), nil).Once()

	f := newFixture(t, persisted(5), gw, time.Hour)
	_, err := f.store.UpdateHeader(recordstore.HeaderPatch{ClientName: recordstore.Set("Acme")})
	require.NoError(t, err)
	assert.Equal(t, autosave.StateDirty, f.sched.State())

	saved, err := f.coord.Save(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "Acme", saved.Header.ClientName)
	assert.Equal(t, autosave.StateClean, f.sched.State())
	assert.Empty(t, f.slot.Holder())
	gw.AssertExpectations(t)
}

func TestSaveBlockedByValidation(t *testing.T) {
	gw := &mockGateway{}
	f := newFixture(t, verification.Record{Specimens: []verification.Specimen{}}, gw, testDebounce)

	_, err := f.coord.Save(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, verification.ErrMissingNumber)
	assert.ErrorIs(t, err, verification.ErrNoSpecimens)
	assert.False(t, f.sched.Suppressed())
	gw.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestSaveFailureIsSurfacedAndSlotReleased(t *testing.T) {
	gw := &countingGateway{err: errors.New("connection refused")}
	f := newFixture(t, persisted(3), gw, testDebounce)

	_, err := f.coord.Save(t.Context())
	require.Error(t, err)
	assert.Equal(t, autosave.StateError, f.sched.State())
	assert.Empty(t, f.slot.Holder())
	assert.True(t, f.slot.TryAcquire("check"))
	f.slot.Release()

	// Autosave resumes after the cooldown and retries on the next change
	require.Eventually(t, func() bool { return !f.sched.Suppressed() }, settle, tick)
	gw.mu.Lock()
	gw.err = nil
	gw.mu.Unlock()

	_, err = f.store.UpdateSpecimen(0, recordstore.SpecimenPatch{LEMCode: recordstore.Set("LEM-2")})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return gw.count() == 2 }, settle*2, tick)
	assert.Equal(t, "LEM-2", gw.last().Specimens[0].LEMCode)
}

func TestDuplicatePersistsImmediatelyInEditMode(t *testing.T) {
	gw := &countingGateway{}
	f := newFixture(t, persisted(8), gw, time.Hour)

	rec, err := f.coord.DuplicateSpecimen(t.Context(), 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, rec.ItemNumbers())
	require.Equal(t, 1, gw.count(), "duplicate is written without waiting for the debounce")
	assert.Len(t, gw.last().Specimens, 2)
	assert.Equal(t, autosave.StateClean, f.sched.State())
}

func TestDuplicateOnNewRecordDoesNotWrite(t *testing.T) {
	gw := &mockGateway{}
	f := newFixture(t, draft(), gw, testDebounce)

	rec, err := f.coord.DuplicateSpecimen(t.Context(), 0)
	require.NoError(t, err)
	assert.Len(t, rec.Specimens, 2)

	_, err = f.coord.DuplicateSpecimen(t.Context(), 5)
	require.ErrorIs(t, err, recordstore.ErrIndexOutOfRange)

	assert.Never(t, func() bool { return len(gw.Calls) > 0 }, settle, tick)
}

func TestHydrateDoesNotTriggerSave(t *testing.T) {
	gw := &mockGateway{}
	remote := persisted(12)
	remote.Header.ClientName = "Remote"
	remote.Specimens[0].Diameter1 = verification.Ptr(100.0)
	remote.Specimens[0].Diameter2 = verification.Ptr(101.0)
	gw.On("Get", mock.Anything, uint64(12)).Return(remote, nil).Once()

	f := newFixture(t, verification.New(time.Now()), gw, testDebounce)

	loaded, err := f.coord.Hydrate(t.Context(), 12)
	require.NoError(t, err)
	assert.Equal(t, "Remote", loaded.Header.ClientName)
	require.NotNil(t, loaded.Specimens[0].Derived.TolerancePercent, "loaded rows are derived")
	assert.Equal(t, autosave.StateClean, f.sched.State())
	assert.False(t, f.sched.Suppressed())
	assert.True(t, autosave.Equal(loaded, f.sched.Reference()))

	assert.Never(t, func() bool { return len(gw.Calls) > 1 }, settle, tick)
	gw.AssertExpectations(t)
}

func TestHydrateFailureReleasesSuppression(t *testing.T) {
	gw := &mockGateway{}
	gw.On("Get", mock.Anything, uint64(1)).Return(verification.Record{}, errors.New("not found")).Once()

	f := newFixture(t, verification.New(time.Now()), gw, testDebounce)

	_, err := f.coord.Hydrate(t.Context(), 1)
	require.Error(t, err)
	assert.False(t, f.sched.Suppressed())
}

func TestManualSaveWaitsForInFlightAutosave(t *testing.T) {
	block := make(chan struct{})
	gw := &countingGateway{block: block}
	f := newFixture(t, persisted(4), gw, testDebounce)

	_, err := f.store.UpdateSpecimen(0, recordstore.SpecimenPatch{LEMCode: recordstore.Set("auto")})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return gw.count() == 1 }, settle*2, tick)
	assert.Equal(t, "auto", f.slot.Holder())

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = f.coord.Save(ctx)
	require.ErrorIs(t, err, ErrSlotBusy)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	gw.mu.Lock()
	gw.block = nil
	gw.mu.Unlock()
	close(block)

	require.Eventually(t, func() bool { return f.slot.Holder() == "" }, settle, tick)
	_, err = f.coord.Save(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, gw.count())
}

func TestCloseRejectsFurtherWork(t *testing.T) {
	gw := &countingGateway{}
	f := newFixture(t, persisted(4), gw, time.Hour)

	_, err := f.coord.Save(t.Context())
	require.NoError(t, err)
	assert.True(t, f.sched.Suppressed())

	f.coord.Close()
	assert.False(t, f.sched.Suppressed(), "pending cooldown holds are released on close")

	_, err = f.coord.Save(t.Context())
	require.ErrorIs(t, err, ErrClosed)
	_, err = f.coord.Hydrate(t.Context(), 4)
	require.ErrorIs(t, err, ErrClosed)
}

func TestHydrateWaitsForInFlightAutosave(t *testing.T) {
	gw := newStoringGateway(persisted(6))
	f := newFixture(t, persisted(6), gw, testDebounce)

	_, err := f.store.UpdateSpecimen(0, recordstore.SpecimenPatch{LEMCode: recordstore.Set("edited")})
	require.NoError(t, err)
	select {
	case <-gw.entered:
	case <-time.After(settle * 2):
		t.Fatal("autosave did not start")
	}
	assert.Equal(t, "auto", f.slot.Holder())

	type result struct {
		rec verification.Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := f.coord.Hydrate(t.Context(), 6)
		done <- result{rec, err}
	}()
	assert.Never(t, func() bool { return len(done) > 0 }, 4*tick, tick, "load waits for the write to settle")

	close(gw.hold)
	var res result
	select {
	case res = <-done:
	case <-time.After(settle):
		t.Fatal("load did not finish")
	}
	require.NoError(t, res.err)
	assert.Equal(t, "edited", res.rec.Specimens[0].LEMCode)
	assert.Equal(t, autosave.StateClean, f.sched.State())
	assert.True(t, autosave.Equal(f.store.Snapshot(), f.sched.Reference()))
	assert.Empty(t, f.slot.Holder())

	// No second write of the loaded value, and the store kept the edit
	assert.Never(t, func() bool {
		_, writes := gw.snapshot()
		return writes > 1
	}, settle, tick)
	stored, writes := gw.snapshot()
	assert.Equal(t, 1, writes)
	assert.Equal(t, "edited", stored.Specimens[0].LEMCode)
}

func TestCloseDuringCreateLeavesDraftUntouched(t *testing.T) {
	gw := newStoringGateway(verification.Record{})
	f := newFixture(t, draft(), gw, time.Hour)

	errc := make(chan error, 1)
	go func() {
		_, err := f.coord.Save(t.Context())
		errc <- err
	}()
	select {
	case <-gw.entered:
	case <-time.After(settle):
		t.Fatal("create did not start")
	}

	f.coord.Close()
	close(gw.hold)

	var err error
	select {
	case err = <-errc:
	case <-time.After(settle):
		t.Fatal("save did not return")
	}
	require.ErrorIs(t, err, ErrClosed)
	assert.False(t, f.store.Snapshot().HasID(), "draft keeps no id after close")
	assert.False(t, f.sched.Suppressed())
	assert.Empty(t, f.slot.Holder())
}

func TestSlot(t *testing.T) {
	s := NewSlot()
	require.True(t, s.TryAcquire("a"))
	assert.Equal(t, "a", s.Holder())
	assert.False(t, s.TryAcquire("b"))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.ErrorIs(t, s.Acquire(ctx, "b"), context.Canceled)

	s.Release()
	s.Release()
	assert.Empty(t, s.Holder())
	require.NoError(t, s.Acquire(t.Context(), "c"))
	s.Release()
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
