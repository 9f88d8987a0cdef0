package editor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lemlab/verifier/internal/autosave"
	"github.com/lemlab/verifier/internal/gateway"
	"github.com/lemlab/verifier/internal/recordstore"
	"github.com/lemlab/verifier/internal/verification"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testDebounce = 40 * time.Millisecond
	waitFor      = time.Second
	tick         = 5 * time.Millisecond
)

// memGateway is an in-memory record store
type memGateway struct {
	mu      sync.Mutex
	nextID  uint64
	records map[uint64]verification.Record
	creates int
	updates int
}

func newMemGateway() *memGateway {
	return &memGateway{nextID: 1, records: make(map[uint64]verification.Record)}
}

func (g *memGateway) Get(_ context.Context, id uint64) (verification.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[id]
	if !ok {
		return verification.Record{}, gateway.ErrNotFound
	}
	return r.Clone(), nil
}

func (g *memGateway) Create(_ context.Context, r verification.Record) (verification.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates++
	r = r.Clone()
	r.ID = verification.Ptr(g.nextID)
	g.nextID++
	g.records[*r.ID] = r
	return r.Clone(), nil
}

func (g *memGateway) Update(_ context.Context, r verification.Record) (verification.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates++
	if _, ok := g.records[*r.ID]; !ok {
		return verification.Record{}, gateway.ErrNotFound
	}
	g.records[*r.ID] = r.Clone()
	return r.Clone(), nil
}

func (g *memGateway) counts() (creates, updates int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates, g.updates
}

func (g *memGateway) stored(id uint64) verification.Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.records[id].Clone()
}

// heldGateway holds writes open until release is closed
type heldGateway struct {
	*memGateway
	entered chan struct{}
	release chan struct{}
}

func newHeldGateway() *heldGateway {
	return &heldGateway{
		memGateway: newMemGateway(),
		entered:    make(chan struct{}, 8),
		release:    make(chan struct{}),
	}
}

func (g *heldGateway) Create(ctx context.Context, r verification.Record) (verification.Record, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.memGateway.Create(ctx, r)
}

func (g *heldGateway) Update(ctx context.Context, r verification.Record) (verification.Record, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.memGateway.Update(ctx, r)
}

func (g *heldGateway) awaitWrite(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(waitFor):
		t.Fatal("write did not start")
	}
}

func testOptions(gw Gateway) Options {
	return Options{
		Gateway:  gw,
		Debounce: testDebounce,
		Grace:    time.Millisecond,
		Cooldown: 10 * time.Millisecond,
		Now:      func() time.Time { return time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC) },
	}
}

func newSession(t *testing.T, gw Gateway) *Session {
	t.Helper()
	s, err := New(testOptions(gw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewRecordHasDocumentDefaults(t *testing.T) {
	s := newSession(t, newMemGateway())

	h := s.Snapshot().Header
	assert.Equal(t, verification.DefaultDocumentCode, h.DocumentCode)
	assert.Equal(t, verification.DefaultVersion, h.Version)
	assert.Equal(t, "15/10/2026", h.DocumentDate)
	assert.Equal(t, verification.DefaultPageLabel, h.PageLabel)
	assert.Equal(t, autosave.StateClean, s.Status().State)
	assert.NotEmpty(t, s.ID())
}

func TestFullEditLifecycle(t *testing.T) {
	gw := newMemGateway()
	s := newSession(t, gw)

	_, err := s.UpdateHeader(recordstore.HeaderPatch{NumberLabel: recordstore.Set("V-2026-014")})
	require.NoError(t, err)
	_, err = s.AddSpecimen()
	require.NoError(t, err)
	rec, err := s.UpdateSpecimen(0, recordstore.SpecimenPatch{
		LEMCode:   recordstore.Set("LEM-77"),
		Diameter1: recordstore.Set(verification.Ptr(150.0)),
		Diameter2: recordstore.Set(verification.Ptr(151.0)),
	})
	require.NoError(t, err)
	require.NotNil(t, rec.Specimens[0].Derived.TolerancePercent)

	// New records are not autosaved
	time.Sleep(3 * testDebounce)
	creates, updates := gw.counts()
	assert.Zero(t, creates+updates)
	assert.Equal(t, autosave.StateDirty, s.Status().State)

	saved, err := s.Save(t.Context())
	require.NoError(t, err)
	require.NotNil(t, saved.ID)
	id := *saved.ID
	assert.Equal(t, autosave.StateClean, s.Status().State)
	assert.Equal(t, id, *s.Status().RecordID)

	// Edits on a stored record are autosaved after the quiet period
	_, err = s.UpdateSpecimen(0, recordstore.SpecimenPatch{Conformity: recordstore.Set("Ensayar")})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return gw.stored(id).Specimens[0].Conformity == "Ensayar"
	}, waitFor, tick)
	require.Eventually(t, func() bool { return s.Status().State == autosave.StateClean }, waitFor, tick)

	// Duplicate persists immediately
	_, err = s.DuplicateSpecimen(t.Context(), 0)
	require.NoError(t, err)
	stored := gw.stored(id)
	require.Len(t, stored.Specimens, 2)
	assert.Equal(t, []int{1, 2}, stored.ItemNumbers())
	assert.Equal(t, "LEM-77", stored.Specimens[1].LEMCode)
}

func TestOpenLoadsWithoutSaving(t *testing.T) {
	gw := newMemGateway()
	seed, err := gw.Create(t.Context(), verification.Record{
		Header:    verification.Header{NumberLabel: "V-9"},
		Specimens: []verification.Specimen{{ItemNumber: 1, LEMCode: "A"}, {ItemNumber: 2, LEMCode: "B"}},
	})
	require.NoError(t, err)

	s, err := Open(t.Context(), testOptions(gw), *seed.ID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.Equal(t, "V-9", s.Snapshot().Header.NumberLabel)
	assert.Len(t, s.Snapshot().Specimens, 2)

	time.Sleep(3 * testDebounce)
	_, updates := gw.counts()
	assert.Zero(t, updates, "loading must not trigger a save")
	assert.Equal(t, autosave.StateClean, s.Status().State)
}

func TestOpenMissingRecord(t *testing.T) {
	_, err := Open(t.Context(), testOptions(newMemGateway()), 404)
	require.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestStatusStream(t *testing.T) {
	gw := newMemGateway()
	seed, err := gw.Create(t.Context(), verification.Record{
		Header:    verification.Header{NumberLabel: "V-1"},
		Specimens: []verification.Specimen{{ItemNumber: 1}},
	})
	require.NoError(t, err)

	// Subscribing before any transition keeps the stream free of load events
	s, err := FromRecord(testOptions(gw), seed)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	c, err := s.Subscribe("ui", 16)
	require.NoError(t, err)

	_, err = s.UpdateSpecimen(0, recordstore.SpecimenPatch{LEMCode: recordstore.Set("X")})
	require.NoError(t, err)

	var states []string
	timeout := time.After(waitFor)
	for len(states) < 3 {
		select {
		case ev := <-c.C():
			assert.Equal(t, s.ID(), ev.SessionID)
			states = append(states, ev.State)
		case <-timeout:
			t.Fatalf("timed out with states %v", states)
		}
	}
	assert.Equal(t, []string{"dirty", "saving", "clean"}, states)
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	s, err := New(testOptions(newMemGateway()))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.AddSpecimen()
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.Save(t.Context())
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.DuplicateSpecimen(t.Context(), 0)
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.Subscribe("late", 1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestLoadDuringAutosaveKeepsEdit(t *testing.T) {
	gw := newHeldGateway()
	seed, err := gw.memGateway.Create(t.Context(), verification.Record{
		Header:    verification.Header{NumberLabel: "V-3"},
		Specimens: []verification.Specimen{{ItemNumber: 1, LEMCode: "orig"}},
	})
	require.NoError(t, err)

	s, err := FromRecord(testOptions(gw), seed)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.UpdateSpecimen(0, recordstore.SpecimenPatch{LEMCode: recordstore.Set("edited")})
	require.NoError(t, err)
	gw.awaitWrite(t)

	loaded := make(chan error, 1)
	go func() {
		_, err := s.Load(t.Context(), *seed.ID)
		loaded <- err
	}()
	time.Sleep(4 * tick)
	close(gw.release)

	select {
	case err = <-loaded:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("load did not finish")
	}

	assert.Equal(t, "edited", s.Snapshot().Specimens[0].LEMCode)
	assert.Equal(t, autosave.StateClean, s.Status().State)
	time.Sleep(3 * testDebounce)
	_, updates := gw.counts()
	assert.Equal(t, 1, updates)
	assert.Equal(t, "edited", gw.stored(*seed.ID).Specimens[0].LEMCode)
}

func TestCloseDuringSaveDiscardsResult(t *testing.T) {
	gw := newHeldGateway()
	s, err := New(testOptions(gw))
	require.NoError(t, err)

	_, err = s.UpdateHeader(recordstore.HeaderPatch{NumberLabel: recordstore.Set("V-5")})
	require.NoError(t, err)
	_, err = s.AddSpecimen()
	require.NoError(t, err)

	saved := make(chan error, 1)
	go func() {
		_, err := s.Save(t.Context())
		saved <- err
	}()
	gw.awaitWrite(t)

	require.NoError(t, s.Close())
	close(gw.release)

	select {
	case err = <-saved:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("save did not return")
	}
	assert.False(t, s.Snapshot().HasID(), "closed session keeps its draft as it was")
}

func TestNewRequiresGateway(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
