package datastore

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemlab/verifier/internal/conf"
	"github.com/lemlab/verifier/internal/dto"
	"github.com/lemlab/verifier/internal/errors"
)

func newTestStore(t *testing.T) *DataStore {
	t.Helper()
	settings := &conf.DatabaseSettings{
		Type:   conf.DatabaseSQLite,
		SQLite: conf.SQLiteSettings{Path: filepath.Join(t.TempDir(), "db", "verifier.db")},
	}
	ds, err := New(settings, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func ptr[T any](v T) *T { return &v }

func sample(number string, codes ...string) dto.Verification {
	v := dto.Verification{
		Number:       number,
		DocumentCode: "F-LEM-P-01.12",
		Version:      "03",
		DocumentDate: "15/10/2026",
		Page:         "1 de 1",
		Client:       "Constructora Andina",
	}
	for i, code := range codes {
		v.Specimens = append(v.Specimens, dto.Specimen{
			ItemNumber: i + 1,
			LEMCode:    code,
			ClientCode: code,
			Diameter1:  ptr(150.0),
			Diameter2:  ptr(151.0),
			Weigh:      dto.WeighLabel,
		})
	}
	return v
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()

	in := sample("V-1", "A-1", "A-2", "A-3")
	in.ID = ptr(uint64(999))
	created, err := ds.Create(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, created.ID)
	assert.NotEqual(t, uint64(999), *created.ID, "client ids are ignored on create")
	require.NotNil(t, created.CreatedAt)
	require.NotNil(t, created.UpdatedAt)

	got, err := ds.Get(ctx, *created.ID)
	require.NoError(t, err)
	assert.Equal(t, "V-1", got.Number)
	assert.Equal(t, "Constructora Andina", got.Client)
	require.Len(t, got.Specimens, 3)
	for i, s := range got.Specimens {
		assert.Equal(t, i+1, s.ItemNumber)
	}
	assert.Equal(t, "A-2", got.Specimens[1].ClientCode, "legacy mirrors survive storage")
	assert.InDelta(t, 151.0, *got.Specimens[0].Diameter2, 1e-9)
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)

	_, err := ds.Get(t.Context(), 42)
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
}

func TestUpdateReplacesSpecimens(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()

	created, err := ds.Create(ctx, sample("V-2", "B-1", "B-2", "B-3"))
	require.NoError(t, err)
	id := *created.ID

	changed := sample("V-2b", "B-9")
	changed.Note = "repeated measurement"
	updated, err := ds.Update(ctx, id, changed)
	require.NoError(t, err)

	assert.Equal(t, id, *updated.ID)
	assert.Equal(t, "V-2b", updated.Number)
	assert.Equal(t, "repeated measurement", updated.Note)
	require.Len(t, updated.Specimens, 1)
	assert.Equal(t, "B-9", updated.Specimens[0].LEMCode)
	assert.Equal(t, created.CreatedAt.Unix(), updated.CreatedAt.Unix())

	var rows int64
	require.NoError(t, ds.DB.Model(&Specimen{}).Where("verification_id = ?", id).Count(&rows).Error)
	assert.Equal(t, int64(1), rows, "old specimen rows are removed")
}

func TestUpdateToNoSpecimens(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()

	created, err := ds.Create(ctx, sample("V-3", "C-1"))
	require.NoError(t, err)

	updated, err := ds.Update(ctx, *created.ID, sample("V-3"))
	require.NoError(t, err)
	assert.Empty(t, updated.Specimens)
}

func TestUpdateMissing(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)

	_, err := ds.Update(t.Context(), 7, sample("V-7", "X"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()

	created, err := ds.Create(ctx, sample("V-4", "D-1", "D-2"))
	require.NoError(t, err)

	require.NoError(t, ds.Delete(ctx, *created.ID))
	_, err = ds.Get(ctx, *created.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, ds.Delete(ctx, *created.ID), ErrNotFound)

	var rows int64
	require.NoError(t, ds.DB.Model(&Specimen{}).Count(&rows).Error)
	assert.Zero(t, rows)
}

func TestListPaginates(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()

	for _, n := range []string{"L-1", "L-2", "L-3", "L-4", "L-5"} {
		_, err := ds.Create(ctx, sample(n, n+"-a"))
		require.NoError(t, err)
	}

	page, err := ds.List(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "L-2", page[0].Number)
	assert.Equal(t, "L-3", page[1].Number)
	require.Len(t, page[0].Specimens, 1)

	all, err := ds.List(ctx, -3, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	none, err := ds.List(ctx, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCancelledContext(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := ds.Create(ctx, sample("V-x", "Z"))
	require.Error(t, err)
}

func TestConcurrentWrites(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()

	created, err := ds.Create(ctx, sample("V-c", "C"))
	require.NoError(t, err)
	id := *created.ID

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Go(func() {
			v := sample("V-c", "C")
			v.Note = strconv.Itoa(i)
			_, err := ds.Update(ctx, id, v)
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	got, err := ds.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, got.Specimens, 1)
}

func TestNewRejectsUnknownType(t *testing.T) {
	t.Parallel()
	_, err := New(&conf.DatabaseSettings{Type: "oracle"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestMySQLDSN(t *testing.T) {
	t.Parallel()
	dsn := mysqlDSN(conf.MySQLSettings{Host: "db", Port: "3306", Username: "lem", Password: "pw", Database: "verifier"})
	assert.Equal(t, "lem:pw@tcp(db:3306)/verifier?charset=utf8mb4&parseTime=True&loc=Local", dsn)
}

func TestMySQLPasswordResolvedBeforeDial(t *testing.T) {
	t.Parallel()
	_, err := New(&conf.DatabaseSettings{
		Type: conf.DatabaseMySQL,
		MySQL: conf.MySQLSettings{
			Host:         "127.0.0.1",
			Port:         "1",
			Database:     "verifier",
			PasswordFile: filepath.Join(t.TempDir(), "missing"),
		},
	}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO), "secret file error surfaces unchanged")
}
