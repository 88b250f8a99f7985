package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/os2datascanner/engine/internal/domain/checkup"
	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/infra/storage"
)

func setupCheckupTest(t *testing.T) (context.Context, *checkupStore, func()) {
	t.Helper()

	db, cleanup := storage.SetupTestContainer(t)
	store := NewCheckupStore(db, storage.NoOpTracer())
	return context.Background(), store, cleanup
}

var (
	matched   = checkup.Observation{Matches: &messages.MatchesMessage{Matched: true}}
	clean     = checkup.Observation{Matches: &messages.MatchesMessage{}}
	transient = checkup.Observation{Problem: &messages.ProblemMessage{Message: "timeout"}}
	missing   = checkup.Observation{Problem: &messages.ProblemMessage{Message: "gone", Missing: true}}
)

func TestCheckupStore_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupCheckupTest(t)
	defer cleanup()

	handle := []byte(`{"path":"a.txt","type":"file"}`)
	first := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(24 * time.Hour)

	action, err := store.Apply(ctx, 7, handle, clean, first)
	require.NoError(t, err)
	assert.Equal(t, checkup.ActionNone, action)

	action, err = store.Apply(ctx, 7, handle, matched, first)
	require.NoError(t, err)
	assert.Equal(t, checkup.ActionCreate, action)

	action, err = store.Apply(ctx, 7, handle, transient, second)
	require.NoError(t, err)
	assert.Equal(t, checkup.ActionNone, action)

	checkups, err := store.ListForScanner(ctx, 7)
	require.NoError(t, err)
	require.Len(t, checkups, 1)
	assert.Equal(t, handle, checkups[0].HandleJSON)
	require.NotNil(t, checkups[0].InterestedBefore)
	assert.True(t, first.Equal(*checkups[0].InterestedBefore), "a transient problem must not move interested_before")

	action, err = store.Apply(ctx, 7, handle, matched, second)
	require.NoError(t, err)
	assert.Equal(t, checkup.ActionTouch, action)

	checkups, err = store.ListForScanner(ctx, 7)
	require.NoError(t, err)
	require.Len(t, checkups, 1)
	assert.True(t, second.Equal(*checkups[0].InterestedBefore))

	action, err = store.Apply(ctx, 7, handle, missing, second)
	require.NoError(t, err)
	assert.Equal(t, checkup.ActionDelete, action)

	checkups, err = store.ListForScanner(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, checkups)
}

func TestCheckupStore_ScannersAreIndependent(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupCheckupTest(t)
	defer cleanup()

	now := time.Now().UTC()
	handle := []byte(`{"path":"b.txt","type":"file"}`)
	for _, pk := range []int64{1, 2} {
		_, err := store.Apply(ctx, pk, handle, transient, now)
		require.NoError(t, err)
	}

	require.NoError(t, store.DeleteForScanner(ctx, 1))

	gone, err := store.ListForScanner(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, gone)

	kept, err := store.ListForScanner(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestCheckupStore_ConcurrentCreates(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupCheckupTest(t)
	defer cleanup()

	handle := []byte(`{"path":"c.txt","type":"file"}`)
	now := time.Now().UTC()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Apply(ctx, 3, handle, matched, now)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	checkups, err := store.ListForScanner(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, checkups, 1)
}
