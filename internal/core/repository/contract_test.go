package repository

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duynhne/session-store/internal/core/domain"
)

// testClock is a settable clock handed to repositories through Options.Now.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// repoFactory builds an empty repository using clock for timestamps.
type repoFactory func(t *testing.T, clock *testClock) domain.SessionRepository

// runRepositoryContract checks the behavior every backend must share.
func runRepositoryContract(t *testing.T, newRepo repoFactory) {
	ctx := context.Background()

	t.Run("find missing", func(t *testing.T) {
		repo := newRepo(t, newTestClock())

		row, err := repo.FindByStorageID(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, row)
	})

	t.Run("insert and find", func(t *testing.T) {
		repo := newRepo(t, newTestClock())

		require.NoError(t, repo.Insert(ctx, "2::abc", `{"foo":"bar"}`))

		row, err := repo.FindByStorageID(ctx, "2::abc")
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Equal(t, "2::abc", row.StorageID)
		assert.Equal(t, `{"foo":"bar"}`, row.Data)
	})

	t.Run("insert duplicate", func(t *testing.T) {
		repo := newRepo(t, newTestClock())

		require.NoError(t, repo.Insert(ctx, "dup", "one"))
		err := repo.Insert(ctx, "dup", "two")
		assert.ErrorIs(t, err, domain.ErrDuplicateKey)

		row, err := repo.FindByStorageID(ctx, "dup")
		require.NoError(t, err)
		assert.Equal(t, "one", row.Data)
	})

	t.Run("update", func(t *testing.T) {
		repo := newRepo(t, newTestClock())

		ok, err := repo.Update(ctx, "missing", "x")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, repo.Insert(ctx, "id", "one"))
		ok, err = repo.Update(ctx, "id", "two")
		require.NoError(t, err)
		assert.True(t, ok)

		row, err := repo.FindByStorageID(ctx, "id")
		require.NoError(t, err)
		assert.Equal(t, "two", row.Data)
	})

	t.Run("rekey", func(t *testing.T) {
		repo := newRepo(t, newTestClock())

		require.NoError(t, repo.Insert(ctx, "abc", "legacy"))
		require.NoError(t, repo.Rekey(ctx, "abc", "2::secured"))

		row, err := repo.FindByStorageID(ctx, "abc")
		require.NoError(t, err)
		assert.Nil(t, row)

		row, err = repo.FindByStorageID(ctx, "2::secured")
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Equal(t, "legacy", row.Data)
	})

	t.Run("rekey missing source", func(t *testing.T) {
		repo := newRepo(t, newTestClock())

		err := repo.Rekey(ctx, "ghost", "2::ghost")
		assert.ErrorIs(t, err, domain.ErrSessionMissing)
	})

	t.Run("rekey onto existing key", func(t *testing.T) {
		repo := newRepo(t, newTestClock())

		require.NoError(t, repo.Insert(ctx, "abc", "legacy"))
		require.NoError(t, repo.Insert(ctx, "2::abc", "secured"))

		err := repo.Rekey(ctx, "abc", "2::abc")
		assert.ErrorIs(t, err, domain.ErrDuplicateKey)

		// both rows untouched
		row, err := repo.FindByStorageID(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, "legacy", row.Data)
		row, err = repo.FindByStorageID(ctx, "2::abc")
		require.NoError(t, err)
		assert.Equal(t, "secured", row.Data)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		repo := newRepo(t, newTestClock())

		require.NoError(t, repo.Insert(ctx, "id", "data"))
		require.NoError(t, repo.Delete(ctx, "id"))
		require.NoError(t, repo.Delete(ctx, "id"))
		require.NoError(t, repo.Delete(ctx, "never-existed"))

		row, err := repo.FindByStorageID(ctx, "id")
		require.NoError(t, err)
		assert.Nil(t, row)
	})

	t.Run("delete updated before", func(t *testing.T) {
		clock := newTestClock()
		repo := newRepo(t, clock)

		require.NoError(t, repo.Insert(ctx, "stale", "a"))
		require.NoError(t, repo.Insert(ctx, "touched", "b"))
		clock.Advance(2 * time.Hour)
		_, err := repo.Update(ctx, "touched", "b2")
		require.NoError(t, err)
		require.NoError(t, repo.Insert(ctx, "fresh", "c"))

		n, err := repo.DeleteUpdatedBefore(ctx, clock.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		row, err := repo.FindByStorageID(ctx, "stale")
		require.NoError(t, err)
		assert.Nil(t, row)
		for _, id := range []string{"touched", "fresh"} {
			row, err := repo.FindByStorageID(ctx, id)
			require.NoError(t, err)
			assert.NotNil(t, row, id)
		}
	})

	t.Run("each storage id across pages", func(t *testing.T) {
		repo := newRepo(t, newTestClock())

		want := []string{"a", "b", "c", "d", "e"}
		for _, id := range want {
			require.NoError(t, repo.Insert(ctx, id, "x"))
		}

		var got []string
		require.NoError(t, repo.EachStorageID(ctx, 2, func(id string) error {
			got = append(got, id)
			return nil
		}))
		sort.Strings(got)
		assert.Equal(t, want, got)
	})

	t.Run("each storage id allows writes", func(t *testing.T) {
		repo := newRepo(t, newTestClock())

		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, repo.Insert(ctx, id, "x"))
		}

		require.NoError(t, repo.EachStorageID(ctx, 1, func(id string) error {
			return repo.Delete(ctx, id)
		}))

		var left int
		require.NoError(t, repo.EachStorageID(ctx, 10, func(string) error {
			left++
			return nil
		}))
		assert.Zero(t, left)
	})

	t.Run("each storage id stops on error", func(t *testing.T) {
		repo := newRepo(t, newTestClock())

		require.NoError(t, repo.Insert(ctx, "a", "x"))
		require.NoError(t, repo.Insert(ctx, "b", "x"))

		stop := assert.AnError
		calls := 0
		err := repo.EachStorageID(ctx, 10, func(string) error {
			calls++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)
	})
}
