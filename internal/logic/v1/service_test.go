package v1

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duynhne/session-store/internal/core/codec"
	"github.com/duynhne/session-store/internal/core/domain"
	"github.com/duynhne/session-store/internal/core/repository"
	"github.com/duynhne/session-store/middleware"
)

const testSecret = "b3c631c314c0bbca50c1b2843150fe33"

type fixture struct {
	repo  *repository.SQLiteSessionRepository
	ids   *domain.IDDeriver
	store *RecordStore
	svc   *SessionService
	now   time.Time
}

func (f *fixture) clock() time.Time { return f.now }

type fixtureOptions struct {
	dataLimit int
	pageSize  int
	wrap      func(domain.SessionRepository) domain.SessionRepository
}

func newFixture(t *testing.T, fo fixtureOptions) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "sessions.db")+"?_busy_timeout=5000")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	f := &fixture{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}

	f.repo, err = repository.NewSQLiteSessionRepository(ctx, db, repository.Options{
		DataLimit: fo.dataLimit,
		Now:       f.clock,
	})
	require.NoError(t, err)
	require.NoError(t, f.repo.CreateTable(ctx))

	f.ids, err = domain.NewIDDeriver([]byte(testSecret))
	require.NoError(t, err)

	var repo domain.SessionRepository = f.repo
	if fo.wrap != nil {
		repo = fo.wrap(repo)
	}
	f.store = NewRecordStore(repo, f.ids, codec.Hybrid{}, StoreOptions{Now: f.clock, PageSize: fo.pageSize})
	f.svc = NewSessionService(f.store, f.ids)
	return f
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func (f *fixture) stored(t *testing.T, storageID string) *domain.StoredSession {
	t.Helper()
	row, err := f.repo.FindByStorageID(context.Background(), storageID)
	require.NoError(t, err)
	return row
}

func TestWriteReadOverwriteDestroy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})

	id, err := f.svc.WriteSession(ctx, "", map[string]any{"foo": "bar"})
	require.NoError(t, err)
	require.False(t, id.IsZero())
	assert.Equal(t, f.ids.DerivePrivate(id.Public), id.Private)
	assert.NotNil(t, f.stored(t, id.Private))
	assert.Nil(t, f.stored(t, id.Public))

	got, payload, err := f.svc.GetSession(ctx, id.Public)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, map[string]any{"foo": "bar"}, payload)

	again, err := f.svc.WriteSession(ctx, id.Public, map[string]any{"foo": "baz"})
	require.NoError(t, err)
	assert.Equal(t, id, again)

	_, payload, err = f.svc.GetSession(ctx, id.Public)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"foo": "baz"}, payload)

	next, err := f.svc.DestroySession(ctx, id.Public, DestroyOptions{})
	require.NoError(t, err)
	assert.False(t, next.IsZero())
	assert.NotEqual(t, id.Public, next.Public)
	assert.Nil(t, f.stored(t, id.Private))

	_, _, found, err := f.svc.LookupSession(ctx, id.Public)
	require.NoError(t, err)
	assert.False(t, found)

	fresh, payload, err := f.svc.GetSession(ctx, id.Public)
	require.NoError(t, err)
	assert.NotEqual(t, id.Public, fresh.Public)
	assert.Empty(t, payload)
}

func TestGetSessionDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})

	id, payload, err := f.svc.GetSession(ctx, "")
	require.NoError(t, err)
	assert.False(t, id.IsZero())
	assert.Empty(t, payload)
	assert.Nil(t, f.stored(t, id.Private))
}

func TestMalformedIdentifiersStartFreshSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})

	for _, incoming := range []string{"", "has space", "semi;colon", "comma,", "tab\tid", strings.Repeat("a", 300), "ünicode"} {
		id, payload, err := f.svc.GetSession(ctx, incoming)
		require.NoError(t, err, incoming)
		assert.NotEqual(t, incoming, id.Public)
		assert.Empty(t, payload)

		written, err := f.svc.WriteSession(ctx, incoming, map[string]any{"k": "v"})
		require.NoError(t, err, incoming)
		assert.NotEqual(t, incoming, written.Public)
	}
}

func TestWriteUnderUnknownIDIssuesNewID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})

	id, err := f.svc.WriteSession(ctx, "attacker-chosen", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.NotEqual(t, "attacker-chosen", id.Public)
	assert.Nil(t, f.stored(t, f.ids.DerivePrivate("attacker-chosen")))
	assert.Nil(t, f.stored(t, "attacker-chosen"))
}

func TestLegacyIDSecuredOnRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})

	require.NoError(t, f.repo.Insert(ctx, "abc", `{"foo":"bar"}`))

	id, payload, err := f.svc.GetSession(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", id.Public)
	assert.Equal(t, map[string]any{"foo": "bar"}, payload)

	assert.Nil(t, f.stored(t, "abc"))
	row := f.stored(t, f.ids.DerivePrivate("abc"))
	require.NotNil(t, row)
	assert.Equal(t, `{"foo":"bar"}`, row.Data)

	// subsequent reads hit the private key directly
	_, payload, err = f.svc.GetSession(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"foo": "bar"}, payload)
}

func TestPrivateFormIDNeverResolves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})

	id, err := f.svc.WriteSession(ctx, "", map[string]any{"secret": "value"})
	require.NoError(t, err)

	got, payload, err := f.svc.GetSession(ctx, id.Private)
	require.NoError(t, err)
	assert.NotEqual(t, id.Public, got.Public)
	assert.Empty(t, payload)

	// even a row stored under that literal key is unreachable
	require.NoError(t, f.repo.Insert(ctx, "2::deadbeef", `{"x":"y"}`))
	_, _, found, err := f.svc.LookupSession(ctx, "2::deadbeef")
	require.NoError(t, err)
	assert.False(t, found)

	rec, err := f.store.Find(ctx, domain.SessionID{Public: "2::deadbeef", Private: "2::deadbeef"})
	require.NoError(t, err)
	assert.Nil(t, rec)

	// overwriting through the private id must not touch the stored row
	_, err = f.svc.WriteSession(ctx, id.Private, map[string]any{"secret": "stolen"})
	require.NoError(t, err)
	_, payload, err = f.svc.GetSession(ctx, id.Public)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"secret": "value"}, payload)
}

func TestOverflowLeavesStoredValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{dataLimit: 40})

	id, err := f.svc.WriteSession(ctx, "", map[string]any{"foo": "bar"})
	require.NoError(t, err)

	_, err = f.svc.WriteSession(ctx, id.Public, map[string]any{"foo": strings.Repeat("x", 100)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionOverflow)

	var overflow *OverflowError
	require.True(t, errors.As(err, &overflow))
	assert.Equal(t, 40, overflow.Limit)
	assert.Greater(t, overflow.Size, 40)

	_, payload, err := f.svc.GetSession(ctx, id.Public)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"foo": "bar"}, payload)
	assert.Equal(t, `{"foo":"bar"}`, f.stored(t, id.Private).Data)
}

func TestOverflowOnNewSessionWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{dataLimit: 10})

	id, err := f.svc.WriteSession(ctx, "", map[string]any{"foo": "far too long"})
	assert.ErrorIs(t, err, ErrSessionOverflow)
	assert.True(t, id.IsZero())

	count := 0
	require.NoError(t, f.repo.EachStorageID(ctx, 10, func(string) error {
		count++
		return nil
	}))
	assert.Zero(t, count)
}

func TestOverflowCountsCharactersNotBytes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{dataLimit: 20})

	// {"k":"ééééééééééé"} is 19 characters but 30 bytes
	_, err := f.svc.WriteSession(ctx, "", map[string]any{"k": strings.Repeat("é", 11)})
	require.NoError(t, err)

	_, err = f.svc.WriteSession(ctx, "", map[string]any{"k": strings.Repeat("é", 13)})
	assert.ErrorIs(t, err, ErrSessionOverflow)
}

func TestDestroyRenewCarriesPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})

	id, err := f.svc.WriteSession(ctx, "", map[string]any{"user_id": "42", "roles": []any{"admin"}})
	require.NoError(t, err)

	renewed, err := f.svc.DestroySession(ctx, id.Public, DestroyOptions{Renew: true})
	require.NoError(t, err)
	assert.NotEqual(t, id.Public, renewed.Public)

	_, payload, err := f.svc.GetSession(ctx, renewed.Public)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"user_id": "42", "roles": []any{"admin"}}, payload)

	_, _, found, err := f.svc.LookupSession(ctx, id.Public)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDestroyDrop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})

	id, err := f.svc.WriteSession(ctx, "", map[string]any{"k": "v"})
	require.NoError(t, err)

	next, err := f.svc.DestroySession(ctx, id.Public, DestroyOptions{Drop: true, Renew: true})
	require.NoError(t, err)
	assert.True(t, next.IsZero())
	assert.Nil(t, f.stored(t, id.Private))
}

func TestDestroyUnknownSessionIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})

	next, err := f.svc.DestroySession(ctx, "never-written", DestroyOptions{})
	require.NoError(t, err)
	assert.False(t, next.IsZero())

	renewed, err := f.svc.DestroySession(ctx, "never-written", DestroyOptions{Renew: true})
	require.NoError(t, err)
	assert.Nil(t, f.stored(t, renewed.Private))
}

func TestDestroyTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})

	id, err := f.svc.WriteSession(ctx, "", map[string]any{"k": "v"})
	require.NoError(t, err)

	rec, err := f.store.Find(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)

	require.NoError(t, f.store.Destroy(ctx, rec))
	require.NoError(t, f.store.Destroy(ctx, rec))
	require.NoError(t, f.store.Destroy(ctx, nil))
	assert.False(t, rec.Persisted())
}

func TestHybridRewritesLegacyEncodingOnWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})

	legacy, err := codec.Marshal{}.Encode(map[string]any{
		"cart":    []any{"sku-1", "sku-2"},
		"visits":  7,
		"user_id": int64(9007199254740993),
		"ratio":   0.25,
	})
	require.NoError(t, err)
	original := map[string]any{
		"cart":    []any{"sku-1", "sku-2"},
		"visits":  int64(7),
		"user_id": int64(9007199254740993),
		"ratio":   0.25,
	}

	id := f.ids.FromPublic("returning-visitor")
	require.NoError(t, f.repo.Insert(ctx, id.Private, legacy))

	_, payload, err := f.svc.GetSession(ctx, id.Public)
	require.NoError(t, err)
	assert.Equal(t, original, payload)

	migratedBefore := counterValue(t, middleware.SessionsMigrated)
	_, err = f.svc.WriteSession(ctx, id.Public, payload)
	require.NoError(t, err)
	assert.Equal(t, migratedBefore+1, counterValue(t, middleware.SessionsMigrated))

	_, err = f.svc.WriteSession(ctx, id.Public, payload)
	require.NoError(t, err)
	assert.Equal(t, migratedBefore+1, counterValue(t, middleware.SessionsMigrated))

	row := f.stored(t, id.Private)
	assert.True(t, strings.HasPrefix(row.Data, "{"))
	assert.False(t, codec.NeedsMigration(row.Data))

	decoded, err := codec.JSON{}.Decode(row.Data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)

	_, payload, err = f.svc.GetSession(ctx, id.Public)
	require.NoError(t, err)
	assert.Equal(t, original, payload)
}

func TestCorruptPayloadIsAnError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})

	id := f.ids.FromPublic("damaged")
	require.NoError(t, f.repo.Insert(ctx, id.Private, "!!!not a payload"))

	_, _, err := f.svc.GetSession(ctx, id.Public)
	assert.ErrorIs(t, err, ErrSessionCorrupt)
	assert.ErrorIs(t, err, codec.ErrCorruptPayload)

	_, err = f.svc.DestroySession(ctx, id.Public, DestroyOptions{Renew: true})
	assert.ErrorIs(t, err, ErrSessionCorrupt)
	assert.NotNil(t, f.stored(t, id.Private))

	// a plain destroy never decodes, so it clears the damaged row
	_, err = f.svc.DestroySession(ctx, id.Public, DestroyOptions{})
	require.NoError(t, err)
	assert.Nil(t, f.stored(t, id.Private))
}
