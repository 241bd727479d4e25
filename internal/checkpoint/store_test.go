package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opgraph/pkg/schema"
)

type listingStore interface {
	Store
	Lister
	Deleter
}

func newTestLibSQLStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "checkpoints.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "test:cp:", time.Hour)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func newTestBlobStore(t *testing.T) *BlobStore {
	t.Helper()
	s, err := NewBlobStore(context.Background(), "mem://", "test/")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testStores(t *testing.T) map[string]listingStore {
	redisStore, _ := newTestRedisStore(t)
	return map[string]listingStore{
		"memory": NewMemoryStore(),
		"libsql": newTestLibSQLStore(t),
		"redis":  redisStore,
		"blob":   newTestBlobStore(t),
	}
}

func TestStore_SaveLoad(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := uuid.NewString()
			blob := []byte(`{"superstep":1,"queues":{"counter":[9]}}`)

			require.NoError(t, s.Save(ctx, id, blob))

			got, err := s.Load(ctx, id)
			require.NoError(t, err)
			assert.JSONEq(t, string(blob), string(got))
		})
	}
}

func TestStore_Overwrite(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Save(ctx, "cp-1", []byte(`{"v":1}`)))
			require.NoError(t, s.Save(ctx, "cp-1", []byte(`{"v":2}`)))

			got, err := s.Load(ctx, "cp-1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"v":2}`, string(got))
		})
	}
}

func TestStore_LoadNotFound(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(context.Background(), "missing")
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound), "got %v", err)
		})
	}
}

func TestStore_List(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Save(ctx, "b", []byte(`{}`)))
			require.NoError(t, s.Save(ctx, "a", []byte(`{}`)))

			ids, err := s.List(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"a", "b"}, ids)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Save(ctx, "gone", []byte(`{}`)))
			require.NoError(t, s.Delete(ctx, "gone"))

			_, err := s.Load(ctx, "gone")
			assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
			assert.True(t, schema.IsCode(s.Delete(ctx, "gone"), schema.ErrCodeNotFound))
		})
	}
}

func TestMemoryStore_CopiesBlob(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	blob := []byte(`{"a":1}`)
	require.NoError(t, s.Save(ctx, "x", blob))
	blob[2] = 'b'

	got, err := s.Load(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))
}

func TestRedisStore_TTL(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "ttl", []byte(`{}`)))

	assert.Equal(t, time.Hour, mr.TTL("test:cp:ttl"))

	mr.FastForward(2 * time.Hour)
	_, err := s.Load(ctx, "ttl")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, BackendBlob, "mem://")
	require.NoError(t, err)
	assert.IsType(t, &BlobStore{}, s)

	s, err = Open(ctx, BackendLibSQL, "file:"+filepath.Join(t.TempDir(), "open.db"))
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "x", []byte(`{}`)))
	_ = s.(*LibSQLStore).Close()

	_, err = Open(ctx, "nope", "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestStatements(t *testing.T) {
	stmts := statements("-- comment only;\nCREATE TABLE a (x INT);\n\nCREATE INDEX i ON a(x);")
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x INT)", stmts[0])
}

func TestLoadMigrations(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].version)
	assert.Equal(t, "checkpoints", ms[0].name)
	for i := 1; i < len(ms); i++ {
		assert.Greater(t, ms[i].version, ms[i-1].version)
	}
}

func TestLibSQLStore_MigrateIsIdempotent(t *testing.T) {
	s := newTestLibSQLStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}
