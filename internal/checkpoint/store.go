package checkpoint

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/opgraph/pkg/schema"
)

// Store persists serialized run snapshots keyed by checkpoint ID.
// Implementations must be safe for concurrent use.
type Store interface {
	Save(ctx context.Context, id string, blob []byte) error
	Load(ctx context.Context, id string) ([]byte, error)
}

// Lister is implemented by stores that can enumerate their checkpoint IDs.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// Deleter is implemented by stores that can remove a checkpoint.
// Deleting an unknown ID returns NOT_FOUND.
type Deleter interface {
	Delete(ctx context.Context, id string) error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendLibSQL = "libsql"
	BackendRedis  = "redis"
	BackendBlob   = "blob"
)

// Open constructs a store for the named backend. The dsn is interpreted per backend:
// a file URI for libsql, a redis:// URL for redis and a bucket URL for blob.
func Open(ctx context.Context, backend, dsn string) (Store, error) {
	switch strings.ToLower(backend) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendLibSQL:
		s, err := NewLibSQLStore(dsn)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate checkpoint db: %w", err)
		}
		return s, nil
	case BackendRedis:
		return NewRedisStoreFromURL(dsn, "")
	case BackendBlob:
		return NewBlobStore(ctx, dsn, "checkpoints/")
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown checkpoint backend %q", backend)
	}
}

func notFound(id string) *schema.GraphError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "checkpoint %q not found", id)
}

func storeError(op, id string, err error) *schema.GraphError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s checkpoint %q: %s", op, id, err.Error()).WithCause(err)
}
