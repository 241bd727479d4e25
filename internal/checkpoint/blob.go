package checkpoint

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

// BlobStore keeps checkpoints as objects in a gocloud.dev bucket
// (mem://, file:// or any registered cloud driver).
type BlobStore struct {
	bucket *blob.Bucket
	prefix string
}

// NewBlobStore opens the bucket at bucketURL and stores objects under prefix.
func NewBlobStore(ctx context.Context, bucketURL, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return &BlobStore{bucket: bucket, prefix: prefix}, nil
}

// Close closes the bucket.
func (s *BlobStore) Close() error { return s.bucket.Close() }

func (s *BlobStore) Save(ctx context.Context, id string, data []byte) error {
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := s.bucket.WriteAll(ctx, s.keyFor(id), data, opts); err != nil {
		return storeError("save", id, err)
	}
	return nil
}

func (s *BlobStore) Load(ctx context.Context, id string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, s.keyFor(id))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, notFound(id)
		}
		return nil, storeError("load", id, err)
	}
	return data, nil
}

func (s *BlobStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(obj.Key, s.prefix), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *BlobStore) Delete(ctx context.Context, id string) error {
	if err := s.bucket.Delete(ctx, s.keyFor(id)); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return notFound(id)
		}
		return storeError("delete", id, err)
	}
	return nil
}

func (s *BlobStore) keyFor(id string) string {
	return s.prefix + id + ".json"
}

var (
	_ Store   = (*BlobStore)(nil)
	_ Lister  = (*BlobStore)(nil)
	_ Deleter = (*BlobStore)(nil)
)
