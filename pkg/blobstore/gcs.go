package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore is a Google Cloud Storage-backed CAS. Object names are the CID
// itself, so Exists/Get/Put are simple object operations with no secondary
// index.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore wraps an existing storage client for bucket.
func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket}
}

func (s *GCSStore) object(cid string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(cid)
}

func (s *GCSStore) Put(ctx context.Context, cid string, data []byte) error {
	exists, err := s.Exists(ctx, cid)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	w := s.object(cid).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("blobstore(gcs): write %s: %w", cid, err)
	}
	if err := w.Close(); err != nil {
		var gerr *storage.ErrObjectNotExist
		if errors.As(err, &gerr) {
			return nil // lost a put-race against an identical upload
		}
		return fmt.Errorf("blobstore(gcs): close %s: %w", cid, err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, cid string) ([]byte, error) {
	r, err := s.object(cid).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore(gcs): open %s: %w", cid, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *GCSStore) Exists(ctx context.Context, cid string) (bool, error) {
	_, err := s.object(cid).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blobstore(gcs): stat %s: %w", cid, err)
	}
	return true, nil
}
