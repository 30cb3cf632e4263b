// Package blobstore defines the content-addressed blob storage contract
// (CAS) used to resolve a CID to its raw bytes, with interchangeable
// backends.
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a CID has no corresponding blob.
var ErrNotFound = errors.New("blobstore: not found")

// Store is the CAS contract: insert-if-absent semantics on CID, so
// concurrent identical puts are idempotent.
type Store interface {
	// Put stores data under its own CID (computed by the caller) and
	// returns nil whether or not the blob already existed.
	Put(ctx context.Context, cid string, data []byte) error
	// Get returns the bytes stored under cid, or ErrNotFound.
	Get(ctx context.Context, cid string) ([]byte, error)
	// Exists reports whether cid is present without fetching its bytes.
	Exists(ctx context.Context, cid string) (bool, error)
}
