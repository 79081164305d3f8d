package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"qplane/internal/store"
)

// BlobStore is an in-memory stand-in for the tiered storage collaborator.
// Refs are namespaced strings; the bytes are copied on the way in and out.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	seq   int
}

// NewBlobStore creates an empty blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string][]byte)}
}

func (b *BlobStore) Persist(_ context.Context, jobID uuid.UUID, stageID, kind string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	ref := fmt.Sprintf("blob://%s/%s/%s-%d", jobID, stageID, kind, b.seq)
	b.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (b *BlobStore) Retrieve(_ context.Context, ref string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", ref, store.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (b *BlobStore) WriteCheckpoint(_ context.Context, jobID uuid.UUID, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	ref := fmt.Sprintf("ckpt://%s/%d", jobID, b.seq)
	b.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (b *BlobStore) ReadCheckpoint(ctx context.Context, ref string) ([]byte, error) {
	return b.Retrieve(ctx, ref)
}

// Delete removes a blob. Used by tests to simulate lost artifacts.
func (b *BlobStore) Delete(ref string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, ref)
}
