package store

import (
	"context"
	"fmt"
)

// SaveBatch saves items one by one. It is not atomic: on error it returns the
// ids saved so far together with the error. Pass InTx for all-or-nothing.
func (b *MemoryBackend) SaveBatch(ctx context.Context, typeName string, items []BatchItem, opts ...OpOption) ([]string, error) {
	ids := make([]string, 0, len(items))
	for i, item := range items {
		id, err := b.Save(ctx, typeName, item.ID, item.Entity, opts...)
		if err != nil {
			return ids, fmt.Errorf("batch save item %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// LoadBatch loads ids in order. Missing or expired records leave a nil slot.
func (b *MemoryBackend) LoadBatch(ctx context.Context, typeName string, ids []string, opts ...OpOption) ([]*Record, error) {
	out := make([]*Record, len(ids))
	for i, id := range ids {
		rec, _, err := b.Load(ctx, typeName, id, opts...)
		if err != nil {
			return out[:i], fmt.Errorf("batch load %q: %w", id, err)
		}
		out[i] = rec
	}
	return out, nil
}

// DeleteBatch deletes ids one by one and returns how many existed.
func (b *MemoryBackend) DeleteBatch(ctx context.Context, typeName string, ids []string, opts ...OpOption) (int, error) {
	deleted := 0
	for _, id := range ids {
		ok, err := b.Delete(ctx, typeName, id, opts...)
		if err != nil {
			return deleted, fmt.Errorf("batch delete %q: %w", id, err)
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}
