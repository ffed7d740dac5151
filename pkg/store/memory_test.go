package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type todo struct {
	Title    string
	Owner    string
	Priority int
	Done     bool
	Tags     []string
	Due      *time.Time
}

func todoSchema() Schema {
	return Schema{
		Type: "Todo",
		Fields: map[string]Extractor{
			"title":    FieldFunc(func(t *todo) any { return t.Title }),
			"owner":    FieldFunc(func(t *todo) any { return t.Owner }),
			"priority": FieldFunc(func(t *todo) any { return t.Priority }),
			"done":     FieldFunc(func(t *todo) any { return t.Done }),
			"tags":     FieldFunc(func(t *todo) any { return t.Tags }),
			"due": FieldFunc(func(t *todo) any {
				if t.Due == nil {
					return nil
				}
				return *t.Due
			}),
		},
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTodoBackend(t *testing.T, opts ...MemoryOption) *MemoryBackend {
	t.Helper()
	b := NewMemoryBackend(opts...)
	require.NoError(t, b.Register(todoSchema()))
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSaveAssignsIDAndStampsTimestamps(t *testing.T) {
	clock := newFakeClock()
	b := newTodoBackend(t, WithClock(clock.Now))
	ctx := context.Background()

	id, err := b.Save(ctx, "Todo", "", &todo{Title: "write tests"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	rec, ok, err := b.Load(ctx, "Todo", id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Todo", rec.Type)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, clock.Now(), rec.CreatedAt)
	assert.Equal(t, clock.Now(), rec.UpdatedAt)
	assert.Nil(t, rec.ExpiresAt)
	assert.Equal(t, "write tests", rec.Entity.(*todo).Title)
}

func TestSaveOverwritePreservesCreatedAt(t *testing.T) {
	clock := newFakeClock()
	b := newTodoBackend(t, WithClock(clock.Now))
	ctx := context.Background()

	_, err := b.Save(ctx, "Todo", "t1", &todo{Title: "v1"})
	require.NoError(t, err)
	created := clock.Now()

	clock.Advance(time.Minute)
	_, err = b.Save(ctx, "Todo", "t1", &todo{Title: "v2"})
	require.NoError(t, err)

	rec, ok, err := b.Load(ctx, "Todo", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created, rec.CreatedAt)
	assert.Equal(t, clock.Now(), rec.UpdatedAt)
	assert.Equal(t, "v2", rec.Entity.(*todo).Title)
	assert.Equal(t, 1, b.Stats().Total)
}

func TestLoadCountsAccesses(t *testing.T) {
	b := newTodoBackend(t)
	ctx := context.Background()

	_, err := b.Save(ctx, "Todo", "t1", &todo{Title: "a"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err := b.Load(ctx, "Todo", "t1")
		require.NoError(t, err)
	}
	exists, err := b.Exists(ctx, "Todo", "t1")
	require.NoError(t, err)
	assert.True(t, exists)

	rec, _, err := b.Load(ctx, "Todo", "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.AccessCount, "Exists must not count as an access")
	assert.False(t, rec.LastAccessed.IsZero())
}

func TestLoadMissingIsAbsentNotError(t *testing.T) {
	b := newTodoBackend(t)

	rec, ok, err := b.Load(context.Background(), "Todo", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, rec)
}

func TestValidationErrors(t *testing.T) {
	b := newTodoBackend(t)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
	}{
		{"nil entity", func() error {
			_, err := b.Save(ctx, "Todo", "x", nil)
			return err
		}},
		{"nil proto message", func() error {
			var msg *wrapperspb.StringValue
			_, err := b.Save(ctx, "Todo", "x", msg)
			return err
		}},
		{"empty type", func() error {
			_, err := b.Save(ctx, "", "x", &todo{})
			return err
		}},
		{"control characters in id", func() error {
			_, err := b.Save(ctx, "Todo", "bad\nid", &todo{})
			return err
		}},
		{"oversized id", func() error {
			_, err := b.Save(ctx, "Todo", strings.Repeat("x", 256), &todo{})
			return err
		}},
		{"empty id on load", func() error {
			_, _, err := b.Load(ctx, "Todo", "")
			return err
		}},
		{"empty id on delete", func() error {
			_, err := b.Delete(ctx, "Todo", "")
			return err
		}},
		{"negative limit", func() error {
			_, err := b.Query(ctx, "Todo", QueryOptions{Limit: -1})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.Error(t, err)
			assert.True(t, IsValidationError(err), "expected ValidationError, got %T: %v", err, err)
		})
	}
}

func TestDelete(t *testing.T) {
	b := newTodoBackend(t)
	ctx := context.Background()

	_, err := b.Save(ctx, "Todo", "t1", &todo{Owner: "ann"})
	require.NoError(t, err)

	deleted, err := b.Delete(ctx, "Todo", "t1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = b.Delete(ctx, "Todo", "t1")
	require.NoError(t, err)
	assert.False(t, deleted)

	assert.Empty(t, b.FindIDs("Todo", "owner", "ann"))
	assert.Equal(t, 0, b.Stats().IndexEntries)
}

func TestTTLLazyPurgeOnLoad(t *testing.T) {
	clock := newFakeClock()
	b := newTodoBackend(t, WithClock(clock.Now))
	ctx := context.Background()

	_, err := b.Save(ctx, "Todo", "t1", &todo{Owner: "ann"}, WithTTL(time.Second))
	require.NoError(t, err)

	exists, err := b.Exists(ctx, "Todo", "t1")
	require.NoError(t, err)
	assert.True(t, exists)

	// Exactly at the deadline the record is still live.
	clock.Advance(time.Second)
	exists, err = b.Exists(ctx, "Todo", "t1")
	require.NoError(t, err)
	assert.True(t, exists)

	clock.Advance(time.Millisecond)
	_, ok, err := b.Load(ctx, "Todo", "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	stats := b.Stats()
	assert.Equal(t, 0, stats.Total, "expired record should be purged by the read")
	assert.Equal(t, 0, stats.IndexEntries)
}

func TestTTLSchemaDefault(t *testing.T) {
	clock := newFakeClock()
	b := NewMemoryBackend(WithClock(clock.Now))
	require.NoError(t, b.Register(Schema{Type: "Session", DefaultTTL: time.Minute}))
	ctx := context.Background()

	_, err := b.Save(ctx, "Session", "s1", "data")
	require.NoError(t, err)
	_, err = b.Save(ctx, "Session", "s2", "data", WithTTL(0))
	require.NoError(t, err)

	rec, _, err := b.Load(ctx, "Session", "s1")
	require.NoError(t, err)
	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, time.Minute, rec.TTL(clock.Now()))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, b.Sweep(ctx))

	exists, err := b.Exists(ctx, "Session", "s2")
	require.NoError(t, err)
	assert.True(t, exists, "explicit WithTTL(0) never expires")
}

func TestTTLRealClock(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps past a one second TTL")
	}
	b := newTodoBackend(t)
	ctx := context.Background()

	_, err := b.Save(ctx, "Todo", "lazy", &todo{}, WithTTL(time.Second))
	require.NoError(t, err)
	_, err = b.Save(ctx, "Todo", "swept", &todo{}, WithTTL(time.Second))
	require.NoError(t, err)

	exists, err := b.Exists(ctx, "Todo", "lazy")
	require.NoError(t, err)
	require.True(t, exists)

	time.Sleep(1100 * time.Millisecond)

	exists, err = b.Exists(ctx, "Todo", "lazy")
	require.NoError(t, err)
	assert.False(t, exists, "read past the deadline purges lazily")

	assert.Equal(t, 1, b.Sweep(ctx), "only the record not read since expiry is left for the sweep")
	assert.Equal(t, 0, b.Stats().Total)
}

func TestProtoEntitiesAreCloned(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	msg := wrapperspb.String("original")
	_, err := b.Save(ctx, "Name", "n1", msg)
	require.NoError(t, err)

	msg.Value = "mutated after save"

	rec, ok, err := b.Load(ctx, "Name", "n1")
	require.NoError(t, err)
	require.True(t, ok)
	loaded := rec.Entity.(*wrapperspb.StringValue)
	assert.Equal(t, "original", loaded.GetValue())

	loaded.Value = "mutated after load"
	rec, _, err = b.Load(ctx, "Name", "n1")
	require.NoError(t, err)
	assert.Equal(t, "original", rec.Entity.(*wrapperspb.StringValue).GetValue())
}

func TestCapacity(t *testing.T) {
	clock := newFakeClock()
	b := newTodoBackend(t, WithClock(clock.Now), WithMaxEntities(2))
	ctx := context.Background()

	_, err := b.Save(ctx, "Todo", "a", &todo{}, WithTTL(time.Second))
	require.NoError(t, err)
	_, err = b.Save(ctx, "Todo", "b", &todo{})
	require.NoError(t, err)

	_, err = b.Save(ctx, "Todo", "c", &todo{})
	require.ErrorIs(t, err, ErrCapacityExceeded)

	// Overwriting an existing id never counts against the limit.
	_, err = b.Save(ctx, "Todo", "b", &todo{Title: "again"})
	require.NoError(t, err)

	// Expired records are purged to make room.
	clock.Advance(2 * time.Second)
	_, err = b.Save(ctx, "Todo", "c", &todo{})
	require.NoError(t, err)
	assert.Equal(t, 2, b.Stats().Total)
}

func TestBatchOperations(t *testing.T) {
	b := newTodoBackend(t)
	ctx := context.Background()

	ids, err := b.SaveBatch(ctx, "Todo", []BatchItem{
		{ID: "a", Entity: &todo{Title: "a"}},
		{Entity: &todo{Title: "generated"}},
		{ID: "c", Entity: &todo{Title: "c"}},
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Equal(t, "a", ids[0])
	assert.NotEmpty(t, ids[1])

	recs, err := b.LoadBatch(ctx, "Todo", []string{"a", "missing", "c"})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "a", recs[0].Entity.(*todo).Title)
	assert.Nil(t, recs[1])
	assert.Equal(t, "c", recs[2].Entity.(*todo).Title)

	n, err := b.DeleteBatch(ctx, "Todo", []string{"a", "missing", "c"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSaveBatchIsNotAtomic(t *testing.T) {
	b := newTodoBackend(t)
	ctx := context.Background()

	ids, err := b.SaveBatch(ctx, "Todo", []BatchItem{
		{ID: "ok", Entity: &todo{}},
		{ID: "bad", Entity: nil},
		{ID: "never", Entity: &todo{}},
	})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Equal(t, []string{"ok"}, ids)

	exists, _ := b.Exists(ctx, "Todo", "ok")
	assert.True(t, exists, "items saved before the failure stay saved")
	exists, _ = b.Exists(ctx, "Todo", "never")
	assert.False(t, exists)
}

func TestBackendsRegistry(t *testing.T) {
	mem := NewMemoryBackend()
	cache := NewMemoryBackend(WithName("cache"))
	backends := NewBackends(mem)
	backends.Register("cache", cache)

	got, err := backends.Get("memory")
	require.NoError(t, err)
	assert.Same(t, mem, got)

	_, err = backends.Get("sql")
	assert.True(t, errors.Is(err, ErrBackendNotFound))
	assert.Equal(t, []string{"cache", "memory"}, backends.Names())
}

func TestConcurrentSavesOfSameIDKeepIndexConsistent(t *testing.T) {
	b := newTodoBackend(t)
	ctx := context.Background()

	owners := []string{"ann", "bob", "cat", "dan"}
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.Save(ctx, "Todo", "shared", &todo{Owner: owners[i%len(owners)], Priority: i})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec, ok, err := b.Load(ctx, "Todo", "shared")
	require.NoError(t, err)
	require.True(t, ok)
	final := rec.Entity.(*todo)

	for _, owner := range owners {
		ids := b.FindIDs("Todo", "owner", owner)
		if owner == final.Owner {
			assert.Equal(t, []string{"shared"}, ids)
		} else {
			assert.Empty(t, ids, "stale index entry for owner %q", owner)
		}
	}
	// One entry per declared non-nil field: title, owner, priority, done.
	assert.Equal(t, 4, b.Stats().IndexEntries)
}
