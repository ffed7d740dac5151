package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"livestate/pkg/observe"
)

type recordingObserver struct {
	observe.NoOpObserver

	mu     sync.Mutex
	ops    []observe.OperationEvent
	txs    []observe.TransactionEvent
	sweeps []observe.SweepEvent
}

func (r *recordingObserver) OnOperation(_ context.Context, e *observe.OperationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, *e)
}

func (r *recordingObserver) OnTransaction(_ context.Context, e *observe.TransactionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs = append(r.txs, *e)
}

func (r *recordingObserver) OnSweep(_ context.Context, e *observe.SweepEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps = append(r.sweeps, *e)
}

func (r *recordingObserver) purged() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.sweeps {
		n += e.Purged
	}
	return n
}

func TestSweepPurgesAcrossTypes(t *testing.T) {
	clock := newFakeClock()
	obs := &recordingObserver{}
	b := newTodoBackend(t, WithClock(clock.Now), WithObserver(obs))
	ctx := context.Background()

	_, err := b.Save(ctx, "Todo", "t1", &todo{Owner: "ann"}, WithTTL(time.Second))
	require.NoError(t, err)
	_, err = b.Save(ctx, "Todo", "t2", &todo{Owner: "ann"})
	require.NoError(t, err)
	_, err = b.Save(ctx, "Note", "n1", "text", WithTTL(time.Second))
	require.NoError(t, err)

	assert.Equal(t, 0, b.Sweep(ctx))

	clock.Advance(2 * time.Second)
	assert.Equal(t, 2, b.Sweep(ctx))

	stats := b.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, map[string]int{"Todo": 1}, stats.Records)
	assert.Equal(t, []string{"t2"}, b.FindIDs("Todo", "owner", "ann"))
	assert.Equal(t, 2, obs.purged())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	for _, e := range obs.sweeps {
		assert.Equal(t, "store", e.Component)
		assert.NoError(t, e.Error)
	}
}

func TestStartRunsPeriodicSweepAndCloseStopsIt(t *testing.T) {
	defer goleak.VerifyNone(t)

	obs := &recordingObserver{}
	b := NewMemoryBackend(WithCleanupInterval(10*time.Millisecond), WithObserver(obs))
	ctx := context.Background()

	_, err := b.Save(ctx, "Note", "n1", "text", WithTTL(time.Millisecond))
	require.NoError(t, err)

	b.Start(ctx)
	b.Start(ctx)

	assert.Eventually(t, func() bool {
		return obs.purged() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close())
	assert.Equal(t, 0, b.Stats().Total)
}

func TestStartStopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewMemoryBackend(WithCleanupInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep goroutine did not exit after cancel")
	}
	require.NoError(t, b.Close())
}

func TestStartWithoutIntervalIsNoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewMemoryBackend(WithCleanupInterval(0))
	b.Start(context.Background())
	require.NoError(t, b.Close())
}

func TestObserverSeesOperations(t *testing.T) {
	obs := &recordingObserver{}
	b := newTodoBackend(t, WithObserver(obs), WithName("primary"))
	ctx := context.Background()

	_, err := b.Save(ctx, "Todo", "t1", &todo{})
	require.NoError(t, err)
	_, _, err = b.Load(ctx, "Todo", "t1")
	require.NoError(t, err)
	_, _, err = b.Load(ctx, "Todo", "missing")
	require.NoError(t, err)

	tx, err := b.Begin(ctx, ReadCommitted)
	require.NoError(t, err)
	_, err = b.Save(ctx, "Todo", "t2", &todo{}, InTx(tx))
	require.NoError(t, err)
	require.NoError(t, b.Commit(ctx, tx))

	obs.mu.Lock()
	defer obs.mu.Unlock()

	require.Len(t, obs.ops, 4)
	assert.Equal(t, "save", obs.ops[0].Op)
	assert.Equal(t, "primary", obs.ops[0].Backend)
	assert.True(t, obs.ops[1].Hit)
	assert.False(t, obs.ops[2].Hit)
	assert.True(t, obs.ops[3].Buffered)

	require.Len(t, obs.txs, 2)
	assert.Equal(t, "begin", obs.txs[0].Action)
	assert.Equal(t, "commit", obs.txs[1].Action)
	assert.Equal(t, 1, obs.txs[1].Operations)
	assert.Equal(t, tx.ID(), obs.txs[1].TxID)
}
