package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"livestate/pkg/observe"
)

// Isolation is the isolation level requested for a transaction. The memory
// backend buffers writes until commit whatever the level; the value is kept
// for backends that can honour it.
type Isolation int

const (
	ReadCommitted Isolation = iota
	ReadUncommitted
	RepeatableRead
	Serializable
)

func (i Isolation) String() string {
	switch i {
	case ReadUncommitted:
		return "read_uncommitted"
	case ReadCommitted:
		return "read_committed"
	case RepeatableRead:
		return "repeatable_read"
	case Serializable:
		return "serializable"
	default:
		return fmt.Sprintf("isolation(%d)", int(i))
	}
}

// Tx is a handle on an open transaction. Transactions are flat and local to
// the backend that began them; a backend rejects handles it did not issue.
// Backends outside this package implement Tx with their own handle type.
type Tx interface {
	ID() string
	Isolation() Isolation
	Active() bool
}

// memTx is the handle MemoryBackend hands out. It is meant to be driven by
// one goroutine.
type memTx struct {
	id        string
	backend   *MemoryBackend
	isolation Isolation
	active    atomic.Bool
}

func (tx *memTx) ID() string { return tx.id }

func (tx *memTx) Isolation() Isolation { return tx.isolation }

func (tx *memTx) Active() bool { return tx.active.Load() }

// txState is the write buffer of an open transaction, kept in the backend's
// txs table under the transaction id and only touched under its lock.
type txState struct {
	tx    *memTx
	ops   map[txKey]pendingOp
	order []txKey
}

type txKey struct {
	typeName string
	id       string
}

type pendingOp struct {
	del    bool
	entity any
	ttl    time.Duration
	ttlSet bool
}

// buffer records op for key; a later op on the same key replaces the earlier one.
func (st *txState) buffer(typeName, id string, op pendingOp) {
	k := txKey{typeName: typeName, id: id}
	if _, ok := st.ops[k]; !ok {
		st.order = append(st.order, k)
	}
	st.ops[k] = op
}

func (st *txState) pending(typeName, id string) (pendingOp, bool) {
	op, ok := st.ops[txKey{typeName: typeName, id: id}]
	return op, ok
}

// Begin starts a transaction.
func (b *MemoryBackend) Begin(ctx context.Context, isolation Isolation) (Tx, error) {
	tx := &memTx{
		id:        uuid.NewString(),
		backend:   b,
		isolation: isolation,
	}
	tx.active.Store(true)

	b.mu.Lock()
	b.txs[tx.id] = &txState{tx: tx, ops: make(map[txKey]pendingOp)}
	b.mu.Unlock()

	b.observer.OnTransaction(ctx, &observe.TransactionEvent{
		Backend: b.name,
		TxID:    tx.id,
		Action:  "begin",
	})
	return tx, nil
}

// Commit applies every buffered write in one critical section, then discards
// the buffer. If the writes would exceed the entity limit nothing is applied
// and the transaction stays active so the caller can roll it back.
func (b *MemoryBackend) Commit(ctx context.Context, tx Tx) error {
	ops, err := b.commit(tx)
	b.observer.OnTransaction(ctx, &observe.TransactionEvent{
		Backend:    b.name,
		TxID:       txID(tx),
		Action:     "commit",
		Operations: ops,
		Error:      err,
	})
	return err
}

func (b *MemoryBackend) commit(tx Tx) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, err := b.checkTxLocked(tx, "commit")
	if err != nil {
		return 0, err
	}

	now := b.now()
	if b.maxEntities > 0 {
		b.purgeExpiredLocked(now)
		projected := b.size
		for _, k := range st.order {
			_, exists := b.records[k.typeName][k.id]
			switch op := st.ops[k]; {
			case op.del && exists:
				projected--
			case !op.del && !exists:
				projected++
			}
		}
		if projected > b.maxEntities {
			return len(st.order), &TransactionError{
				TxID:  st.tx.id,
				Op:    "commit",
				Cause: fmt.Errorf("%w: limit is %d", ErrCapacityExceeded, b.maxEntities),
			}
		}
	}

	// Deletes first so that saves never trip the capacity check mid-commit.
	for _, k := range st.order {
		if st.ops[k].del {
			b.removeLocked(k.typeName, k.id)
		}
	}
	for _, k := range st.order {
		op := st.ops[k]
		if op.del {
			continue
		}
		if err := b.applySaveLocked(k.typeName, k.id, op.entity, op.ttl, op.ttlSet); err != nil {
			// Unreachable after the projection above; surfaced rather than swallowed.
			return len(st.order), &TransactionError{TxID: st.tx.id, Op: "commit", Cause: err}
		}
	}

	n := len(st.order)
	b.finishLocked(st)
	return n, nil
}

// Rollback discards the buffer. No write is applied.
func (b *MemoryBackend) Rollback(ctx context.Context, tx Tx) error {
	ops, err := b.rollback(tx)
	b.observer.OnTransaction(ctx, &observe.TransactionEvent{
		Backend:    b.name,
		TxID:       txID(tx),
		Action:     "rollback",
		Operations: ops,
		Error:      err,
	})
	return err
}

func (b *MemoryBackend) rollback(tx Tx) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, err := b.checkTxLocked(tx, "rollback")
	if err != nil {
		return 0, err
	}
	n := len(st.order)
	b.finishLocked(st)
	return n, nil
}

func (b *MemoryBackend) finishLocked(st *txState) {
	st.tx.active.Store(false)
	st.ops = nil
	st.order = nil
	delete(b.txs, st.tx.id)
}

// checkTxLocked returns the buffer of tx if this backend issued it and it is
// still active.
func (b *MemoryBackend) checkTxLocked(tx Tx, op string) (*txState, error) {
	if tx == nil {
		return nil, &TransactionError{Op: op, Cause: ErrTxUnknown}
	}
	id := tx.ID()
	st, ok := b.txs[id]
	if !ok || st.tx != tx {
		if own, isMem := tx.(*memTx); isMem && own.backend == b && !own.Active() {
			return nil, &TransactionError{TxID: id, Op: op, Cause: ErrTxInactive}
		}
		return nil, &TransactionError{TxID: id, Op: op, Cause: ErrTxUnknown}
	}
	if !st.tx.Active() {
		return nil, &TransactionError{TxID: id, Op: op, Cause: ErrTxInactive}
	}
	return st, nil
}

func txID(tx Tx) string {
	if tx == nil {
		return ""
	}
	return tx.ID()
}

// WithTransaction runs fn inside a transaction on b, committing when fn
// returns nil and rolling back otherwise.
func WithTransaction(ctx context.Context, b Backend, isolation Isolation, fn func(tx Tx) error) error {
	tx, err := b.Begin(ctx, isolation)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := b.Rollback(ctx, tx); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return b.Commit(ctx, tx)
}
