package tx

import (
	"context"
	"sync"

	dErrors "spotkeeper/pkg/domain-errors"
)

// Snapshotter is implemented by in-memory stores that can take part in a
// MemoryRunner transaction. Snapshot captures current state and returns a
// function that restores it.
type Snapshotter interface {
	Snapshot() (restore func())
}

type memTxKey struct{}

// MemoryRunner gives in-memory stores all-or-nothing semantics: transactions
// are serialized by a single lock and every participant is restored when fn
// fails. Writes made outside a transaction are not isolated from a rollback.
type MemoryRunner struct {
	mu           sync.Mutex
	participants []Snapshotter
}

func NewMemoryRunner(participants ...Snapshotter) *MemoryRunner {
	return &MemoryRunner{participants: participants}
}

func (r *MemoryRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if owner, ok := ctx.Value(memTxKey{}).(*MemoryRunner); ok && owner == r {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	restores := make([]func(), 0, len(r.participants))
	for _, p := range r.participants {
		restores = append(restores, p.Snapshot())
	}

	if err := fn(context.WithValue(ctx, memTxKey{}, r)); err != nil {
		for _, restore := range restores {
			restore()
		}
		return err
	}
	return nil
}
