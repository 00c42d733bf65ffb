package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Tx is a transaction that queues work to run only after a successful commit.
type Tx struct {
	*sql.Tx
	logger   *zap.Logger
	onCommit []func()
}

// OnCommit registers fn to run after Commit succeeds. Callbacks are dropped
// on rollback.
func (t *Tx) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

// Commit commits the transaction and then runs queued callbacks in order. A
// panicking callback is logged and does not affect the others.
func (t *Tx) Commit() error {
	if err := t.Tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	callbacks := t.onCommit
	t.onCommit = nil
	for _, fn := range callbacks {
		t.run(fn)
	}
	return nil
}

// Rollback aborts the transaction and discards queued callbacks.
func (t *Tx) Rollback() error {
	t.onCommit = nil
	return t.Tx.Rollback()
}

func (t *Tx) run(fn func()) {
	defer func() {
		if r := recover(); r != nil && t.logger != nil {
			t.logger.Error("post-commit callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
