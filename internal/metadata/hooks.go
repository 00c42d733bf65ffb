package metadata

import (
	"context"
	"database/sql"
)

// DB is the handle passed to hooks: the pool outside a write, the open
// transaction inside one. *sql.DB and *sql.Tx both satisfy it.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// HookContext is what a collection hook sees. Hooks may mutate Data (the
// input on writes, the row on after_* hooks) and Where (the filter on reads).
type HookContext struct {
	Operation  string
	Collection string
	Data       map[string]any
	Original   map[string]any
	Where      map[string]any
	Session    *Session
	Locale     string
	DB         DB

	FromStage string
	ToStage   string
}

// Hook is a collection lifecycle callback. A returned error aborts the
// operation and rolls back any open transaction.
type Hook func(ctx context.Context, hc *HookContext) error

type Hooks struct {
	BeforeOperation  []Hook
	BeforeValidate   []Hook
	BeforeChange     []Hook
	AfterChange      []Hook
	BeforeRead       []Hook
	AfterRead        []Hook
	BeforeDelete     []Hook
	AfterDelete      []Hook
	BeforeTransition []Hook
	AfterTransition  []Hook
}

type FieldHookContext struct {
	Operation string
	Field     *Field
	Value     any
	Data      map[string]any
	Original  map[string]any
	Session   *Session
}

// FieldHook returns the replacement value for one field.
type FieldHook func(ctx context.Context, fc *FieldHookContext) (any, error)

type FieldHooks struct {
	BeforeChange []FieldHook
	AfterRead    []FieldHook
}
