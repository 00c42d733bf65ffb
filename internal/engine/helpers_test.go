package engine_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rocket-collections/internal/config"
	"rocket-collections/internal/engine"
	"rocket-collections/internal/metadata"
	"rocket-collections/internal/store"
)

// testStore opens a fresh in-memory SQLite database.
func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(context.Background(), config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// testEngine loads entities, migrates them and returns an engine over them.
// opts may fill side-effect options.
func testEngine(t *testing.T, entities []*metadata.Entity, opts engine.Options) *engine.Engine {
	t.Helper()
	s := testStore(t)
	reg := metadata.NewRegistry()
	require.NoError(t, reg.Load(entities))
	require.NoError(t, s.Bootstrap(context.Background(), reg.AllEntities()))
	e, err := engine.New(s, reg, opts)
	require.NoError(t, err)
	return e
}

func collection(t *testing.T, e *engine.Engine, name string) *engine.Collection {
	t.Helper()
	c, err := e.Collection(name)
	require.NoError(t, err)
	return c
}

func requireAppError(t *testing.T, err error, code string) *engine.AppError {
	t.Helper()
	require.Error(t, err)
	appErr, ok := engine.AsAppError(err)
	require.Truef(t, ok, "expected *engine.AppError, got %T: %v", err, err)
	require.Equal(t, code, appErr.Code, appErr.Message)
	return appErr
}

func locale(l string) engine.OpContext { return engine.OpContext{Locale: l} }

func user(id string, roles ...string) engine.OpContext {
	return engine.OpContext{Session: &metadata.Session{ID: id, Roles: roles}}
}

// recorder collects change events and index calls.
type recorder struct {
	mu      sync.Mutex
	events  []engine.ChangeEvent
	docs    []engine.IndexDocument
	removed []string
}

func (r *recorder) Notify(_ context.Context, ev engine.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Index(_ context.Context, doc engine.IndexDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, doc)
	return nil
}

func (r *recorder) Remove(_ context.Context, collection, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, collection+"/"+id)
	return nil
}

func (r *recorder) operations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := make([]string, len(r.events))
	for i, ev := range r.events {
		ops[i] = ev.Operation
	}
	return ops
}

func productEntities() []*metadata.Entity {
	return []*metadata.Entity{
		{
			Name: "products",
			Fields: []metadata.Field{
				{Name: "sku", Required: true, Unique: true, Transform: []string{"trim", "upper"}},
				{Name: "name", Localized: true, Required: true},
				{Name: "price", Type: "float", Default: float64(0)},
				{Name: "status", Enum: []string{"draft", "active"}, Default: "draft"},
				{Name: "meta", Type: "json", LocalizedPaths: []string{"seo.title"}},
				{Name: "category_id", Type: "int", Nullable: true},
			},
			Relations: []metadata.Relation{
				{Name: "category", Kind: metadata.BelongsTo, Target: "categories"},
				{Name: "tags", Kind: metadata.ManyToMany, Target: "tags"},
				{Name: "reviews", Kind: metadata.HasMany, Target: "reviews", ForeignKey: "product_id", OnDelete: "cascade"},
			},
			Title:   &metadata.TitleConfig{Fields: []string{"sku", "name"}, Separator: " - "},
			Options: metadata.Options{Timestamps: true, SoftDelete: true, Versioning: true},
		},
		{
			Name:       "categories",
			PrimaryKey: metadata.PrimaryKey{Type: "int"},
			Fields:     []metadata.Field{{Name: "name", Required: true}},
			Relations: []metadata.Relation{
				{Name: "products", Kind: metadata.HasMany, Target: "products", ForeignKey: "category_id", OnDelete: "restrict"},
			},
		},
		{
			Name:   "tags",
			Fields: []metadata.Field{{Name: "label", Required: true, Unique: true}},
		},
		{
			Name: "reviews",
			Fields: []metadata.Field{
				{Name: "body", Type: "text"},
				{Name: "rating", Type: "int"},
				{Name: "product_id", Type: "uuid"},
			},
			Options: metadata.Options{Timestamps: true},
		},
	}
}
