package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rocket-collections/internal/config"
	"rocket-collections/internal/instrument"
	"rocket-collections/internal/metadata"
	"rocket-collections/internal/storage"
	"rocket-collections/internal/store"
)

// Validator checks write input before it reaches the database. On update the
// data is partial and the context carries the stored record (see
// WithOriginal). Validators may add computed values to data.
type Validator interface {
	Validate(ctx context.Context, entity *metadata.Entity, op string, data map[string]any) error
}

// IndexDocument is the searchable projection of a record in one locale.
type IndexDocument struct {
	Collection string
	ID         string
	Locale     string
	Title      string
	Body       string
}

// Indexer receives committed records. Failures are logged, never returned to
// the caller of the write.
type Indexer interface {
	Index(ctx context.Context, doc IndexDocument) error
	Remove(ctx context.Context, collection, id string) error
}

// ChangeEvent is a committed mutation as recorded in _changes.
type ChangeEvent struct {
	ID         int64          `json:"id"`
	Collection string         `json:"collection"`
	Operation  string         `json:"operation"`
	RecordID   string         `json:"record_id,omitempty"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Notifier is told about change events after commit. Delivery is at least
// once.
type Notifier interface {
	Notify(ctx context.Context, event ChangeEvent) error
}

// Job is a unit of deferred work.
type Job struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
}

type PublishOptions struct {
	StartAfter time.Time
}

type Publisher interface {
	Publish(ctx context.Context, job Job, opts PublishOptions) error
}

// JobTransition is the job kind of a scheduled workflow transition.
const JobTransition = "workflow.transition"

type Options struct {
	Validator    Validator
	Indexer      Indexer
	Notifier     Notifier
	Publisher    Publisher
	Files        storage.FileStorage
	Logger       *zap.Logger
	Instrumenter instrument.Instrumenter
	Locales      config.LocaleConfig

	// AsyncSideEffects runs post-commit indexing and notification in
	// goroutines instead of before the write returns.
	AsyncSideEffects bool
	DefaultLimit     int
	MaxLimit         int
	MaxFileSize      int64
}

// Engine serves every registered collection.
type Engine struct {
	store    *store.Store
	registry *metadata.Registry
	opts     Options
	logger   *zap.Logger
	locales  *localeResolver
}

func New(s *store.Store, reg *metadata.Registry, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Instrumenter == nil {
		opts.Instrumenter = &instrument.NoopInstrumenter{}
	}
	if opts.Validator == nil {
		opts.Validator = NewSchemaValidator()
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 10
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 100
	}
	locales, err := newLocaleResolver(opts.Locales)
	if err != nil {
		return nil, fmt.Errorf("locales: %w", err)
	}
	return &Engine{
		store:    s,
		registry: reg,
		opts:     opts,
		logger:   opts.Logger.Named("engine"),
		locales:  locales,
	}, nil
}

func (e *Engine) Registry() *metadata.Registry { return e.registry }
func (e *Engine) Store() *store.Store          { return e.store }

// Collection returns the operation surface of a registered collection.
func (e *Engine) Collection(name string) (*Collection, error) {
	entity := e.registry.GetEntity(name)
	if entity == nil {
		return nil, UnknownCollectionError(name)
	}
	return e.collection(entity), nil
}

func (e *Engine) collection(entity *metadata.Entity) *Collection {
	return &Collection{engine: e, entity: entity, dialect: e.store.Dialect}
}

// HandleTransitionJob runs a scheduled workflow transition. Access was
// checked when the job was scheduled, so it runs in system mode.
func (e *Engine) HandleTransitionJob(ctx context.Context, payload map[string]any) error {
	name, _ := payload["collection"].(string)
	to, _ := payload["to"].(string)
	locale, _ := payload["locale"].(string)
	c, err := e.Collection(name)
	if err != nil {
		return err
	}
	_, err = c.TransitionStage(ctx, payload["id"], to, nil, OpContext{AccessMode: AccessSystem, Locale: locale})
	return err
}

// Collection exposes the CRUD surface of one entity.
type Collection struct {
	engine  *Engine
	entity  *metadata.Entity
	dialect store.Dialect
}

func (c *Collection) Name() string              { return c.entity.Name }
func (c *Collection) Entity() *metadata.Entity { return c.entity }

func (c *Collection) startSpan(ctx context.Context, action string) (context.Context, instrument.Span) {
	inst := instrument.GetInstrumenter(ctx)
	if _, noop := inst.(*instrument.NoopInstrumenter); noop {
		inst = c.engine.opts.Instrumenter
	}
	ctx, span := inst.StartSpan(ctx, "engine", "collection", c.entity.Name+"."+action)
	span.SetEntity(c.entity.Name, "")
	return ctx, span
}

func (c *Collection) now() time.Time {
	return time.Now().UTC()
}

func (c *Collection) fail(span instrument.Span, err error) error {
	span.SetStatus("error")
	span.SetMetadata("error", err.Error())
	return err
}
