package instrument

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Context keys
type ctxKey int

const (
	traceIDKey ctxKey = iota
	parentSpanIDKey
	instrumenterKey
	userIDKey
)

// Instrumenter interface defines the tracing API.
type Instrumenter interface {
	StartSpan(ctx context.Context, source, component, action string) (context.Context, Span)
	EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any)
}

// Span interface represents a timed operation span.
type Span interface {
	End()
	SetStatus(status string)
	SetMetadata(key string, value any)
	SetEntity(entity, recordID string)
	TraceID() string
	SpanID() string
}

// newUUID generates a new UUID v4 string.
func newUUID() string {
	return uuid.New().String()
}

// Context helpers

// WithTraceID sets the trace ID in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID returns the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithParentSpanID sets the parent span ID in the context.
func WithParentSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, parentSpanIDKey, spanID)
}

func getParentSpanID(ctx context.Context) string {
	if v, ok := ctx.Value(parentSpanIDKey).(string); ok {
		return v
	}
	return ""
}

// WithInstrumenter sets the instrumenter in the context.
func WithInstrumenter(ctx context.Context, inst Instrumenter) context.Context {
	return context.WithValue(ctx, instrumenterKey, inst)
}

// GetInstrumenter returns the instrumenter from the context,
// or a NoopInstrumenter if none is set.
func GetInstrumenter(ctx context.Context) Instrumenter {
	if v, ok := ctx.Value(instrumenterKey).(Instrumenter); ok {
		return v
	}
	return &NoopInstrumenter{}
}

// WithUserID sets the user ID in the context for instrumentation.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func getUserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// LogInstrumenter writes finished spans and business events to a zap logger
// at debug level.
type LogInstrumenter struct {
	logger *zap.Logger
}

func NewLogInstrumenter(logger *zap.Logger) *LogInstrumenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogInstrumenter{logger: logger.Named("trace")}
}

// StartSpan creates a new span and returns the updated context.
func (i *LogInstrumenter) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	span := &LogSpan{
		logger:       i.logger,
		traceID:      GetTraceID(ctx),
		spanID:       newUUID(),
		parentSpanID: getParentSpanID(ctx),
		source:       source,
		component:    component,
		action:       action,
		userID:       getUserID(ctx),
		startTime:    time.Now(),
		metadata:     make(map[string]any),
	}

	// Update context so child spans reference this span as parent
	ctx = WithParentSpanID(ctx, span.spanID)
	return ctx, span
}

// EmitBusinessEvent emits a one-shot business event (no duration tracking).
func (i *LogInstrumenter) EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any) {
	i.logger.Debug("business event",
		zap.String("trace_id", GetTraceID(ctx)),
		zap.String("action", action),
		zap.String("entity", entity),
		zap.String("record_id", recordID),
		zap.String("user_id", getUserID(ctx)),
		zap.Any("metadata", metadata),
	)
}

// LogSpan implements the Span interface with timing and metadata.
type LogSpan struct {
	logger       *zap.Logger
	traceID      string
	spanID       string
	parentSpanID string
	source       string
	component    string
	action       string
	entity       string
	recordID     string
	userID       string
	status       string
	startTime    time.Time
	metadata     map[string]any
	mu           sync.Mutex
	ended        bool
}

func (s *LogSpan) TraceID() string { return s.traceID }
func (s *LogSpan) SpanID() string  { return s.spanID }

func (s *LogSpan) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *LogSpan) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

func (s *LogSpan) SetEntity(entity, recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entity = entity
	if recordID != "" {
		s.recordID = recordID
	}
}

// End logs the span once; later calls are ignored.
func (s *LogSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true

	s.logger.Debug("span",
		zap.String("trace_id", s.traceID),
		zap.String("span_id", s.spanID),
		zap.String("parent_span_id", s.parentSpanID),
		zap.String("source", s.source),
		zap.String("component", s.component),
		zap.String("action", s.action),
		zap.String("entity", s.entity),
		zap.String("record_id", s.recordID),
		zap.String("user_id", s.userID),
		zap.String("status", s.status),
		zap.Duration("duration", time.Since(s.startTime)),
		zap.Any("metadata", s.metadata),
	)
}
