package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"rocket-collections/internal/metadata"
	"rocket-collections/internal/store"
)

// recordChange appends a change event inside the write. The event is
// notified once the write commits and the operation's output hooks ran.
// payload must already be free of read-restricted fields.
func (c *Collection) recordChange(ctx context.Context, tx *store.Tx, op string, recordID any, payload map[string]any) error {
	encoded, err := store.EncodeJSON(payload)
	if err != nil {
		return fmt.Errorf("encode change payload: %w", err)
	}
	var rid any
	if recordID != nil {
		rid = keyString(recordID)
	}
	now := c.now()
	pb := c.dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("INSERT INTO _changes (collection, operation, record_id, payload, created_at) VALUES (%s, %s, %s, %s, %s) RETURNING id",
		pb.Add(c.entity.Name), pb.Add(op), pb.Add(rid), pb.Add(encoded), pb.Add(c.dialect.TimeValue(now)))
	row, err := store.QueryRow(ctx, tx, sqlStr, pb.Params()...)
	if err != nil {
		return fmt.Errorf("record change: %w", err)
	}
	n, _ := toFloat64(row["id"])

	inst := c.engine.opts.Instrumenter
	tx.OnCommit(func() {
		inst.EmitBusinessEvent(ctx, op, c.entity.Name, valueString(rid), map[string]any{"change_id": int64(n)})
	})

	if c.engine.opts.Notifier == nil {
		return nil
	}
	event := ChangeEvent{
		ID:         int64(n),
		Collection: c.entity.Name,
		Operation:  op,
		RecordID:   valueString(rid),
		Payload:    cloneMap(payload),
		CreatedAt:  now,
	}
	if ob, ok := ctx.Value(outboxKey{}).(*outbox); ok {
		tx.OnCommit(func() { ob.add(event) })
		return nil
	}
	tx.OnCommit(func() { c.engine.notify(ctx, event) })
	return nil
}

// changePayload is row without the fields that carry a read rule.
func (c *Collection) changePayload(row map[string]any) map[string]any {
	out := cloneMap(row)
	for i := range c.entity.Fields {
		f := &c.entity.Fields[i]
		if f.Access.For(metadata.OpRead) != nil {
			delete(out, f.Name)
		}
	}
	return out
}

// outbox holds the committed change events of one operation.
type outbox struct {
	mu     sync.Mutex
	events []ChangeEvent
}

type outboxKey struct{}

func (ob *outbox) add(event ChangeEvent) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.events = append(ob.events, event)
}

func (ob *outbox) drain() []ChangeEvent {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	events := ob.events
	ob.events = nil
	return events
}

// withOutbox collects the change events of the operation running under the
// returned context. flush notifies them; nested operations share the
// outermost outbox and get a no-op flush.
func (c *Collection) withOutbox(ctx context.Context) (context.Context, func()) {
	if _, ok := ctx.Value(outboxKey{}).(*outbox); ok {
		return ctx, func() {}
	}
	ob := &outbox{}
	return context.WithValue(ctx, outboxKey{}, ob), func() {
		for _, event := range ob.drain() {
			c.engine.notify(ctx, event)
		}
	}
}

func (e *Engine) notify(ctx context.Context, event ChangeEvent) {
	notifier := e.opts.Notifier
	if notifier == nil {
		return
	}
	e.dispatch(ctx, "notify", func(ctx context.Context) error {
		return notifier.Notify(ctx, event)
	})
}

// VisibleEvent reports whether session may read the records event is about.
// Under a conditional read rule the affected records are checked against the
// rule, and a bulk event comes back holding only the visible ids. Records
// that no longer exist are not visible under a conditional rule.
func (e *Engine) VisibleEvent(ctx context.Context, session *metadata.Session, event ChangeEvent) (ChangeEvent, bool) {
	c, err := e.Collection(event.Collection)
	if err != nil {
		return event, false
	}
	oc, err := c.normalize(OpContext{Session: session})
	if err != nil {
		return event, false
	}
	accessWhere, err := c.readWhere(ctx, oc)
	if err != nil {
		return event, false
	}
	if accessWhere == nil {
		return event, true
	}

	var ids []any
	if event.RecordID != "" {
		ids = []any{event.RecordID}
	} else {
		ids, _ = event.Payload["ids"].([]any)
	}
	keys := make([]any, 0, len(ids))
	for _, id := range ids {
		if key, err := coerceID(c.entity, id); err == nil {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return event, false
	}

	pk := c.entity.PrimaryKey.Field
	rows, err := c.selectRows(ctx, e.store.DB, &readContext{
		oc:    oc.System(),
		where: mergeWhere(map[string]any{pk: map[string]any{"in": keys}}, accessWhere),
		opts:  FindOptions{IncludeDeleted: true},
	}, 0, 0)
	if err != nil {
		e.logger.Warn("event visibility check failed", zap.String("collection", event.Collection), zap.Error(err))
		return event, false
	}
	if len(rows) == 0 {
		return event, false
	}
	if event.RecordID != "" {
		return event, true
	}
	visible := make([]any, len(rows))
	for i, row := range rows {
		visible[i] = row[pk]
	}
	event.Payload = cloneMap(event.Payload)
	event.Payload["ids"] = visible
	event.Payload["count"] = len(visible)
	return event, true
}

// scheduleIndex indexes rows after commit in the locale they were written.
func (c *Collection) scheduleIndex(tx *store.Tx, oc OpContext, rows []map[string]any) {
	indexer := c.engine.opts.Indexer
	if indexer == nil || len(rows) == 0 {
		return
	}
	docs := make([]IndexDocument, len(rows))
	for i, row := range rows {
		docs[i] = c.indexDocument(row, oc.Locale)
	}
	ctx := context.Background()
	tx.OnCommit(func() {
		c.engine.dispatch(ctx, "index", func(ctx context.Context) error {
			for _, doc := range docs {
				if err := indexer.Index(ctx, doc); err != nil {
					return fmt.Errorf("index %s %s: %w", doc.Collection, doc.ID, err)
				}
			}
			return nil
		})
	})
}

// scheduleRemove drops deleted records from the index after commit.
func (c *Collection) scheduleRemove(tx *store.Tx, ids []any) {
	indexer := c.engine.opts.Indexer
	if indexer == nil || len(ids) == 0 {
		return
	}
	name := c.entity.Name
	tx.OnCommit(func() {
		c.engine.dispatch(context.Background(), "unindex", func(ctx context.Context) error {
			for _, id := range ids {
				if err := indexer.Remove(ctx, name, keyString(id)); err != nil {
					return fmt.Errorf("remove %s %v from index: %w", name, id, err)
				}
			}
			return nil
		})
	})
}

// indexDocument projects a row onto its title and the text of its string
// fields. Fields with a read rule stay out of the index.
func (c *Collection) indexDocument(row map[string]any, locale string) IndexDocument {
	var body []string
	for i := range c.entity.Fields {
		f := &c.entity.Fields[i]
		if f.Access.For(metadata.OpRead) != nil {
			continue
		}
		switch f.Type {
		case "string", "text":
			if s, ok := row[f.Name].(string); ok && s != "" {
				body = append(body, s)
			}
		}
	}
	return IndexDocument{
		Collection: c.entity.Name,
		ID:         keyString(row[c.entity.PrimaryKey.Field]),
		Locale:     locale,
		Title:      valueString(row[metadata.TitleKey]),
		Body:       strings.Join(body, "\n"),
	}
}

// dispatch runs a post-commit side effect. Failures are logged and never
// reach the caller of the write.
func (e *Engine) dispatch(ctx context.Context, effect string, fn func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	run := func() {
		if err := fn(ctx); err != nil {
			e.logger.Warn("post-commit side effect failed", zap.String("effect", effect), zap.Error(err))
		}
	}
	if e.opts.AsyncSideEffects {
		go run()
		return
	}
	run()
}
