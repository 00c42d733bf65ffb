package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rocket-collections/internal/engine"
	"rocket-collections/internal/store"
)

// Job statuses.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Queue persists deferred jobs in _jobs.
type Queue struct {
	store  *store.Store
	logger *zap.Logger
	now    func() time.Time
}

func New(s *store.Store, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: s, logger: logger, now: time.Now}
}

// Publish stores a job that becomes due at opts.StartAfter, or immediately
// when StartAfter is zero.
func (q *Queue) Publish(ctx context.Context, job engine.Job, opts engine.PublishOptions) error {
	if job.Kind == "" {
		return fmt.Errorf("publish: job kind is required")
	}
	payload := job.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := store.EncodeJSON(payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", job.Kind, err)
	}

	now := q.now()
	runAt := opts.StartAfter
	if runAt.IsZero() {
		runAt = now
	}

	d := q.store.Dialect
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf(`INSERT INTO _jobs (kind, payload, status, attempts, run_at, created_at, updated_at)
		VALUES (%s, %s, %s, 0, %s, %s, %s)`,
		pb.Add(job.Kind), pb.Add(encoded), pb.Add(StatusPending),
		pb.Add(d.TimeValue(runAt)), pb.Add(d.TimeValue(now)), pb.Add(d.TimeValue(now)))
	if _, err := store.Exec(ctx, q.store.DB, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("publish %s: %w", job.Kind, err)
	}
	q.logger.Debug("job published", zap.String("kind", job.Kind), zap.Time("run_at", runAt))
	return nil
}

// record is a claimed row of _jobs.
type record struct {
	ID       int64
	Kind     string
	Payload  map[string]any
	Attempts int
}

// due returns up to limit pending jobs whose run_at has passed, oldest first.
func (q *Queue) due(ctx context.Context, limit int) ([]record, error) {
	d := q.store.Dialect
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf(`SELECT id, kind, payload, attempts FROM _jobs
		WHERE status = %s AND run_at <= %s
		ORDER BY run_at ASC, id ASC %s`,
		pb.Add(StatusPending), pb.Add(d.TimeValue(q.now())), d.LimitOffset(limit, 0))
	rows, err := store.QueryRows(ctx, q.store.DB, sqlStr, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("due jobs: %w", err)
	}
	out := make([]record, 0, len(rows))
	for _, row := range rows {
		payload, err := decodePayload(row["payload"])
		if err != nil {
			q.logger.Error("job payload unreadable", zap.Any("id", row["id"]), zap.Error(err))
			payload = map[string]any{}
		}
		out = append(out, record{
			ID:       int64(toInt(row["id"])),
			Kind:     fmt.Sprint(row["kind"]),
			Payload:  payload,
			Attempts: toInt(row["attempts"]),
		})
	}
	return out, nil
}

// claim moves a pending job to running. It reports false when another
// worker got there first.
func (q *Queue) claim(ctx context.Context, id int64) (bool, error) {
	d := q.store.Dialect
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf("UPDATE _jobs SET status = %s, updated_at = %s WHERE id = %s AND status = %s",
		pb.Add(StatusRunning), pb.Add(d.TimeValue(q.now())), pb.Add(id), pb.Add(StatusPending))
	n, err := store.Exec(ctx, q.store.DB, sqlStr, pb.Params()...)
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", id, err)
	}
	return n == 1, nil
}

// finish records the outcome of a run. A zero retryAt with a non-empty
// status leaves run_at unchanged.
func (q *Queue) finish(ctx context.Context, id int64, status string, attempts int, lastErr string, retryAt time.Time) error {
	d := q.store.Dialect
	pb := d.NewParamBuilder()
	set := fmt.Sprintf("status = %s, attempts = %s, last_error = %s, updated_at = %s",
		pb.Add(status), pb.Add(attempts), pb.Add(nullable(lastErr)), pb.Add(d.TimeValue(q.now())))
	if !retryAt.IsZero() {
		set += fmt.Sprintf(", run_at = %s", pb.Add(d.TimeValue(retryAt)))
	}
	sqlStr := fmt.Sprintf("UPDATE _jobs SET %s WHERE id = %s", set, pb.Add(id))
	if _, err := store.Exec(ctx, q.store.DB, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("finish job %d: %w", id, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func decodePayload(v any) (map[string]any, error) {
	var raw []byte
	switch p := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return p, nil
	case string:
		raw = []byte(p)
	case []byte:
		raw = p
	default:
		return nil, fmt.Errorf("unexpected payload type %T", v)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	case json.Number:
		n, _ := val.Int64()
		return int(n)
	default:
		return 0
	}
}
