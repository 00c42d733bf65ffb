package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rocket-collections/internal/config"
	"rocket-collections/internal/engine"
	"rocket-collections/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Bootstrap(ctx, nil))

	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := New(s, zap.NewNop())
	q.now = c.now
	return q, c
}

func jobRow(t *testing.T, q *Queue) map[string]any {
	t.Helper()
	row, err := store.QueryRow(context.Background(), q.store.DB, "SELECT status, attempts, last_error FROM _jobs")
	require.NoError(t, err)
	return row
}

func TestWorker_RunsDueJobsOnly(t *testing.T) {
	ctx := context.Background()
	q, c := testQueue(t)
	w := NewWorker(q, config.QueueConfig{}, zap.NewNop())

	var got []map[string]any
	w.Handle("greet", func(_ context.Context, payload map[string]any) error {
		got = append(got, payload)
		return nil
	})

	require.NoError(t, q.Publish(ctx, engine.Job{Kind: "greet", Payload: map[string]any{"name": "now"}}, engine.PublishOptions{}))
	require.NoError(t, q.Publish(ctx, engine.Job{Kind: "greet", Payload: map[string]any{"name": "later"}},
		engine.PublishOptions{StartAfter: c.t.Add(time.Hour)}))

	n, err := w.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, "now", got[0]["name"])

	n, err = w.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.advance(2 * time.Hour)
	n, err = w.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, got, 2)
	assert.Equal(t, "later", got[1]["name"])
}

func TestWorker_RetriesWithBackoffThenFails(t *testing.T) {
	ctx := context.Background()
	q, c := testQueue(t)
	w := NewWorker(q, config.QueueConfig{MaxAttempts: 2}, zap.NewNop())

	calls := 0
	w.Handle("flaky", func(context.Context, map[string]any) error {
		calls++
		return errors.New("upstream down")
	})
	require.NoError(t, q.Publish(ctx, engine.Job{Kind: "flaky"}, engine.PublishOptions{}))

	_, err := w.RunDue(ctx)
	require.NoError(t, err)
	row := jobRow(t, q)
	assert.Equal(t, StatusPending, row["status"])
	assert.EqualValues(t, 1, row["attempts"])
	assert.Equal(t, "upstream down", row["last_error"])

	// first retry is due after 30s × 2
	c.advance(59 * time.Second)
	n, err := w.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.advance(time.Second)
	n, err = w.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, calls)

	row = jobRow(t, q)
	assert.Equal(t, StatusFailed, row["status"])
	assert.EqualValues(t, 2, row["attempts"])
}

func TestWorker_UnknownKindAndPanics(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)
	w := NewWorker(q, config.QueueConfig{MaxAttempts: 1}, zap.NewNop())
	w.Handle("boom", func(context.Context, map[string]any) error { panic("bad payload") })

	require.NoError(t, q.Publish(ctx, engine.Job{Kind: "boom"}, engine.PublishOptions{}))
	_, err := w.RunDue(ctx)
	require.NoError(t, err)
	row := jobRow(t, q)
	assert.Equal(t, StatusFailed, row["status"])
	assert.Contains(t, row["last_error"], "panicked")

	_, err = store.Exec(ctx, q.store.DB, "DELETE FROM _jobs")
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, engine.Job{Kind: "nobody"}, engine.PublishOptions{}))
	_, err = w.RunDue(ctx)
	require.NoError(t, err)
	row = jobRow(t, q)
	assert.Equal(t, StatusFailed, row["status"])
	assert.Contains(t, row["last_error"], "no handler")
}

func TestPublish_RequiresKind(t *testing.T) {
	q, _ := testQueue(t)
	require.Error(t, q.Publish(context.Background(), engine.Job{}, engine.PublishOptions{}))
}
