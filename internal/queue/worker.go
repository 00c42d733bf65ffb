package queue

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"rocket-collections/internal/config"
)

// Handler runs one job. A returned error schedules a retry until the
// attempt budget is spent.
type Handler func(ctx context.Context, payload map[string]any) error

// Worker polls the queue on an interval and runs due jobs.
type Worker struct {
	queue       *Queue
	logger      *zap.Logger
	interval    time.Duration
	batchSize   int
	maxAttempts int
	backoff     time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewWorker(q *Queue, cfg config.QueueConfig, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		queue:       q,
		logger:      logger,
		interval:    time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		backoff:     30 * time.Second,
		handlers:    map[string]Handler{},
	}
	if w.interval <= 0 {
		w.interval = 5 * time.Second
	}
	if w.batchSize <= 0 {
		w.batchSize = 50
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 5
	}
	return w
}

// Handle registers the handler for a job kind.
func (w *Worker) Handle(kind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

func (w *Worker) handler(kind string) Handler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handlers[kind]
}

// Start begins polling in the background.
func (w *Worker) Start() {
	w.ticker = time.NewTicker(w.interval)
	w.done = make(chan struct{})
	w.wg.Add(1)
	go w.run()
	w.logger.Info("job worker started",
		zap.Duration("interval", w.interval), zap.Int("batch_size", w.batchSize))
}

// Stop halts polling and waits for the current batch to finish.
func (w *Worker) Stop() {
	if w.ticker != nil {
		w.ticker.Stop()
	}
	if w.done != nil {
		close(w.done)
	}
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case <-w.ticker.C:
			if _, err := w.RunDue(context.Background()); err != nil {
				w.logger.Error("job poll failed", zap.Error(err))
			}
		}
	}
}

// RunDue runs one batch of due jobs and returns how many it ran.
func (w *Worker) RunDue(ctx context.Context) (int, error) {
	jobs, err := w.queue.due(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, job := range jobs {
		claimed, err := w.queue.claim(ctx, job.ID)
		if err != nil {
			return ran, err
		}
		if !claimed {
			continue
		}
		ran++
		if err := w.execute(ctx, job); err != nil {
			return ran, err
		}
	}
	return ran, nil
}

func (w *Worker) execute(ctx context.Context, job record) error {
	attempt := job.Attempts + 1
	h := w.handler(job.Kind)
	if h == nil {
		w.logger.Error("no handler for job", zap.String("kind", job.Kind), zap.Int64("id", job.ID))
		return w.queue.finish(ctx, job.ID, StatusFailed, attempt, fmt.Sprintf("no handler for %q", job.Kind), time.Time{})
	}

	runErr := w.call(ctx, h, job)
	if runErr == nil {
		return w.queue.finish(ctx, job.ID, StatusDone, attempt, "", time.Time{})
	}

	if attempt >= w.maxAttempts {
		w.logger.Error("job failed",
			zap.String("kind", job.Kind), zap.Int64("id", job.ID),
			zap.Int("attempt", attempt), zap.Error(runErr))
		return w.queue.finish(ctx, job.ID, StatusFailed, attempt, runErr.Error(), time.Time{})
	}

	// exponential backoff: base × 2^attempt
	retryAt := w.queue.now().Add(time.Duration(math.Pow(2, float64(attempt))) * w.backoff)
	w.logger.Warn("job will retry",
		zap.String("kind", job.Kind), zap.Int64("id", job.ID),
		zap.Int("attempt", attempt), zap.Time("retry_at", retryAt), zap.Error(runErr))
	return w.queue.finish(ctx, job.ID, StatusPending, attempt, runErr.Error(), retryAt)
}

func (w *Worker) call(ctx context.Context, h Handler, job record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, job.Payload)
}
