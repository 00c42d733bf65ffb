package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"rocket-collections/internal/config"
	"rocket-collections/internal/engine"
	"rocket-collections/internal/instrument"
)

// JobDeliver is the job kind of a webhook delivery retry.
const JobDeliver = "webhook.deliver"

// Payload is the JSON body sent to webhook endpoints.
type Payload struct {
	Event          string         `json:"event"`
	Collection     string         `json:"collection"`
	Operation      string         `json:"operation"`
	RecordID       string         `json:"record_id,omitempty"`
	Data           map[string]any `json:"data"`
	ChangeID       int64          `json:"change_id"`
	Timestamp      string         `json:"timestamp"`
	IdempotencyKey string         `json:"idempotency_key"`
}

func buildPayload(event engine.ChangeEvent) *Payload {
	return &Payload{
		Event:          event.Collection + "." + event.Operation,
		Collection:     event.Collection,
		Operation:      event.Operation,
		RecordID:       event.RecordID,
		Data:           event.Payload,
		ChangeID:       event.ID,
		Timestamp:      event.CreatedAt.UTC().Format(time.RFC3339),
		IdempotencyKey: "wh_" + uuid.New().String(),
	}
}

type webhook struct {
	config.WebhookConfig
	condition *vm.Program
}

// Webhooks posts change events to configured endpoints. Failed deliveries
// are handed to the publisher for retry when one is set.
type Webhooks struct {
	hooks     []*webhook
	client    *http.Client
	publisher engine.Publisher
	logger    *zap.Logger
}

// NewWebhooks compiles every hook condition up front.
func NewWebhooks(cfgs []config.WebhookConfig, publisher engine.Publisher, logger *zap.Logger) (*Webhooks, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Webhooks{
		client:    &http.Client{Timeout: 30 * time.Second},
		publisher: publisher,
		logger:    logger,
	}
	for i, cfg := range cfgs {
		if cfg.URL == "" {
			return nil, fmt.Errorf("webhook %d: url is required", i)
		}
		if cfg.Method == "" {
			cfg.Method = http.MethodPost
		}
		cfg.Method = strings.ToUpper(cfg.Method)
		hook := &webhook{WebhookConfig: cfg}
		if cfg.Condition != "" {
			prog, err := expr.Compile(cfg.Condition, expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("webhook %s condition: %w", cfg.URL, err)
			}
			hook.condition = prog
		}
		w.hooks = append(w.hooks, hook)
	}
	return w, nil
}

// Notify delivers the event to every matching hook. A delivery that fails
// is queued for retry; without a publisher the failure is returned.
func (w *Webhooks) Notify(ctx context.Context, event engine.ChangeEvent) error {
	payload := buildPayload(event)
	var body []byte
	var errs error

	for _, hook := range w.hooks {
		if !hook.matches(event.Collection) {
			continue
		}
		fire, err := hook.evaluate(payload)
		if err != nil {
			w.logger.Error("webhook condition failed", zap.String("url", hook.URL), zap.Error(err))
			continue
		}
		if !fire {
			continue
		}
		if body == nil {
			if body, err = json.Marshal(payload); err != nil {
				return fmt.Errorf("encode webhook payload: %w", err)
			}
		}

		result := Dispatch(ctx, w.client, hook.URL, hook.Method, ResolveHeaders(hook.Headers), body)
		if result.OK() {
			w.logger.Debug("webhook delivered",
				zap.String("url", hook.URL), zap.String("event", payload.Event), zap.Int("status", result.StatusCode))
			continue
		}
		w.logger.Warn("webhook delivery failed",
			zap.String("url", hook.URL), zap.String("event", payload.Event), zap.String("error", result.Failure()))
		if err := w.retry(ctx, hook, body); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (w *Webhooks) retry(ctx context.Context, hook *webhook, body []byte) error {
	if w.publisher == nil {
		return fmt.Errorf("%s %s: delivery failed", hook.Method, hook.URL)
	}
	job := engine.Job{Kind: JobDeliver, Payload: map[string]any{
		"url":     hook.URL,
		"method":  hook.Method,
		"headers": hook.Headers,
		"body":    string(body),
	}}
	if err := w.publisher.Publish(ctx, job, engine.PublishOptions{}); err != nil {
		return fmt.Errorf("queue webhook retry: %w", err)
	}
	return nil
}

// HandleDeliverJob redelivers a queued webhook. Header templates are
// resolved at send time so rotated secrets apply to retries.
func (w *Webhooks) HandleDeliverJob(ctx context.Context, payload map[string]any) error {
	url, _ := payload["url"].(string)
	method, _ := payload["method"].(string)
	body, _ := payload["body"].(string)
	if url == "" {
		return fmt.Errorf("webhook job: url missing")
	}
	headers := map[string]string{}
	switch h := payload["headers"].(type) {
	case map[string]string:
		headers = h
	case map[string]any:
		for k, v := range h {
			headers[k] = fmt.Sprint(v)
		}
	}
	result := Dispatch(ctx, w.client, url, method, ResolveHeaders(headers), []byte(body))
	if !result.OK() {
		return fmt.Errorf("%s %s: %s", method, url, result.Failure())
	}
	return nil
}

func (h *webhook) matches(collection string) bool {
	return len(h.Collections) == 0 || slices.Contains(h.Collections, collection)
}

func (h *webhook) evaluate(p *Payload) (bool, error) {
	if h.condition == nil {
		return true, nil
	}
	env := map[string]any{
		"event":      p.Event,
		"collection": p.Collection,
		"operation":  p.Operation,
		"record_id":  p.RecordID,
		"data":       p.Data,
	}
	out, err := expr.Run(h.condition, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return bool")
	}
	return b, nil
}

// ResolveHeaders replaces {{env.VAR_NAME}} in header values with
// environment values.
func ResolveHeaders(headers map[string]string) map[string]string {
	resolved := make(map[string]string, len(headers))
	for k, v := range headers {
		resolved[k] = resolveEnvVars(v)
	}
	return resolved
}

func resolveEnvVars(s string) string {
	for {
		start := strings.Index(s, "{{env.")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return s
		}
		end += start
		s = s[:start] + os.Getenv(s[start+6:end]) + s[end+2:]
	}
}

// Result is the outcome of a single webhook call.
type Result struct {
	StatusCode   int
	ResponseBody string
	Error        string
}

func (r *Result) OK() bool {
	return r.Error == "" && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r *Result) Failure() string {
	if r.Error != "" {
		return r.Error
	}
	return fmt.Sprintf("HTTP %d", r.StatusCode)
}

// Dispatch performs one webhook call with resolved headers.
func Dispatch(ctx context.Context, client *http.Client, url, method string, headers map[string]string, body []byte) *Result {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "webhook", "dispatcher", "webhook.dispatch")
	defer span.End()
	span.SetMetadata("url", url)
	span.SetMetadata("method", method)

	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		span.SetStatus("error")
		return &Result{Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		return &Result{Error: fmt.Sprintf("http call: %v", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	span.SetMetadata("status_code", resp.StatusCode)
	result := &Result{StatusCode: resp.StatusCode, ResponseBody: string(respBody)}
	if result.OK() {
		span.SetStatus("ok")
	} else {
		span.SetStatus("error")
	}
	return result
}
