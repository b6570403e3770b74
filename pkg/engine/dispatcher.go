package engine

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rmax-ai/raciflow/pkg/store"
)

const (
	// CursorKey is the key used in system_state to store the last processed event timestamp.
	CursorKey = "webhook_dispatcher_cursor"
	// BatchSize is the number of events to fetch per poll.
	BatchSize = 50
	// PollInterval is how often to check for new events.
	PollInterval = 1 * time.Second
	// DefaultTimeout is the HTTP client timeout for webhook requests.
	DefaultTimeout = 5 * time.Second
	// MaxRetries is the number of delivery attempts.
	MaxRetries = 3

	// SignatureHeader carries "sha256=<hex HMAC of the body>".
	SignatureHeader = "X-Raciflow-Signature"
)

// Dispatcher delivers logged events to registered webhooks.
type Dispatcher struct {
	store        *store.Store
	client       *http.Client
	logger       *slog.Logger
	pollInterval time.Duration
	retryDelay   time.Duration
}

// NewDispatcher creates a new webhook dispatcher.
func NewDispatcher(s *store.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store: s,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:       logger,
		pollInterval: PollInterval,
		retryDelay:   time.Second,
	}
}

// Start begins the event polling and dispatch loop.
// It blocks until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher_started")

	cursor, err := d.loadCursor(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.logger.Warn("dispatcher_cursor_unreadable", "error", err)
		}
		cursor = time.Now().UTC()
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher_stopped")
			return
		case <-ticker.C:
			newCursor, count, err := d.processBatch(ctx, cursor)
			if err != nil {
				d.logger.Error("dispatch_batch_failed", "error", err)
				continue
			}
			if count > 0 {
				cursor = newCursor
				if err := d.saveCursor(ctx, cursor); err != nil {
					d.logger.Error("dispatcher_cursor_save_failed", "error", err)
				}
			}
		}
	}
}

// processBatch delivers the events ingested after since and returns the
// new cursor and how many events it consumed.
func (d *Dispatcher) processBatch(ctx context.Context, since time.Time) (time.Time, int, error) {
	events, err := d.store.ReadEvents(ctx, since, BatchSize)
	if err != nil {
		return since, 0, err
	}
	if len(events) == 0 {
		return since, 0, nil
	}

	webhooks, err := d.store.ListWebhooks(ctx)
	if err != nil {
		return since, 0, fmt.Errorf("failed to list webhooks: %w", err)
	}

	lastTs := since
	for _, evt := range events {
		for _, wh := range webhooks {
			if !shouldDispatch(wh, evt) {
				continue
			}
			if err := d.send(ctx, wh, evt); err != nil {
				WebhookDeliveries.WithLabelValues("failed").Inc()
				d.logger.Warn("webhook_delivery_failed",
					"event_id", evt.EventID, "webhook_id", wh.WebhookID, "error", err)
				continue
			}
			WebhookDeliveries.WithLabelValues("delivered").Inc()
		}
		lastTs = evt.TsIngest
	}
	return lastTs, len(events), nil
}

func shouldDispatch(wh *store.WebhookConfig, evt *store.Event) bool {
	if !wh.Active {
		return false
	}
	for _, interested := range wh.Events {
		if interested == "*" || interested == string(evt.EventType) {
			return true
		}
	}
	return false
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// send POSTs the event, retrying transport errors and 5xx responses with a
// linear backoff. 4xx responses are final.
func (d *Dispatcher) send(ctx context.Context, wh *store.WebhookConfig, evt *store.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var lastErr error
	for i := 0; i < MaxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * d.retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "raciflow-dispatcher/1.0")
		req.Header.Set("X-Raciflow-Event-ID", string(evt.EventID))
		req.Header.Set("X-Raciflow-Event-Type", string(evt.EventType))
		if wh.Secret != "" {
			req.Header.Set(SignatureHeader, Sign(wh.Secret, payload))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook responded with status: %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return lastErr
		}
	}
	return fmt.Errorf("max retries reached: %w", lastErr)
}

// loadCursor retrieves the last processed timestamp from system_state.
func (d *Dispatcher) loadCursor(ctx context.Context) (time.Time, error) {
	val, err := d.store.GetSystemState(ctx, CursorKey)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, val)
}

// saveCursor persists the last processed timestamp.
func (d *Dispatcher) saveCursor(ctx context.Context, t time.Time) error {
	return d.store.SetSystemState(ctx, CursorKey, t.Format(time.RFC3339Nano))
}
