package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rmax-ai/raciflow/pkg/store"
)

func TestDispatcher_DispatchEvent(t *testing.T) {
	s := newTestStore(t)

	receivedPayload := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST request, got %s", r.Method)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("failed to read request body: %v", err)
			return
		}

		signature := r.Header.Get(SignatureHeader)
		if signature == "" {
			t.Errorf("missing %s header", SignatureHeader)
		}
		if expected := Sign("test_secret", body); signature != expected {
			t.Errorf("expected signature %s, got %s", expected, signature)
		}

		receivedPayload <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := &store.WebhookConfig{
		WebhookID: "test_webhook",
		URL:       server.URL,
		Secret:    "test_secret",
		Events:    []string{string(store.EventTypeReconcileCompleted)},
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}
	if err := s.RegisterWebhook(context.Background(), webhook); err != nil {
		t.Fatalf("failed to register webhook: %v", err)
	}

	testEvent := &store.Event{
		EventID:       "test_event_123",
		EventType:     store.EventTypeReconcileCompleted,
		SchemaVersion: 1,
		TsEvent:       time.Now().UTC(),
		TsIngest:      time.Now().UTC(),
		Source: store.EventSource{
			OriginKind: "test",
			OriginID:   "test_origin",
			WriterID:   WriterID,
		},
		Correlation: store.EventCorrelation{
			CorrelationID: "test_corr",
			CausationID:   "test_cause",
		},
		Payload: json.RawMessage(`{"kind":"full"}`),
	}
	if err := s.AppendEvent(context.Background(), testEvent); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	// Set the dispatcher cursor to before the event so it gets picked up
	cursorTime := testEvent.TsIngest.Add(-1 * time.Millisecond)
	if err := s.SetSystemState(context.Background(), CursorKey, cursorTime.Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("failed to set cursor: %v", err)
	}

	dispatcher := NewDispatcher(s, nil)
	dispatcher.pollInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Start(ctx)

	select {
	case payload := <-receivedPayload:
		var receivedEvent store.Event
		if err := json.Unmarshal(payload, &receivedEvent); err != nil {
			t.Fatalf("failed to unmarshal received payload: %v", err)
		}
		if receivedEvent.EventID != testEvent.EventID {
			t.Errorf("expected event ID %s, got %s", testEvent.EventID, receivedEvent.EventID)
		}
		if receivedEvent.EventType != testEvent.EventType {
			t.Errorf("expected event type %s, got %s", testEvent.EventType, receivedEvent.EventType)
		}
		if string(receivedEvent.Payload) != string(testEvent.Payload) {
			t.Errorf("expected payload %s, got %s", testEvent.Payload, receivedEvent.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for webhook request")
	}
}

func TestDispatcher_ProcessBatchFiltersAndRetries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	if err := s.RegisterWebhook(ctx, &store.WebhookConfig{
		WebhookID: "wh", URL: server.URL, Events: []string{string(store.EventTypeNodeDeleted)}, Active: true,
	}); err != nil {
		t.Fatalf("failed to register webhook: %v", err)
	}

	base := time.Now().UTC().Add(-time.Minute)
	appendAt(t, s, store.EventTypeCellBuffered, base.Add(time.Second))
	appendAt(t, s, store.EventTypeNodeDeleted, base.Add(2*time.Second))

	d := NewDispatcher(s, nil)
	d.retryDelay = time.Millisecond

	cursor, n, err := d.processBatch(ctx, base)
	if err != nil {
		t.Fatalf("processBatch failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 events consumed, got %d", n)
	}
	if !cursor.Equal(base.Add(2 * time.Second)) {
		t.Errorf("cursor not advanced to the last event: %v", cursor)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected one retry after 503 (2 calls), got %d", got)
	}
}

func TestDispatcher_ClientErrorIsFinal(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	d := NewDispatcher(newTestStore(t), nil)
	d.retryDelay = time.Millisecond
	err := d.send(context.Background(), &store.WebhookConfig{URL: server.URL}, &store.Event{EventID: "e", EventType: store.EventTypeNodeDeleted})
	if err == nil {
		t.Fatal("expected error for 410")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected a single attempt, got %d", got)
	}
}
