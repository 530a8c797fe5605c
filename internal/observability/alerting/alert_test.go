package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "AgentCustody/internal/errors"
)

func sampleEvent() Event {
	return Event{
		Code:       "FEE_TRANSFER_FAILED",
		Message:    "费用划转失败",
		Severity:   xerrors.SeverityCritical,
		Component:  "settlement",
		Asset:      "usdc",
		Metadata:   map[string]string{"job_id": "job-1"},
		OccurredAt: time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type: %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier := &WebhookNotifier{URL: server.URL}
	if err := notifier.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received["code"] != "FEE_TRANSFER_FAILED" || received["component"] != "settlement" {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	notifier := &WebhookNotifier{URL: server.URL}
	if err := notifier.Notify(context.Background(), sampleEvent()); err == nil {
		t.Fatalf("expected error on non-2xx status")
	}
}

func TestWebhookNotifierSkipsWhenUnconfigured(t *testing.T) {
	notifier := &WebhookNotifier{}
	if err := notifier.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("unconfigured notifier must be a no-op: %v", err)
	}
}

func TestFanoutAggregatesErrors(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	dispatcher := NewFanout(&WebhookNotifier{URL: failing.URL})
	if err := dispatcher.Notify(context.Background(), sampleEvent()); err == nil {
		t.Fatalf("expected aggregated error")
	}

	// 空的分发器对任何事件都静默成功。
	if err := NewFanout().Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("empty fanout: %v", err)
	}
}
