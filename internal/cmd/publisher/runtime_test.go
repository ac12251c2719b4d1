package publisher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/meridianlabs/chronicle/internal/storage"
)

func TestSplitEventTypes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "empty", raw: "", want: nil},
		{name: "single", raw: "order.placed.integration", want: []string{"order.placed.integration"}},
		{name: "multiple with spaces", raw: "a.one, b.two ,c.three", want: []string{"a.one", "b.two", "c.three"}},
		{name: "empty entries dropped", raw: ",a.one,,", want: []string{"a.one"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := splitEventTypes(tc.raw)
			if len(got) != len(tc.want) {
				t.Fatalf("split %q = %v, want %v", tc.raw, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("split %q = %v, want %v", tc.raw, got, tc.want)
				}
			}
		})
	}
}

func TestSinkDeliveryPostsPayload(t *testing.T) {
	var gotBody string
	var gotEventID, gotEventType, gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read sink body: %v", err)
		}
		gotBody = string(body)
		gotEventID = r.Header.Get("X-Chronicle-Event-Id")
		gotEventType = r.Header.Get("X-Chronicle-Event-Type")
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	delivery := newSinkDelivery(server.URL, server.Client())
	err := delivery.publish(context.Background(), storage.OutboxMessage{
		EventID:     "evt-1",
		EventType:   "order.placed.integration",
		PayloadJSON: []byte(`{"order":"o-1"}`),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if gotBody != `{"order":"o-1"}` {
		t.Fatalf("sink body = %q", gotBody)
	}
	if gotEventID != "evt-1" {
		t.Fatalf("event id header = %q, want evt-1", gotEventID)
	}
	if gotEventType != "order.placed.integration" {
		t.Fatalf("event type header = %q", gotEventType)
	}
	if gotContentType != "application/json" {
		t.Fatalf("content type = %q, want application/json", gotContentType)
	}
}

func TestSinkDeliveryRejectsNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	delivery := newSinkDelivery(server.URL, server.Client())
	err := delivery.publish(context.Background(), storage.OutboxMessage{
		EventID:     "evt-1",
		EventType:   "order.placed.integration",
		PayloadJSON: []byte(`{}`),
	})
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	if !strings.Contains(err.Error(), "status 502") {
		t.Fatalf("error = %v, want sink status 502", err)
	}
}

func TestRunRuntimeRequiresSinkWhenEnabled(t *testing.T) {
	cfg := Config{Enabled: true, EventTypes: "order.placed.integration"}
	err := runRuntime(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "sink URL is required") {
		t.Fatalf("err = %v, want sink URL is required", err)
	}
}

func TestRunRuntimeRequiresEventTypesWhenEnabled(t *testing.T) {
	cfg := Config{Enabled: true, SinkURL: "http://sink:8080/events"}
	err := runRuntime(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "at least one event type") {
		t.Fatalf("err = %v, want event type requirement", err)
	}
}
