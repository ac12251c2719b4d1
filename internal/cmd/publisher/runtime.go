package publisher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/meridianlabs/chronicle/internal/outbox"
	"github.com/meridianlabs/chronicle/internal/storage"
	"github.com/meridianlabs/chronicle/internal/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultPublisherPort = 8087
	defaultPublisherDB   = "data/chronicle.db"
)

// runRuntime starts publisher dependencies and the outbox publishing loop.
// It blocks until ctx is cancelled or the loop halts itself.
func runRuntime(ctx context.Context, cfg Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	eventTypes := splitEventTypes(cfg.EventTypes)
	if cfg.Enabled {
		if strings.TrimSpace(cfg.SinkURL) == "" {
			return fmt.Errorf("sink URL is required")
		}
		if len(eventTypes) == 0 {
			return fmt.Errorf("at least one event type is required")
		}
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultPublisherPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultPublisherDB
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create chronicle storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open chronicle sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close chronicle sqlite store: %v", closeErr)
		}
	}()

	queue, err := outbox.New(store, cfg.MaxAttempts)
	if err != nil {
		return fmt.Errorf("build outbox store: %w", err)
	}

	delivery := newSinkDelivery(cfg.SinkURL, nil)
	handlers := make(map[string]outbox.PublishFunc, len(eventTypes))
	for _, eventType := range eventTypes {
		handlers[eventType] = delivery.publish
	}

	scheduler, err := outbox.NewScheduler(queue, handlers, outbox.SchedulerConfig{
		Enabled:                cfg.Enabled,
		BatchSize:              cfg.BatchSize,
		PollInterval:           cfg.PollInterval,
		VisibilityTimeout:      cfg.VisibilityTimeout,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		MessageTimeout:         cfg.MessageTimeout,
	})
	if err != nil {
		return fmt.Errorf("build outbox scheduler: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on publisher port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("chronicle.publisher", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("publisher server listening at %v", listener.Addr())
	return scheduler.Run(ctx)
}

// splitEventTypes parses the comma-separated event type list, dropping empty
// entries.
func splitEventTypes(raw string) []string {
	var eventTypes []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eventTypes = append(eventTypes, part)
	}
	return eventTypes
}

// sinkDelivery posts outbox message payloads to an HTTP sink. A response
// outside the 2xx range counts as a failed delivery attempt.
type sinkDelivery struct {
	url    string
	client *http.Client
}

func newSinkDelivery(url string, client *http.Client) *sinkDelivery {
	if client == nil {
		client = http.DefaultClient
	}
	return &sinkDelivery{url: url, client: client}
}

func (d *sinkDelivery) publish(ctx context.Context, msg storage.OutboxMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(msg.PayloadJSON))
	if err != nil {
		return fmt.Errorf("build sink request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Chronicle-Event-Id", msg.EventID)
	req.Header.Set("X-Chronicle-Event-Type", msg.EventType)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to sink: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("sink returned status %d", resp.StatusCode)
	}
	return nil
}
