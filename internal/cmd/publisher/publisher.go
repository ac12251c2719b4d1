// Package publisher parses publisher command flags and launches the outbox
// publishing runtime.
package publisher

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/meridianlabs/chronicle/internal/platform/cmd"
)

// Config holds publisher command configuration.
type Config struct {
	Port                   int           `env:"CHRONICLE_PUBLISHER_PORT" envDefault:"8087"`
	DBPath                 string        `env:"CHRONICLE_DB_PATH" envDefault:"data/chronicle.db"`
	SinkURL                string        `env:"CHRONICLE_PUBLISHER_SINK_URL"`
	EventTypes             string        `env:"CHRONICLE_PUBLISHER_EVENT_TYPES"`
	Enabled                bool          `env:"CHRONICLE_PUBLISHER_ENABLED" envDefault:"true"`
	BatchSize              int           `env:"CHRONICLE_PUBLISHER_BATCH_SIZE" envDefault:"20"`
	PollInterval           time.Duration `env:"CHRONICLE_PUBLISHER_POLL_INTERVAL" envDefault:"2s"`
	VisibilityTimeout      time.Duration `env:"CHRONICLE_PUBLISHER_VISIBILITY_TIMEOUT" envDefault:"30s"`
	MaxConsecutiveFailures int           `env:"CHRONICLE_PUBLISHER_MAX_CONSECUTIVE_FAILURES" envDefault:"5"`
	MessageTimeout         time.Duration `env:"CHRONICLE_PUBLISHER_MESSAGE_TIMEOUT" envDefault:"10s"`
	MaxAttempts            int           `env:"CHRONICLE_OUTBOX_MAX_ATTEMPTS" envDefault:"8"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The publisher health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The chronicle SQLite database path")
	fs.StringVar(&cfg.SinkURL, "sink-url", cfg.SinkURL, "HTTP sink URL that receives published events")
	fs.StringVar(&cfg.EventTypes, "event-types", cfg.EventTypes, "Comma-separated event types to publish")
	fs.BoolVar(&cfg.Enabled, "enabled", cfg.Enabled, "Whether the publishing loop runs")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Maximum outbox messages leased per poll")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Outbox poll interval")
	fs.DurationVar(&cfg.VisibilityTimeout, "visibility-timeout", cfg.VisibilityTimeout, "Outbox lease duration")
	fs.IntVar(&cfg.MaxConsecutiveFailures, "max-consecutive-failures", cfg.MaxConsecutiveFailures, "Consecutive poll failures before the loop halts")
	fs.DurationVar(&cfg.MessageTimeout, "message-timeout", cfg.MessageTimeout, "Per-message publish timeout")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum delivery attempts before a message is parked as failed")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the publisher runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServicePublisher, func(context.Context) error {
		return runRuntime(ctx, cfg)
	})
}
