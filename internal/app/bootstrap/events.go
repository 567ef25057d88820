package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/dr-enrollment/cmd/mainconfig"
	appconfig "github.com/wolfman30/dr-enrollment/internal/config"
	"github.com/wolfman30/dr-enrollment/internal/events"
	"github.com/wolfman30/dr-enrollment/pkg/logging"
)

// EventSink is the publisher handed to the controller plus the optional
// outbox deliverer that must be started alongside the server.
type EventSink struct {
	Publisher events.Publisher
	Deliverer *events.Deliverer
}

// BuildEventSink wires the domain event sink named by EVENT_SINK. The outbox
// sink relays to SQS when EVENT_QUEUE_URL is set and leaves rows pending
// otherwise.
func BuildEventSink(ctx context.Context, cfg *appconfig.Config, pool *pgxpool.Pool, logger *logging.Logger) (*EventSink, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	switch cfg.EventSink {
	case "", "log":
		return &EventSink{Publisher: events.NewLogPublisher(logger)}, nil
	case "sqs":
		sqsPub, err := buildSQSPublisher(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &EventSink{Publisher: sqsPub}, nil
	case "outbox":
		if pool == nil {
			return nil, fmt.Errorf("bootstrap: outbox event sink requires DATABASE_URL")
		}
		store := events.NewOutboxStore(pool)
		sink := &EventSink{Publisher: events.NewOutboxPublisher(store)}
		if strings.TrimSpace(cfg.EventQueueURL) == "" {
			logger.Warn("EVENT_QUEUE_URL not set; outbox events will not be relayed")
			return sink, nil
		}
		sqsPub, err := buildSQSPublisher(ctx, cfg)
		if err != nil {
			return nil, err
		}
		sink.Deliverer = events.NewDeliverer(store, sqsPub, logger)
		return sink, nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown event sink %q", cfg.EventSink)
	}
}

func buildSQSPublisher(ctx context.Context, cfg *appconfig.Config) (*events.SQSPublisher, error) {
	if strings.TrimSpace(cfg.EventQueueURL) == "" {
		return nil, fmt.Errorf("bootstrap: sqs event sink requires EVENT_QUEUE_URL")
	}
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load aws config: %w", err)
	}
	return events.NewSQSPublisher(mainconfig.NewSQSClient(awsCfg, cfg), cfg.EventQueueURL), nil
}
