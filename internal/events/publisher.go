// Package events publishes extraction results to a redis stream so
// downstream consumers can react without polling output files. Publishing is
// optional and best effort: a failed XAdd never fails a flush.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
)

const EventProductExtracted = "PRODUCT_EXTRACTED"

const DefaultStream = "stream:product_extraction"

// StreamClient is the slice of the redis client the publisher uses. Tests
// substitute a recording fake.
type StreamClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

type Publisher struct {
	client StreamClient
	stream string
	logger *slog.Logger
}

func NewPublisher(client StreamClient, stream string) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &Publisher{
		client: client,
		stream: stream,
		logger: slog.Default().With("component", "event_publisher"),
	}
}

// Connect dials redis and verifies the connection. The returned close
// function is safe to defer.
func Connect(ctx context.Context, addr, password, stream string) (*Publisher, func(), error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewPublisher(client, stream), func() { client.Close() }, nil
}

// PublishExtracted emits one PRODUCT_EXTRACTED event per successful item.
// Failure records are skipped; publish errors are logged and swallowed.
func (p *Publisher) PublishExtracted(ctx context.Context, items []*models.ExtractedProduct) {
	if p == nil {
		return
	}
	for _, item := range items {
		if item == nil || item.IsFailure() {
			continue
		}
		payload, err := json.Marshal(item)
		if err != nil {
			p.logger.Warn("marshalling event payload failed", "url", item.SourceURL, "error", err)
			continue
		}
		err = p.client.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			Values: map[string]interface{}{
				"event_type": EventProductExtracted,
				"event_id":   uuid.New().String(),
				"vendor":     item.Vendor,
				"source_url": item.SourceURL,
				"payload":    string(payload),
			},
		}).Err()
		if err != nil {
			p.logger.Warn("publishing event failed", "url", item.SourceURL, "error", err)
		}
	}
}
