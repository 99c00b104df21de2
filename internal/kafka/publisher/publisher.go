package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/record-import-transformer/internal/models"
)

// ErrProducerNotInitialised is returned when a nil publisher is used.
var ErrProducerNotInitialised = errors.New("kafka publisher: producer not initialised")

const (
	headerContentType = "content-type"
	headerEventType   = "event-type"
)

// SyncProducer is a producer bound to the status topic.
type SyncProducer interface {
	Publish(key []byte, headers map[string][]byte, payload []byte) (partition int32, offset int64, err error)
}

// StatusPublisher emits batch status events through a topic-bound producer. Events are
// keyed by blob id so every event of one batch lands on the same partition.
type StatusPublisher struct {
	producer SyncProducer
	logger   zerolog.Logger
}

// NewStatusPublisher constructs a StatusPublisher. It returns nil when prod is
// nil so callers can treat status events as disabled.
func NewStatusPublisher(prod SyncProducer, logger zerolog.Logger) *StatusPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &StatusPublisher{
		producer: prod,
		logger:   logger,
	}
}

// PublishStatus writes the supplied event synchronously.
func (p *StatusPublisher) PublishStatus(ctx context.Context, event models.BatchStatusEvent) error {
	if p == nil || p.producer == nil {
		return ErrProducerNotInitialised
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("kafka publisher: publish status event: %w", err)
	}
	if strings.TrimSpace(event.BlobID) == "" {
		return errors.New("kafka publisher: status event blob id is required")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal status event: %w", err)
	}

	headers := map[string][]byte{
		headerContentType: []byte("application/json"),
		headerEventType:   []byte(event.EventType),
	}

	partition, offset, err := p.producer.Publish([]byte(event.BlobID), headers, payload)
	if err != nil {
		return fmt.Errorf("kafka publisher: publish status event: %w", err)
	}

	p.logger.Debug().
		Str("blob_id", event.BlobID).
		Str("event_type", event.EventType).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("status event published")
	return nil
}
