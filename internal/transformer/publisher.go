package transformer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
)

// Message header names set on every published record.
const (
	HeaderBlobID        = "blob-id"
	HeaderContentDigest = "content-digest"

	contentTypeJSON = "application/json"
)

// Publisher streams passed records into a provisioned topology.
type Publisher struct {
	logger zerolog.Logger
	newID  func() string
}

// NewPublisher constructs a Publisher.
func NewPublisher(logger zerolog.Logger) *Publisher {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Publisher{
		logger: logger,
		newID:  func() string { return uuid.NewString() },
	}
}

// SendRecords publishes records one at a time, in order, as persistent JSON
// messages on the batch exchange. Each publish completes before the next one
// starts. It returns the number of records published before the first
// failure; already published messages are not retracted.
func (p *Publisher) SendRecords(ctx context.Context, ch Channel, t Topology, records []Outcome) (int, error) {
	sent := 0
	var bytesSent uint64

	for i, record := range records {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		msg, err := p.buildMessage(t, record)
		if err != nil {
			return sent, fmt.Errorf("transformer: record %d: %w", i, err)
		}

		p.logger.Debug().
			Int("index", i).
			Str("message_id", msg.MessageID).
			Msg("sending a record to the queue")

		if err := ch.Publish(ctx, t.Exchange, t.RoutingKey, msg); err != nil {
			return sent, fmt.Errorf("transformer: publish record %d: %w", i, err)
		}
		sent++
		bytesSent += uint64(len(msg.Body))
	}

	p.logger.Info().
		Str("queue", t.Queue).
		Int("sent", sent).
		Str("size", humanize.Bytes(bytesSent)).
		Msg("records sent to queue")
	return sent, nil
}

func (p *Publisher) buildMessage(t Topology, record Outcome) (Message, error) {
	body, err := json.Marshal(record.Record)
	if err != nil {
		return Message{}, fmt.Errorf("marshal record: %w", err)
	}
	digest := blake3.Sum256(body)
	return Message{
		Body:        body,
		ContentType: contentTypeJSON,
		MessageID:   p.newID(),
		Persistent:  true,
		Headers: map[string]string{
			HeaderBlobID:        t.RoutingKey,
			HeaderContentDigest: hex.EncodeToString(digest[:]),
		},
	}, nil
}
