package worker

import (
	"context"

	"github.com/example/record-import-transformer/internal/kafka/consumer"
)

// NewRecordFromConsumer converts a consumer record into a worker record bound
// to commit, which the engine calls once the job reached a terminal outcome.
func NewRecordFromConsumer(rec *consumer.Record, commit func(context.Context) error) *Record {
	if rec == nil {
		return nil
	}

	wr := &Record{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       cloneBytes(rec.Key),
		Value:     cloneBytes(rec.Value),
		Timestamp: rec.Timestamp,
		Headers:   cloneHeaders(rec.Headers),
	}
	if commit != nil {
		wr.setCommitFn(commit)
	}
	return wr
}
