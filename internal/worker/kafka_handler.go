package worker

import (
	"context"

	"github.com/example/record-import-transformer/internal/kafka/consumer"
)

// RecordCommitter commits consumer records.
type RecordCommitter interface {
	Commit(ctx context.Context, record *consumer.Record) error
}

// KafkaHandler returns a consumer.Handler that hands job records to the
// engine, committing through cons once the engine is done with them.
func KafkaHandler(engine *Engine, cons RecordCommitter) consumer.Handler {
	return func(ctx context.Context, rec *consumer.Record) error {
		if engine == nil || rec == nil {
			return nil
		}

		commitFn := func(context.Context) error { return nil }
		if cons != nil {
			commitFn = func(c context.Context) error {
				return cons.Commit(c, rec)
			}
		}

		engine.HandleRecord(ctx, NewRecordFromConsumer(rec, commitFn))
		return nil
	}
}
