package transformer

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/record-import-transformer/internal/models"
)

// Reporter sends the single batch status update to the metadata store.
type Reporter struct {
	client MetadataUpdater
	logger zerolog.Logger
}

// NewReporter constructs a Reporter using the supplied metadata client.
func NewReporter(client MetadataUpdater, logger zerolog.Logger) *Reporter {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Reporter{client: client, logger: logger}
}

// Report records the batch as transformed along with its total and failed
// records. It is called exactly once per batch, whether or not the passed
// records are published afterwards.
func (r *Reporter) Report(ctx context.Context, blobID string, p Partitioned) error {
	if r == nil || r.client == nil {
		return errors.New("transformer: metadata client not initialised")
	}

	failed := p.Failed
	if failed == nil {
		failed = []Outcome{}
	}
	update := models.BlobMetadataUpdate{
		State:           models.BlobStateTransformed,
		NumberOfRecords: p.NumberOfRecords,
		FailedRecords:   failed,
	}

	if err := r.client.UpdateBlobMetadata(ctx, blobID, update); err != nil {
		return fmt.Errorf("transformer: update blob metadata: %w", err)
	}

	r.logger.Info().
		Str("blob_id", blobID).
		Int("records", update.NumberOfRecords).
		Int("failed", len(update.FailedRecords)).
		Msg("blob metadata updated")
	return nil
}
