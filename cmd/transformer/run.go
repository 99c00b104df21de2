package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	kafkapublisher "github.com/example/record-import-transformer/internal/kafka/publisher"
	"github.com/example/record-import-transformer/internal/models"
	"github.com/example/record-import-transformer/internal/transformer"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		blobID         string
		profile        string
		abortOnInvalid bool
		fix            bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process a single batch and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if flags.Changed("blob-id") {
				a.cfg.Batch.BlobID = blobID
			}
			if flags.Changed("profile") {
				a.cfg.Batch.ProfileID = profile
			}
			if flags.Changed("abort-on-invalid") {
				a.cfg.Batch.AbortOnInvalid = abortOnInvalid
			}
			if flags.Changed("fix") {
				a.cfg.Validation.Fix = fix
			}
			if err := a.cfg.ValidateBatch(); err != nil {
				a.log.Error().Err(err).Msg("invalid batch configuration")
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runBatch(ctx)
		},
	}

	cmd.Flags().StringVar(&blobID, "blob-id", "", "blob to transform (overrides BLOB_ID)")
	cmd.Flags().StringVar(&profile, "profile", "", "import profile and target queue (overrides PROFILE_ID)")
	cmd.Flags().BoolVar(&abortOnInvalid, "abort-on-invalid", false, "skip publishing when any record fails validation")
	cmd.Flags().BoolVar(&fix, "fix", false, "let the validator correct records before publishing")
	return cmd
}

func (a *app) runBatch(ctx context.Context) error {
	pipeline, err := a.newPipeline()
	if err != nil {
		a.log.Error().Err(err).Msg("failed to initialise pipeline")
		return err
	}

	statusPublisher, prod, err := a.newStatusPublisher()
	if err != nil {
		a.log.Warn().Err(err).Msg("status events disabled: kafka producer unavailable")
	}
	defer a.closeProducer(prod)

	batch := transformer.Batch{
		BlobID:         a.cfg.Batch.BlobID,
		Profile:        a.cfg.Batch.ProfileID,
		AbortOnInvalid: a.cfg.Batch.AbortOnInvalid,
		Fix:            a.cfg.Validation.Fix,
	}

	res, runErr := pipeline.Run(ctx, batch)
	a.emitStatus(ctx, statusPublisher, batchEvent(batch, res, runErr))

	if runErr != nil {
		return runErr
	}
	a.log.Info().
		Str("blob_id", res.BlobID).
		Int("records", res.NumberOfRecords).
		Int("failed", res.Failed).
		Int("sent", res.Sent).
		Bool("skipped", res.Skipped).
		Msg("batch finished")
	return nil
}

func batchEvent(batch transformer.Batch, res transformer.Result, err error) models.BatchStatusEvent {
	event := models.BatchStatusEvent{
		EventID:         uuid.NewString(),
		BlobID:          batch.BlobID,
		Profile:         batch.Profile,
		EventType:       models.StatusEventTransformed,
		State:           string(res.State),
		Attempt:         1,
		NumberOfRecords: res.NumberOfRecords,
		FailedRecords:   res.Failed,
		SentRecords:     res.Sent,
		Timestamp:       time.Now().UTC(),
	}
	switch {
	case err != nil:
		event.EventType = models.StatusEventFailed
		event.Phase = transformer.PhaseName(err)
		event.Error = err.Error()
	case res.Skipped:
		event.EventType = models.StatusEventSkipped
	}
	return event
}

func (a *app) emitStatus(ctx context.Context, pub *kafkapublisher.StatusPublisher, event models.BatchStatusEvent) {
	if pub == nil {
		return
	}
	// The batch context may already be cancelled; the final event should
	// still go out.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := pub.PublishStatus(ctx, event); err != nil {
		a.log.Error().Err(err).Str("event", event.EventType).Msg("failed to publish status event")
	}
}
