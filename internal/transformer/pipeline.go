package transformer

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"

	"github.com/rs/zerolog"
)

// Settings holds construction time configuration for a Pipeline. Nothing in
// the pipeline reads process wide state.
type Settings struct {
	AMQPURL               string
	ValidationConcurrency int
}

// Dependencies collects the collaborators required by the pipeline.
type Dependencies struct {
	API         BlobAPI
	Dialer      Dialer
	Transformer Transformer
	Validator   Validator
	Logger      zerolog.Logger
}

// Batch identifies one run of the pipeline.
type Batch struct {
	BlobID         string
	Profile        string
	AbortOnInvalid bool
	Fix            bool
}

// Result summarises a batch. It is returned alongside errors too, carrying
// whatever counts were known when the batch stopped.
type Result struct {
	BlobID          string
	Profile         string
	State           State
	NumberOfRecords int
	Failed          int
	Passed          int
	Sent            int
	Skipped         bool
}

// Pipeline validates a blob's records, reports the batch to the metadata
// store and publishes the passed records to the profile queue. A Pipeline
// keeps no state between runs, so batches may run concurrently.
type Pipeline struct {
	settings    Settings
	api         BlobAPI
	dialer      Dialer
	transformer Transformer
	validator   Validator
	reporter    *Reporter
	publisher   *Publisher
	logger      zerolog.Logger
}

type run struct {
	state  State
	logger zerolog.Logger
}

// New constructs a Pipeline, validating settings and dependencies.
func New(settings Settings, deps Dependencies) (*Pipeline, error) {
	if strings.TrimSpace(settings.AMQPURL) == "" {
		return nil, errors.New("transformer: amqp url must be provided")
	}
	if deps.API == nil {
		return nil, errors.New("transformer: api dependency is required")
	}
	if deps.Dialer == nil {
		return nil, errors.New("transformer: dialer dependency is required")
	}
	if deps.Transformer == nil {
		return nil, errors.New("transformer: transformer dependency is required")
	}
	if deps.Validator == nil {
		return nil, errors.New("transformer: validator dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "pipeline").Logger()

	return &Pipeline{
		settings:    settings,
		api:         deps.API,
		dialer:      deps.Dialer,
		transformer: deps.Transformer,
		validator:   deps.Validator,
		reporter:    NewReporter(deps.API, logger),
		publisher:   NewPublisher(logger),
		logger:      logger,
	}, nil
}

// Run processes one batch. The metadata store is updated before anything is
// published; when AbortOnInvalid is set and a record failed, nothing is
// published and the broker is never contacted. Once the batch topology is
// provisioned it is always torn down, including when publishing fails.
//
// No step is retried. On error the returned Result is in StateAborted and the
// error is a *Error naming the failed phase.
func (p *Pipeline) Run(ctx context.Context, batch Batch) (Result, error) {
	res := Result{BlobID: batch.BlobID, Profile: batch.Profile, State: StateValidating}
	if strings.TrimSpace(batch.BlobID) == "" {
		return res, errors.New("transformer: blob id must be provided")
	}
	if strings.TrimSpace(batch.Profile) == "" {
		return res, errors.New("transformer: profile must be provided")
	}

	r := &run{
		state: StateValidating,
		logger: p.logger.With().
			Str("blob_id", batch.BlobID).
			Str("profile", batch.Profile).
			Logger(),
	}
	r.logger.Info().Bool("fix", batch.Fix).Msg("starting transformation")

	outcomes, err := p.collect(ctx, r, batch)
	if err != nil {
		return p.abort(r, res, err)
	}

	part := Partition(outcomes)
	res.NumberOfRecords = part.NumberOfRecords
	res.Failed = len(part.Failed)
	res.Passed = len(part.Passed)

	if err := p.reporter.Report(ctx, batch.BlobID, part); err != nil {
		return p.abort(r, res, phaseError(ErrReporting, batch.BlobID, 0, err))
	}
	r.transition(StateReported)
	r.logger.Info().
		Int("records", res.NumberOfRecords).
		Int("failed", res.Failed).
		Msg("transformation done")

	if batch.AbortOnInvalid && res.Failed > 0 {
		r.transition(StateSkipped)
		r.logger.Warn().
			Int("failed", res.Failed).
			Msg("batch contains invalid records; publishing skipped")
		r.transition(StateDone)
		res.Skipped = true
		res.State = r.state
		return res, nil
	}

	r.transition(StatePublishing)
	sent, err := p.publish(ctx, batch, part.Passed)
	res.Sent = sent
	if err != nil {
		return p.abort(r, res, err)
	}

	r.transition(StateDone)
	res.State = r.state
	r.logger.Info().
		Int("sent", sent).
		Str("queue", batch.Profile).
		Msg("batch published")
	return res, nil
}

// collect reads the blob, transforms it into records and validates them.
// Nothing here is externally visible.
func (p *Pipeline) collect(ctx context.Context, r *run, batch Batch) ([]Outcome, error) {
	content, err := p.api.ReadBlobContent(ctx, batch.BlobID)
	if err != nil {
		return nil, phaseError(ErrRead, batch.BlobID, 0, err)
	}
	defer func() {
		if err := content.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to close blob content")
		}
	}()

	stream := &contentReader{r: content}
	records, err := p.transformer.Transform(ctx, stream)
	if err != nil {
		if stream.err != nil {
			return nil, phaseError(ErrRead, batch.BlobID, 0, stream.err)
		}
		return nil, phaseError(ErrTransform, batch.BlobID, 0, err)
	}

	outcomes, err := RunValidation(ctx, p.validator, records, batch.Fix, p.settings.ValidationConcurrency)
	if err != nil {
		return nil, phaseError(ErrValidation, batch.BlobID, 0, err)
	}
	return outcomes, nil
}

// publish owns the broker connection and channel for the batch. After a
// successful provision the deferred teardown runs on every exit path.
func (p *Pipeline) publish(ctx context.Context, batch Batch, passed []Outcome) (sent int, err error) {
	topo := NewTopology(batch.Profile, batch.BlobID)

	conn, err := p.dialer.Dial(ctx, p.settings.AMQPURL)
	if err != nil {
		return 0, phaseError(ErrProvisioning, batch.BlobID, 0, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return 0, phaseError(ErrProvisioning, batch.BlobID, 0, errors.Join(err, Teardown(nil, conn, topo, false)))
	}
	if err := Provision(ctx, ch, topo); err != nil {
		return 0, phaseError(ErrProvisioning, batch.BlobID, 0, errors.Join(err, Teardown(ch, conn, topo, false)))
	}

	defer func() {
		var tdErr error
		if releaseErr := Teardown(ch, conn, topo, true); releaseErr != nil {
			tdErr = phaseError(ErrTeardown, batch.BlobID, sent, releaseErr)
		}
		if err != nil {
			err = phaseError(ErrPublish, batch.BlobID, sent, errors.Join(err, tdErr))
			return
		}
		err = tdErr
	}()

	return p.publisher.SendRecords(ctx, ch, topo, passed)
}

func (p *Pipeline) abort(r *run, res Result, err error) (Result, error) {
	r.transition(StateAborted)
	res.State = r.state
	r.logger.Error().
		Err(err).
		Str("phase", PhaseName(err)).
		Int("sent", res.Sent).
		Msg("batch aborted")
	return res, err
}

// contentReader remembers the first failure of the underlying blob stream so
// a broken download is reported as a read failure, not a transform failure.
type contentReader struct {
	r   io.Reader
	err error
}

func (c *contentReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	if err != nil && !errors.Is(err, io.EOF) && c.err == nil {
		c.err = err
	}
	return n, err
}
