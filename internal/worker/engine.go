package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/record-import-transformer/internal/models"
	"github.com/example/record-import-transformer/internal/transformer"
)

// Config contains the runtime settings for job consumption and caller level
// retries.
type Config struct {
	MsgMaxBytes       int
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	WorkerConcurrency int
}

// Record is a job message delivered to the engine, decoupled from the
// concrete consumer.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte

	commitFn func(context.Context) error
}

// Clone returns a deep copy of the record so it can be handed to a goroutine.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	clone := *r
	clone.Key = cloneBytes(r.Key)
	clone.Value = cloneBytes(r.Value)
	clone.Headers = cloneHeaders(r.Headers)
	return &clone
}

func (r *Record) setCommitFn(fn func(context.Context) error) {
	r.commitFn = fn
}

// Runner runs one batch through the transformation pipeline.
type Runner interface {
	Run(ctx context.Context, batch transformer.Batch) (transformer.Result, error)
}

// StatusPublisher publishes batch lifecycle events.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, event models.BatchStatusEvent) error
}

// Committer commits the offset of a handled record.
type Committer interface {
	Commit(ctx context.Context, record *Record) error
}

// CommitFunc adapts a function to the Committer interface.
type CommitFunc func(ctx context.Context, record *Record) error

// Commit implements Committer.
func (f CommitFunc) Commit(ctx context.Context, record *Record) error {
	return f(ctx, record)
}

// Dependencies collects the runtime collaborators required by the engine.
// StatusPublisher and Committer are optional; records built by the Kafka
// bridge carry their own commit function.
type Dependencies struct {
	Runner          Runner
	StatusPublisher StatusPublisher
	Committer       Committer
	Logger          zerolog.Logger
	Now             func() time.Time
	NewID           func() string
}

// Engine decodes transformation jobs, runs them with bounded concurrency and
// retries batches whose failure is retryable.
type Engine struct {
	cfg             Config
	runner          Runner
	statusPublisher StatusPublisher
	committer       Committer
	logger          zerolog.Logger

	semaphore *semaphore.Weighted

	now   func() time.Time
	newID func() string

	randMu sync.Mutex
	rnd    *rand.Rand
}

// NewEngine constructs a worker engine, validating configuration and
// dependencies.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if cfg.MaxAttempts < 1 {
		return nil, errors.New("worker: max attempts must be >= 1")
	}
	if cfg.WorkerConcurrency < 1 {
		return nil, errors.New("worker: worker concurrency must be >= 1")
	}
	if cfg.MsgMaxBytes < 0 {
		return nil, errors.New("worker: msg max bytes cannot be negative")
	}
	if cfg.BaseBackoff < 0 || cfg.MaxBackoff < 0 {
		return nil, errors.New("worker: backoff cannot be negative")
	}
	if deps.Runner == nil {
		return nil, errors.New("worker: runner dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "worker_engine").Logger()

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}

	return &Engine{
		cfg:             cfg,
		runner:          deps.Runner,
		statusPublisher: deps.StatusPublisher,
		committer:       deps.Committer,
		logger:          logger,
		semaphore:       semaphore.NewWeighted(int64(cfg.WorkerConcurrency)),
		now:             nowFunc,
		newID:           newID,
		rnd:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// HandleRecord checks the record size, decodes the job and starts processing
// it asynchronously. Malformed jobs are rejected and committed straight away.
// HandleRecord blocks while WorkerConcurrency jobs are in flight.
func (e *Engine) HandleRecord(ctx context.Context, record *Record) {
	if record == nil {
		return
	}

	if e.cfg.MsgMaxBytes > 0 && len(record.Value) > e.cfg.MsgMaxBytes {
		err := fmt.Errorf("payload exceeds maximum size: got %d bytes, limit %d bytes", len(record.Value), e.cfg.MsgMaxBytes)
		e.reject(ctx, record, models.TransformationJob{}, err)
		return
	}

	job, err := DecodeJob(record.Value)
	if err != nil {
		e.reject(ctx, record, job, err)
		return
	}

	if err := e.semaphore.Acquire(ctx, 1); err != nil {
		e.logger.Error().
			Str("blob_id", job.BlobID).
			Err(err).
			Msg("worker: failed to acquire concurrency semaphore")
		return
	}

	go e.processRecord(ctx, record.Clone(), job)
}

// Drain waits until every in-flight job has finished or ctx is done.
func (e *Engine) Drain(ctx context.Context) error {
	if err := e.semaphore.Acquire(ctx, int64(e.cfg.WorkerConcurrency)); err != nil {
		return fmt.Errorf("worker: drain: %w", err)
	}
	e.semaphore.Release(int64(e.cfg.WorkerConcurrency))
	return nil
}

// DecodeJob strictly decodes a transformation job and checks its required
// fields.
func DecodeJob(payload []byte) (models.TransformationJob, error) {
	var job models.TransformationJob

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&job); err != nil {
		return job, fmt.Errorf("invalid job payload: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return job, errors.New("invalid job payload: trailing data after job object")
	}

	job.BlobID = strings.TrimSpace(job.BlobID)
	job.Profile = strings.TrimSpace(job.Profile)

	var errs []error
	if job.BlobID == "" {
		errs = append(errs, errors.New("blob_id is required"))
	}
	if job.Profile == "" {
		errs = append(errs, errors.New("profile is required"))
	}
	if len(errs) > 0 {
		return job, fmt.Errorf("invalid job: %w", errors.Join(errs...))
	}
	return job, nil
}

func (e *Engine) reject(ctx context.Context, record *Record, job models.TransformationJob, err error) {
	if job.BlobID == "" {
		job.BlobID = string(record.Key)
	}
	e.logger.Warn().
		Str("blob_id", job.BlobID).
		Str("topic", record.Topic).
		Int64("offset", record.Offset).
		Err(err).
		Msg("worker: job rejected")

	event := e.newEvent(job, models.StatusEventRejected, 0)
	event.Error = err.Error()
	e.publishStatus(ctx, event)
	e.commitRecord(ctx, record)
}

func (e *Engine) processRecord(ctx context.Context, record *Record, job models.TransformationJob) {
	defer e.semaphore.Release(1)

	logger := e.logger.With().
		Str("blob_id", job.BlobID).
		Str("profile", job.Profile).
		Logger()

	if ctx.Err() != nil {
		logger.Warn().Msg("worker: context cancelled before processing began")
		return
	}

	batch := transformer.Batch{
		BlobID:         job.BlobID,
		Profile:        job.Profile,
		AbortOnInvalid: job.AbortOnInvalid,
		Fix:            job.Fix,
	}

	for attempt := 1; ; attempt++ {
		e.publishStatus(ctx, e.newEvent(job, models.StatusEventStarted, attempt))

		start := e.now()
		res, err := e.runner.Run(ctx, batch)
		attemptLog := logger.With().
			Int("attempt", attempt).
			Dur("duration", e.now().Sub(start)).
			Logger()

		if err == nil {
			eventType := models.StatusEventTransformed
			if res.Skipped {
				eventType = models.StatusEventSkipped
			}
			attemptLog.Info().
				Int("records", res.NumberOfRecords).
				Int("failed", res.Failed).
				Int("sent", res.Sent).
				Bool("skipped", res.Skipped).
				Msg("worker: batch finished")
			e.publishStatus(ctx, e.resultEvent(job, eventType, attempt, res, nil))
			e.commitRecord(ctx, record)
			return
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			attemptLog.Warn().Err(err).Msg("worker: context cancelled during batch; offset left unmarked for redelivery")
			return
		}

		if !transformer.Retryable(err) || attempt >= e.cfg.MaxAttempts {
			attemptLog.Error().
				Err(err).
				Str("phase", transformer.PhaseName(err)).
				Int("sent", res.Sent).
				Msg("worker: batch failed")
			e.publishStatus(ctx, e.resultEvent(job, models.StatusEventFailed, attempt, res, err))
			e.commitRecord(ctx, record)
			return
		}

		backoff := e.computeBackoff(attempt)
		attemptLog.Warn().
			Err(err).
			Str("phase", transformer.PhaseName(err)).
			Dur("backoff", backoff).
			Msg("worker: scheduling retry after transient error")

		if !e.wait(ctx, backoff) {
			logger.Warn().
				Int("attempt", attempt).
				Msg("worker: context cancelled while waiting for retry; job will be redelivered")
			return
		}
	}
}

func (e *Engine) newEvent(job models.TransformationJob, eventType string, attempt int) models.BatchStatusEvent {
	return models.BatchStatusEvent{
		EventID:   e.newID(),
		BlobID:    job.BlobID,
		Profile:   job.Profile,
		EventType: eventType,
		Attempt:   attempt,
		Timestamp: e.now(),
	}
}

func (e *Engine) resultEvent(job models.TransformationJob, eventType string, attempt int, res transformer.Result, err error) models.BatchStatusEvent {
	event := e.newEvent(job, eventType, attempt)
	event.State = string(res.State)
	event.NumberOfRecords = res.NumberOfRecords
	event.FailedRecords = res.Failed
	event.SentRecords = res.Sent
	if err != nil {
		event.Phase = transformer.PhaseName(err)
		event.Error = err.Error()
	}
	return event
}

func (e *Engine) computeBackoff(attempt int) time.Duration {
	if e.cfg.BaseBackoff <= 0 {
		return 0
	}

	multiplier := math.Pow(2, float64(attempt-1))
	raw := time.Duration(float64(e.cfg.BaseBackoff) * multiplier)
	if e.cfg.MaxBackoff > 0 && raw > e.cfg.MaxBackoff {
		raw = e.cfg.MaxBackoff
	}

	return e.fullJitter(raw)
}

func (e *Engine) fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}

	e.randMu.Lock()
	defer e.randMu.Unlock()

	return time.Duration(e.rnd.Int63n(int64(max) + 1))
}

func (e *Engine) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *Engine) publishStatus(ctx context.Context, event models.BatchStatusEvent) {
	if e.statusPublisher == nil {
		return
	}
	if err := e.statusPublisher.PublishStatus(ctx, event); err != nil {
		e.logger.Error().
			Str("blob_id", event.BlobID).
			Str("event", event.EventType).
			Err(err).
			Msg("worker: failed to publish status event")
	}
}

func (e *Engine) commitRecord(ctx context.Context, record *Record) {
	if record == nil {
		return
	}

	var err error
	switch {
	case record.commitFn != nil:
		err = record.commitFn(ctx)
	case e.committer != nil:
		err = e.committer.Commit(ctx, record)
	default:
		return
	}
	if err != nil {
		e.logger.Error().
			Str("topic", record.Topic).
			Int32("partition", record.Partition).
			Int64("offset", record.Offset).
			Err(err).
			Msg("worker: failed to commit record offset")
	}
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	clone := make([]byte, len(b))
	copy(clone, b)
	return clone
}

func cloneHeaders(headers map[string][]byte) map[string][]byte {
	if len(headers) == 0 {
		return nil
	}
	clone := make(map[string][]byte, len(headers))
	for k, v := range headers {
		clone[k] = cloneBytes(v)
	}
	return clone
}
