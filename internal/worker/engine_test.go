package worker_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/record-import-transformer/internal/common"
	"github.com/example/record-import-transformer/internal/kafka/consumer"
	"github.com/example/record-import-transformer/internal/models"
	"github.com/example/record-import-transformer/internal/transformer"
	"github.com/example/record-import-transformer/internal/worker"
)

type runResult struct {
	res transformer.Result
	err error
}

type runnerStub struct {
	mu      sync.Mutex
	results []runResult
	batches []transformer.Batch
}

func (r *runnerStub) Run(_ context.Context, batch transformer.Batch) (transformer.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
	if len(r.results) == 0 {
		return transformer.Result{BlobID: batch.BlobID, State: transformer.StateDone}, nil
	}
	idx := len(r.batches) - 1
	if idx >= len(r.results) {
		idx = len(r.results) - 1
	}
	return r.results[idx].res, r.results[idx].err
}

func (r *runnerStub) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

type statusCollector struct {
	mu     sync.Mutex
	events []models.BatchStatusEvent
}

func (s *statusCollector) PublishStatus(_ context.Context, event models.BatchStatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *statusCollector) snapshot() []models.BatchStatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.BatchStatusEvent(nil), s.events...)
}

func newEngine(t *testing.T, cfg worker.Config, runner worker.Runner, status worker.StatusPublisher, commit worker.CommitFunc) *worker.Engine {
	t.Helper()
	now := time.Unix(0, 0).UTC()
	deps := worker.Dependencies{
		Runner:          runner,
		StatusPublisher: status,
		Logger:          zerolog.New(io.Discard),
		Now:             func() time.Time { return now },
		NewID:           func() string { return "evt" },
	}
	if commit != nil {
		deps.Committer = commit
	}
	engine, err := worker.NewEngine(cfg, deps)
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	return engine
}

func commitSignal() (worker.CommitFunc, <-chan *worker.Record) {
	ch := make(chan *worker.Record, 1)
	return func(_ context.Context, rec *worker.Record) error {
		ch <- rec
		return nil
	}, ch
}

func waitCommit(t *testing.T, ch <-chan *worker.Record) *worker.Record {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatalf("expected commit to be called")
		return nil
	}
}

func eventTypes(events []models.BatchStatusEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventType
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var defaultCfg = worker.Config{
	MsgMaxBytes:       1024,
	MaxAttempts:       3,
	WorkerConcurrency: 1,
}

func TestEngineHandleRecordSuccess(t *testing.T) {
	runner := &runnerStub{results: []runResult{{res: transformer.Result{
		BlobID:          "blob-1",
		State:           transformer.StateDone,
		NumberOfRecords: 3,
		Failed:          1,
		Passed:          2,
		Sent:            2,
	}}}}
	status := &statusCollector{}
	commit, committed := commitSignal()

	engine := newEngine(t, defaultCfg, runner, status, commit)
	engine.HandleRecord(context.Background(), &worker.Record{
		Topic: "transform.jobs",
		Key:   []byte("blob-1"),
		Value: []byte(`{"blob_id":"blob-1","profile":"marc21","fix":true}`),
	})
	waitCommit(t, committed)

	if runner.calls() != 1 {
		t.Fatalf("expected one run, got %d", runner.calls())
	}
	batch := runner.batches[0]
	if batch.BlobID != "blob-1" || batch.Profile != "marc21" || !batch.Fix || batch.AbortOnInvalid {
		t.Fatalf("unexpected batch %+v", batch)
	}

	events := status.snapshot()
	if !equalStrings(eventTypes(events), []string{models.StatusEventStarted, models.StatusEventTransformed}) {
		t.Fatalf("unexpected status order: %v", eventTypes(events))
	}
	final := events[1]
	if final.State != "done" || final.NumberOfRecords != 3 || final.FailedRecords != 1 || final.SentRecords != 2 {
		t.Fatalf("unexpected final event %+v", final)
	}
	if final.EventID != "evt" || final.Attempt != 1 {
		t.Fatalf("expected event id and attempt, got %+v", final)
	}
}

func TestEngineSkippedBatch(t *testing.T) {
	runner := &runnerStub{results: []runResult{{res: transformer.Result{
		State:   transformer.StateDone,
		Failed:  1,
		Skipped: true,
	}}}}
	status := &statusCollector{}
	commit, committed := commitSignal()

	engine := newEngine(t, defaultCfg, runner, status, commit)
	engine.HandleRecord(context.Background(), &worker.Record{
		Value: []byte(`{"blob_id":"blob-2","profile":"marc21","abort_on_invalid":true}`),
	})
	waitCommit(t, committed)

	events := status.snapshot()
	if got := eventTypes(events); !equalStrings(got, []string{models.StatusEventStarted, models.StatusEventSkipped}) {
		t.Fatalf("unexpected status order: %v", got)
	}
}

func TestEngineRejectsInvalidJobs(t *testing.T) {
	cases := []struct {
		name  string
		value string
	}{
		{"malformed", `{"blob_id":`},
		{"unknown_field", `{"blob_id":"b","profile":"p","channel":"email"}`},
		{"missing_profile", `{"blob_id":"b"}`},
		{"trailing_data", `{"blob_id":"b","profile":"p"}{}`},
		{"too_large", `{"blob_id":"` + string(make([]byte, 64)) + `","profile":"p"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &runnerStub{}
			status := &statusCollector{}
			commit, committed := commitSignal()

			cfg := defaultCfg
			cfg.MsgMaxBytes = 64
			engine := newEngine(t, cfg, runner, status, commit)
			engine.HandleRecord(context.Background(), &worker.Record{
				Key:   []byte("blob-key"),
				Value: []byte(tc.value),
			})
			waitCommit(t, committed)

			if runner.calls() != 0 {
				t.Fatalf("expected no run for rejected job")
			}
			events := status.snapshot()
			if len(events) != 1 || events[0].EventType != models.StatusEventRejected || events[0].Error == "" {
				t.Fatalf("expected one rejected event with error, got %+v", events)
			}
		})
	}
}

func TestEngineRetriesRetryableFailures(t *testing.T) {
	transient := &transformer.Error{
		Phase:  transformer.ErrProvisioning,
		BlobID: "blob-3",
		Err:    common.WrapTransient(errors.New("connection refused")),
	}
	runner := &runnerStub{results: []runResult{
		{res: transformer.Result{State: transformer.StateAborted}, err: transient},
		{res: transformer.Result{State: transformer.StateDone, NumberOfRecords: 1, Passed: 1, Sent: 1}},
	}}
	status := &statusCollector{}
	commit, committed := commitSignal()

	engine := newEngine(t, defaultCfg, runner, status, commit)
	engine.HandleRecord(context.Background(), &worker.Record{
		Value: []byte(`{"blob_id":"blob-3","profile":"marc21"}`),
	})
	waitCommit(t, committed)

	if runner.calls() != 2 {
		t.Fatalf("expected two runs, got %d", runner.calls())
	}
	events := status.snapshot()
	want := []string{models.StatusEventStarted, models.StatusEventStarted, models.StatusEventTransformed}
	if got := eventTypes(events); !equalStrings(got, want) {
		t.Fatalf("unexpected status order: %v", got)
	}
	if events[1].Attempt != 2 {
		t.Fatalf("expected second attempt, got %d", events[1].Attempt)
	}
}

func TestEngineDoesNotRetryPublishFailures(t *testing.T) {
	publishErr := &transformer.Error{
		Phase:  transformer.ErrPublish,
		BlobID: "blob-4",
		Sent:   5,
		Err:    common.WrapTransient(errors.New("channel closed")),
	}
	runner := &runnerStub{results: []runResult{
		{res: transformer.Result{State: transformer.StateAborted, NumberOfRecords: 10, Passed: 10, Sent: 5}, err: publishErr},
	}}
	status := &statusCollector{}
	commit, committed := commitSignal()

	engine := newEngine(t, defaultCfg, runner, status, commit)
	engine.HandleRecord(context.Background(), &worker.Record{
		Value: []byte(`{"blob_id":"blob-4","profile":"marc21"}`),
	})
	waitCommit(t, committed)

	if runner.calls() != 1 {
		t.Fatalf("expected a single run, got %d", runner.calls())
	}
	events := status.snapshot()
	final := events[len(events)-1]
	if final.EventType != models.StatusEventFailed || final.Phase != "publish" || final.SentRecords != 5 {
		t.Fatalf("unexpected failure event %+v", final)
	}
	if final.State != "aborted" {
		t.Fatalf("expected aborted state, got %q", final.State)
	}
}

func TestEngineStopsAfterMaxAttempts(t *testing.T) {
	readErr := &transformer.Error{
		Phase:  transformer.ErrRead,
		BlobID: "blob-5",
		Err:    common.WrapTransient(errors.New("api unavailable")),
	}
	runner := &runnerStub{results: []runResult{{res: transformer.Result{State: transformer.StateAborted}, err: readErr}}}
	status := &statusCollector{}
	commit, committed := commitSignal()

	cfg := defaultCfg
	cfg.MaxAttempts = 2
	engine := newEngine(t, cfg, runner, status, commit)
	engine.HandleRecord(context.Background(), &worker.Record{
		Value: []byte(`{"blob_id":"blob-5","profile":"marc21"}`),
	})
	waitCommit(t, committed)

	if runner.calls() != 2 {
		t.Fatalf("expected two runs, got %d", runner.calls())
	}
	events := status.snapshot()
	if final := events[len(events)-1]; final.EventType != models.StatusEventFailed || final.Phase != "read" {
		t.Fatalf("unexpected final event %+v", final)
	}
}

func TestEngineCancelledContextDefersCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &runnerStub{results: []runResult{{err: context.Canceled}}}
	status := &statusCollector{}
	commit, committed := commitSignal()

	engine := newEngine(t, defaultCfg, runner, status, commit)
	engine.HandleRecord(ctx, &worker.Record{
		Value: []byte(`{"blob_id":"blob-6","profile":"marc21"}`),
	})
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	if err := engine.Drain(drainCtx); err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}

	select {
	case <-committed:
		t.Fatalf("did not expect commit for cancelled job")
	default:
	}
}

func TestNewEngineValidation(t *testing.T) {
	if _, err := worker.NewEngine(worker.Config{MaxAttempts: 0, WorkerConcurrency: 1}, worker.Dependencies{Runner: &runnerStub{}}); err == nil {
		t.Fatalf("expected error for zero attempts")
	}
	if _, err := worker.NewEngine(worker.Config{MaxAttempts: 1, WorkerConcurrency: 0}, worker.Dependencies{Runner: &runnerStub{}}); err == nil {
		t.Fatalf("expected error for zero concurrency")
	}
	if _, err := worker.NewEngine(worker.Config{MaxAttempts: 1, WorkerConcurrency: 1}, worker.Dependencies{}); err == nil {
		t.Fatalf("expected error for missing runner")
	}
}

func TestDecodeJobTrimsIdentifiers(t *testing.T) {
	job, err := worker.DecodeJob([]byte(`{"blob_id":"  blob-7 ","profile":" marc21 "}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.BlobID != "blob-7" || job.Profile != "marc21" {
		t.Fatalf("unexpected job %+v", job)
	}
}

type consumerCommitter struct {
	mu      sync.Mutex
	records []*consumer.Record
	done    chan struct{}
}

func (c *consumerCommitter) Commit(_ context.Context, rec *consumer.Record) error {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
	close(c.done)
	return nil
}

func TestKafkaHandlerCommitsThroughConsumer(t *testing.T) {
	engine := newEngine(t, defaultCfg, &runnerStub{}, nil, nil)
	cons := &consumerCommitter{done: make(chan struct{})}

	handler := worker.KafkaHandler(engine, cons)
	rec := &consumer.Record{
		Topic:  "transform.jobs",
		Offset: 12,
		Value:  []byte(`{"blob_id":"blob-8","profile":"marc21"}`),
	}
	if err := handler(context.Background(), rec); err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	select {
	case <-cons.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected consumer commit")
	}
	if cons.records[0] != rec {
		t.Fatalf("expected the delivered record to be committed")
	}
}

func TestNewRecordFromConsumerCopies(t *testing.T) {
	rec := &consumer.Record{
		Topic:   "transform.jobs",
		Key:     []byte("k"),
		Value:   []byte("v"),
		Headers: map[string][]byte{"h": []byte("x")},
	}
	wr := worker.NewRecordFromConsumer(rec, nil)
	rec.Value[0] = 'z'
	rec.Headers["h"][0] = 'y'

	if string(wr.Value) != "v" || string(wr.Headers["h"]) != "x" {
		t.Fatalf("expected deep copy, got %+v", wr)
	}
	if worker.NewRecordFromConsumer(nil, nil) != nil {
		t.Fatalf("expected nil for nil record")
	}
}
