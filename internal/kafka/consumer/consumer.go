package consumer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

const (
	clientID         = "record-import-transformer-jobs"
	sessionTimeout   = 30 * time.Second
	heartbeat        = 3 * time.Second
	rebalanceTimeout = 60 * time.Second
	retryDelay       = time.Second
)

// ErrRecordNotCommittable is returned for records that were not delivered
// through a partition claim.
var ErrRecordNotCommittable = errors.New("kafka consumer: record missing session data")

// Handler is invoked for every job record, in partition order. It may return
// before the job finishes; the offset only advances once Commit is called.
type Handler func(ctx context.Context, record *Record) error

// Consumer reads transformation jobs as a member of a consumer group. Jobs of
// one partition may finish in any order, but the committed offset never moves
// past a job that has not finished, so an unfinished job is redelivered after
// a restart or rebalance.
type Consumer struct {
	logger zerolog.Logger

	group       sarama.ConsumerGroup
	flushOnMark bool
	errorsDone  chan struct{}

	ready atomic.Bool

	mu      sync.RWMutex
	handler Handler
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Record is one job message delivered by the consumer.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte

	message *sarama.ConsumerMessage
	claim   *claimTracker
	done    bool
}

// New joins groupID on brokers. With flushOnMark every advance of the marked
// offset is committed synchronously and auto-commit is disabled.
func New(brokers []string, groupID string, logger zerolog.Logger, flushOnMark bool) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka consumer: at least one broker is required")
	}
	if groupID == "" {
		return nil, errors.New("kafka consumer: group id is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	group, err := sarama.NewConsumerGroup(brokers, groupID, groupConfig(flushOnMark))
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: create consumer group: %w", err)
	}

	c := &Consumer{
		logger:      logger.With().Str("group_id", groupID).Logger(),
		group:       group,
		flushOnMark: flushOnMark,
		errorsDone:  make(chan struct{}),
	}
	go c.logGroupErrors()
	return c, nil
}

// Consume reads jobs from topics until ctx is cancelled or the group is
// closed, rejoining the group after recoverable errors.
func (c *Consumer) Consume(ctx context.Context, topics []string, handler Handler) error {
	if len(topics) == 0 {
		return errors.New("kafka consumer: at least one topic is required")
	}
	if handler == nil {
		return errors.New("kafka consumer: handler is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.handler = handler
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	defer c.wg.Done()

	for ctx.Err() == nil {
		err := c.group.Consume(ctx, topics, c)
		switch {
		case err == nil:
		case errors.Is(err, sarama.ErrClosedConsumerGroup):
			return nil
		default:
			c.logger.Error().Err(err).Strs("topics", topics).Msg("kafka consumer: consume error")
			select {
			case <-ctx.Done():
			case <-time.After(retryDelay):
			}
		}
	}
	return ctx.Err()
}

// Commit reports that the job in record has reached a terminal outcome.
// Committing a record twice is a no-op.
func (c *Consumer) Commit(_ context.Context, record *Record) error {
	if record == nil {
		return errors.New("kafka consumer: record is required")
	}
	if record.claim == nil || record.message == nil {
		return ErrRecordNotCommittable
	}
	record.claim.complete(record)
	return nil
}

// IsReady reports whether the consumer currently holds a group session.
func (c *Consumer) IsReady() bool {
	return c.ready.Load()
}

// Close leaves the group and waits for Consume to return.
func (c *Consumer) Close() error {
	c.mu.RLock()
	cancel := c.cancel
	c.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	err := c.group.Close()
	c.wg.Wait()
	<-c.errorsDone
	return err
}

// Setup implements sarama.ConsumerGroupHandler.
func (c *Consumer) Setup(session sarama.ConsumerGroupSession) error {
	c.ready.Store(true)
	c.logger.Info().
		Int32("generation", session.GenerationID()).
		Interface("claims", session.Claims()).
		Msg("kafka consumer joined group")
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	c.ready.Store(false)
	c.logger.Info().Msg("kafka consumer left group session")
	return nil
}

// ConsumeClaim implements sarama.ConsumerGroupHandler. Records are tracked in
// delivery order before the handler sees them.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	tracker := newClaimTracker(session, c.flushOnMark, c.logger.With().
		Str("topic", claim.Topic()).
		Int32("partition", claim.Partition()).
		Logger())

	for msg := range claim.Messages() {
		record := tracker.track(msg)
		if err := handler(session.Context(), record); err != nil {
			c.logger.Error().
				Err(err).
				Str("topic", msg.Topic).
				Int32("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Str("key", string(msg.Key)).
				Msg("kafka consumer: job handler error")
		}
	}

	if held := tracker.pendingCount(); held > 0 {
		tracker.logger.Info().Int("unfinished", held).Msg("claim released with unfinished jobs; they will be redelivered")
	}
	return nil
}

func (c *Consumer) logGroupErrors() {
	defer close(c.errorsDone)
	for err := range c.group.Errors() {
		if err != nil {
			c.logger.Error().Err(err).Msg("kafka consumer error")
		}
	}
}

// claimTracker marks offsets for one partition claim. Only the longest run
// of finished records at the head of the delivery queue is marked.
type claimTracker struct {
	session     sarama.ConsumerGroupSession
	flushOnMark bool
	logger      zerolog.Logger

	mu      sync.Mutex
	pending []*Record
}

func newClaimTracker(session sarama.ConsumerGroupSession, flushOnMark bool, logger zerolog.Logger) *claimTracker {
	return &claimTracker{session: session, flushOnMark: flushOnMark, logger: logger}
}

func (t *claimTracker) track(msg *sarama.ConsumerMessage) *Record {
	rec := &Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       cloneBytes(msg.Key),
		Value:     cloneBytes(msg.Value),
		Timestamp: msg.Timestamp,
		Headers:   fromHeaders(msg.Headers),
		message:   msg,
		claim:     t,
	}

	t.mu.Lock()
	t.pending = append(t.pending, rec)
	t.mu.Unlock()
	return rec
}

func (t *claimTracker) complete(rec *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec.done {
		return
	}
	rec.done = true

	n := 0
	for n < len(t.pending) && t.pending[n].done {
		n++
	}
	if n == 0 {
		t.logger.Debug().
			Int64("offset", rec.Offset).
			Int64("waiting_for", t.pending[0].Offset).
			Msg("job finished ahead of an earlier job; offset held back")
		return
	}

	last := t.pending[n-1]
	t.pending = append(t.pending[:0], t.pending[n:]...)

	t.session.MarkMessage(last.message, "")
	if t.flushOnMark {
		t.session.Commit()
	}
}

func (t *claimTracker) pendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func groupConfig(flushOnMark bool) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = clientID

	cfg.Consumer.Group.Session.Timeout = sessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = rebalanceTimeout
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	// A job published before the group first joined must still run.
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = !flushOnMark
	cfg.Consumer.Return.Errors = true
	return cfg
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	return append([]byte(nil), src...)
}

func fromHeaders(headers []*sarama.RecordHeader) map[string][]byte {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(headers))
	for _, h := range headers {
		if h == nil || len(h.Key) == 0 {
			continue
		}
		out[string(h.Key)] = cloneBytes(h.Value)
	}
	return out
}
