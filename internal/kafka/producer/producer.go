package producer

import (
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
	clientID           = "record-import-transformer-status"
	topicCheckInterval = 30 * time.Second
	maxSendRetries     = 6
	sendRetryBackoff   = 250 * time.Millisecond
)

// ErrNoWritablePartitions is reported when the status topic exists but no
// partition currently has a leader.
var ErrNoWritablePartitions = errors.New("kafka producer: status topic has no writable partitions")

// topicClient is the part of sarama.Client used to judge readiness.
type topicClient interface {
	RefreshMetadata(topics ...string) error
	WritablePartitions(topic string) ([]int32, error)
	Close() error
}

// Producer publishes batch status events to a single topic. It is ready while
// that topic has at least one partition with a leader.
type Producer struct {
	logger zerolog.Logger
	topic  string

	client topicClient
	sender sarama.SyncProducer

	ready atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New connects to brokers and binds the producer to topic.
func New(brokers []string, topic string, logger zerolog.Logger) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer: at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("kafka producer: topic is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	client, err := sarama.NewClient(brokers, statusConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka producer: create client: %w", err)
	}
	sender, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka producer: create sync producer: %w", err)
	}

	p := newProducer(client, sender, topic, logger)
	if err := p.checkTopic(); err != nil {
		p.logger.Error().Err(err).Msg("kafka producer: status topic not ready")
	}

	p.wg.Add(1)
	go p.watchTopic(topicCheckInterval)
	return p, nil
}

func newProducer(client topicClient, sender sarama.SyncProducer, topic string, logger zerolog.Logger) *Producer {
	return &Producer{
		logger: logger.With().Str("topic", topic).Logger(),
		topic:  topic,
		client: client,
		sender: sender,
		stopCh: make(chan struct{}),
	}
}

// Topic returns the topic the producer writes to.
func (p *Producer) Topic() string {
	return p.topic
}

// Publish sends one event keyed by key and waits until every in-sync
// replica has it.
func (p *Producer) Publish(key []byte, headers map[string][]byte, payload []byte) (int32, int64, error) {
	msg := &sarama.ProducerMessage{
		Topic:   p.topic,
		Value:   sarama.ByteEncoder(payload),
		Headers: recordHeaders(headers),
	}
	if len(key) > 0 {
		msg.Key = sarama.ByteEncoder(key)
	}

	partition, offset, err := p.sender.SendMessage(msg)
	if err != nil {
		p.ready.Store(false)
		return 0, 0, fmt.Errorf("kafka producer: publish to %s: %w", p.topic, err)
	}

	p.ready.Store(true)
	p.logger.Debug().
		Str("key", string(key)).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("status event acknowledged")
	return partition, offset, nil
}

// IsReady reports whether the last topic check or publish succeeded.
func (p *Producer) IsReady() bool {
	return p.ready.Load()
}

// Close stops the topic watcher and releases the Sarama resources.
func (p *Producer) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	var errs []error
	if err := p.sender.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// checkTopic refreshes metadata for the status topic only and updates
// readiness from its partition leadership.
func (p *Producer) checkTopic() error {
	err := p.client.RefreshMetadata(p.topic)
	if err == nil {
		var partitions []int32
		partitions, err = p.client.WritablePartitions(p.topic)
		if err == nil && len(partitions) == 0 {
			err = ErrNoWritablePartitions
		}
	}
	p.ready.Store(err == nil)
	return err
}

func (p *Producer) watchTopic(interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.checkTopic(); err != nil {
				p.logger.Error().Err(err).Msg("kafka producer: status topic check failed")
			}
		}
	}
}

func recordHeaders(headers map[string][]byte) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: append([]byte(nil), v...)})
	}
	return out
}

// statusConfig favours durability over latency: each batch produces one
// event and it must not be lost or duplicated.
func statusConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = maxSendRetries
	cfg.Producer.Retry.Backoff = sendRetryBackoff
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.MaxOpenRequests = 1
	cfg.Metadata.Full = false
	cfg.Metadata.RefreshFrequency = topicCheckInterval
	return cfg
}
