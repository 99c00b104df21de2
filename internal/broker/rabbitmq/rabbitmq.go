package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/example/record-import-transformer/internal/common"
	"github.com/example/record-import-transformer/internal/transformer"
)

const (
	defaultDialTimeout    = 30 * time.Second
	defaultConnectionName = "record-import-transformer"
)

// ErrNacked is returned when the broker negatively acknowledges a publish.
var ErrNacked = errors.New("rabbitmq: publish not acknowledged by broker")

// Option customises the dialer during construction.
type Option func(*options)

type options struct {
	dialTimeout    time.Duration
	connectionName string
	confirms       bool
}

// WithDialTimeout overrides the TCP dial timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

// WithConnectionName sets the connection name shown in the broker management
// UI.
func WithConnectionName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.connectionName = name
		}
	}
}

// WithoutConfirms disables publisher confirms. Publishes then return once
// the frame is written instead of when the broker has accepted the message.
func WithoutConfirms() Option {
	return func(o *options) {
		o.confirms = false
	}
}

// Dialer opens AMQP 0-9-1 connections. Each dial returns a connection owned
// by a single batch.
type Dialer struct {
	logger zerolog.Logger
	opts   options
}

// NewDialer constructs a Dialer.
func NewDialer(logger zerolog.Logger, opts ...Option) *Dialer {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	settings := options{
		dialTimeout:    defaultDialTimeout,
		connectionName: defaultConnectionName,
		confirms:       true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	return &Dialer{logger: logger, opts: settings}
}

// Dial implements transformer.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (transformer.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(d.opts.connectionName)

	conn, err := amqp.DialConfig(url, amqp.Config{
		Properties: props,
		Dial:       amqp.DefaultDial(d.opts.dialTimeout),
	})
	if err != nil {
		return nil, common.WrapTransient(fmt.Errorf("rabbitmq: dial: %w", err))
	}

	d.logger.Debug().Msg("amqp connection established")
	return &connection{conn: conn, confirms: d.opts.confirms}, nil
}

type connection struct {
	conn     *amqp.Connection
	confirms bool
}

func (c *connection) Channel() (transformer.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, classify("open channel", err)
	}
	if c.confirms {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, classify("enable confirms", err)
		}
	}
	return &channel{ch: ch}, nil
}

func (c *connection) Close() error {
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return classify("close connection", err)
	}
	return nil
}

type channel struct {
	ch *amqp.Channel
}

func (c *channel) AssertQueue(name string, durable bool) error {
	if _, err := c.ch.QueueDeclare(name, durable, false, false, false, nil); err != nil {
		return classify("declare queue", err)
	}
	return nil
}

func (c *channel) AssertExchange(name, kind string, autoDelete bool) error {
	if err := c.ch.ExchangeDeclare(name, kind, true, autoDelete, false, false, nil); err != nil {
		return classify("declare exchange", err)
	}
	return nil
}

func (c *channel) BindQueue(queue, exchange, key string) error {
	if err := c.ch.QueueBind(queue, key, exchange, false, nil); err != nil {
		return classify("bind queue", err)
	}
	return nil
}

func (c *channel) UnbindQueue(queue, exchange, key string) error {
	if err := c.ch.QueueUnbind(queue, key, exchange, nil); err != nil {
		return classify("unbind queue", err)
	}
	return nil
}

func (c *channel) Publish(ctx context.Context, exchange, key string, msg transformer.Message) error {
	confirm, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, toPublishing(msg, time.Now()))
	if err != nil {
		return classify("publish", err)
	}
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq: wait for confirm: %w", err)
	}
	if !acked {
		return ErrNacked
	}
	return nil
}

func (c *channel) Close() error {
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return classify("close channel", err)
	}
	return nil
}

func toPublishing(msg transformer.Message, now time.Time) amqp.Publishing {
	mode := amqp.Transient
	if msg.Persistent {
		mode = amqp.Persistent
	}
	var headers amqp.Table
	if len(msg.Headers) > 0 {
		headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			headers[k] = v
		}
	}
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  msg.ContentType,
		DeliveryMode: mode,
		MessageId:    msg.MessageID,
		Timestamp:    now,
		Body:         msg.Body,
	}
}

// classify marks connection level and recoverable broker errors as transient.
func classify(action string, err error) error {
	wrapped := fmt.Errorf("rabbitmq: %s: %w", action, err)

	if errors.Is(err, amqp.ErrClosed) {
		return common.WrapTransient(wrapped)
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		if amqpErr.Recover {
			return common.WrapTransient(wrapped)
		}
		return common.WrapPermanent(wrapped)
	}
	return wrapped
}
