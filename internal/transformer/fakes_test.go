package transformer_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/example/record-import-transformer/internal/models"
	"github.com/example/record-import-transformer/internal/transformer"
)

// fakeBroker records every broker operation in order. failOn maps an
// operation name to the error it should return; publishFailAt makes the n-th
// publish (1-based) fail.
type fakeBroker struct {
	mu            sync.Mutex
	ops           []string
	published     []transformer.Message
	failOn        map[string]error
	publishFailAt int
	publishes     int
	dials         int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{failOn: map[string]error{}}
}

func (b *fakeBroker) record(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, op)
	return b.failOn[op]
}

func (b *fakeBroker) Dial(_ context.Context, url string) (transformer.Connection, error) {
	b.mu.Lock()
	b.dials++
	b.mu.Unlock()
	if err := b.record("dial " + url); err != nil {
		return nil, err
	}
	return &fakeConn{broker: b}, nil
}

func (b *fakeBroker) opsCopy() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ops...)
}

func (b *fakeBroker) count(op string) int {
	n := 0
	for _, o := range b.opsCopy() {
		if o == op {
			n++
		}
	}
	return n
}

type fakeConn struct {
	broker *fakeBroker
}

func (c *fakeConn) Channel() (transformer.Channel, error) {
	if err := c.broker.record("channel"); err != nil {
		return nil, err
	}
	return &fakeChannel{broker: c.broker}, nil
}

func (c *fakeConn) Close() error {
	return c.broker.record("connection.close")
}

type fakeChannel struct {
	broker *fakeBroker
}

func (c *fakeChannel) AssertQueue(name string, durable bool) error {
	return c.broker.record(fmt.Sprintf("assertQueue %s durable=%t", name, durable))
}

func (c *fakeChannel) AssertExchange(name, kind string, autoDelete bool) error {
	return c.broker.record(fmt.Sprintf("assertExchange %s %s autoDelete=%t", name, kind, autoDelete))
}

func (c *fakeChannel) BindQueue(queue, exchange, key string) error {
	return c.broker.record(fmt.Sprintf("bind %s %s %s", queue, exchange, key))
}

func (c *fakeChannel) UnbindQueue(queue, exchange, key string) error {
	return c.broker.record(fmt.Sprintf("unbind %s %s %s", queue, exchange, key))
}

func (c *fakeChannel) Publish(_ context.Context, exchange, key string, msg transformer.Message) error {
	b := c.broker
	b.mu.Lock()
	b.publishes++
	n := b.publishes
	b.mu.Unlock()
	if b.publishFailAt > 0 && n == b.publishFailAt {
		return errors.New("channel closed by broker")
	}
	if err := b.record(fmt.Sprintf("publish %s %s", exchange, key)); err != nil {
		return err
	}
	b.mu.Lock()
	b.published = append(b.published, msg)
	b.mu.Unlock()
	return nil
}

func (c *fakeChannel) Close() error {
	return c.broker.record("channel.close")
}

// fakeAPI serves blob content from memory and records metadata updates.
type fakeAPI struct {
	mu        sync.Mutex
	content   []byte
	readErr   error
	streamErr error
	updateErr error
	updates   []models.BlobMetadataUpdate
	blobIDs   []string
	closed    bool
}

func (a *fakeAPI) ReadBlobContent(_ context.Context, blobID string) (io.ReadCloser, error) {
	if a.readErr != nil {
		return nil, a.readErr
	}
	var r io.Reader = bytes.NewReader(a.content)
	if a.streamErr != nil {
		r = io.MultiReader(r, failingReader{err: a.streamErr})
	}
	return &trackingReader{Reader: r, api: a}, nil
}

func (a *fakeAPI) UpdateBlobMetadata(_ context.Context, blobID string, update models.BlobMetadataUpdate) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blobIDs = append(a.blobIDs, blobID)
	a.updates = append(a.updates, update)
	return a.updateErr
}

type failingReader struct {
	err error
}

func (r failingReader) Read([]byte) (int, error) {
	return 0, r.err
}

type trackingReader struct {
	io.Reader
	api *fakeAPI
}

func (r *trackingReader) Close() error {
	r.api.mu.Lock()
	defer r.api.mu.Unlock()
	r.api.closed = true
	return nil
}

// stringRecords reads a JSON array of strings.
var stringRecords = transformer.TransformerFunc(func(_ context.Context, r io.Reader) ([]any, error) {
	var values []string
	if err := json.NewDecoder(r).Decode(&values); err != nil {
		return nil, err
	}
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out, nil
})

// failPrefixed fails every record whose value starts with "bad".
var failPrefixed = transformer.ValidatorFunc(func(_ context.Context, record any, _ transformer.ValidateOptions) (transformer.ValidationResult, error) {
	s, _ := record.(string)
	if len(s) >= 3 && s[:3] == "bad" {
		return transformer.ValidationResult{Record: record, Valid: false, Report: []any{"bad record"}}, nil
	}
	return transformer.ValidationResult{Record: record, Valid: true}, nil
})

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
