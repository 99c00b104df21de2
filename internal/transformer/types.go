package transformer

import (
	"context"
	"io"

	"github.com/example/record-import-transformer/internal/models"
)

// Outcome is the normalized validation result for one record.
type Outcome = models.RecordOutcome

// ValidateOptions is passed to the validation function for every record. Fix
// allows the validator to correct a record; ValidateFixes asks it to validate
// the corrected record instead of the original one.
type ValidateOptions struct {
	Fix           bool
	ValidateFixes bool
}

// ValidationResult is what a validation function returns for a single record.
// Record may differ from the input record when a fix was applied.
type ValidationResult struct {
	Record any
	Valid  bool
	Report []any
}

// Validator validates a single record. An error means the validation itself
// could not run; an invalid record is reported through ValidationResult.Valid.
type Validator interface {
	Validate(ctx context.Context, record any, opts ValidateOptions) (ValidationResult, error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, record any, opts ValidateOptions) (ValidationResult, error)

// Validate implements Validator.
func (f ValidatorFunc) Validate(ctx context.Context, record any, opts ValidateOptions) (ValidationResult, error) {
	return f(ctx, record, opts)
}

// Transformer converts the raw blob content into an ordered sequence of
// records.
type Transformer interface {
	Transform(ctx context.Context, r io.Reader) ([]any, error)
}

// TransformerFunc adapts a function to the Transformer interface.
type TransformerFunc func(ctx context.Context, r io.Reader) ([]any, error)

// Transform implements Transformer.
func (f TransformerFunc) Transform(ctx context.Context, r io.Reader) ([]any, error) {
	return f(ctx, r)
}

// MetadataUpdater records batch level state in the metadata store.
type MetadataUpdater interface {
	UpdateBlobMetadata(ctx context.Context, blobID string, update models.BlobMetadataUpdate) error
}

// BlobAPI is the subset of the metadata API the pipeline consumes.
type BlobAPI interface {
	MetadataUpdater
	ReadBlobContent(ctx context.Context, blobID string) (io.ReadCloser, error)
}

// Message is a single broker message produced for a passed record.
type Message struct {
	Body        []byte
	ContentType string
	MessageID   string
	Headers     map[string]string
	Persistent  bool
}

// Channel captures the broker channel operations used while provisioning,
// publishing and tearing down a batch topology.
type Channel interface {
	AssertQueue(name string, durable bool) error
	AssertExchange(name, kind string, autoDelete bool) error
	BindQueue(queue, exchange, key string) error
	UnbindQueue(queue, exchange, key string) error
	Publish(ctx context.Context, exchange, key string, msg Message) error
	Close() error
}

// Connection is a broker connection owned by exactly one batch.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Dialer opens broker connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Connection, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, url string) (Connection, error) {
	return f(ctx, url)
}
