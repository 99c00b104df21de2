package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/record-import-transformer/internal/common"
	"github.com/example/record-import-transformer/internal/config"
	"github.com/example/record-import-transformer/internal/models"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 16 * 1024
)

// ErrBlobNotFound is returned when the API does not know the requested blob.
var ErrBlobNotFound = errors.New("blob not found")

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option customises the API client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used to talk to the API.
func WithHTTPClient(client HTTPClient) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithResponseHeaderTimeout overrides how long to wait for response headers.
// Reading the body of a blob is not bounded by it.
func WithResponseHeaderTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithErrorBodyLimit adjusts how many bytes of an error response are kept in
// the returned error.
func WithErrorBodyLimit(limit int64) Option {
	return func(c *Client) {
		if limit > 0 {
			c.maxBodyBytes = limit
		}
	}
}

// Client talks to the record import REST API that owns blob content and blob
// metadata.
type Client struct {
	logger       zerolog.Logger
	baseURL      string
	username     string
	password     string
	userAgent    string
	httpClient   HTTPClient
	timeout      time.Duration
	maxBodyBytes int64
}

// New constructs an API client from the supplied configuration.
func New(cfg config.APIConfig, logger zerolog.Logger, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.New("api client: url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("api client: invalid url: %w", err)
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		logger:       logger,
		baseURL:      base,
		username:     cfg.Username,
		password:     cfg.Password,
		userAgent:    cfg.UserAgent,
		timeout:      timeout,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		// Blob downloads stream for as long as the body takes, so only the
		// wait for headers is bounded here.
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = c.timeout
		c.httpClient = &http.Client{Transport: transport}
	}
	return c, nil
}

// ReadBlobContent streams the raw content of a blob. The caller must close
// the returned reader. Errors while reading the body are transient.
func (c *Client) ReadBlobContent(ctx context.Context, blobID string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, blobPath(blobID, "content"), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.WrapTransient(fmt.Errorf("api client: read blob content: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError("read blob content", resp)
	}

	c.logger.Debug().Str("blob_id", blobID).Msg("reading blob content")
	return &bodyReader{ReadCloser: resp.Body}, nil
}

// UpdateBlobMetadata posts the batch status for a blob.
func (c *Client) UpdateBlobMetadata(ctx context.Context, blobID string, update models.BlobMetadataUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("api client: marshal blob metadata: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, blobPath(blobID), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return common.WrapTransient(fmt.Errorf("api client: update blob metadata: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError("update blob metadata", resp)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, c.maxBodyBytes))
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("api client: new request: %w", err)
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

// statusError classifies a non-success response. Server side failures and
// throttling are transient; everything else is permanent.
func (c *Client) statusError(action string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	err := fmt.Errorf("api client: %s: http %d: %s", action, resp.StatusCode, message)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return common.WrapPermanent(fmt.Errorf("%w: %w", ErrBlobNotFound, err))
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return common.WrapTransient(err)
	default:
		return common.WrapPermanent(err)
	}
}

type bodyReader struct {
	io.ReadCloser
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = common.WrapTransient(fmt.Errorf("api client: read blob content: %w", err))
	}
	return n, err
}

func blobPath(blobID string, segments ...string) string {
	parts := append([]string{"blobs", url.PathEscape(blobID)}, segments...)
	return "/" + strings.Join(parts, "/")
}
