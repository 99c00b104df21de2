// Package records holds the default record decoding and validation
// strategies used by the transformer binary.
package records

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode"
)

const ctxCheckInterval = 256

// JSONTransformer decodes blob content that is either one JSON array of
// records or a stream of newline delimited JSON values. Numbers are kept as
// json.Number so identifiers survive untouched.
type JSONTransformer struct{}

// Transform implements transformer.Transformer.
func (JSONTransformer) Transform(ctx context.Context, r io.Reader) ([]any, error) {
	br := bufio.NewReader(r)

	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return []any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("records: read content: %w", err)
	}

	dec := json.NewDecoder(br)
	dec.UseNumber()

	if first == '[' {
		return decodeArray(ctx, dec)
	}
	return decodeStream(ctx, dec)
}

func decodeArray(ctx context.Context, dec *json.Decoder) ([]any, error) {
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("records: decode array: %w", err)
	}

	out := []any{}
	for dec.More() {
		if len(out)%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("records: decode record %d: %w", len(out), err)
		}
		out = append(out, v)
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("records: decode array: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("records: unexpected data after array")
	}
	return out, nil
}

func decodeStream(ctx context.Context, dec *json.Decoder) ([]any, error) {
	out := []any{}
	for {
		if len(out)%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		var v any
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("records: decode record %d: %w", len(out), err)
		}
		out = append(out, v)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if !unicode.IsSpace(rune(b)) {
			if err := br.UnreadByte(); err != nil {
				return 0, err
			}
			return b, nil
		}
	}
}
