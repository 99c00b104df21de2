package records

import (
	"context"
	"strings"

	"github.com/example/record-import-transformer/internal/transformer"
)

// Diagnostic is one validation message attached to a failed record.
type Diagnostic struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// RequiredFieldsValidator accepts object records that carry a non-blank value
// for every configured field.
type RequiredFieldsValidator struct {
	fields []string
}

// NewRequiredFieldsValidator builds a validator for fields, dropping blanks
// and duplicates while keeping their order.
func NewRequiredFieldsValidator(fields ...string) *RequiredFieldsValidator {
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return &RequiredFieldsValidator{fields: out}
}

// Fields returns the required field names.
func (v *RequiredFieldsValidator) Fields() []string {
	return append([]string(nil), v.fields...)
}

// Validate implements transformer.Validator. With Fix the returned record has
// its top level string values trimmed; the corrected record is what gets
// checked only when ValidateFixes is also set.
func (v *RequiredFieldsValidator) Validate(ctx context.Context, record any, opts transformer.ValidateOptions) (transformer.ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return transformer.ValidationResult{}, err
	}

	obj, ok := record.(map[string]any)
	if !ok {
		return transformer.ValidationResult{
			Record: record,
			Valid:  false,
			Report: []any{Diagnostic{Message: "record is not an object"}},
		}, nil
	}

	out := obj
	checked := obj
	if opts.Fix {
		out = trimStrings(obj)
		if opts.ValidateFixes {
			checked = out
		}
	}

	report := make([]any, 0)
	for _, field := range v.fields {
		if msg := checkField(checked, field); msg != "" {
			report = append(report, Diagnostic{Field: field, Message: msg})
		}
	}

	return transformer.ValidationResult{
		Record: out,
		Valid:  len(report) == 0,
		Report: report,
	}, nil
}

func checkField(obj map[string]any, field string) string {
	val, ok := obj[field]
	switch {
	case !ok || val == nil:
		return "field is required"
	case isBlank(val):
		return "field must not be blank"
	default:
		return ""
	}
}

func isBlank(val any) bool {
	switch t := val.(type) {
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

func trimStrings(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, val := range obj {
		if s, ok := val.(string); ok {
			out[k] = strings.TrimSpace(s)
			continue
		}
		out[k] = val
	}
	return out
}
