package transformer

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// RunValidation validates every record independently and returns one outcome
// per record in input order. With fix enabled the validator may correct
// records and is asked to validate the corrected version. concurrency bounds
// the number of validations in flight; zero or less means unbounded.
//
// If the validator fails for any record the whole run fails and no outcomes
// are returned.
func RunValidation(ctx context.Context, v Validator, records []any, fix bool, concurrency int) ([]Outcome, error) {
	if v == nil {
		return nil, errors.New("transformer: validator is required")
	}

	opts := ValidateOptions{Fix: fix, ValidateFixes: fix}
	outcomes := make([]Outcome, len(records))

	group, groupCtx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		group.SetLimit(concurrency)
	}

	for i, record := range records {
		i, record := i, record
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			result, err := v.Validate(groupCtx, record, opts)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			outcomes[i] = toOutcome(result)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func toOutcome(result ValidationResult) Outcome {
	messages := result.Report
	if messages == nil {
		messages = []any{}
	}
	return Outcome{
		Record:   result.Record,
		Failed:   !result.Valid,
		Messages: messages,
	}
}
