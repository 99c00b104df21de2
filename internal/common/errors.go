package common

import (
	"errors"
	"fmt"
)

// ErrTransient and ErrPermanent are sentinel errors collaborators use when
// classifying failures of the metadata API and the message broker.
var (
	ErrTransient = errors.New("transient error")
	ErrPermanent = errors.New("permanent error")
)

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsTransient reports whether err was classified as transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
