// Package errors defines the failure taxonomy shared by scrapers, the
// persistence gateway and the dispatcher.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
)

// Kind classifies a scrape failure.
type Kind string

const (
	KindNetwork            Kind = "network"
	KindTimeout            Kind = "timeout"
	KindStructuralMismatch Kind = "structural_mismatch"
	KindValidation         Kind = "validation"
	KindPersistence        Kind = "persistence"
)

var (
	// ErrNotFound is returned by reads when the entity does not exist.
	ErrNotFound = stderrors.New("not found")
	// ErrJobNotFound is returned when no job matches the lookup.
	ErrJobNotFound = stderrors.New("job not found")
)

// ScraperError is a classified failure. Target is the target string
// ("category:fantasy") or URL it happened on.
type ScraperError struct {
	Kind    Kind
	Target  string
	Message string
	Err     error
}

func (e *ScraperError) Error() string {
	msg := fmt.Sprintf("%s error", e.Kind)
	if e.Target != "" {
		msg += " for " + e.Target
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ScraperError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether retrying the same job can succeed.
// Structural mismatches are retryable here; the dispatcher applies the
// tighter bound for them.
func (e *ScraperError) IsRetryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindStructuralMismatch, KindPersistence:
		return true
	}
	return false
}

// NewScraperError keeps the constructor shape used across the scrapers:
// anything not otherwise classified is a network problem.
func NewScraperError(target, message string, err error) *ScraperError {
	kind := KindNetwork
	if stderrors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &ScraperError{Kind: kind, Target: target, Message: message, Err: err}
}

// NewStructuralMismatch reports that an expected page container is absent.
func NewStructuralMismatch(target, selectorName, selector string) *ScraperError {
	return &ScraperError{
		Kind:    KindStructuralMismatch,
		Target:  target,
		Message: fmt.Sprintf("required element %q (%s) not found", selectorName, selector),
	}
}

// NewValidationError reports a record that breaks a domain rule.
func NewValidationError(target, message string, err error) *ScraperError {
	return &ScraperError{Kind: KindValidation, Target: target, Message: message, Err: err}
}

// NewPersistenceError reports a failed or refused write.
func NewPersistenceError(target, message string, err error) *ScraperError {
	return &ScraperError{Kind: KindPersistence, Target: target, Message: message, Err: err}
}

// KindOf extracts the kind of err. Context expiry maps to timeout and
// unclassified errors map to network.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *ScraperError
	if stderrors.As(err, &se) {
		return se.Kind
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNetwork
}

// IsRetryable reports whether err should lead to another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *ScraperError
	if stderrors.As(err, &se) {
		return se.IsRetryable()
	}
	return !stderrors.Is(err, context.Canceled)
}

// ValidateURL checks that a target URL is absolute http(s).
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return NewValidationError(raw, "invalid URL", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewValidationError(raw, "URL scheme must be http or https", nil)
	}
	if u.Host == "" {
		return NewValidationError(raw, "URL has no host", nil)
	}
	return nil
}
