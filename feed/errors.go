package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// FetchError reports that a single source could not be fetched.
type FetchError struct {
	Source    string
	Err       error
	Permanent bool
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch source %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StatusError is returned when a source answers with a non-200 status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %d", e.Code)
}

// ParseError is returned when a source response cannot be decoded.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse response: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// isPermanent reports whether retrying err cannot help: client errors
// other than 429 and undecodable responses.
func isPermanent(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500 {
			return false
		}
		return statusErr.Code >= 400
	}
	var parseErr *ParseError
	return errors.As(err, &parseErr)
}

type backoff struct {
	attempts int
	base     time.Duration
	max      time.Duration
}

// retry calls fn until it succeeds, fails permanently, runs out of
// attempts or ctx is done. The delay doubles after every failure.
func retry[T any](ctx context.Context, b backoff, source string, fn func() (T, error)) (T, error) {
	var zero T
	attempts := b.attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := b.base

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err

		if isPermanent(err) || ctx.Err() != nil || attempt == attempts {
			break
		}

		slog.Warn("fetch failed, retrying",
			"source", source,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if b.max > 0 && delay > b.max {
			delay = b.max
		}
	}
	return zero, lastErr
}
