package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// EmbeddingError wraps an embedding provider failure.
type EmbeddingError struct {
	Err       error
	Transient bool
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// IndexError wraps a vector index failure.
type IndexError struct {
	Err       error
	Transient bool
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("vector index: %v", e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

// PermanentError marks a task that must not be requeued: retrying the
// same message cannot succeed.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

func IsTransient(err error) bool {
	var ee *EmbeddingError
	if errors.As(err, &ee) {
		return ee.Transient
	}
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Transient
	}
	return !IsPermanent(err)
}

// classifyTransient guesses whether a provider error is worth retrying.
// Auth and malformed-request failures never heal on their own.
func classifyTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"api key", "unauthorized", "permission", "status code: 400", "status code: 401", "status code: 403", "invalid request"} {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	return true
}
