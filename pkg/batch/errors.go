package batch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCollision is returned when creating a batch whose directory exists.
	ErrCollision = errors.New("batch: already exists")
	// ErrNotFound is returned when a batch directory does not exist.
	ErrNotFound = errors.New("batch: not found")
	// ErrAmbiguousID is returned when a bare unique id matches several batches.
	ErrAmbiguousID = errors.New("batch: ambiguous unique id")
	// ErrIllegalState is returned when an operation does not fit the batch's
	// lifecycle stage.
	ErrIllegalState = errors.New("batch: illegal state")
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("batch: invalid requests")
	// ErrNoRemoteID is returned when a backend upload yields no identifier.
	ErrNoRemoteID = errors.New("batch: upload returned no remote id")
)

// Failure is one request rejected by a provider.
type Failure struct {
	CustomID string
	Err      error
}

// ValidationError aggregates every request a provider rejected.
type ValidationError struct {
	Provider string
	Failures []Failure
}

func (e *ValidationError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%d invalid request(s) for %s:", len(e.Failures), e.Provider)
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "\n- %s: %v", f.CustomID, f.Err)
	}

	return b.String()
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
