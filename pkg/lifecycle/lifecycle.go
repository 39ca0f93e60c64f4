// Package lifecycle defines the normalized batch status every backend maps its
// own vocabulary into, and the completion windows a batch may request.
package lifecycle

import "fmt"

// Status is the derived lifecycle stage of a batch. It is never persisted;
// it is recomputed from the remote-state history and the artifacts on disk.
type Status string

const (
	// Initializing: not uploaded yet, or no provider can be resolved.
	Initializing Status = "initializing"
	// Validating: uploaded, the backend is validating the input.
	Validating Status = "validating"
	// Registered: the backend accepted the batch but has not started it.
	Registered Status = "registered"
	InProgress Status = "in_progress"
	// Completed: finished remotely. Individual requests may still have failed.
	Completed Status = "completed"
	Cancelled Status = "cancelled"
	// Failed: the batch as a whole failed.
	Failed Status = "failed"
	// Downloaded: completed and the results artifact exists locally.
	Downloaded Status = "downloaded"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case Initializing, Validating, Registered, InProgress, Completed, Cancelled, Failed, Downloaded:
		return true
	}
	return false
}

// Pending reports whether the backend is still working on the batch, which is
// also when it can be cancelled.
func (s Status) Pending() bool {
	switch s {
	case Validating, Registered, InProgress:
		return true
	}
	return false
}

// String returns the underlying string value of the status.
func (s Status) String() string {
	return string(s)
}

// CompletionWindow is the time frame a backend is given to process a batch.
type CompletionWindow string

const (
	Hours24  CompletionWindow = "24h"
	Hours48  CompletionWindow = "48h"
	Hours72  CompletionWindow = "72h"
	Hours96  CompletionWindow = "96h"
	Hours120 CompletionWindow = "120h"
)

// DefaultCompletionWindow is used when a batch is created without one.
const DefaultCompletionWindow = Hours24

// ParseCompletionWindow validates s as a completion window. The empty string
// yields DefaultCompletionWindow.
func ParseCompletionWindow(s string) (CompletionWindow, error) {
	switch w := CompletionWindow(s); w {
	case "":
		return DefaultCompletionWindow, nil
	case Hours24, Hours48, Hours72, Hours96, Hours120:
		return w, nil
	default:
		return "", fmt.Errorf("lifecycle: invalid completion window %q", s)
	}
}
