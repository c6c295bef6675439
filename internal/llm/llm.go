// Package llm provides the streaming text-generation capability consumed by
// the host narrator and the AI agent runner. It abstracts the upstream
// vendor: callers get a channel of chunk events and cancel via context.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies how a stream terminated abnormally.
type ErrorKind string

const (
	ErrTimeout     ErrorKind = "TIMEOUT"
	ErrRateLimited ErrorKind = "RATE_LIMITED"
	ErrUpstream    ErrorKind = "UPSTREAM_ERROR"
	ErrCanceled    ErrorKind = "CANCELED"
)

// StreamError is returned on the terminal event of a failed stream.
type StreamError struct {
	Kind ErrorKind
	Err  error
}

func (e *StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm stream %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("llm stream %s", e.Kind)
}

func (e *StreamError) Unwrap() error { return e.Err }

// KindOf extracts the error kind, defaulting to UPSTREAM_ERROR.
func KindOf(err error) ErrorKind {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrUpstream
}

// ResponseFormat selects free text or constrained JSON-options output.
type ResponseFormat string

const (
	FormatFree        ResponseFormat = "FREE"
	FormatJSONOptions ResponseFormat = "JSON_OPTIONS"
)

// Options tune a single generation request.
type Options struct {
	Temperature float64
	MaxTokens   int
	Stop        []string
	System      string
	Format      ResponseFormat
}

// Event is one element of a generation stream. Exactly one terminal event is
// delivered per stream: Done set on clean completion, or Err set on failure.
type Event struct {
	Delta string
	Done  bool
	Err   error
}

// Streamer is the abstract streaming capability. Implementations must be safe
// for concurrent use; multiple streams may run in parallel. Canceling the
// context stops upstream token consumption promptly.
type Streamer interface {
	Generate(ctx context.Context, prompt string, opts Options) <-chan Event
}

// Collect drains a stream into the accumulated text, returning the partial
// text alongside the error when the stream fails midway.
func Collect(ch <-chan Event) (string, error) {
	var full string
	for ev := range ch {
		if ev.Err != nil {
			return full, ev.Err
		}
		full += ev.Delta
		if ev.Done {
			break
		}
	}
	return full, nil
}
