package lib

import (
	"fmt"
	"strings"
)

// ErrorKind classifies handler failures for the error_kind result field.
type ErrorKind string

const (
	ErrorKindNetwork ErrorKind = "network"
	ErrorKindTimeout ErrorKind = "timeout"
	ErrorKindRequest ErrorKind = "request"
	ErrorKindUnknown ErrorKind = "unknown"
)

// TemplateError reports malformed helper syntax inside a placeholder. Other
// template misses are not errors; the token stays literal.
type TemplateError struct {
	Token   string
	Message string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template error in %q: %s", e.Token, e.Message)
}

// HandlerError wraps a protocol handler failure with its classification.
type HandlerError struct {
	Kind ErrorKind
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler error (%s): %v", e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// CheckError collects every failed check of one step attempt.
type CheckError struct {
	Failures []string
}

func (e *CheckError) Error() string {
	return "check failed: " + strings.Join(e.Failures, "; ")
}

// HookError reports a failed hook. It aborts the enclosing scope only when
// the hook sets continueOnError to an explicit false.
type HookError struct {
	Phase string
	Err   error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook %s failed: %v", e.Phase, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// SinkError reports an output-side failure. Sink errors are logged per sink
// and never abort a test.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// FatalError wraps an initialization failure surfaced from Runner.Run.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
