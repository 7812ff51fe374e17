package lib

import (
	"context"

	"github.com/stampedehq/stampede/internal/plan"
)

// StepHandler executes one protocol's steps. Implementations live outside
// the engine core; the engine only depends on this contract.
//
// Execute receives the step already rendered (every string field resolved
// against the VU context). The returned response is the raw protocol
// verdict; checks, extractions, and timeout detection run afterwards in the
// step executor.
type StepHandler interface {
	// Type is the step type this handler serves, e.g. "rest".
	Type() string

	Execute(ctx context.Context, step *plan.Step, vuctx *VUContext) (*HandlerResponse, error)
}

// HandlerInitializer is implemented by handlers that need setup before the
// test starts. The debug envelope controls response/request capture.
type HandlerInitializer interface {
	Initialize(debug plan.DebugConfig) error
}

// HandlerCleaner is implemented by handlers that hold process-wide
// resources.
type HandlerCleaner interface {
	Cleanup() error
}

// VUCleaner is implemented by handlers that hold per-VU resources (browser
// pages, sessions). The VU's stop path calls it and waits for it.
type VUCleaner interface {
	CleanupVU(vuID int) error
}

// HandlerResponse is the protocol handler's verdict for one attempt.
type HandlerResponse struct {
	Success bool

	// Status is the protocol status code, when the protocol has one.
	Status int

	// DurationMS is the attempt's wall time as measured by the handler.
	DurationMS float64

	BytesSent     int64
	BytesReceived int64

	// LatencyMS is time to first byte; ConnectMS is connection setup time.
	LatencyMS float64
	ConnectMS float64

	// Data carries handler-specific values for custom checks.
	Data map[string]interface{}

	// Error describes the failure; empty on success.
	Error string

	// ErrorKind classifies the failure for the error taxonomy.
	ErrorKind ErrorKind

	// RawBody and RawHeaders feed checks and extractions. RequestBody is
	// kept only for the debug capture envelope.
	RawBody     []byte
	RawHeaders  map[string]string
	RequestBody string
}
