package lib

// Result is one measurable step execution. Results are immutable once
// produced: the VU builds one, hands it to the metrics collector, and never
// touches it again.
type Result struct {
	// ID uniquely identifies this result (UUID).
	ID string `json:"id"`

	// VUID is the 1-based virtual user id.
	VUID int `json:"vu_id"`

	// Iteration is the 0-based scenario loop iteration.
	Iteration int64 `json:"iteration"`

	// Scenario and StepName locate the step in the plan.
	Scenario string `json:"scenario"`
	StepName string `json:"step_name"`

	// Timestamp is the start of the step in nanoseconds since the epoch.
	Timestamp int64 `json:"timestamp"`

	// DurationMS is the wall time of the final attempt in milliseconds.
	DurationMS float64 `json:"duration_ms"`

	// Success is true iff Error is empty.
	Success bool `json:"success"`

	// Status is the protocol status code, when the handler reports one.
	Status int `json:"status,omitempty"`

	BytesSent     int64 `json:"bytes_sent,omitempty"`
	BytesReceived int64 `json:"bytes_received,omitempty"`

	// LatencyMS is time to first byte, when the handler reports it.
	LatencyMS float64 `json:"latency_first_byte_ms,omitempty"`

	// ConnectMS is connection establishment time, when reported.
	ConnectMS float64 `json:"connect_time_ms,omitempty"`

	// Error describes the failure; empty on success.
	Error string `json:"error,omitempty"`

	// ErrorKind classifies the failure: network, timeout, request, unknown.
	ErrorKind string `json:"error_kind,omitempty"`

	// Capture fields, populated only under the debug capture envelope.
	RequestBody     string            `json:"request_body,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
}
