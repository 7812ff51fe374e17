package lib

// Sink consumes the result stream and the end-of-test summary. Sinks must
// tolerate concurrent WriteResult calls from the collector's flush loop; a
// sink error is logged and isolated, never propagated into the test.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string

	// Initialize opens connections or files. Called once before the test.
	Initialize() error

	WriteResult(r *Result) error

	WriteSummary(s *Summary) error

	// Finalize flushes and closes. Called once after the summary.
	Finalize() error
}
