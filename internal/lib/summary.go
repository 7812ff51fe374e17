package lib

// Summary is the single end-of-test record handed to every sink and to the
// report writer. All derived values are computed once by the metrics
// collector; sinks only format them.
type Summary struct {
	TestName string `json:"test_name"`

	// StartTime and EndTime are nanoseconds since the epoch.
	StartTime      int64   `json:"start_time"`
	EndTime        int64   `json:"end_time"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`

	TotalRequests   int64 `json:"total_requests"`
	SuccessRequests int64 `json:"success_requests"`
	FailedRequests  int64 `json:"failed_requests"`

	// SuccessRate is 100*success/total, 0 for an empty run.
	SuccessRate float64 `json:"success_rate"`

	// AvgMS averages successful durations; Min/Max track successes too.
	AvgMS float64 `json:"avg_ms"`
	MinMS float64 `json:"min_ms"`
	MaxMS float64 `json:"max_ms"`

	// Percentiles maps "p50".."p99.99" to milliseconds, estimated from the
	// collector's reservoir sample.
	Percentiles map[string]float64 `json:"percentiles"`

	RPS            float64 `json:"rps"`
	BytesPerSecond float64 `json:"bytes_per_second"`

	StatusDistribution map[int]int64    `json:"status_distribution"`
	ErrorDistribution  map[string]int64 `json:"error_distribution"`

	// ErrorDetails is sorted by count, descending.
	ErrorDetails []ErrorDetail `json:"error_details"`

	// StepStats is keyed "scenario/step".
	StepStats map[string]*StepStats `json:"step_statistics"`

	// VURampUp lists VU creations in the order the pattern made them.
	VURampUp []VUStartEvent `json:"vu_ramp_up"`

	// Timeline is bucketed at 5-second intervals.
	Timeline []TimelineBucket `json:"timeline"`

	// Thresholds carries pass/fail verdicts when the plan declares any.
	Thresholds []ThresholdResult `json:"thresholds,omitempty"`
}

// ErrorDetail is one grouped failure: identical (scenario, step, status,
// message) combinations collapse into a single entry with a count.
type ErrorDetail struct {
	Scenario  string `json:"scenario"`
	StepName  string `json:"step_name"`
	Status    int    `json:"status,omitempty"`
	Message   string `json:"message"`
	Count     int64  `json:"count"`
	FirstSeen int64  `json:"first_seen"`
}

// StepStats is the per-step breakdown computed from stored results.
type StepStats struct {
	Scenario string  `json:"scenario"`
	StepName string  `json:"step_name"`
	Count    int64   `json:"count"`
	Success  int64   `json:"success"`
	Failed   int64   `json:"failed"`
	AvgMS    float64 `json:"avg_ms"`
	MinMS    float64 `json:"min_ms"`
	MaxMS    float64 `json:"max_ms"`
	P50MS    float64 `json:"p50_ms"`
	P95MS    float64 `json:"p95_ms"`
}

// VUStartEvent records one VU creation.
type VUStartEvent struct {
	VUID      int   `json:"vu_id"`
	Timestamp int64 `json:"timestamp"`
}

// TimelineBucket aggregates activity within one 5-second window.
type TimelineBucket struct {
	// Start is the bucket's opening edge in nanoseconds since the epoch.
	Start int64 `json:"start"`

	// ActiveVUs counts VU starts at or before the bucket's opening edge.
	ActiveVUs   int     `json:"active_vus"`
	Requests    int64   `json:"requests"`
	AvgRTMS     float64 `json:"avg_rt_ms"`
	SuccessRate float64 `json:"success_rate"`
	Throughput  float64 `json:"throughput"`
}

// ThresholdResult is the verdict for one declared threshold expression.
type ThresholdResult struct {
	Expression string  `json:"expression"`
	Metric     string  `json:"metric"`
	Passed     bool    `json:"passed"`
	Actual     float64 `json:"actual"`
}
