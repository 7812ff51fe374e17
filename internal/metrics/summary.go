package metrics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/stampedehq/stampede/internal/lib"
)

// timelineInterval is the summary timeline bucket width.
const timelineInterval = 5 * time.Second

// summaryPercentiles are the levels reported in every summary.
var summaryPercentiles = []float64{50, 90, 95, 99, 99.9, 99.99}

// buildSummary is a pure function over the collector's state. The reservoir
// is the canonical source for percentiles; the stored list only feeds the
// per-step breakdown and the timeline.
func buildSummary(
	testName string,
	stats runningStats,
	reservoir []float64,
	stored []*lib.Result,
	details []lib.ErrorDetail,
	vuStarts []lib.VUStartEvent,
	startNs, endNs int64,
) *lib.Summary {
	elapsed := float64(endNs-startNs) / float64(time.Second)
	if elapsed < 0 {
		elapsed = 0
	}

	s := &lib.Summary{
		TestName:           testName,
		StartTime:          startNs,
		EndTime:            endNs,
		ElapsedSeconds:     elapsed,
		TotalRequests:      stats.nTotal,
		SuccessRequests:    stats.nSuccess,
		FailedRequests:     stats.nFail,
		Percentiles:        computePercentiles(reservoir),
		StatusDistribution: stats.statusCounts,
		ErrorDistribution:  stats.errorCounts,
		ErrorDetails:       sortDetails(details),
		StepStats:          computeStepStats(stored),
		VURampUp:           vuStarts,
		Timeline:           computeTimeline(stored, vuStarts, startNs),
	}

	if stats.nTotal > 0 {
		s.SuccessRate = 100 * float64(stats.nSuccess) / float64(stats.nTotal)
	}
	if stats.nSuccess > 0 {
		s.AvgMS = stats.sumDuration / float64(stats.nSuccess)
	}
	if stats.minDuration >= 0 {
		s.MinMS = stats.minDuration
	}
	s.MaxMS = stats.maxDuration
	if elapsed > 0 {
		s.RPS = float64(stats.nTotal) / elapsed
		s.BytesPerSecond = float64(stats.bytesReceived) / elapsed
	}
	return s
}

// computePercentiles sorts a copy of the reservoir and reads each level at
// index ceil(p*N/100)-1.
func computePercentiles(reservoir []float64) map[string]float64 {
	out := make(map[string]float64, len(summaryPercentiles))
	if len(reservoir) == 0 {
		for _, p := range summaryPercentiles {
			out[percentileKey(p)] = 0
		}
		return out
	}

	sorted := make([]float64, len(reservoir))
	copy(sorted, reservoir)
	sort.Float64s(sorted)

	for _, p := range summaryPercentiles {
		out[percentileKey(p)] = percentileAt(sorted, p)
	}
	return out
}

func percentileKey(p float64) string {
	if p == math.Trunc(p) {
		return fmt.Sprintf("p%d", int(p))
	}
	return fmt.Sprintf("p%g", p)
}

// percentileAt reads level p from an already sorted sample.
func percentileAt(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(n)/100)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func sortDetails(details []lib.ErrorDetail) []lib.ErrorDetail {
	sort.Slice(details, func(i, j int) bool {
		if details[i].Count != details[j].Count {
			return details[i].Count > details[j].Count
		}
		return details[i].Message < details[j].Message
	})
	return details
}

func computeStepStats(stored []*lib.Result) map[string]*lib.StepStats {
	type group struct {
		stats     *lib.StepStats
		durations []float64
	}
	groups := make(map[string]*group)

	for _, r := range stored {
		key := r.Scenario + "/" + r.StepName
		g, ok := groups[key]
		if !ok {
			g = &group{stats: &lib.StepStats{
				Scenario: r.Scenario,
				StepName: r.StepName,
				MinMS:    math.MaxFloat64,
			}}
			groups[key] = g
		}

		g.stats.Count++
		if r.Success {
			g.stats.Success++
		} else {
			g.stats.Failed++
		}
		g.durations = append(g.durations, r.DurationMS)
		if r.DurationMS < g.stats.MinMS {
			g.stats.MinMS = r.DurationMS
		}
		if r.DurationMS > g.stats.MaxMS {
			g.stats.MaxMS = r.DurationMS
		}
	}

	out := make(map[string]*lib.StepStats, len(groups))
	for key, g := range groups {
		var sum float64
		for _, d := range g.durations {
			sum += d
		}
		g.stats.AvgMS = sum / float64(len(g.durations))
		sort.Float64s(g.durations)
		g.stats.P50MS = percentileAt(g.durations, 50)
		g.stats.P95MS = percentileAt(g.durations, 95)
		out[key] = g.stats
	}
	return out
}

// computeTimeline buckets stored results at 5-second intervals from the
// test start. Gaps between active buckets are emitted with zero requests so
// the series stays continuous.
func computeTimeline(stored []*lib.Result, vuStarts []lib.VUStartEvent, startNs int64) []lib.TimelineBucket {
	if len(stored) == 0 {
		return nil
	}

	interval := timelineInterval.Nanoseconds()

	type acc struct {
		requests int64
		success  int64
		sumRT    float64
	}
	accs := make(map[int64]*acc)
	var maxIdx int64
	for _, r := range stored {
		idx := (r.Timestamp - startNs) / interval
		if idx < 0 {
			idx = 0
		}
		if idx > maxIdx {
			maxIdx = idx
		}
		a, ok := accs[idx]
		if !ok {
			a = &acc{}
			accs[idx] = a
		}
		a.requests++
		if r.Success {
			a.success++
		}
		a.sumRT += r.DurationMS
	}

	buckets := make([]lib.TimelineBucket, 0, maxIdx+1)
	for idx := int64(0); idx <= maxIdx; idx++ {
		bucketStart := startNs + idx*interval
		b := lib.TimelineBucket{
			Start:     bucketStart,
			ActiveVUs: countStartsThrough(vuStarts, bucketStart),
		}
		if a, ok := accs[idx]; ok {
			b.Requests = a.requests
			b.AvgRTMS = a.sumRT / float64(a.requests)
			b.SuccessRate = 100 * float64(a.success) / float64(a.requests)
			b.Throughput = float64(a.requests) / timelineInterval.Seconds()
		}
		buckets = append(buckets, b)
	}
	return buckets
}

// countStartsThrough counts VU-start events with timestamp <= t. Events are
// recorded in creation order, so the list is already sorted.
func countStartsThrough(vuStarts []lib.VUStartEvent, t int64) int {
	return sort.Search(len(vuStarts), func(i int) bool {
		return vuStarts[i].Timestamp > t
	})
}
