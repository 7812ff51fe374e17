package metrics

import (
	"testing"

	"github.com/stampedehq/stampede/internal/lib"
)

// Ingestion is the hottest path in the engine: every measurable step of
// every VU lands here. The benchmarks use no sinks or files so they measure
// the critical section and reservoir, not I/O.

func BenchmarkRecordResult(b *testing.B) {
	c := newTestCollector(Config{BatchSize: 1000})
	c.Start()
	defer c.Finalize()

	results := benchResults()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.RecordResult(results[i%len(results)])
	}
}

func BenchmarkRecordResultParallel(b *testing.B) {
	c := newTestCollector(Config{BatchSize: 1000})
	c.Start()
	defer c.Finalize()

	results := benchResults()

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			c.RecordResult(results[i%len(results)])
			i++
		}
	})
}

func BenchmarkGetSummary(b *testing.B) {
	c := newTestCollector(Config{BatchSize: 1000})
	results := benchResults()
	for i := 0; i < 10000; i++ {
		c.RecordResult(results[i%len(results)])
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.GetSummary()
	}
}

func benchResults() []*lib.Result {
	durations := []float64{2, 8, 15, 40, 120}
	out := make([]*lib.Result, 0, len(durations)+1)
	for vu, d := range durations {
		out = append(out, successResult(vu+1, d))
	}
	out = append(out, failedResult("connection refused", 0))
	return out
}
