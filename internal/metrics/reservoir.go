package metrics

import "math/rand"

// Reservoir maintains a fixed-capacity uniform random sample of durations.
// While the buffer has room every value is kept; once full, the n-th value
// replaces a uniformly random slot with probability capacity/n, which keeps
// the sample unbiased without unbounded memory.
//
// Callers must provide their own synchronization; the collector adds values
// under its ingest mutex.
type Reservoir struct {
	capacity int
	values   []float64
	rng      *rand.Rand
}

// NewReservoir creates a reservoir with the given capacity.
func NewReservoir(capacity int, seed int64) *Reservoir {
	return &Reservoir{
		capacity: capacity,
		values:   make([]float64, 0, capacity),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Add offers a value to the sample. seen is the total number of values
// observed so far, including this one.
func (r *Reservoir) Add(v float64, seen int64) {
	if len(r.values) < r.capacity {
		r.values = append(r.values, v)
		return
	}
	// Keep with probability capacity/seen, evicting a random slot.
	if r.rng.Float64() < float64(r.capacity)/float64(seen) {
		r.values[r.rng.Intn(r.capacity)] = v
	}
}

// Len returns the current sample size.
func (r *Reservoir) Len() int { return len(r.values) }

// Values returns a copy of the sample.
func (r *Reservoir) Values() []float64 {
	out := make([]float64, len(r.values))
	copy(out, r.values)
	return out
}
