package pattern

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/stampedehq/stampede/internal/clock"
	"github.com/stampedehq/stampede/internal/plan"
)

// Stepping walks a staircase of VU counts. Each tread scales the live VU
// count to its users value over its rampUp, then holds for its duration.
// Scaling down stops the most recently created VUs first; the remaining VUs
// keep executing scenarios through ramps and holds.
type Stepping struct {
	log logrus.FieldLogger
}

var _ Pattern = (*Stepping)(nil)

// Name implements Pattern.
func (s *Stepping) Name() string { return plan.PatternStepping }

// Run implements Pattern.
func (s *Stepping) Run(ctx context.Context, phase plan.LoadPhase, pool *Pool) error {
	log := s.log.WithFields(logrus.Fields{
		"pattern": plan.PatternStepping,
		"steps":   len(phase.Steps),
	})
	log.Info("phase started")

	for i, tread := range phase.Steps {
		if ctx.Err() != nil {
			break
		}
		treadLog := log.WithFields(logrus.Fields{
			"step":     i,
			"users":    tread.Users,
			"duration": tread.Duration.D(),
		})

		s.scale(ctx, pool, tread, treadLog)

		if !clock.Sleep(ctx, tread.Duration.D()) {
			break
		}
	}

	pool.StopAll()
	if n := pool.WaitAll(defaultStopGrace); n > 0 {
		log.WithField("stragglers", n).Warn("vus still running after stop grace")
	}
	log.Info("phase finished")
	return nil
}

// scale adjusts the live VU count to the tread's target. New VUs are spread
// over the tread's rampUp; extra VUs are stopped newest-first.
func (s *Stepping) scale(ctx context.Context, pool *Pool, tread plan.LoadStep, log logrus.FieldLogger) {
	current := len(pool.Live())
	switch {
	case tread.Users > current:
		missing := tread.Users - current
		spacing := rampSpacing(tread.RampUp.D(), missing)
		log.WithField("spawning", missing).Debug("scaling up")

		for i := 0; i < missing; i++ {
			if ctx.Err() != nil {
				return
			}
			if _, err := pool.Spawn(ctx, 0); err != nil {
				log.WithError(err).Error("vu create failed")
				continue
			}
			if i < missing-1 {
				if !clock.Sleep(ctx, spacing) {
					return
				}
			}
		}
	case tread.Users < current:
		log.WithField("stopping", current-tread.Users).Debug("scaling down")
		pool.StopNewest(current - tread.Users)
	}
}
