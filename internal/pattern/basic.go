package pattern

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stampedehq/stampede/internal/clock"
	"github.com/stampedehq/stampede/internal/plan"
)

// Basic ramps to a fixed VU count and holds it for the phase duration.
//
// VUs are created with linear spacing of rampUp/users between creations.
// Every VU loops scenario passes as fast as its steps and think time allow
// (closed model) until the duration elapses or the run is cancelled, then
// the pattern stops all VUs and awaits their completion.
type Basic struct {
	log logrus.FieldLogger
}

var _ Pattern = (*Basic)(nil)

// Name implements Pattern.
func (b *Basic) Name() string { return plan.PatternBasic }

// Run implements Pattern.
func (b *Basic) Run(ctx context.Context, phase plan.LoadPhase, pool *Pool) error {
	duration := phase.Duration.D()
	log := b.log.WithFields(logrus.Fields{
		"pattern":  plan.PatternBasic,
		"users":    phase.Users,
		"duration": duration,
	})
	log.Info("phase started")

	// The duration covers the whole phase: ramp-up happens inside it.
	phaseCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	spacing := rampSpacing(phase.RampUp.D(), phase.Users)
	for i := 0; i < phase.Users; i++ {
		if phaseCtx.Err() != nil {
			break
		}
		if _, err := pool.Spawn(phaseCtx, 0); err != nil {
			log.WithError(err).Error("vu create failed")
			continue
		}
		if i < phase.Users-1 {
			if !clock.Sleep(phaseCtx, spacing) {
				break
			}
		}
	}

	<-phaseCtx.Done()

	pool.StopAll()
	if n := pool.WaitAll(defaultStopGrace); n > 0 {
		log.WithField("stragglers", n).Warn("vus still running after stop grace")
	}
	log.Info("phase finished")
	return nil
}

// rampSpacing returns the pause between VU creations for a linear ramp.
func rampSpacing(rampUp time.Duration, users int) time.Duration {
	if rampUp <= 0 || users <= 0 {
		return 0
	}
	return rampUp / time.Duration(users)
}
