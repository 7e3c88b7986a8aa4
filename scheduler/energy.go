// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"sync"
	"time"

	"github.com/hashicorp/cronexpr"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/steward/steward/structs"
)

const (
	// balancedPowerWeight and efficiencyPowerWeight feed the matcher's
	// power penalty per energy mode. Performance mode zeroes it.
	balancedPowerWeight   = 0.5
	efficiencyPowerWeight = 1.5

	// deferSlackThreshold is the minimum deadline slack a job must have
	// before efficiency mode will consider pushing it to off-peak.
	deferSlackThreshold = 4 * time.Hour

	// offPeakWindow is how long an off-peak period lasts after its cron
	// trigger fires.
	offPeakWindow = 8 * time.Hour
)

// DefaultOffPeakSchedule starts the off-peak window at 22:00 daily.
const DefaultOffPeakSchedule = "0 22 * * *"

// EnergyOptimizer implements the energy-aware scheduling policy. In
// performance mode it is inert; balanced mode steers placements toward
// low-power nodes through the matcher's power weight; efficiency mode
// additionally defers non-critical jobs with ample slack to the next
// off-peak window.
type EnergyOptimizer struct {
	logger  hclog.Logger
	matcher *Matcher

	mu      sync.RWMutex
	mode    string
	offPeak *cronexpr.Expression

	now func() time.Time
}

func NewEnergyOptimizer(logger hclog.Logger, matcher *Matcher, mode, schedule string) (*EnergyOptimizer, error) {
	if !structs.ValidEnergyMode(mode) {
		return nil, structs.NewValidationError("invalid energy mode %q", mode)
	}
	if schedule == "" {
		schedule = DefaultOffPeakSchedule
	}
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return nil, structs.NewValidationError("invalid off-peak schedule %q: %v", schedule, err)
	}

	e := &EnergyOptimizer{
		logger:  logger.Named("energy"),
		matcher: matcher,
		mode:    mode,
		offPeak: expr,
		now:     time.Now,
	}
	e.applyPowerWeight()
	return e, nil
}

// Mode returns the active energy mode.
func (e *EnergyOptimizer) Mode() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// SetMode switches the energy mode at runtime. Jobs already running are
// unaffected; the new policy applies from the next cycle.
func (e *EnergyOptimizer) SetMode(mode string) error {
	if !structs.ValidEnergyMode(mode) {
		return structs.NewValidationError("invalid energy mode %q", mode)
	}
	e.mu.Lock()
	e.mode = mode
	e.mu.Unlock()
	e.applyPowerWeight()
	e.logger.Info("energy mode changed", "mode", mode)
	return nil
}

func (e *EnergyOptimizer) applyPowerWeight() {
	switch e.Mode() {
	case structs.EnergyModeBalanced:
		e.matcher.SetPowerWeight(balancedPowerWeight)
	case structs.EnergyModeEfficiency:
		e.matcher.SetPowerWeight(efficiencyPowerWeight)
	default:
		e.matcher.SetPowerWeight(0)
	}
}

// ShouldDefer reports whether efficiency mode wants to hold the job for the
// next off-peak window. Critical jobs and jobs whose slack is too thin are
// never deferred, and nothing is deferred once the window is open.
func (e *EnergyOptimizer) ShouldDefer(job *structs.Job, now time.Time) (bool, string) {
	if e.Mode() != structs.EnergyModeEfficiency {
		return false, ""
	}
	if job.Priority == structs.JobPriorityCritical {
		return false, ""
	}
	if e.InOffPeak(now) {
		return false, ""
	}
	slack := job.DeadlineSlack(now)
	if slack < deferSlackThreshold {
		return false, ""
	}
	return true, "deferred to off-peak window"
}

// InOffPeak reports whether now falls inside an off-peak window. A window
// opens at each cron trigger and stays open for offPeakWindow.
func (e *EnergyOptimizer) InOffPeak(now time.Time) bool {
	e.mu.RLock()
	expr := e.offPeak
	e.mu.RUnlock()

	// The window containing now, if any, was opened by a trigger no
	// earlier than now minus the window length.
	next := expr.Next(now.Add(-offPeakWindow))
	return !next.IsZero() && !next.After(now)
}

// NextOffPeak returns the start of the next off-peak window at or after now.
func (e *EnergyOptimizer) NextOffPeak(now time.Time) time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.inOffPeakLocked(now) {
		return now
	}
	return e.offPeak.Next(now)
}

func (e *EnergyOptimizer) inOffPeakLocked(now time.Time) bool {
	next := e.offPeak.Next(now.Add(-offPeakWindow))
	return !next.IsZero() && !next.After(now)
}

// EstimateSavings compares the power draw of the chosen nodes against the
// online-pool average and returns the relative saving as a percentage.
// Positive means the cycle picked cooler-than-average hardware.
func (e *EnergyOptimizer) EstimateSavings(assignments []*Assignment, online []*structs.Node) float64 {
	if len(online) == 0 {
		return 0
	}

	poolTotal := 0
	poolCount := 0
	for _, n := range online {
		if n.Capabilities != nil && n.Capabilities.PowerWatts > 0 {
			poolTotal += n.Capabilities.PowerWatts
			poolCount++
		}
	}
	if poolCount == 0 {
		return 0
	}
	poolAvg := float64(poolTotal) / float64(poolCount)

	chosenTotal := 0
	chosenCount := 0
	for _, a := range assignments {
		if a.Deferred || a.Node == nil {
			continue
		}
		if a.Node.Capabilities != nil && a.Node.Capabilities.PowerWatts > 0 {
			chosenTotal += a.Node.Capabilities.PowerWatts
			chosenCount++
		}
	}
	if chosenCount == 0 {
		return 0
	}
	chosenAvg := float64(chosenTotal) / float64(chosenCount)

	return (poolAvg - chosenAvg) / poolAvg * 100
}
