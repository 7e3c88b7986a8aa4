// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hashicorp/steward/steward/structs"
)

const (
	// wearWindow is how long a placement counts against a node for load
	// balancing purposes.
	wearWindow = 10 * time.Minute

	// wearSaturation is the placement count at which the wear penalty
	// maxes out.
	wearSaturation = 5

	// powerSaturation normalizes node power draw; anything at or above
	// this many watts scores the full power penalty.
	powerSaturation = 1000.0
)

// MatchWeights tunes the node scoring function. Hard requirements are a
// gate, not a weight: an unmet requirement makes the node infeasible
// regardless of the other terms.
type MatchWeights struct {
	Cap   float64 // capability surplus
	Spec  float64 // specialization match
	Hist  float64 // historical fit per job kind
	Wear  float64 // recent usage penalty
	Power float64 // power draw penalty, set by the energy mode
}

// DefaultMatchWeights mirrors the tuned production defaults.
func DefaultMatchWeights() MatchWeights {
	return MatchWeights{
		Cap:   1,
		Spec:  2,
		Hist:  1,
		Wear:  0.5,
		Power: 0,
	}
}

// defaultMinScore is the acceptance threshold below which a best-scoring
// node is still rejected.
const defaultMinScore = 0.5

// Matcher scores (job, node) fit using the capability vectors, the node's
// per-kind performance history and a recent-usage wear window.
type Matcher struct {
	logger   hclog.Logger
	weights  MatchWeights
	minScore float64

	// recent tracks placements per node inside the wear window. Entries
	// expire on their own; the LRU bound is just a safety valve.
	recent *expirable.LRU[string, int]

	// now is swappable for tests.
	now func() time.Time
}

func NewMatcher(logger hclog.Logger, weights MatchWeights) *Matcher {
	return &Matcher{
		logger:   logger.Named("matcher"),
		weights:  weights,
		minScore: defaultMinScore,
		recent:   expirable.NewLRU[string, int](2048, nil, wearWindow),
		now:      time.Now,
	}
}

// SetPowerWeight adjusts the power penalty, used when the energy mode
// changes at runtime.
func (m *Matcher) SetPowerWeight(w float64) {
	m.weights.Power = w
}

// RecordPlacement notes that the node received a placement, feeding the
// wear penalty of subsequent scores.
func (m *Matcher) RecordPlacement(nodeID string) {
	count, _ := m.recent.Get(nodeID)
	m.recent.Add(nodeID, count+1)
}

// Score computes the fit of a node for a job. The boolean is false when a
// hard requirement is unmet and the node is infeasible.
func (m *Matcher) Score(job *structs.Job, node *structs.Node) (float64, bool) {
	if !node.Capabilities.Satisfies(job.Requirements) {
		return 0, false
	}

	score := m.weights.Cap*capabilitySurplus(job.Requirements, node.Capabilities) +
		m.weights.Spec*specializationMatch(job.Requirements, node.Capabilities) +
		m.weights.Hist*m.historicalFit(job.Kind, node) -
		m.weights.Wear*m.recentUsage(node.ID) -
		m.weights.Power*powerPenalty(node.Capabilities)
	return score, true
}

// MatchJobToNode returns the best acceptable node for the job out of the
// candidates, or nil when none scores at or above the threshold. Ties go to
// the lexicographically smaller node ID for determinism.
func (m *Matcher) MatchJobToNode(job *structs.Job, candidates []*structs.Node) (*structs.Node, float64) {
	var best *structs.Node
	var bestScore float64

	for _, node := range candidates {
		score, feasible := m.Score(job, node)
		if !feasible {
			continue
		}
		if best == nil || score > bestScore || (score == bestScore && node.ID < best.ID) {
			best = node
			bestScore = score
		}
	}

	if best == nil || bestScore < m.minScore {
		return nil, 0
	}
	return best, bestScore
}

// ScoreProfile ranks a node against a tenant's aggregate requirement
// profile. Reused by the partitioner when picking which idle nodes satisfy
// a tenant's guarantee.
func (m *Matcher) ScoreProfile(profile *structs.Requirements, node *structs.Node) (float64, bool) {
	if !node.Capabilities.Satisfies(profile) {
		return 0, false
	}
	return m.weights.Cap*capabilitySurplus(profile, node.Capabilities) +
		m.weights.Spec*specializationMatch(profile, node.Capabilities) -
		m.weights.Power*powerPenalty(node.Capabilities), true
}

// capabilitySurplus measures how much headroom the node has beyond the
// requirement, normalized per dimension to [0, 1).
func capabilitySurplus(req *structs.Requirements, caps *structs.Capabilities) float64 {
	if req == nil {
		req = &structs.Requirements{}
	}

	dims := 0
	total := 0.0
	add := func(have, want int) {
		if have <= 0 {
			return
		}
		dims++
		total += float64(have-want) / float64(have)
	}
	add(caps.CPUCores, req.CPUCores)
	add(caps.MemoryGB, req.MemoryGB)
	add(caps.GPUCount, req.GPUCount)
	add(caps.StorageGB, req.StorageGB)

	if dims == 0 {
		return 0
	}
	return total / float64(dims)
}

// specializationMatch returns 1 for a full match of required
// specializations, 0.5 for a partial match and 0 for none. Jobs that
// require nothing score the full match.
func specializationMatch(req *structs.Requirements, caps *structs.Capabilities) float64 {
	if req == nil || len(req.Specializations) == 0 {
		return 1
	}
	matched := 0
	for _, s := range req.Specializations {
		if caps.HasSpecialization(s) {
			matched++
		}
	}
	switch {
	case matched == len(req.Specializations):
		return 1
	case matched > 0:
		return 0.5
	default:
		return 0
	}
}

// historicalFit returns the EMA fit score for the job kind, or a neutral
// 0.5 when the node has no history for it.
func (m *Matcher) historicalFit(jobKind string, node *structs.Node) float64 {
	if stats, ok := node.PerfHistory[jobKind]; ok && stats.Samples > 0 {
		return stats.FitScore
	}
	return 0.5
}

// recentUsage normalizes the wear-window placement count to [0, 1].
func (m *Matcher) recentUsage(nodeID string) float64 {
	count, _ := m.recent.Get(nodeID)
	if count >= wearSaturation {
		return 1
	}
	return float64(count) / wearSaturation
}

// powerPenalty normalizes the node's power draw estimate to [0, 1].
func powerPenalty(caps *structs.Capabilities) float64 {
	if caps.PowerWatts <= 0 {
		return 0
	}
	p := float64(caps.PowerWatts) / powerSaturation
	if p > 1 {
		return 1
	}
	return p
}
