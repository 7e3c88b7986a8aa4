// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/steward/ci"
	"github.com/hashicorp/steward/helper/testlog"
	"github.com/hashicorp/steward/steward/mock"
	"github.com/hashicorp/steward/steward/structs"
)

func testMatcher(t *testing.T) *Matcher {
	return NewMatcher(testlog.HCLogger(t), DefaultMatchWeights())
}

func TestMatcher_Score_HardGate(t *testing.T) {
	ci.Parallel(t)

	m := testMatcher(t)

	job := mock.Job()
	job.Requirements.GPUCount = 1

	_, feasible := m.Score(job, mock.Node())
	must.False(t, feasible)

	score, feasible := m.Score(job, mock.GPUNode())
	must.True(t, feasible)
	must.True(t, score > 0)
}

func TestMatcher_Score_SpecializationPreference(t *testing.T) {
	ci.Parallel(t)

	m := testMatcher(t)

	job := mock.Job()
	job.Requirements.Specializations = []string{"render"}

	render := mock.Node()
	render.ID = "node-render"

	generic := mock.Node()
	generic.ID = "node-generic"
	generic.Capabilities.Specializations = nil

	renderScore, ok := m.Score(job, render)
	must.True(t, ok)
	genericScore, ok := m.Score(job, generic)
	must.True(t, ok)

	// A missing specialization never gates, but it costs score.
	must.True(t, renderScore > genericScore)

	best, _ := m.MatchJobToNode(job, []*structs.Node{generic, render})
	must.NotNil(t, best)
	must.Eq(t, "node-render", best.ID)
}

func TestMatcher_Score_HistoricalFit(t *testing.T) {
	ci.Parallel(t)

	m := testMatcher(t)
	job := mock.Job()

	fresh := mock.Node()
	fresh.ID = "node-fresh"

	proven := mock.Node()
	proven.ID = "node-proven"
	proven.PerfHistory = map[string]*structs.PerfStats{
		job.Kind: {Samples: 4, FitScore: 0.9},
	}

	freshScore, _ := m.Score(job, fresh)
	provenScore, _ := m.Score(job, proven)
	must.True(t, provenScore > freshScore)
}

func TestMatcher_Wear(t *testing.T) {
	ci.Parallel(t)

	m := testMatcher(t)
	job := mock.Job()
	node := mock.Node()

	before, _ := m.Score(job, node)

	m.RecordPlacement(node.ID)
	m.RecordPlacement(node.ID)

	after, _ := m.Score(job, node)
	must.True(t, after < before)

	// The penalty saturates.
	for i := 0; i < 10; i++ {
		m.RecordPlacement(node.ID)
	}
	saturated, _ := m.Score(job, node)
	must.InDelta(t, before-m.weights.Wear, saturated, 0.001)
}

func TestMatcher_PowerWeight(t *testing.T) {
	ci.Parallel(t)

	m := testMatcher(t)
	job := mock.Job()

	hungry := mock.Node()
	hungry.ID = "node-hungry"
	hungry.Capabilities.PowerWatts = 800

	frugal := mock.Node()
	frugal.ID = "node-frugal"
	frugal.Capabilities.PowerWatts = 200

	// Power draw is ignored until the energy mode sets a weight.
	h0, _ := m.Score(job, hungry)
	f0, _ := m.Score(job, frugal)
	must.Eq(t, h0, f0)

	m.SetPowerWeight(1.5)
	h1, _ := m.Score(job, hungry)
	f1, _ := m.Score(job, frugal)
	must.True(t, f1 > h1)
}

func TestMatcher_MatchJobToNode_TieBreak(t *testing.T) {
	ci.Parallel(t)

	m := testMatcher(t)
	job := mock.Job()

	a := mock.Node()
	a.ID = "node-a"
	b := mock.Node()
	b.ID = "node-b"

	best, _ := m.MatchJobToNode(job, []*structs.Node{b, a})
	must.NotNil(t, best)
	must.Eq(t, "node-a", best.ID)
}

func TestMatcher_MatchJobToNode_MinScore(t *testing.T) {
	ci.Parallel(t)

	m := testMatcher(t)
	job := mock.Job()
	job.Requirements.Specializations = []string{"quantum"}

	// The node barely fits: no headroom, no specialization and a poor
	// track record for the job kind.
	node := mock.Node()
	node.Capabilities = &structs.Capabilities{
		CPUCores: job.Requirements.CPUCores,
		MemoryGB: job.Requirements.MemoryGB,
	}
	node.PerfHistory = map[string]*structs.PerfStats{
		job.Kind: {Samples: 3, FitScore: 0.2},
	}
	node.ComputeCapabilityHash()

	best, _ := m.MatchJobToNode(job, []*structs.Node{node})
	must.Nil(t, best)
}

func TestMatcher_MatchJobToNode_NoCandidates(t *testing.T) {
	ci.Parallel(t)

	m := testMatcher(t)
	best, score := m.MatchJobToNode(mock.Job(), nil)
	must.Nil(t, best)
	must.Zero(t, score)
}
