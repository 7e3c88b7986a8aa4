// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"math"
	"sort"
	"time"

	"github.com/hashicorp/steward/steward/structs"
)

// urgencyEpsilon guards the slack divisor for jobs whose deadline is close
// but not yet past.
const urgencyEpsilon = time.Second

// EffectivePriority computes the scheduling key for one job at time now.
// The class rank comes from the priority field; urgency is the estimated
// duration over the remaining time to deadline. A job past its deadline is
// promoted to the critical class with infinite urgency; a job that can no
// longer finish by its deadline is promoted too, keeping its finite urgency
// so truly overdue jobs still sort first.
func EffectivePriority(job *structs.Job, now time.Time) *structs.EffectivePriority {
	remaining := job.Deadline.Sub(now)
	if remaining <= 0 {
		return &structs.EffectivePriority{
			Class:   4,
			Urgency: math.Inf(1),
		}
	}
	if remaining < urgencyEpsilon {
		remaining = urgencyEpsilon
	}
	urgency := float64(job.EstimatedDuration) / float64(remaining)
	class := job.ClassRank()
	if urgency > 1 {
		// The outstanding work exceeds the time left.
		class = 4
	}
	return &structs.EffectivePriority{
		Class:   class,
		Urgency: urgency,
	}
}

// ComputePriorities returns the effective priority for every job in the
// slice, keyed by job ID. The jobs themselves are not mutated.
func ComputePriorities(jobs []*structs.Job, now time.Time) map[string]*structs.EffectivePriority {
	out := make(map[string]*structs.EffectivePriority, len(jobs))
	for _, job := range jobs {
		out[job.ID] = EffectivePriority(job, now)
	}
	return out
}

// SortJobs orders jobs for scheduling: class descending, urgency
// descending, then earlier submission and lexicographic ID so the order is
// total and stable across reruns.
func SortJobs(jobs []*structs.Job, priorities map[string]*structs.EffectivePriority) {
	sort.SliceStable(jobs, func(i, j int) bool {
		pi, pj := priorities[jobs[i].ID], priorities[jobs[j].ID]
		if pi.Class != pj.Class {
			return pi.Class > pj.Class
		}
		if pi.Urgency != pj.Urgency {
			return pi.Urgency > pj.Urgency
		}
		if !jobs[i].SubmitTime.Equal(jobs[j].SubmitTime) {
			return jobs[i].SubmitTime.Before(jobs[j].SubmitTime)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
