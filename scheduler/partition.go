// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"math"
	"sort"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/steward/steward/structs"
)

// PartitionInput carries everything the partitioner needs for one cycle.
type PartitionInput struct {
	Tenants []*structs.Tenant

	// OnlineNodes is every online node; IdleNodes the subset available for
	// new placements this cycle.
	OnlineNodes []*structs.Node
	IdleNodes   []*structs.Node

	// Demand is the per-tenant count of runnable jobs with satisfied
	// dependencies.
	Demand map[string]int

	// Profiles is the per-tenant aggregate requirement profile used to
	// pick which idle nodes suit a tenant.
	Profiles map[string]*structs.Requirements

	// Used is the per-tenant count of online nodes currently running the
	// tenant's jobs. Running placements are never revoked mid-cycle; they
	// count against the tenant's share instead.
	Used map[string]int
}

// PartitionResult is the computed capacity split.
type PartitionResult struct {
	Allocations map[string]*structs.Allocation

	// UnderCapacity is set when online capacity cannot cover the sum of
	// guarantees and entitlements were scaled down proportionally.
	UnderCapacity bool
}

// Partitioner splits idle capacity across tenants honoring guaranteed and
// elastic (borrow/lend) shares.
type Partitioner struct {
	logger  hclog.Logger
	matcher *Matcher
}

func NewPartitioner(logger hclog.Logger, matcher *Matcher) *Partitioner {
	return &Partitioner{
		logger:  logger.Named("partitioner"),
		matcher: matcher,
	}
}

// Compute runs the three phases: guarantee, elastic distribution, and
// borrow/lend bookkeeping. All ties break deterministically by node ID then
// tenant ID, so a rerun over unchanged inputs yields the identical split.
func (p *Partitioner) Compute(in *PartitionInput) *PartitionResult {
	res := &PartitionResult{
		Allocations: make(map[string]*structs.Allocation, len(in.Tenants)),
	}

	tenants := make([]*structs.Tenant, len(in.Tenants))
	copy(tenants, in.Tenants)
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].ID < tenants[j].ID })

	online := len(in.OnlineNodes)
	for _, t := range tenants {
		res.Allocations[t.ID] = structs.NewAllocation(t.ID)
	}
	if online == 0 {
		return res
	}

	// Entitlements in whole nodes. Guarantees are floored; the elastic
	// phase hands out any remainder.
	guaranteed := make(map[string]int, len(tenants))
	sumGuaranteed := 0
	for _, t := range tenants {
		guaranteed[t.ID] = int(math.Floor(t.GuaranteedShare * float64(online) / 100))
		sumGuaranteed += guaranteed[t.ID]
	}

	// Under capacity every guarantee shrinks proportionally.
	if sumGuaranteed > online {
		res.UnderCapacity = true
		for id, g := range guaranteed {
			guaranteed[id] = g * online / sumGuaranteed
		}
	}

	idle := make([]*structs.Node, len(in.IdleNodes))
	copy(idle, in.IdleNodes)
	sort.Slice(idle, func(i, j int) bool { return idle[i].ID < idle[j].ID })
	available := set.From(nodeIDs(idle))
	granted := make(map[string]int, len(tenants))

	// Phase 1: satisfy guarantees out of idle capacity.
	for _, t := range tenants {
		entitlement := guaranteed[t.ID] - in.Used[t.ID]
		want := min(in.Demand[t.ID], entitlement)
		if want <= 0 {
			continue
		}
		taken := p.takeNodes(want, in.Profiles[t.ID], idle, available)
		res.Allocations[t.ID].NodeIDs = append(res.Allocations[t.ID].NodeIDs, taken...)
		granted[t.ID] += len(taken)
	}

	// Phase 2: distribute remaining idle nodes to tenants with unmet
	// demand, proportional to elastic headroom and capped by max share.
	p.elasticPhase(in, tenants, guaranteed, granted, res, idle, available, online)

	// Phase 3: borrow/lend bookkeeping in node counts.
	p.bookkeeping(in, tenants, guaranteed, granted, res, online)

	for _, t := range tenants {
		alloc := res.Allocations[t.ID]
		sort.Strings(alloc.NodeIDs)
		alloc.AllocatedShare = float64(in.Used[t.ID]+granted[t.ID]) * 100 / float64(online)
	}
	return res
}

// takeNodes removes up to want nodes from the available set, preferring
// those scoring best against the tenant's profile.
func (p *Partitioner) takeNodes(want int, profile *structs.Requirements, idle []*structs.Node, available *set.Set[string]) []string {
	type cand struct {
		id    string
		score float64
	}
	var cands []cand
	for _, n := range idle {
		if !available.Contains(n.ID) {
			continue
		}
		score, feasible := p.matcher.ScoreProfile(profile, n)
		if !feasible {
			// Still usable for jobs with lighter requirements than the
			// aggregate profile, but ranked last.
			score = -1
		}
		cands = append(cands, cand{id: n.ID, score: score})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].id < cands[j].id
	})

	var taken []string
	for _, c := range cands {
		if len(taken) == want {
			break
		}
		available.Remove(c.id)
		taken = append(taken, c.id)
	}
	return taken
}

func (p *Partitioner) elasticPhase(in *PartitionInput, tenants []*structs.Tenant,
	guaranteed, granted map[string]int, res *PartitionResult,
	idle []*structs.Node, available *set.Set[string], online int) {

	remaining := available.Size()
	if remaining == 0 {
		return
	}

	type claim struct {
		tenant   *structs.Tenant
		unmet    int
		headroom int
		weight   float64
	}
	var claims []claim
	totalWeight := 0.0
	for _, t := range tenants {
		unmet := in.Demand[t.ID] - granted[t.ID]
		maxNodes := int(math.Floor(t.MaxShare * float64(online) / 100))
		headroom := maxNodes - in.Used[t.ID] - granted[t.ID]
		weight := t.MaxShare - t.GuaranteedShare
		if unmet <= 0 || headroom <= 0 || weight <= 0 {
			continue
		}
		claims = append(claims, claim{tenant: t, unmet: unmet, headroom: headroom, weight: weight})
		totalWeight += weight
	}
	if len(claims) == 0 {
		return
	}

	// Proportional quotas with floor; leftovers go round-robin in tenant
	// ID order.
	quota := make(map[string]int, len(claims))
	assigned := 0
	for _, c := range claims {
		q := int(math.Floor(c.weight / totalWeight * float64(remaining)))
		q = min(q, c.unmet, c.headroom)
		quota[c.tenant.ID] = q
		assigned += q
	}
	for assigned < remaining {
		progress := false
		for _, c := range claims {
			if assigned == remaining {
				break
			}
			if quota[c.tenant.ID] < min(c.unmet, c.headroom) {
				quota[c.tenant.ID]++
				assigned++
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	for _, c := range claims {
		want := quota[c.tenant.ID]
		if want <= 0 {
			continue
		}
		taken := p.takeNodes(want, in.Profiles[c.tenant.ID], idle, available)
		res.Allocations[c.tenant.ID].NodeIDs = append(res.Allocations[c.tenant.ID].NodeIDs, taken...)
		granted[c.tenant.ID] += len(taken)
	}
}

// bookkeeping records, in node counts, which tenants lent unused guarantee
// to which borrowers. Multiple lenders split proportionally to their unused
// guarantee.
func (p *Partitioner) bookkeeping(in *PartitionInput, tenants []*structs.Tenant,
	guaranteed, granted map[string]int, res *PartitionResult, online int) {

	type lender struct {
		id     string
		unused float64
	}
	var lenders []lender
	totalUnused := 0.0
	for _, t := range tenants {
		unused := float64(guaranteed[t.ID] - in.Used[t.ID] - granted[t.ID])
		if unused > 0 {
			lenders = append(lenders, lender{id: t.ID, unused: unused})
			totalUnused += unused
		}
	}
	if totalUnused == 0 {
		return
	}

	for _, t := range tenants {
		borrowed := float64(in.Used[t.ID] + granted[t.ID] - guaranteed[t.ID])
		if borrowed <= 0 {
			continue
		}
		alloc := res.Allocations[t.ID]
		for _, l := range lenders {
			share := borrowed * l.unused / totalUnused
			if share <= 0 {
				continue
			}
			alloc.BorrowedFrom[l.id] += share
			res.Allocations[l.id].LentTo[t.ID] += share
		}
	}
}

func nodeIDs(nodes []*structs.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}
