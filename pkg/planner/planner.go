// Package planner implements the Plan Generator: a pure mapping from a
// ClusterState verdict to the Plan the Actuator must apply, per §4.4.
//
// The decision logic itself is stdlib-only, for the same reason as
// pkg/classify — see DESIGN.md — aside from stamping each Plan with a
// uuid for cross-log correlation, grounded on the teacher's pkg/plan.go
// PlanID field. Grounded on the teacher's pkg/plan/plan.go for the
// general shape of "a plan is data produced by one layer and consumed by
// another", adapted from that package's rich multi-phase deployment
// plan down to the single-action Plan this domain needs.
package planner

import (
	"sort"

	"github.com/google/uuid"

	"github.com/zph/rsopctl/pkg/classify"
	"github.com/zph/rsopctl/pkg/rstypes"
)

// Generate implements §4.4's ClusterState → Plan mapping. prior is the
// last config this controller itself applied, if any; the force-reconfigure
// path falls back to it for _id pairing when no Member view is observed. Every
// returned Plan carries a fresh PlanID so planner and actuator log lines
// for the same decision can be correlated.
func Generate(result classify.Result, rsName string, expected rstypes.ExpectedMemberSet, observed map[rstypes.NodeEndpoint]rstypes.ObservedNodeView, prior *rstypes.ReplicaSetConfig) *rstypes.Plan {
	plan := generate(result, rsName, expected, observed, prior)
	plan.PlanID = uuid.NewString()
	return plan
}

func generate(result classify.Result, rsName string, expected rstypes.ExpectedMemberSet, observed map[rstypes.NodeEndpoint]rstypes.ObservedNodeView, prior *rstypes.ReplicaSetConfig) *rstypes.Plan {
	switch result.State {
	case rstypes.FreshDeploy:
		return generateFreshDeploy(result, rsName, expected)
	case rstypes.RedeployIPChange:
		return generateForceReconfigure(result, rsName, expected, observed, prior)
	case rstypes.Scale:
		return generateScale(result, rsName, expected, observed)
	case rstypes.SplitView:
		return generateForceReconfigure(result, rsName, expected, observed, prior)
	case rstypes.PrimaryLoss:
		return generateForceReconfigure(result, rsName, expected, observed, prior)
	case rstypes.SteadyState, rstypes.Unstable:
		fallthrough
	default:
		return &rstypes.Plan{Action: rstypes.NoOp}
	}
}

// generateFreshDeploy builds the initial config: members in ascending IP
// order get ids 0..n-1, version 1, submitted via replSetInitiate against
// one chosen uninitialized node.
func generateFreshDeploy(result classify.Result, rsName string, expected rstypes.ExpectedMemberSet) *rstypes.Plan {
	sorted := expected.Sorted()
	members := make([]rstypes.ReplicaSetMember, 0, len(sorted))
	for i, ep := range sorted {
		members = append(members, rstypes.ReplicaSetMember{ID: i, Host: ep.Host()})
	}
	cfg := &rstypes.ReplicaSetConfig{Name: rsName, Version: 1, Members: members}

	return &rstypes.Plan{
		Action:     rstypes.Initiate,
		TargetNode: result.TargetNode,
		Config:     cfg,
	}
}

// generateScale adds or removes members against the current config,
// assigning each addition the smallest free _id and incrementing
// version exactly once, then submits via replSetReconfig against the
// primary.
func generateScale(result classify.Result, rsName string, expected rstypes.ExpectedMemberSet, observed map[rstypes.NodeEndpoint]rstypes.ObservedNodeView) *rstypes.Plan {
	current := currentConfig(rsName, observed)

	byHost := make(map[string]rstypes.ReplicaSetMember, len(current.Members))
	usedIDs := current.IDs()
	for _, m := range current.Members {
		byHost[m.Host] = m
	}

	var next []rstypes.ReplicaSetMember
	for _, ep := range expected.Sorted() {
		host := ep.Host()
		if m, ok := byHost[host]; ok {
			next = append(next, m)
			continue
		}
		id := rstypes.NextFreeID(usedIDs)
		usedIDs[id] = struct{}{}
		next = append(next, rstypes.ReplicaSetMember{ID: id, Host: host})
	}

	cfg := &rstypes.ReplicaSetConfig{Name: rsName, Version: current.Version + 1, Members: next}

	return &rstypes.Plan{
		Action:     rstypes.Reconfigure,
		TargetNode: result.Primary,
		Config:     cfg,
	}
}

// generateForceReconfigure rebuilds the member list from E.members,
// pairing old _ids to new hosts in ascending-IP sort order so that
// wholesale IP turnover (Redeploy-IPChange) and disagreeing configs
// (SplitView) both minimize churn, then submits with force=true against
// any reachable member.
func generateForceReconfigure(result classify.Result, rsName string, expected rstypes.ExpectedMemberSet, observed map[rstypes.NodeEndpoint]rstypes.ObservedNodeView, prior *rstypes.ReplicaSetConfig) *rstypes.Plan {
	current := currentConfig(rsName, observed)
	if current.Version == 0 && prior != nil {
		current = *prior
	}

	oldIDs := sortedIDs(current.Members)
	newHosts := expected.Sorted()

	members := make([]rstypes.ReplicaSetMember, 0, len(newHosts))
	usedIDs := map[int]struct{}{}
	for i, ep := range newHosts {
		var id int
		if i < len(oldIDs) {
			id = oldIDs[i]
		} else {
			id = rstypes.NextFreeID(usedIDs)
		}
		usedIDs[id] = struct{}{}
		members = append(members, rstypes.ReplicaSetMember{ID: id, Host: ep.Host()})
	}

	cfg := &rstypes.ReplicaSetConfig{Name: rsName, Version: maxVersion(observed, current.Version) + 1, Members: members}

	target := result.TargetNode
	if !result.HasTarget {
		target = anyReachable(observed)
	}

	return &rstypes.Plan{
		Action:     rstypes.ForceReconfigure,
		TargetNode: target,
		Config:     cfg,
		Force:      true,
	}
}

// currentConfig reconstructs the cluster's current agreed config from one
// observed Member view, preferring the primary's view when one exists.
func currentConfig(rsName string, observed map[rstypes.NodeEndpoint]rstypes.ObservedNodeView) rstypes.ReplicaSetConfig {
	var chosen *rstypes.ObservedNodeView
	for _, v := range observed {
		if v.State != rstypes.StateMember {
			continue
		}
		vv := v
		if vv.IsPrimary {
			chosen = &vv
			break
		}
		if chosen == nil {
			chosen = &vv
		}
	}
	if chosen == nil {
		return rstypes.ReplicaSetConfig{Name: rsName, Version: 0}
	}

	// MongoDB is the authority on current _ids: use the ids
	// replSetGetConfig actually reported rather than re-deriving them
	// from host order, so _id stays stable across cycles.
	members := make([]rstypes.ReplicaSetMember, 0, len(chosen.ConfiguredMembers))
	for host, id := range chosen.ConfiguredMembers {
		members = append(members, rstypes.ReplicaSetMember{ID: id, Host: host})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Host < members[j].Host })

	name := chosen.RSName
	if name == "" {
		name = rsName
	}
	return rstypes.ReplicaSetConfig{Name: name, Version: chosen.ConfigVersion, Members: members}
}

func sortedIDs(members []rstypes.ReplicaSetMember) []int {
	ids := make([]int, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	sort.Ints(ids)
	return ids
}

func maxVersion(observed map[rstypes.NodeEndpoint]rstypes.ObservedNodeView, floor int64) int64 {
	max := floor
	for _, v := range observed {
		if v.State == rstypes.StateMember && v.ConfigVersion > max {
			max = v.ConfigVersion
		}
	}
	return max
}

func anyReachable(observed map[rstypes.NodeEndpoint]rstypes.ObservedNodeView) rstypes.NodeEndpoint {
	eps := make([]rstypes.NodeEndpoint, 0, len(observed))
	for ep, v := range observed {
		if v.State == rstypes.StateMember {
			eps = append(eps, ep)
		}
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].IP < eps[j].IP })
	if len(eps) == 0 {
		return rstypes.NodeEndpoint{}
	}
	return eps[0]
}
