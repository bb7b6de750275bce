// Package classify implements the State Classifier: a pure reduction from
// the Expected Member Set and this cycle's observations to one
// ClusterState, per §4.3's rules evaluated in order.
//
// Deliberately stdlib-only: classification is decision logic over values
// already gathered by the Observer and Prober, not I/O — see DESIGN.md for
// why no third-party library has a home here.
package classify

import (
	"sort"

	"github.com/zph/rsopctl/pkg/rstypes"
)

// noPrimaryEscalateCycles is the consecutive-cycle threshold from §8
// scenario 5: a stable configuration with no primary for this many
// cycles in a row escalates to a forced reconfigure to break the
// stalemate, rather than waiting indefinitely for an election.
const noPrimaryEscalateCycles = 2

// Result bundles the classification with the evidence the Plan Generator
// and logger need: the chosen member to act through, and whether this
// cycle is being held by scale-down hysteresis.
type Result struct {
	State        rstypes.ClusterState
	TargetNode   rstypes.NodeEndpoint
	HasTarget    bool
	Primary      rstypes.NodeEndpoint
	HasPrimary   bool
	Held         bool // true when hysteresis suppressed an otherwise-Scale decrease
}

// Classify implements §4.3. priorExpectedCount and priorDecreaseCycles
// thread the scale-down hysteresis knob (§9 Open Question, resolved in
// SPEC_FULL.md §4.3): when the expected member count has just decreased,
// the classifier holds at SteadyState/NoOp for hysteresisCycles before
// allowing a Scale-down plan. priorNoPrimaryCycles threads the §8
// scenario 5 primary-loss counter: how many consecutive prior cycles
// ended with an otherwise-stable configuration but no primary.
func Classify(expected rstypes.ExpectedMemberSet, observed map[rstypes.NodeEndpoint]rstypes.ObservedNodeView, priorExpectedCount, priorDecreaseCycles, hysteresisCycles, priorNoPrimaryCycles int) Result {
	members, uninit, transient, unreachable := partition(observed)

	// Rule 1: Unstable.
	if len(transient)+len(unreachable) > len(expected.Members)/2 {
		return Result{State: rstypes.Unstable}
	}

	primary, hasPrimary := findPrimary(members)

	// Rule 2: FreshDeploy.
	if len(members) == 0 && len(uninit) >= ceilHalf(len(expected.Members)) && expected.PendingCount == 0 {
		target, ok := anyUninitialized(uninit)
		return Result{State: rstypes.FreshDeploy, TargetNode: target, HasTarget: ok}
	}

	// Rule 3: Redeploy-IPChange.
	if isIPChange(members, expected) {
		node, ok := chooseActor(members, primary, hasPrimary)
		return Result{State: rstypes.RedeployIPChange, TargetNode: node, HasTarget: ok, Primary: primary, HasPrimary: hasPrimary}
	}

	// Rule 4: Scale.
	if configsAgree(members) && !hostSetsEqual(members, expected) {
		decreasing := expected.ExpectedCount < priorExpectedCount
		if decreasing && priorDecreaseCycles < hysteresisCycles {
			return Result{State: rstypes.SteadyState, Primary: primary, HasPrimary: hasPrimary, Held: true}
		}
		node, ok := chooseActor(members, primary, hasPrimary)
		return Result{State: rstypes.Scale, TargetNode: node, HasTarget: ok, Primary: primary, HasPrimary: hasPrimary}
	}

	// Rule 5: SplitView.
	if !configsAgree(members) {
		node, ok := chooseActor(members, primary, hasPrimary)
		return Result{State: rstypes.SplitView, TargetNode: node, HasTarget: ok, Primary: primary, HasPrimary: hasPrimary}
	}

	// Rule 6: SteadyState, unless the primary has been missing for
	// noPrimaryEscalateCycles consecutive cycles already, in which case
	// escalate to a forced reconfigure rather than keep waiting on an
	// election that is not resolving on its own.
	if !hasPrimary && priorNoPrimaryCycles+1 >= noPrimaryEscalateCycles {
		node, ok := chooseActor(members, primary, hasPrimary)
		return Result{State: rstypes.PrimaryLoss, TargetNode: node, HasTarget: ok, Primary: primary, HasPrimary: hasPrimary}
	}
	return Result{State: rstypes.SteadyState, Primary: primary, HasPrimary: hasPrimary}
}

func partition(observed map[rstypes.NodeEndpoint]rstypes.ObservedNodeView) (members, uninit, transient, unreachable []rstypes.ObservedNodeView) {
	for _, v := range observed {
		switch v.State {
		case rstypes.StateMember:
			members = append(members, v)
		case rstypes.StateUninitialized:
			uninit = append(uninit, v)
		case rstypes.StateTransient:
			transient = append(transient, v)
		case rstypes.StateUnreachable:
			unreachable = append(unreachable, v)
		}
	}
	return
}

func ceilHalf(n int) int {
	return (n + 1) / 2
}

func findPrimary(members []rstypes.ObservedNodeView) (rstypes.NodeEndpoint, bool) {
	for _, v := range members {
		if v.IsPrimary {
			return v.Endpoint, true
		}
	}
	return rstypes.NodeEndpoint{}, false
}

func anyUninitialized(uninit []rstypes.ObservedNodeView) (rstypes.NodeEndpoint, bool) {
	if len(uninit) == 0 {
		return rstypes.NodeEndpoint{}, false
	}
	sorted := append([]rstypes.ObservedNodeView(nil), uninit...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Endpoint.IP < sorted[j].Endpoint.IP })
	return sorted[0].Endpoint, true
}

// isIPChange implements rule 3: some configured member host's IP is gone
// from E.members, AND some E.members IP appears in no observed config —
// wholesale turnover, not a pure add/remove.
func isIPChange(members []rstypes.ObservedNodeView, expected rstypes.ExpectedMemberSet) bool {
	if len(members) == 0 {
		return false
	}
	observedHosts := map[string]struct{}{}
	staleHostSeen := false
	for _, v := range members {
		for host := range v.ConfiguredMembers {
			observedHosts[host] = struct{}{}
			if !expectedContainsHost(expected, host) {
				staleHostSeen = true
			}
		}
	}
	if !staleHostSeen {
		return false
	}
	for ep := range expected.Members {
		if _, ok := observedHosts[ep.Host()]; !ok {
			return true
		}
	}
	return false
}

func expectedContainsHost(expected rstypes.ExpectedMemberSet, host string) bool {
	for ep := range expected.Members {
		if ep.Host() == host {
			return true
		}
	}
	return false
}

func configsAgree(members []rstypes.ObservedNodeView) bool {
	if len(members) <= 1 {
		return true
	}
	first := members[0]
	for _, v := range members[1:] {
		if v.ConfigVersion != first.ConfigVersion {
			return false
		}
		if !sameHostSet(v.ConfiguredMembers, first.ConfiguredMembers) {
			return false
		}
	}
	return true
}

func sameHostSet(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for h := range a {
		if _, ok := b[h]; !ok {
			return false
		}
	}
	return true
}

func hostSetsEqual(members []rstypes.ObservedNodeView, expected rstypes.ExpectedMemberSet) bool {
	if len(members) == 0 {
		return false
	}
	configured := members[0].ConfiguredMembers
	if len(configured) != len(expected.Members) {
		return false
	}
	for ep := range expected.Members {
		if _, ok := configured[ep.Host()]; !ok {
			return false
		}
	}
	return true
}

// chooseActor implements the tie-break rule: prefer the primary; else the
// member with the highest configVersion, tie-breaking on the smallest IP.
func chooseActor(members []rstypes.ObservedNodeView, primary rstypes.NodeEndpoint, hasPrimary bool) (rstypes.NodeEndpoint, bool) {
	if hasPrimary {
		return primary, true
	}
	if len(members) == 0 {
		return rstypes.NodeEndpoint{}, false
	}
	sorted := append([]rstypes.ObservedNodeView(nil), members...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ConfigVersion != sorted[j].ConfigVersion {
			return sorted[i].ConfigVersion > sorted[j].ConfigVersion
		}
		return sorted[i].Endpoint.IP < sorted[j].Endpoint.IP
	})
	return sorted[0].Endpoint, true
}
