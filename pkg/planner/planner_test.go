package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zph/rsopctl/pkg/classify"
	"github.com/zph/rsopctl/pkg/rstypes"
)

func ep(ip string) rstypes.NodeEndpoint { return rstypes.NodeEndpoint{IP: ip, Port: 27017} }

// Scenario 1: fresh 3-node bootstrap.
func TestGenerate_FreshDeploy(t *testing.T) {
	expected := rstypes.NewExpectedMemberSet([]rstypes.NodeEndpoint{ep("10.0.0.4"), ep("10.0.0.2"), ep("10.0.0.3")}, 3)
	result := classify.Result{State: rstypes.FreshDeploy, TargetNode: ep("10.0.0.2"), HasTarget: true}

	p := Generate(result, "rs0", expected, nil, nil)

	assert.NotEmpty(t, p.PlanID)
	require.Equal(t, rstypes.Initiate, p.Action)
	require.NotNil(t, p.Config)
	assert.Equal(t, int64(1), p.Config.Version)
	require.Len(t, p.Config.Members, 3)
	assert.Equal(t, "10.0.0.2:27017", p.Config.Members[0].Host)
	assert.Equal(t, 0, p.Config.Members[0].ID)
	assert.Equal(t, "10.0.0.3:27017", p.Config.Members[1].Host)
	assert.Equal(t, 1, p.Config.Members[1].ID)
	assert.Equal(t, "10.0.0.4:27017", p.Config.Members[2].Host)
	assert.Equal(t, 2, p.Config.Members[2].ID)
}

// Scenario 3: full redeploy with new IPs, version becomes oldMax+1.
func TestGenerate_RedeployIPChange(t *testing.T) {
	expected := rstypes.NewExpectedMemberSet([]rstypes.NodeEndpoint{ep("10.0.5.2"), ep("10.0.5.3"), ep("10.0.5.4")}, 3)
	configured := map[string]int{"10.0.0.2:27017": 0, "10.0.0.3:27017": 1, "10.0.0.4:27017": 2}
	observed := map[rstypes.NodeEndpoint]rstypes.ObservedNodeView{
		ep("10.0.0.2"): {Endpoint: ep("10.0.0.2"), State: rstypes.StateMember, IsPrimary: true, ConfigVersion: 4, RSName: "rs0", ConfiguredMembers: configured},
	}
	result := classify.Result{State: rstypes.RedeployIPChange, TargetNode: ep("10.0.0.2"), HasTarget: true, Primary: ep("10.0.0.2"), HasPrimary: true}

	p := Generate(result, "rs0", expected, observed, nil)

	require.Equal(t, rstypes.ForceReconfigure, p.Action)
	assert.True(t, p.Force)
	require.NotNil(t, p.Config)
	assert.Equal(t, int64(5), p.Config.Version)
	require.Len(t, p.Config.Members, 3)
	hosts := map[string]bool{}
	for _, m := range p.Config.Members {
		hosts[m.Host] = true
	}
	assert.True(t, hosts["10.0.5.2:27017"])
	assert.True(t, hosts["10.0.5.3:27017"])
	assert.True(t, hosts["10.0.5.4:27017"])
}

// Scenario 4: scale-up from 3 to 4, D added at next free _id.
func TestGenerate_Scale(t *testing.T) {
	expected := rstypes.NewExpectedMemberSet([]rstypes.NodeEndpoint{ep("10.0.0.2"), ep("10.0.0.3"), ep("10.0.0.4"), ep("10.0.0.5")}, 4)
	configured := map[string]int{"10.0.0.2:27017": 0, "10.0.0.3:27017": 1, "10.0.0.4:27017": 2}
	observed := map[rstypes.NodeEndpoint]rstypes.ObservedNodeView{
		ep("10.0.0.2"): {Endpoint: ep("10.0.0.2"), State: rstypes.StateMember, IsPrimary: true, ConfigVersion: 1, RSName: "rs0", ConfiguredMembers: configured},
		ep("10.0.0.3"): {Endpoint: ep("10.0.0.3"), State: rstypes.StateMember, ConfigVersion: 1, RSName: "rs0", ConfiguredMembers: configured},
		ep("10.0.0.4"): {Endpoint: ep("10.0.0.4"), State: rstypes.StateMember, ConfigVersion: 1, RSName: "rs0", ConfiguredMembers: configured},
	}
	result := classify.Result{State: rstypes.Scale, TargetNode: ep("10.0.0.2"), HasTarget: true, Primary: ep("10.0.0.2"), HasPrimary: true}

	p := Generate(result, "rs0", expected, observed, nil)

	require.Equal(t, rstypes.Reconfigure, p.Action)
	assert.Equal(t, "10.0.0.2", p.TargetNode.IP)
	assert.Equal(t, int64(2), p.Config.Version)
	require.Len(t, p.Config.Members, 4)

	var added rstypes.ReplicaSetMember
	for _, m := range p.Config.Members {
		if m.Host == "10.0.0.5:27017" {
			added = m
		}
	}
	assert.Equal(t, 3, added.ID)
}

func TestGenerate_SteadyStateIsNoOp(t *testing.T) {
	result := classify.Result{State: rstypes.SteadyState}
	p := Generate(result, "rs0", rstypes.ExpectedMemberSet{}, nil, nil)
	assert.Equal(t, rstypes.NoOp, p.Action)
}

func TestGenerate_UnstableIsNoOp(t *testing.T) {
	result := classify.Result{State: rstypes.Unstable}
	p := Generate(result, "rs0", rstypes.ExpectedMemberSet{}, nil, nil)
	assert.Equal(t, rstypes.NoOp, p.Action)
}
