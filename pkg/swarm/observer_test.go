package swarm

import (
	"testing"

	"github.com/docker/docker/api/types/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zph/rsopctl/pkg/rstypes"
)

func readyNode(labels map[string]string) swarm.Node {
	return swarm.Node{
		Spec: swarm.NodeSpec{
			Annotations: swarm.Annotations{Labels: labels},
			Availability: swarm.NodeAvailabilityActive,
		},
		Status: swarm.NodeStatus{State: swarm.NodeStateReady},
	}
}

func runningTask(overlayNetwork, addr string) swarm.Task {
	return swarm.Task{
		Status:       swarm.TaskStatus{State: swarm.TaskStateRunning},
		DesiredState: swarm.TaskStateRunning,
		NetworksAttachments: []swarm.NetworkAttachment{
			{
				Network:   swarm.Network{Spec: swarm.NetworkSpec{Annotations: swarm.Annotations{Name: overlayNetwork}}},
				Addresses: []string{addr},
			},
		},
	}
}

func TestReduce_BasicThreeNode(t *testing.T) {
	nodes := []swarm.Node{readyNode(nil), readyNode(nil), readyNode(nil)}
	tasks := []swarm.Task{
		runningTask("overlay", "10.0.0.2/24"),
		runningTask("overlay", "10.0.0.3/24"),
		runningTask("overlay", "10.0.0.4/24"),
	}

	set := Reduce(nodes, tasks, "overlay", 27017, nil)

	require.Equal(t, 3, set.ExpectedCount)
	require.Equal(t, 0, set.PendingCount)
	assert.Len(t, set.Members, 3)
	assert.True(t, set.Contains(rstypes.NodeEndpoint{IP: "10.0.0.2", Port: 27017}))
}

func TestReduce_PendingCountReflectsMissingTasks(t *testing.T) {
	nodes := []swarm.Node{readyNode(nil), readyNode(nil), readyNode(nil)}
	tasks := []swarm.Task{runningTask("overlay", "10.0.0.2/24")}

	set := Reduce(nodes, tasks, "overlay", 27017, nil)

	assert.Equal(t, 3, set.ExpectedCount)
	assert.Equal(t, 2, set.PendingCount)
}

func TestReduce_IgnoresNodesNotMatchingPlacement(t *testing.T) {
	nodes := []swarm.Node{
		readyNode(map[string]string{"role": "mongo"}),
		readyNode(map[string]string{"role": "other"}),
	}
	set := Reduce(nodes, nil, "overlay", 27017, map[string]string{"role": "mongo"})
	assert.Equal(t, 1, set.ExpectedCount)
}

func TestReduce_IgnoresTaskOnWrongNetwork(t *testing.T) {
	nodes := []swarm.Node{readyNode(nil)}
	tasks := []swarm.Task{runningTask("other-net", "10.0.0.2/24")}
	set := Reduce(nodes, tasks, "overlay", 27017, nil)
	assert.Empty(t, set.Members)
}

func TestReduce_IgnoresUnreadyAndUnavailableNodes(t *testing.T) {
	notReady := readyNode(nil)
	notReady.Status.State = swarm.NodeStateDown
	drained := readyNode(nil)
	drained.Spec.Availability = swarm.NodeAvailabilityDrain

	set := Reduce([]swarm.Node{notReady, drained}, nil, "overlay", 27017, nil)
	assert.Equal(t, 0, set.ExpectedCount)
}
