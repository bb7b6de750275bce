// Package swarm implements the Topology Observer: it asks Docker Swarm
// which nodes are schedulable and which tasks of the MongoDB service are
// actually running, and reduces that to the Expected Member Set.
//
// Grounded on the docker/docker/client usage pattern in the pack's
// uncloud machine.go (a client.Client built once and reused) and on the
// constraint-defaulting pass in the teacher's pkg/topology, generalized
// from a static YAML topology to a live Swarm query.
package swarm

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"

	"github.com/zph/rsopctl/pkg/rserrors"
	"github.com/zph/rsopctl/pkg/rstypes"
)

// Observer implements §4.1's observe() contract against a live Swarm.
type Observer struct {
	cli             *client.Client
	serviceName     string
	overlayNetwork  string
	port            uint16
	placementLabels map[string]string
}

// New builds an Observer from a real Docker client configured from the
// environment (DOCKER_HOST, DOCKER_CERT_PATH, ...).
func New(serviceName, overlayNetwork string, port uint16) (*Observer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &rserrors.ObserveError{Cause: fmt.Errorf("create docker client: %w", err)}
	}
	return &Observer{cli: cli, serviceName: serviceName, overlayNetwork: overlayNetwork, port: port}, nil
}

// WithPlacementLabels restricts the expected-node count to nodes carrying
// all of the given labels, mirroring the MongoDB service's placement
// constraints.
func (o *Observer) WithPlacementLabels(labels map[string]string) *Observer {
	o.placementLabels = labels
	return o
}

// InspectSubnet returns the overlay network's configured subnet, for
// diagnostic logging only (§4.1's "optional" network inspection).
func (o *Observer) InspectSubnet(ctx context.Context) (string, error) {
	nw, err := o.cli.NetworkInspect(ctx, o.overlayNetwork, client.NetworkInspectOptions{})
	if err != nil {
		return "", &rserrors.ObserveError{Cause: fmt.Errorf("inspect network %s: %w", o.overlayNetwork, err)}
	}
	if len(nw.IPAM.Config) == 0 {
		return "", nil
	}
	return nw.IPAM.Config[0].Subnet, nil
}

// Observe implements §4.1's algorithm: count schedulable nodes matching
// the service's placement constraints, then keep only running tasks with
// a resolvable IP on the configured overlay network.
func (o *Observer) Observe(ctx context.Context) (rstypes.ExpectedMemberSet, error) {
	nodes, err := o.cli.NodeList(ctx, client.NodeListOptions{})
	if err != nil {
		return rstypes.ExpectedMemberSet{}, &rserrors.ObserveError{Cause: fmt.Errorf("list nodes: %w", err)}
	}

	taskFilter := filters.NewArgs(
		filters.Arg("service", o.serviceName),
		filters.Arg("desired-state", string(swarm.TaskStateRunning)),
	)
	tasks, err := o.cli.TaskList(ctx, client.TaskListOptions{Filters: taskFilter})
	if err != nil {
		return rstypes.ExpectedMemberSet{}, &rserrors.ObserveError{Cause: fmt.Errorf("list tasks: %w", err)}
	}

	return Reduce(nodes, tasks, o.overlayNetwork, o.port, o.placementLabels), nil
}

// Reduce is the pure step 1-4 reduction of §4.1's algorithm: given the raw
// node and task listings, compute the Expected Member Set. Split out from
// Observe so it can be exercised without a live Docker daemon.
func Reduce(nodes []swarm.Node, tasks []swarm.Task, overlayNetwork string, port uint16, placementLabels map[string]string) rstypes.ExpectedMemberSet {
	expectedCount := 0
	for _, n := range nodes {
		if n.Status.State != swarm.NodeStateReady {
			continue
		}
		if n.Spec.Availability != swarm.NodeAvailabilityActive {
			continue
		}
		if !matchesPlacement(n, placementLabels) {
			continue
		}
		expectedCount++
	}

	var members []rstypes.NodeEndpoint
	for _, t := range tasks {
		if t.Status.State != swarm.TaskStateRunning {
			continue
		}
		ip, ok := resolveOverlayIP(t, overlayNetwork)
		if !ok {
			continue
		}
		members = append(members, rstypes.NodeEndpoint{IP: ip, Port: port})
	}

	return rstypes.NewExpectedMemberSet(members, expectedCount)
}

func matchesPlacement(n swarm.Node, placementLabels map[string]string) bool {
	if len(placementLabels) == 0 {
		return true
	}
	for k, v := range placementLabels {
		if n.Spec.Labels[k] != v {
			return false
		}
	}
	return true
}

// resolveOverlayIP finds the task's address on the configured overlay
// network and strips the CIDR mask MongoDB doesn't want.
func resolveOverlayIP(t swarm.Task, overlayNetwork string) (string, bool) {
	for _, att := range t.NetworksAttachments {
		if att.Network.Spec.Name != overlayNetwork {
			continue
		}
		for _, addr := range att.Addresses {
			ip, _, err := net.ParseCIDR(addr)
			if err != nil {
				// Some daemons report a bare IP without a mask.
				if strings.Contains(addr, ":") || net.ParseIP(addr) != nil {
					return addr, true
				}
				continue
			}
			return ip.String(), true
		}
	}
	return "", false
}

// Close releases the underlying Docker client's connection.
func (o *Observer) Close() error { return o.cli.Close() }
