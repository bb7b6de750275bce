//go:build integration

package reconcile_test

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/zph/rsopctl/pkg/bootstrap"
	"github.com/zph/rsopctl/pkg/reconcile"
	"github.com/zph/rsopctl/pkg/rsmongo"
	"github.com/zph/rsopctl/pkg/rstypes"
)

// mongodContainer starts a single mongod with --replSet rs0 and no replica
// set config yet, in the style of the
// teacher's pkg/executor SSH container helper: GenericContainerRequest with
// an exposed port and a readiness wait, terminated by the caller.
func mongodContainer(ctx context.Context, t *testing.T, name string) (testcontainers.Container, rstypes.NodeEndpoint) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "mongo:7.0",
		ExposedPorts: []string{"27017/tcp"},
		Cmd:          []string{"mongod", "--replSet", "rs0", "--bind_ip_all"},
		WaitingFor:   wait.ForListeningPort("27017/tcp").WithStartupTimeout(60 * time.Second),
		Name:         fmt.Sprintf("rsopctl-test-%s", name),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, "27017")
	require.NoError(t, err)
	port, err := strconv.Atoi(mapped.Port())
	require.NoError(t, err)

	return container, rstypes.NodeEndpoint{IP: host, Port: uint16(port)}
}

// fixedTopology always reports the same single-member expected set; it
// stands in for the Swarm Observer so the test exercises one real mongod
// rather than a fake network of endpoints.
type fixedTopology struct {
	expected rstypes.ExpectedMemberSet
}

func (f fixedTopology) Observe(ctx context.Context) (rstypes.ExpectedMemberSet, error) {
	return f.expected, nil
}

// TestSupervisor_RunOnce_FreshDeployAgainstRealMongod drives one full
// Supervisor cycle (observe/probe/classify/plan/actuate/bootstrap) against
// a real single-node mongod, confirming Fresh-Deploy converges to
// SteadyState on the following cycle.
func TestSupervisor_RunOnce_FreshDeployAgainstRealMongod(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, ep := mongodContainer(ctx, t, "fresh")
	defer container.Terminate(ctx)

	expected := rstypes.NewExpectedMemberSet([]rstypes.NodeEndpoint{ep}, 1)

	opts := reconcile.Options{
		ReplicaSetName:  "rs0",
		ElectionTimeout: 20 * time.Second,
		CycleDeadline:   60 * time.Second,
		Bootstrap: bootstrap.Config{
			RootUsername: "root",
			RootPassword: "toor12345",
			AppDatabase:  "appdb",
			AppUsername:  "appuser",
			AppPassword:  "appsecret12345",
		},
	}
	sup := reconcile.New(opts, fixedTopology{expected: expected}, rsmongo.New(), nil, nil)

	outcome, err := sup.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, rstypes.FreshDeploy, outcome.State)

	time.Sleep(2 * time.Second)

	outcome, err = sup.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, rstypes.SteadyState, outcome.State)
	require.True(t, outcome.HasPrimary)
	require.Equal(t, ep.IP, outcome.Primary.IP)
}
