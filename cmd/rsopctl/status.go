package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zph/rsopctl/pkg/classify"
	"github.com/zph/rsopctl/pkg/config"
	"github.com/zph/rsopctl/pkg/rsmongo"
	"github.com/zph/rsopctl/pkg/rstypes"
	"github.com/zph/rsopctl/pkg/swarm"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Observe and probe the cluster, reporting classification without acting",
	Long:  `Runs the read-only half of a cycle (Topology Observer, Cluster Prober, State Classifier) and prints the result. Never calls replSetInitiate/replSetReconfig.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	topology, err := swarm.New(cfg.MongoServiceName, cfg.OverlayNetworkName, cfg.MongoPort)
	if err != nil {
		return err
	}
	defer topology.Close()

	ctx := cmd.Context()
	expected, err := topology.Observe(ctx)
	if err != nil {
		return err
	}

	prober := rsmongo.New()
	prober.Credentials = &rsmongo.Credentials{Username: cfg.MongoRootUsername, Password: cfg.MongoRootPassword}
	observed := prober.Probe(ctx, expected.Sorted())

	result := classify.Classify(expected, observed, 0, 0, cfg.ScaleDownHysteresis, 0)

	fmt.Printf("expected members: %d (pending %d)\n", expected.ExpectedCount, expected.PendingCount)
	for _, ep := range expected.Sorted() {
		view := observed[ep]
		fmt.Printf("  %-21s state=%-13s version=%d primary=%v\n", ep, view.State, view.ConfigVersion, view.IsPrimary)
	}
	fmt.Printf("classification: %s\n", result.State)
	if result.HasPrimary {
		fmt.Printf("primary: %s\n", result.Primary)
	}
	if result.HasTarget && result.State != rstypes.SteadyState {
		fmt.Printf("would act against: %s\n", result.TargetNode)
	}
	return nil
}
