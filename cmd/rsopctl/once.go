package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zph/rsopctl/pkg/bootstrap"
	"github.com/zph/rsopctl/pkg/config"
	"github.com/zph/rsopctl/pkg/reconcile"
	"github.com/zph/rsopctl/pkg/rsmongo"
	"github.com/zph/rsopctl/pkg/swarm"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single reconciliation cycle and exit",
	Long:  `Runs exactly one observe/probe/classify/plan/actuate cycle, then exits. Useful for cron-driven deployments or manual troubleshooting.`,
	RunE:  runOnce,
}

func init() {
	rootCmd.AddCommand(onceCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	topology, err := swarm.New(cfg.MongoServiceName, cfg.OverlayNetworkName, cfg.MongoPort)
	if err != nil {
		return err
	}
	defer topology.Close()

	prober := rsmongo.New()
	cred := &rsmongo.Credentials{Username: cfg.MongoRootUsername, Password: cfg.MongoRootPassword}

	opts := reconcile.Options{
		ReplicaSetName:      cfg.ReplicaSetName,
		CycleInterval:       cfg.CycleInterval,
		ElectionTimeout:     cfg.ElectionTimeout,
		CycleDeadline:       cfg.CycleDeadline(),
		ScaleDownHysteresis: cfg.ScaleDownHysteresis,
		Bootstrap: bootstrap.Config{
			RootUsername: cfg.MongoRootUsername,
			RootPassword: cfg.MongoRootPassword,
			AppDatabase:  cfg.InitDBDatabase,
			AppUsername:  cfg.InitDBUser,
			AppPassword:  cfg.InitDBPassword,
		},
	}

	sup := reconcile.New(opts, topology, prober, cred, nil)

	outcome, err := sup.RunOnce(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("classification: %s\n", outcome.State)
	if outcome.HasPrimary {
		fmt.Printf("primary: %s\n", outcome.Primary)
	} else {
		fmt.Println("primary: none")
	}
	return nil
}
