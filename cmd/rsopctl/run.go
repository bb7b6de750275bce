package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/zph/rsopctl/pkg/bootstrap"
	"github.com/zph/rsopctl/pkg/config"
	"github.com/zph/rsopctl/pkg/logger"
	"github.com/zph/rsopctl/pkg/reconcile"
	"github.com/zph/rsopctl/pkg/rsmongo"
	"github.com/zph/rsopctl/pkg/swarm"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reconciliation loop until terminated",
	Long:  `Starts the Supervisor Loop: observe, probe, classify, plan, and actuate on a recurring cadence until SIGINT/SIGTERM.`,
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
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

	metrics := reconcile.NewMetrics()
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	opts := reconcile.Options{
		ReplicaSetName:      cfg.ReplicaSetName,
		CycleInterval:       cfg.CycleInterval,
		ElectionTimeout:     cfg.ElectionTimeout,
		CycleDeadline:       cfg.CycleDeadline(),
		CycleSchedule:       cfg.CycleSchedule,
		ScaleDownHysteresis: cfg.ScaleDownHysteresis,
		Bootstrap: bootstrap.Config{
			RootUsername: cfg.MongoRootUsername,
			RootPassword: cfg.MongoRootPassword,
			AppDatabase:  cfg.InitDBDatabase,
			AppUsername:  cfg.InitDBUser,
			AppPassword:  cfg.InitDBPassword,
		},
	}

	sup := reconcile.New(opts, topology, prober, cred, metrics)

	logger.Info("rsopctl starting", logger.Fields{
		"replica_set": cfg.ReplicaSetName,
		"service":     cfg.MongoServiceName,
		"network":     cfg.OverlayNetworkName,
	})

	return sup.Run(cmd.Context())
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server exited", logger.Fields{"error": err.Error()})
	}
}
