package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rsopctl",
	Short: "MongoDB Replica Set Reconciliation Operator",
	Long: `rsopctl watches a Docker Swarm MongoDB service and its overlay network,
and drives the replica set configuration toward the set of currently
scheduled members — initiating, scaling, and recovering from redeploys
without a human running rs.reconfig() by hand.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
