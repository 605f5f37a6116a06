package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeworks/foundry/pkg/client"
	"github.com/forgeworks/foundry/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet and queue summary",
	RunE:  runStatus,
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List drones",
	RunE:  runNodes,
}

func init() {
	statusCmd.Flags().String("server", "localhost:8100", "control plane address")
	nodesCmd.Flags().String("server", "localhost:8100", "control plane address")
	nodesCmd.Flags().Bool("all", false, "include offline drones")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(nodesCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := client.New(server, "").Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%s (v%s, up %s)\n", st.Orchestrator, st.Version,
		(time.Duration(st.UptimeS) * time.Second).String())
	fmt.Printf("  Drones: %d online / %d total (%d cores)\n",
		st.DronesOnline, st.DronesTotal, st.TotalCores)
	paused := ""
	if st.QueuePaused {
		paused = "  [PAUSED]"
	}
	fmt.Printf("  Queue:%s\n", paused)
	for _, s := range []types.WorkStatus{
		types.WorkNeeded, types.WorkDelegated, types.WorkReceived,
		types.WorkBlocked, types.WorkFailed,
	} {
		fmt.Printf("    %-10s %d\n", s, st.Queue[s])
	}
	if st.Session != nil {
		fmt.Printf("  Session: %s (%d/%d done)\n",
			st.Session.Name, st.Session.Completed, st.Session.Total)
	}
	return nil
}

func runNodes(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	all, _ := cmd.Flags().GetBool("all")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nodes, err := client.New(server, "").Nodes(ctx, all)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		fmt.Println("No drones registered.")
		return nil
	}

	fmt.Printf("%-16s %-10s %-10s %-6s %-20s %s\n",
		"NAME", "KIND", "STATUS", "CORES", "BUILDING", "LAST SEEN")
	for _, n := range nodes {
		status := string(n.Status)
		if n.Paused {
			status += " (paused)"
		}
		building := n.CurrentTask
		if building == "" {
			building = "-"
		}
		fmt.Printf("%-16s %-10s %-10s %-6d %-20s %s\n",
			n.Name, n.Kind, status, n.Capabilities.Cores, building,
			n.LastSeen.Format(time.RFC3339))
	}
	return nil
}
