package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cuemby/relay/pkg/client"
	"github.com/cuemby/relay/pkg/types"
	"github.com/spf13/cobra"
)

var presenceCmd = &cobra.Command{
	Use:   "presence ENTITY",
	Short: "List users present on an entity",
	Long: `List the users active on an entity, e.g. "channel:42". Without --threshold
the gateway's configured activity window is used; --threshold 0 lists every
attached user.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, err := types.ParseEntity(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		var threshold *time.Duration
		if cmd.Flags().Changed("threshold") {
			d, _ := cmd.Flags().GetDuration("threshold")
			threshold = &d
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := c.Presence(ctx, entity, threshold)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ENTITY\tTHRESHOLD\tUSERS\n")
		fmt.Fprintf(w, "%s\t%s\t%d\n", resp.Entity, resp.Threshold, len(resp.UserIDs))
		w.Flush()
		for _, id := range resp.UserIDs {
			fmt.Println("  " + id)
		}
		return nil
	},
}

var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "Show a gateway node's readiness",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		status, err := c.Ready(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Status: %s\n", status.Status)
		if status.NodeID != "" {
			fmt.Printf("Node:   %s\n", status.NodeID)
		}
		for name, state := range status.Components {
			fmt.Printf("  %-8s %s\n", name, state)
		}
		if status.Status != "ready" {
			return fmt.Errorf("gateway not ready: %s", status.Message)
		}
		return nil
	},
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("server")
	return client.NewClient(addr)
}

func init() {
	for _, c := range []*cobra.Command{presenceCmd, readyCmd} {
		c.Flags().String("server", "localhost:8080", "Gateway HTTP address")
	}
	presenceCmd.Flags().Duration("threshold", 0, "Activity window override (0 = no filtering)")
}
