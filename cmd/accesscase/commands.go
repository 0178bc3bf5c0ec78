package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openhabitat/accesscase/internal/models"
	syncpkg "github.com/openhabitat/accesscase/internal/sync"
)

func newSyncCmd() *cobra.Command {
	var entityTypes []string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the pending queue once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			a.orch.SetOnline(true)
			var report *syncpkg.Report
			if len(entityTypes) > 0 {
				types := make([]models.EntityType, 0, len(entityTypes))
				for _, s := range entityTypes {
					types = append(types, models.EntityType(s))
				}
				report, err = a.orch.SyncEntityTypes(cmd.Context(), types)
			} else {
				report, err = a.orch.SyncAll(cmd.Context())
			}
			if err != nil {
				return err
			}

			fmt.Printf("Synced: %d  Failed: %d  Conflicted: %d  Remaining: %d\n",
				report.Succeeded, report.Failed, report.Conflicted, report.Remaining)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&entityTypes, "types", "t", nil,
		"restrict the drain to these entity types (assessment, beneficiary, photo, measurement)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts, bandwidth tier, and last sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			snap := a.orch.Status()
			fmt.Printf("Queue: %d pending upload, %d pending download, %d conflict, %d error (%d total)\n",
				snap.Queue.PendingUpload, snap.Queue.PendingDownload,
				snap.Queue.Conflict, snap.Queue.Error, snap.Queue.Total)
			fmt.Printf("Bandwidth tier: %s\n", tierLabel(snap.Tier))
			if snap.LastSync > 0 {
				fmt.Printf("Last sync: %s\n", models.MillisTime(snap.LastSync).Format(time.RFC3339))
			} else {
				fmt.Println("Last sync: never")
			}

			quota, err := a.store.StorageEstimate()
			if err != nil {
				return err
			}
			fmt.Printf("Storage: %d bytes used (%.1f%% of quota)\n", quota.Usage, quota.Percentage)
			return nil
		},
	}
}

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts awaiting manual resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			conflicts, err := a.resolver.Unresolved()
			if err != nil {
				return err
			}
			if len(conflicts) == 0 {
				fmt.Println("No unresolved conflicts.")
				return nil
			}
			for _, c := range conflicts {
				fmt.Printf("%s  %s/%s  detected %s  client@%s server@%s\n",
					c.ID, c.EntityType, c.EntityID,
					models.MillisTime(c.Timestamp).Format(time.RFC3339),
					models.MillisTime(c.ClientModified).Format(time.RFC3339),
					models.MillisTime(c.ServerModified).Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <conflict-id> <strategy>",
		Short: "Resolve a suspended conflict with an explicit strategy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, err := strategyArg(args[1])
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			a.orch.SetOnline(true)
			if err := a.resolver.ResolveConflict(cmd.Context(), models.UUID(args[0]), strategy); err != nil {
				return err
			}
			fmt.Printf("Conflict %s resolved with %s.\n", args[0], strategy)
			return nil
		},
	}
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Reset errored items so the next drain retries them",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.orch.RetryErrored(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Reset %d errored item(s).\n", n)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the auto-sync daemon with the server bridge connected",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a.bridge.Start(ctx)
			a.orch.Start(ctx)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			fmt.Println("Shutting down...")
			a.orch.Stop()
			a.bridge.Stop()
			return nil
		},
	}
}
