package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/platemate/platemate/internal/reconcile"
	"github.com/platemate/platemate/internal/ui"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push local changes and pull remote ones",
	Long: `Run one reconcile pass against the configured remote: pending local
rows are pushed oldest first, then changes newer than the last pull are
fetched and merged, the most recently modified version winning.

An unreachable remote is not an error. Changes stay pending and go out on
the next pass.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReconciler(cmd, func(ctx context.Context, rec *reconcile.Reconciler) error {
			res, err := rec.Reconcile(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printPush(out, res.Push)
			if !res.Push.Offline {
				printPull(out, res.Pull)
			}
			fmt.Fprintf(out, "%s\n", ui.RenderMuted("took "+res.Duration.Round(time.Millisecond).String()))
			return nil
		})
	},
}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push pending local changes only",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReconciler(cmd, func(ctx context.Context, rec *reconcile.Reconciler) error {
			res, err := rec.Push(ctx)
			if err != nil {
				return err
			}
			printPush(cmd.OutOrStdout(), res)
			return nil
		})
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull remote changes only",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReconciler(cmd, func(ctx context.Context, rec *reconcile.Reconciler) error {
			res, err := rec.Pull(ctx)
			if err != nil {
				return err
			}
			printPull(cmd.OutOrStdout(), res)
			return nil
		})
	},
}

// withReconciler opens the store and the configured remote for fn.
func withReconciler(cmd *cobra.Command, fn func(ctx context.Context, rec *reconcile.Reconciler) error) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		rem, closeRemote, err := openRemote(ctx, cfg.Remote)
		if err != nil {
			return err
		}
		defer closeRemote()

		if cfg.Sync.PassTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Sync.PassTimeout)
			defer cancel()
		}
		return fn(ctx, a.reconciler(rem))
	})
}

func printPush(out io.Writer, r reconcile.PushResult) {
	if r.Offline {
		fmt.Fprintf(out, "%s remote unreachable, changes stay pending\n", ui.RenderWarn("○"))
		return
	}
	fmt.Fprintf(out, "%s pushed %d", ui.RenderPass("↑"), r.Pushed)
	if r.Stale > 0 {
		fmt.Fprintf(out, ", %d changed while in flight", r.Stale)
	}
	if r.Failed > 0 {
		fmt.Fprintf(out, ", %s", ui.RenderFail(fmt.Sprintf("%d failed", r.Failed)))
	}
	fmt.Fprintln(out)
}

func printPull(out io.Writer, r reconcile.PullResult) {
	if r.Offline {
		fmt.Fprintf(out, "%s remote unreachable, nothing pulled\n", ui.RenderWarn("○"))
		return
	}
	fmt.Fprintf(out, "%s pulled %d (%d new, %d updated, %d deleted)",
		ui.RenderPass("↓"), r.Applied(), r.Inserted, r.Updated, r.Deleted)
	if r.KeptLocal > 0 {
		fmt.Fprintf(out, ", kept %d newer local", r.KeptLocal)
	}
	if r.Skipped+r.Failed > 0 {
		fmt.Fprintf(out, ", %s", ui.RenderFail(fmt.Sprintf("%d skipped", r.Skipped+r.Failed)))
	}
	fmt.Fprintln(out)
}

func init() {
	syncCmd.AddCommand(syncPushCmd, syncPullCmd)
	rootCmd.AddCommand(syncCmd)
}
