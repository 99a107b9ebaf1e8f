package main

import (
	"fmt"

	"github.com/platemate/platemate/internal/daemon"
	"github.com/platemate/platemate/internal/dashboard"
	"github.com/platemate/platemate/internal/reconcile"
	"github.com/platemate/platemate/internal/ui"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the inbox watcher, background sync and dashboard",
	Long: `Run in the foreground until interrupted:

  - batch files dropped into the inbox are ingested atomically
  - the store is reconciled with the remote periodically and after changes
  - the dashboard, when an address is set, streams store changes, streak
    updates and sync results over WebSocket

Without a configured remote, the daemon only ingests and serves.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Daemon.DashboardAddr = addr
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := openApp(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		deps := daemon.Deps{
			Manager: a.mgr,
			Watcher: a.watcher,
			Queue:   a.queue,
		}

		if cfg.Daemon.DashboardAddr != "" {
			deps.Dashboard = dashboard.NewServer(dashboard.Config{
				Addr:     cfg.Daemon.DashboardAddr,
				Location: a.stats.Location(),
			}, a.store)
			a.onStreak(deps.Dashboard.OnStreakUpdated)
		}

		if cfg.Remote.Enabled() {
			rem, closeRemote, err := openRemote(ctx, cfg.Remote)
			if err != nil {
				return err
			}
			defer closeRemote()

			rec := a.reconciler(rem)
			if srv := deps.Dashboard; srv != nil {
				rec.OnComplete = srv.OnSyncComplete
			}
			deps.Scheduler = reconcile.NewScheduler(rec, cfg.Sync)
		}

		d, err := daemon.New(cfg.Daemon, deps)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s watching %s\n", ui.RenderPass("●"), d.Inbox().Dir())
		if deps.Dashboard != nil {
			fmt.Fprintf(out, "%s dashboard on http://%s\n", ui.RenderPass("●"), cfg.Daemon.DashboardAddr)
		}
		if deps.Scheduler == nil {
			fmt.Fprintf(out, "%s no remote configured, sync disabled\n", ui.RenderMuted("○"))
		}
		return d.Run(ctx)
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "sync",
	Short:   "Serve the dashboard without ingesting or syncing",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Daemon.DashboardAddr
		}
		if addr == "" {
			return fmt.Errorf("no dashboard address: pass --addr or set daemon.dashboard_addr")
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := openApp(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.queue.Start(ctx); err != nil {
			return err
		}

		srv := dashboard.NewServer(dashboard.Config{Addr: addr, Location: a.stats.Location()}, a.store)
		if err := srv.Start(); err != nil {
			return err
		}
		dispose := a.watcher.Subscribe(srv.OnStoreChanged)
		defer dispose()

		fmt.Fprintf(cmd.OutOrStdout(), "%s dashboard on http://%s\n", ui.RenderPass("●"), srv.Addr())
		<-ctx.Done()
		return srv.Stop()
	},
}

func init() {
	daemonCmd.Flags().String("addr", "", "serve the dashboard on this address, e.g. 127.0.0.1:8471")
	dashboardCmd.Flags().String("addr", "", "address to listen on (default daemon.dashboard_addr)")
	rootCmd.AddCommand(daemonCmd, dashboardCmd)
}
