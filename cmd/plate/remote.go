package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/platemate/platemate/internal/logging"
	"github.com/platemate/platemate/internal/remote"
	"github.com/platemate/platemate/internal/remote/pgremote"
	"github.com/platemate/platemate/internal/ui"
	"github.com/spf13/cobra"
)

var remoteCmd = &cobra.Command{
	Use:     "remote",
	GroupID: "sync",
	Short:   "Run a sync remote",
}

var remoteServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sync API for other devices",
	Long: `Serve the record API that plate sync talks to. Records are kept in
PostgreSQL when remote.postgres.dsn is set, or in memory with --memory,
which is handy for trying sync between two data directories:

  plate remote serve --memory --listen 127.0.0.1:8470
  plate --data-dir /tmp/phone sync --remote.url http://127.0.0.1:8470`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = cfg.Remote.Listen
		}
		memory, _ := cmd.Flags().GetBool("memory")

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		var backend remote.Remote
		kind := "memory"
		switch {
		case memory:
			backend = remote.NewMemory()
		case cfg.Remote.Postgres.DSN != "":
			pg, err := pgremote.Open(ctx, cfg.Remote.Postgres)
			if err != nil {
				return err
			}
			defer pg.Close()
			backend, kind = pg, "postgres"
		default:
			return fmt.Errorf("no backend: set remote.postgres.dsn or pass --memory")
		}

		ln, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", listen, err)
		}
		srv := &http.Server{
			Handler:           remote.NewHandler(backend, cfg.Remote.Token),
			ReadHeaderTimeout: 10 * time.Second,
		}
		log := logging.For("remote")

		errc := make(chan error, 1)
		go func() {
			log.WithField("addr", ln.Addr().String()).WithField("backend", kind).Info("remote listening")
			errc <- srv.Serve(ln)
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "%s serving %s remote on http://%s\n", ui.RenderPass("●"), kind, ln.Addr())

		select {
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("remote shutdown: %w", err)
		}
		log.Info("remote stopped")
		return nil
	},
}

func init() {
	f := remoteServeCmd.Flags()
	f.String("listen", "", "address to listen on (default remote.listen)")
	f.Bool("memory", false, "keep records in memory instead of PostgreSQL")

	rootCmd.PersistentFlags().String("remote.url", "", "sync remote base URL")

	remoteCmd.AddCommand(remoteServeCmd)
	rootCmd.AddCommand(remoteCmd)
}
