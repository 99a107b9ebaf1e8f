// Command plate is the PlateMate command line: log meals and weight, ingest
// photo-analysis batches, inspect streaks and run the background daemon
// that keeps the local store in sync with the remote.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/platemate/platemate/internal/config"
	"github.com/platemate/platemate/internal/errs"
	"github.com/platemate/platemate/internal/logging"
	"github.com/platemate/platemate/internal/ui"
	"github.com/spf13/cobra"
)

// Exit codes. Scripts driving ingestion tell a busy store, worth retrying,
// from a rejected batch, which is not.
const (
	exitError     = 1
	exitBusy      = 3
	exitBatchFail = 4
)

var (
	configPath string
	cfg        *config.Config
	logCloser  io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "plate",
	Short: "PlateMate: offline-first nutrition tracking",
	Long: `plate records meals, weight and profile data in a local SQLite store
that works without a network connection, and reconciles it with a remote
when one is configured.

Configuration is read from $PLATEMATE_DATA_DIR/config.toml (default
~/.platemate), PLATEMATE_* environment variables and flags, in increasing
order of precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		logCloser, err = logging.Init(cfg.Log)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "track", Title: "Tracking:"},
		&cobra.Group{ID: "sync", Title: "Sync and background:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default $PLATEMATE_DATA_DIR/config.toml)")
	flags.String("data-dir", "", "directory holding the database and inbox")
	flags.String("user-id", "", "user to act as")
	flags.String("log.level", "", "log level: trace, debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderFail("Error:"), describe(err))
		os.Exit(exitCode(err))
	}
}

// exitCode maps err to the process exit status.
func exitCode(err error) int {
	switch {
	case errs.Is(err, errs.StoreBusy):
		return exitBusy
	case errs.Is(err, errs.BatchInsertFailed):
		return exitBatchFail
	}
	return exitError
}

// describe turns err into a message for the user. StoreBusy and batch
// failures say plainly that nothing was saved.
func describe(err error) string {
	if err == nil {
		return ""
	}
	var e *errs.Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	switch e.Code {
	case errs.StoreBusy:
		return "the database is busy, nothing was saved. Try again in a moment.\n  " + ui.RenderMuted(err.Error())
	case errs.BatchInsertFailed:
		if e.Index >= 0 {
			return fmt.Sprintf("entry %d of batch %s was rejected, nothing from the batch was saved.\n  %s",
				e.Index+1, e.BatchID, ui.RenderMuted(err.Error()))
		}
		return fmt.Sprintf("batch %s could not be saved.\n  %s", e.BatchID, ui.RenderMuted(err.Error()))
	}
	return err.Error()
}

func requireUser() (string, error) {
	if cfg.UserID == "" {
		return "", fmt.Errorf("no user: pass --user-id, set PLATEMATE_USER_ID or user_id in the config file")
	}
	return cfg.UserID, nil
}
