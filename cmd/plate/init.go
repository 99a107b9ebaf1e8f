package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/platemate/platemate/internal/config"
	"github.com/platemate/platemate/internal/daemon"
	"github.com/platemate/platemate/internal/ui"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Create the data directory, database and config file",
	Long: `Create the data directory with an empty database, the inbox for batch
files and a config.toml holding the effective settings. Running init again
is safe: the database is migrated in place and an existing config file is
kept unless --force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		out := cmd.OutOrStdout()

		err := withApp(cmd, func(ctx context.Context, a *app) error {
			_, err := daemon.NewInbox(cfg.Daemon.InboxDir, cfg.Daemon.Debounce, a.mgr)
			return err
		})
		if err != nil {
			return err
		}

		path := configPath
		if path == "" {
			path = filepath.Join(cfg.DataDir, config.FileName)
		}
		if _, statErr := os.Stat(path); statErr == nil && !force {
			fmt.Fprintf(out, "%s Kept existing config %s\n", ui.RenderMuted("•"), path)
		} else {
			if err := config.Write(path, *cfg, true); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s Wrote config %s\n", ui.RenderPass("✓"), path)
		}

		fmt.Fprintf(out, "%s Database ready at %s\n", ui.RenderPass("✓"), cfg.Store.Path)
		fmt.Fprintf(out, "%s Inbox at %s\n", ui.RenderPass("✓"), cfg.Daemon.InboxDir)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
	},
}

func init() {
	initCmd.Flags().Bool("force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)
}
