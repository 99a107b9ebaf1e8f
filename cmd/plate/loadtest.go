package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/platemate/platemate/internal/store/db"
	"github.com/platemate/platemate/internal/store/loadtest"
	"github.com/platemate/platemate/internal/store/streak"
	"github.com/platemate/platemate/internal/store/txmgr"
	"github.com/platemate/platemate/internal/ui"
	"github.com/spf13/cobra"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "setup",
	Short:   "Hammer a scratch database with concurrent batches",
	Long: `Run concurrent writers and readers against a scratch database and check
that no committed batch lost rows and no rejected batch left any behind.
The store settings (busy timeout, retries) come from the configuration, so
this is a quick way to see how they behave under contention.

The scratch database is removed afterwards unless --db names one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		lc := loadtest.DefaultConfig()
		lc.Writers, _ = flags.GetInt("writers")
		lc.BatchesPerWriter, _ = flags.GetInt("batches")
		lc.RowsPerBatch, _ = flags.GetInt("rows")
		lc.Users, _ = flags.GetInt("users")
		lc.Readers, _ = flags.GetInt("readers")
		lc.Seed, _ = flags.GetInt64("seed")
		asJSON, _ := flags.GetBool("json")

		path, _ := flags.GetString("db")
		if path == "" {
			dir, err := os.MkdirTemp("", "plate-loadtest-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)
			path = filepath.Join(dir, "load.db")
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		storeCfg := cfg.Store
		storeCfg.Path = path
		store, err := db.Open(ctx, storeCfg)
		if err != nil {
			return err
		}
		defer store.Close()
		stats, err := streak.New(store, cfg.Streak)
		if err != nil {
			return err
		}
		mgr := txmgr.New(store, txmgr.Deps{Stats: stats}, cfg.Tx)

		rep, err := loadtest.Run(ctx, mgr, lc)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return err
			}
		} else {
			rep.Print(out)
		}
		if !rep.OK() {
			return fmt.Errorf("load test found %d lost rows and %d partial batches", rep.LostRows, rep.Partial)
		}
		if !asJSON {
			fmt.Fprintln(out, ui.RenderPass("✓ every batch was all-or-nothing"))
		}
		return nil
	},
}

func init() {
	def := loadtest.DefaultConfig()
	f := loadtestCmd.Flags()
	f.Int("writers", def.Writers, "concurrent writers")
	f.Int("batches", def.BatchesPerWriter, "batches per writer")
	f.Int("rows", def.RowsPerBatch, "food log rows per batch")
	f.Int("users", def.Users, "users shared by the writers")
	f.Int("readers", def.Readers, "concurrent readers")
	f.Int64("seed", def.Seed, "random seed")
	f.String("db", "", "database file to use instead of a scratch one")
	f.Bool("json", false, "print the report as JSON")
	rootCmd.AddCommand(loadtestCmd)
}
