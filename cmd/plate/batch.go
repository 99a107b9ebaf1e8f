package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/platemate/platemate/internal/daemon"
	"github.com/platemate/platemate/internal/store/schema"
	"github.com/platemate/platemate/internal/ui"
	"github.com/spf13/cobra"
)

var batchCmd = &cobra.Command{
	Use:     "batch",
	GroupID: "track",
	Short:   "Ingest batches of food entries",
}

var batchIngestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Store batch files atomically",
	Long: `Store each batch file (JSON or YAML) in a single transaction: either
every entry of a file is saved or none is. A rejected batch names the
first failing entry.

With --inbox, the inbox directory is scanned once instead, the way the
daemon does it: processed files move to done/, rejected ones to failed/
next to a .error file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		inbox, _ := cmd.Flags().GetBool("inbox")
		if !inbox && len(args) == 0 {
			return fmt.Errorf("no batch files given; pass files or --inbox")
		}
		out := cmd.OutOrStdout()

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if inbox {
				in, err := daemon.NewInbox(cfg.Daemon.InboxDir, cfg.Daemon.Debounce, a.mgr)
				if err != nil {
					return err
				}
				var rejected error
				in.OnProcessed = func(path string, err error) {
					if err == nil {
						fmt.Fprintf(out, "%s %s\n", ui.RenderPass("✓"), filepath.Base(path))
						return
					}
					fmt.Fprintf(out, "%s %s: %s\n", ui.RenderFail("✗"), filepath.Base(path), describe(err))
					if rejected == nil {
						rejected = err
					}
				}
				n, err := in.Scan(ctx)
				fmt.Fprintf(out, "%s %d batch file(s) stored from %s\n", ui.RenderPass("✓"), n, in.Dir())
				if err != nil {
					return err
				}
				return rejected
			}

			var firstErr error
			for _, path := range args {
				if err := ingestFile(ctx, a, out, path); err != nil {
					if len(args) == 1 {
						return err
					}
					fmt.Fprintf(out, "%s %s: %s\n", ui.RenderFail("✗"), path, describe(err))
					if firstErr == nil {
						firstErr = err
					}
				}
			}
			return firstErr
		})
	},
}

// ingestFile stores one batch file. Rows without a user fall back to the
// configured user.
func ingestFile(ctx context.Context, a *app, out io.Writer, path string) error {
	b, err := schema.ReadBatchFile(path)
	if err != nil {
		return err
	}
	if b.UserID == "" {
		b.UserID = cfg.UserID
	}
	res, err := a.mgr.AddBatch(ctx, b)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s: %d entries stored as batch %s\n", ui.RenderPass("✓"), path, res.Rows, res.BatchID)
	return nil
}

func init() {
	batchIngestCmd.Flags().Bool("inbox", false, "scan the inbox directory once")
	batchCmd.AddCommand(batchIngestCmd)
	rootCmd.AddCommand(batchCmd)
}
