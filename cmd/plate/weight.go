package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/platemate/platemate/internal/store/schema"
	"github.com/platemate/platemate/internal/ui"
	"github.com/spf13/cobra"
)

var weightCmd = &cobra.Command{
	Use:     "weight",
	GroupID: "track",
	Short:   "Record and review body weight",
}

var weightAddCmd = &cobra.Command{
	Use:   "add <kg>",
	Short: "Record a weight measurement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := requireUser()
		if err != nil {
			return err
		}
		kg, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid weight %q: %w", args[0], err)
		}
		at, _ := cmd.Flags().GetString("at")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			loc := a.stats.Location()
			recorded, err := parseWhen(at, time.Now().In(loc))
			if err != nil {
				return err
			}
			w := &schema.WeightEntry{UserID: user, WeightKg: kg, RecordedAt: recorded}
			if err := a.mgr.LogWeight(ctx, w); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Recorded %.1f kg at %s\n",
				ui.RenderPass("✓"), w.WeightKg, w.RecordedAt.In(loc).Format("2006-01-02 15:04"))
			return nil
		})
	},
}

var weightHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent weight measurements, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := requireUser()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			history, err := a.store.WeightHistory(ctx, user, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(history) == 0 {
				fmt.Fprintln(out, ui.RenderMuted("no weight recorded"))
				return nil
			}
			loc := a.stats.Location()
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RECORDED\tKG\tCHANGE\tID")
			for i, w := range history {
				change := ""
				if i+1 < len(history) {
					change = fmt.Sprintf("%+.1f", w.WeightKg-history[i+1].WeightKg)
				}
				fmt.Fprintf(tw, "%s\t%.1f\t%s\t%s\n",
					w.RecordedAt.In(loc).Format("2006-01-02 15:04"), w.WeightKg, change, w.ID)
			}
			return tw.Flush()
		})
	},
}

var weightRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a weight measurement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.mgr.DeleteWeight(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Removed %s\n", ui.RenderPass("✓"), args[0])
			return nil
		})
	},
}

func init() {
	weightAddCmd.Flags().String("at", "", "when it was measured (default now)")
	weightHistoryCmd.Flags().Int("limit", 10, "number of measurements to show, 0 for all")
	weightCmd.AddCommand(weightAddCmd, weightHistoryCmd, weightRmCmd)
	rootCmd.AddCommand(weightCmd)
}
