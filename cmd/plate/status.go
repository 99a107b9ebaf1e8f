package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/platemate/platemate/internal/store/db"
	"github.com/platemate/platemate/internal/store/schema"
	"github.com/platemate/platemate/internal/store/streak"
	"github.com/platemate/platemate/internal/ui"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "track",
	Short:   "Show today's totals, the streak and the sync backlog",
	Long: `Show today's totals against the calorie goal, the logging streak with
its milestones, the latest weight and the state of the local store: row
counts, changes waiting to be pushed and when each kind was last pulled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dayFlag, _ := cmd.Flags().GetString("day")
		out := cmd.OutOrStdout()

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if cfg.UserID != "" {
				day, err := dayOf(dayFlag, a.stats.Location())
				if err != nil {
					return err
				}
				if err := printUserStatus(ctx, out, a, cfg.UserID, day); err != nil {
					return err
				}
				fmt.Fprintln(out)
			}
			return printStoreStatus(ctx, out, a)
		})
	},
}

func printUserStatus(ctx context.Context, out io.Writer, a *app, user string, day time.Time) error {
	loc := a.stats.Location()
	totals, err := a.store.DailyTotals(ctx, user, day, loc)
	if err != nil {
		return err
	}
	st, err := a.store.Streak(ctx, user)
	if err != nil {
		return err
	}

	goal := 0
	p, err := a.store.Profile(ctx, user)
	switch {
	case err == nil:
		if p.DailyCalorieGoal != nil {
			goal = *p.DailyCalorieGoal
		}
	case !errors.Is(err, db.ErrNotFound):
		return err
	}

	calories := fmt.Sprintf("%d kcal", totals.Calories)
	if goal > 0 {
		calories = fmt.Sprintf("%s  %d / %d kcal", ui.Bar(totals.Calories, goal, 20), totals.Calories, goal)
	}
	fields := []ui.Field{
		{Label: "Entries", Value: fmt.Sprint(totals.Entries)},
		{Label: "Calories", Value: calories},
		{Label: "Macros", Value: fmt.Sprintf("P %.0fg  C %.0fg  F %.0fg", totals.ProteinG, totals.CarbsG, totals.FatG)},
		{Label: "Streak", Value: streakLine(st)},
	}

	w, err := a.store.CurrentWeight(ctx, user)
	switch {
	case err == nil:
		fields = append(fields, ui.Field{
			Label: "Weight",
			Value: fmt.Sprintf("%.1f kg %s", w.WeightKg, ui.RenderMuted(humanize.Time(w.RecordedAt))),
		})
	case !errors.Is(err, db.ErrNotFound):
		return err
	}

	title := ui.Header(fmt.Sprintf("%s on %s", user, totals.Day))
	fmt.Fprintln(out, ui.Box(title+"\n"+ui.Fields(fields...)))
	return nil
}

func streakLine(st *schema.StreakState) string {
	var b strings.Builder
	b.WriteString(ui.RenderAccent(fmt.Sprintf("%d days", st.CurrentStreak)))
	for _, m := range streak.Reached(st.CurrentStreak) {
		fmt.Fprintf(&b, "  %s", ui.RenderPass("★ "+m.Name))
	}
	if m, remaining, ok := streak.Next(st.CurrentStreak); ok {
		fmt.Fprintf(&b, "  %s", ui.RenderMuted(fmt.Sprintf("%d to %s", remaining, m.Name)))
	}
	return b.String()
}

func printStoreStatus(ctx context.Context, out io.Writer, a *app) error {
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return err
	}

	pending := ui.RenderPass("none")
	if stats.Pending > 0 {
		pending = ui.RenderWarn(fmt.Sprintf("%d change(s) to push", stats.Pending))
	}
	fields := []ui.Field{
		{Label: "Database", Value: fmt.Sprintf("%s (%s)", a.store.Path(), humanize.Bytes(uint64(stats.FileSize)))},
		{Label: "Rows", Value: fmt.Sprintf("%d food logs, %d weights, %d profiles", stats.FoodLogs, stats.Weights, stats.Profiles)},
		{Label: "Pending", Value: pending},
		{Label: "Tombstones", Value: fmt.Sprint(stats.Tombstones)},
		{Label: "Remote", Value: remoteLabel()},
	}
	for _, kind := range schema.Kinds {
		hw, err := a.store.HighWater(ctx, kind)
		if err != nil {
			return err
		}
		pulled := ui.RenderMuted("never pulled")
		if !hw.IsZero() {
			pulled = "pulled through " + humanize.Time(hw)
		}
		fields = append(fields, ui.Field{Label: string(kind), Value: pulled})
	}

	fmt.Fprintln(out, ui.Header("Local store"))
	fmt.Fprintln(out, ui.Fields(fields...))
	return nil
}

func remoteLabel() string {
	switch {
	case cfg.Remote.URL != "":
		return cfg.Remote.URL
	case cfg.Remote.Postgres.DSN != "":
		return "postgres"
	}
	return ui.RenderMuted("not configured")
}

func init() {
	statusCmd.Flags().String("day", "", "day to summarize (default today)")
	rootCmd.AddCommand(statusCmd)
}
