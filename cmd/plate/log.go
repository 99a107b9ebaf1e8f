package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/platemate/platemate/internal/store/schema"
	"github.com/platemate/platemate/internal/ui"
	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:     "log",
	GroupID: "track",
	Short:   "Log, list and remove food entries",
}

var logAddCmd = &cobra.Command{
	Use:   "add <food>",
	Short: "Log a food item",
	Long: `Log a food item for the current user. The entry is stored locally and
marked for sync; the streak is recomputed before the command returns.

Examples:
  plate log add "Greek yogurt" --calories 150 --protein 15 --meal breakfast
  plate log add "Pizza slice" --calories 285 --at "yesterday 8pm" --rating 3`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := requireUser()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		calories, _ := flags.GetInt("calories")
		protein, _ := flags.GetFloat64("protein")
		carbs, _ := flags.GetFloat64("carbs")
		fat, _ := flags.GetFloat64("fat")
		meal, _ := flags.GetString("meal")
		at, _ := flags.GetString("at")

		e := schema.FoodLogEntry{
			UserID:   user,
			FoodName: strings.Join(args, " "),
			Calories: calories,
			ProteinG: protein,
			CarbsG:   carbs,
			FatG:     fat,
			MealType: meal,
		}
		if flags.Changed("rating") {
			rating, _ := flags.GetInt("rating")
			e.HealthinessRating = &rating
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			loc := a.stats.Location()
			if e.LoggedAt, err = parseWhen(at, time.Now().In(loc)); err != nil {
				return err
			}
			var streakDays int
			a.onStreak(func(s *schema.StreakState) { streakDays = s.CurrentStreak })

			saved, err := a.mgr.LogFood(ctx, e)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s Logged %s (%d kcal) at %s\n",
				ui.RenderPass("✓"), saved.FoodName, saved.Calories, saved.LoggedAt.In(loc).Format("2006-01-02 15:04"))
			fmt.Fprintf(out, "  %s\n", ui.RenderMuted("id "+saved.ID))
			if streakDays > 0 {
				fmt.Fprintf(out, "  streak: %s\n", ui.RenderAccent(fmt.Sprintf("%d days", streakDays)))
			}
			return nil
		})
	},
}

var logListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a day's food entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := requireUser()
		if err != nil {
			return err
		}
		dayFlag, _ := cmd.Flags().GetString("day")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			loc := a.stats.Location()
			day, err := dayOf(dayFlag, loc)
			if err != nil {
				return err
			}
			entries, err := a.store.FoodLogsForDay(ctx, user, day, loc)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.Header(day.Format(schema.DayLayout)))
			if len(entries) == 0 {
				fmt.Fprintln(out, ui.RenderMuted("nothing logged"))
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tFOOD\tKCAL\tP/C/F\tMEAL\tSYNC\tID")
			total := 0
			for _, e := range entries {
				sync := "synced"
				if e.Pending() {
					sync = string(e.Action)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%.0f/%.0f/%.0f\t%s\t%s\t%s\n",
					e.LoggedAt.In(loc).Format("15:04"), e.FoodName, e.Calories,
					e.ProteinG, e.CarbsG, e.FatG, e.MealType, sync, e.ID)
				total += e.Calories
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d entries, %s kcal\n", len(entries), ui.RenderAccent(fmt.Sprint(total)))
			return nil
		})
	},
}

var logRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Remove a food entry",
	Long: `Remove a food entry. The row is kept as a tombstone until the deletion
has been pushed to the remote.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.mgr.DeleteFoodLog(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Removed %s\n", ui.RenderPass("✓"), args[0])
			return nil
		})
	},
}

func init() {
	add := logAddCmd.Flags()
	add.IntP("calories", "c", 0, "calories (kcal)")
	add.Float64("protein", 0, "protein in grams")
	add.Float64("carbs", 0, "carbohydrates in grams")
	add.Float64("fat", 0, "fat in grams")
	add.StringP("meal", "m", "", "meal type: "+strings.Join(schema.MealTypes, ", "))
	add.String("at", "", `when it was eaten, e.g. "2026-06-10 12:30" or "yesterday 8pm" (default now)`)
	add.Int("rating", 0, "healthiness rating from 1 to 10")

	logListCmd.Flags().String("day", "", "day to list, e.g. 2026-06-10 or yesterday (default today)")

	logCmd.AddCommand(logAddCmd, logListCmd, logRmCmd)
	rootCmd.AddCommand(logCmd)
}
