package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/platemate/platemate/internal/store/db"
	"github.com/platemate/platemate/internal/store/schema"
	"github.com/platemate/platemate/internal/ui"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var profileCmd = &cobra.Command{
	Use:     "profile",
	GroupID: "track",
	Short:   "Show or edit the user profile",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the user profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := requireUser()
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			p, err := a.store.Profile(ctx, user)
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("no profile for %s: run `plate profile set`", user)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Box(renderProfile(p)))
			return nil
		})
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Create or update the user profile",
	Long: `Create or update the user profile. Fields not given keep their stored
value. Without flags on a terminal, an interactive form is shown.

Example:
  plate profile set --first-name Sam --calorie-goal 2100 --goal lose`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := requireUser()
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			p, err := a.store.Profile(ctx, user)
			switch {
			case errors.Is(err, db.ErrNotFound):
				p = &schema.UserProfile{UserID: user}
			case err != nil:
				return err
			}

			interactive, _ := cmd.Flags().GetBool("interactive")
			if interactive || (!profileFlagsChanged(cmd) && ui.IsTerminal(os.Stdin) && ui.IsTerminal(os.Stdout)) {
				if err := profileForm(p).Run(); err != nil {
					return err
				}
				p.OnboardingComplete = true
			} else {
				applyProfileFlags(cmd, p)
			}

			if err := p.Validate(); err != nil {
				return err
			}
			if err := a.mgr.SaveProfile(ctx, p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Saved profile for %s\n", ui.RenderPass("✓"), user)
			return nil
		})
	},
}

func profileFlagsChanged(cmd *cobra.Command) bool {
	changed := false
	cmd.LocalNonPersistentFlags().VisitAll(func(f *pflag.Flag) {
		if f.Changed && f.Name != "interactive" {
			changed = true
		}
	})
	return changed
}

func applyProfileFlags(cmd *cobra.Command, p *schema.UserProfile) {
	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	str("first-name", &p.FirstName)
	str("last-name", &p.LastName)
	str("email", &p.Email)
	str("gender", &p.Gender)
	str("activity", &p.ActivityLevel)
	str("goal", &p.WeightGoal)

	float := func(name string, dst **float64) {
		if flags.Changed(name) {
			v, _ := flags.GetFloat64(name)
			*dst = &v
		}
	}
	float("height", &p.HeightCm)
	float("start-weight", &p.StartingWeightKg)
	float("target-weight", &p.TargetWeightKg)

	integer := func(name string, dst **int) {
		if flags.Changed(name) {
			v, _ := flags.GetInt(name)
			*dst = &v
		}
	}
	integer("age", &p.Age)
	integer("calorie-goal", &p.DailyCalorieGoal)

	if flags.Changed("onboarded") {
		p.OnboardingComplete, _ = flags.GetBool("onboarded")
	}
}

// profileForm edits p in place when run. Numeric fields are bound through
// strings and parsed by their validators.
func profileForm(p *schema.UserProfile) *huh.Form {
	height := formatFloat(p.HeightCm)
	age := formatInt(p.Age)
	start := formatFloat(p.StartingWeightKg)
	target := formatFloat(p.TargetWeightKg)
	goal := formatInt(p.DailyCalorieGoal)

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("First name").Value(&p.FirstName).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("first name is required")
					}
					return nil
				}),
			huh.NewInput().Title("Last name").Value(&p.LastName),
			huh.NewInput().Title("Email").Value(&p.Email),
		),
		huh.NewGroup(
			huh.NewInput().Title("Height (cm)").Value(&height).
				Validate(parseInto(func(v float64) { p.HeightCm = &v })),
			huh.NewInput().Title("Age").Value(&age).
				Validate(parseIntInto(func(v int) { p.Age = &v })),
			huh.NewSelect[string]().Title("Gender").
				Options(huh.NewOptions(schema.Genders...)...).Value(&p.Gender),
			huh.NewSelect[string]().Title("Activity level").
				Options(huh.NewOptions(schema.ActivityLevels...)...).Value(&p.ActivityLevel),
		),
		huh.NewGroup(
			huh.NewSelect[string]().Title("Weight goal").
				Options(huh.NewOptions(schema.WeightGoals...)...).Value(&p.WeightGoal),
			huh.NewInput().Title("Starting weight (kg)").Value(&start).
				Validate(parseInto(func(v float64) { p.StartingWeightKg = &v })),
			huh.NewInput().Title("Target weight (kg)").Value(&target).
				Validate(parseInto(func(v float64) { p.TargetWeightKg = &v })),
			huh.NewInput().Title("Daily calorie goal (kcal)").Value(&goal).
				Validate(parseIntInto(func(v int) { p.DailyCalorieGoal = &v })),
		),
	)
}

// parseInto validates a numeric input and stores it through set. Empty input
// leaves the field unchanged.
func parseInto(set func(float64)) func(string) error {
	return func(s string) error {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v <= 0 {
			return errors.New("enter a positive number")
		}
		set(v)
		return nil
	}
}

func parseIntInto(set func(int)) func(string) error {
	return func(s string) error {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return errors.New("enter a whole number")
		}
		set(v)
		return nil
	}
}

func formatFloat(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

func formatInt(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}

func renderProfile(p *schema.UserProfile) string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	fields := []ui.Field{
		{Label: "Name", Value: name},
		{Label: "Email", Value: p.Email},
		{Label: "Height", Value: unit(formatFloat(p.HeightCm), "cm")},
		{Label: "Age", Value: formatInt(p.Age)},
		{Label: "Gender", Value: p.Gender},
		{Label: "Activity", Value: p.ActivityLevel},
		{Label: "Goal", Value: p.WeightGoal},
		{Label: "Start weight", Value: unit(formatFloat(p.StartingWeightKg), "kg")},
		{Label: "Target weight", Value: unit(formatFloat(p.TargetWeightKg), "kg")},
		{Label: "Calorie goal", Value: unit(formatInt(p.DailyCalorieGoal), "kcal")},
		{Label: "Onboarded", Value: strconv.FormatBool(p.OnboardingComplete)},
	}
	if p.Pending() {
		fields = append(fields, ui.Field{Label: "Sync", Value: ui.RenderWarn("pending " + string(p.Action))})
	}
	return ui.Header("Profile "+p.UserID) + "\n" + ui.Fields(fields...)
}

func unit(v, u string) string {
	if v == "" {
		return ui.RenderMuted("-")
	}
	return v + " " + u
}

func init() {
	f := profileSetCmd.Flags()
	f.BoolP("interactive", "i", false, "edit the profile in a form")
	f.String("first-name", "", "first name")
	f.String("last-name", "", "last name")
	f.String("email", "", "email address")
	f.Float64("height", 0, "height in cm")
	f.Int("age", 0, "age in years")
	f.String("gender", "", "gender: "+strings.Join(schema.Genders, ", "))
	f.String("activity", "", "activity level: "+strings.Join(schema.ActivityLevels, ", "))
	f.String("goal", "", "weight goal: "+strings.Join(schema.WeightGoals, ", "))
	f.Float64("start-weight", 0, "starting weight in kg")
	f.Float64("target-weight", 0, "target weight in kg")
	f.Int("calorie-goal", 0, "daily calorie goal in kcal")
	f.Bool("onboarded", false, "mark onboarding complete")

	profileCmd.AddCommand(profileShowCmd, profileSetCmd)
	rootCmd.AddCommand(profileCmd)
}
