package commands

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/amerfu/llmbudget/internal/handlers/admin"
	"github.com/amerfu/llmbudget/internal/models"
	"github.com/amerfu/llmbudget/internal/services/budget"
	"github.com/amerfu/llmbudget/internal/services/pricing"
)

// Register adds every budget subcommand to root.
func Register(ctx context.Context, root *cobra.Command) {
	root.AddCommand(
		newCreateUserCommand(ctx),
		newStatsCommand(ctx),
		newCheckCommand(ctx),
		newTrackCommand(ctx),
		newListUsersCommand(ctx),
		newResetMonthlyCommand(ctx),
		newPricingCommand(),
	)
}

func userPath(userID string) string {
	return "/budget/users/" + url.PathEscape(userID)
}

func money(v float64) string {
	return fmt.Sprintf("$%.4f", v)
}

func newCreateUserCommand(ctx context.Context) *cobra.Command {
	var daily, monthly float64

	cmd := &cobra.Command{
		Use:   "create-user <user-id>",
		Short: "Create a user budget or update its limits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAccess(); err != nil {
				return err
			}
			userID := args[0]

			// Omitted limits take the configured defaults of the target.
			var dailyLimit, monthlyLimit *float64
			if cmd.Flags().Changed("daily") {
				dailyLimit = &daily
			}
			if cmd.Flags().Changed("monthly") {
				monthlyLimit = &monthly
			}

			var created bool
			if IsDirectDBAccess() {
				d, m := engine.DefaultLimits()
				if dailyLimit != nil {
					d = *dailyLimit
				}
				if monthlyLimit != nil {
					m = *monthlyLimit
				}
				var err error
				if created, err = engine.CreateOrUpdateUserBudget(ctx, userID, d, m); err != nil {
					return err
				}
				daily, monthly = d, m
			} else {
				var resp struct {
					Created      bool    `json:"created"`
					DailyLimit   float64 `json:"daily_limit"`
					MonthlyLimit float64 `json:"monthly_limit"`
				}
				err := apiCall("POST", "/budget/users", admin.CreateBudgetRequest{
					UserID:       userID,
					DailyLimit:   dailyLimit,
					MonthlyLimit: monthlyLimit,
				}, &resp)
				if err != nil {
					return err
				}
				created = resp.Created
				daily, monthly = resp.DailyLimit, resp.MonthlyLimit
			}

			if outputJSON {
				OutputJSON(map[string]interface{}{
					"user_id":       userID,
					"created":       created,
					"daily_limit":   daily,
					"monthly_limit": monthly,
				})
				return nil
			}
			verb := "Updated"
			if created {
				verb = "Created"
			}
			fmt.Fprintf(stdout, "%s budget for %s (daily %s, monthly %s)\n", verb, userID, money(daily), money(monthly))
			return nil
		},
	}

	cmd.Flags().Float64Var(&daily, "daily", 0, "daily limit in USD (default: configured default)")
	cmd.Flags().Float64Var(&monthly, "monthly", 0, "monthly limit in USD (default: configured default)")
	return cmd
}

func newStatsCommand(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <user-id>",
		Short: "Show budget and usage statistics for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAccess(); err != nil {
				return err
			}

			var stats *models.UserStats
			if IsDirectDBAccess() {
				var err error
				if stats, err = engine.GetUserStats(ctx, args[0]); err != nil {
					return err
				}
			} else {
				stats = &models.UserStats{}
				if err := apiCall("GET", userPath(args[0]), nil, stats); err != nil {
					return err
				}
			}

			if outputJSON {
				OutputJSON(stats)
				return nil
			}

			b := stats.Budget
			fmt.Fprintf(stdout, "User Budget Status:\n")
			fmt.Fprintf(stdout, "==================\n")
			fmt.Fprintf(stdout, "User: %s\n", stats.UserID)
			fmt.Fprintf(stdout, "Daily: %s / %s (%s left, %s)\n", money(b.DailySpent), money(b.DailyLimit), money(b.DailyRemaining), b.DailyState)
			fmt.Fprintf(stdout, "Monthly: %s / %s (%s left, %s)\n", money(b.MonthlySpent), money(b.MonthlyLimit), money(b.MonthlyRemaining), b.MonthlyState)
			fmt.Fprintf(stdout, "Last daily reset: %s\n", b.LastResetDate)
			fmt.Fprintf(stdout, "Tokens: %d in / %d out\n", stats.Usage.TotalInputTokens, stats.Usage.TotalOutputTokens)

			if len(stats.RecentModels) > 0 {
				fmt.Fprintln(stdout)
				rows := make([][]string, 0, len(stats.RecentModels))
				for _, m := range stats.RecentModels {
					rows = append(rows, []string{
						m.Model,
						strconv.FormatInt(m.Requests, 10),
						strconv.FormatInt(m.InputTokens, 10),
						strconv.FormatInt(m.OutputTokens, 10),
						money(m.Cost),
					})
				}
				OutputTable([]string{"MODEL", "REQUESTS", "INPUT", "OUTPUT", "COST"}, rows)
			}
			return nil
		},
	}
}

func newCheckCommand(ctx context.Context) *cobra.Command {
	var model string
	var tokens int

	cmd := &cobra.Command{
		Use:   "check <user-id>",
		Short: "Check whether a request would fit in the user's budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAccess(); err != nil {
				return err
			}

			var d *budget.Decision
			if IsDirectDBAccess() {
				var err error
				if d, err = engine.CheckBudget(ctx, args[0], model, tokens); err != nil {
					return err
				}
			} else {
				d = &budget.Decision{}
				err := apiCall("POST", userPath(args[0])+"/check", admin.CheckBudgetRequest{
					Model:           model,
					EstimatedTokens: &tokens,
				}, d)
				if err != nil {
					return err
				}
			}

			if outputJSON {
				OutputJSON(d)
				return nil
			}
			if d.Allowed {
				fmt.Fprintf(stdout, "ALLOWED: %s on %s, estimated %s for %d tokens\n", d.UserID, d.Model, money(d.EstimatedCost), d.EstimatedTokens)
			} else {
				fmt.Fprintf(stdout, "DENIED: %s\n", d.Reason)
			}
			fmt.Fprintf(stdout, "Daily remaining: %s\n", money(d.DailyRemaining))
			fmt.Fprintf(stdout, "Monthly remaining: %s\n", money(d.MonthlyRemaining))
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "chatgpt-4o-latest", "model name")
	cmd.Flags().IntVar(&tokens, "tokens", pricing.DefaultEstimate, "estimated total tokens")
	return cmd
}

func newTrackCommand(ctx context.Context) *cobra.Command {
	var model, requestID string
	var input, output int

	cmd := &cobra.Command{
		Use:   "track <user-id>",
		Short: "Record token usage for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAccess(); err != nil {
				return err
			}
			if model == "" {
				return fmt.Errorf("--model is required")
			}

			var cost float64
			if IsDirectDBAccess() {
				var err error
				cost, err = engine.Track(ctx, budget.Usage{
					UserID:       args[0],
					Model:        model,
					InputTokens:  input,
					OutputTokens: output,
					RequestID:    requestID,
				})
				if err != nil {
					return err
				}
			} else {
				var resp admin.TrackUsageResponse
				err := apiCall("POST", userPath(args[0])+"/usage", admin.TrackUsageRequest{
					Model:        model,
					InputTokens:  input,
					OutputTokens: output,
					RequestID:    requestID,
				}, &resp)
				if err != nil {
					return err
				}
				cost = resp.Cost
			}

			if outputJSON {
				OutputJSON(admin.TrackUsageResponse{
					Success:      true,
					UserID:       args[0],
					Model:        model,
					InputTokens:  input,
					OutputTokens: output,
					Cost:         cost,
				})
				return nil
			}
			fmt.Fprintf(stdout, "Recorded %d/%d tokens on %s for %s: %s\n", input, output, model, args[0], money(cost))
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().IntVar(&input, "input", 0, "input tokens")
	cmd.Flags().IntVar(&output, "output", 0, "output tokens")
	cmd.Flags().StringVar(&requestID, "request-id", "", "request correlation ID")
	return cmd
}

func newListUsersCommand(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "list-users",
		Short: "List all user budgets",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAccess(); err != nil {
				return err
			}

			var entries []admin.BudgetListEntry
			if IsDirectDBAccess() {
				budgets, err := engine.ListBudgets(ctx)
				if err != nil {
					return err
				}
				for i := range budgets {
					entries = append(entries, admin.NewBudgetListEntry(&budgets[i]))
				}
			} else {
				var resp struct {
					Budgets []admin.BudgetListEntry `json:"budgets"`
				}
				if err := apiCall("GET", "/budget/users", nil, &resp); err != nil {
					return err
				}
				entries = resp.Budgets
			}

			if outputJSON {
				if entries == nil {
					entries = []admin.BudgetListEntry{}
				}
				OutputJSON(entries)
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.UserID,
					money(e.DailySpent) + " / " + money(e.DailyLimit),
					money(e.MonthlySpent) + " / " + money(e.MonthlyLimit),
					string(e.DailyState),
					string(e.MonthlyState),
				})
			}
			OutputTable([]string{"USER", "DAILY", "MONTHLY", "DAILY STATE", "MONTHLY STATE"}, rows)
			return nil
		},
	}
}

func newResetMonthlyCommand(ctx context.Context) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "reset-monthly [user-id]",
		Short: "Start a new monthly window for one user or, with --all, every user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAccess(); err != nil {
				return err
			}
			if all == (len(args) == 1) {
				return fmt.Errorf("specify either a user ID or --all")
			}

			if all {
				var n int64
				if IsDirectDBAccess() {
					var err error
					if n, err = engine.ResetAllMonthly(ctx); err != nil {
						return err
					}
				} else {
					var resp struct {
						UsersReset int64 `json:"users_reset"`
					}
					if err := apiCall("POST", "/budget/reset-monthly", nil, &resp); err != nil {
						return err
					}
					n = resp.UsersReset
				}
				if outputJSON {
					OutputJSON(map[string]int64{"users_reset": n})
				} else {
					fmt.Fprintf(stdout, "Reset monthly spend for %d users\n", n)
				}
				return nil
			}

			userID := args[0]
			if IsDirectDBAccess() {
				if err := engine.ResetMonthly(ctx, userID); err != nil {
					return err
				}
			} else if err := apiCall("POST", userPath(userID)+"/reset-monthly", nil, nil); err != nil {
				return err
			}
			if outputJSON {
				OutputJSON(map[string]string{"user_id": userID})
			} else {
				fmt.Fprintf(stdout, "Reset monthly spend for %s\n", userID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "reset every user")
	return cmd
}

func newPricingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pricing",
		Short: "Show per-1K-token model prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			var prices map[string]pricing.Rate
			var fallback pricing.Rate

			switch {
			case IsDirectDBAccess():
				table := engine.Pricing()
				prices = make(map[string]pricing.Rate)
				for _, p := range table.List() {
					prices[p.Model] = p.Rate
				}
				fallback = table.Fallback()
			case IsAPIAccess():
				var resp struct {
					Models   map[string]pricing.Rate `json:"models"`
					Fallback pricing.Rate            `json:"fallback"`
				}
				if err := apiCall("GET", "/budget/models/pricing", nil, &resp); err != nil {
					return err
				}
				prices, fallback = resp.Models, resp.Fallback
			default:
				prices = pricing.DefaultRates()
				fallback = pricing.DefaultFallback
			}

			if outputJSON {
				OutputJSON(map[string]interface{}{"models": prices, "fallback": fallback})
				return nil
			}

			names := make([]string, 0, len(prices))
			for name := range prices {
				names = append(names, name)
			}
			sort.Strings(names)

			rows := make([][]string, 0, len(names)+1)
			for _, name := range names {
				r := prices[name]
				rows = append(rows, []string{name, money(r.Input), money(r.Output)})
			}
			rows = append(rows, []string{"(unknown)", money(fallback.Input), money(fallback.Output)})
			OutputTable([]string{"MODEL", "INPUT/1K", "OUTPUT/1K"}, rows)
			return nil
		},
	}
}
