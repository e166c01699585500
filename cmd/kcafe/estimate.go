package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kcafe/internal/config"
	"github.com/goodtune/kcafe/internal/ledger"
	"github.com/goodtune/kcafe/internal/pricing"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	estimatePCID   string
	estimateUserID string
	estimateAt     string
)

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Show the rate and remaining play-time for a PC",
	Long:  `Resolve the pricing rule that applies to a PC and how many minutes its occupant, or a prospective user, can still play.`,
	Example: `  kcafe -c config.yaml estimate --pc pc-07
  kcafe estimate --pc pc-07 --user 6f1c2a --at 2026-07-01T22:30:00Z`,
	RunE: runEstimate,
}

func init() {
	estimateCmd.Flags().StringVar(&estimatePCID, "pc", "", "PC ID (required)")
	estimateCmd.Flags().StringVar(&estimateUserID, "user", "", "User ID for an idle PC (defaults to the occupant)")
	estimateCmd.Flags().StringVar(&estimateAt, "at", "", "Moment to price at, RFC3339 (defaults to now)")
	_ = estimateCmd.MarkFlagRequired("pc")
	rootCmd.AddCommand(estimateCmd)
}

func runEstimate(cmd *cobra.Command, args []string) error {
	at := time.Now()
	if estimateAt != "" {
		parsed, err := time.Parse(time.RFC3339, estimateAt)
		if err != nil {
			return fmt.Errorf("invalid --at time: %w", err)
		}
		at = parsed
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for estimate mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	ctx := context.Background()
	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	pc, err := store.PCs().Get(ctx, estimatePCID)
	if err != nil {
		return fmt.Errorf("failed to load PC %s: %w", estimatePCID, err)
	}

	userID := pc.CurrentUserID
	if userID == "" {
		userID = estimateUserID
	}

	rates := pricing.NewResolver(store, pricing.Config{GroupCacheSize: 1}, logger)
	rate, err := rates.ResolveRate(ctx, pc.ID, at)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to resolve rate: %w", err)
	}

	var remaining *ledger.Remaining
	if userID != "" && rate != nil {
		occupant := *pc
		occupant.CurrentUserID = userID
		r, err := ledger.NewEstimator(rates, ledger.New(store)).ForOccupant(ctx, occupant, at)
		if err != nil {
			return fmt.Errorf("failed to estimate remaining time: %w", err)
		}
		remaining = &r
	}

	printEstimate(pc, userID, at, rate, remaining)

	return nil
}

// printEstimate prints the estimate result with colors
func printEstimate(pc *storage.PC, userID string, at time.Time, rate *pricing.Rate, remaining *ledger.Remaining) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("PLAY-TIME ESTIMATE")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("PC:         %s (%s)\n", pc.ID, pc.Name)
	if pc.GroupID != "" {
		fmt.Printf("PC Group:   %s\n", pc.GroupID)
	} else {
		fmt.Printf("PC Group:   (none)\n")
	}
	switch {
	case pc.Occupied():
		fmt.Printf("Occupant:   %s (session %s)\n", pc.CurrentUserID, pc.CurrentSessionID)
	case userID != "":
		fmt.Printf("User:       %s (PC is idle)\n", userID)
	default:
		fmt.Printf("User:       (PC is idle, none provided)\n")
	}
	fmt.Printf("Priced At:  %s (%s)\n", at.Format("2006-01-02 15:04"), at.Weekday())
	fmt.Println()

	cyan.Print("Rate:       ")
	if rate == nil {
		red.Println("NO APPLICABLE RULE")
		fmt.Println("            → Sessions ending now stay unbilled")
	} else {
		green.Printf("%s/h\n", rate.PerHour.StringFixed(2))
		fmt.Printf("Rule:       %s (%s)\n", rate.Rule.Name, rate.Rule.ID)
	}

	if remaining != nil {
		cyan.Print("Remaining:  ")
		switch {
		case remaining.Unlimited:
			green.Println("UNLIMITED")
		case remaining.Minutes <= 0:
			red.Println("0 minutes")
			fmt.Println("            → The PC would be locked")
		case remaining.Minutes <= 5:
			yellow.Printf("%d minutes\n", remaining.Minutes)
		default:
			green.Printf("%d minutes\n", remaining.Minutes)
		}
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
