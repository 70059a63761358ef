package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:       "consolidate {daily|weekly|monthly|quarterly}",
		Short:     "Run a consolidation cadence",
		Long:      "Run one consolidation cadence for the window containing --date (default: the most recently closed window).",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"daily", "weekly", "monthly", "quarterly"},
		Run:       runConsolidate,
	}

	cmd.Flags().String("date", "", "Target date inside the window, YYYY-MM-DD")

	RootCmd.AddCommand(cmd)
}

func runConsolidate(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	logger, cleanup := newLogger(cfg)
	defer cleanup()

	s, err := openStore(cfg)
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	ref, err := resolveRef(cmd, cfg.Location(), args[0])
	if err != nil {
		exitErr("consolidate", err)
	}

	engine := newEngine(cfg, s, logger)
	ctx := cmd.Context()

	var out interface{}
	switch args[0] {
	case "daily":
		out, err = engine.RunDaily(ctx, ref)
	case "weekly":
		out, err = engine.RunWeekly(ctx, ref)
	case "monthly":
		out, err = engine.RunMonthly(ctx, ref)
	case "quarterly":
		out, err = engine.RunQuarterly(ctx, ref)
	}
	if err != nil {
		exitErr("consolidate "+args[0], err)
	}
	if out == nil {
		fmt.Println(`{"result": "nothing to consolidate"}`)
		return
	}

	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}

// resolveRef picks the window reference: --date when given, otherwise the
// most recently closed window of the cadence.
func resolveRef(cmd *cobra.Command, loc *time.Location, cadence string) (time.Time, error) {
	dateFlag, _ := cmd.Flags().GetString("date")
	if dateFlag != "" {
		ref, err := time.ParseInLocation("2006-01-02", dateFlag, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad --date %q: %w", dateFlag, err)
		}
		return ref, nil
	}

	now := time.Now().In(loc)
	switch cadence {
	case "daily":
		return now.AddDate(0, 0, -1), nil
	case "weekly":
		return now.AddDate(0, 0, -7), nil
	case "monthly":
		return now.AddDate(0, -1, 0), nil
	default:
		return now.AddDate(0, -3, 0), nil
	}
}
