package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue and record counts",
		Run:   runStatus,
	}

	RootCmd.AddCommand(cmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	s, err := openStore(cfg)
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	q, err := openQueue(cfg, s)
	if err != nil {
		exitErr("open queue", err)
	}

	ctx := cmd.Context()
	queueStats, err := q.Stats(ctx)
	if err != nil {
		exitErr("queue stats", err)
	}
	recordStats, err := s.CountsByStatus(ctx)
	if err != nil {
		exitErr("record stats", err)
	}
	failures, err := s.ErrorRecords(ctx)
	if err != nil {
		exitErr("error records", err)
	}

	out := map[string]interface{}{
		"db":      cfg.DBPath,
		"queue":   queueStats,
		"records": recordStats,
		"errors":  len(failures),
	}
	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}
