package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one enrichment batch",
		Long:  "Claim pending captures, enrich them, and report what happened.",
		Run:   runProcess,
	}

	RootCmd.AddCommand(cmd)
}

func runProcess(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	logger, cleanup := newLogger(cfg)
	defer cleanup()

	s, err := openStore(cfg)
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	q, err := openQueue(cfg, s)
	if err != nil {
		exitErr("open queue", err)
	}

	stage := newStage(cfg, s, q, logger)
	stats, err := stage.ProcessBatch(cmd.Context())
	if err != nil {
		exitErr("process", err)
	}

	b, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(b))
}
