package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from the records table",
		Long:  "Diff the search index against enriched records and repair drift. Safe to run at any time.",
		Run:   runReindex,
	}

	RootCmd.AddCommand(cmd)
}

func runReindex(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	s, err := openStore(cfg)
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	report, err := s.ReconcileIndex(cmd.Context())
	if err != nil {
		exitErr("reindex", err)
	}

	b, _ := json.Marshal(report)
	fmt.Println(string(b))
}
