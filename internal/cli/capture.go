package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-pipeline/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "capture [text]",
		Short: "Capture a thought instantly",
		Long: "Capture a thought. Text can be a positional arg or piped via stdin;\n" +
			"--audio enqueues a voice note instead. Returns immediately with the\n" +
			"record id; enrichment happens in the background.",
		Run: runCapture,
	}

	cmd.Flags().StringP("audio", "a", "", "Path to an audio file to transcribe")

	RootCmd.AddCommand(cmd)
}

func runCapture(cmd *cobra.Command, args []string) {
	audioPath, _ := cmd.Flags().GetString("audio")

	kind := model.KindText
	var payload, rawText string
	if audioPath != "" {
		kind = model.KindVoice
		payload = audioPath
	} else {
		if len(args) > 0 {
			rawText = strings.Join(args, " ")
		} else {
			stat, _ := os.Stdin.Stat()
			if (stat.Mode() & os.ModeCharDevice) == 0 {
				b, err := io.ReadAll(os.Stdin)
				if err != nil {
					exitErr("read stdin", err)
				}
				rawText = string(b)
			}
		}
		rawText = strings.TrimSpace(rawText)
		if rawText == "" {
			exitErr("capture", fmt.Errorf("text is required (positional arg, stdin, or --audio)"))
		}
		payload = rawText
	}

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

	rec, err := s.CreatePlaceholder(cmd.Context(), rawText, kind, time.Now().UTC())
	if err != nil {
		exitErr("capture", err)
	}
	item, err := q.Enqueue(cmd.Context(), kind, payload, rec.ID)
	if err != nil {
		exitErr("enqueue", err)
	}

	b, _ := json.Marshal(map[string]string{
		"record_id": rec.ID,
		"item_id":   item.ID,
		"status":    rec.Status,
	})
	fmt.Println(string(b))
}
