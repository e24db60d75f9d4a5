package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/slsolucije/astlog/internal/engine"
	"github.com/slsolucije/astlog/internal/model"
	"github.com/slsolucije/astlog/internal/output"
	"github.com/slsolucije/astlog/internal/watcher"
)

var (
	analyzeLog       string
	analyzeCDR       string
	analyzeFrom      string
	analyzeTo        string
	analyzeLogOutput string
	analyzeOutputFmt string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "One-shot historical analysis of a switch log",
	Long: `Load a bounded window of a switch log (and optionally a CDR file),
correlate signaling into sessions, and print the ordered events with a
per-session summary.

Examples:
  astlog analyze --log /var/log/asterisk/full
  astlog analyze --log full --cdr Master.csv --from "2026-02-17 10:00:00" --to "2026-02-17 11:00:00"
  astlog analyze --log "full*" --output json > events.jsonl`,
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().StringVar(&analyzeLog, "log", "", "switch log file (glob patterns pick the newest match)")
	analyzeCmd.Flags().StringVar(&analyzeCDR, "cdr", "", "CDR csv file")
	analyzeCmd.Flags().StringVar(&analyzeFrom, "from", "", "window start timestamp")
	analyzeCmd.Flags().StringVar(&analyzeTo, "to", "", "window end timestamp")
	analyzeCmd.Flags().StringVar(&analyzeLogOutput, "log-output", "", "append every ingested event to this file (normalized TSV)")
	analyzeCmd.Flags().StringVarP(&analyzeOutputFmt, "output", "o", "text", "output format: text, json")
	addEngineFlags(analyzeCmd)
	_ = analyzeCmd.MarkFlagRequired("log")
}

// addEngineFlags registers the flags shared by analyze and tail, backed
// by the config file.
func addEngineFlags(cmd *cobra.Command) {
	cmd.Flags().Int("memory-pct", 25, "window memory budget, percent of system memory")
	cmd.Flags().String("key-strategy", "auto", "correlation key extraction: auto, call-id, channel")
	_ = viper.BindPFlag("memory_pct", cmd.Flags().Lookup("memory-pct"))
	_ = viper.BindPFlag("key_strategy", cmd.Flags().Lookup("key-strategy"))
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(analyzeLog, analyzeCDR, analyzeFrom, analyzeTo, analyzeLogOutput, 0)
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.RunHistorical(context.Background()); err != nil {
		return err
	}

	var renderer output.Renderer
	switch strings.ToLower(analyzeOutputFmt) {
	case "json":
		renderer = output.NewJSONRenderer(os.Stdout)
	default:
		renderer = output.NewTextRenderer()
	}

	events, sessions := eng.RangeQuery(cfg.From, cfg.To)
	for _, ev := range events {
		if err := renderer.Render(ev); err != nil {
			return err
		}
	}
	if analyzeOutputFmt != "json" {
		printSessionSummary(sessions)
	}
	return nil
}

// buildConfig assembles the engine configuration shared by the analyze
// and tail commands.
func buildConfig(logPath, cdrPath, fromStr, toStr, logOutput string, tailMinutes int) (engine.Config, error) {
	resolved, err := watcher.Resolve(logPath)
	if err != nil {
		return engine.Config{}, err
	}
	if cdrPath != "" {
		if cdrPath, err = watcher.Resolve(cdrPath); err != nil {
			return engine.Config{}, err
		}
	}

	from, err := parseWhenFlag("from", fromStr)
	if err != nil {
		return engine.Config{}, err
	}
	to, err := parseWhenFlag("to", toStr)
	if err != nil {
		return engine.Config{}, err
	}

	pct := viper.GetInt("memory_pct")
	if pct < 1 || pct > 100 {
		return engine.Config{}, fmt.Errorf("memory-pct must be between 1 and 100, got %d", pct)
	}

	return engine.Config{
		LogFile:     resolved,
		CDRFile:     cdrPath,
		From:        from,
		To:          to,
		TailMinutes: tailMinutes,
		LogOutput:   logOutput,
		MemoryPct:   pct,
		KeyStrategy: viper.GetString("key_strategy"),
	}, nil
}

var (
	summaryHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	summaryDim    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func printSessionSummary(sessions []*model.Session) {
	if len(sessions) == 0 {
		return
	}
	fmt.Println()
	fmt.Println(summaryHeader.Render(fmt.Sprintf("%d session(s)", len(sessions))))
	for _, s := range sessions {
		cdr := summaryDim.Render("no cdr")
		if s.CDR != nil {
			cdr = fmt.Sprintf("cdr %s dur=%ds", s.CDR.Disposition, s.CDR.DurationSec)
		}
		fmt.Printf("  %s  %d event(s)  %s  %s .. %s  %s\n",
			s.Key, len(s.Events), s.Disposition(),
			s.FirstSeen.Format("15:04:05"), s.LastSeen.Format("15:04:05"), cdr)
		for _, obs := range s.Observations {
			fmt.Printf("    %s\n", summaryDim.Render(obs.Kind+": "+obs.Note))
		}
	}
}
