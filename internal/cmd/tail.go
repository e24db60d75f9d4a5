package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/slsolucije/astlog/internal/engine"
	"github.com/slsolucije/astlog/internal/output"
	"github.com/slsolucije/astlog/internal/server"
)

var (
	tailLog       string
	tailCDR       string
	tailMinutes   int
	tailLogOutput string
	tailServe     string
	tailOutputFmt string
	tailQuiet     bool
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow a growing switch log live",
	Long: `Seed the window with the last N minutes of the log, then follow the
file as it grows, correlating signaling and CDR records continuously.
Rotation (truncate or replace) is detected and handled.

Examples:
  astlog tail --log /var/log/asterisk/full
  astlog tail --log full --cdr Master.csv --minutes 15
  astlog tail --log full --serve :8080 --quiet`,
	RunE: runTail,
}

func init() {
	rootCmd.AddCommand(tailCmd)

	tailCmd.Flags().StringVar(&tailLog, "log", "", "switch log file (glob patterns pick the newest match)")
	tailCmd.Flags().StringVar(&tailCDR, "cdr", "", "CDR csv file")
	tailCmd.Flags().IntVar(&tailMinutes, "minutes", 5, "seed the window with the last N minutes")
	tailCmd.Flags().StringVar(&tailLogOutput, "log-output", "", "append every ingested event to this file (normalized TSV)")
	tailCmd.Flags().StringVar(&tailServe, "serve", "", "serve the query API and live websocket on this address")
	tailCmd.Flags().StringVarP(&tailOutputFmt, "output", "o", "text", "output format: text, json")
	tailCmd.Flags().BoolVarP(&tailQuiet, "quiet", "q", false, "suppress terminal event output")
	addEngineFlags(tailCmd)
	_ = tailCmd.MarkFlagRequired("log")
}

func runTail(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutting down")
		cancel()
	}()

	cfg, err := buildConfig(tailLog, tailCDR, "", "", tailLogOutput, tailMinutes)
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	if tailServe != "" {
		srv := server.New(eng, tailServe, logger)
		go func() {
			if err := srv.Run(); err != nil {
				logger.Error().Err(err).Msg("api server stopped")
				cancel()
			}
		}()
	}

	if !tailQuiet {
		var renderer output.Renderer
		switch strings.ToLower(tailOutputFmt) {
		case "json":
			renderer = output.NewJSONRenderer(os.Stdout)
		default:
			renderer = output.NewTextRenderer()
		}
		events := eng.Subscribe()
		go func() {
			for ev := range events {
				if err := renderer.Render(ev); err != nil {
					return
				}
			}
		}()
	}

	return eng.RunTail(ctx)
}
