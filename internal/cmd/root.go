package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/slsolucije/astlog/internal/parser"
)

var (
	cfgFile string
	verbose bool

	logger zerolog.Logger
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "astlog",
	Short: "astlog: SIP trace and CDR correlation viewer",
	Long: `astlog inspects telephony-switch logs containing SIP debug traces,
correlates them with call-detail records, and presents a time- and
memory-bounded window of call signaling, either as a one-shot historical
dump or as a live tail.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initLogger)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: $HOME/.astlog.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".astlog")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("astlog")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

func initLogger() {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).With().Timestamp().Logger()
}

// parseWhenFlag accepts RFC3339 or the switch log timestamp formats.
// Empty input yields the zero time (open bound).
func parseWhenFlag(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t := parser.ParseWhen(v); !t.IsZero() {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("cannot parse --%s %q (want RFC3339 or \"2006-01-02 15:04:05\")", name, v)
}
