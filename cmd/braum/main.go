package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// ============================================================================
// Root command
// ============================================================================

var (
	flagLogLevel string
	flagBaseURL  string

	// logger is configured in the root PersistentPreRunE.
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

var rootCmd = &cobra.Command{
	Use:   "braum",
	Short: "braum chat CLI",
	Long: "Command-line client for braum chat.\n" +
		"Log in, follow channels and direct messages in real time, and send messages.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load(".env")
		if flagLogLevel == "" {
			flagLogLevel = os.Getenv("BRAUM_LOG_LEVEL")
		}
		l, err := newLogger(flagLogLevel)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (default warn)")
	rootCmd.PersistentFlags().StringVar(&flagBaseURL, "base-url", "", "API base URL (overrides config)")
}

// newLogger writes leveled, human-readable logs to stderr.
func newLogger(level string) (*slog.Logger, error) {
	lvl := log.WarnLevel
	if level != "" {
		parsed, err := log.ParseLevel(strings.ToLower(level))
		if err != nil {
			return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
		}
		lvl = parsed
	}
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		Prefix:          "braum",
	})
	return slog.New(handler), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
