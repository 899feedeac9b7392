// Command ocrctl talks to a running OCR server and its backing services.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/ocr-server/internal/logging"
)

var (
	serverAddr string
	timeout    time.Duration
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "ocrctl",
	Short:         "Client for the OCR socket server",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Configure(logLevel, "console", os.Stderr)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", envOr("OCR_ADDR", "127.0.0.1:9999"), "OCR server address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Overall timeout")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
