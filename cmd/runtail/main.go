// Command runtail follows the event stream of a runstream run.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var opts = struct {
	URL         string
	Transport   string
	LastEventID int64
	Forever     bool
	Raw         bool
	MaxAttempts int
	LogLevel    string
}{
	URL:         "http://localhost:8000",
	Transport:   "sse",
	LastEventID: -1,
	LogLevel:    "warn",
}

var rootCmd = &cobra.Command{
	Use:   "runtail",
	Short: "Follow runstream event streams",
	Long: `runtail connects to a runstream server and prints the events of a run
in order. Dropped connections are resumed from the last received event.`,
	SilenceUsage: true,
}

var followCmd = &cobra.Command{
	Use:   "follow <run-id>",
	Short: "Follow the events of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runFollow,
}

var simulateCmd = &cobra.Command{
	Use:   "simulate <case.json>",
	Short: "Submit a case document and follow the resulting run",
	Args:  cobra.ExactArgs(1),
	RunE:  runSimulate,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&opts.URL, "url", opts.URL, "runstream base URL")
	rootCmd.PersistentFlags().StringVar(&opts.Transport, "transport", opts.Transport, "stream transport (sse or ws)")
	rootCmd.PersistentFlags().BoolVar(&opts.Forever, "forever", opts.Forever, "keep following after a terminal event")
	rootCmd.PersistentFlags().BoolVar(&opts.Raw, "raw", opts.Raw, "print events as JSON lines")
	rootCmd.PersistentFlags().IntVar(&opts.MaxAttempts, "max-attempts", opts.MaxAttempts, "reconnect attempts without progress before giving up (0 for unlimited)")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error)")

	followCmd.Flags().Int64Var(&opts.LastEventID, "last-event-id", opts.LastEventID, "resume after this sequence id (-1 replays everything)")

	rootCmd.AddCommand(followCmd, simulateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
