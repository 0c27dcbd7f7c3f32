package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/runstream/internal/domain"
	"github.com/xiaot623/gogo/runstream/internal/logging"
	"github.com/xiaot623/gogo/runstream/internal/streamclient"
)

func newLogger() zerolog.Logger {
	return logging.NewWithWriter(os.Stderr, "runtail", opts.LogLevel, "console")
}

func runFollow(cmd *cobra.Command, args []string) error {
	var lastSeen *int64
	if opts.LastEventID >= 0 {
		v := opts.LastEventID
		lastSeen = &v
	}
	return follow(cmd.Context(), cmd.OutOrStdout(), args[0], lastSeen)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	doc, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read case: %w", err)
	}

	runID, err := submit(cmd.Context(), doc)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "run %s accepted\n", runID)
	return follow(cmd.Context(), cmd.OutOrStdout(), runID, nil)
}

func submit(ctx context.Context, doc []byte) (string, error) {
	endpoint := strings.TrimSuffix(opts.URL, "/") + "/simulate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(doc))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit case: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("submit case: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var accepted domain.SimulateResponse
	if err := json.Unmarshal(body, &accepted); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return accepted.RunID, nil
}

func follow(ctx context.Context, out io.Writer, runID string, lastSeen *int64) error {
	f := streamclient.NewFollower(opts.URL, newLogger())
	f.Transport = opts.Transport
	f.StopOnTerminal = !opts.Forever
	f.MaxAttempts = opts.MaxAttempts

	last, err := f.Follow(ctx, runID, lastSeen, func(ev domain.Event) error {
		return printEvent(out, ev)
	})
	switch {
	case errors.Is(err, context.Canceled):
		if last != nil {
			fmt.Fprintf(os.Stderr, "stopped, resume with --last-event-id %d\n", *last)
		}
		return nil
	case errors.Is(err, streamclient.ErrRunTerminated):
		fmt.Fprintln(os.Stderr, "run has been terminated")
		return nil
	}
	return err
}

func printEvent(out io.Writer, ev domain.Event) error {
	if opts.Raw {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s\n", data)
		return err
	}

	if ev.IsReport() {
		report, _ := ev.Report()
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, report, "", "  "); err != nil {
			pretty.Reset()
			pretty.Write(report)
		}
		_, err := fmt.Fprintf(out, "%4d %s %-8s %s\n%s\n", ev.SequenceID, ev.Timestamp.Format(time.TimeOnly), ev.Kind, ev.SourceID, pretty.String())
		return err
	}
	_, err := fmt.Fprintf(out, "%4d %s %-8s %-16s %s\n", ev.SequenceID, ev.Timestamp.Format(time.TimeOnly), ev.Kind, ev.SourceID, ev.Message)
	return err
}
