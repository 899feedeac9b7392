package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/ocr-server/internal/queue"
	"github.com/adverant/nexus/ocr-server/internal/storage"
)

var (
	watchRedisURL string
	watchQueue    string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Consume forwarded OCR results from the Asynq queue",
	RunE:  runWatch,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream task lifecycle events from Redis",
	RunE:  runEvents,
}

func init() {
	for _, c := range []*cobra.Command{watchCmd, eventsCmd} {
		c.Flags().StringVar(&watchRedisURL, "redis", envOr("REDIS_URL", "redis://127.0.0.1:6379/0"), "Redis URL")
	}
	watchCmd.Flags().StringVar(&watchQueue, "queue", envOr("OCR_RESULT_QUEUE", "ocr-results"), "Asynq queue name")
	rootCmd.AddCommand(watchCmd, eventsCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	consumer, err := queue.NewResultConsumer(watchRedisURL, watchQueue, 1, func(ctx context.Context, msg *queue.ResultMessage) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, indentJSON(data))
		return err
	})
	if err != nil {
		return err
	}
	return consumer.Run(ctx)
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := storage.NewRedisClient(watchRedisURL, storage.DefaultPrefix, 0)
	if err != nil {
		return err
	}
	defer client.Close()

	events, err := client.SubscribeEvents(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Listening on %s\n", client.EventsChannel())

	for ev := range events {
		line := fmt.Sprintf("%s  %-16s %s", ev.Timestamp, ev.Event, ev.TaskID)
		if ev.Engine != "" {
			line += fmt.Sprintf("  %s/%s", ev.Engine, ev.Language)
		}
		if ev.Event == "task:"+storage.StatusCompleted {
			line += fmt.Sprintf("  results=%d", ev.Results)
		}
		if ev.Message != "" {
			line += "  " + ev.Message
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}
