package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/ocr-server/internal/storage"
)

var (
	statsRedisURL    string
	statsRedisPrefix string
	statsDatabaseURL string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task counts from Redis and PostgreSQL",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsRedisURL, "redis", envOr("REDIS_URL", ""), "Redis URL")
	statsCmd.Flags().StringVar(&statsRedisPrefix, "prefix", storage.DefaultPrefix, "Redis key prefix")
	statsCmd.Flags().StringVar(&statsDatabaseURL, "database", envOr("DATABASE_URL", ""), "PostgreSQL URL")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	if statsRedisURL == "" && statsDatabaseURL == "" {
		return fmt.Errorf("--redis/REDIS_URL or --database/DATABASE_URL is required")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	store, err := storage.NewManager(&storage.ManagerConfig{
		RedisURL:    statsRedisURL,
		RedisPrefix: statsRedisPrefix,
		DatabaseURL: statsDatabaseURL,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	return printStats(ctx, cmd.OutOrStdout(), store)
}

type statsSource interface {
	Stats(ctx context.Context) (map[string]interface{}, error)
}

func printStats(ctx context.Context, out io.Writer, src statsSource) error {
	stats, err := src.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}
