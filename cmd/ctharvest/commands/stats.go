package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bl4ck0w1/ctharvest/internal/worker/managerclient"
)

func NewStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show manager cache statistics",
		Long:  `Query the manager's duplicate-suppression cache statistics.`,
		RunE:  runStats,
	}
	cmd.Flags().String("manager", "", "manager base URL (overrides MANAGER_URL)")
	_ = viper.BindPFlag("manager_url", cmd.Flags().Lookup("manager"))
	return cmd
}

func runStats(cmd *cobra.Command, args []string) error {
	mgr := managerclient.New(managerclient.Config{
		BaseURL: viper.GetString("manager_url"),
	}, nil)

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	stats, err := mgr.CacheStats(ctx)
	if err != nil {
		return fmt.Errorf("fetch cache stats: %w", err)
	}

	fmt.Println("Duplicate-Suppression Cache:")
	fmt.Println("═══════════════════════════════════════")
	fmt.Printf("Size: %d / %d\n", stats.CacheSize, stats.MaxSize)
	fmt.Printf("Hits: %d\n", stats.HitCount)
	fmt.Printf("Misses: %d\n", stats.MissCount)
	fmt.Printf("Total Requests: %d\n", stats.TotalRequests)
	fmt.Printf("Hit Rate: %.2f%%\n", stats.HitRate*100)
	return nil
}
