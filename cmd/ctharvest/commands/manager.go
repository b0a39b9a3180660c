package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/bl4ck0w1/ctharvest/internal/manager/api"
	"github.com/bl4ck0w1/ctharvest/internal/manager/cache"
	"github.com/bl4ck0w1/ctharvest/internal/manager/catalog"
	"github.com/bl4ck0w1/ctharvest/internal/manager/coordinator"
	"github.com/bl4ck0w1/ctharvest/internal/manager/ingest"
	"github.com/bl4ck0w1/ctharvest/internal/manager/sth"
	"github.com/bl4ck0w1/ctharvest/internal/manager/store"
	"github.com/bl4ck0w1/ctharvest/pkg/utils"
)

func NewManagerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manager",
		Short: "Run the central manager",
		Long:  `Run the manager: the HTTP control API for the worker fleet, the job coordinator, the duplicate-suppression cache and the certificate store.`,
		RunE:  runManager,
	}

	cmd.Flags().String("listen", "", "listen address (overrides LISTEN_ADDR)")
	cmd.Flags().String("dsn", "", "database DSN (overrides DATABASE_DSN)")
	cmd.Flags().String("catalog", "", "CT log catalog YAML (overrides CATALOG_FILE)")
	_ = viper.BindPFlag("listen_addr", cmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("database_dsn", cmd.Flags().Lookup("dsn"))
	_ = viper.BindPFlag("catalog_file", cmd.Flags().Lookup("catalog"))

	return cmd
}

func runManager(cmd *cobra.Command, args []string) error {
	logger := logrus.StandardLogger()

	st, err := store.Open(viper.GetString("database_dsn"), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if path := viper.GetString("catalog_file"); path != "" {
		if _, err := catalog.Load(path, st, logger); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				logger.Warnf("catalog file %s not found, starting with the existing ct_logs table", path)
			} else {
				return fmt.Errorf("load catalog: %w", err)
			}
		}
	}

	fc := cache.New(viper.GetInt("cache_max_size"), logger)
	coord := coordinator.New(st, coordinator.Config{
		ChunkSize:    viper.GetInt64("chunk_size"),
		StaleAfter:   viper.GetDuration("stale_after"),
		AbandonAfter: viper.GetDuration("abandon_after"),
	}, logger)
	ing := ingest.New(st, fc, logger)
	metrics := utils.NewMetricsCollector(true)

	server := api.NewServer(api.Config{
		ListenAddr:   viper.GetString("listen_addr"),
		BatchLimit:   viper.GetInt("batch_size"),
		AdminToken:   viper.GetString("admin_token"),
		ErrorLogPath: viper.GetString("error_log_path"),
	}, coord, ing, fc, st, metrics, logger)

	fetcher := sth.NewFetcher(st, coord, viper.GetDuration("sth_interval"), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		err := fetcher.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		coord.RunReaper(gctx.Done(), viper.GetDuration("reap_interval"))
		return nil
	})

	logger.Info("manager started")
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("manager stopped")
	return nil
}
