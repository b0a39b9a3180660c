package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bl4ck0w1/ctharvest/internal/worker/ctclient"
	"github.com/bl4ck0w1/ctharvest/internal/worker/managerclient"
	"github.com/bl4ck0w1/ctharvest/internal/worker/proxy"
	"github.com/bl4ck0w1/ctharvest/internal/worker/runner"
	"github.com/bl4ck0w1/ctharvest/internal/worker/spool"
	"github.com/bl4ck0w1/ctharvest/pkg/utils"
)

const exitManagerUnreachable = 2

func NewWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker node",
		Long:  `Run a worker: pull job ranges from the manager, fetch CT log entries, filter them to the configured domain suffix, and upload the survivors.`,
		RunE:  runWorker,
	}

	cmd.Flags().String("manager", "", "manager base URL (overrides MANAGER_URL)")
	cmd.Flags().String("name", "", "worker name (overrides WORKER_NAME, auto-generated if unset)")
	cmd.Flags().String("suffix", "", "domain suffix filter (overrides SUFFIX)")
	cmd.Flags().StringSlice("categories", nil, "log categories to run threads for")
	_ = viper.BindPFlag("manager_url", cmd.Flags().Lookup("manager"))
	_ = viper.BindPFlag("worker_name", cmd.Flags().Lookup("name"))
	_ = viper.BindPFlag("suffix", cmd.Flags().Lookup("suffix"))
	_ = viper.BindPFlag("categories", cmd.Flags().Lookup("categories"))

	return cmd
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := logrus.StandardLogger()

	managerURL := strings.TrimSpace(viper.GetString("manager_url"))
	if managerURL == "" {
		return fmt.Errorf("MANAGER_URL is required")
	}
	suffix := strings.TrimSpace(viper.GetString("suffix"))
	if suffix == "" {
		return fmt.Errorf("SUFFIX must not be empty")
	}
	categories := viper.GetStringSlice("categories")
	if len(categories) == 0 {
		return fmt.Errorf("at least one log category is required")
	}

	workerName := strings.TrimSpace(viper.GetString("worker_name"))
	if workerName == "" {
		workerName = "worker-" + uuid.NewString()[:8]
		logger.Infof("no WORKER_NAME configured, using %s", workerName)
	}

	rotator, err := proxy.Parse(viper.GetString("proxies"), logger)
	if err != nil {
		return fmt.Errorf("parse PROXIES: %w", err)
	}
	if !rotator.Empty() {
		logger.Infof("rotating CT fetches across %d proxies", rotator.Len())
	}

	sp, err := spool.New(viper.GetString("spool_dir"), logger)
	if err != nil {
		return fmt.Errorf("initialize spool: %w", err)
	}

	mgr := managerclient.New(managerclient.Config{BaseURL: managerURL}, logger)

	metrics := utils.NewMetricsCollector(true)
	if addr := viper.GetString("debug_addr"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			logger.Infof("debug metrics on %s", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warnf("debug listener: %v", err)
			}
		}()
	}

	r := runner.New(runner.Config{
		WorkerName:        workerName,
		Suffix:            suffix,
		Categories:        categories,
		BatchSize:         viper.GetInt("batch_size"),
		FetchBatch:        viper.GetInt64("fetch_batch"),
		FlushInterval:     viper.GetDuration("flush_interval"),
		HeartbeatInterval: viper.GetDuration("heartbeat_interval"),
		SpoolInterval:     viper.GetDuration("spool_interval"),
		CTClient:          ctclient.Config{},
	}, mgr, sp, rotator, metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"worker_name": workerName,
		"manager":     managerURL,
		"suffix":      suffix,
		"categories":  categories,
	}).Info("worker started")

	if err := r.Run(ctx); err != nil {
		if errors.Is(err, runner.ErrManagerUnreachable) {
			logger.Errorf("giving up: %v", err)
			os.Exit(exitManagerUnreachable)
		}
		return err
	}
	logger.Info("worker stopped")
	return nil
}
