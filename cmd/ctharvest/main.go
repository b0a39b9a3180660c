package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bl4ck0w1/ctharvest/cmd/ctharvest/commands"
	"github.com/bl4ck0w1/ctharvest/pkg/utils"
)

var (
	version   = "1.0.0"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "ctharvest",
	Short:   "ctharvest - distributed Certificate Transparency ingestion",
	Long:    "ctharvest pulls entries from public CT logs through a fleet of workers, filters them to a domain suffix, and persists the survivors through a central manager.",
	Version: version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if err := initLogging(cmd.Name()); err != nil {
			return err
		}
		if !viper.GetBool("quiet") {
			fmt.Printf("ctharvest %s (%s, built %s) %s/%s\n\n",
				version, commit, buildDate, runtime.GOOS, runtime.GOARCH)
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default: ctharvest.yaml in /etc/ctharvest/, then in the working directory)")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "quiet mode (no banner output)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
	rootCmd.PersistentFlags().String("log-file", "", "log file path")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))

	rootCmd.AddCommand(commands.NewManagerCommand())
	rootCmd.AddCommand(commands.NewWorkerCommand())
	rootCmd.AddCommand(commands.NewStatsCommand())
	rootCmd.AddCommand(commands.NewVersionCommand(version, commit, buildDate))

	rootCmd.SetVersionTemplate(fmt.Sprintf("ctharvest %s (commit %s, built %s)\n", version, commit, buildDate))
}

func initConfig() error {
	setDefaults()
	viper.SetEnvPrefix("CTHARVEST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	bindLegacyEnv()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath("/etc/ctharvest/")
		viper.AddConfigPath(".")
		viper.SetConfigName("ctharvest")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logrus.Warnf("Failed reading config file: %v", err)
		}
	} else {
		logrus.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}

	if viper.GetBool("debug") {
		viper.Set("log_level", "debug")
	}
	return nil
}

// bindLegacyEnv keeps the unprefixed environment variables the worker
// fleet and the manager have always been deployed with working
// alongside the CTHARVEST_-prefixed ones.
func bindLegacyEnv() {
	_ = viper.BindEnv("manager_url", "CTHARVEST_MANAGER_URL", "MANAGER_URL")
	_ = viper.BindEnv("worker_name", "CTHARVEST_WORKER_NAME", "WORKER_NAME")
	_ = viper.BindEnv("proxies", "CTHARVEST_PROXIES", "PROXIES")
	_ = viper.BindEnv("debug", "CTHARVEST_DEBUG", "DEBUG")
	_ = viper.BindEnv("suffix", "CTHARVEST_SUFFIX", "SUFFIX")
	_ = viper.BindEnv("batch_size", "CTHARVEST_BATCH_SIZE", "BATCH_SIZE")
	_ = viper.BindEnv("cache_max_size", "CTHARVEST_CACHE_MAX_SIZE", "CACHE_MAX_SIZE")

	_ = viper.BindEnv("listen_addr", "CTHARVEST_LISTEN_ADDR", "LISTEN_ADDR")
	_ = viper.BindEnv("database_dsn", "CTHARVEST_DATABASE_DSN", "DATABASE_DSN")
	_ = viper.BindEnv("chunk_size", "CTHARVEST_CHUNK_SIZE", "CHUNK_SIZE")
	_ = viper.BindEnv("stale_after", "CTHARVEST_STALE_AFTER", "STALE_AFTER")
	_ = viper.BindEnv("abandon_after", "CTHARVEST_ABANDON_AFTER", "ABANDON_AFTER")
	_ = viper.BindEnv("catalog_file", "CTHARVEST_CATALOG_FILE", "CATALOG_FILE")
}

func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "json")
	viper.SetDefault("quiet", false)

	// Manager.
	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("database_dsn", "ctharvest.db")
	viper.SetDefault("catalog_file", "configs/ct_logs.yaml")
	viper.SetDefault("chunk_size", 1<<14)
	viper.SetDefault("cache_max_size", 50000)
	viper.SetDefault("stale_after", "5m")
	viper.SetDefault("abandon_after", "15m")
	viper.SetDefault("reap_interval", "1m")
	viper.SetDefault("sth_interval", "10m")
	viper.SetDefault("error_log_path", "worker_errors.log")

	// Worker.
	viper.SetDefault("manager_url", "http://localhost:8080")
	viper.SetDefault("suffix", ".jp")
	viper.SetDefault("batch_size", 32)
	viper.SetDefault("fetch_batch", 256)
	viper.SetDefault("categories", []string{"google", "cloudflare", "letsencrypt", "digicert", "trustasia"})
	viper.SetDefault("spool_dir", "pending/upload_failure")
	viper.SetDefault("spool_interval", "300s")
	viper.SetDefault("flush_interval", "60s")
	viper.SetDefault("heartbeat_interval", "30s")
}

func initLogging(service string) error {
	logConfig := utils.LogConfig{
		Level:         viper.GetString("log_level"),
		Format:        viper.GetString("log_format"),
		FileLocation:  viper.GetString("log_file"),
		EnableConsole: true,
	}

	logger, err := utils.NewLogger(logConfig, "ctharvest-"+service, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize structured logger, falling back: %v\n", err)
		logrus.SetFormatter(&logrus.JSONFormatter{})
		logrus.SetLevel(logrus.InfoLevel)
		return nil
	}

	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.Level)
	logrus.SetFormatter(logger.Formatter)
	for _, hooks := range logger.Hooks {
		for _, h := range hooks {
			logrus.AddHook(h)
		}
	}
	return nil
}

func main() {
	Execute()
}
