// Package cli provides the entry point of the reporting pipeline service.
// It assembles the configuration from flags, environment, and an optional
// config file, wires the source adapters, loader, invalidator, lock, and
// scheduler together, and manages the application lifecycle including
// graceful shutdown.
//
// Architecture overview:
//
//	CLI -> Configuration -> Services -> Scheduler -> ETL DAG
//	                                 -> Ops HTTP (healthz, status, metrics)
//	                                 -> Replica applier (replica mode only)
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reporting.bionicpro.org/api"
	"reporting.bionicpro.org/cache"
	"reporting.bionicpro.org/cdc"
	"reporting.bionicpro.org/common"
	"reporting.bionicpro.org/config"
	"reporting.bionicpro.org/crm"
	"reporting.bionicpro.org/etl"
	"reporting.bionicpro.org/mart"
	"reporting.bionicpro.org/metrics"
	"reporting.bionicpro.org/scheduler"
	"reporting.bionicpro.org/telemetry"
)

// cfgFile holds the path to the configuration file specified via flag.
// When empty, viper searches for .reporting-etl.yaml in the home and
// working directories.
var cfgFile string

// runOnce triggers a single pipeline pass instead of the scheduling loop.
var runOnce bool

// RootCmd is the main command of the reporting pipeline service. The
// runner is embedded: the command starts the scheduler and blocks until a
// termination signal.
var RootCmd = &cobra.Command{
	Use:   "reporting-etl",
	Short: "Prosthesis-usage reporting pipeline",
	Long: `reporting-etl periodically joins CRM reference data with hourly
prosthesis telemetry, materializes the denormalized usage mart, and keeps
the downstream read caches coherent through invalidation fan-out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := RootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default .reporting-etl.yaml)")
	flags.BoolVar(&runOnce, "once", false, "execute a single pipeline run and exit")
	flags.Duration("schedule-period", 15*time.Minute, "pipeline cadence")
	flags.Duration("lookback-window", 2*time.Hour, "telemetry re-extraction window")
	flags.Int("batch-size", 10000, "maximum rows per mart insert batch")
	flags.String("source-mode", "direct", "reference source mode (direct or replica)")
	flags.String("invalidator-endpoint", "", "read-cache invalidation endpoint URL")
	flags.String("ops-listen-addr", ":8080", "ops HTTP listen address")
	flags.String("log-level", "info", "log level")

	viper.BindPFlag("schedule_period", flags.Lookup("schedule-period"))
	viper.BindPFlag("lookback_window", flags.Lookup("lookback-window"))
	viper.BindPFlag("batch_size", flags.Lookup("batch-size"))
	viper.BindPFlag("source.mode", flags.Lookup("source-mode"))
	viper.BindPFlag("invalidator.endpoint", flags.Lookup("invalidator-endpoint"))
	viper.BindPFlag("ops_listen_addr", flags.Lookup("ops-listen-addr"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
}

// initConfig locates and reads the configuration file and enables the
// REPORTING_ environment prefix.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".reporting-etl")
	}

	viper.SetEnvPrefix("REPORTING")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		common.Logger.WithField("file", viper.ConfigFileUsed()).Info("loaded config file")
	}
}

// run wires the pipeline and blocks until shutdown.
func run() error {
	cfg := config.FromViper(viper.GetViper()).ApplyEnv()
	common.SetLevel(cfg.LogLevel)
	log := common.ComponentLogger("cli")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	crmSource, err := crm.NewSource(cfg.CRMDSN, cfg.SourceMode, common.ComponentLogger("crm"))
	if err != nil {
		return fmt.Errorf("connecting to CRM source: %w", err)
	}

	teleSource, err := telemetry.NewSource(cfg.TelemetryDSN, common.ComponentLogger("telemetry"))
	if err != nil {
		return fmt.Errorf("connecting to telemetry source: %w", err)
	}

	martConn, err := mart.Open(cfg.MartDSN)
	if err != nil {
		return fmt.Errorf("connecting to mart: %w", err)
	}
	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelSchema()
	if err := mart.EnsureSchema(schemaCtx, martConn, cfg.RetentionDays); err != nil {
		return fmt.Errorf("ensuring mart schema: %w", err)
	}

	lock, err := scheduler.NewRedisLock(cfg.RedisURL, cfg.Timeouts.Run)
	if err != nil {
		return fmt.Errorf("connecting to Redis: %w", err)
	}
	defer lock.Close()

	m := metrics.New()
	loader := mart.NewLoader(martConn, cfg.BatchSize, common.ComponentLogger("loader"))
	invalidator := cache.NewInvalidator(cfg.Invalidator, m, common.ComponentLogger("invalidator"))

	runner := scheduler.NewRunner(
		cfg,
		scheduler.ReferenceSourceFunc(func(ctx context.Context, since time.Time) (etl.ReferenceIterator, error) {
			return crmSource.ExtractReference(ctx, since)
		}),
		scheduler.TelemetrySourceFunc(func(ctx context.Context, window etl.Window) (etl.TelemetryIterator, error) {
			return teleSource.ExtractWindow(ctx, window)
		}),
		loader,
		invalidator,
		lock,
		m,
		common.ComponentLogger("scheduler"),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runOnce {
		report := runner.RunOnce(ctx, time.Now())
		if report.State != scheduler.StateSuccess {
			return fmt.Errorf("pipeline run %s finished %s: %s", report.RunID, report.State, report.Error)
		}
		log.WithField("run_id", report.RunID).Info("single run finished")
		return nil
	}

	// In replica mode the CDC applier keeps the replica tables current
	// while the scheduler reads them.
	if cfg.SourceMode == config.SourceModeReplica && cfg.CDC.AMQPURL != "" {
		if err := cdc.MigrateReplica(crmSource.DB()); err != nil {
			return fmt.Errorf("migrating replica tables: %w", err)
		}
		consumer := cdc.NewConsumer(cfg.CDC, cdc.NewApplier(crmSource.DB()), common.ComponentLogger("cdc"))
		go func() {
			if err := consumer.Start(ctx); err != nil {
				log.WithError(err).Error("replica applier stopped")
			}
		}()
		defer consumer.Close()
	}

	opsServer := api.NewServer(cfg.OpsListenAddr, runner, m, map[string]api.Pinger{
		"crm":       crmSource.Ping,
		"telemetry": teleSource.Ping,
		"mart":      loader.Ping,
		"redis":     lock.Ping,
	}, common.ComponentLogger("api"))

	go func() {
		if err := opsServer.Start(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("ops server failed")
			stop()
		}
	}()

	go runner.Start(ctx)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("ops server shutdown failed")
	}
	return nil
}

// Execute runs the root command.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		common.Logger.WithError(err).Error("reporting-etl exited with error")
		os.Exit(1)
	}
}
