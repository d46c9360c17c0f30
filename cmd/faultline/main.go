package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nikolajve/faultline/internal/aggregate"
	"github.com/nikolajve/faultline/internal/ai"
	"github.com/nikolajve/faultline/internal/api"
	"github.com/nikolajve/faultline/internal/config"
	"github.com/nikolajve/faultline/internal/logging"
	"github.com/nikolajve/faultline/internal/notifications"
	"github.com/nikolajve/faultline/internal/report"
	"github.com/nikolajve/faultline/internal/store"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "faultline",
	Short:   "Faultline - failure classification and aggregation service",
	Long:    `Faultline ingests application failures, classifies them with an inference backend and collapses repeated occurrences into tracked repetitive issues.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(aggregateCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(notifyTestCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Faultline %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Git commit: %s\n", GitCommit)
	},
}

var classifyLookback time.Duration

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify stored raw failures that have no structured record yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newEnv()
		if err != nil {
			return err
		}
		defer env.close()

		lookback := classifyLookback
		if lookback <= 0 {
			lookback = env.cfg.OccurrenceWindow
		}
		n, err := env.reporter.ClassifyBacklog(cmd.Context(), lookback)
		if err != nil {
			return err
		}
		fmt.Printf("Classified %d failures\n", n)
		return nil
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Run one aggregation pass over the occurrence window",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newEnv()
		if err != nil {
			return err
		}
		defer env.close()
		return env.engine.Run(cmd.Context())
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Run one resolution sweep over unsolved issues",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newEnv()
		if err != nil {
			return err
		}
		defer env.close()
		return env.sweeper.Run(cmd.Context())
	},
}

var notifyTestCmd = &cobra.Command{
	Use:   "notify-test",
	Short: "Send a test message to the configured chat webhook",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newEnv()
		if err != nil {
			return err
		}
		defer env.close()

		if err := env.notifier.SendTest(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Test message delivered")
		return nil
	},
}

func main() {
	classifyCmd.Flags().DurationVar(&classifyLookback, "lookback", 0, "how far back to look for unclassified failures (default: occurrence window)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env wires the pipeline components from configuration. Shared by the server
// and the one-shot commands.
type env struct {
	cfg      *config.Config
	store    *store.Store
	notifier *notifications.Manager
	reporter *report.Reporter
	engine   *aggregate.Engine
	sweeper  *aggregate.Sweeper
}

func newEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "faultline",
	})

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	classifier := ai.NewClassifier(cfg.AI)
	notifier := notifications.NewManager(cfg.SlackWebhookURL)
	reporter := report.New(st, classifier, cfg.Enabled)
	engine := aggregate.NewEngine(st, classifier, notifier, aggregate.Options{
		OccurrenceWindow:   cfg.OccurrenceWindow,
		PromotionThreshold: cfg.PromotionThreshold,
	})
	sweeper := aggregate.NewSweeper(st, aggregate.SweeperOptions{
		StalenessWindow: cfg.StalenessWindow,
		QuietWindow:     cfg.QuietWindow,
	})

	return &env{
		cfg:      cfg,
		store:    st,
		notifier: notifier,
		reporter: reporter,
		engine:   engine,
		sweeper:  sweeper,
	}, nil
}

func (e *env) close() {
	if err := e.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store cleanly")
	}
}

func runServer() {
	env, err := newEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer env.close()

	log.Info().
		Str("version", Version).
		Bool("enabled", env.cfg.Enabled).
		Bool("aiEnabled", env.cfg.AI.Enabled).
		Str("listenAddr", env.cfg.ListenAddr).
		Msg("Faultline starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if env.cfg.MetricsAddr != "" {
		startMetricsServer(ctx, env.cfg.MetricsAddr)
	}

	srv := &http.Server{
		Addr:         env.cfg.ListenAddr,
		Handler:      api.NewServer(env.reporter).Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", env.cfg.ListenAddr).Msg("Ingestion API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Ingestion server stopped unexpectedly")
			stop()
		}
	}()

	if env.cfg.Enabled {
		go runPeriodic(ctx, "aggregate", env.cfg.AggregateInterval, env.engine.Run)
		go runPeriodic(ctx, "resolve", env.cfg.ResolveInterval, env.sweeper.Run)
	} else {
		log.Warn().Msg("Pipeline disabled by configuration, schedulers idle")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		log.Warn().Err(err).Msg("Failed to shut down ingestion server cleanly")
	}
}

// runPeriodic drives one scheduled pass. A failing pass is logged and retried
// at the next tick; nothing here is fatal to the process.
func runPeriodic(ctx context.Context, name string, interval time.Duration, pass func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Str("pass", name).Dur("interval", interval).Msg("Scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pass(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("pass", name).Msg("Scheduled pass failed")
			}
		}
	}
}
