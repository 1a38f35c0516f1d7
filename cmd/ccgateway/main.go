package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/ccgateway/internal/cliexec"
	"github.com/hrygo/ccgateway/internal/config"
	"github.com/hrygo/ccgateway/internal/gatewayhttp"
	"github.com/hrygo/ccgateway/internal/metrics"
	"github.com/hrygo/ccgateway/internal/notify"
	"github.com/hrygo/ccgateway/internal/pool"
	"github.com/hrygo/ccgateway/internal/sessionstore"
	"github.com/hrygo/ccgateway/internal/taskstore"
	"github.com/hrygo/ccgateway/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "ccgateway",
	Short: "An HTTP gateway that lets remote clients invoke the Claude Code CLI as a hosted chat API.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !config.IsRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	RunE: run,
}

func init() {
	defaults := config.Default()

	var showVersion bool
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version information and exit")
	originalRunE := rootCmd.RunE
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Println(version.StringFull())
			return nil
		}
		return originalRunE(cmd, args)
	}

	rootCmd.PersistentFlags().String("addr", defaults.Addr, "bind address (empty means all interfaces)")
	rootCmd.PersistentFlags().Int("port", defaults.Port, "listen port")
	rootCmd.PersistentFlags().Int("worker-concurrency", defaults.WorkerConcurrency, "maximum concurrent CLI invocations")
	rootCmd.PersistentFlags().String("default-model", defaults.DefaultModel, "model used when a request omits one")
	rootCmd.PersistentFlags().String("session-db", defaults.SessionDBPath, "path to the session store sqlite file")
	rootCmd.PersistentFlags().String("task-db", defaults.TaskDBPath, "path to the task store sqlite file")

	for _, name := range []string{"addr", "port", "worker-concurrency", "default-model", "session-db", "task-db"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("CCGATEWAY")
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("ccgateway: exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	log := slog.Default()
	log.Info("ccgateway: starting", "version", version.String())

	cfg := config.Default()
	cfg.FromEnv()
	if cmd.Flags().Changed("addr") {
		cfg.Addr, _ = cmd.Flags().GetString("addr")
	}
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("worker-concurrency") {
		cfg.WorkerConcurrency, _ = cmd.Flags().GetInt("worker-concurrency")
	}
	if cmd.Flags().Changed("default-model") {
		cfg.DefaultModel, _ = cmd.Flags().GetString("default-model")
	}
	if cmd.Flags().Changed("session-db") {
		cfg.SessionDBPath, _ = cmd.Flags().GetString("session-db")
	}
	if cmd.Flags().Changed("task-db") {
		cfg.TaskDBPath, _ = cmd.Flags().GetString("task-db")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), terminationSignals...)
	defer stop()

	runner, err := cliexec.New(log)
	if err != nil {
		return err
	}

	sessions, err := sessionstore.Open(cfg.SessionDBPath, cfg.MaxSessionsPerKey, cfg.SessionTTL, log)
	if err != nil {
		return err
	}
	defer sessions.Close()

	tasks, err := taskstore.Open(cfg.TaskDBPath, cfg.TaskRetention, log)
	if err != nil {
		return err
	}
	defer tasks.Close()

	if n, err := tasks.MarkOrphanedFailed(ctx); err != nil {
		log.Warn("ccgateway: failed to mark orphaned tasks", "error", err)
	} else if n > 0 {
		log.Info("ccgateway: marked orphaned tasks failed", "count", n)
	}

	reg := metrics.New()

	workerPool := pool.New(runner, pool.Config{
		Concurrency:    cfg.WorkerConcurrency,
		MaxQueueSize:   cfg.MaxQueueSize,
		RequestTimeout: cfg.RequestTimeout,
		QueueTimeout:   cfg.QueueTimeout,
		Metrics:        reg,
	}, log)

	var notifier taskstore.Notifier = notify.NoOp{}
	if cfg.TelegramConfigured() {
		tg, err := notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID, log)
		if err != nil {
			log.Warn("ccgateway: failed to configure telegram notifier, falling back to no-op", "error", err)
		} else {
			notifier = tg
		}
	}

	executor := taskstore.NewExecutor(tasks, sessionResolver{sessions}, workerPool, notifier, log)
	executor.SetMetrics(reg)

	srv := gatewayhttp.New(cfg, workerPool, sessions, tasks, executor, reg, log)

	go sessions.RunSweepLoop(ctx, cfg.SessionCleanupInterval)
	go tasks.RunSweepLoop(ctx, cfg.TaskRetention)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	log.Info("ccgateway: ready", "addr", cfg.Addr, "port", cfg.Port)

	select {
	case <-ctx.Done():
		log.Info("ccgateway: shutdown signal received, draining")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("ccgateway: error during HTTP shutdown", "error", err)
	}
	workerPool.Shutdown()
	log.Info("ccgateway: stopped")
	return nil
}

// sessionResolver adapts *sessionstore.Store to taskstore.SessionResolver.
// The executor only ever holds an already-hashed owner fingerprint (it
// never sees a raw bearer credential), so it goes through the *ForOwner
// variants rather than Create/Get.
type sessionResolver struct {
	store *sessionstore.Store
}

func (r sessionResolver) ResolveUpstream(ctx context.Context, sessionID, ownerFingerprint string) (string, error) {
	sess, err := r.store.GetForOwner(ctx, sessionID, ownerFingerprint)
	if err != nil {
		return "", err
	}
	return sess.UpstreamSessionID, nil
}

func (r sessionResolver) CreateSession(ctx context.Context, upstreamToken, ownerFingerprint string) (string, error) {
	sess, err := r.store.CreateForOwner(ctx, upstreamToken, ownerFingerprint)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}
