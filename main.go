package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/chatrelay/internal/config"
	"github.com/xiaot623/gogo/chatrelay/internal/logging"
	"github.com/xiaot623/gogo/chatrelay/internal/repository"
	"github.com/xiaot623/gogo/chatrelay/internal/storage"
	handler "github.com/xiaot623/gogo/chatrelay/internal/transport/http"
	v1 "github.com/xiaot623/gogo/chatrelay/internal/transport/http/v1"
)

const shutdownTimeout = 10 * time.Second

var (
	configFile string
	cfg        *config.Config
	logger     *zap.Logger

	rootCmd = &cobra.Command{
		Use:           "chatrelay",
		Short:         "Streams model answers to chat clients and runs the image and file jobs behind them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(configFile)
			if err != nil {
				return err
			}
			for key, flag := range map[string]string{"http.port": "port", "log.level": "log-level", "log.format": "log-format"} {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return errors.Wrapf(err, "failed to bind --%s", flag)
				}
			}
			if cfg, err = config.Load(v); err != nil {
				return err
			}
			logger, err = logging.New(cfg.LogLevel, cfg.LogFormat)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the file expiry monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			embedded, _ := cmd.Flags().GetBool("worker")
			return runServe(cmd.Context(), embedded)
		},
	}

	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Consume background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}

	requeueCmd = &cobra.Command{
		Use:   "requeue",
		Short: "Return jobs left unacknowledged by crashed workers to the queue (run with all workers stopped)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			_, err = a.requeueJobs(cmd.Context())
			return err
		},
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := repository.NewSQLiteStore(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			logger.Info("database migrated", zap.String("database", cfg.DatabaseURL))
			return store.Close()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (yaml, json or toml)")
	rootCmd.PersistentFlags().Int("port", 8080, "HTTP port")
	rootCmd.PersistentFlags().String("log-level", "info", "log level")
	rootCmd.PersistentFlags().String("log-format", "json", `log format, "json" or "console"`)

	serveCmd.Flags().Bool("worker", false, "also consume background jobs in this process")
	rootCmd.AddCommand(serveCmd, workerCmd, requeueCmd, migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, embedded bool) error {
	if embedded {
		cfg.EmbeddedWorker = true
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := handler.Options{
		Logger:    logger,
		Metrics:   a.metrics,
		BodyLimit: "60M",
	}
	if local, ok := a.blobs.(*storage.Local); ok {
		opts.UploadsDir = local.Dir()
	}
	server := handler.NewServer(v1.NewHandler(a.service, logger), opts)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		logger.Info("http server started", zap.String("addr", addr))
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.service.RunFileExpiryMonitor(ctx)
		return nil
	})
	if cfg.EmbeddedWorker {
		g.Go(func() error {
			return a.runWorker(ctx)
		})
	}

	err = g.Wait()
	logger.Info("chatrelay stopped")
	return err
}

func runWorker(ctx context.Context) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	err = a.runWorker(ctx)
	logger.Info("worker stopped")
	return err
}
