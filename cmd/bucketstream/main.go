// Command bucketstream runs the bucket change-data-capture pipeline.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"bucketstream/internal/bus/kafka"
	"bucketstream/internal/config"
	"bucketstream/internal/coord/zkcoord"
	"bucketstream/internal/populator"
	"bucketstream/internal/secrets"
)

var version = "dev"

func main() {
	levelVar := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))

	rootCmd := &cobra.Command{
		Use:   "bucketstream",
		Short: "Object-storage change-data-capture pipeline",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				levelVar.Set(slog.LevelDebug)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the ingestion pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, logger, configPath)
		},
	}
	serverCmd.Flags().String("config", "config.json", "path to the configuration file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serverCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Info("loaded config",
		"path", configPath,
		"sources", len(cfg.Sources),
		"topic", cfg.QueuePopulator.Topic)

	secretKey, err := secrets.LoadKey()
	if err != nil {
		return err
	}

	coordinator, err := zkcoord.Connect(zkcoord.Config{
		Servers:        cfg.Zookeeper.Servers,
		SessionTimeout: cfg.Zookeeper.SessionTimeoutDuration(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer coordinator.Close()

	producer, err := kafka.New(kafka.Config{
		Brokers: cfg.Kafka.Brokers,
		TLS:     cfg.Kafka.TLS,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer producer.Close()

	pop, err := populator.New(populator.Config{
		Settings:    cfg.QueuePopulator,
		Coordinator: coordinator,
		Producer:    producer,
		SecretKey:   secretKey,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if err := pop.ApplyConfig(cfg.Sources); err != nil {
		// Some sources failed to start; keep running with the rest.
		logger.Error("config partially applied", "error", err)
	}

	if err := pop.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := pop.Stop(); err != nil {
			logger.Error("populator shutdown", "error", err)
		}
	}()

	stopWatch, err := watchConfig(ctx, logger, configPath, pop)
	if err != nil {
		logger.Warn("config watch unavailable", "path", configPath, "error", err)
	} else {
		defer stopWatch()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// watchConfig re-applies the source list whenever the config file changes.
// Editors replace files rather than writing in place, so both Write and
// Create events trigger a reload.
func watchConfig(ctx context.Context, logger *slog.Logger, path string, pop *populator.Populator) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				cfg, err := config.Load(path)
				if err != nil {
					logger.Error("config reload failed", "path", path, "error", err)
					continue
				}
				if err := pop.ApplyConfig(cfg.Sources); err != nil {
					logger.Error("config reapply incomplete", "error", err)
				} else {
					logger.Info("config reapplied", "sources", len(cfg.Sources))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
