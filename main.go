package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"hookgate/internal"
	"hookgate/pkg/storage/sqlstore"
	"hookgate/pkg/worker"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configPath string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "hookgate",
		Short:        "GitHub App webhook receiver and login gateway",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to config file")
	root.AddCommand(serveCommand(), migrateCommand(), tailCommand(), showConfigCommand(), versionCommand())
	return root
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := internal.NewLogger("server")
			cfg, err := internal.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := internal.NewLogger("migrate")
			cfg, err := internal.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if strings.EqualFold(cfg.Storage.Driver, "memory") {
				return fmt.Errorf("storage driver memory has no schema")
			}
			store, err := sqlstore.Open(sqlstore.Config{Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN, Debug: cfg.App.Debug})
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()
			if err := store.Migrate(); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Printf("schema up to date driver=%s", cfg.Storage.Driver)
			return nil
		},
	}
}

func tailCommand() *cobra.Command {
	var topics []string
	var group string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print delivery notices as they are published",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(topics) == 0 {
				return fmt.Errorf("at least one --topic is required")
			}
			cfg, err := internal.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := internal.NewLogger("tail")
			var seen atomic.Int64
			consumer, err := worker.NewFromConfig(cfg.Watermill, group,
				worker.WithTopics(topics...),
				worker.WithLogger(logger),
				worker.WithRetry(worker.DropOnError{}),
				worker.WithListener(worker.Listener{
					OnMessageFinish: func(ctx context.Context, msg *worker.Message, err error) { seen.Add(1) },
					OnExit: func(ctx context.Context) {
						logger.Printf("stopped after %d notices", seen.Load())
					},
				}),
			)
			if err != nil {
				return fmt.Errorf("subscriber: %w", err)
			}
			defer consumer.Close()

			printNotice := func(ctx context.Context, msg *worker.Message) error {
				notice := msg.Notice
				logger.Printf("topic=%s delivery=%s event=%s action=%s installation=%d repository=%d routed=%t",
					msg.Topic, notice.DeliveryID, notice.Event, notice.Action, notice.InstallationID, notice.RepositoryID, notice.Routed)
				return nil
			}
			for _, topic := range topics {
				consumer.HandleTopic(topic, printNotice)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return consumer.Run(ctx)
		},
	}
	cmd.Flags().StringSliceVar(&topics, "topic", nil, "Topic to subscribe to (repeatable)")
	cmd.Flags().StringVar(&group, "group", "hookgate-tail", "Consumer group or durable subscription name")
	return cmd
}

func showConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show-config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := internal.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out, err := yaml.Marshal(cfg.Masked())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), internal.Version)
		},
	}
}
