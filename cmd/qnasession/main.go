package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"qnasession/internal/config"
	"qnasession/internal/store"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "qnasession",
		Short: "qnasession: live Q&A change feed and topic clustering",
		Long: `qnasession follows a Supabase Realtime change feed for a Q&A session
and periodically groups pending questions into per-room topic clusters.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.qnasession/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(clusterCmd())
	root.AddCommand(messageCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config (or defaults when the file is missing) and
// switches the package logger to the configured level and format.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefaults(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger = newLogger(cfg.General)
	return cfg, nil
}

func newLogger(g config.GeneralConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(g.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if g.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(config.ExpandPath(cfgPath)); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(config.DefaultConfigDir(), 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "db", config.ExpandPath(cfg.Store.DBPath))
			fmt.Println("Set SUPABASE_URL, SUPABASE_ANON_KEY and GEMINI_API_KEY (or edit the config), then run 'qnasession serve'.")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and pending work",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			fmt.Printf("Config:      %s\n", resolveConfigPath())
			fmt.Printf("Realtime:    enabled=%t url=%s tables=%s\n",
				cfg.Realtime.Enabled, cfg.Realtime.ProjectURL, strings.Join(cfg.Realtime.Tables, ","))
			fmt.Printf("Classifier:  mode=%s provider=%s llm=%t key=%s\n",
				cfg.Classifier.Mode, cfg.Classifier.Provider, cfg.Classifier.UseLLM(), config.MaskSecret(cfg.Classifier.APIKey))
			fmt.Printf("Clustering:  enabled=%t every %s\n", cfg.Clustering.Enabled, cfg.Clustering.PollInterval())
			fmt.Printf("Kafka:       enabled=%t topic=%s\n", cfg.Kafka.Enabled, cfg.Kafka.Topic)

			st, err := store.Open(ctx, cfg.Store, logger)
			if err != nil {
				fmt.Printf("Store:       %s unavailable (%v)\n", cfg.Store.Driver, err)
				return nil
			}
			defer st.Close()

			rooms, err := st.ListRoomIDs(ctx)
			if err != nil {
				return err
			}
			pending, err := st.ListPendingRoomIDs(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Store:       %s, %d rooms, %d with pending messages\n", cfg.Store.Driver, len(rooms), len(pending))
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. classifier.mode)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			printJSON(val)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. classifier.mode keywords)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			keys, values := config.ListPaths(config.Sanitize(cfg))
			for _, k := range keys {
				data, _ := json.Marshal(values[k])
				fmt.Printf("%s = %s\n", k, data)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
