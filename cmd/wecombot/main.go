package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"wecombot/internal/bus"
	"wecombot/internal/channel"
	"wecombot/internal/config"
	"wecombot/internal/domain"
	"wecombot/internal/store"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "wecombot",
		Short:   "WeCom intelligent-bot channel gateway",
		Long:    "wecombot receives WeCom intelligent-bot callbacks and replies through their response_url.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.wecombot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(accountsCmd())
	root.AddCommand(targetCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file, falling back to defaults when it is
// missing and fallback is set.
func loadConfig(fallback bool) (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !fallback {
			return nil, fmt.Errorf("load config: %w", err)
		}
		logger.Warn("config not loaded, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
		cfg.Store.DBPath = config.ExpandPath(cfg.Store.DBPath)
	}
	return cfg, nil
}

// editConfig checks edit against the expanded config, then applies it to
// the file as written so ${VAR} references are not replaced by their values.
func editConfig(edit func(*config.Config) (*config.Config, error)) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	checked, err := edit(cfg)
	if err != nil {
		return err
	}
	if err := config.Validate(checked); err != nil {
		return err
	}

	cfgPath := resolveConfigPath()
	raw, err := config.LoadRaw(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	next, err := edit(raw)
	if err != nil {
		return err
	}
	if err := config.Save(cfgPath, next); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// configureLogger rebuilds the global logger from general.logLevel and
// general.logFile. The returned closer releases the log file.
func configureLogger(cfg *config.Config) (func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.General.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	closer := func() {}
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return closer, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return closer, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closer = func() { f.Close() }
	}

	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	return closer, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			fmt.Println("Set channels.wecom.token and channels.wecom.encodingAESKey, then run 'wecombot gateway'.")
			return nil
		},
	}
}

func gatewayCmd() *cobra.Command {
	var echo bool
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Serve WeCom callbacks for every enabled account",
		Long:  "Starts the callback listener and registers a webhook per configured account. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(echo)
		},
	}
	cmd.Flags().BoolVar(&echo, "echo", false, "reply to every inbound message with its own text")
	return cmd
}

func runGateway(echo bool) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	closeLog, err := configureLogger(cfg)
	defer closeLog()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)
	defer messageBus.Close()

	wcfg := channel.WeComConfig{Config: cfg, Logger: logger}
	if cfg.Store.Enabled {
		st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
		if err != nil {
			return fmt.Errorf("status store: %w", err)
		}
		defer st.Close()
		if _, err := st.PruneSeen(ctx, time.Now().Add(-24*time.Hour)); err != nil {
			logger.Warn("prune inbound ids failed", "err", err)
		}
		wcfg.Status = st
		wcfg.Dedup = st
	}

	wecom := channel.NewWeCom(wcfg)
	go consumeInbound(ctx, messageBus, echo)

	logger.Info("gateway starting", "version", version, "echo", echo)
	if err := wecom.Start(ctx, messageBus); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// consumeInbound drains the bus when no host runtime is attached. With echo
// set, each message is answered through the channel's reply window.
func consumeInbound(ctx context.Context, b domain.MessageBus, echo bool) {
	inbound := b.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			logger.Info("inbound",
				"account", msg.AccountID,
				"chat", msg.ChatID,
				"sender", msg.SenderID,
				"content", msg.Content,
			)
			if echo && msg.Content != "" {
				b.SendOutbound(domain.OutboundMessage{Channel: msg.Channel, AccountID: msg.AccountID, ChatID: msg.ChatID, Content: msg.Content})
			}
		}
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configured accounts and their last recorded gateway status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}

			recorded := make(map[string]domain.AccountStatus)
			if cfg.Store.Enabled {
				if _, err := os.Stat(cfg.Store.DBPath); err == nil {
					st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
					if err != nil {
						return fmt.Errorf("status store: %w", err)
					}
					defer st.Close()
					list, err := st.ListStatuses(cmd.Context())
					if err != nil {
						return err
					}
					for _, s := range list {
						recorded[s.AccountID] = s
					}
				}
			}

			type row struct {
				config.AccountDescription
				Status *domain.AccountStatus `json:"status,omitempty"`
			}
			var rows []row
			for _, id := range config.ListAccountIDs(cfg) {
				r := row{AccountDescription: config.DescribeAccount(config.ResolveAccount(cfg, id))}
				if s, ok := recorded[id]; ok {
					r.Status = &s
				}
				rows = append(rows, r)
			}
			return printJSON(rows)
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
		Short: "Get a config value (e.g. channels.wecom.webhookPath)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			return printJSON(val)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. channels.wecom.requireMention false)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := editConfig(func(cfg *config.Config) (*config.Config, error) {
				next, err := config.SetByPath(cfg, args[0], args[1])
				if err != nil {
					return nil, fmt.Errorf("set value: %w", err)
				}
				return next, nil
			})
			if err != nil {
				return err
			}
			logger.Info("config updated", "path", args[0], "file", resolveConfigPath())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			return printJSON(config.Sanitize(cfg))
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
