package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"scenechat/internal/agent"
	"scenechat/internal/config"
	"scenechat/internal/logging"
	"scenechat/internal/rpc"
	"scenechat/internal/server"
	"scenechat/internal/session"
	"scenechat/internal/store"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "scenechat",
	Short: "scenechat - LLM chat backend for 3D scene editors",
	Long: `scenechat is the chat backend for a 3D scene editor.

It streams Gemini responses over NDJSON, bridges tool calls to a
connected scenepeer over JSON-RPC 2.0, and persists transcripts to
SQLite.

Run without arguments to start the server.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			workspace, _ = os.Getwd()
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("file logging disabled", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the scenechat version",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.DefaultConfig()
		fmt.Printf("%s %s\n", cfg.Name, cfg.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "", "workspace directory (default: cwd)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: <workspace>/.scenechat/config.yaml)")

	rootCmd.AddCommand(versionCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		configPath = filepath.Join(workspace, ".scenechat", "config.yaml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reloadLoggingOnHUP(ctx)

	bridge := rpc.NewConnection()
	sessions := session.NewManager(cfg.GetSessionTTL())

	var llm agent.Client
	if cfg.LLM.APIKey != "" {
		llm, err = agent.NewGeminiClient(ctx, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Temperature, cfg.LLM.MaxTokens)
		if err != nil {
			return fmt.Errorf("failed to create LLM client: %w", err)
		}
		defer llm.Close()
		logger.Info("LLM client ready", zap.String("model", cfg.LLM.Model))
	} else {
		logger.Warn("no LLM API key configured, chat endpoint disabled")
	}

	var st *store.Store
	if cfg.Store.DatabasePath != "" {
		st, err = store.New(cfg.Store.DatabasePath)
		if err != nil {
			logger.Warn("transcript persistence disabled", zap.Error(err))
		} else {
			defer st.Close()
		}
	}

	logger.Info("starting scenechat",
		zap.String("addr", cfg.Addr()),
		zap.String("version", cfg.Version),
	)
	logging.Boot("scenechat starting on %s", cfg.Addr())

	srv := server.New(cfg, bridge, llm, sessions, st)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("scenechat stopped")
	return nil
}

// reloadLoggingOnHUP rereads the file-logging config on SIGHUP until
// ctx ends.
func reloadLoggingOnHUP(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				if err := logging.ReloadConfig(); err != nil {
					logger.Warn("logging config reload failed", zap.Error(err))
				} else {
					logger.Info("logging config reloaded")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
