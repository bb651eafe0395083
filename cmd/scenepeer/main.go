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

	"scenechat/internal/config"
	"scenechat/internal/logging"
	"scenechat/internal/peer"
	"scenechat/internal/scene"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	backendURL string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "scenepeer",
	Short: "scenepeer - scene tool peer for the scenechat backend",
	Long: `scenepeer hosts the scene tool catalogue and connects outbound to a
scenechat backend over websocket. It registers its tools on connect,
services tool-call requests against the in-memory scene, and
reconnects with exponential backoff when the backend goes away.`,
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
	RunE: runPeer,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "", "workspace directory (default: cwd)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: <workspace>/.scenechat/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "", "backend websocket URL (overrides config)")
}

func runPeer(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		configPath = filepath.Join(workspace, ".scenechat", "config.yaml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if backendURL != "" {
		cfg.Peer.BackendURL = backendURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reloadLoggingOnHUP(ctx)

	store := scene.NewStore()
	p := peer.New(peer.Options{
		URL:               cfg.Peer.BackendURL,
		ReconnectDelay:    cfg.GetReconnectDelay(),
		MaxReconnectDelay: cfg.GetMaxReconnectDelay(),
	})
	scene.RegisterAll(p, store)

	logger.Info("starting scenepeer",
		zap.String("backend", cfg.Peer.BackendURL),
		zap.Int("tools", len(p.Tools())),
	)
	logging.Boot("scenepeer connecting to %s", cfg.Peer.BackendURL)

	if err := p.Start(); err != nil {
		return fmt.Errorf("failed to start peer: %w", err)
	}

	<-ctx.Done()
	p.Stop()

	logger.Info("scenepeer stopped")
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
