// arenad is the model-arena server: blind multi-round comparisons
// between configured model backends, voted on by users, with all battle
// state in a shared store so any instance can serve any request.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"modelarena/internal/arena"
	"modelarena/internal/backend"
	"modelarena/internal/config"
	"modelarena/internal/logging"
	"modelarena/internal/registry"
	"modelarena/internal/server"
	"modelarena/internal/store"
)

var (
	configPath string
	listenAddr string
	debugMode  bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "arenad",
	Short: "Progressive-elimination model arena server",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is a dev convenience; absence is fine.
		_ = godotenv.Load()

		zcfg := zap.NewProductionConfig()
		if debugMode {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
		logging.CloseAll()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the arena HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "arena.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}

	if err := logging.Configure(logging.Settings{
		Enabled: cfg.Logging.Debug || debugMode,
		Dir:     cfg.Logging.Dir,
		Level:   cfg.Logging.Level,
	}); err != nil {
		return err
	}
	logging.Boot("arenad starting, config %s", configPath)

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	if reg.Size() < 2 {
		return fmt.Errorf("at least two models must be configured, got %d", reg.Size())
	}

	st, err := buildStore(cfg)
	if err != nil {
		// Fail closed: without the shared store there is no safe way
		// to run battles across instances.
		return fmt.Errorf("shared battle store unavailable: %w", err)
	}
	defer st.Close()

	dispatcher := arena.NewDispatcher(reg, arena.DispatcherConfig{
		GenTimeout:    config.Duration(cfg.Arena.GenTimeout, 0),
		RetryBackoff:  config.Duration(cfg.Arena.RetryBackoff, 0),
		MaxConcurrent: cfg.Arena.MaxConcurrent,
	})
	ctrl := arena.NewController(st, reg, dispatcher, arena.ControllerConfig{
		MaxRounds:        cfg.Arena.MaxRounds,
		ChallengerPolicy: cfg.Arena.ChallengerPolicy,
		PrefetchEnabled:  cfg.Arena.Prefetch,
	})
	votes := arena.NewVoteProcessor(st, ctrl)

	srv := server.New(ctrl, votes, st, logger, server.Options{
		SweepInterval:   config.Duration(cfg.Server.SweepInterval, 0),
		ShutdownTimeout: config.Duration(cfg.Server.ShutdownTimeout, 0),
	})

	watcher, err := config.Watch(configPath, func(next *config.Config) {
		logging.SetLevel(next.Logging.Level)
		ctrl.SetChallengerPolicy(next.Arena.ChallengerPolicy)
		logger.Info("config reloaded",
			zap.String("log_level", next.Logging.Level),
			zap.String("challenger_policy", next.Arena.ChallengerPolicy))
	})
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("arena ready",
		zap.Int("models", reg.Size()),
		zap.Int("max_rounds", cfg.Arena.MaxRounds),
		zap.Bool("prefetch", cfg.Arena.Prefetch))
	return srv.Run(ctx, cfg.Server.Listen)
}

// buildRegistry turns model configs into live backends.
func buildRegistry(cfg *config.Config) (*registry.Registry, error) {
	models := make([]registry.Model, 0, len(cfg.Models))
	for _, mc := range cfg.Models {
		var be backend.ModelBackend
		switch mc.Provider {
		case "openai":
			bcfg := backend.DefaultOpenAIConfig(mc.ID, os.Getenv(mc.APIKeyEnv))
			if mc.BaseURL != "" {
				bcfg.BaseURL = mc.BaseURL
			}
			if mc.Model != "" {
				bcfg.Model = mc.Model
			}
			if mc.MaxTokens > 0 {
				bcfg.MaxTokens = mc.MaxTokens
			}
			if mc.Temperature > 0 {
				bcfg.Temperature = mc.Temperature
			}
			be = backend.NewOpenAIClient(bcfg)
		case "gemini":
			gcfg := backend.DefaultGeminiConfig(mc.ID, os.Getenv(mc.APIKeyEnv))
			if mc.Model != "" {
				gcfg.Model = mc.Model
			}
			if mc.MaxTokens > 0 {
				gcfg.MaxTokens = mc.MaxTokens
			}
			if mc.Temperature > 0 {
				gcfg.Temperature = mc.Temperature
			}
			gc, err := backend.NewGeminiClient(gcfg)
			if err != nil {
				return nil, fmt.Errorf("model %s: %w", mc.ID, err)
			}
			be = gc
		case "mock":
			be = backend.NewMockBackend(mc.ID, "mock response from ", mc.ID)
		default:
			return nil, fmt.Errorf("model %s: unknown provider %q", mc.ID, mc.Provider)
		}
		models = append(models, registry.Model{ID: mc.ID, Backend: be})
	}
	return registry.New(models...)
}

// buildStore selects the shared store. The in-memory fallback is only
// honored when the config explicitly opted into the degradation.
func buildStore(cfg *config.Config) (arena.Store, error) {
	ttl := config.Duration(cfg.Store.TTL, store.DefaultTTL)
	if cfg.Store.AllowMemory && cfg.Store.Path == "" {
		logger.Warn("running on in-memory store: battle state is invisible to other instances")
		return store.NewMemoryStore(ttl), nil
	}
	return store.NewSQLiteStore(cfg.Store.Path, ttl)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
