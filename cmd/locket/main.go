package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/remrin/locket/internal/backend"
	"github.com/remrin/locket/internal/config"
	"github.com/remrin/locket/internal/memory"
	"github.com/remrin/locket/internal/state"
)

var (
	// Global flags
	verbose bool
	cfgPath string

	// Loaded in PersistentPreRunE
	logger *zap.Logger
	cfg    config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "locket",
	Short: "Remrin Locket - bring your souls into any companion chat",
	Long: `Locket drives a Chrome instance over DevTools and makes your Remrin souls
available inside Claude, ChatGPT, and Gemini.

It renders a soul picker into every supported tab and, while a soul is
active, rewrites each outgoing message with the soul's persona and with
context retrieved from its memories before the site sees it.

Start with "locket run".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		} else {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (default "+config.DefaultPath()+")")
}

// openState opens the shared state store.
func openState() (*state.Store, error) {
	if dir := filepath.Dir(cfg.StatePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	return state.Open(cfg.StatePath, logger)
}

// newBackend builds the backend client with the keyring-backed token store
// and restores any persisted session.
func newBackend() *backend.Client {
	tokens := backend.NewKeyringStore(filepath.Join(config.Dir(), "session.json"), logger)
	client := backend.New(cfg.Backend, tokens, logger)
	if _, err := client.RestoreSession(); err != nil {
		logger.Warn("session restore failed", zap.Error(err))
	}
	return client
}

func openHistory() (*memory.Store, error) {
	return memory.Open(cfg.HistoryPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
