package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"replaydeck/config"
	"replaydeck/logging"
	"replaydeck/server"
	"replaydeck/storage"
)

var (
	cfgFile    string
	mode       string
	listenPort int
)

var rootCmd = &cobra.Command{
	Use:   "replaydeck",
	Short: "replaydeck - Record and replay HTTP interactions",
	Long: `A record/replay engine for HTTP traffic. Sessions record live exchanges to
cassette files and replay them later without touching the network. Every
configured proxy is served at /proxy/<name>/.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or ~/.replaydeck/config.yaml)")
	rootCmd.Flags().StringVar(&mode, "mode", "", "override the session mode of every proxy: record or replay")
	rootCmd.Flags().IntVar(&listenPort, "port", 0, "override server.listen_port")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openDatabase(cfg *config.Config) (*storage.Database, error) {
	db, err := storage.NewDatabase(cfg.Database.Path, cfg.Database.ConnectionPoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// shutdownContext bounds graceful shutdown; a non-positive timeout waits
// for in-flight requests indefinitely.
func shutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if mode != "" {
		for name, proxy := range cfg.Proxies {
			proxy.Mode = mode
			cfg.Proxies[name] = proxy
		}
	}
	if listenPort != 0 {
		cfg.Server.ListenPort = listenPort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	srv, err := server.NewMultiProxyServer(cfg, db, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		shutdownErr := srv.Shutdown(context.Background())
		return errors.Join(err, shutdownErr)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := shutdownContext(cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return <-errCh
}
