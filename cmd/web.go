package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"replaydeck/metrics"
	"replaydeck/server"
	"replaydeck/transport"
	"replaydeck/web"
)

var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Serve the archive API without any proxies",
	Long:  `Serve the archived cassette API, the verify endpoint and metrics, without starting any proxy sessions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWebServer()
	},
}

func init() {
	rootCmd.AddCommand(webCmd)
}

func runWebServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
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

	webServer := web.NewServer(db, logger)
	defer webServer.Close()

	mux := http.NewServeMux()
	webServer.RegisterRoutes(mux)
	mux.Handle("/api/verify", server.NewVerifyHandler(cfg.Verify, db, transport.New(cfg.Transport.Options(logger)), webServer, logger))
	if cfg.Metrics.Enabled {
		collector, err := metrics.New()
		if err != nil {
			return err
		}
		mux.Handle(cfg.Metrics.Path, collector.Handler())
	}

	address := net.JoinHostPort(cfg.Server.ListenHost, fmt.Sprint(cfg.Server.ListenPort))
	httpServer := &http.Server{Addr: address, Handler: mux}

	ctx, stop := signalContext()
	defer stop()
	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("[WEB] starting web server", zap.String("address", address))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}
