// Package server hosts every configured proxy, the web API and the metrics
// endpoint behind one listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"

	"replaydeck/config"
	"replaydeck/export"
	"replaydeck/metrics"
	"replaydeck/proxy"
	"replaydeck/session"
	"replaydeck/storage"
	"replaydeck/transport"
	"replaydeck/web"
)

type MultiProxyServer struct {
	config    *config.Config
	database  *storage.Database
	exporter  *export.ExportManager
	webServer *web.Server
	metrics   *metrics.Collector
	logger    *zap.Logger
	transport *transport.HTTPTransport
	proxies   map[string]*proxy.ProxyEngine

	mutex      sync.Mutex
	httpServer *http.Server
	stopped    bool
}

// NewMultiProxyServer opens one session per configured proxy. db may be nil,
// in which case nothing is archived and the archive API is not served.
func NewMultiProxyServer(cfg *config.Config, db *storage.Database, logger *zap.Logger) (*MultiProxyServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &MultiProxyServer{
		config:    cfg,
		database:  db,
		logger:    logger,
		transport: transport.New(cfg.Transport.Options(logger)),
		proxies:   make(map[string]*proxy.ProxyEngine),
	}
	if db != nil {
		s.exporter = export.NewExportManager(db, logger)
		s.webServer = web.NewServer(db, logger)
	}
	if cfg.Metrics.Enabled {
		collector, err := metrics.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		s.metrics = collector
	}

	for _, name := range s.proxyNames() {
		if err := s.addProxy(name); err != nil {
			s.closeSessions()
			return nil, err
		}
	}
	return s, nil
}

func (s *MultiProxyServer) proxyNames() []string {
	names := make([]string, 0, len(s.config.Proxies))
	for name := range s.config.Proxies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *MultiProxyServer) addProxy(name string) error {
	proxyConfig := s.config.Proxies[name]
	opts, err := s.config.ProxyOptions(name)
	if err != nil {
		return err
	}

	sessionOpts := session.Options{
		Name:      name,
		Mode:      opts.Mode,
		Policy:    opts.Policy,
		Strategy:  opts.Strategy,
		Truncate:  opts.Truncate,
		Config:    &opts.Client,
		Transport: s.transport,
		Logger:    s.logger,
		Metrics:   s.metrics,
	}
	if s.webServer != nil {
		sessionOpts.Listener = s.webServer
	}

	sess, err := session.Open(s.config.CassettePath(proxyConfig.Cassette), sessionOpts)
	if err != nil {
		return fmt.Errorf("failed to open session for proxy '%s': %w", name, err)
	}
	engine, err := proxy.NewProxyEngine(name, proxyConfig.Upstream, sess, s.logger)
	if err != nil {
		sess.Close()
		return fmt.Errorf("failed to create proxy handler for '%s': %w", name, err)
	}

	s.proxies[name] = engine
	if s.webServer != nil {
		s.webServer.Track(sess)
	}
	s.logger.Info("[SERVER] initialized proxy",
		zap.String("proxy", name),
		zap.String("mode", opts.Mode.String()),
		zap.String("upstream", proxyConfig.Upstream))
	return nil
}

// Proxy returns the named proxy, or nil.
func (s *MultiProxyServer) Proxy(name string) *proxy.ProxyEngine {
	return s.proxies[name]
}

// Handler routes /proxy/<name>/ to each proxy, plus the web API, the verify
// endpoint and metrics.
func (s *MultiProxyServer) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webServer != nil {
		s.webServer.RegisterRoutes(mux)
		mux.Handle("/api/verify", NewVerifyHandler(s.config.Verify, s.database, s.transport, s.webServer, s.logger))
	}
	if s.metrics != nil {
		mux.Handle(s.config.Metrics.Path, s.metrics.Handler())
	}

	for _, name := range s.proxyNames() {
		prefix := fmt.Sprintf("/proxy/%s", name)
		mux.Handle(prefix+"/", http.StripPrefix(prefix, s.proxies[name]))
		s.logger.Debug("[SERVER] registered proxy", zap.String("proxy", name), zap.String("path", prefix+"/"))
	}
	return mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *MultiProxyServer) Start() error {
	address := net.JoinHostPort(s.config.Server.ListenHost, fmt.Sprint(s.config.Server.ListenPort))
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *MultiProxyServer) Serve(ln net.Listener) error {
	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		ln.Close()
		return http.ErrServerClosed
	}
	s.httpServer = &http.Server{Handler: s.Handler()}
	httpServer := s.httpServer
	s.mutex.Unlock()

	s.logger.Info("[SERVER] starting multi-proxy server", zap.String("address", ln.Addr().String()))
	for _, name := range s.proxyNames() {
		s.logger.Info("[SERVER] proxy available",
			zap.String("proxy", name),
			zap.String("url", fmt.Sprintf("http://%s/proxy/%s/", ln.Addr(), name)))
	}

	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones, then closes
// every session so recorded interactions are flushed. Record sessions are
// archived to the database when one is configured.
func (s *MultiProxyServer) Shutdown(ctx context.Context) error {
	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		return nil
	}
	s.stopped = true
	httpServer := s.httpServer
	s.mutex.Unlock()

	var errs []error
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down http server: %w", err))
		}
	}
	if err := s.closeSessions(); err != nil {
		errs = append(errs, err)
	}
	if s.webServer != nil {
		s.webServer.Close()
	}
	s.transport.CloseIdleConnections()

	s.logger.Info("[SERVER] stopped")
	return errors.Join(errs...)
}

func (s *MultiProxyServer) closeSessions() error {
	var errs []error
	for _, name := range s.proxyNames() {
		engine, ok := s.proxies[name]
		if !ok {
			continue
		}
		sess := engine.Session()
		if s.exporter != nil && sess.Mode() == session.Record {
			if err := s.exporter.Archive(name, sess.Cassette()); err != nil {
				errs = append(errs, err)
			}
		}
		if err := engine.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close session for proxy '%s': %w", name, err))
		}
	}
	return errors.Join(errs...)
}
