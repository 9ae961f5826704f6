package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"debugbar_relay/internal/limits"
	"debugbar_relay/internal/obs"
)

type Server struct {
	Addr        string
	MetricsAddr string

	httpServer    *http.Server
	metricsServer *http.Server
	httpLn        net.Listener
	metricsLn     net.Listener
	limits        limits.Limits
	shutdown      ShutdownConfig
	inflight      *InflightTracker
	stoppers      []Stopper
	closers       []io.Closer
	logger        *slog.Logger
	shutdownOnce  sync.Once
	shutdownErr   error
}

type Options struct {
	Limits   limits.Limits
	Shutdown ShutdownConfig
	Inflight *InflightTracker
	Stoppers []Stopper
	// Closers run last, after in-flight requests finish or are cut off.
	Closers []io.Closer
	// Metrics is served on MetricsAddr when both are set.
	Metrics     http.Handler
	MetricsAddr string
	Logger      *slog.Logger
}

// Start listens on addr and serves handler wrapped in the request guard and
// in-flight tracking.
func Start(handler http.Handler, addr string, options Options) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}
	if addr == "" {
		return nil, errors.New("no listen address configured")
	}

	limitConfig := options.Limits
	if limitConfig.MaxHeaderBytes == 0 {
		limitConfig = limits.Default()
	}
	shutdownConfig := options.Shutdown.withDefaults()
	inflight := options.Inflight
	if inflight == nil {
		inflight = NewInflightTracker()
	}
	logger := options.Logger
	if logger == nil {
		logger = obs.Discard()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	httpSrv := newHTTPServer(inflight.Track(limitConfig.Guard(handler)), limitConfig)

	var metricsSrv *http.Server
	var metricsLn net.Listener
	if options.Metrics != nil && options.MetricsAddr != "" {
		metricsLn, err = net.Listen("tcp", options.MetricsAddr)
		if err != nil {
			_ = ln.Close()
			return nil, err
		}
		metricsSrv = newHTTPServer(options.Metrics, limitConfig)
	}

	s := &Server{
		Addr:          addrString(ln),
		MetricsAddr:   addrString(metricsLn),
		httpServer:    httpSrv,
		metricsServer: metricsSrv,
		httpLn:        ln,
		metricsLn:     metricsLn,
		limits:        limitConfig,
		shutdown:      shutdownConfig,
		inflight:      inflight,
		stoppers:      options.Stoppers,
		closers:       options.Closers,
		logger:        logger,
	}
	go s.serve(httpSrv, ln)
	go s.serve(metricsSrv, metricsLn)
	return s, nil
}

func newHTTPServer(handler http.Handler, l limits.Limits) *http.Server {
	return &http.Server{
		Handler:           handler,
		MaxHeaderBytes:    l.MaxHeaderBytes,
		ReadHeaderTimeout: l.ReadHeaderTimeout,
		ReadTimeout:       l.ReadTimeout,
		WriteTimeout:      l.WriteTimeout,
		IdleTimeout:       l.IdleTimeout,
	}
}

func (s *Server) serve(server *http.Server, ln net.Listener) {
	if server == nil || ln == nil {
		return
	}
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		s.logger.Error("server error", "addr", ln.Addr().String(), "error", err)
	}
}

func addrString(ln net.Listener) string {
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	return s.Shutdown()
}

// Shutdown runs the shutdown sequence once; later calls return the first
// result.
func (s *Server) Shutdown() error {
	if s == nil {
		return nil
	}
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdownSequence()
	})
	return s.shutdownErr
}

func (s *Server) closeListeners() {
	if s.httpLn != nil {
		_ = s.httpLn.Close()
	}
	if s.metricsLn != nil {
		_ = s.metricsLn.Close()
	}
}

func (s *Server) closeServers() {
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.metricsServer != nil {
		_ = s.metricsServer.Close()
	}
}
