package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"debugbar_relay/internal/config"
)

const (
	defaultDrain           = 2 * time.Second
	defaultGracefulTimeout = 5 * time.Second
	defaultForceClose      = 2 * time.Second
)

// ShutdownConfig times the shutdown phases. Listeners close first, then
// stoppers run and the drain wait passes. In-flight requests get
// GracefulTimeout to finish their captures, after which the session store
// and panel connections are closed. ForceClose is the grace given to
// stragglers before their connections are cut.
type ShutdownConfig struct {
	Drain           time.Duration
	GracefulTimeout time.Duration
	ForceClose      time.Duration
}

// Stopper is run early in shutdown, after listeners close and before the
// drain wait. The idle session reaper hooks in here.
type Stopper interface {
	Stop(ctx context.Context) error
}

type StopFunc func(ctx context.Context) error

func (s StopFunc) Stop(ctx context.Context) error {
	return s(ctx)
}

func ShutdownFromConfig(cfg config.ShutdownConfig) (ShutdownConfig, error) {
	var shutdown ShutdownConfig
	for _, phase := range []struct {
		name string
		ms   int
		dst  *time.Duration
	}{
		{"drain_ms", cfg.DrainMS, &shutdown.Drain},
		{"graceful_timeout_ms", cfg.GracefulTimeoutMS, &shutdown.GracefulTimeout},
		{"force_close_ms", cfg.ForceCloseMS, &shutdown.ForceClose},
	} {
		if phase.ms < 0 {
			return ShutdownConfig{}, fmt.Errorf("shutdown.%s must be >= 0", phase.name)
		}
		*phase.dst = time.Duration(phase.ms) * time.Millisecond
	}
	return shutdown.withDefaults(), nil
}

func (c ShutdownConfig) withDefaults() ShutdownConfig {
	if c.Drain <= 0 {
		c.Drain = defaultDrain
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = defaultGracefulTimeout
	}
	if c.ForceClose <= 0 {
		c.ForceClose = defaultForceClose
	}
	return c
}

func (s *Server) shutdownSequence() error {
	s.closeListeners()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), s.shutdown.GracefulTimeout)
	for _, stopper := range s.stoppers {
		if stopper == nil {
			continue
		}
		if err := stopper.Stop(stopCtx); err != nil {
			s.logger.Warn("shutdown stopper failed", "error", err)
		}
	}
	stopCancel()

	if s.shutdown.Drain > 0 {
		time.Sleep(s.shutdown.Drain)
	}

	gracefulCtx, gracefulCancel := context.WithTimeout(context.Background(), s.shutdown.GracefulTimeout)
	defer gracefulCancel()
	_ = s.inflight.Wait(gracefulCtx)

	var firstErr error
	for _, server := range []*http.Server{s.httpServer, s.metricsServer} {
		if server == nil {
			continue
		}
		err := server.Shutdown(gracefulCtx)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) && firstErr == nil {
			firstErr = err
		}
	}
	if gracefulCtx.Err() != nil {
		s.logger.Warn("graceful shutdown timed out, forcing close", "inflight", s.inflight.Count())
		if s.shutdown.ForceClose > 0 {
			time.Sleep(s.shutdown.ForceClose)
		}
		s.closeServers()
		if firstErr == nil {
			firstErr = gracefulCtx.Err()
		}
	}

	s.runClosers()
	return firstErr
}

// runClosers releases resources in reverse registration order, once no
// handler can still be capturing into them.
func (s *Server) runClosers() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		closer := s.closers[i]
		if closer == nil {
			continue
		}
		if err := closer.Close(); err != nil {
			s.logger.Warn("shutdown close failed", "error", err)
		}
	}
}
