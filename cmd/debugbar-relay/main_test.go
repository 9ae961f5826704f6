package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"debugbar_relay/internal/config"
	"debugbar_relay/internal/obs"
	"debugbar_relay/internal/panel"
	"debugbar_relay/internal/relay"
	"debugbar_relay/internal/session"
)

func TestOpenBackend(t *testing.T) {
	cfg := config.Default()
	backend, err := openBackend(cfg, obs.Discard())
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := backend.(*session.MemoryBackend); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
	_ = backend.Close()

	cfg.Session.Backend = config.BackendSQLite
	cfg.Session.SQLitePath = filepath.Join(t.TempDir(), "sessions.db")
	backend, err = openBackend(cfg, obs.Discard())
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if _, ok := backend.(*session.SQLiteBackend); !ok {
		t.Fatalf("expected sqlite backend, got %T", backend)
	}
	_ = backend.Close()

	cfg.Session.Backend = "SQLite"
	if _, err := config.Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	backend, err = openBackend(cfg, obs.Discard())
	if err != nil {
		t.Fatalf("mixed-case sqlite after validation: %v", err)
	}
	_ = backend.Close()

	cfg.Session.Backend = "redis"
	if _, err := openBackend(cfg, obs.Discard()); !errors.Is(err, config.ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestBuildPanels(t *testing.T) {
	cfg := config.Default()
	cfg.RemotePanels = []config.RemotePanelConfig{{ID: "queue", Addr: "127.0.0.1:1", TimeoutMS: 10}}
	dialer := panel.NewDialer(panel.BreakerConfig{})
	defer dialer.Close()

	registry, err := buildPanels(cfg, dialer)
	if err != nil {
		t.Fatalf("build panels: %v", err)
	}
	got := strings.Join(registry.IDs(), ",")
	if got != "relay,response,notes,config,queue" {
		t.Fatalf("unexpected panel ids %q", got)
	}

	rendered := registry.Render(context.Background(), "")
	var configBody string
	for _, p := range rendered.Panels {
		if p.ID == "config" {
			configBody = p.Body
		}
	}
	if !strings.Contains(configBody, "listen_addr") {
		t.Fatalf("config panel missing effective config: %.200s", configBody)
	}
	if len(rendered.Failures) != 1 || rendered.Failures[0].PanelID != "queue" {
		t.Fatalf("expected only the unreachable remote panel to fail, got %+v", rendered.Failures)
	}
}

func TestResponseBodyRedactsCredentials(t *testing.T) {
	controller := relay.New(relay.Config{})
	req := controller.NewRequest(httptest.NewRequest(http.MethodGet, "/account?tab=1", nil), nil)
	req.ObserveResponse(http.Header{
		"Content-Type": []string{"text/html"},
		"Set-Cookie":   []string{"sid=secret"},
	})

	body, err := responseBody(relay.WithRequest(context.Background(), req))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(body, "secret") || !strings.Contains(body, "[redacted]") {
		t.Fatalf("cookie not redacted: %s", body)
	}
	if !strings.Contains(body, "/account?tab=1") {
		t.Fatalf("request url missing: %s", body)
	}
}
