package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestMemoryHistoryManagement(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	backend := NewMemoryBackend(MemoryConfig{
		HistoryManagement: true,
		Now:               func() time.Time { return now },
	})
	store := backend.ForSession("ffffffffffffffffffffffffffffffff")
	if !store.HasHistoryManagement() {
		t.Fatalf("history management not advertised")
	}

	for i := 0; i < 12; i++ {
		if err := store.Append(ctx, RedirectKey(), entryAt(strconv.Itoa(i), now)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	queue, _ := store.Get(ctx, RedirectKey())
	if len(queue) != DefaultMaxRedirects {
		t.Fatalf("expected %d redirects, got %d", DefaultMaxRedirects, len(queue))
	}
	if queue[0].Content != "2" || queue[9].Content != "11" {
		t.Fatalf("oldest redirects should be dropped first: %s..%s", queue[0].Content, queue[9].Content)
	}

	if err := store.Append(ctx, BarKey("x"), entryAt("stale", now.Add(-2*time.Minute))); err != nil {
		t.Fatalf("append: %v", err)
	}
	queue, _ = store.Get(ctx, BarKey("x"))
	if len(queue) != 0 {
		t.Fatalf("stale entry kept by managed store: %+v", queue)
	}
}

func TestMemoryFreshnessAppliedOnRead(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	backend := NewMemoryBackend(MemoryConfig{
		HistoryManagement: true,
		Now:               func() time.Time { return now },
	})
	store := backend.ForSession("ffffffffffffffffffffffffffffffff")
	if err := store.Append(ctx, BarKey("y"), entryAt("fresh", now)); err != nil {
		t.Fatalf("append: %v", err)
	}
	now = now.Add(61 * time.Second)
	queue, err := Take(ctx, store, BarKey("y"))
	if err != nil || len(queue) != 0 {
		t.Fatalf("entry past the freshness window was delivered: %+v", queue)
	}
}

func TestMemoryReapsIdleSessionsOnAccess(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	backend := NewMemoryBackend(MemoryConfig{
		IdleTimeout: time.Second,
		Now:         func() time.Time { return now },
	})
	abandoned := backend.ForSession("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if err := abandoned.Append(ctx, BarKey("x-ajax"), entryAt("a", now)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if backend.SessionCount() != 1 {
		t.Fatalf("expected one session, got %d", backend.SessionCount())
	}

	now = now.Add(time.Hour)
	live := backend.ForSession("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	if err := live.Append(ctx, RedirectKey(), entryAt("b", now)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := backend.SessionCount(); got != 1 {
		t.Fatalf("idle session not reaped, %d sessions left", got)
	}
	if queue, _ := abandoned.Get(ctx, BarKey("x-ajax")); len(queue) != 0 {
		t.Fatalf("reaped session still has entries: %+v", queue)
	}
}

func TestMemoryKeepsSessionsWithinIdleTimeout(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	backend := NewMemoryBackend(MemoryConfig{
		IdleTimeout: time.Minute,
		Now:         func() time.Time { return now },
	})
	first := backend.ForSession("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	_ = first.Append(ctx, RedirectKey(), entryAt("a", now))
	now = now.Add(40 * time.Second)
	_ = backend.ForSession("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb").Append(ctx, RedirectKey(), entryAt("b", now))
	if got := backend.SessionCount(); got != 2 {
		t.Fatalf("session reaped before its idle timeout, %d left", got)
	}
}

func TestMemoryClosed(t *testing.T) {
	backend := NewMemoryBackend(MemoryConfig{})
	store := backend.ForSession("ffffffffffffffffffffffffffffffff")
	_ = backend.Close()
	if store.IsActive() {
		t.Fatalf("store active after close")
	}
	if err := store.Append(context.Background(), RedirectKey(), Entry{}); err != ErrInactive {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
}

func TestManagerIssuesCookie(t *testing.T) {
	backend := NewMemoryBackend(MemoryConfig{})
	manager := NewManager(backend, "")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	store := manager.Resolve(rec, req)
	if !store.IsActive() {
		t.Fatalf("new session should be active")
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != DefaultCookieName || !cookies[0].HttpOnly {
		t.Fatalf("unexpected cookies: %+v", cookies)
	}

	if err := store.Append(context.Background(), RedirectKey(), entryAt("x", time.Now())); err != nil {
		t.Fatalf("append: %v", err)
	}

	again := httptest.NewRequest(http.MethodGet, "/", nil)
	again.AddCookie(cookies[0])
	againRec := httptest.NewRecorder()
	resumed := manager.Resolve(againRec, again)
	if len(againRec.Result().Cookies()) != 0 {
		t.Fatalf("existing session should not be reissued")
	}
	queue, _ := resumed.Get(context.Background(), RedirectKey())
	if len(queue) != 1 {
		t.Fatalf("resumed session lost its queue")
	}
}

func TestManagerRejectsForgedCookie(t *testing.T) {
	manager := NewManager(NewMemoryBackend(MemoryConfig{}), "sid")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "not-a-session"})
	rec := httptest.NewRecorder()
	manager.Resolve(rec, req)
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value == "not-a-session" {
		t.Fatalf("forged session id accepted: %+v", cookies)
	}
}

func TestManagerWithoutBackend(t *testing.T) {
	var manager *Manager
	store := manager.Resolve(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if store.IsActive() {
		t.Fatalf("nil manager must resolve to an inactive store")
	}
}
