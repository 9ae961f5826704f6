package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"debugbar_relay/internal/correlation"
	"debugbar_relay/internal/obs"
	"debugbar_relay/internal/relay"
	"debugbar_relay/internal/session"
)

const DefaultMaxBodyBytes = 4 << 20

type Config struct {
	Controller *relay.Controller
	Sessions   *session.Manager
	// Assets serves the script bundle.
	Assets       http.Handler
	MaxBodyBytes int64
	// ShowErrors renders the bluescreen page for non-ajax requests that
	// panic instead of a bare 500.
	ShowErrors bool
	Logger     *slog.Logger
}

// Relay wraps a host handler with the debug bar relay: it answers asset and
// content polls itself and captures diagnostics for every other request.
func Relay(cfg Config) func(http.Handler) http.Handler {
	if cfg.Controller == nil {
		cfg.Controller = relay.New(relay.Config{})
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = obs.Discard()
	}
	m := &relayMiddleware{cfg: cfg}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.serve(next, w, r)
		})
	}
}

type relayMiddleware struct {
	cfg Config
}

func (m *relayMiddleware) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := r.Header.Get(correlation.RequestIDHeader)
	if requestID == "" {
		requestID = correlation.NewRequestID()
	}
	ctx := correlation.WithRequestID(r.Context(), requestID)
	r = r.WithContext(ctx)

	record := obs.RelayRecord{RequestID: requestID, Method: r.Method, Path: r.URL.Path, Status: http.StatusOK}
	defer func() {
		record.Duration = time.Since(start)
		obs.LogRelay(ctx, m.cfg.Logger, record)
	}()

	controller := m.cfg.Controller
	if asset, ok := relay.ParseAsset(r.URL.Query().Get(controller.AssetParam())); ok {
		if asset.Script {
			record.Mode = relay.ModeStaticAsset.String()
			if m.cfg.Assets == nil {
				http.NotFound(w, r)
				record.Status = http.StatusNotFound
				return
			}
			m.cfg.Assets.ServeHTTP(w, r)
			return
		}
		record.Mode = relay.ModeAssetPoll.String()
		delivery := controller.Deliver(ctx, w, m.cfg.Sessions.Resolve(w, r), asset)
		record.Invocations = delivery.Invocations
		record.BlueScreen = delivery.BlueScreen
		record.StoreErrors = delivery.StoreErrors
		return
	}

	buf := newBufferedWriter(w, m.cfg.MaxBodyBytes)
	req := controller.NewRequest(r, m.cfg.Sessions.Resolve(buf, r))
	req.ResponseHeader = buf.Header()
	if req.Ajax() && req.Active() {
		buf.Header().Set(relay.AjaxHeader, "1")
	}
	ctx = relay.WithRequest(ctx, req)

	if recovered, stack := serveRecovering(next, buf, r.WithContext(ctx)); recovered != nil {
		m.handlePanic(ctx, buf, req, recovered, stack, &record)
		record.Status = buf.Status()
		return
	}

	buf.sniff()
	req.ObserveResponse(buf.Header())
	if !capturable(r, buf, req) {
		req.HTML = false
	}
	outcome := controller.Capture(ctx, req)
	injected := buf.inject(string(outcome.Snippet))
	buf.finish()

	record.Mode = outcome.Mode.String()
	record.Status = buf.Status()
	record.Captured = outcome.Captured
	record.Folded = outcome.Folded
	record.StoreErrors = outcome.StoreErrors
	record.Pruned = outcome.Pruned.Total()
	record.Injected = injected
	for _, failure := range outcome.Failures {
		record.PanelFailures = append(record.PanelFailures, failure.PanelID)
	}
}

// capturable reports whether a main render may be attached to the response.
// Bodies that cannot be rewritten (passed through or content-encoded) only
// qualify when a loader already took a content id, since that render goes to
// the store and leaves the body alone.
func capturable(r *http.Request, buf *bufferedWriter, req *relay.Request) bool {
	if r.Method == http.MethodHead {
		return false
	}
	switch buf.Status() {
	case http.StatusNoContent, http.StatusNotModified:
		return false
	}
	if buf.Passthrough() || encoded(buf.Header()) {
		return req.ContentID() != ""
	}
	return true
}

func encoded(h http.Header) bool {
	for _, coding := range h.Values("Content-Encoding") {
		if coding = strings.TrimSpace(coding); coding != "" && !strings.EqualFold(coding, "identity") {
			return true
		}
	}
	return false
}

func serveRecovering(next http.Handler, w http.ResponseWriter, r *http.Request) (recovered any, stack []byte) {
	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			recovered = v
			stack = debug.Stack()
		}
	}()
	next.ServeHTTP(w, r)
	return nil, nil
}

func (m *relayMiddleware) handlePanic(ctx context.Context, buf *bufferedWriter, req *relay.Request, recovered any, stack []byte, record *obs.RelayRecord) {
	m.cfg.Logger.Error("handler panic", "request_id", record.RequestID, "panic", fmt.Sprint(recovered))
	screen := relay.RenderBlueScreen(recovered, req.URL, stack)
	if m.cfg.Controller.CaptureBlueScreen(ctx, req, screen) {
		record.Captured = 1
		record.BlueScreen = true
	}
	if req.Ajax() {
		record.Mode = relay.ModeAjax.String()
	}
	if buf.Passthrough() {
		return
	}
	buf.reset()
	buf.Header().Del("Content-Length")
	buf.Header().Del("Content-Encoding")
	if m.cfg.ShowErrors && !req.Ajax() {
		buf.Header().Set("Content-Type", "text/html; charset=utf-8")
		buf.WriteHeader(http.StatusInternalServerError)
		_, _ = buf.Write([]byte(screen))
	} else {
		buf.Header().Set("Content-Type", "text/plain; charset=utf-8")
		buf.WriteHeader(http.StatusInternalServerError)
		_, _ = buf.Write([]byte(http.StatusText(http.StatusInternalServerError)))
	}
	buf.finish()
}
