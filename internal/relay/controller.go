package relay

import (
	"context"
	"html/template"
	"log/slog"
	"time"

	"debugbar_relay/internal/correlation"
	"debugbar_relay/internal/encoder"
	"debugbar_relay/internal/obs"
	"debugbar_relay/internal/panel"
	"debugbar_relay/internal/retention"
	"debugbar_relay/internal/session"
)

const DefaultAssetParam = "_debugbar"

// BundleSource provides the concatenated css and js served ahead of the
// initial content poll.
type BundleSource interface {
	Bundle(ctx context.Context) ([]byte, error)
}

type Config struct {
	Panels     *panel.Registry
	Retention  *retention.Policy
	IDs        *correlation.Generator
	Encoder    *encoder.Encoder
	Assets     BundleSource
	AssetParam string
	Metrics    *obs.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// Controller decides per request whether diagnostics are captured into the
// session or delivered from it.
type Controller struct {
	panels     *panel.Registry
	retention  *retention.Policy
	ids        *correlation.Generator
	encoder    *encoder.Encoder
	assets     BundleSource
	assetParam string
	metrics    *obs.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

func New(cfg Config) *Controller {
	if cfg.Panels == nil {
		cfg.Panels = panel.NewRegistry()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Retention == nil {
		cfg.Retention = retention.New(retention.Config{Now: cfg.Now})
	}
	if cfg.IDs == nil {
		cfg.IDs = correlation.NewGenerator()
	}
	if cfg.Encoder == nil {
		cfg.Encoder = encoder.MustNew(encoder.CanonicalCharset)
	}
	if cfg.AssetParam == "" {
		cfg.AssetParam = DefaultAssetParam
	}
	if cfg.Logger == nil {
		cfg.Logger = obs.Discard()
	}
	return &Controller{
		panels:     cfg.Panels,
		retention:  cfg.Retention,
		ids:        cfg.IDs,
		encoder:    cfg.Encoder,
		assets:     cfg.Assets,
		assetParam: cfg.AssetParam,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
}

func (c *Controller) AssetParam() string {
	return c.assetParam
}

func (c *Controller) Panels() *panel.Registry {
	return c.panels
}

// Outcome summarises one capture for logging.
type Outcome struct {
	Mode        Mode
	Snippet     template.HTML
	Captured    int
	Folded      int
	Failures    []*panel.RenderError
	Pruned      retention.Result
	StoreErrors int
}

// Capture runs once the host response is known. It never fails the host
// response: store errors are logged, counted and reflected in the outcome.
// For a main render without an established content id the returned snippet
// holds the synchronous loader to embed in the page.
func (c *Controller) Capture(ctx context.Context, req *Request) Outcome {
	start := c.now()
	out := Outcome{Mode: DetectMode(req)}
	switch out.Mode {
	case ModeAjax, ModeRedirect, ModeMain:
	default:
		return out
	}
	ctx = WithRequest(ctx, req)

	if c.retention.Applies(req.Store) {
		pruned, err := c.retention.Prune(ctx, req.Store)
		out.Pruned = pruned
		c.metrics.RecordPruned(session.NamespaceRedirect, pruned.Redirect)
		c.metrics.RecordPruned(session.NamespaceBar, pruned.Bar)
		c.metrics.RecordPruned(session.NamespaceBlueScreen, pruned.BlueScreen)
		c.storeError(&out, "prune", err)
	}

	switch out.Mode {
	case ModeAjax:
		c.captureAjax(ctx, req, &out)
	case ModeRedirect:
		c.captureRedirect(ctx, req, &out)
	case ModeMain:
		c.captureMain(ctx, req, &out)
	}

	for _, failure := range out.Failures {
		c.metrics.RecordPanelFailure(failure.PanelID)
		c.logger.Warn("panel render failed", "panel", failure.PanelID, "error", failure.Message)
	}
	c.metrics.ObserveCapture(out.Mode.String(), c.now().Sub(start))
	return out
}

func (c *Controller) render(ctx context.Context, suffix string, out *Outcome) []session.RenderedPanel {
	rendered := c.panels.Render(ctx, suffix)
	out.Failures = append(out.Failures, rendered.Failures...)
	return rendered.Panels
}

func (c *Controller) captureAjax(ctx context.Context, req *Request, out *Outcome) {
	if !req.Active() {
		return
	}
	panels := c.render(ctx, "-"+c.ids.EphemeralID(), out)
	content, err := c.renderRows([]rowView{newRow("ajax", req.URL, panels)})
	if err != nil {
		c.logger.Error("render ajax rows", "error", err)
		return
	}
	entry := session.Entry{
		Content:    content,
		Dumps:      req.Dumps.Fetch(),
		URL:        req.URL,
		CapturedAt: c.now(),
	}
	if err := req.Store.Append(ctx, session.BarKey(req.AjaxID+"-ajax"), entry); err != nil {
		c.storeError(out, "append", err)
		return
	}
	out.Captured = 1
}

func (c *Controller) captureRedirect(ctx context.Context, req *Request, out *Outcome) {
	if !req.Active() {
		return
	}
	id := c.ids.EphemeralID()
	// Dumps collected so far belong to a body the browser will never see.
	req.Dumps.Fetch()
	req.Dumps.SetPrefix(id + "p")

	entry := session.Entry{
		Panels:     c.render(ctx, "-r"+id, out),
		Dumps:      req.Dumps.Fetch(),
		URL:        req.URL,
		CapturedAt: c.now(),
	}
	if err := req.Store.Append(ctx, session.RedirectKey(), entry); err != nil {
		c.storeError(out, "append", err)
		return
	}
	out.Captured = 1
	dropped, err := c.retention.CapRedirects(ctx, req.Store)
	c.metrics.RecordPruned(session.NamespaceRedirect, dropped)
	c.storeError(out, "cap_redirects", err)
}

func (c *Controller) captureMain(ctx context.Context, req *Request, out *Outcome) {
	rows := []rowView{newRow("main", "", c.render(ctx, "", out))}
	dumps := req.Dumps.Fetch()

	if req.Active() {
		redirects, err := req.Store.Get(ctx, session.RedirectKey())
		c.storeError(out, "get", err)
		if limit := c.retention.MaxRedirects(); len(redirects) > limit {
			redirects = redirects[len(redirects)-limit:]
		}
		for i := len(redirects) - 1; i >= 0; i-- {
			hop := redirects[i]
			if !c.retention.Fresh(hop) {
				continue
			}
			rows = append(rows, newRow("redirect", hop.URL, hop.Panels))
			for key, value := range hop.Dumps {
				if _, exists := dumps[key]; !exists {
					dumps[key] = value
				}
			}
			out.Folded++
		}
		if len(redirects) > 0 {
			c.storeError(out, "clear", req.Store.Clear(ctx, session.RedirectKey()))
		}
	}

	content, err := c.renderRows(rows)
	if err != nil {
		c.logger.Error("render main rows", "error", err)
		return
	}

	// A content id implies the loader saw an active store, but the backend
	// can close before capture. The page then gets the bar inline instead.
	if contentID := req.ContentID(); contentID != "" && req.Active() {
		entry := session.Entry{Content: content, Dumps: dumps, URL: req.URL, CapturedAt: c.now()}
		if err := req.Store.Set(ctx, session.BarKey(contentID), []session.Entry{entry}); err != nil {
			c.storeError(out, "set", err)
			return
		}
		out.Captured = 1
		return
	}

	snippet, err := c.syncLoader(req, content, dumps)
	if err != nil {
		c.logger.Error("render sync loader", "error", err)
		return
	}
	out.Snippet = snippet
}

// CaptureBlueScreen stores the page of a request that failed while serving
// ajax, so the next poll for that ajax id can show it.
func (c *Controller) CaptureBlueScreen(ctx context.Context, req *Request, content string) bool {
	if !req.Ajax() || !req.Active() {
		return false
	}
	entry := session.Entry{
		Content:    content,
		Dumps:      req.Dumps.Fetch(),
		URL:        req.URL,
		CapturedAt: c.now(),
	}
	if err := req.Store.Set(ctx, session.BlueScreenKey(req.AjaxID), []session.Entry{entry}); err != nil {
		c.metrics.RecordStoreError("set")
		c.logger.Warn("store bluescreen", "error", err)
		return false
	}
	return true
}

func (c *Controller) storeError(out *Outcome, op string, err error) {
	if err == nil {
		return
	}
	out.StoreErrors++
	c.metrics.RecordStoreError(op)
	c.logger.Warn("relay store error", "op", op, "error", err)
}
