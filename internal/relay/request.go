package relay

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"debugbar_relay/internal/correlation"
	"debugbar_relay/internal/dump"
	"debugbar_relay/internal/session"
)

// AjaxHeader carries the page's ajax id on requests and is echoed back as
// "1" when the relay captures for that request.
const AjaxHeader = "X-Debugbar-Ajax"

var ErrSessionNotStarted = errors.New("debug bar loader rendered without an active session")

var noncePattern = regexp.MustCompile(`'nonce-([\w+/]+=*)'`)

// Request is the per-request context the relay works from. The middleware
// builds it before the host handler runs and completes the response side
// (redirect, html, nonce) once the handler returns.
type Request struct {
	AjaxID string
	Asset  string
	Query  url.Values
	URL    string
	Store  session.Store
	Dumps  *dump.Collector

	// Response side.
	Redirect       bool
	HTML           bool
	ResponseHeader http.Header

	controller *Controller

	mu        sync.Mutex
	contentID string
}

// NewRequest reads the relay markers off r. A malformed ajax id is treated
// as a plain request.
func (c *Controller) NewRequest(r *http.Request, store session.Store) *Request {
	if store == nil {
		store = session.Inactive()
	}
	req := &Request{
		Query:      r.URL.Query(),
		URL:        r.URL.RequestURI(),
		Store:      store,
		Dumps:      dump.NewCollector(),
		controller: c,
	}
	req.Asset = req.Query.Get(c.assetParam)
	if id := r.Header.Get(AjaxHeader); correlation.ValidContentID(id) {
		req.AjaxID = id
	}
	return req
}

func (r *Request) Ajax() bool {
	return r != nil && r.AjaxID != ""
}

func (r *Request) Active() bool {
	return r != nil && r.Store != nil && r.Store.IsActive()
}

// ContentID returns the id established by RenderLoader, or "".
func (r *Request) ContentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contentID
}

func (r *Request) ensureContentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.contentID == "" {
		r.contentID = r.controller.ids.ContentID()
	}
	return r.contentID
}

// ObserveResponse records what the host handler decided to send.
func (r *Request) ObserveResponse(header http.Header) {
	r.ResponseHeader = header
	r.Redirect = header.Get("Location") != ""
	contentType := strings.ToLower(strings.TrimSpace(header.Get("Content-Type")))
	r.HTML = contentType == "" || strings.HasPrefix(contentType, "text/html")
}

// Nonce is the script nonce advertised by the response's CSP, if any.
func (r *Request) Nonce() string {
	if r == nil || r.ResponseHeader == nil {
		return ""
	}
	for _, name := range []string{"Content-Security-Policy", "Content-Security-Policy-Report-Only"} {
		for _, policy := range r.ResponseHeader.Values(name) {
			if m := noncePattern.FindStringSubmatch(policy); m != nil {
				return m[1]
			}
		}
	}
	return ""
}

func (r *Request) baseURL() string {
	if strings.Contains(r.URL, "?") {
		return r.URL + "&"
	}
	return r.URL + "?"
}

type requestKey struct{}

func WithRequest(ctx context.Context, req *Request) context.Context {
	ctx = context.WithValue(ctx, requestKey{}, req)
	if req != nil && req.Dumps != nil {
		ctx = dump.WithCollector(ctx, req.Dumps)
	}
	return ctx
}

func RequestFrom(ctx context.Context) *Request {
	req, _ := ctx.Value(requestKey{}).(*Request)
	return req
}

// RenderLoader returns the async loader tag for the page being rendered. The
// bar content itself is stored once the response completes and fetched by
// the loader. It panics with ErrSessionNotStarted when the request has no
// active relay session.
func RenderLoader(ctx context.Context) template.HTML {
	req := RequestFrom(ctx)
	if !req.Active() || req.controller == nil {
		panic(ErrSessionNotStarted)
	}
	return req.controller.asyncLoader(req, req.ensureContentID())
}
