package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"debugbar_relay/internal/dump"
	"debugbar_relay/internal/encoder"
	"debugbar_relay/internal/panel"
	"debugbar_relay/internal/session"
	"debugbar_relay/internal/testutil"
)

const (
	testSession = "0123456789abcdef0123456789abcdef"
	testAjaxID  = "abcdefghij"
	testBundle  = "/*bundle*/"
)

type staticBundle string

func (b staticBundle) Bundle(context.Context) ([]byte, error) {
	return []byte(b), nil
}

type fixture struct {
	t          *testing.T
	clock      *testutil.Clock
	backend    *session.MemoryBackend
	store      session.Store
	panels     *panel.Registry
	controller *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewClock(time.Time{})
	backend := session.NewMemoryBackend(session.MemoryConfig{Now: clock.Now})
	panels := panel.NewRegistry()
	panels.Add(panel.Static{TabHTML: "Info", BodyHTML: "<p>info</p>"}, "info")
	return &fixture{
		t:       t,
		clock:   clock,
		backend: backend,
		store:   backend.ForSession(testSession),
		panels:  panels,
		controller: New(Config{
			Panels: panels,
			Assets: staticBundle(testBundle),
			Now:    clock.Now,
		}),
	}
}

func htmlHeader() http.Header {
	return http.Header{"Content-Type": []string{"text/html; charset=utf-8"}}
}

func (f *fixture) request(target string, ajaxID string, response http.Header) *Request {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	if ajaxID != "" {
		r.Header.Set(AjaxHeader, ajaxID)
	}
	req := f.controller.NewRequest(r, f.store)
	if response == nil {
		response = htmlHeader()
	}
	req.ObserveResponse(response)
	return req
}

func (f *fixture) deliver(value string) (Delivery, *httptest.ResponseRecorder) {
	f.t.Helper()
	asset, ok := ParseAsset(value)
	if !ok {
		f.t.Fatalf("asset %q not recognised", value)
	}
	rec := httptest.NewRecorder()
	return f.controller.Deliver(context.Background(), rec, f.store, asset), rec
}

func initArgs(t *testing.T, snippet string) string {
	t.Helper()
	const open = "Debugbar.Bar.init("
	start := strings.Index(snippet, open)
	if start < 0 {
		t.Fatalf("no init call in %q", snippet)
	}
	rest := snippet[start+len(open):]
	end := strings.Index(rest, ");\n</script>")
	if end < 0 {
		t.Fatalf("init call not terminated in %q", snippet)
	}
	return rest[:end]
}

func TestDetectMode(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name     string
		target   string
		ajaxID   string
		response http.Header
		want     Mode
	}{
		{name: "script asset", target: "/?_debugbar=js", want: ModeStaticAsset},
		{name: "content poll", target: "/?_debugbar=content.abc", ajaxID: testAjaxID, want: ModeAssetPoll},
		{name: "ajax beats redirect", target: "/api", ajaxID: testAjaxID, response: http.Header{"Location": {"/x"}}, want: ModeAjax},
		{name: "redirect", target: "/login", response: http.Header{"Location": {"/home"}}, want: ModeRedirect},
		{name: "html", target: "/", want: ModeMain},
		{name: "no content type is html", target: "/", response: http.Header{}, want: ModeMain},
		{name: "json", target: "/data", response: http.Header{"Content-Type": {"application/json"}}, want: ModeNone},
		{name: "unknown marker", target: "/?_debugbar=other", want: ModeMain},
		{name: "malformed ajax id", target: "/data", ajaxID: "short", response: http.Header{"Content-Type": {"application/json"}}, want: ModeNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectMode(f.request(tc.target, tc.ajaxID, tc.response)); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestParseAsset(t *testing.T) {
	cases := []struct {
		value string
		want  Asset
		ok    bool
	}{
		{value: "js", want: Asset{Script: true}, ok: true},
		{value: "content.abc123", want: Asset{ID: "abc123"}, ok: true},
		{value: "content-ajax.abc123", want: Asset{Ajax: true, ID: "abc123"}, ok: true},
		{value: "content.", want: Asset{}, ok: true},
		{value: "content.a-b", ok: false},
		{value: "css", ok: false},
		{value: "", ok: false},
	}
	for _, tc := range cases {
		got, ok := ParseAsset(tc.value)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Fatalf("ParseAsset(%q) = %+v, %v", tc.value, got, ok)
		}
	}
}

func TestAjaxCapturesDeliveredOnce(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		out := f.controller.Capture(context.Background(), f.request(fmt.Sprintf("/api/%d", i), testAjaxID, http.Header{"Content-Type": {"application/json"}}))
		if out.Mode != ModeAjax || out.Captured != 1 {
			t.Fatalf("capture %d: unexpected outcome %+v", i, out)
		}
		f.clock.Advance(time.Second)
	}

	delivery, rec := f.deliver("content-ajax." + testAjaxID)
	body := rec.Body.String()
	if delivery.Invocations != 3 || strings.Count(body, "Debugbar.Bar.loadAjax(") != 3 {
		t.Fatalf("expected 3 loadAjax invocations, got %d in %q", delivery.Invocations, body)
	}
	if strings.Contains(body, testBundle) {
		t.Fatalf("ajax poll must not carry the bundle")
	}
	if got := rec.Header().Get("Cache-Control"); got != "max-age=60" {
		t.Fatalf("unexpected cache control %q", got)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/javascript") {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}

	queue, _ := f.store.Get(context.Background(), session.BarKey(testAjaxID+"-ajax"))
	if len(queue) != 0 {
		t.Fatalf("queue not cleared: %d entries", len(queue))
	}
	again, rec := f.deliver("content-ajax." + testAjaxID)
	if again.Invocations != 0 || rec.Body.Len() != 0 {
		t.Fatalf("second delivery must be empty, got %q", rec.Body.String())
	}
}

func TestAjaxRowCarriesURLAndSuffixedPanels(t *testing.T) {
	f := newFixture(t)
	f.controller.Capture(context.Background(), f.request("/api/items?page=2", testAjaxID, http.Header{"Content-Type": {"application/json"}}))
	queue, _ := f.store.Get(context.Background(), session.BarKey(testAjaxID+"-ajax"))
	if len(queue) != 1 {
		t.Fatalf("expected one entry, got %d", len(queue))
	}
	content := queue[0].Content
	if !strings.Contains(content, `data-type="ajax"`) || !strings.Contains(content, `data-url="/api/items?page=2"`) {
		t.Fatalf("unexpected ajax row %q", content)
	}
	if !strings.Contains(content, `rel="info-`) {
		t.Fatalf("panel id not suffixed: %q", content)
	}
}

func TestRedirectChainFoldedIntoMain(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 12; i++ {
		out := f.controller.Capture(context.Background(), f.request(fmt.Sprintf("/hop/%d", i), "", http.Header{"Location": {"/next"}}))
		if out.Mode != ModeRedirect || out.Captured != 1 {
			t.Fatalf("hop %d: unexpected outcome %+v", i, out)
		}
		queue, _ := f.store.Get(context.Background(), session.RedirectKey())
		if len(queue) > 10 {
			t.Fatalf("redirect queue grew to %d", len(queue))
		}
		f.clock.Advance(time.Second)
	}

	out := f.controller.Capture(context.Background(), f.request("/final", "", nil))
	if out.Mode != ModeMain || out.Folded != 10 || out.Snippet == "" {
		t.Fatalf("unexpected main outcome %+v", out)
	}
	content, _, err := encoder.MustNew("utf-8").DecodePair(initArgs(t, string(out.Snippet)))
	if err != nil {
		t.Fatalf("decode init args: %v", err)
	}
	if strings.Count(content, `data-type="redirect"`) != 10 {
		t.Fatalf("expected 10 redirect rows in %q", content)
	}
	newest := strings.Index(content, `data-url="/hop/11"`)
	oldest := strings.Index(content, `data-url="/hop/2"`)
	if newest < 0 || oldest < 0 || newest > oldest {
		t.Fatalf("redirect rows not most recent first")
	}
	if strings.Contains(content, `data-url="/hop/1"`) || strings.Contains(content, `data-url="/hop/0"`) {
		t.Fatalf("oldest hops should have been dropped")
	}
	if strings.Index(content, `data-type="main"`) > newest {
		t.Fatalf("main row must come first")
	}
	queue, _ := f.store.Get(context.Background(), session.RedirectKey())
	if len(queue) != 0 {
		t.Fatalf("redirect key not cleared")
	}
}

func TestRedirectDumpsMergeLastHopWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	_ = f.store.Append(ctx, session.RedirectKey(), session.Entry{
		Dumps:      map[string]any{"shared": "older", "only-old": "x"},
		CapturedAt: now,
	})
	_ = f.store.Append(ctx, session.RedirectKey(), session.Entry{
		Dumps:      map[string]any{"shared": "newer", "main": "hop"},
		CapturedAt: now,
	})

	req := f.request("/", "", nil)
	req.Dumps.Add("ignored")
	f.panels.Add(panel.Func{
		TabFunc: func(ctx context.Context) (string, error) {
			dump.Add(ctx, "from panel")
			return "Dumps", nil
		},
	}, "dumper")
	out := f.controller.Capture(ctx, req)

	_, dumps, err := encoder.MustNew("utf-8").DecodePair(initArgs(t, string(out.Snippet)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dumps["shared"] != "newer" || dumps["only-old"] != "x" {
		t.Fatalf("unexpected merge %+v", dumps)
	}
	if dumps["1"] != "ignored" || dumps["2"] != "from panel" {
		t.Fatalf("main dumps lost: %+v", dumps)
	}
}

func TestRedirectDumpsArePrefixed(t *testing.T) {
	f := newFixture(t)
	f.panels.Add(panel.Func{
		TabFunc: func(ctx context.Context) (string, error) {
			dump.Add(ctx, "during render")
			return "Dumps", nil
		},
	}, "dumper")
	req := f.request("/login", "", http.Header{"Location": {"/home"}})
	req.Dumps.Add("before redirect")
	f.controller.Capture(context.Background(), req)

	queue, _ := f.store.Get(context.Background(), session.RedirectKey())
	if len(queue) != 1 || len(queue[0].Dumps) != 1 {
		t.Fatalf("unexpected redirect entry %+v", queue)
	}
	for key, value := range queue[0].Dumps {
		if !strings.HasSuffix(key, "p1") || value != "during render" {
			t.Fatalf("unexpected dump %q=%v", key, value)
		}
	}
	if !strings.HasPrefix(queue[0].Panels[0].ID, "info-r") {
		t.Fatalf("redirect panel id not suffixed: %q", queue[0].Panels[0].ID)
	}
}

func TestMainWithLoaderReplacesContent(t *testing.T) {
	f := newFixture(t)
	req := f.request("/page?x=1", "", http.Header{
		"Content-Type":            {"text/html"},
		"Content-Security-Policy": {"script-src 'nonce-r4nd0m=='"},
	})
	ctx := WithRequest(context.Background(), req)
	loader := string(RenderLoader(ctx))
	contentID := req.ContentID()
	if contentID == "" || !strings.Contains(loader, "content."+contentID) || !strings.Contains(loader, "async") {
		t.Fatalf("unexpected loader %q", loader)
	}
	if !strings.Contains(loader, "/page?x=1&amp;_debugbar=") || !strings.Contains(loader, `nonce="r4nd0m=="`) {
		t.Fatalf("loader url or nonce wrong: %q", loader)
	}
	if again := string(RenderLoader(ctx)); again != loader {
		t.Fatalf("content id must be stable within a response")
	}

	for i := 0; i < 2; i++ {
		out := f.controller.Capture(ctx, req)
		if out.Snippet != "" || out.Captured != 1 {
			t.Fatalf("unexpected outcome %+v", out)
		}
	}
	queue, _ := f.store.Get(context.Background(), session.BarKey(contentID))
	if len(queue) != 1 {
		t.Fatalf("main capture must replace, got %d entries", len(queue))
	}

	delivery, rec := f.deliver("content." + contentID)
	body := rec.Body.String()
	if delivery.Invocations != 1 || !strings.HasPrefix(body, testBundle) || !strings.Contains(body, "Debugbar.Bar.init(") {
		t.Fatalf("unexpected initial delivery %q", body)
	}
}

func TestLoaderPageFallsBackInlineWhenStoreCloses(t *testing.T) {
	f := newFixture(t)
	req := f.request("/page", "", nil)
	ctx := WithRequest(context.Background(), req)
	_ = RenderLoader(ctx)
	if req.ContentID() == "" {
		t.Fatalf("loader did not establish a content id")
	}

	_ = f.backend.Close()
	out := f.controller.Capture(ctx, req)
	if out.Captured != 0 || out.StoreErrors != 0 {
		t.Fatalf("closed store must not be written, got %+v", out)
	}
	if !strings.Contains(string(out.Snippet), "Debugbar.Bar.init(") {
		t.Fatalf("expected inline bar after the store closed, got %q", out.Snippet)
	}
}

func TestSyncLoaderCarriesNonce(t *testing.T) {
	f := newFixture(t)
	out := f.controller.Capture(context.Background(), f.request("/", "", http.Header{
		"Content-Security-Policy": {"default-src 'self'; script-src 'nonce-abc123'"},
	}))
	snippet := string(out.Snippet)
	if strings.Count(snippet, `nonce="abc123"`) != 2 || !strings.Contains(snippet, "_debugbar=js") {
		t.Fatalf("unexpected sync loader %q", snippet)
	}
}

func TestDeliverWithoutIDReturnsBundleOnly(t *testing.T) {
	f := newFixture(t)
	_ = f.store.Append(context.Background(), session.BarKey(""), session.Entry{Content: "x", CapturedAt: f.clock.Now()})
	delivery, rec := f.deliver("content.")
	if rec.Body.String() != testBundle || delivery.Invocations != 0 {
		t.Fatalf("expected bundle only, got %q", rec.Body.String())
	}
}

func TestDeliverSuppressesCookies(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	rec.Header().Set("Set-Cookie", "debugbar-session=x")
	asset, _ := ParseAsset("content.abc")
	f.controller.Deliver(context.Background(), rec, f.store, asset)
	if rec.Header().Get("Set-Cookie") != "" {
		t.Fatalf("cookie leaked into content poll")
	}
}

func TestBlueScreenDeliveredIndependently(t *testing.T) {
	f := newFixture(t)
	req := f.request("/api/fail", testAjaxID, http.Header{})
	if !f.controller.CaptureBlueScreen(context.Background(), req, RenderBlueScreen("boom", req.URL, []byte("stack"))) {
		t.Fatalf("bluescreen not stored")
	}

	delivery, rec := f.deliver("content-ajax." + testAjaxID)
	body := rec.Body.String()
	if !delivery.BlueScreen || delivery.Invocations != 0 || !strings.Contains(body, "Debugbar.BlueScreen.loadAjax(") {
		t.Fatalf("unexpected delivery %+v %q", delivery, body)
	}
	if strings.Contains(body, "Debugbar.Bar.") {
		t.Fatalf("no bar entries were captured")
	}

	f.controller.Capture(context.Background(), f.request("/api/ok", testAjaxID, http.Header{"Content-Type": {"application/json"}}))
	f.controller.CaptureBlueScreen(context.Background(), req, "<div>again</div>")
	delivery, rec = f.deliver("content-ajax." + testAjaxID)
	body = rec.Body.String()
	if !delivery.BlueScreen || delivery.Invocations != 1 {
		t.Fatalf("both payloads expected, got %+v", delivery)
	}
	if strings.Index(body, "Debugbar.Bar.loadAjax(") > strings.Index(body, "Debugbar.BlueScreen.loadAjax(") {
		t.Fatalf("bar entries must precede the bluescreen")
	}
}

func TestBlueScreenRequiresAjax(t *testing.T) {
	f := newFixture(t)
	if f.controller.CaptureBlueScreen(context.Background(), f.request("/", "", nil), "x") {
		t.Fatalf("non ajax request must not store a bluescreen")
	}
}

func TestStaleEntriesNotDelivered(t *testing.T) {
	f := newFixture(t)
	f.controller.Capture(context.Background(), f.request("/api", testAjaxID, http.Header{"Content-Type": {"application/json"}}))
	f.clock.Advance(61 * time.Second)

	delivery, rec := f.deliver("content-ajax." + testAjaxID)
	if delivery.Invocations != 0 || rec.Body.Len() != 0 {
		t.Fatalf("stale entry delivered: %q", rec.Body.String())
	}
}

func TestCapturePrunesStaleEntries(t *testing.T) {
	f := newFixture(t)
	f.controller.Capture(context.Background(), f.request("/api", testAjaxID, http.Header{"Content-Type": {"application/json"}}))
	f.controller.Capture(context.Background(), f.request("/go", "", http.Header{"Location": {"/"}}))
	f.clock.Advance(2 * time.Minute)

	out := f.controller.Capture(context.Background(), f.request("/api", "zyxwvutsrq", http.Header{"Content-Type": {"application/json"}}))
	if out.Pruned.Bar != 1 || out.Pruned.Redirect != 1 || out.Pruned.ClearedBar != 1 {
		t.Fatalf("unexpected prune result %+v", out.Pruned)
	}
	keys, _ := f.store.Children(context.Background(), session.NamespaceBar)
	if len(keys) != 1 || keys[0].ID != "zyxwvutsrq-ajax" {
		t.Fatalf("unexpected bar keys %+v", keys)
	}
}

func TestHistoryManagedStoreSkipsRetention(t *testing.T) {
	f := newFixture(t)
	backend := session.NewMemoryBackend(session.MemoryConfig{HistoryManagement: true, Now: f.clock.Now})
	f.store = backend.ForSession(testSession)
	f.controller.Capture(context.Background(), f.request("/api", testAjaxID, http.Header{"Content-Type": {"application/json"}}))
	f.clock.Advance(2 * time.Minute)
	out := f.controller.Capture(context.Background(), f.request("/api", "zyxwvutsrq", http.Header{"Content-Type": {"application/json"}}))
	if out.Pruned.Total() != 0 {
		t.Fatalf("retention ran against a history managed store: %+v", out.Pruned)
	}
	delivery, _ := f.deliver("content-ajax." + testAjaxID)
	if delivery.Invocations != 0 {
		t.Fatalf("stale entry delivered from history managed store")
	}
}

func TestInactiveStore(t *testing.T) {
	f := newFixture(t)
	f.store = session.Inactive()

	out := f.controller.Capture(context.Background(), f.request("/api", testAjaxID, http.Header{"Content-Type": {"application/json"}}))
	if out.Captured != 0 || out.StoreErrors != 0 {
		t.Fatalf("inactive store must make ajax capture a no-op: %+v", out)
	}
	out = f.controller.Capture(context.Background(), f.request("/", "", nil))
	if out.Snippet == "" || out.Folded != 0 {
		t.Fatalf("main render should still embed the bar: %+v", out)
	}
	delivery, _ := f.deliver("content-ajax." + testAjaxID)
	if delivery.Invocations != 0 {
		t.Fatalf("inactive store delivered entries")
	}

	defer func() {
		if recovered := recover(); recovered == nil || !errors.Is(recovered.(error), ErrSessionNotStarted) {
			t.Fatalf("expected ErrSessionNotStarted panic, got %v", recovered)
		}
	}()
	RenderLoader(WithRequest(context.Background(), f.request("/", "", nil)))
}

func TestPanelFailureDoesNotAbortCapture(t *testing.T) {
	f := newFixture(t)
	f.panels.Add(&testutil.RecordingPanel{TabHTML: "Broken", Err: testutil.ErrPanelBroken, Nest: 2}, "db:queries")
	f.panels.Add(panel.Static{TabHTML: "After", BodyHTML: "<p>after</p>"}, "after")

	out := f.controller.Capture(context.Background(), f.request("/", "", nil))
	if len(out.Failures) != 1 || out.Failures[0].PanelID != "db:queries" {
		t.Fatalf("unexpected failures %+v", out.Failures)
	}
	content, _, err := encoder.MustNew("utf-8").DecodePair(initArgs(t, string(out.Snippet)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !testutil.Contains(content, `rel="error-db-queries"`, "Error in db:queries", "<p>info</p>", "<p>after</p>") {
		t.Fatalf("unexpected content %q", content)
	}
}

func TestLegacyCharsetDelivery(t *testing.T) {
	f := newFixture(t)
	enc := encoder.MustNew("windows-1250")
	f.controller = New(Config{Panels: f.panels, Encoder: enc, Now: f.clock.Now})
	_ = f.store.Append(context.Background(), session.BarKey(testAjaxID+"-ajax"), session.Entry{
		Content:    "\x9a",
		CapturedAt: f.clock.Now(),
	})
	_, rec := f.deliver("content-ajax." + testAjaxID)
	if got := rec.Header().Get("Content-Type"); got != "text/javascript; charset="+enc.Charset() {
		t.Fatalf("unexpected content type %q", got)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(rec.Body.String(), "Debugbar.Bar.loadAjax("), ");")
	content, _, err := enc.DecodePair(body)
	if err != nil || content != "\x9a" {
		t.Fatalf("round trip failed: %q %v", content, err)
	}
}
