package main

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"html/template"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"debugbar_relay/internal/config"
	"debugbar_relay/internal/dump"
	"debugbar_relay/internal/obs"
	"debugbar_relay/internal/panel"
	"debugbar_relay/internal/relay"
)

const notes = `
## Relay

| Request | Delivered by |
|---------|--------------|
| page | loader script or inline init |
| ajax | next ` + "`content-ajax`" + ` poll |
| redirect | folded into the next page |

Fatal errors during ajax
: shown as a bluescreen on the page that issued the call
`

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<title>{{.Title}}</title>
{{.Loader}}
</head>
<body>
<h1>{{.Title}}</h1>
<ul>
<li><a href="/">loader page</a></li>
<li><a href="/plain">inline page</a></li>
<li><a href="/redirect?n=3">redirect chain</a></li>
<li><button id="ajax">ajax call</button> <button id="fail">failing ajax call</button></li>
</ul>
<script>
document.getElementById('ajax').onclick = function () { fetch('/ajax'); };
document.getElementById('fail').onclick = function () { fetch('/fail'); };
</script>
</body>
</html>
`))

func buildPanels(cfg *config.Config, dialer *panel.Dialer) (*panel.Registry, error) {
	registry := panel.NewRegistry()
	registry.Add(panel.Static{
		TabHTML:  "relay",
		BodyHTML: `<h1>debugbar-relay</h1><div class="debugbar-inner">started ` + html.EscapeString(time.Now().Format(time.RFC3339)) + `</div>`,
	}, "relay")
	registry.Add(panel.Func{
		TabFunc:  func(context.Context) (string, error) { return "Response", nil },
		BodyFunc: responseBody,
	}, "response")
	registry.Add(panel.NewMarkdown("Notes", notes), "notes")
	registry.Add(&panel.Source{
		Title:    "Config",
		Language: "yaml",
		Load:     func(context.Context) (string, error) { return cfg.YAML() },
	}, "config")

	for _, remote := range cfg.RemotePanels {
		timeout := time.Duration(remote.TimeoutMS) * time.Millisecond
		p, err := dialer.Remote(remote.Addr, remote.ID, timeout)
		if err != nil {
			return nil, err
		}
		registry.Add(p, remote.ID)
	}
	return registry, nil
}

// responseBody lists what the host answered, with credentials masked.
func responseBody(ctx context.Context) (string, error) {
	req := relay.RequestFrom(ctx)
	if req == nil {
		return "", nil
	}
	var out strings.Builder
	out.WriteString(`<h1>`)
	out.WriteString(html.EscapeString(req.URL))
	out.WriteString(`</h1><div class="debugbar-inner"><table>`)
	names := make([]string, 0, len(req.ResponseHeader))
	for name := range req.ResponseHeader {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range req.ResponseHeader.Values(name) {
			fmt.Fprintf(&out, "<tr><th>%s</th><td>%s</td></tr>",
				html.EscapeString(name), html.EscapeString(obs.RedactHeaderValue(name, value)))
		}
	}
	out.WriteString(`</table></div>`)
	return out.String(), nil
}

func newHostMux(metrics *obs.Metrics, serveMetrics bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		renderPage(w, "loader page", relay.RenderLoader(r.Context()))
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		dump.Add(r.Context(), map[string]any{"page": "plain", "at": time.Now().Format(time.RFC3339)})
		renderPage(w, "inline page", "")
	})
	mux.HandleFunc("/ajax", func(w http.ResponseWriter, r *http.Request) {
		dump.Add(r.Context(), map[string]any{"ajax": r.URL.RequestURI()})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	mux.HandleFunc("/redirect", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.URL.Query().Get("n"))
		if n <= 0 {
			http.Redirect(w, r, "/plain", http.StatusFound)
			return
		}
		http.Redirect(w, r, "/redirect?n="+strconv.Itoa(n-1), http.StatusFound)
	})
	mux.HandleFunc("/fail", func(w http.ResponseWriter, r *http.Request) {
		panic(fmt.Sprintf("demo failure for %s", r.URL.Path))
	})
	if serveMetrics {
		mux.Handle("/metrics", metrics.Handler())
	}
	return mux
}

func renderPage(w http.ResponseWriter, title string, loader template.HTML) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = pageTemplate.Execute(w, struct {
		Title  string
		Loader template.HTML
	}{Title: title, Loader: loader})
}
