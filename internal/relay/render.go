package relay

import (
	"bytes"
	"fmt"
	"html/template"
	"net/url"
	"runtime/debug"
	"strings"

	"debugbar_relay/internal/session"
)

var rowsTemplate = template.Must(template.New("rows").Parse(
	`{{range .}}<div class="debugbar-row" data-type="{{.Type}}"{{with .URL}} data-url="{{.}}"{{end}}>` +
		`<ul class="debugbar-tabs">{{range .Panels}}{{if .Tab}}<li><a href="#" rel="{{.ID}}">{{.Tab}}</a></li>{{end}}{{end}}</ul>` +
		`</div>{{end}}` +
		`{{range .}}{{range .Panels}}{{if .Tab}}<div class="debugbar-panel" id="debugbar-panel-{{.ID}}">{{.Body}}</div>{{end}}{{end}}{{end}}`,
))

var asyncLoaderTemplate = template.Must(template.New("loader").Parse(
	`<script src="{{.Src}}" data-id="{{.ContentID}}"{{with .Nonce}} nonce="{{.}}"{{end}} async></script>`,
))

var syncLoaderTemplate = template.Must(template.New("loader").Parse(
	`<script src="{{.Src}}" data-id="{{.ContentID}}"{{with .Nonce}} nonce="{{.}}"{{end}}></script>` + "\n" +
		`<script{{with .Nonce}} nonce="{{.}}"{{end}}>` + "\n" +
		`Debugbar.Bar.init({{.Args}});` + "\n" +
		`</script>`,
))

var blueScreenTemplate = template.Must(template.New("bluescreen").Parse(
	`<div id="debugbar-bluescreen"><h1>{{.Title}}</h1>` +
		`{{with .URL}}<p class="debugbar-url">{{.}}</p>{{end}}` +
		`<pre class="debugbar-stack">{{.Stack}}</pre></div>`,
))

type rowView struct {
	Type   string
	URL    string
	Panels []panelView
}

type panelView struct {
	ID   string
	Tab  template.HTML
	Body template.HTML
}

type loaderView struct {
	Src       string
	ContentID string
	Nonce     string
	Args      template.JS
}

func newRow(kind string, url string, panels []session.RenderedPanel) rowView {
	row := rowView{Type: kind, URL: url, Panels: make([]panelView, 0, len(panels))}
	for _, p := range panels {
		row.Panels = append(row.Panels, panelView{ID: p.ID, Tab: template.HTML(p.Tab), Body: template.HTML(p.Body)})
	}
	return row
}

func (c *Controller) renderRows(rows []rowView) (string, error) {
	var buf bytes.Buffer
	if err := rowsTemplate.Execute(&buf, rows); err != nil {
		return "", err
	}
	if c.encoder.Charset() == "utf-8" {
		return strings.ToValidUTF8(buf.String(), "�"), nil
	}
	return buf.String(), nil
}

func (c *Controller) assetURL(req *Request, value string) string {
	return req.baseURL() + c.assetParam + "=" + url.QueryEscape(value)
}

func (c *Controller) asyncLoader(req *Request, contentID string) template.HTML {
	var buf bytes.Buffer
	err := asyncLoaderTemplate.Execute(&buf, loaderView{
		Src:       c.assetURL(req, "content."+contentID),
		ContentID: contentID,
		Nonce:     req.Nonce(),
	})
	if err != nil {
		c.logger.Error("render loader", "error", err)
		return ""
	}
	return template.HTML(buf.String())
}

// syncLoader embeds freshly rendered content so no poll is needed.
func (c *Controller) syncLoader(req *Request, content string, dumps map[string]any) (template.HTML, error) {
	args, err := c.encoder.Pair(content, dumps)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	err = syncLoaderTemplate.Execute(&buf, loaderView{
		Src:       c.assetURL(req, "js"),
		ContentID: c.ids.ContentID(),
		Nonce:     req.Nonce(),
		Args:      template.JS(args),
	})
	if err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}

// RenderBlueScreen renders the page shown for a request that panicked.
func RenderBlueScreen(recovered any, url string, stack []byte) string {
	if stack == nil {
		stack = debug.Stack()
	}
	var buf bytes.Buffer
	err := blueScreenTemplate.Execute(&buf, struct {
		Title string
		URL   string
		Stack string
	}{
		Title: fmt.Sprintf("panic: %v", recovered),
		URL:   url,
		Stack: string(stack),
	})
	if err != nil {
		return ""
	}
	return strings.ToValidUTF8(buf.String(), "�")
}
