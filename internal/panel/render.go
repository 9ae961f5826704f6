package panel

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"

	"debugbar_relay/internal/session"
)

var unsafeIDChars = regexp.MustCompile(`(?i)[^a-z0-9]+`)

// Rendered is the outcome of one render pass over a registry.
type Rendered struct {
	Panels   []session.RenderedPanel
	Failures []*RenderError
}

// HTMLID turns a registry id into a DOM-safe id carrying suffix.
func HTMLID(id string, suffix string) string {
	return unsafeIDChars.ReplaceAllString(id, "-") + suffix
}

// Render renders every registered panel in order. A failing panel is
// replaced by an error panel; its siblings are unaffected.
func (r *Registry) Render(ctx context.Context, suffix string) Rendered {
	var out Rendered
	if r == nil {
		return out
	}
	buffers := &Buffers{}
	ctx = WithBuffers(ctx, buffers)

	for _, id := range r.IDs() {
		p := r.Get(id)
		if p == nil {
			continue
		}
		htmlID := HTMLID(id, suffix)
		depth := buffers.Depth()
		tab, body, err := renderOne(ctx, id, p)
		if err != nil {
			buffers.Unwind(depth)
			out.Failures = append(out.Failures, err)
			out.Panels = append(out.Panels, errorPanel(id, htmlID, err))
			continue
		}
		out.Panels = append(out.Panels, session.RenderedPanel{ID: htmlID, Tab: tab, Body: body})
	}
	return out
}

func renderOne(ctx context.Context, id string, p Panel) (tab string, body string, failure *RenderError) {
	defer func() {
		if recovered := recover(); recovered != nil {
			tab, body = "", ""
			failure = &RenderError{PanelID: id, Message: fmt.Sprint(recovered)}
		}
	}()

	tab, err := p.Tab(ctx)
	if err != nil {
		return "", "", &RenderError{PanelID: id, Message: err.Error()}
	}
	if tab == "" {
		return "", "", nil
	}
	body, err = p.Body(ctx)
	if err != nil {
		return "", "", &RenderError{PanelID: id, Message: err.Error()}
	}
	return tab, body, nil
}

func errorPanel(id string, htmlID string, failure *RenderError) session.RenderedPanel {
	escapedID := html.EscapeString(id)
	message := strings.ReplaceAll(html.EscapeString(failure.Message), "\n", "<br>\n")
	return session.RenderedPanel{
		ID:   "error-" + htmlID,
		Tab:  "Error in " + escapedID,
		Body: "<h1>Error: " + escapedID + "</h1><div class=\"debugbar-inner\">" + message + "</div>",
	}
}
