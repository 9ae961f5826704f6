package panel

import (
	"bytes"
	"context"
	"html"
	"sync"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	markdownOnce     sync.Once
	markdownRenderer goldmark.Markdown
)

func markdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownRenderer = goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				extension.DefinitionList,
			),
		)
	})
	return markdownRenderer
}

// Markdown renders notes written in Markdown. Raw HTML in the source is
// dropped by the renderer.
type Markdown struct {
	Title  string
	Source func(ctx context.Context) (string, error)
}

func NewMarkdown(title string, source string) *Markdown {
	return &Markdown{
		Title:  title,
		Source: func(context.Context) (string, error) { return source, nil },
	}
}

func (m *Markdown) Tab(context.Context) (string, error) {
	return html.EscapeString(m.Title), nil
}

func (m *Markdown) Body(ctx context.Context) (string, error) {
	if m.Source == nil {
		return "", nil
	}
	src, err := m.Source(ctx)
	if err != nil {
		return "", err
	}
	var out bytes.Buffer
	out.WriteString(`<div class="debugbar-inner">`)
	if err := markdown().Convert([]byte(src), &out); err != nil {
		return "", err
	}
	out.WriteString(`</div>`)
	return out.String(), nil
}

// Source shows a highlighted snippet, for example the effective config.
type Source struct {
	Title    string
	Language string
	Style    string
	Load     func(ctx context.Context) (string, error)
}

func (s *Source) Tab(context.Context) (string, error) {
	return html.EscapeString(s.Title), nil
}

func (s *Source) Body(ctx context.Context) (string, error) {
	if s.Load == nil {
		return "", nil
	}
	code, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	style := s.Style
	if style == "" {
		style = "github"
	}
	var out bytes.Buffer
	out.WriteString(`<div class="debugbar-inner">`)
	if err := quick.Highlight(&out, code, s.Language, "html", style); err != nil {
		return "", err
	}
	out.WriteString(`</div>`)
	return out.String(), nil
}
