package assets

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/sync/singleflight"

	"debugbar_relay/internal/obs"
)

//go:embed files
var core embed.FS

var (
	coreStyles  = []string{"files/bar.css", "files/dumper.css", "files/bluescreen.css"}
	coreScripts = []string{"files/bar.js", "files/dumper.js", "files/bluescreen.js"}

	whitespace = regexp.MustCompile(`\s+`)
)

type Config struct {
	Styles  []string
	Scripts []string
	Metrics *obs.Metrics
	Logger  *slog.Logger
}

// Bundler concatenates the core and registered stylesheets and scripts into
// the single script served to the browser. A bundle is built once per
// distinct set of registered files.
type Bundler struct {
	metrics *obs.Metrics
	logger  *slog.Logger
	group   singleflight.Group

	mu      sync.Mutex
	styles  []string
	scripts []string
	cache   map[string][]byte
}

func NewBundler(cfg Config) *Bundler {
	if cfg.Logger == nil {
		cfg.Logger = obs.Discard()
	}
	return &Bundler{
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		styles:  append([]string(nil), cfg.Styles...),
		scripts: append([]string(nil), cfg.Scripts...),
		cache:   make(map[string][]byte),
	}
}

// AddStyles registers extra stylesheets, appended after the core ones.
func (b *Bundler) AddStyles(paths ...string) {
	b.mu.Lock()
	b.styles = append(b.styles, paths...)
	b.mu.Unlock()
}

// AddScripts registers extra scripts, appended after the core ones.
func (b *Bundler) AddScripts(paths ...string) {
	b.mu.Lock()
	b.scripts = append(b.scripts, paths...)
	b.mu.Unlock()
}

func (b *Bundler) Bundle(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	styles := append([]string(nil), b.styles...)
	scripts := append([]string(nil), b.scripts...)
	key := strings.Join(styles, "\x00") + "\x01" + strings.Join(scripts, "\x00")
	if cached, ok := b.cache[key]; ok {
		b.mu.Unlock()
		return cached, nil
	}
	b.mu.Unlock()

	result, err, _ := b.group.Do(key, func() (any, error) {
		bundle, err := build(styles, scripts)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.cache[key] = bundle
		b.mu.Unlock()
		b.metrics.SetBundleBytes(len(bundle))
		b.logger.Debug("asset bundle built", "bytes", len(bundle), "styles", len(styles), "scripts", len(scripts))
		return bundle, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Handler serves the bundle with long-lived caching.
func (b *Bundler) Handler() http.Handler {
	return gzhttp.GzipHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bundle, err := b.Bundle(r.Context())
		if err != nil {
			b.logger.Error("build asset bundle", "error", err)
			http.Error(w, "asset bundle unavailable", http.StatusInternalServerError)
			return
		}
		header := w.Header()
		header.Set("Content-Type", "text/javascript")
		header.Set("Cache-Control", "max-age=864000")
		header.Del("Pragma")
		header.Del("Set-Cookie")
		_, _ = w.Write(bundle)
	}))
}

func build(styles []string, scripts []string) ([]byte, error) {
	var css strings.Builder
	for _, path := range coreStyles {
		data, err := core.ReadFile(path)
		if err != nil {
			return nil, err
		}
		css.Write(data)
	}
	for _, path := range styles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read stylesheet: %w", err)
		}
		css.Write(data)
	}
	literal, err := json.Marshal(whitespace.ReplaceAllString(css.String(), " "))
	if err != nil {
		return nil, err
	}

	var out strings.Builder
	out.WriteString("(function(){var el = document.createElement('style'); el.className='debugbar-debug'; el.textContent=")
	out.Write(literal)
	out.WriteString("; document.head.appendChild(el);})();\n")

	for _, path := range coreScripts {
		data, err := core.ReadFile(path)
		if err != nil {
			return nil, err
		}
		out.Write(data)
	}
	for _, path := range scripts {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read script: %w", err)
		}
		out.Write(data)
	}
	return []byte(out.String()), nil
}
