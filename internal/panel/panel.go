package panel

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// Panel is one tab of the debug bar. An empty tab means the panel has
// nothing to show for this request and its body is not rendered.
type Panel interface {
	Tab(ctx context.Context) (string, error)
	Body(ctx context.Context) (string, error)
}

// RenderError is the single failure shape for a panel that could not
// render, whether it returned an error or panicked.
type RenderError struct {
	PanelID string
	Message string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("panel %s: %s", e.PanelID, e.Message)
}

// Registry holds the panels in the order they were added.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	panels map[string]Panel
}

func NewRegistry() *Registry {
	return &Registry{panels: make(map[string]Panel)}
}

// Add registers p under id. An empty id is derived from the panel's type
// name, numbered Type, Type-2, Type-3... on collisions. Re-using an id
// replaces the panel in place.
func (r *Registry) Add(p Panel, id string) string {
	if r == nil || p == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" {
		base := typeName(p)
		id = base
		for c := 2; ; c++ {
			if _, taken := r.panels[id]; !taken {
				break
			}
			id = fmt.Sprintf("%s-%d", base, c)
		}
	}
	if _, exists := r.panels[id]; !exists {
		r.order = append(r.order, id)
	}
	r.panels[id] = p
	return id
}

func (r *Registry) Get(id string) Panel {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.panels[id]
}

func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func typeName(p Panel) string {
	t := reflect.TypeOf(p)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "panel"
	}
	return t.Name()
}

// Func adapts two functions to a Panel.
type Func struct {
	TabFunc  func(ctx context.Context) (string, error)
	BodyFunc func(ctx context.Context) (string, error)
}

func (f Func) Tab(ctx context.Context) (string, error) {
	if f.TabFunc == nil {
		return "", nil
	}
	return f.TabFunc(ctx)
}

func (f Func) Body(ctx context.Context) (string, error) {
	if f.BodyFunc == nil {
		return "", nil
	}
	return f.BodyFunc(ctx)
}

// Static always renders the same markup.
type Static struct {
	TabHTML  string
	BodyHTML string
}

func (s Static) Tab(context.Context) (string, error)  { return s.TabHTML, nil }
func (s Static) Body(context.Context) (string, error) { return s.BodyHTML, nil }
