// Package dump collects live variable dumps produced while a request runs so
// they can travel with the captured bar content.
package dump

import (
	"context"
	"strconv"
	"sync"
)

// Collector is safe for concurrent use. The zero value is ready to use.
type Collector struct {
	mu     sync.Mutex
	prefix string
	next   int
	values map[string]any
}

func NewCollector() *Collector {
	return &Collector{values: make(map[string]any)}
}

// Add stores value and returns the key the browser side uses to find it.
func (c *Collector) Add(value any) string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.next++
	key := c.prefix + strconv.Itoa(c.next)
	c.values[key] = value
	return key
}

// Fetch returns everything collected so far and starts over.
func (c *Collector) Fetch() map[string]any {
	if c == nil {
		return map[string]any{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.values
	if out == nil {
		out = make(map[string]any)
	}
	c.values = make(map[string]any)
	return out
}

// SetPrefix namespaces subsequent keys, so dumps from several redirect hops
// can be merged into one page.
func (c *Collector) SetPrefix(prefix string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.prefix = prefix
	c.next = 0
	c.mu.Unlock()
}

func (c *Collector) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}

type contextKey struct{}

func WithCollector(ctx context.Context, c *Collector) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

func FromContext(ctx context.Context) *Collector {
	c, _ := ctx.Value(contextKey{}).(*Collector)
	return c
}

// Add records value on the collector carried by ctx, if any.
func Add(ctx context.Context, value any) string {
	return FromContext(ctx).Add(value)
}
