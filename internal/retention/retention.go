package retention

import (
	"context"
	"errors"
	"time"

	"debugbar_relay/internal/session"
)

const (
	DefaultFreshness    = session.DefaultFreshness
	DefaultMaxRedirects = session.DefaultMaxRedirects
)

type Config struct {
	Freshness    time.Duration
	MaxRedirects int
	Now          func() time.Time
}

// Policy is the garbage-collection pass run once per response cycle for
// stores without native history management. It is best effort: concurrent
// writers may race it and a slightly stale prune is acceptable.
type Policy struct {
	freshness    time.Duration
	maxRedirects int
	now          func() time.Time
}

// Result counts dropped entries per namespace.
type Result struct {
	Redirect   int
	Bar        int
	BlueScreen int
	ClearedBar int
}

func (r Result) Total() int {
	return r.Redirect + r.Bar + r.BlueScreen
}

func New(cfg Config) *Policy {
	if cfg.Freshness <= 0 {
		cfg.Freshness = DefaultFreshness
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Policy{freshness: cfg.Freshness, maxRedirects: cfg.MaxRedirects, now: cfg.Now}
}

func (p *Policy) Freshness() time.Duration {
	return p.freshness
}

func (p *Policy) MaxRedirects() int {
	return p.maxRedirects
}

func (p *Policy) Fresh(entry session.Entry) bool {
	return entry.FreshAt(p.now(), p.freshness)
}

// Applies reports whether the pass should run against store at all.
func (p *Policy) Applies(store session.Store) bool {
	return p != nil && store != nil && store.IsActive() && !store.HasHistoryManagement()
}

// Prune trims the redirect queue to the newest entries and drops every
// stale entry from the redirect, bar and bluescreen namespaces. Bar keys
// left empty are cleared. Errors from individual keys do not stop the pass.
func (p *Policy) Prune(ctx context.Context, store session.Store) (Result, error) {
	var result Result
	if !p.Applies(store) {
		return result, nil
	}
	var errs []error

	dropped, err := p.pruneRedirects(ctx, store)
	result.Redirect = dropped
	if err != nil {
		errs = append(errs, err)
	}

	dropped, err = p.pruneNamespace(ctx, store, session.NamespaceBlueScreen, nil)
	result.BlueScreen = dropped
	if err != nil {
		errs = append(errs, err)
	}

	dropped, err = p.pruneNamespace(ctx, store, session.NamespaceBar, &result.ClearedBar)
	result.Bar = dropped
	if err != nil {
		errs = append(errs, err)
	}

	return result, errors.Join(errs...)
}

// CapRedirects keeps only the newest MaxRedirects hops.
func (p *Policy) CapRedirects(ctx context.Context, store session.Store) (int, error) {
	if !p.Applies(store) {
		return 0, nil
	}
	key := session.RedirectKey()
	queue, err := store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(queue) <= p.maxRedirects {
		return 0, nil
	}
	dropped := len(queue) - p.maxRedirects
	return dropped, store.Set(ctx, key, queue[dropped:])
}

func (p *Policy) pruneRedirects(ctx context.Context, store session.Store) (int, error) {
	key := session.RedirectKey()
	queue, err := store.Get(ctx, key)
	if err != nil || len(queue) == 0 {
		return 0, err
	}
	newest := queue
	if len(newest) > p.maxRedirects {
		newest = newest[len(newest)-p.maxRedirects:]
	}
	kept := make([]session.Entry, 0, len(newest))
	for _, entry := range newest {
		if p.Fresh(entry) {
			kept = append(kept, entry)
		}
	}
	dropped := len(queue) - len(kept)
	if dropped == 0 {
		return 0, nil
	}
	return dropped, store.Set(ctx, key, kept)
}

func (p *Policy) pruneNamespace(ctx context.Context, store session.Store, namespace string, cleared *int) (int, error) {
	keys, err := store.Children(ctx, namespace)
	if err != nil {
		return 0, err
	}
	dropped := 0
	var errs []error
	for _, key := range keys {
		queue, err := store.Get(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		stale := 0
		for _, entry := range queue {
			if !p.Fresh(entry) {
				stale++
			}
		}
		if stale > 0 {
			if err := store.Delete(ctx, key, func(entry session.Entry) bool { return !p.Fresh(entry) }); err != nil {
				errs = append(errs, err)
				continue
			}
			dropped += stale
		}
		if stale == len(queue) {
			if err := store.Clear(ctx, key); err != nil {
				errs = append(errs, err)
				continue
			}
			if cleared != nil {
				*cleared++
			}
		}
	}
	return dropped, errors.Join(errs...)
}
