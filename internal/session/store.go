package session

import (
	"context"
	"errors"
	"time"
)

const (
	NamespaceBar        = "bar"
	NamespaceRedirect   = "redirect"
	NamespaceBlueScreen = "bluescreen"
)

var ErrInactive = errors.New("session store inactive")

// Key addresses one queue. Redirect captures live under a bare namespace key.
type Key struct {
	Namespace string `cbor:"ns"`
	ID        string `cbor:"id,omitempty"`
}

func BarKey(id string) Key {
	return Key{Namespace: NamespaceBar, ID: id}
}

func RedirectKey() Key {
	return Key{Namespace: NamespaceRedirect}
}

func BlueScreenKey(id string) Key {
	return Key{Namespace: NamespaceBlueScreen, ID: id}
}

func (k Key) String() string {
	if k.ID == "" {
		return k.Namespace
	}
	return k.Namespace + "/" + k.ID
}

type RenderedPanel struct {
	ID   string `cbor:"id"`
	Tab  string `cbor:"tab"`
	Body string `cbor:"body,omitempty"`
}

// Entry is one captured diagnostic snapshot. Content holds rendered bar
// markup; redirect hops keep their panels instead so they can be folded into
// a later render.
type Entry struct {
	Content    string          `cbor:"content,omitempty"`
	Panels     []RenderedPanel `cbor:"panels,omitempty"`
	Dumps      map[string]any  `cbor:"dumps,omitempty"`
	URL        string          `cbor:"url,omitempty"`
	CapturedAt time.Time       `cbor:"captured_at"`
}

func (e Entry) FreshAt(now time.Time, window time.Duration) bool {
	if e.CapturedAt.IsZero() {
		return false
	}
	return e.CapturedAt.After(now.Add(-window))
}

// Store is the per-session key/value contract the relay consumes. Every
// method is a whole-value operation from the backend's point of view: a
// queue is never partially rewritten.
type Store interface {
	IsActive() bool
	HasHistoryManagement() bool
	Get(ctx context.Context, key Key) ([]Entry, error)
	Set(ctx context.Context, key Key, queue []Entry) error
	Append(ctx context.Context, key Key, entry Entry) error
	Delete(ctx context.Context, key Key, match func(Entry) bool) error
	Clear(ctx context.Context, key Key) error
	Children(ctx context.Context, namespace string) ([]Key, error)
}

// Taker is implemented by stores that can read and clear a key in one
// critical section.
type Taker interface {
	Take(ctx context.Context, key Key) ([]Entry, error)
}

type Backend interface {
	ForSession(id string) Store
	ReapIdle(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Take reads and clears key, atomically when the store supports it.
func Take(ctx context.Context, store Store, key Key) ([]Entry, error) {
	if store == nil || !store.IsActive() {
		return nil, nil
	}
	if taker, ok := store.(Taker); ok {
		return taker.Take(ctx, key)
	}
	queue, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(queue) == 0 {
		return nil, nil
	}
	if err := store.Clear(ctx, key); err != nil {
		return queue, err
	}
	return queue, nil
}

func Inactive() Store {
	return inactiveStore{}
}

type inactiveStore struct{}

func (inactiveStore) IsActive() bool             { return false }
func (inactiveStore) HasHistoryManagement() bool { return false }

func (inactiveStore) Get(context.Context, Key) ([]Entry, error) { return nil, nil }

func (inactiveStore) Set(context.Context, Key, []Entry) error { return nil }

func (inactiveStore) Append(context.Context, Key, Entry) error { return nil }

func (inactiveStore) Delete(context.Context, Key, func(Entry) bool) error { return nil }

func (inactiveStore) Clear(context.Context, Key) error { return nil }

func (inactiveStore) Children(context.Context, string) ([]Key, error) { return nil, nil }

func copyQueue(queue []Entry) []Entry {
	if len(queue) == 0 {
		return nil
	}
	out := make([]Entry, len(queue))
	copy(out, queue)
	return out
}
