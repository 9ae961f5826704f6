package obs

import (
	"sort"
	"sync"
)

const defaultLabelTopK = 50

// LabelLimiter keeps a label's cardinality bounded: the k most frequently
// seen values pass through, everything else is reported as "other".
type LabelLimiter struct {
	mu      sync.Mutex
	counts  map[string]int64
	top     map[string]struct{}
	k       int
	pending int
}

func NewLabelLimiter(k int) *LabelLimiter {
	if k <= 0 {
		k = defaultLabelTopK
	}
	return &LabelLimiter{
		counts: make(map[string]int64),
		top:    make(map[string]struct{}),
		k:      k,
	}
}

// Canon records a hit for value and returns the label to use for it.
func (l *LabelLimiter) Canon(value string) string {
	if value == "" || value == "none" {
		return "none"
	}
	if l == nil {
		return "other"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[value]++
	if _, ok := l.top[value]; ok {
		return value
	}
	if len(l.top) < l.k {
		l.top[value] = struct{}{}
		return value
	}
	l.pending++
	if l.pending >= l.k {
		l.recomputeLocked()
	}
	if _, ok := l.top[value]; ok {
		return value
	}
	return "other"
}

func (l *LabelLimiter) recomputeLocked() {
	l.pending = 0
	type pair struct {
		key   string
		count int64
	}
	items := make([]pair, 0, len(l.counts))
	for key, count := range l.counts {
		items = append(items, pair{key: key, count: count})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].count == items[j].count {
			return items[i].key < items[j].key
		}
		return items[i].count > items[j].count
	})
	if len(items) > l.k {
		items = items[:l.k]
	}
	top := make(map[string]struct{}, len(items))
	for _, item := range items {
		top[item.key] = struct{}{}
	}
	l.top = top
}
