package obs

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultTopK              = 200
	defaultRecomputeInterval = 10 * time.Second

	otherLabel = "other"
	noneLabel  = "none"
)

// TopK keeps metric label cardinality bounded: only the k most frequently
// observed values are used as labels, everything else becomes "other".
type TopK struct {
	mu            sync.Mutex
	counts        map[string]int64
	top           map[string]struct{}
	k             int
	interval      time.Duration
	lastRecompute time.Time
	now           func() time.Time
}

func NewTopK(k int, interval time.Duration) *TopK {
	if k <= 0 {
		k = defaultTopK
	}
	if interval <= 0 {
		interval = defaultRecomputeInterval
	}
	return &TopK{
		counts:   make(map[string]int64),
		top:      make(map[string]struct{}),
		k:        k,
		interval: interval,
		now:      time.Now,
	}
}

func (t *TopK) ObserveHit(value string) {
	if t == nil || value == "" || value == noneLabel {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[value]++
	if len(t.top) < t.k {
		t.top[value] = struct{}{}
	}
	if now := t.now(); now.Sub(t.lastRecompute) >= t.interval {
		t.top = buildTop(t.counts, t.k)
		t.lastRecompute = now
	}
}

func (t *TopK) Canon(value string) string {
	if value == "" || value == noneLabel {
		return noneLabel
	}
	if t == nil {
		return otherLabel
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.top[value]; ok {
		return value
	}
	return otherLabel
}

func buildTop(counts map[string]int64, limit int) map[string]struct{} {
	type pair struct {
		key   string
		count int64
	}
	items := make([]pair, 0, len(counts))
	for key, count := range counts {
		items = append(items, pair{key: key, count: count})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].count == items[j].count {
			return items[i].key < items[j].key
		}
		return items[i].count > items[j].count
	})

	if limit > len(items) {
		limit = len(items)
	}
	result := make(map[string]struct{}, limit)
	for i := 0; i < limit; i++ {
		result[items[i].key] = struct{}{}
	}
	return result
}
