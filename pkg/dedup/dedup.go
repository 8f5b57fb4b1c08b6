// Package dedup suppresses webhook redeliveries. The platform delivers
// events at least once; an event id seen within the retention window must
// never trigger a second reply.
package dedup

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultMaxEntries = 4096
	defaultTTL        = time.Hour
)

// Filter is a bounded record of recently seen event identifiers.
// Entries fall out after the TTL, or earliest-first once the size cap is
// reached. Both bounds are tunables, not correctness requirements.
type Filter struct {
	cache *expirable.LRU[string, time.Time]
	mu    sync.Mutex
}

func NewFilter(maxEntries int, ttl time.Duration) *Filter {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Filter{
		cache: expirable.NewLRU[string, time.Time](maxEntries, nil, ttl),
	}
}

// Seen reports whether eventID was marked within the retention window.
func (f *Filter) Seen(eventID string) bool {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache.Contains(eventID)
}

// MarkSeen records eventID as processed.
func (f *Filter) MarkSeen(eventID string) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache.Add(eventID, time.Now())
}

// Forget removes eventID so the platform's redelivery of it is processed
// again. Used when a marked event could not be handed off after all.
func (f *Filter) Forget(eventID string) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache.Remove(eventID)
}

// CheckAndMark atomically marks eventID and reports whether it was already
// present. Concurrent deliveries of the same event see exactly one false.
func (f *Filter) CheckAndMark(eventID string) (duplicate bool) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cache.Contains(eventID) {
		return true
	}
	f.cache.Add(eventID, time.Now())
	return false
}

// Len returns the current number of remembered identifiers.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache.Len()
}
