package policy

import (
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	defaultSessionTTL      = 10 * time.Minute
	defaultSessionCapacity = 10000
)

type SessionTrackerConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	Capacity int           `yaml:"capacity"`
}

func DefaultSessionTrackerConfig() SessionTrackerConfig {
	return SessionTrackerConfig{TTL: defaultSessionTTL, Capacity: defaultSessionCapacity}
}

// SessionTracker remembers (session, responder) pairs so that a pair is
// acted on at most once per TTL window. Expiry is judged against the caller
// supplied clock; Capacity bounds memory by refusing new pairs, never by
// dropping live ones.
type SessionTracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	seen     *ttlcache.Cache[string, time.Time]
	total    uint64
	refused  uint64
	hits     uint64
}

func NewSessionTracker(cfg SessionTrackerConfig) *SessionTracker {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultSessionTTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultSessionCapacity
	}
	return &SessionTracker{
		ttl:      cfg.TTL,
		capacity: cfg.Capacity,
		seen: ttlcache.New[string, time.Time](
			ttlcache.WithTTL[string, time.Time](cfg.TTL),
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
		),
	}
}

// Observe returns true the first time a pair is seen within the TTL window
// and false for every replay. Live pairs are never evicted to make room: a
// full tracker refuses new pairs until existing ones age out.
func (t *SessionTracker) Observe(sessionID, responderID string, now time.Time) bool {
	key, ok := pairKey(sessionID, responderID)
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.hits++
	if t.hits%256 == 0 {
		t.purgeLocked(now)
	}
	if item := t.seen.Get(key); item != nil && now.Sub(item.Value()) < t.ttl {
		return false
	}
	if t.seen.Len() >= t.capacity {
		t.purgeLocked(now)
		if t.seen.Len() >= t.capacity {
			t.refused++
			return false
		}
	}
	t.seen.Set(key, now, ttlcache.DefaultTTL)
	t.total++
	return true
}

func (t *SessionTracker) Seen(sessionID, responderID string, now time.Time) bool {
	key, ok := pairKey(sessionID, responderID)
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	item := t.seen.Get(key)
	return item != nil && now.Sub(item.Value()) < t.ttl
}

// Forget drops every pair recorded for a session.
func (t *SessionTracker) Forget(sessionID string) {
	prefix := strings.TrimSpace(sessionID) + "\x00"
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range t.seen.Keys() {
		if strings.HasPrefix(key, prefix) {
			t.seen.Delete(key)
		}
	}
}

func (t *SessionTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen.DeleteAll()
}

// Len is the number of pairs currently held.
func (t *SessionTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen.Len()
}

// ActiveSessions counts distinct sessions with at least one live pair at now.
func (t *SessionTracker) ActiveSessions(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	sessions := make(map[string]struct{})
	for key, item := range t.seen.Items() {
		if now.Sub(item.Value()) >= t.ttl {
			continue
		}
		sessionID, _, _ := strings.Cut(key, "\x00")
		sessions[sessionID] = struct{}{}
	}
	return len(sessions)
}

// Total counts every successful first observation since construction.
func (t *SessionTracker) Total() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Refused counts new pairs turned away because the tracker was full.
func (t *SessionTracker) Refused() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refused
}

// purgeLocked evicts pairs that aged out under the injected clock.
func (t *SessionTracker) purgeLocked(now time.Time) {
	for key, item := range t.seen.Items() {
		if now.Sub(item.Value()) >= t.ttl {
			t.seen.Delete(key)
		}
	}
}

func pairKey(sessionID, responderID string) (string, bool) {
	sessionID = strings.TrimSpace(sessionID)
	responderID = strings.TrimSpace(responderID)
	if sessionID == "" || responderID == "" {
		return "", false
	}
	return sessionID + "\x00" + responderID, true
}
