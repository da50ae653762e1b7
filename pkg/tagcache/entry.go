// Package tagcache implements a write-through cache over a shared backing
// store. Entries declare named dependency tags at write time; invalidating a
// tag removes every entry that declared it. Expiration combines an absolute
// ceiling with an optional sliding idle timeout, and every read-modify-write
// against a key runs under that key's distributed lock so the semantics hold
// across processes sharing one store.
package tagcache

import (
	"encoding/json"
	"time"
)

// Entry is the stored form of one cached value: the serialized payload, its
// expiration policy, the time it was last read, and the tags it depends on.
type Entry struct {
	Key     string `json:"key"`
	Payload []byte `json:"payload"`
	// AbsoluteExpiration is a hard ceiling; the zero time means never.
	AbsoluteExpiration time.Time `json:"absoluteExpiration"`
	// SlidingExpiration expires the entry once it has gone unread for this
	// long; zero means no sliding rule.
	SlidingExpiration time.Duration `json:"slidingExpiration,omitempty"`
	// LastAccess is refreshed on every successful read. The stored value is
	// authoritative: other processes read through the same store, so an
	// in-process copy would miss their refreshes.
	LastAccess    time.Time `json:"lastAccess"`
	DependentTags []string  `json:"dependentTags"`
}

// expiredAt reports whether the entry is unreadable at the given instant.
// The absolute ceiling is checked first and applies regardless of access
// pattern; only then is the sliding rule evaluated against LastAccess.
func (e *Entry) expiredAt(now time.Time) bool {
	if !e.AbsoluteExpiration.IsZero() && !now.Before(e.AbsoluteExpiration) {
		return true
	}
	if e.SlidingExpiration > 0 && now.Sub(e.LastAccess) > e.SlidingExpiration {
		return true
	}
	return false
}

// absoluteExpiredAt reports whether only the absolute ceiling has passed.
// Purge uses this: an idle entry is left for get-time lazy expiration, but a
// past-ceiling entry is dead no matter who reads it next.
func (e *Entry) absoluteExpiredAt(now time.Time) bool {
	return !e.AbsoluteExpiration.IsZero() && !now.Before(e.AbsoluteExpiration)
}

func (e *Entry) marshal() ([]byte, error) {
	return json.Marshal(e)
}

func unmarshalEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
