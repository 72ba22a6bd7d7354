package store

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// dedupeCapacity bounds the event-ID memory.  Matrix can redeliver an event
// through both the live sync stream and a reconnect backfill, so every
// handler consults this cache before acting.
const dedupeCapacity = 10000

// Dedupe is a bounded first-seen cache of Matrix event IDs, shared by all
// message and media handlers.
type Dedupe struct {
	cache *lru.Cache[string, time.Time]
}

// NewDedupe creates the shared dedupe cache.
func NewDedupe() *Dedupe {
	cache, err := lru.New[string, time.Time](dedupeCapacity)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &Dedupe{cache: cache}
}

// Seen marks eventID as handled and reports whether it had been seen before.
func (d *Dedupe) Seen(eventID string) bool {
	if _, ok := d.cache.Get(eventID); ok {
		return true
	}
	d.cache.Add(eventID, time.Now())
	return false
}

// Len reports how many event IDs are currently remembered.
func (d *Dedupe) Len() int {
	return d.cache.Len()
}
