// Package cache decides when widget data is served from cache, re-executed or
// handed off to an external agent.
package cache

import (
	"fmt"
	"time"

	"glance/internal/widget"
)

// Freshness is the categorical age of a cached payload.
type Freshness string

const (
	Fresh   Freshness = "fresh"
	Stale   Freshness = "stale"
	Expired Freshness = "expired"
	NoCache Freshness = "no_cache"
)

// Classify maps an entry age onto a freshness state. Ages up to the TTL are
// fresh, ages up to the staleness bound are stale, anything older is expired.
func Classify(age time.Duration, cc widget.CacheConfig) Freshness {
	ttl := seconds(cc.TTLSeconds)
	maxStale := seconds(cc.MaxStaleness())
	if maxStale < ttl {
		maxStale = ttl
	}
	switch {
	case age <= ttl:
		return Fresh
	case age <= maxStale:
		return Stale
	default:
		return Expired
	}
}

// StaleWarning describes an entry that is past its TTL.
func StaleWarning(age time.Duration, cc widget.CacheConfig) string {
	return fmt.Sprintf("Data is %s old; it is refreshed every %s",
		age.Round(time.Second), seconds(cc.TTLSeconds))
}

func seconds(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * time.Second
}
