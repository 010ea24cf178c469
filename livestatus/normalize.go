// Package livestatus drives the session lifecycle from upstream live
// reports: a per-channel poll loop, a normalization step for the upstream's
// loosely typed live flag, and a kv-backed circuit breaker that pauses
// polling while the store is down.
package livestatus

import (
	"encoding/json"
	"strings"
)

// liveStrings enumerates the spellings upstream feeds use for "live".
// Anything not listed reads as offline.
var liveStrings = map[string]bool{
	"true":   true,
	"1":      true,
	"live":   true,
	"online": true,
	"yes":    true,
}

// NormalizeLiveFlag folds the upstream live flag, which arrives as a bool,
// number, string, or nothing at all depending on the feed, into a boolean.
// Unrecognized shapes read as offline.
func NormalizeLiveFlag(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return liveStrings[strings.ToLower(strings.TrimSpace(x))]
	case float64:
		return x == 1
	case int:
		return x == 1
	case int64:
		return x == 1
	case json.Number:
		return x.String() == "1"
	default:
		return false
	}
}
