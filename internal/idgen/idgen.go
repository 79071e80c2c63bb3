// Package idgen generates short opaque ids, rejection-sampled against a
// caller-supplied set of ids already in use.
package idgen

import "github.com/google/uuid"

// Short returns an 8-character lowercase hex id derived from a fresh UUID,
// re-drawing until taken(id) reports false.
func Short(taken func(id string) bool) string {
	for {
		id := uuid.New().String()[:8]
		if !taken(id) {
			return id
		}
	}
}
