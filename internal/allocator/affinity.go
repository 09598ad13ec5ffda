// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package allocator

import lru "github.com/hashicorp/golang-lru/v2"

const defaultAffinityCapacity = 256

// newAffinityCache builds the bounded speaker->keyIndex hint cache. It lives
// behind the allocator's own mutex (see Allocator.mu), so evicting a key's
// hints on auth failure (Allocator.evictAffinityFor) is atomic with
// disabling the key.
func newAffinityCache(capacity int) *lru.Cache[string, int] {
	if capacity <= 0 {
		capacity = defaultAffinityCapacity
	}
	c, err := lru.New[string, int](capacity)
	if err != nil {
		// Only returns an error for a non-positive size, which is excluded above.
		panic(err)
	}
	return c
}
