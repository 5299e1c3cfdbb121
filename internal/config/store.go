package config

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

const discardCacheSize = 1024

// Store holds the active configuration snapshot and implements the merge
// engine's settings queries. Swapping in a new snapshot is atomic;
// readers never block. Discard decisions are memoized per kernel name,
// the cache is purged on swap.
type Store struct {
	current      atomic.Pointer[Config]
	discardCache *lru.Cache
}

// NewStore creates a store serving the given snapshot.
func NewStore(cfg *Config) *Store {
	cache, _ := lru.New(discardCacheSize)
	s := &Store{discardCache: cache}
	s.current.Store(cfg)
	return s
}

// Current returns the active snapshot.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Swap replaces the active snapshot and invalidates cached decisions.
func (s *Store) Swap(cfg *Config) {
	s.current.Store(cfg)
	s.discardCache.Purge()
}

// UIDAttributes returns the ordered identifying attribute names
// configured for the kernel device name.
func (s *Store) UIDAttributes(kernel string) []string {
	return s.Current().uidAttributes(kernel)
}

// MergingConfigured reports whether any identifying attribute rule is
// configured.
func (s *Store) MergingConfigured() bool {
	return len(s.Current().uidAttrs) > 0
}

// ShouldDiscard reports whether the kernel device name is blacklisted.
func (s *Store) ShouldDiscard(kernel string) bool {
	if v, ok := s.discardCache.Get(kernel); ok {
		return v.(bool)
	}
	discard := s.Current().shouldDiscard(kernel)
	s.discardCache.Add(kernel, discard)
	return discard
}
