// Package transcript holds the transcript of the current session as two
// sparse, sequence-addressed variants: raw (low latency) and enhanced (the
// backend's cleaned-up rendering).
//
// Updates for a sequence number may arrive in any order and any number of
// times; the last write per (variant, seq) wins. Readers obtain a rendering
// with [Store.Project], which is always consistent with some prefix of the
// merges applied so far.
package transcript

import (
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/meetcap/pkg/types"
)

// Update is one inbound transcript update. A nil field leaves that variant
// untouched; a non-nil empty string stores an empty entry (which projection
// skips).
type Update struct {
	Seq      int64   `json:"seq"`
	Raw      *string `json:"raw_text,omitempty"`
	Enhanced *string `json:"enhanced_text,omitempty"`
}

// Store is the transcript of one session. It is safe for concurrent use:
// the channel's read loop merges while the control API projects.
type Store struct {
	mu       sync.RWMutex
	raw      map[int64]string
	enhanced map[int64]string
	onMerge  func(Update)
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		raw:      make(map[int64]string),
		enhanced: make(map[int64]string),
	}
}

// OnMerge registers fn to be called after every merge, outside the lock.
// The record command uses it to print transcript lines as they arrive.
func (s *Store) OnMerge(fn func(Update)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMerge = fn
}

// Merge upserts the non-nil variants of u at u.Seq. Merging the same update
// twice is a no-op; merges for different sequence numbers commute.
func (s *Store) Merge(u Update) {
	if u.Raw == nil && u.Enhanced == nil {
		return
	}
	s.mu.Lock()
	if u.Raw != nil {
		s.raw[u.Seq] = *u.Raw
	}
	if u.Enhanced != nil {
		s.enhanced[u.Seq] = *u.Enhanced
	}
	fn := s.onMerge
	s.mu.Unlock()

	if fn != nil {
		fn(u)
	}
}

// Project renders variant v: entries in ascending sequence order, empty
// entries skipped, joined with a single space.
func (s *Store) Project(v types.Variant) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.variant(v)
	keys := slices.Sorted(maps.Keys(m))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if text := m[k]; text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// Entries returns a copy of variant v keyed by sequence number.
func (s *Store) Entries(v types.Variant) map[int64]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.variant(v))
}

// Reset clears both variants atomically.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.raw)
	clear(s.enhanced)
}

// Len returns the number of entries held for variant v.
func (s *Store) Len(v types.Variant) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.variant(v))
}

// Gaps lists the sequence numbers missing from variant v between its lowest
// and highest present key, in ascending order. A gap means an update was
// lost or has not arrived yet.
func (s *Store) Gaps(v types.Variant) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.variant(v)
	if len(m) < 2 {
		return nil
	}
	keys := slices.Sorted(maps.Keys(m))
	var gaps []int64
	for i := 1; i < len(keys); i++ {
		for seq := keys[i-1] + 1; seq < keys[i]; seq++ {
			gaps = append(gaps, seq)
		}
	}
	return gaps
}

// variant must be called with s.mu held.
func (s *Store) variant(v types.Variant) map[int64]string {
	if v == types.VariantEnhanced {
		return s.enhanced
	}
	return s.raw
}
