// Package dedupe derives stable identities for extracted listings and tracks
// which identities have already been stored.
package dedupe

import (
	"regexp"
	"strings"
	"sync"
)

// Identity prefixes. An identity parsed from the source URL is preferred over
// the name/address composite.
const (
	PrefixSource = "gmaps_"
	PrefixPlace  = "place_"
	PrefixLegacy = "legacy_"
)

var (
	featureIDPattern = regexp.MustCompile(`1s(0x[a-f0-9]+:0x[a-f0-9]+)`)
	placeIDPattern   = regexp.MustCompile(`place_id=([A-Za-z0-9_-]+)`)
)

// IdentityOf returns the identity for a listing. The source URL wins when it
// carries a feature id or place id; otherwise the normalized name and
// address are combined. An empty string means no identity could be derived.
func IdentityOf(sourceURL, name, address string) string {
	if m := featureIDPattern.FindStringSubmatch(sourceURL); m != nil {
		return PrefixSource + m[1]
	}
	if m := placeIDPattern.FindStringSubmatch(sourceURL); m != nil {
		return PrefixPlace + m[1]
	}
	n, a := Normalize(name), Normalize(address)
	if n == "" && a == "" {
		return ""
	}
	return PrefixLegacy + n + "|" + a
}

// Normalize lowercases s and collapses runs of whitespace to single spaces.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Set is a concurrency-safe set of seen identities.
type Set struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{seen: make(map[string]struct{})}
}

// Seed registers identities without reporting duplicates. Used to rehydrate
// the set from previously persisted records.
func (s *Set) Seed(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if id != "" {
			s.seen[id] = struct{}{}
		}
	}
}

// SeenOrAdd reports whether id was already registered and registers it if
// not. Empty identities are never considered duplicates.
func (s *Set) SeenOrAdd(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return true
	}
	s.seen[id] = struct{}{}
	return false
}

// Contains reports whether id is registered.
func (s *Set) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok
}

// Len returns the number of registered identities.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
