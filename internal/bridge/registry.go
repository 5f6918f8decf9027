package bridge

import (
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultMaxSessions bounds the registry when no size is configured.
const DefaultMaxSessions = 1000

// Registry maps chat message ids (cards and follow-up prompts) to sessions.
// It is owned by the bridge loop and not safe for concurrent use.
type Registry struct {
	lru *simplelru.LRU[int, *Session]
}

// NewRegistry returns a registry holding at most size keys. Evicting a card
// key stops any draft still streaming for it.
func NewRegistry(size int) *Registry {
	if size <= 0 {
		size = DefaultMaxSessions
	}
	lru, err := simplelru.NewLRU[int, *Session](size, func(id int, s *Session) {
		if id == s.CardID && s.cancelDraft != nil {
			s.cancelDraft()
			s.cancelDraft = nil
		}
	})
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &Registry{lru: lru}
}

// Add registers a session under its card id.
func (r *Registry) Add(s *Session) {
	r.lru.Add(s.CardID, s)
}

// Alias registers an extra message id for s.
func (r *Registry) Alias(id int, s *Session) {
	r.lru.Add(id, s)
}

// Get looks up a card or alias id.
func (r *Registry) Get(id int) (*Session, bool) {
	return r.lru.Get(id)
}

// Remove forgets an id. Removing an alias leaves the session in place.
func (r *Registry) Remove(id int) {
	r.lru.Remove(id)
}

// Len returns the number of registered ids.
func (r *Registry) Len() int {
	return r.lru.Len()
}
