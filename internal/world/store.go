package world

import (
	"sync"

	"github.com/open-game-collective/OGS/internal/entity"
	"github.com/open-game-collective/OGS/internal/id"
)

// Store is a live "first entity matching P" projection over a world. It
// re-evaluates membership on entity add/remove, component add/remove and
// entity CHANGE events, and flips between populated and empty exactly when
// the predicate's truth value changes for the tracked entity or an alternate
// candidate exists.
type Store struct {
	w     *World
	match func(*entity.Entity) bool

	mu         sync.Mutex
	current    *entity.Entity
	entitySubs map[id.ID]func()
	subs       map[int]func(*entity.Entity)
	nextSub    int
	unwatch    func()
}

// NewStore creates a projection for a predicate, seeded from the current
// entity set.
func (w *World) NewStore(match func(*entity.Entity) bool) *Store {
	s := &Store{
		w:          w,
		match:      match,
		entitySubs: make(map[id.ID]func()),
		subs:       make(map[int]func(*entity.Entity)),
	}
	s.unwatch = w.OnChange(s.worldEvent)
	for _, e := range w.Entities() {
		s.track(e)
	}
	s.mu.Lock()
	s.current = s.scan()
	s.mu.Unlock()
	return s
}

// Get returns the tracked entity, or nil while no entity matches.
func (s *Store) Get() *entity.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Subscribe registers a callback fired whenever the tracked entity flips,
// including to nil. The returned function unsubscribes.
func (s *Store) Subscribe(fn func(*entity.Entity)) func() {
	s.mu.Lock()
	key := s.nextSub
	s.nextSub++
	s.subs[key] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, key)
		s.mu.Unlock()
	}
}

// Close detaches the store from the world.
func (s *Store) Close() {
	s.unwatch()
	s.mu.Lock()
	unsubs := make([]func(), 0, len(s.entitySubs))
	for _, unsub := range s.entitySubs {
		unsubs = append(unsubs, unsub)
	}
	s.entitySubs = make(map[id.ID]func())
	s.subs = make(map[int]func(*entity.Entity))
	s.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

func (s *Store) worldEvent(evt Event) {
	switch evt.Kind {
	case EntityAdded:
		s.track(evt.Entity)
		s.reevaluate(evt.Entity)
	case EntityRemoved:
		s.untrack(evt.Entity)
	case ComponentAdded, ComponentRemoved:
		s.reevaluate(evt.Entity)
	}
}

func (s *Store) track(e *entity.Entity) {
	unsub := e.Subscribe(func(evt entity.Event) {
		if evt.Type == entity.EventChange {
			s.reevaluate(e)
		}
	})
	s.mu.Lock()
	s.entitySubs[e.ID()] = unsub
	s.mu.Unlock()
}

func (s *Store) untrack(e *entity.Entity) {
	s.mu.Lock()
	unsub := s.entitySubs[e.ID()]
	delete(s.entitySubs, e.ID())
	wasCurrent := s.current == e
	var next *entity.Entity
	if wasCurrent {
		next = s.scan()
		s.current = next
	}
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if wasCurrent {
		s.emit(next)
	}
}

// reevaluate settles the projection after a candidate entity changed: a
// vacant store claims a new match, and a tracked entity that stopped
// matching is replaced by an alternate when one exists.
func (s *Store) reevaluate(e *entity.Entity) {
	s.mu.Lock()
	switch {
	case s.current == nil:
		if !s.match(e) {
			s.mu.Unlock()
			return
		}
		s.current = e
	case s.current == e:
		if s.match(e) {
			s.mu.Unlock()
			return
		}
		s.current = s.scan()
	default:
		s.mu.Unlock()
		return
	}
	next := s.current
	s.mu.Unlock()
	s.emit(next)
}

// scan returns the first matching entity in the world, or nil. Caller holds
// s.mu.
func (s *Store) scan() *entity.Entity {
	for _, e := range s.w.Entities() {
		if s.match(e) {
			return e
		}
	}
	return nil
}

func (s *Store) emit(e *entity.Entity) {
	s.mu.Lock()
	subs := make([]func(*entity.Entity), 0, len(s.subs))
	for i := 0; i < s.nextSub; i++ {
		if fn, ok := s.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}
