// Package world holds the explicit runtime context for a set of entities.
//
// A World owns the id-keyed entity store, the per-entity channels, and a
// single-goroutine task loop that machine dispatch and deferred startup run
// on. Nothing here is ambient: components that need entity or channel lookup
// receive the World, and shutdown is an explicit call rather than process
// exit.
package world

import (
	"sync"

	"github.com/open-game-collective/OGS/internal/channel"
	"github.com/open-game-collective/OGS/internal/entity"
	"github.com/open-game-collective/OGS/internal/id"
	"github.com/open-game-collective/OGS/internal/machine"
	"github.com/open-game-collective/OGS/internal/platform/errors"
	"github.com/open-game-collective/OGS/internal/schema"
)

// Resolver maps a freshly created entity to its machine definition. A nil
// definition means the entity runs no machine.
type Resolver func(w *World, e *entity.Entity) (*machine.Def, error)

// Event kinds observable on a world.
const (
	EntityAdded      = "ENTITY_ADDED"
	EntityRemoved    = "ENTITY_REMOVED"
	ComponentAdded   = "COMPONENT_ADDED"
	ComponentRemoved = "COMPONENT_REMOVED"
)

// Event is a world-level occurrence: entity membership or top-level
// component changes.
type Event struct {
	Kind      string
	Entity    *entity.Entity
	Component string
}

// World is the explicit entity/channel context.
type World struct {
	gen      *id.Generator
	resolver Resolver

	mu        sync.Mutex
	entities  map[id.ID]*entity.Entity
	channels  map[id.ID]*channel.Channel
	watchers  map[int]func(Event)
	nextWatch int
	closed    bool

	taskMu sync.Mutex
	tasks  []func()
	wake   chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

// New creates a world and starts its task loop.
func New(gen *id.Generator, resolver Resolver) *World {
	w := &World{
		gen:      gen,
		resolver: resolver,
		entities: make(map[id.ID]*entity.Entity),
		channels: make(map[id.ID]*channel.Channel),
		watchers: make(map[int]func(Event)),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *World) run() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			w.drain()
			return
		case <-w.wake:
			w.drain()
		}
	}
}

func (w *World) drain() {
	for {
		w.taskMu.Lock()
		if len(w.tasks) == 0 {
			w.taskMu.Unlock()
			return
		}
		task := w.tasks[0]
		w.tasks = w.tasks[1:]
		w.taskMu.Unlock()
		task()
	}
}

// Post schedules a function onto the world loop. It never blocks, so tasks
// running on the loop may post follow-up work.
func (w *World) Post(fn func()) {
	w.taskMu.Lock()
	w.tasks = append(w.tasks, fn)
	w.taskMu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Do runs a function on the world loop and waits for it to finish. Must not
// be called from the loop itself.
func (w *World) Do(fn func()) {
	ran := make(chan struct{})
	w.Post(func() {
		fn()
		close(ran)
	})
	<-ran
}

// Create builds an authoritative entity: id assigned, channel opened, props
// validated, machine resolved and attached. Startup is deferred to the next
// loop tick so the caller is never re-entered by machine side effects.
func (w *World) Create(kind schema.Kind, props map[string]any) (*entity.Entity, error) {
	entityID := w.gen.Next()
	ch := channel.New(entityID, w.gen)
	e, err := entity.New(entityID, kind, props, ch)
	if err != nil {
		return nil, err
	}
	if w.resolver != nil {
		def, err := w.resolver(w, e)
		if err != nil {
			return nil, err
		}
		if def != nil {
			e.AttachMachine(machine.NewInterpreter(def, w.Post))
		}
	}
	if err := w.Add(e); err != nil {
		return nil, err
	}
	if m := e.Machine(); m != nil {
		m.Start()
	}
	return e, nil
}

// Add inserts an existing entity (proxies included). Duplicate ids are an
// error.
func (w *World) Add(e *entity.Entity) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.E(errors.CodeEntityMissing, "world is shut down")
	}
	if _, ok := w.entities[e.ID()]; ok {
		w.mu.Unlock()
		return errors.E(errors.CodeEntityDuplicate, "entity %s already exists", e.ID())
	}
	w.entities[e.ID()] = e
	if ch := e.Channel(); ch != nil {
		w.channels[e.ID()] = ch
	}
	w.mu.Unlock()

	w.notify(Event{Kind: EntityAdded, Entity: e})
	return nil
}

// Remove deletes an entity, stopping its machine and closing its channel.
// The stop runs on the task loop, where all interpreter dispatch happens.
// Removing an unknown id is an error.
func (w *World) Remove(entityID id.ID) error {
	w.mu.Lock()
	e, ok := w.entities[entityID]
	if !ok {
		w.mu.Unlock()
		return errors.E(errors.CodeEntityMissing, "entity %s not found", entityID)
	}
	delete(w.entities, entityID)
	delete(w.channels, entityID)
	w.mu.Unlock()

	w.Post(e.Stop)
	w.notify(Event{Kind: EntityRemoved, Entity: e})
	return nil
}

// Get returns an entity by id.
func (w *World) Get(entityID id.ID) (*entity.Entity, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entities[entityID]
	return e, ok
}

// Channel returns the channel owned by an entity.
func (w *World) Channel(entityID id.ID) (*channel.Channel, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.channels[entityID]
	return ch, ok
}

// Entities returns a snapshot of the current entity set.
func (w *World) Entities() []*entity.Entity {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*entity.Entity, 0, len(w.entities))
	for _, e := range w.entities {
		out = append(out, e)
	}
	return out
}

// AddComponent sets a top-level property through the world, so derived
// indices observe it. No schema check and no entity CHANGE event: the caller
// owns notification granularity.
func (w *World) AddComponent(entityID id.ID, field string, value any) error {
	e, ok := w.Get(entityID)
	if !ok {
		return errors.E(errors.CodeEntityMissing, "entity %s not found", entityID)
	}
	e.PutComponent(field, value)
	w.notify(Event{Kind: ComponentAdded, Entity: e, Component: field})
	return nil
}

// RemoveComponent removes a top-level property through the world.
func (w *World) RemoveComponent(entityID id.ID, field string) error {
	e, ok := w.Get(entityID)
	if !ok {
		return errors.E(errors.CodeEntityMissing, "entity %s not found", entityID)
	}
	e.DropComponent(field)
	w.notify(Event{Kind: ComponentRemoved, Entity: e, Component: field})
	return nil
}

// OnChange registers a watcher for world events. The returned function
// unregisters it.
func (w *World) OnChange(fn func(Event)) func() {
	w.mu.Lock()
	key := w.nextWatch
	w.nextWatch++
	w.watchers[key] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.watchers, key)
		w.mu.Unlock()
	}
}

func (w *World) notify(evt Event) {
	w.mu.Lock()
	watchers := make([]func(Event), 0, len(w.watchers))
	for i := 0; i < w.nextWatch; i++ {
		if fn, ok := w.watchers[i]; ok {
			watchers = append(watchers, fn)
		}
	}
	w.mu.Unlock()
	for _, fn := range watchers {
		fn(evt)
	}
}

// Shutdown stops every entity and halts the task loop. Entity stops are
// posted as the loop's final task so no interpreter is touched off-loop;
// the quit drain guarantees they run before the loop exits.
func (w *World) Shutdown() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	entities := make([]*entity.Entity, 0, len(w.entities))
	for _, e := range w.entities {
		entities = append(entities, e)
	}
	w.entities = make(map[id.ID]*entity.Entity)
	w.channels = make(map[id.ID]*channel.Channel)
	w.mu.Unlock()

	w.Post(func() {
		for _, e := range entities {
			e.Stop()
		}
	})
	close(w.quit)
	<-w.done
}
