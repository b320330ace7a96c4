package replication

import (
	"log"
	"sync"

	"github.com/open-game-collective/OGS/internal/entity"
	"github.com/open-game-collective/OGS/internal/id"
	"github.com/open-game-collective/OGS/internal/world"
)

// Publisher streams one connection's view of a world: an initial ADDED
// snapshot per visible entity, then live ADDED/REMOVED/CHANGED messages.
// Sends are serialized so the stream stays ordered even though change
// notifications arrive from several goroutines.
type Publisher struct {
	w       *world.World
	send    func(Message) error
	visible func(*entity.Entity) bool

	mu      sync.Mutex
	subs    map[id.ID]func()
	unwatch func()
	sendMu  sync.Mutex
	closed  bool
}

// NewPublisher creates a publisher. visible limits which entities are
// streamed; nil streams everything.
func NewPublisher(w *world.World, send func(Message) error, visible func(*entity.Entity) bool) *Publisher {
	if visible == nil {
		visible = func(*entity.Entity) bool { return true }
	}
	return &Publisher{
		w:       w,
		send:    send,
		visible: visible,
		subs:    make(map[id.ID]func()),
	}
}

// Run snapshots the current entity set, then follows live changes until
// Close. Live subscription is registered before the initial snapshot is
// sent, so no membership change can fall between the two.
func (p *Publisher) Run() {
	p.unwatch = p.w.OnChange(func(evt world.Event) {
		switch evt.Kind {
		case world.EntityAdded:
			p.added(evt.Entity)
		case world.EntityRemoved:
			p.removed(evt.Entity)
		}
	})
	for _, e := range p.w.Entities() {
		p.added(e)
	}
}

// Close stops streaming.
func (p *Publisher) Close() {
	if p.unwatch != nil {
		p.unwatch()
	}
	p.mu.Lock()
	p.closed = true
	unsubs := make([]func(), 0, len(p.subs))
	for _, unsub := range p.subs {
		unsubs = append(unsubs, unsub)
	}
	p.subs = make(map[id.ID]func())
	p.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// added subscribes to the entity and emits its ADDED snapshot under a single
// hold of the send lock. A mutation racing with the subscription therefore
// queues its CHANGED behind the ADDED; the stream never leads with a patch
// for an entity the peer has not seen.
func (p *Publisher) added(e *entity.Entity) {
	if !p.visible(e) {
		return
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if _, ok := p.subs[e.ID()]; ok {
		p.mu.Unlock()
		return
	}
	unsub := e.Subscribe(func(evt entity.Event) {
		if evt.Type != entity.EventChange {
			return
		}
		p.emit(Message{Type: TypeChanged, EntityID: e.ID(), Patches: evt.Patches})
	})
	p.subs[e.ID()] = unsub
	p.mu.Unlock()

	msg := Message{
		Type:     TypeAdded,
		EntityID: e.ID(),
		Schema:   e.Kind(),
		Snapshot: e.Snapshot(),
	}
	if err := p.send(msg); err != nil {
		log.Printf("replication: send %s for entity %s: %v", msg.Type, msg.EntityID, err)
	}
}

func (p *Publisher) removed(e *entity.Entity) {
	p.mu.Lock()
	unsub, ok := p.subs[e.ID()]
	delete(p.subs, e.ID())
	p.mu.Unlock()
	if !ok {
		return
	}
	unsub()
	p.emit(Message{Type: TypeRemoved, EntityID: e.ID()})
}

func (p *Publisher) emit(msg Message) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := p.send(msg); err != nil {
		log.Printf("replication: send %s for entity %s: %v", msg.Type, msg.EntityID, err)
	}
}
