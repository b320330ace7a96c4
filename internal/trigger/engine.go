package trigger

import (
	"encoding/json"
	"log"
	"sync"

	lua "github.com/Shopify/go-lua"

	"github.com/open-game-collective/OGS/internal/channel"
	"github.com/open-game-collective/OGS/internal/entity"
	"github.com/open-game-collective/OGS/internal/id"
	"github.com/open-game-collective/OGS/internal/schema"
	"github.com/open-game-collective/OGS/internal/world"
)

// Engine observes every channel in a world and dispatches rules against each
// published event. Rules are evaluated independently in declaration order: a
// non-matching rule is skipped and iteration continues, so several rules may
// fire for one event. Spawned trigger entities are fire-and-forget; the
// engine never awaits their workflows.
type Engine struct {
	w     *world.World
	rules []Rule

	mu      sync.Mutex
	subs    map[id.ID]func()
	spawned map[id.ID]*entity.Entity
	unwatch func()
}

// NewEngine attaches an engine to a world, observing existing entities and
// every entity added later.
func NewEngine(w *world.World, rules []Rule) *Engine {
	eng := &Engine{
		w:       w,
		rules:   rules,
		subs:    make(map[id.ID]func()),
		spawned: make(map[id.ID]*entity.Entity),
	}
	eng.unwatch = w.OnChange(func(evt world.Event) {
		switch evt.Kind {
		case world.EntityAdded:
			eng.observe(evt.Entity)
		case world.EntityRemoved:
			eng.forget(evt.Entity.ID())
		}
	})
	for _, e := range w.Entities() {
		eng.observe(e)
	}
	return eng
}

// Spawned returns a previously dispatched trigger entity by its own id.
func (eng *Engine) Spawned(triggerID id.ID) (*entity.Entity, bool) {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	e, ok := eng.spawned[triggerID]
	return e, ok
}

// Close detaches the engine from the world and all observed channels.
func (eng *Engine) Close() {
	eng.unwatch()
	eng.mu.Lock()
	unsubs := make([]func(), 0, len(eng.subs))
	for _, unsub := range eng.subs {
		unsubs = append(unsubs, unsub)
	}
	eng.subs = make(map[id.ID]func())
	eng.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

func (eng *Engine) observe(e *entity.Entity) {
	ch := e.Channel()
	if ch == nil {
		return
	}
	// Trigger entities are not themselves observed, or one rule firing on
	// trigger events would dispatch forever.
	if e.Kind() == schema.Trigger {
		return
	}
	unsub := ch.Subscribe(func(evt channel.Event) {
		eng.dispatch(e, evt)
	})
	eng.mu.Lock()
	eng.subs[e.ID()] = unsub
	eng.mu.Unlock()
}

func (eng *Engine) forget(entityID id.ID) {
	eng.mu.Lock()
	unsub := eng.subs[entityID]
	delete(eng.subs, entityID)
	delete(eng.spawned, entityID)
	eng.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (eng *Engine) dispatch(e *entity.Entity, evt channel.Event) {
	for _, rule := range eng.rules {
		if rule.EntitySchema != string(e.Kind()) {
			continue
		}
		if rule.EventType != evt.Type {
			continue
		}
		if rule.Filter != "" {
			pass, err := evalFilter(rule.Filter, evt)
			if err != nil {
				log.Printf("trigger: rule %s filter: %v", rule.Name, err)
				continue
			}
			if !pass {
				continue
			}
		}
		eng.spawn(rule, e, evt)
	}
}

func (eng *Engine) spawn(rule Rule, e *entity.Entity, evt channel.Event) {
	t, err := eng.w.Create(schema.Trigger, map[string]any{
		"config": map[string]any{"rule": rule.Name},
		"input": map[string]any{
			"entityId": string(e.ID()),
			"eventId":  string(evt.ID),
			"event":    eventDoc(evt),
		},
	})
	if err != nil {
		log.Printf("trigger: spawn rule %s for entity %s: %v", rule.Name, e.ID(), err)
		return
	}
	eng.mu.Lock()
	eng.spawned[t.ID()] = t
	eng.mu.Unlock()
}

// eventDoc converts a channel event into a plain serializable document for
// trigger input.
func eventDoc(evt channel.Event) map[string]any {
	raw, err := json.Marshal(evt)
	if err != nil {
		return map[string]any{"id": string(evt.ID), "type": evt.Type}
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return map[string]any{"id": string(evt.ID), "type": evt.Type}
	}
	return doc
}

// evalFilter runs a Lua boolean expression with the event bound as a global
// table named "event".
func evalFilter(expr string, evt channel.Event) (bool, error) {
	l := lua.NewState()
	lua.OpenLibraries(l)

	l.NewTable()
	setField(l, "id", string(evt.ID))
	setField(l, "type", evt.Type)
	setField(l, "senderId", string(evt.SenderID))
	setField(l, "recipientId", string(evt.RecipientID))
	setField(l, "responderId", string(evt.ResponderID))
	setField(l, "channelId", string(evt.ChannelID))
	setField(l, "level", evt.Level)
	setField(l, "content", evt.Content)
	l.SetGlobal("event")

	if err := lua.LoadString(l, "return ("+expr+")"); err != nil {
		return false, err
	}
	if err := l.ProtectedCall(0, 1, 0); err != nil {
		return false, err
	}
	pass := l.ToBoolean(-1)
	l.Pop(1)
	return pass, nil
}

func setField(l *lua.State, name, value string) {
	l.PushString(value)
	l.SetField(-2, name)
}
