// Package channel implements the per-entity ordered, replayable event bus.
//
// Every entity owns one channel. Events are delivered to subscribers in
// emission order; the last few events are buffered so a subscriber attaching
// late still receives them (a bounded instant-replay window, not history).
// Publishing a second event with an id the channel has already seen merges it
// onto the existing event instead of emitting an independent duplicate — the
// multi-step message-building protocol edits message contents in place this
// way.
package channel

import (
	"sync"

	"github.com/open-game-collective/OGS/internal/blocks"
	"github.com/open-game-collective/OGS/internal/id"
)

// Event types.
const (
	TypeMessage = "MESSAGE"
	TypeLog     = "LOG"
	TypeDebug   = "DEBUG"
)

// ReplayWindow is the number of recent events replayed to late subscribers.
const ReplayWindow = 5

// Event is one channel occurrence. Its id is shared with the logical message
// it represents, which is what makes publishes idempotent upserts.
type Event struct {
	ID          id.ID          `json:"id"`
	Type        string         `json:"type"`
	SenderID    id.ID          `json:"senderId,omitempty"`
	RecipientID id.ID          `json:"recipientId,omitempty"`
	ResponderID id.ID          `json:"responderId,omitempty"`
	ChannelID   id.ID          `json:"channelId"`
	Contents    []blocks.Block `json:"contents,omitempty"`

	// LOG and DEBUG payloads.
	Level   string `json:"level,omitempty"`
	Content string `json:"content,omitempty"`
}

// Channel is an ordered, replay-buffered event bus owned by one entity.
type Channel struct {
	owner id.ID
	gen   *id.Generator

	mu      sync.Mutex
	buffer  []Event
	byID    map[id.ID]Event
	subs    map[int]func(Event)
	nextSub int
	closed  bool
}

// New creates a channel for the owning entity. The generator assigns ids to
// events published without one.
func New(owner id.ID, gen *id.Generator) *Channel {
	return &Channel{
		owner: owner,
		gen:   gen,
		byID:  make(map[id.ID]Event),
		subs:  make(map[int]func(Event)),
	}
}

// Owner returns the owning entity id.
func (c *Channel) Owner() id.ID { return c.owner }

// Publish emits an event to all subscribers, in order. A missing id is
// assigned; a missing sender defaults to the owning entity. When the id was
// already published the existing event is edited in place and re-emitted
// rather than duplicated: new contents replace the old, and a publish
// carrying no contents keeps the accumulated blocks. The canonical event is
// returned.
func (c *Channel) Publish(evt Event) Event {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return evt
	}

	if evt.ID == "" {
		evt.ID = c.gen.Next()
	}
	if evt.SenderID == "" {
		evt.SenderID = c.owner
	}
	evt.ChannelID = c.owner

	if existing, ok := c.byID[evt.ID]; ok {
		merged := existing
		if evt.Contents != nil {
			merged.Contents = evt.Contents
		}
		evt = merged
	}

	c.byID[evt.ID] = evt
	c.buffer = append(c.buffer, evt)
	if len(c.buffer) > ReplayWindow {
		c.buffer = c.buffer[len(c.buffer)-ReplayWindow:]
	}

	subs := make([]func(Event), 0, len(c.subs))
	for i := 0; i < c.nextSub; i++ {
		if fn, ok := c.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(evt)
	}
	return evt
}

// Subscribe registers a callback and replays the buffered window to it
// first. The returned function unsubscribes.
func (c *Channel) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	key := c.nextSub
	c.nextSub++
	c.subs[key] = fn
	replay := make([]Event, len(c.buffer))
	copy(replay, c.buffer)
	c.mu.Unlock()

	for _, evt := range replay {
		fn(evt)
	}

	return func() {
		c.mu.Lock()
		delete(c.subs, key)
		c.mu.Unlock()
	}
}

// EventByID returns the last known full event for an id. Used to append
// additional content blocks onto a previously sent message.
func (c *Channel) EventByID(eventID id.ID) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	evt, ok := c.byID[eventID]
	return evt, ok
}

// Close drops all subscribers; further publishes are discarded.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subs = make(map[int]func(Event))
}
