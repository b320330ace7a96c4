// Package entity implements the versioned, schema-typed unit of replicated
// state. All property mutation goes through the explicit Set/Unset API: each
// write snapshots the entity, derives a patch by structural diff, applies the
// write, and notifies subscribers — so every observer sees a complete,
// ordered patch trail. There is no transparent interception; the mutation
// contract is visible in the API.
package entity

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/open-game-collective/OGS/internal/channel"
	"github.com/open-game-collective/OGS/internal/id"
	"github.com/open-game-collective/OGS/internal/machine"
	"github.com/open-game-collective/OGS/internal/patch"
	"github.com/open-game-collective/OGS/internal/platform/errors"
	"github.com/open-game-collective/OGS/internal/schema"
)

// Subscriber event types.
const (
	EventChange       = "CHANGE"
	EventSendTrigger  = "SEND_TRIGGER"
	EventSendComplete = "SEND_COMPLETE"
)

// Event is delivered to entity subscribers.
type Event struct {
	Type    string
	Patches []patch.Operation
	Command *Command
}

// Command is a typed message addressed to exactly one entity. Fields carry
// the type-specific payload; SenderID identifies the origin when known.
type Command struct {
	Type     string
	SenderID id.ID
	Fields   map[string]any
}

// SendFunc forwards a command on behalf of a proxy entity (e.g. over the
// network to the authoritative process).
type SendFunc func(Command) error

// Entity is a live handle to one unit of state.
type Entity struct {
	id   id.ID
	kind schema.Kind
	spec schema.Spec
	ch   *channel.Channel

	interp  *machine.Interpreter
	forward SendFunc

	mu      sync.Mutex
	props   map[string]any
	version int64
	subs    map[int]func(Event)
	nextSub int
}

// New creates an authoritative entity after validating the initial
// properties against the schema's contract.
func New(entityID id.ID, kind schema.Kind, props map[string]any, ch *channel.Channel) (*Entity, error) {
	spec, err := schema.Resolve(kind)
	if err != nil {
		return nil, err
	}
	if err := spec.ValidateProps(props); err != nil {
		return nil, err
	}
	return newEntity(entityID, kind, spec, props, ch), nil
}

// NewProxy creates a client-side replica of a remote entity. Proxies carry
// the same send/subscribe contract but forward commands instead of running a
// machine, and accept snapshots as-is (the server already validated them,
// and they include machine-owned properties such as states and mirrored
// services).
func NewProxy(entityID id.ID, kind schema.Kind, props map[string]any, forward SendFunc) (*Entity, error) {
	spec, err := schema.Resolve(kind)
	if err != nil {
		return nil, err
	}
	e := newEntity(entityID, kind, spec, props, nil)
	e.forward = forward
	return e, nil
}

func newEntity(entityID id.ID, kind schema.Kind, spec schema.Spec, props map[string]any, ch *channel.Channel) *Entity {
	copied := make(map[string]any, len(props))
	for k, v := range props {
		copied[k] = v
	}
	return &Entity{
		id:    entityID,
		kind:  kind,
		spec:  spec,
		ch:    ch,
		props: copied,
		subs:  make(map[int]func(Event)),
	}
}

// ID returns the entity identifier.
func (e *Entity) ID() id.ID { return e.id }

// Kind returns the entity schema tag. It never changes after creation.
func (e *Entity) Kind() schema.Kind { return e.kind }

// Channel returns the entity's own event bus (nil on proxies).
func (e *Entity) Channel() *channel.Channel { return e.ch }

// Version returns the mutation counter, incremented once per non-empty
// patch.
func (e *Entity) Version() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// AttachMachine wires an interpreter to this entity: state transitions are
// projected onto the states property, and spawned services are mirrored as
// named properties keyed by service id.
func (e *Entity) AttachMachine(interp *machine.Interpreter) {
	e.interp = interp
	interp.OnTransition(func(states map[string]any) {
		e.setMirror("states", states)
	})
	interp.OnService(func(serviceID string, snap *machine.ServiceSnapshot) {
		if snap == nil {
			e.unsetMirror(serviceID)
			return
		}
		e.setMirror(serviceID, snap)
	})
}

// Machine returns the attached interpreter (nil on proxies).
func (e *Entity) Machine() *machine.Interpreter { return e.interp }

// Snapshot returns a deep copy of the entity's serializable state: id,
// schema and all properties. Internal handles (channel, machine) are not
// properties and never appear in snapshots.
func (e *Entity) Snapshot() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Entity) snapshotLocked() map[string]any {
	full := make(map[string]any, len(e.props)+2)
	full["id"] = string(e.id)
	full["schema"] = string(e.kind)
	for k, v := range e.props {
		full[k] = v
	}
	raw, err := json.Marshal(full)
	if err != nil {
		panic(fmt.Sprintf("entity %s: snapshot not serializable: %v", e.id, err))
	}
	var copied map[string]any
	if err := json.Unmarshal(raw, &copied); err != nil {
		panic(fmt.Sprintf("entity %s: snapshot round-trip: %v", e.id, err))
	}
	return copied
}

// Get returns a property value.
func (e *Entity) Get(field string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.props[field]
	return v, ok
}

// Set assigns a declared property, emitting a CHANGE event with the derived
// patch when the assignment actually changed anything. Writing an undeclared
// property is a programmer error and fails loudly.
func (e *Entity) Set(field string, value any) error {
	if !e.spec.DeclaresField(field) {
		return errors.E(errors.CodePropertyUndeclared, "schema %s does not declare property %q", e.kind, field)
	}
	return e.change(func(props map[string]any) {
		props[field] = value
	})
}

// Unset removes a declared property, emitting a CHANGE event with the
// derived patch.
func (e *Entity) Unset(field string) error {
	if !e.spec.DeclaresField(field) {
		return errors.E(errors.CodePropertyUndeclared, "schema %s does not declare property %q", e.kind, field)
	}
	return e.change(func(props map[string]any) {
		delete(props, field)
	})
}

// setMirror writes machine-owned projections (states, service snapshots),
// which are declared implicitly rather than by the schema.
func (e *Entity) setMirror(field string, value any) {
	_ = e.change(func(props map[string]any) {
		props[field] = value
	})
}

func (e *Entity) unsetMirror(field string) {
	_ = e.change(func(props map[string]any) {
		delete(props, field)
	})
}

// PutComponent assigns a property without schema checks or change
// notification. It is the world's component API: replicated top-level adds
// land here so derived indices are updated by the world, which notifies once
// per delivered message rather than once per operation.
func (e *Entity) PutComponent(field string, value any) {
	e.mu.Lock()
	e.props[field] = value
	e.mu.Unlock()
}

// DropComponent removes a property without schema checks or change
// notification. Counterpart of PutComponent for top-level removes.
func (e *Entity) DropComponent(field string) {
	e.mu.Lock()
	delete(e.props, field)
	e.mu.Unlock()
}

func (e *Entity) change(mutate func(map[string]any)) error {
	e.mu.Lock()
	before := e.snapshotLocked()
	mutate(e.props)
	after := e.snapshotLocked()
	ops, err := patch.Diff(before, after)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("diff entity %s: %w", e.id, err)
	}
	if len(ops) == 0 {
		e.mu.Unlock()
		return nil
	}
	e.version++
	e.mu.Unlock()

	e.notify(Event{Type: EventChange, Patches: ops})
	return nil
}

// ApplySync bulk-applies patch operations received from the authoritative
// copy. No CHANGE event is emitted; the reconciler notifies once per
// delivered message via NotifyChange. The entity's id and schema are
// immutable and must survive the patch unchanged.
func (e *Entity) ApplySync(ops []patch.Operation) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.snapshotLocked()
	raw, err := json.Marshal(before)
	if err != nil {
		return fmt.Errorf("marshal entity %s: %w", e.id, err)
	}
	patched, err := patch.Apply(raw, ops)
	if err != nil {
		return errors.Wrap(errors.CodePatchUnappliable, err, "apply patches to entity %s", e.id)
	}
	var next map[string]any
	if err := json.Unmarshal(patched, &next); err != nil {
		return errors.Wrap(errors.CodePatchUnappliable, err, "decode patched entity %s", e.id)
	}
	if next["id"] != string(e.id) || next["schema"] != string(e.kind) {
		return errors.E(errors.CodePatchUnappliable, "patch for entity %s mutates id or schema", e.id)
	}
	delete(next, "id")
	delete(next, "schema")
	e.props = next
	e.version++
	return nil
}

// AlreadyApplied reports whether the operations are a no-op against the
// current snapshot, which is how duplicate network delivery is detected.
func (e *Entity) AlreadyApplied(ops []patch.Operation) bool {
	raw, err := json.Marshal(e.Snapshot())
	if err != nil {
		return false
	}
	return patch.AlreadyApplied(raw, ops)
}

// NotifyChange emits a CHANGE event carrying the given patch list. Used by
// the reconciler, which applies patches in bulk but must notify exactly once
// per delivered message.
func (e *Entity) NotifyChange(ops []patch.Operation) {
	e.notify(Event{Type: EventChange, Patches: ops})
}

// Send validates the command against the entity's declared command union and
// forwards it to the attached machine (or over the network, on proxies). A
// SEND_TRIGGER notification precedes the forward and a SEND_COMPLETE follows
// it, regardless of whether the machine changed any property.
func (e *Entity) Send(cmd Command) error {
	if err := e.spec.ValidateCommand(cmd.Type, cmd.Fields); err != nil {
		return err
	}

	e.notify(Event{Type: EventSendTrigger, Command: &cmd})

	var err error
	switch {
	case e.forward != nil:
		err = e.forward(cmd)
	case e.interp != nil:
		e.interp.Send(machineEvent(cmd))
	}

	e.notify(Event{Type: EventSendComplete, Command: &cmd})
	return err
}

func machineEvent(cmd Command) machine.Event {
	data := make(map[string]any, len(cmd.Fields)+1)
	for k, v := range cmd.Fields {
		data[k] = v
	}
	if cmd.SenderID != "" {
		data["senderId"] = string(cmd.SenderID)
	}
	return machine.Event{Type: cmd.Type, Data: data}
}

// Subscribe registers a callback for entity events. The returned function
// unsubscribes.
func (e *Entity) Subscribe(fn func(Event)) func() {
	e.mu.Lock()
	key := e.nextSub
	e.nextSub++
	e.subs[key] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subs, key)
		e.mu.Unlock()
	}
}

func (e *Entity) notify(evt Event) {
	e.mu.Lock()
	subs := make([]func(Event), 0, len(e.subs))
	for i := 0; i < e.nextSub; i++ {
		if fn, ok := e.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	e.mu.Unlock()
	for _, fn := range subs {
		fn(evt)
	}
}

// Stop terminates the attached machine and closes the channel. Called when
// the entity is removed from its world.
func (e *Entity) Stop() {
	if e.interp != nil {
		e.interp.Stop()
	}
	if e.ch != nil {
		e.ch.Close()
	}
}
