// Package machine implements the hierarchical/parallel state machine
// interpreter attached to every entity.
//
// A definition is a set of parallel regions. Each region is a flat transition
// table whose state names are slash-separated paths; nesting is expressed in
// the path, with exit hooks and bubbled transitions keyed by path prefix.
// Guards are pure predicates over the incoming event; context lives in the
// closures a definition's factory captures. Parallel regions advance
// independently and the machine is done when every region sits on a terminal
// state.
//
// Invoked services are asynchronous: each runs on its own goroutine under a
// context that is cancelled the moment the invoking state is exited, and its
// completion re-enters the interpreter through the run loop it was created
// with. A parked service therefore resumes exactly once, on the transition
// that satisfies it, and switching away from the invoking state cancels it.
package machine

import (
	"context"
	"log"
	"strings"
)

// Event is a machine input: a command forwarded by the owning entity, or an
// internal service-completion event.
type Event struct {
	Type string
	Data map[string]any
}

// String returns a string payload field, or "".
func (e Event) String(name string) string {
	v, _ := e.Data[name].(string)
	return v
}

// Int returns an integer payload field, accepting the float64 form JSON
// decoding produces. The second result reports presence.
func (e Event) Int(name string) (int, bool) {
	switch v := e.Data[name].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// StatePath names a state inside one region. Nested states are
// slash-separated, e.g. "Actions/InputtingAction/Moving/InputtingPlayer".
type StatePath string

// Transition moves a region to Target when Event arrives and Guard (if any)
// passes. An empty Target is an internal transition: the action runs and the
// region stays put.
type Transition struct {
	Event  string
	Guard  func(Event) bool
	Target StatePath
	Action func(Event)
}

// Service is an asynchronous invocation attached to a state. Src runs on its
// own goroutine; ctx is cancelled when the invoking state is exited. On
// resolution the region moves to OnDone (after DoneAction, which receives the
// result under Data["data"]); on failure it moves to OnError with the error
// message under Data["error"].
type Service struct {
	ID         string
	Src        func(ctx context.Context) (any, error)
	OnDone     StatePath
	OnError    StatePath
	DoneAction func(Event)
}

// State is one row of a region's transition table.
type State struct {
	Invoke      *Service
	Transitions []Transition
	// Always holds eventless transitions evaluated on entry; the first one
	// whose guard passes fires immediately.
	Always   []Transition
	Terminal bool
}

// Region is an independent state variable of a parallel machine.
type Region struct {
	ID      string
	Initial StatePath
	States  map[StatePath]State
	// Group transitions apply while the region's current path sits under the
	// keyed prefix, after the leaf state's own transitions. They express
	// event handling declared on a compound state.
	Group map[string][]Transition
	// Exits run when the region leaves the keyed prefix, innermost first.
	Exits map[string]func()
}

// Def is a complete machine definition.
type Def struct {
	ID      string
	Regions []Region
}

// ServiceSnapshot mirrors an in-flight invocation onto the owning entity.
type ServiceSnapshot struct {
	Status string `json:"status"`
}

type invocation struct {
	service *Service
	region  string
	state   StatePath
	cancel  context.CancelFunc
}

// Interpreter drives one entity's machine. All methods except the goroutines
// spawned for services must run on the owning world's loop; asynchronous
// completions re-enter through the post function.
type Interpreter struct {
	def  *Def
	post func(func())

	current     map[string]StatePath
	invocations map[string]*invocation

	onTransition func(states map[string]any)
	onService    func(serviceID string, snap *ServiceSnapshot)

	started bool
	stopped bool
}

// NewInterpreter creates an interpreter for a definition. post schedules a
// function onto the owning world's loop.
func NewInterpreter(def *Def, post func(func())) *Interpreter {
	return &Interpreter{
		def:         def,
		post:        post,
		current:     make(map[string]StatePath),
		invocations: make(map[string]*invocation),
	}
}

// OnTransition registers the states-projection callback, fired after every
// settled dispatch with the machine's current value.
func (i *Interpreter) OnTransition(fn func(states map[string]any)) { i.onTransition = fn }

// OnService registers the service mirror callback. A nil snapshot clears the
// mirrored property.
func (i *Interpreter) OnService(fn func(serviceID string, snap *ServiceSnapshot)) { i.onService = fn }

// Start schedules machine startup on the next loop tick, so the caller that
// constructed the entity is never re-entered by machine side effects.
func (i *Interpreter) Start() {
	i.post(func() {
		if i.started || i.stopped {
			return
		}
		i.started = true
		for r := range i.def.Regions {
			region := &i.def.Regions[r]
			i.current[region.ID] = region.Initial
			i.enter(region, Event{})
		}
		i.notify()
	})
}

// Send dispatches an event. At most one transition fires per region: the
// current leaf state's transitions are tried first, then group transitions
// from the innermost enclosing prefix outward.
func (i *Interpreter) Send(evt Event) {
	if !i.started || i.stopped {
		return
	}
	for r := range i.def.Regions {
		region := &i.def.Regions[r]
		i.dispatch(region, evt)
	}
	i.notify()
}

// Stop cancels all running services and halts the machine.
func (i *Interpreter) Stop() {
	i.stopped = true
	for id, inv := range i.invocations {
		inv.cancel()
		delete(i.invocations, id)
		if i.onService != nil {
			i.onService(id, nil)
		}
	}
}

// Done reports whether every region reached a terminal state.
func (i *Interpreter) Done() bool {
	if !i.started {
		return false
	}
	for r := range i.def.Regions {
		region := &i.def.Regions[r]
		if !region.States[i.current[region.ID]].Terminal {
			return false
		}
	}
	return true
}

// StateValue returns the nested states projection across all regions.
func (i *Interpreter) StateValue() map[string]any {
	states := make(map[string]any, len(i.def.Regions))
	for r := range i.def.Regions {
		region := &i.def.Regions[r]
		states[region.ID] = nestedValue(i.current[region.ID])
	}
	return states
}

func (i *Interpreter) dispatch(region *Region, evt Event) {
	path := i.current[region.ID]
	state := region.States[path]
	for _, t := range state.Transitions {
		if t.Event != evt.Type {
			continue
		}
		if t.Guard != nil && !t.Guard(evt) {
			continue
		}
		i.perform(region, t, evt)
		return
	}
	// Bubble to enclosing prefixes, innermost first.
	for _, prefix := range prefixes(path) {
		for _, t := range region.Group[prefix] {
			if t.Event != evt.Type {
				continue
			}
			if t.Guard != nil && !t.Guard(evt) {
				continue
			}
			i.perform(region, t, evt)
			return
		}
	}
}

func (i *Interpreter) perform(region *Region, t Transition, evt Event) {
	if t.Target == "" {
		if t.Action != nil {
			t.Action(evt)
		}
		return
	}

	old := i.current[region.ID]
	i.exit(region, old, t.Target)
	if t.Action != nil {
		t.Action(evt)
	}
	i.current[region.ID] = t.Target
	i.enter(region, evt)
}

// exit runs exit hooks for every prefix of old that does not enclose next,
// innermost first, and cancels services invoked at states being left.
func (i *Interpreter) exit(region *Region, old, next StatePath) {
	for id, inv := range i.invocations {
		if inv.region != region.ID || !leaving(inv.state, next) {
			continue
		}
		inv.cancel()
		delete(i.invocations, id)
		if i.onService != nil {
			i.onService(id, nil)
		}
	}
	for _, prefix := range append([]string{string(old)}, prefixes(old)...) {
		if !leaving(StatePath(prefix), next) {
			continue
		}
		if hook, ok := region.Exits[prefix]; ok {
			hook()
		}
	}
}

// leaving reports whether moving to next exits the given state or prefix.
func leaving(prefix StatePath, next StatePath) bool {
	if prefix == next {
		return true
	}
	return !strings.HasPrefix(string(next)+"/", string(prefix)+"/")
}

func (i *Interpreter) enter(region *Region, evt Event) {
	path := i.current[region.ID]
	state, ok := region.States[path]
	if !ok {
		log.Printf("machine %s: region %s entered undeclared state %q", i.def.ID, region.ID, path)
		return
	}
	if state.Invoke != nil {
		i.invoke(region, path, state.Invoke)
	}
	for _, t := range state.Always {
		if t.Guard != nil && !t.Guard(evt) {
			continue
		}
		i.perform(region, t, evt)
		return
	}
}

func (i *Interpreter) invoke(region *Region, path StatePath, svc *Service) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := &invocation{service: svc, region: region.ID, state: path, cancel: cancel}
	i.invocations[svc.ID] = inv
	if i.onService != nil {
		i.onService(svc.ID, &ServiceSnapshot{Status: "running"})
	}

	go func() {
		result, err := svc.Src(ctx)
		i.post(func() {
			if i.stopped || i.invocations[svc.ID] != inv {
				return
			}
			delete(i.invocations, svc.ID)
			if i.onService != nil {
				i.onService(svc.ID, nil)
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if svc.OnError == "" {
					log.Printf("machine %s: service %s failed: %v", i.def.ID, svc.ID, err)
					return
				}
				evt := Event{Type: "error.invoke." + svc.ID, Data: map[string]any{"error": err.Error()}}
				i.perform(region, Transition{Target: svc.OnError}, evt)
				i.notify()
				return
			}
			evt := Event{Type: "done.invoke." + svc.ID, Data: map[string]any{"data": result}}
			if svc.OnDone == "" {
				// Parked service: the state awaits an external event, but the
				// result still lands.
				if svc.DoneAction != nil {
					svc.DoneAction(evt)
					i.notify()
				}
				return
			}
			i.perform(region, Transition{Target: svc.OnDone, Action: svc.DoneAction}, evt)
			i.notify()
		})
	}()
}

func (i *Interpreter) notify() {
	if i.onTransition == nil || i.stopped {
		return
	}
	i.onTransition(i.StateValue())
}

// prefixes returns the proper path prefixes of a state path, innermost
// first: "A/B/C" yields "A/B" then "A".
func prefixes(path StatePath) []string {
	segments := strings.Split(string(path), "/")
	out := make([]string, 0, len(segments)-1)
	for n := len(segments) - 1; n >= 1; n-- {
		out = append(out, strings.Join(segments[:n], "/"))
	}
	return out
}

// nestedValue converts a slash path into the nested states projection value:
// "A/B/C" becomes {"A": {"B": "C"}} and a bare "A" stays a string.
func nestedValue(path StatePath) any {
	segments := strings.Split(string(path), "/")
	value := any(segments[len(segments)-1])
	for n := len(segments) - 2; n >= 0; n-- {
		value = map[string]any{segments[n]: value}
	}
	return value
}
