package machine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// loopRunner queues posted work so tests control exactly when the machine
// advances, the way the owning world's loop would.
type loopRunner struct {
	mu    sync.Mutex
	tasks []func()
}

func (r *loopRunner) post(fn func()) {
	r.mu.Lock()
	r.tasks = append(r.tasks, fn)
	r.mu.Unlock()
}

func (r *loopRunner) drain() {
	for {
		r.mu.Lock()
		if len(r.tasks) == 0 {
			r.mu.Unlock()
			return
		}
		task := r.tasks[0]
		r.tasks = r.tasks[1:]
		r.mu.Unlock()
		task()
	}
}

// drainUntil keeps draining until cond holds, waiting out goroutine-posted
// service completions.
func drainUntil(t *testing.T, r *loopRunner, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.drain()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestStartEntersInitialStates(t *testing.T) {
	r := &loopRunner{}
	def := &Def{ID: "m", Regions: []Region{
		{ID: "A", Initial: "One", States: map[StatePath]State{"One": {}}},
		{ID: "B", Initial: "Left/Inner", States: map[StatePath]State{"Left/Inner": {}}},
	}}
	interp := NewInterpreter(def, r.post)

	var states map[string]any
	interp.OnTransition(func(s map[string]any) { states = s })
	interp.Start()
	r.drain()

	if states["A"] != "One" {
		t.Fatalf("expected region A at One, got %v", states["A"])
	}
	nested, ok := states["B"].(map[string]any)
	if !ok || nested["Left"] != "Inner" {
		t.Fatalf("expected region B at Left/Inner, got %v", states["B"])
	}
}

func TestSendFiresGuardedTransition(t *testing.T) {
	r := &loopRunner{}
	var acted string
	def := &Def{ID: "m", Regions: []Region{{
		ID: "A", Initial: "Idle",
		States: map[StatePath]State{
			"Idle": {Transitions: []Transition{
				{Event: "GO", Guard: func(evt Event) bool { return evt.String("who") == "yes" },
					Target: "Busy", Action: func(evt Event) { acted = evt.String("who") }},
			}},
			"Busy": {},
		},
	}}}
	interp := NewInterpreter(def, r.post)
	interp.Start()
	r.drain()

	interp.Send(Event{Type: "GO", Data: map[string]any{"who": "no"}})
	if interp.StateValue()["A"] != "Idle" {
		t.Fatal("expected guard to block transition")
	}

	interp.Send(Event{Type: "GO", Data: map[string]any{"who": "yes"}})
	if interp.StateValue()["A"] != "Busy" {
		t.Fatalf("expected Busy, got %v", interp.StateValue()["A"])
	}
	if acted != "yes" {
		t.Fatalf("expected action to see event payload, got %q", acted)
	}
}

func TestInternalTransitionKeepsState(t *testing.T) {
	r := &loopRunner{}
	count := 0
	def := &Def{ID: "m", Regions: []Region{{
		ID: "A", Initial: "Idle",
		States: map[StatePath]State{
			"Idle": {Transitions: []Transition{
				{Event: "TICK", Action: func(Event) { count++ }},
			}},
		},
	}}}
	interp := NewInterpreter(def, r.post)
	interp.Start()
	r.drain()

	interp.Send(Event{Type: "TICK"})
	interp.Send(Event{Type: "TICK"})

	if count != 2 {
		t.Fatalf("expected 2 internal actions, got %d", count)
	}
	if interp.StateValue()["A"] != "Idle" {
		t.Fatalf("expected state unchanged, got %v", interp.StateValue()["A"])
	}
}

func TestGroupTransitionsBubbleInnermostFirst(t *testing.T) {
	r := &loopRunner{}
	var fired string
	def := &Def{ID: "m", Regions: []Region{{
		ID: "A", Initial: "Top/Mid/Leaf",
		States: map[StatePath]State{
			"Top/Mid/Leaf": {},
			"Done":         {},
		},
		Group: map[string][]Transition{
			"Top":     {{Event: "X", Target: "Done", Action: func(Event) { fired = "outer" }}},
			"Top/Mid": {{Event: "X", Target: "Done", Action: func(Event) { fired = "inner" }}},
		},
	}}}
	interp := NewInterpreter(def, r.post)
	interp.Start()
	r.drain()

	interp.Send(Event{Type: "X"})
	if fired != "inner" {
		t.Fatalf("expected innermost group transition, got %q", fired)
	}
}

func TestExitHooksRunWhenLeavingPrefix(t *testing.T) {
	r := &loopRunner{}
	var exits []string
	def := &Def{ID: "m", Regions: []Region{{
		ID: "A", Initial: "Flow/Step1",
		States: map[StatePath]State{
			"Flow/Step1": {Transitions: []Transition{
				{Event: "NEXT", Target: "Flow/Step2"},
			}},
			"Flow/Step2": {Transitions: []Transition{
				{Event: "STOP", Target: "Idle"},
			}},
			"Idle": {},
		},
		Exits: map[string]func(){
			"Flow":       func() { exits = append(exits, "Flow") },
			"Flow/Step1": func() { exits = append(exits, "Flow/Step1") },
		},
	}}}
	interp := NewInterpreter(def, r.post)
	interp.Start()
	r.drain()

	interp.Send(Event{Type: "NEXT"})
	if len(exits) != 1 || exits[0] != "Flow/Step1" {
		t.Fatalf("expected only leaf exit within the prefix, got %v", exits)
	}

	interp.Send(Event{Type: "STOP"})
	if len(exits) != 2 || exits[1] != "Flow" {
		t.Fatalf("expected Flow exit when leaving prefix, got %v", exits)
	}
}

func TestAlwaysTransitionChainsOnEntry(t *testing.T) {
	r := &loopRunner{}
	remaining := 0
	def := &Def{ID: "m", Regions: []Region{{
		ID: "A", Initial: "Working",
		States: map[StatePath]State{
			"Working": {Transitions: []Transition{
				{Event: "FINISH", Target: "Check"},
			}},
			"Check": {Always: []Transition{
				{Guard: func(Event) bool { return remaining > 0 }, Target: "Working"},
				{Target: "Done"},
			}},
			"Done": {Terminal: true},
		},
	}}}
	interp := NewInterpreter(def, r.post)
	interp.Start()
	r.drain()

	remaining = 1
	interp.Send(Event{Type: "FINISH"})
	if interp.StateValue()["A"] != "Working" {
		t.Fatalf("expected loop back to Working, got %v", interp.StateValue()["A"])
	}

	remaining = 0
	interp.Send(Event{Type: "FINISH"})
	if interp.StateValue()["A"] != "Done" {
		t.Fatalf("expected Done, got %v", interp.StateValue()["A"])
	}
	if !interp.Done() {
		t.Fatal("expected machine done once all regions terminal")
	}
}

func TestParallelRegionsAdvanceIndependently(t *testing.T) {
	r := &loopRunner{}
	def := &Def{ID: "m", Regions: []Region{
		{ID: "A", Initial: "One", States: map[StatePath]State{
			"One": {Transitions: []Transition{{Event: "GO", Target: "Two"}}},
			"Two": {Terminal: true},
		}},
		{ID: "B", Initial: "Idle", States: map[StatePath]State{
			"Idle": {Transitions: []Transition{{Event: "STOP", Target: "End"}}},
			"End":  {Terminal: true},
		}},
	}}
	interp := NewInterpreter(def, r.post)
	interp.Start()
	r.drain()

	interp.Send(Event{Type: "GO"})
	if interp.StateValue()["A"] != "Two" || interp.StateValue()["B"] != "Idle" {
		t.Fatalf("expected only region A to move, got %v", interp.StateValue())
	}
	if interp.Done() {
		t.Fatal("expected not done while region B active")
	}

	interp.Send(Event{Type: "STOP"})
	if !interp.Done() {
		t.Fatal("expected done after both regions terminal")
	}
}

func TestServiceCompletionMovesToOnDone(t *testing.T) {
	r := &loopRunner{}
	var got any
	def := &Def{ID: "m", Regions: []Region{{
		ID: "A", Initial: "Loading",
		States: map[StatePath]State{
			"Loading": {Invoke: &Service{
				ID:      "fetch",
				Src:     func(context.Context) (any, error) { return "result", nil },
				OnDone:  "Ready",
				OnError: "Failed",
				DoneAction: func(evt Event) {
					got = evt.Data["data"]
				},
			}},
			"Ready":  {},
			"Failed": {},
		},
	}}}
	interp := NewInterpreter(def, r.post)

	var mirror []string
	interp.OnService(func(serviceID string, snap *ServiceSnapshot) {
		if snap == nil {
			mirror = append(mirror, serviceID+":cleared")
			return
		}
		mirror = append(mirror, serviceID+":"+snap.Status)
	})
	interp.Start()

	drainUntil(t, r, func() bool { return interp.StateValue()["A"] == "Ready" })

	if got != "result" {
		t.Fatalf("expected done action to receive result, got %v", got)
	}
	if len(mirror) != 2 || mirror[0] != "fetch:running" || mirror[1] != "fetch:cleared" {
		t.Fatalf("expected running then cleared mirror, got %v", mirror)
	}
}

func TestServiceFailureMovesToOnError(t *testing.T) {
	r := &loopRunner{}
	def := &Def{ID: "m", Regions: []Region{{
		ID: "A", Initial: "Loading",
		States: map[StatePath]State{
			"Loading": {Invoke: &Service{
				ID:      "fetch",
				Src:     func(context.Context) (any, error) { return nil, errors.New("boom") },
				OnDone:  "Ready",
				OnError: "Failed",
			}},
			"Ready":  {},
			"Failed": {},
		},
	}}}
	interp := NewInterpreter(def, r.post)
	interp.Start()

	drainUntil(t, r, func() bool { return interp.StateValue()["A"] == "Failed" })
}

func TestServiceCancelledWhenStateExited(t *testing.T) {
	r := &loopRunner{}
	cancelled := make(chan struct{})
	def := &Def{ID: "m", Regions: []Region{{
		ID: "A", Initial: "Waiting",
		States: map[StatePath]State{
			"Waiting": {
				Invoke: &Service{
					ID: "pending",
					Src: func(ctx context.Context) (any, error) {
						<-ctx.Done()
						close(cancelled)
						return nil, ctx.Err()
					},
					OnDone: "Never",
				},
				Transitions: []Transition{{Event: "LEAVE", Target: "Gone"}},
			},
			"Never": {},
			"Gone":  {},
		},
	}}}
	interp := NewInterpreter(def, r.post)
	interp.Start()
	r.drain()

	interp.Send(Event{Type: "LEAVE"})

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("expected service context cancellation on state exit")
	}

	r.drain()
	if interp.StateValue()["A"] != "Gone" {
		t.Fatalf("expected Gone, got %v", interp.StateValue()["A"])
	}
}

func TestParkedServiceRunsDoneAction(t *testing.T) {
	r := &loopRunner{}
	var got any
	def := &Def{ID: "m", Regions: []Region{{
		ID: "A", Initial: "Prompting",
		States: map[StatePath]State{
			"Prompting": {Invoke: &Service{
				ID:         "sendPrompt",
				Src:        func(context.Context) (any, error) { return "msg-1", nil },
				DoneAction: func(evt Event) { got = evt.Data["data"] },
			}},
		},
	}}}
	interp := NewInterpreter(def, r.post)
	interp.Start()

	drainUntil(t, r, func() bool { return got != nil })

	if got != "msg-1" {
		t.Fatalf("expected parked service result, got %v", got)
	}
	if interp.StateValue()["A"] != "Prompting" {
		t.Fatalf("expected state to stay Prompting, got %v", interp.StateValue()["A"])
	}
}
