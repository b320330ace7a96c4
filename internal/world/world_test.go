package world

import (
	"context"
	"testing"
	"time"

	"github.com/open-game-collective/OGS/internal/entity"
	"github.com/open-game-collective/OGS/internal/id"
	"github.com/open-game-collective/OGS/internal/machine"
	"github.com/open-game-collective/OGS/internal/platform/errors"
	"github.com/open-game-collective/OGS/internal/schema"
)

func newTestWorld(t *testing.T) *World {
	t.Helper()
	gen, err := id.NewGenerator(1)
	if err != nil {
		t.Fatalf("create generator: %v", err)
	}
	w := New(gen, nil)
	t.Cleanup(w.Shutdown)
	return w
}

func createRoom(t *testing.T, w *World) *entity.Entity {
	t.Helper()
	e, err := w.Create(schema.Room, map[string]any{
		"hostUserId": "user-1",
		"slug":       "lobby",
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return e
}

func TestCreateAssignsIDAndChannel(t *testing.T) {
	w := newTestWorld(t)
	e := createRoom(t, w)

	if e.ID() == "" {
		t.Fatal("expected assigned entity id")
	}
	if e.Channel() == nil {
		t.Fatal("expected entity channel")
	}
	if _, ok := w.Get(e.ID()); !ok {
		t.Fatal("expected entity retrievable by id")
	}
	if _, ok := w.Channel(e.ID()); !ok {
		t.Fatal("expected channel retrievable by id")
	}
}

func TestCreateRejectsInvalidProps(t *testing.T) {
	w := newTestWorld(t)
	_, err := w.Create(schema.Room, map[string]any{"slug": "lobby"})
	if !errors.HasCode(err, errors.CodeInvalidProperty) {
		t.Fatalf("expected INVALID_PROPERTY, got %v", err)
	}
}

func TestAddRejectsDuplicateID(t *testing.T) {
	w := newTestWorld(t)
	e := createRoom(t, w)

	dup, err := entity.NewProxy(e.ID(), schema.Room, map[string]any{
		"hostUserId": "user-1",
		"slug":       "copy",
	}, nil)
	if err != nil {
		t.Fatalf("create proxy: %v", err)
	}
	if err := w.Add(dup); !errors.HasCode(err, errors.CodeEntityDuplicate) {
		t.Fatalf("expected ENTITY_DUPLICATE, got %v", err)
	}
}

func TestRemoveUnknownIDFails(t *testing.T) {
	w := newTestWorld(t)
	if err := w.Remove("nope"); !errors.HasCode(err, errors.CodeEntityMissing) {
		t.Fatalf("expected ENTITY_MISSING, got %v", err)
	}
}

func TestMembershipEventsFire(t *testing.T) {
	w := newTestWorld(t)

	var kinds []string
	w.OnChange(func(evt Event) { kinds = append(kinds, evt.Kind) })

	e := createRoom(t, w)
	if err := w.Remove(e.ID()); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if len(kinds) != 2 || kinds[0] != EntityAdded || kinds[1] != EntityRemoved {
		t.Fatalf("expected added then removed, got %v", kinds)
	}
}

// waitingResolver attaches a machine whose only state invokes a service that
// blocks until its context is cancelled.
func waitingResolver(cancelled chan<- struct{}) Resolver {
	return func(w *World, e *entity.Entity) (*machine.Def, error) {
		return &machine.Def{
			ID: "wait-" + string(e.ID()),
			Regions: []machine.Region{{
				ID:      "Status",
				Initial: "Running",
				States: map[machine.StatePath]machine.State{
					"Running": {
						Invoke: &machine.Service{
							ID: "wait",
							Src: func(ctx context.Context) (any, error) {
								<-ctx.Done()
								cancelled <- struct{}{}
								return nil, ctx.Err()
							},
							OnDone: "Running",
						},
					},
				},
			}},
		}, nil
	}
}

func TestRemoveStopsMachineOnLoop(t *testing.T) {
	gen, err := id.NewGenerator(1)
	if err != nil {
		t.Fatalf("create generator: %v", err)
	}
	cancelled := make(chan struct{}, 1)
	w := New(gen, waitingResolver(cancelled))
	t.Cleanup(w.Shutdown)

	e := createRoom(t, w)
	if err := w.Remove(e.ID()); err != nil {
		t.Fatalf("remove: %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("expected service cancelled after remove")
	}
	if _, ok := w.Get(e.ID()); ok {
		t.Fatal("expected entity gone after remove")
	}
}

func TestShutdownStopsMachines(t *testing.T) {
	gen, err := id.NewGenerator(1)
	if err != nil {
		t.Fatalf("create generator: %v", err)
	}
	cancelled := make(chan struct{}, 1)
	w := New(gen, waitingResolver(cancelled))

	createRoom(t, w)
	w.Shutdown()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("expected service cancelled on shutdown")
	}
}

func TestComponentAPISkipsEntityNotification(t *testing.T) {
	w := newTestWorld(t)
	e := createRoom(t, w)

	entityEvents := 0
	e.Subscribe(func(entity.Event) { entityEvents++ })

	var components []string
	w.OnChange(func(evt Event) {
		if evt.Kind == ComponentAdded || evt.Kind == ComponentRemoved {
			components = append(components, evt.Kind+":"+evt.Component)
		}
	})

	if err := w.AddComponent(e.ID(), "gameId", "game-1"); err != nil {
		t.Fatalf("add component: %v", err)
	}
	if err := w.RemoveComponent(e.ID(), "gameId"); err != nil {
		t.Fatalf("remove component: %v", err)
	}

	if entityEvents != 0 {
		t.Fatalf("expected no entity-level notifications, got %d", entityEvents)
	}
	want := []string{ComponentAdded + ":gameId", ComponentRemoved + ":gameId"}
	if len(components) != 2 || components[0] != want[0] || components[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, components)
	}
}

func TestStoreTracksFirstMatch(t *testing.T) {
	w := newTestWorld(t)
	store := w.NewStore(func(e *entity.Entity) bool {
		gameID, ok := e.Get("gameId")
		return ok && gameID != nil
	})
	defer store.Close()

	var flips []*entity.Entity
	store.Subscribe(func(e *entity.Entity) { flips = append(flips, e) })

	if store.Get() != nil {
		t.Fatal("expected empty store initially")
	}

	e := createRoom(t, w)
	if store.Get() != nil {
		t.Fatal("expected room without gameId to not match")
	}

	if err := e.Set("gameId", "game-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if store.Get() != e {
		t.Fatal("expected store to claim matching entity on CHANGE")
	}

	if err := e.Unset("gameId"); err != nil {
		t.Fatalf("unset: %v", err)
	}
	if store.Get() != nil {
		t.Fatal("expected store to clear when predicate flips false")
	}

	if len(flips) != 2 || flips[0] != e || flips[1] != nil {
		t.Fatalf("expected flip to entity then nil, got %d flips", len(flips))
	}
}

func TestStoreFallsBackToAlternate(t *testing.T) {
	w := newTestWorld(t)
	store := w.NewStore(func(e *entity.Entity) bool {
		slug, _ := e.Get("slug")
		return slug == "lobby"
	})
	defer store.Close()

	first := createRoom(t, w)
	second := createRoom(t, w)

	if store.Get() != first {
		t.Fatal("expected store to track first match")
	}

	if err := w.Remove(first.ID()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if store.Get() != second {
		t.Fatal("expected store to fall back to alternate match")
	}
}
