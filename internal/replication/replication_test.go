package replication

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/open-game-collective/OGS/internal/entity"
	"github.com/open-game-collective/OGS/internal/id"
	"github.com/open-game-collective/OGS/internal/patch"
	"github.com/open-game-collective/OGS/internal/platform/errors"
	"github.com/open-game-collective/OGS/internal/schema"
	"github.com/open-game-collective/OGS/internal/world"
)

func newTestWorld(t *testing.T, node int64) *world.World {
	t.Helper()
	gen, err := id.NewGenerator(node)
	if err != nil {
		t.Fatalf("create generator: %v", err)
	}
	w := world.New(gen, nil)
	t.Cleanup(w.Shutdown)
	return w
}

func createRoom(t *testing.T, w *world.World) *entity.Entity {
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

func addedMessage(e *entity.Entity) Message {
	return Message{
		Type:     TypeAdded,
		EntityID: e.ID(),
		Schema:   e.Kind(),
		Snapshot: e.Snapshot(),
	}
}

// Server publisher piped straight into a client reconciler: the client world
// must converge onto the server world through create, mutate and remove.
func TestStreamConvergesClientWorld(t *testing.T) {
	server := newTestWorld(t, 1)
	client := newTestWorld(t, 2)
	rec := NewReconciler(client, func(id.ID, entity.Command) error { return nil })

	room := createRoom(t, server)

	pub := NewPublisher(server, func(msg Message) error { return rec.Apply(msg) }, nil)
	pub.Run()
	defer pub.Close()

	mirror, ok := client.Get(room.ID())
	if !ok {
		t.Fatal("expected initial snapshot to create client entity")
	}
	if slug, _ := mirror.Get("slug"); slug != "lobby" {
		t.Fatalf("expected client slug lobby, got %v", slug)
	}

	if err := room.Set("slug", "arena"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if slug, _ := mirror.Get("slug"); slug != "arena" {
		t.Fatalf("expected replicated slug arena, got %v", slug)
	}

	if err := server.Remove(room.ID()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := client.Get(room.ID()); ok {
		t.Fatal("expected client entity removed")
	}
}

func TestPublisherFiltersInvisibleEntities(t *testing.T) {
	server := newTestWorld(t, 1)
	room := createRoom(t, server)
	sess, err := server.Create(schema.Session, map[string]any{"userId": "user-1"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	var streamed []id.ID
	pub := NewPublisher(server, func(msg Message) error {
		streamed = append(streamed, msg.EntityID)
		return nil
	}, func(e *entity.Entity) bool { return e.Kind() == schema.Room })
	pub.Run()
	defer pub.Close()

	if len(streamed) != 1 || streamed[0] != room.ID() {
		t.Fatalf("expected only room %s streamed, got %v", room.ID(), streamed)
	}

	// Mutations on filtered entities must not leak either.
	if err := sess.Set("connectionIds", []any{"c1"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(streamed) != 1 {
		t.Fatalf("expected no stream traffic for invisible entity, got %d messages", len(streamed))
	}
}

// A mutation racing with the initial snapshot must never put a CHANGED on
// the stream ahead of the entity's ADDED.
func TestSnapshotRaceKeepsAddedFirst(t *testing.T) {
	server := newTestWorld(t, 1)
	room := createRoom(t, server)

	stop := make(chan struct{})
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		for n := 0; ; n++ {
			select {
			case <-stop:
				return
			default:
			}
			_ = room.Set("slug", fmt.Sprintf("arena-%d", n))
		}
	}()

	for round := 0; round < 100; round++ {
		var mu sync.Mutex
		first := make(map[id.ID]string)
		pub := NewPublisher(server, func(msg Message) error {
			mu.Lock()
			if _, ok := first[msg.EntityID]; !ok {
				first[msg.EntityID] = msg.Type
			}
			mu.Unlock()
			return nil
		}, nil)
		pub.Run()
		pub.Close()

		mu.Lock()
		opener := first[room.ID()]
		mu.Unlock()
		if opener != TypeAdded {
			t.Fatalf("round %d: expected stream to open with ADDED, got %s", round, opener)
		}
	}
	close(stop)
	writer.Wait()
}

func TestDuplicateAddedIsNoOp(t *testing.T) {
	server := newTestWorld(t, 1)
	client := newTestWorld(t, 2)
	rec := NewReconciler(client, func(id.ID, entity.Command) error { return nil })

	room := createRoom(t, server)
	msg := addedMessage(room)

	if err := rec.Apply(msg); err != nil {
		t.Fatalf("first ADDED: %v", err)
	}
	if err := rec.Apply(msg); err != nil {
		t.Fatalf("expected duplicate ADDED to be tolerated, got %v", err)
	}
	if len(client.Entities()) != 1 {
		t.Fatalf("expected 1 client entity, got %d", len(client.Entities()))
	}
}

func TestDuplicateChangedNotifiesOnce(t *testing.T) {
	server := newTestWorld(t, 1)
	client := newTestWorld(t, 2)
	rec := NewReconciler(client, func(id.ID, entity.Command) error { return nil })

	room := createRoom(t, server)
	if err := rec.Apply(addedMessage(room)); err != nil {
		t.Fatalf("ADDED: %v", err)
	}

	mirror, _ := client.Get(room.ID())
	changes := 0
	mirror.Subscribe(func(evt entity.Event) {
		if evt.Type == entity.EventChange {
			changes++
		}
	})

	msg := Message{
		Type:     TypeChanged,
		EntityID: room.ID(),
		Patches: []patch.Operation{
			{Op: "replace", Path: "/slug", Value: json.RawMessage(`"arena"`)},
		},
	}
	if err := rec.Apply(msg); err != nil {
		t.Fatalf("first CHANGED: %v", err)
	}
	if err := rec.Apply(msg); err != nil {
		t.Fatalf("expected duplicate CHANGED to be tolerated, got %v", err)
	}

	if changes != 1 {
		t.Fatalf("expected exactly 1 CHANGE notification, got %d", changes)
	}
	if slug, _ := mirror.Get("slug"); slug != "arena" {
		t.Fatalf("expected slug arena, got %v", slug)
	}
}

func TestChangedRoutesTopLevelOpsThroughComponents(t *testing.T) {
	server := newTestWorld(t, 1)
	client := newTestWorld(t, 2)
	rec := NewReconciler(client, func(id.ID, entity.Command) error { return nil })

	room := createRoom(t, server)
	if err := rec.Apply(addedMessage(room)); err != nil {
		t.Fatalf("ADDED: %v", err)
	}

	var components []string
	client.OnChange(func(evt world.Event) {
		switch evt.Kind {
		case world.ComponentAdded, world.ComponentRemoved:
			components = append(components, evt.Kind+":"+evt.Component)
		}
	})

	if err := rec.Apply(Message{
		Type:     TypeChanged,
		EntityID: room.ID(),
		Patches: []patch.Operation{
			{Op: "add", Path: "/gameId", Value: json.RawMessage(`"game-1"`)},
		},
	}); err != nil {
		t.Fatalf("CHANGED add: %v", err)
	}
	if err := rec.Apply(Message{
		Type:     TypeChanged,
		EntityID: room.ID(),
		Patches:  []patch.Operation{{Op: "remove", Path: "/gameId"}},
	}); err != nil {
		t.Fatalf("CHANGED remove: %v", err)
	}

	want := []string{world.ComponentAdded + ":gameId", world.ComponentRemoved + ":gameId"}
	if len(components) != 2 || components[0] != want[0] || components[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, components)
	}
}

func TestUnknownEntityIsConsistencyError(t *testing.T) {
	client := newTestWorld(t, 2)
	rec := NewReconciler(client, func(id.ID, entity.Command) error { return nil })

	err := rec.Apply(Message{Type: TypeRemoved, EntityID: "ghost"})
	if !errors.HasCode(err, errors.CodeEntityMissing) {
		t.Fatalf("expected ENTITY_MISSING for REMOVED, got %v", err)
	}

	err = rec.Apply(Message{
		Type:     TypeChanged,
		EntityID: "ghost",
		Patches: []patch.Operation{
			{Op: "replace", Path: "/slug", Value: json.RawMessage(`"x"`)},
		},
	})
	if !errors.HasCode(err, errors.CodeEntityMissing) {
		t.Fatalf("expected ENTITY_MISSING for CHANGED, got %v", err)
	}
}

func TestProxyCommandsForward(t *testing.T) {
	server := newTestWorld(t, 1)
	client := newTestWorld(t, 2)

	type forwarded struct {
		entityID id.ID
		cmd      entity.Command
	}
	var sent []forwarded
	rec := NewReconciler(client, func(entityID id.ID, cmd entity.Command) error {
		sent = append(sent, forwarded{entityID, cmd})
		return nil
	})

	room := createRoom(t, server)
	if err := rec.Apply(addedMessage(room)); err != nil {
		t.Fatalf("ADDED: %v", err)
	}

	mirror, _ := client.Get(room.ID())
	err := mirror.Send(entity.Command{
		Type:     "JOIN",
		SenderID: "user-2",
		Fields:   map[string]any{"userId": "user-2"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(sent) != 1 || sent[0].entityID != room.ID() || sent[0].cmd.Type != "JOIN" {
		t.Fatalf("expected forwarded JOIN for %s, got %v", room.ID(), sent)
	}
}
