// Package rooms defines the machine behind room entities: a lobby that
// players join and connect to, escalating into a running game. The Scene and
// Active regions advance in parallel — a room can lose its last connected
// user while a game is loading.
package rooms

import (
	"context"
	"fmt"
	"time"

	"github.com/open-game-collective/OGS/internal/blocks"
	"github.com/open-game-collective/OGS/internal/channel"
	"github.com/open-game-collective/OGS/internal/entity"
	"github.com/open-game-collective/OGS/internal/machine"
	"github.com/open-game-collective/OGS/internal/schema"
	"github.com/open-game-collective/OGS/internal/world"
)

// Machine builds the room entity machine.
func Machine(w *world.World, e *entity.Entity) *machine.Def {
	return &machine.Def{
		ID: "room-" + string(e.ID()),
		Regions: []machine.Region{
			sceneRegion(w, e),
			activeRegion(e),
		},
	}
}

func sceneRegion(w *world.World, e *entity.Entity) machine.Region {
	return machine.Region{
		ID:      "Scene",
		Initial: "Lobby",
		States: map[machine.StatePath]machine.State{
			"Lobby": {
				Transitions: []machine.Transition{
					{Event: "START", Guard: func(evt machine.Event) bool {
						host, _ := e.Get("hostUserId")
						sender := evt.String("senderId")
						return sender == "" || sender == host
					}, Target: "Loading"},
				},
			},
			"Loading": {
				Invoke: &machine.Service{
					ID: "startGame",
					Src: func(ctx context.Context) (any, error) {
						return startGame(ctx, w, e)
					},
					OnDone:  "Game",
					OnError: "Lobby",
					DoneAction: func(evt machine.Event) {
						gameID, _ := evt.Data["data"].(string)
						if gameID == "" {
							return
						}
						_ = e.Set("gameId", gameID)
						_ = e.Set("currentGameInstanceId", gameID)
						e.Channel().Publish(channel.Event{
							Type:     channel.TypeMessage,
							Contents: []blocks.Block{blocks.StartGame(gameID, timestamp())},
						})
					},
				},
			},
			"Game": {},
		},
	}
}

func activeRegion(e *entity.Entity) machine.Region {
	membership := []machine.Transition{
		{Event: "JOIN", Action: func(evt machine.Event) {
			userID := evt.String("userId")
			if userID == "" || !appendUnique(e, "memberUserIds", userID) {
				return
			}
			e.Channel().Publish(channel.Event{
				Type:     channel.TypeMessage,
				Contents: []blocks.Block{blocks.UserJoined(userID, timestamp())},
			})
		}},
		{Event: "LEAVE", Action: func(evt machine.Event) {
			removeValue(e, "memberUserIds", evt.String("userId"))
		}},
	}

	connect := func(evt machine.Event) {
		userID := evt.String("userId")
		if userID == "" || !appendUnique(e, "connectedUserIds", userID) {
			return
		}
		e.Channel().Publish(channel.Event{
			Type:     channel.TypeMessage,
			Contents: []blocks.Block{blocks.UserConnected(userID, timestamp())},
		})
	}
	disconnect := func(evt machine.Event) {
		userID := evt.String("userId")
		if userID == "" || !removeValue(e, "connectedUserIds", userID) {
			return
		}
		e.Channel().Publish(channel.Event{
			Type:     channel.TypeMessage,
			Contents: []blocks.Block{blocks.UserDisconnected(userID, timestamp())},
		})
	}
	// lastUser passes only when the disconnecting user is actually connected
	// and is the only one left; a DISCONNECT for an unknown user must not
	// deactivate the room.
	lastUser := func(evt machine.Event) bool {
		connected := stringList(e, "connectedUserIds")
		userID := evt.String("userId")
		found := false
		for _, item := range connected {
			if item == userID {
				found = true
				break
			}
		}
		return found && len(connected) <= 1
	}

	return machine.Region{
		ID:      "Active",
		Initial: "No",
		States: map[machine.StatePath]machine.State{
			"No": {
				Transitions: append([]machine.Transition{
					{Event: "CONNECT", Target: "Yes", Action: connect},
				}, membership...),
			},
			"Yes": {
				Transitions: append([]machine.Transition{
					{Event: "CONNECT", Action: connect},
					{Event: "DISCONNECT", Guard: lastUser, Target: "No", Action: disconnect},
					{Event: "DISCONNECT", Action: disconnect},
				}, membership...),
			},
		},
	}
}

// startGame creates the game entity for this room's members.
func startGame(ctx context.Context, w *world.World, e *entity.Entity) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	members := stringList(e, "memberUserIds")
	if len(members) < 2 {
		return "", fmt.Errorf("room %s needs at least 2 members to start", e.ID())
	}
	game, err := w.Create(schema.StrikersGame, map[string]any{
		"config": map[string]any{
			"roomEntityId": string(e.ID()),
			"sideAUserId":  members[0],
			"sideBUserId":  members[1],
		},
		"gameState": map[string]any{
			"sideACardIds":  defaultCardIDs("a"),
			"sideBCardIds":  defaultCardIDs("b"),
			"tilePositions": defaultTilePositions(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create game for room %s: %w", e.ID(), err)
	}
	return string(game.ID()), nil
}

func defaultCardIDs(side string) []any {
	out := make([]any, 0, 11)
	for n := 1; n <= 11; n++ {
		out = append(out, fmt.Sprintf("card-%s-%d", side, n))
	}
	return out
}

func defaultTilePositions() []any {
	out := make([]any, 0, 36)
	for col := 'A'; col <= 'F'; col++ {
		for row := 1; row <= 6; row++ {
			out = append(out, fmt.Sprintf("%c%d", col, row))
		}
	}
	return out
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// stringList reads a list-valued property, tolerating both []string and the
// []any form JSON decoding produces.
func stringList(e *entity.Entity, field string) []string {
	raw, ok := e.Get(field)
	if !ok {
		return nil
	}
	switch list := raw.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func appendUnique(e *entity.Entity, field, value string) bool {
	current := stringList(e, field)
	for _, item := range current {
		if item == value {
			return false
		}
	}
	next := make([]any, 0, len(current)+1)
	for _, item := range current {
		next = append(next, item)
	}
	next = append(next, value)
	_ = e.Set(field, next)
	return true
}

func removeValue(e *entity.Entity, field, value string) bool {
	current := stringList(e, field)
	next := make([]any, 0, len(current))
	found := false
	for _, item := range current {
		if item == value {
			found = true
			continue
		}
		next = append(next, item)
	}
	if !found {
		return false
	}
	_ = e.Set(field, next)
	return true
}
