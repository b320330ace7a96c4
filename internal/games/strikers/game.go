// Package strikers implements the machines behind the strikers game and its
// turns. A game alternates sides, spawning one turn entity per turn; each
// turn walks the player through a multi-step message protocol (select an
// action, then the action's inputs, then confirm) until its action budget is
// spent.
package strikers

import (
	"context"
	"fmt"

	"github.com/open-game-collective/OGS/internal/entity"
	"github.com/open-game-collective/OGS/internal/id"
	"github.com/open-game-collective/OGS/internal/machine"
	"github.com/open-game-collective/OGS/internal/schema"
	"github.com/open-game-collective/OGS/internal/world"
)

// defaultActionsPerTurn is the action budget when the game config does not
// override it.
const defaultActionsPerTurn = 5

// GameMachine builds the strikers game machine.
func GameMachine(w *world.World, e *entity.Entity) *machine.Def {
	return &machine.Def{
		ID: "strikers-game-" + string(e.ID()),
		Regions: []machine.Region{
			{
				ID:      "Status",
				Initial: "Ready",
				States: map[machine.StatePath]machine.State{
					"Ready": {
						Transitions: []machine.Transition{
							{Event: "START", Target: "Playing/CreatingTurn"},
						},
					},
					"Playing/CreatingTurn": {
						Invoke: &machine.Service{
							ID: "createTurn",
							Src: func(ctx context.Context) (any, error) {
								return createTurn(ctx, w, e)
							},
							OnDone:  "Playing/InProgress",
							OnError: "Complete",
							DoneAction: func(evt machine.Event) {
								turnID, _ := evt.Data["data"].(string)
								if turnID == "" {
									return
								}
								_ = e.Set("turnIds", append(anyList(e, "turnIds"), turnID))
							},
						},
					},
					"Playing/InProgress": {
						Transitions: []machine.Transition{
							{Event: "TURN_COMPLETE", Target: "Playing/CreatingTurn"},
						},
					},
					"Complete": {Terminal: true},
				},
				Group: map[string][]machine.Transition{
					"Playing": {
						{Event: "GAME_OVER", Target: "Complete"},
					},
				},
			},
		},
	}
}

// createTurn spawns the next turn entity, alternating sides by turn count.
func createTurn(ctx context.Context, w *world.World, e *entity.Entity) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	side := "A"
	if len(anyList(e, "turnIds"))%2 == 1 {
		side = "B"
	}
	turn, err := w.Create(schema.StrikersTurn, map[string]any{
		"gameEntityId":         string(e.ID()),
		"side":                 side,
		"totalActionCount":     actionsPerTurn(e),
		"completedActionCount": 0,
		"actionMessageIds":     []any{},
	})
	if err != nil {
		return "", fmt.Errorf("create turn for game %s: %w", e.ID(), err)
	}
	return string(turn.ID()), nil
}

func actionsPerTurn(e *entity.Entity) int {
	config, _ := e.Get("config")
	doc, ok := config.(map[string]any)
	if !ok {
		return defaultActionsPerTurn
	}
	switch v := doc["actionsPerTurn"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return defaultActionsPerTurn
	}
}

// sideUserID resolves the user controlling a side from the game config.
func sideUserID(w *world.World, gameEntityID, side string) string {
	game, ok := w.Get(id.ID(gameEntityID))
	if !ok {
		return ""
	}
	config, _ := game.Get("config")
	doc, ok := config.(map[string]any)
	if !ok {
		return ""
	}
	if side == "A" {
		v, _ := doc["sideAUserId"].(string)
		return v
	}
	v, _ := doc["sideBUserId"].(string)
	return v
}

// sideCardIDs resolves a side's card list from the game state.
func sideCardIDs(w *world.World, gameEntityID, side string) []string {
	return gameStateList(w, gameEntityID, "side"+side+"CardIds")
}

// tilePositions resolves the target grid from the game state.
func tilePositions(w *world.World, gameEntityID string) []string {
	return gameStateList(w, gameEntityID, "tilePositions")
}

func gameStateList(w *world.World, gameEntityID, field string) []string {
	game, ok := w.Get(id.ID(gameEntityID))
	if !ok {
		return nil
	}
	state, _ := game.Get("gameState")
	doc, ok := state.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := doc[field].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// anyList reads a list property in the []any form JSON decoding produces.
func anyList(e *entity.Entity, field string) []any {
	raw, ok := e.Get(field)
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	return append([]any(nil), list...)
}
