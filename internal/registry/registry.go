// Package registry binds each entity schema to its machine factory. The
// switch is exhaustive over the closed schema set, mirroring schema.Resolve:
// adding a kind without deciding its machine is a compile-visible gap.
package registry

import (
	"github.com/open-game-collective/OGS/internal/connections"
	"github.com/open-game-collective/OGS/internal/entity"
	"github.com/open-game-collective/OGS/internal/games/strikers"
	"github.com/open-game-collective/OGS/internal/machine"
	"github.com/open-game-collective/OGS/internal/platform/errors"
	"github.com/open-game-collective/OGS/internal/rooms"
	"github.com/open-game-collective/OGS/internal/schema"
	"github.com/open-game-collective/OGS/internal/trigger"
	"github.com/open-game-collective/OGS/internal/world"
)

// Resolver returns the machine resolver for authoritative worlds.
func Resolver() world.Resolver {
	return func(w *world.World, e *entity.Entity) (*machine.Def, error) {
		switch e.Kind() {
		case schema.Connection:
			return connections.Machine(w, e), nil
		case schema.Session:
			// Sessions are passive records; no machine.
			return nil, nil
		case schema.Room:
			return rooms.Machine(w, e), nil
		case schema.Trigger:
			return trigger.Machine(w, e), nil
		case schema.StrikersGame:
			return strikers.GameMachine(w, e), nil
		case schema.StrikersTurn:
			return strikers.TurnMachine(w, e), nil
		default:
			return nil, errors.E(errors.CodeSchemaUnknown, "no machine for schema %q", e.Kind())
		}
	}
}
