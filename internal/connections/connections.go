// Package connections defines the machine behind connection entities: one
// per authenticated socket session, tracking navigation and liveness.
package connections

import (
	"github.com/open-game-collective/OGS/internal/entity"
	"github.com/open-game-collective/OGS/internal/machine"
	"github.com/open-game-collective/OGS/internal/world"
)

// Machine builds the connection entity machine.
func Machine(w *world.World, e *entity.Entity) *machine.Def {
	return &machine.Def{
		ID: "connection-" + string(e.ID()),
		Regions: []machine.Region{
			{
				ID:      "Status",
				Initial: "Connected",
				States: map[machine.StatePath]machine.State{
					"Connected": {
						Transitions: []machine.Transition{
							{Event: "NAVIGATE", Action: func(evt machine.Event) {
								if url := evt.String("url"); url != "" {
									_ = e.Set("currentUrl", url)
								}
							}},
							{Event: "DISCONNECT", Target: "Disconnected"},
						},
					},
					"Disconnected": {
						Terminal: true,
					},
				},
			},
		},
	}
}
