package trigger

import (
	"context"
	"fmt"

	"github.com/open-game-collective/OGS/internal/channel"
	"github.com/open-game-collective/OGS/internal/entity"
	"github.com/open-game-collective/OGS/internal/machine"
	"github.com/open-game-collective/OGS/internal/world"
)

// Machine builds the ephemeral workflow machine behind a trigger entity: run
// the rule's workflow once, then terminate.
func Machine(w *world.World, e *entity.Entity) *machine.Def {
	return &machine.Def{
		ID: "trigger-" + string(e.ID()),
		Regions: []machine.Region{
			{
				ID:      "Status",
				Initial: "Running",
				States: map[machine.StatePath]machine.State{
					"Running": {
						Invoke: &machine.Service{
							ID: "workflow",
							Src: func(ctx context.Context) (any, error) {
								return nil, runWorkflow(ctx, e)
							},
							OnDone:  "Done",
							OnError: "Failed",
						},
					},
					"Done":   {Terminal: true},
					"Failed": {Terminal: true},
				},
			},
		},
	}
}

// runWorkflow executes the dispatched rule's workflow. The journaled LOG
// entry is the observable outcome shared by all workflows; rule-specific
// effects hang off the input event's source entity.
func runWorkflow(ctx context.Context, e *entity.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	config, _ := e.Get("config")
	input, _ := e.Get("input")
	rule := ""
	if doc, ok := config.(map[string]any); ok {
		rule, _ = doc["rule"].(string)
	}
	sourceEntity := ""
	if doc, ok := input.(map[string]any); ok {
		sourceEntity, _ = doc["entityId"].(string)
	}
	if rule == "" {
		return fmt.Errorf("trigger %s has no rule in config", e.ID())
	}
	e.Channel().Publish(channel.Event{
		Type:    channel.TypeLog,
		Level:   "info",
		Content: fmt.Sprintf("rule %s fired for entity %s", rule, sourceEntity),
	})
	return nil
}
