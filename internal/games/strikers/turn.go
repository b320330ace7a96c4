package strikers

import (
	"context"
	"fmt"

	"github.com/open-game-collective/OGS/internal/blocks"
	"github.com/open-game-collective/OGS/internal/channel"
	"github.com/open-game-collective/OGS/internal/entity"
	"github.com/open-game-collective/OGS/internal/id"
	"github.com/open-game-collective/OGS/internal/machine"
	"github.com/open-game-collective/OGS/internal/world"
)

// Selectable actions, offered at block index 0 of every action message.
const (
	actionMove  = "MOVE"
	actionShoot = "SHOOT"
	actionPass  = "PASS"
)

// turn carries the per-turn wiring shared by the machine's closures.
// confirmed marks the current action message as finalized, which suppresses
// selection retraction when the sub-flow state is exited.
type turn struct {
	w         *world.World
	e         *entity.Entity
	confirmed bool
}

// TurnMachine builds the strikers turn machine: an action budget spent one
// multi-step message sub-flow at a time.
func TurnMachine(w *world.World, e *entity.Entity) *machine.Def {
	t := &turn{w: w, e: e}

	blockIndexIs := func(n int) func(machine.Event) bool {
		return func(evt machine.Event) bool {
			idx, ok := evt.Int("blockIndex")
			return ok && idx == n
		}
	}
	valueIs := func(want string) func(machine.Event) bool {
		return func(evt machine.Event) bool { return evt.String("value") == want }
	}
	both := func(a, b func(machine.Event) bool) func(machine.Event) bool {
		return func(evt machine.Event) bool { return a(evt) && b(evt) }
	}

	selectCard := func(evt machine.Event) { _ = e.Set("selectedCardId", evt.String("value")) }
	selectTarget := func(evt machine.Event) { _ = e.Set("selectedTarget", evt.String("value")) }
	hasTarget := func(machine.Event) bool {
		v, ok := e.Get("selectedTarget")
		return ok && v != nil
	}
	switchTo := func(action func(machine.Event)) func(machine.Event) {
		return func(evt machine.Event) {
			t.confirmed = false
			if action != nil {
				action(evt)
			}
		}
	}

	return &machine.Def{
		ID: "strikers-turn-" + string(e.ID()),
		Regions: []machine.Region{
			{
				ID:      "Status",
				Initial: "Actions/InputtingAction/Unselected",
				States: map[machine.StatePath]machine.State{
					"Actions/InputtingAction/Unselected": {
						Invoke: &machine.Service{
							ID:         "sendSelectActionMessage",
							Src:        t.sendActionSelect,
							DoneAction: t.recordActionMessage,
						},
					},
					"Actions/InputtingAction/Moving/InputtingPlayer": {
						Invoke: &machine.Service{
							ID:  "sendPlayerSelectMessage",
							Src: t.sendPlayerSelect,
						},
						Transitions: []machine.Transition{
							{Event: "MULTIPLE_CHOICE_SELECT", Guard: blockIndexIs(1),
								Target: "Actions/InputtingAction/Moving/InputtingTarget", Action: selectCard},
						},
					},
					"Actions/InputtingAction/Moving/InputtingTarget": {
						Invoke: &machine.Service{
							ID:  "sendTargetSelectMessage",
							Src: t.sendTargetSelect,
						},
						Transitions: []machine.Transition{
							{Event: "MULTIPLE_CHOICE_SELECT", Guard: blockIndexIs(2), Action: selectTarget},
							{Event: "CONFIRM", Guard: hasTarget, Action: t.completeAction},
						},
					},
					"Actions/InputtingAction/Shooting/InputtingPlayer": {
						Invoke: &machine.Service{
							ID:  "sendPlayerSelectMessage",
							Src: t.sendPlayerSelect,
						},
						Transitions: []machine.Transition{
							{Event: "MULTIPLE_CHOICE_SELECT", Guard: blockIndexIs(1),
								Target: "Actions/InputtingAction/Shooting/InputtingTarget", Action: selectCard},
						},
					},
					"Actions/InputtingAction/Shooting/InputtingTarget": {
						Invoke: &machine.Service{
							ID:  "sendTargetSelectMessage",
							Src: t.sendTargetSelect,
						},
						Transitions: []machine.Transition{
							{Event: "MULTIPLE_CHOICE_SELECT", Guard: blockIndexIs(2), Action: selectTarget},
							{Event: "CONFIRM", Guard: hasTarget, Action: t.completeAction},
						},
					},
					"Actions/InputtingAction/Passing/InputtingTarget": {
						Invoke: &machine.Service{
							ID:  "sendTargetSelectMessage",
							Src: t.sendTargetSelect,
						},
						Transitions: []machine.Transition{
							{Event: "MULTIPLE_CHOICE_SELECT", Guard: blockIndexIs(1), Action: selectTarget},
							{Event: "CONFIRM", Guard: hasTarget, Action: t.completeAction},
						},
					},
					"Actions/Next": {
						Always: []machine.Transition{
							{Guard: func(machine.Event) bool { return t.remaining() > 0 },
								Target: "Actions/InputtingAction/Unselected"},
							{Target: "Complete", Action: t.notifyGame},
						},
					},
					"Complete": {Terminal: true},
				},
				Group: map[string][]machine.Transition{
					"Actions/InputtingAction": {
						{Event: "MULTIPLE_CHOICE_SELECT", Guard: both(blockIndexIs(0), valueIs(actionMove)),
							Target: "Actions/InputtingAction/Moving/InputtingPlayer", Action: switchTo(nil)},
						{Event: "MULTIPLE_CHOICE_SELECT", Guard: both(blockIndexIs(0), valueIs(actionShoot)),
							Target: "Actions/InputtingAction/Shooting/InputtingPlayer", Action: switchTo(nil)},
						{Event: "MULTIPLE_CHOICE_SELECT", Guard: both(blockIndexIs(0), valueIs(actionPass)),
							Target: "Actions/InputtingAction/Passing/InputtingTarget", Action: switchTo(nil)},
						{Event: "ACTION_COMPLETED", Target: "Actions/Next"},
					},
					"Actions": {
						{Event: "FORCE_SKIP", Target: "Complete", Action: t.notifyGame},
					},
				},
				Exits: map[string]func(){
					"Actions/InputtingAction/Moving":   t.clearSelections,
					"Actions/InputtingAction/Shooting": t.clearSelections,
					"Actions/InputtingAction/Passing":  t.clearSelections,
				},
			},
		},
	}
}

func (t *turn) gameID() string {
	v, _ := t.e.Get("gameEntityId")
	s, _ := v.(string)
	return s
}

func (t *turn) side() string {
	v, _ := t.e.Get("side")
	s, _ := v.(string)
	return s
}

func (t *turn) remaining() int {
	return intProp(t.e, "totalActionCount") - intProp(t.e, "completedActionCount")
}

func (t *turn) playerID() id.ID {
	return id.ID(sideUserID(t.w, t.gameID(), t.side()))
}

// sendActionSelect opens a new action message: one MultipleChoice block
// offering the turn's actions. The side's player is the recipient; the turn
// entity itself is the responder, so selections route back to this machine.
func (t *turn) sendActionSelect(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prompt := blocks.MultipleChoice(
		fmt.Sprintf("Select an action (%d remaining)", t.remaining()),
		false,
		[]blocks.Option{
			{Name: "Move", Value: actionMove},
			{Name: "Shoot", Value: actionShoot},
			{Name: "Pass", Value: actionPass},
		},
	)
	evt := t.e.Channel().Publish(channel.Event{
		Type:        channel.TypeMessage,
		RecipientID: t.playerID(),
		ResponderID: t.e.ID(),
		Contents:    []blocks.Block{prompt},
	})
	return string(evt.ID), nil
}

// recordActionMessage lands the published message id so later sub-flow steps
// can extend the same logical message.
func (t *turn) recordActionMessage(evt machine.Event) {
	msgID, _ := evt.Data["data"].(string)
	if msgID == "" {
		return
	}
	t.confirmed = false
	_ = t.e.Set("actionMessageIds", append(anyList(t.e, "actionMessageIds"), msgID))
}

// sendPlayerSelect appends the card-selection block onto the outstanding
// action message.
func (t *turn) sendPlayerSelect(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cards := sideCardIDs(t.w, t.gameID(), t.side())
	options := make([]blocks.Option, 0, len(cards))
	for _, card := range cards {
		options = append(options, blocks.Option{Name: card, Value: card})
	}
	return nil, t.appendBlock(blocks.MultipleChoice("Select a player", false, options))
}

// sendTargetSelect appends the target-selection block, prompting
// confirmation once a target is chosen.
func (t *turn) sendTargetSelect(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tiles := tilePositions(t.w, t.gameID())
	options := make([]blocks.Option, 0, len(tiles))
	for _, tile := range tiles {
		options = append(options, blocks.Option{Name: tile, Value: tile})
	}
	return nil, t.appendBlock(blocks.MultipleChoice("Select a target", true, options))
}

// appendBlock extends the outstanding action message in place; the channel
// merges publishes that share an event id.
func (t *turn) appendBlock(block blocks.Block) error {
	msgID := t.lastActionMessageID()
	if msgID == "" {
		return fmt.Errorf("turn %s has no outstanding action message", t.e.ID())
	}
	existing, ok := t.e.Channel().EventByID(id.ID(msgID))
	if !ok {
		return fmt.Errorf("turn %s action message %s not found", t.e.ID(), msgID)
	}
	t.e.Channel().Publish(channel.Event{
		ID:          existing.ID,
		Type:        existing.Type,
		RecipientID: existing.RecipientID,
		ResponderID: existing.ResponderID,
		Contents:    append(append([]blocks.Block(nil), existing.Contents...), block),
	})
	return nil
}

func (t *turn) lastActionMessageID() string {
	ids := anyList(t.e, "actionMessageIds")
	if len(ids) == 0 {
		return ""
	}
	s, _ := ids[len(ids)-1].(string)
	return s
}

// completeAction finalizes the current sub-flow: the selections are consumed,
// the action counts, and the machine advances on the next tick. Internal on
// purpose — no state is exited here, so the finalized message keeps its
// blocks.
func (t *turn) completeAction(machine.Event) {
	t.confirmed = true
	_ = t.e.Set("completedActionCount", intProp(t.e, "completedActionCount")+1)
	_ = t.e.Unset("selectedCardId")
	_ = t.e.Unset("selectedTarget")

	interp := t.e.Machine()
	t.w.Post(func() {
		interp.Send(machine.Event{Type: "ACTION_COMPLETED"})
	})
}

// clearSelections retracts a pending sub-flow when its state is abandoned:
// selections are dropped and the outstanding message loses every block after
// the action prompt. A finalized action keeps its message intact.
func (t *turn) clearSelections() {
	if t.confirmed {
		return
	}
	_ = t.e.Unset("selectedCardId")
	_ = t.e.Unset("selectedTarget")

	msgID := t.lastActionMessageID()
	if msgID == "" {
		return
	}
	existing, ok := t.e.Channel().EventByID(id.ID(msgID))
	if !ok || len(existing.Contents) <= 1 {
		return
	}
	t.e.Channel().Publish(channel.Event{
		ID:          existing.ID,
		Type:        existing.Type,
		RecipientID: existing.RecipientID,
		ResponderID: existing.ResponderID,
		Contents:    existing.Contents[:1],
	})
}

// notifyGame tells the owning game this turn is over.
func (t *turn) notifyGame(machine.Event) {
	game, ok := t.w.Get(id.ID(t.gameID()))
	if !ok || game.Machine() == nil {
		return
	}
	turnID := string(t.e.ID())
	interp := game.Machine()
	t.w.Post(func() {
		interp.Send(machine.Event{Type: "TURN_COMPLETE", Data: map[string]any{"turnId": turnID}})
	})
}

func intProp(e *entity.Entity, field string) int {
	raw, _ := e.Get(field)
	switch v := raw.(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
