package replication

import (
	"encoding/json"
	"fmt"

	"github.com/open-game-collective/OGS/internal/entity"
	"github.com/open-game-collective/OGS/internal/id"
	"github.com/open-game-collective/OGS/internal/patch"
	"github.com/open-game-collective/OGS/internal/platform/errors"
	"github.com/open-game-collective/OGS/internal/world"
)

// ForwardFunc sends a command addressed to a remote entity over the
// transport.
type ForwardFunc func(entityID id.ID, cmd entity.Command) error

// Reconciler converges a client world onto the server's authoritative copy
// by consuming the sync stream. Duplicate delivery is tolerated (a message
// whose effect is already present is a no-op); a REMOVED or CHANGED for an
// unknown entity id is a consistency error the caller must surface, since
// local state can no longer be trusted.
type Reconciler struct {
	w       *world.World
	forward ForwardFunc
}

// NewReconciler creates a reconciler applying the stream onto w. forward
// carries proxy entity commands back to the server.
func NewReconciler(w *world.World, forward ForwardFunc) *Reconciler {
	return &Reconciler{w: w, forward: forward}
}

// Apply processes one sync message.
func (r *Reconciler) Apply(msg Message) error {
	switch msg.Type {
	case TypeAdded:
		return r.added(msg)
	case TypeRemoved:
		return r.removed(msg)
	case TypeChanged:
		return r.changed(msg)
	default:
		return fmt.Errorf("unknown sync message type %q", msg.Type)
	}
}

func (r *Reconciler) added(msg Message) error {
	if _, ok := r.w.Get(msg.EntityID); ok {
		// Duplicate ADDED delivery.
		return nil
	}
	props := make(map[string]any, len(msg.Snapshot))
	for k, v := range msg.Snapshot {
		if k == "id" || k == "schema" {
			continue
		}
		props[k] = v
	}
	entityID := msg.EntityID
	proxy, err := entity.NewProxy(entityID, msg.Schema, props, func(cmd entity.Command) error {
		return r.forward(entityID, cmd)
	})
	if err != nil {
		return fmt.Errorf("build proxy for entity %s: %w", entityID, err)
	}
	return r.w.Add(proxy)
}

func (r *Reconciler) removed(msg Message) error {
	if err := r.w.Remove(msg.EntityID); err != nil {
		return errors.Wrap(errors.CodeEntityMissing, err, "sync REMOVED for entity %s", msg.EntityID)
	}
	return nil
}

func (r *Reconciler) changed(msg Message) error {
	e, ok := r.w.Get(msg.EntityID)
	if !ok {
		return errors.E(errors.CodeEntityMissing, "sync CHANGED for unknown entity %s", msg.EntityID)
	}
	if e.AlreadyApplied(msg.Patches) {
		// Duplicate CHANGED delivery.
		return nil
	}

	// Top-level property adds and removes go through the world's component
	// API so derived indices stay consistent; everything else is applied as
	// one bulk structural patch.
	var bulk []patch.Operation
	for _, op := range msg.Patches {
		field, topLevel := patch.TopLevelField(op)
		if !topLevel {
			bulk = append(bulk, op)
			continue
		}
		switch op.Op {
		case "add":
			var value any
			if err := json.Unmarshal(op.Value, &value); err != nil {
				return errors.Wrap(errors.CodePatchUnappliable, err, "decode add %s on entity %s", op.Path, msg.EntityID)
			}
			if err := r.w.AddComponent(msg.EntityID, field, value); err != nil {
				return err
			}
		case "remove":
			if err := r.w.RemoveComponent(msg.EntityID, field); err != nil {
				return err
			}
		default:
			bulk = append(bulk, op)
		}
	}
	if len(bulk) > 0 {
		if err := e.ApplySync(bulk); err != nil {
			return err
		}
	}

	// Exactly one CHANGE notification per delivered message, carrying the
	// original patch list.
	e.NotifyChange(msg.Patches)
	return nil
}
