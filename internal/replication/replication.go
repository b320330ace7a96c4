// Package replication defines the entity sync stream shared by the server
// publisher and the client reconciler: ADDED snapshots, REMOVED ids and
// CHANGED patch lists, delivered reliably and in order per connection.
package replication

import (
	"github.com/open-game-collective/OGS/internal/id"
	"github.com/open-game-collective/OGS/internal/patch"
	"github.com/open-game-collective/OGS/internal/schema"
)

// Sync message types.
const (
	TypeAdded   = "ADDED"
	TypeRemoved = "REMOVED"
	TypeChanged = "CHANGED"
)

// Message is one entry of the sync stream.
type Message struct {
	Type     string            `json:"type"`
	EntityID id.ID             `json:"entityId"`
	Schema   schema.Kind       `json:"schema,omitempty"`
	Snapshot map[string]any    `json:"snapshot,omitempty"`
	Patches  []patch.Operation `json:"patches,omitempty"`
}
