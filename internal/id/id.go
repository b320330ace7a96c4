// Package id provides globally-unique, time-sortable identifiers.
//
// Identifiers are snowflakes: 41 bits of millisecond timestamp, 10 bits of
// node id, and 12 bits of per-millisecond sequence, rendered as decimal
// strings. Lexicographic order of equal-length ids matches creation order,
// and numeric order always does.
package id

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// ID is a snowflake identifier in decimal string form.
type ID string

// Generator produces snowflake ids for a single node.
type Generator struct {
	node *snowflake.Node
}

// NewGenerator creates a generator for the given node number (0-1023).
func NewGenerator(node int64) (*Generator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("create snowflake node: %w", err)
	}
	return &Generator{node: n}, nil
}

// Next returns a new unique identifier.
func (g *Generator) Next() ID {
	return ID(g.node.Generate().String())
}
