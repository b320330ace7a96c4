// Package storage defines the persistence ports the sync core depends on.
// The core never owns derived state; it journals channel events and leaves
// everything else to collaborators.
package storage

import (
	"context"
	"time"
)

// Record is one journaled channel event.
type Record struct {
	EventID    string
	ChannelID  string
	Type       string
	SenderID   string
	Payload    []byte
	RecordedAt time.Time
}

// Journal persists channel events in publish order.
type Journal interface {
	Append(ctx context.Context, rec Record) error
	ListByChannel(ctx context.Context, channelID string) ([]Record, error)
	Close() error
}
