// Package schema declares the closed set of entity schemas: for each kind,
// the property contract an entity of that kind must satisfy and the command
// vocabulary it accepts. The set is closed on purpose — resolution is an
// exhaustive switch, not a mutable registry, so an unknown kind is a
// compile-visible gap rather than a runtime surprise.
package schema

import (
	"fmt"

	"github.com/open-game-collective/OGS/internal/platform/errors"
)

// Kind discriminates an entity's property shape, command vocabulary and
// machine. It never changes after the entity is created.
type Kind string

const (
	Connection   Kind = "connection"
	Session      Kind = "session"
	Room         Kind = "room"
	Trigger      Kind = "trigger"
	StrikersGame Kind = "strikers_game"
	StrikersTurn Kind = "strikers_turn"
)

// Field describes one declared property of a schema.
type Field struct {
	Required bool
}

// Spec is the contract for one entity kind.
type Spec struct {
	Kind     Kind
	Fields   map[string]Field
	Commands map[string]CommandSpec
}

// CommandSpec validates one command type's payload fields.
type CommandSpec struct {
	// Validate checks type-specific payload fields. Nil means the command
	// carries no payload beyond its type.
	Validate func(fields map[string]any) error
}

// Resolve returns the contract for a kind. The switch is exhaustive over the
// closed kind set; unknown kinds are a validation error.
func Resolve(kind Kind) (Spec, error) {
	switch kind {
	case Connection:
		return connectionSpec, nil
	case Session:
		return sessionSpec, nil
	case Room:
		return roomSpec, nil
	case Trigger:
		return triggerSpec, nil
	case StrikersGame:
		return strikersGameSpec, nil
	case StrikersTurn:
		return strikersTurnSpec, nil
	default:
		return Spec{}, errors.E(errors.CodeSchemaUnknown, "unknown entity schema %q", kind)
	}
}

// ValidateProps checks initial properties against the contract: every
// required field present, no undeclared fields.
func (s Spec) ValidateProps(props map[string]any) error {
	for name, field := range s.Fields {
		if !field.Required {
			continue
		}
		if _, ok := props[name]; !ok {
			return errors.E(errors.CodeInvalidProperty, "schema %s requires property %q", s.Kind, name)
		}
	}
	for name := range props {
		if _, ok := s.Fields[name]; !ok {
			return errors.E(errors.CodePropertyUndeclared, "schema %s does not declare property %q", s.Kind, name)
		}
	}
	return nil
}

// DeclaresField reports whether the schema declares a property name. The
// machine's states projection and mirrored service snapshots are always
// declared implicitly.
func (s Spec) DeclaresField(name string) bool {
	if name == "states" {
		return true
	}
	_, ok := s.Fields[name]
	return ok
}

// ValidateCommand checks a command's type against the declared union and its
// payload against the type's field contract. Invalid commands are rejected
// before they reach the machine.
func (s Spec) ValidateCommand(commandType string, fields map[string]any) error {
	spec, ok := s.Commands[commandType]
	if !ok {
		return errors.E(errors.CodeInvalidCommand, "schema %s does not accept command %q", s.Kind, commandType)
	}
	if spec.Validate == nil {
		return nil
	}
	if err := spec.Validate(fields); err != nil {
		return errors.Wrap(errors.CodeInvalidCommand, err, "invalid %s command", commandType)
	}
	return nil
}

// requireString returns a payload field as a non-empty string.
func requireString(fields map[string]any, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("field %q is required", name)
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return "", fmt.Errorf("field %q must be a non-empty string", name)
	}
	return value, nil
}

// requireInt returns a payload field as an integer. JSON decoding produces
// float64 for numbers, so both forms are accepted.
func requireInt(fields map[string]any, name string) (int, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("field %q is required", name)
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("field %q must be an integer", name)
	}
}

var connectionSpec = Spec{
	Kind: Connection,
	Fields: map[string]Field{
		"instanceId":        {Required: true},
		"sessionId":         {Required: true},
		"deviceId":          {},
		"currentUrl":        {},
		"initialRouteProps": {},
	},
	Commands: map[string]CommandSpec{
		"NAVIGATE": {Validate: func(fields map[string]any) error {
			_, err := requireString(fields, "url")
			return err
		}},
		"DISCONNECT": {},
	},
}

var sessionSpec = Spec{
	Kind: Session,
	Fields: map[string]Field{
		"userId":        {Required: true},
		"connectionIds": {},
	},
	Commands: map[string]CommandSpec{
		"CONNECT":    {},
		"DISCONNECT": {},
	},
}

var roomSpec = Spec{
	Kind: Room,
	Fields: map[string]Field{
		"hostUserId":            {Required: true},
		"slug":                  {Required: true},
		"memberUserIds":         {},
		"connectedUserIds":      {},
		"gameId":                {},
		"currentGameInstanceId": {},
	},
	Commands: map[string]CommandSpec{
		"CONNECT": {Validate: func(fields map[string]any) error {
			_, err := requireString(fields, "userId")
			return err
		}},
		"DISCONNECT": {Validate: func(fields map[string]any) error {
			_, err := requireString(fields, "userId")
			return err
		}},
		"JOIN": {Validate: func(fields map[string]any) error {
			_, err := requireString(fields, "userId")
			return err
		}},
		"LEAVE": {Validate: func(fields map[string]any) error {
			_, err := requireString(fields, "userId")
			return err
		}},
		"START": {},
	},
}

var triggerSpec = Spec{
	Kind: Trigger,
	Fields: map[string]Field{
		"config": {Required: true},
		"input":  {Required: true},
	},
	Commands: map[string]CommandSpec{},
}

var strikersGameSpec = Spec{
	Kind: StrikersGame,
	Fields: map[string]Field{
		"config":    {Required: true},
		"gameState": {Required: true},
		"turnIds":   {},
	},
	Commands: map[string]CommandSpec{
		"START":     {},
		"GAME_OVER": {},
	},
}

var strikersTurnSpec = Spec{
	Kind: StrikersTurn,
	Fields: map[string]Field{
		"gameEntityId":         {Required: true},
		"side":                 {Required: true},
		"totalActionCount":     {Required: true},
		"completedActionCount": {},
		"actionMessageIds":     {},
		"selectedCardId":       {},
		"selectedTarget":       {},
	},
	Commands: map[string]CommandSpec{
		"MULTIPLE_CHOICE_SELECT": {Validate: func(fields map[string]any) error {
			if _, err := requireInt(fields, "blockIndex"); err != nil {
				return err
			}
			_, err := requireString(fields, "value")
			return err
		}},
		"CONFIRM":    {},
		"FORCE_SKIP": {},
	},
}
