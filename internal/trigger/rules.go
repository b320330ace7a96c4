// Package trigger implements the channel-observing rules engine. Rules are
// declarative YAML documents; each names an entity schema and an event type
// to match, with an optional Lua filter expression over the event payload.
// On match the engine spawns an ephemeral trigger entity carrying the
// matched entity, event and rule as workflow input.
package trigger

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule is one declarative dispatch rule.
type Rule struct {
	// Name identifies the rule and the workflow its trigger entities run.
	Name string `yaml:"name"`
	// EntitySchema must equal the owning entity's schema tag.
	EntitySchema string `yaml:"entity_schema"`
	// EventType must equal the channel event's type.
	EventType string `yaml:"event_type"`
	// Filter is an optional Lua expression evaluated against the event; the
	// rule matches only when it returns true. The event is bound as a global
	// table named "event".
	Filter string `yaml:"filter,omitempty"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes a YAML rule document.
func ParseRules(raw []byte) ([]Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode trigger rules: %w", err)
	}
	for n, rule := range file.Rules {
		if rule.Name == "" {
			return nil, fmt.Errorf("trigger rule %d: missing name", n)
		}
		if rule.EntitySchema == "" || rule.EventType == "" {
			return nil, fmt.Errorf("trigger rule %q: entity_schema and event_type are required", rule.Name)
		}
	}
	return file.Rules, nil
}

// LoadRules reads and decodes a YAML rule file.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trigger rules: %w", err)
	}
	return ParseRules(raw)
}
