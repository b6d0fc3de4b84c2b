// Package rules loads tenant configuration packs and compiles their text
// extraction rules.
//
// A pack is a versioned YAML document keyed by the tenant's vertical. Compiled
// rule sets are cached process-wide per tenant by a Loader and evicted on an
// explicit invalidation signal that is broadcast to every node.
package rules

import (
	"fmt"
	"strings"

	"github.com/parleyhq/parley/pkg/models"
	"gopkg.in/yaml.v3"
)

// Pack is the parsed configuration pack document.
type Pack struct {
	Version    int                   `yaml:"version"`
	Vertical   string                `yaml:"vertical"`
	Texts      map[string]string     `yaml:"texts"`
	Complexity string                `yaml:"complexity"`
	Rules      map[string][]RuleSpec `yaml:"rules"`
}

// RuleSpec is one pattern→field rule as written in the pack.
type RuleSpec struct {
	Field   string `yaml:"field"`
	Pattern string `yaml:"pattern"`
	Flags   string `yaml:"flags"`   // any of "i", "m", "s", "x"
	Boolean bool   `yaml:"boolean"` // store true instead of the first group
}

// knownGroups are the rule groups a pack may declare, one per dossier category.
var knownGroups = map[string]models.FlowType{
	string(models.FlowSales):     models.FlowSales,
	string(models.FlowTechnical): models.FlowTechnical,
	string(models.FlowFinancial): models.FlowFinancial,
	string(models.FlowHuman):     models.FlowHuman,
	string(models.FlowGeneral):   models.FlowGeneral,
}

// ParsePack decodes and validates a pack document.
func ParsePack(data []byte) (*Pack, error) {
	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pack: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks structural rules that do not need compilation.
func (p *Pack) Validate() error {
	for group, specs := range p.Rules {
		if _, ok := knownGroups[group]; !ok {
			return fmt.Errorf("pack %s: unknown rule group %q", p.Vertical, group)
		}
		for i, s := range specs {
			if strings.TrimSpace(s.Field) == "" {
				return fmt.Errorf("pack %s: rules.%s[%d]: field is required", p.Vertical, group, i)
			}
			if s.Pattern == "" {
				return fmt.Errorf("pack %s: rules.%s[%d]: pattern is required", p.Vertical, group, i)
			}
			if strings.Trim(s.Flags, "imsx") != "" {
				return fmt.Errorf("pack %s: rules.%s[%d]: unsupported flags %q", p.Vertical, group, i, s.Flags)
			}
		}
	}
	return nil
}
