package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/parleyhq/parley/pkg/models"
)

// matchTimeout bounds a single pattern evaluation. Pack patterns are written
// by tenants for a backtracking engine and must not stall the pipeline.
const matchTimeout = 50 * time.Millisecond

// Rule is a compiled extraction rule.
type Rule struct {
	Field   string
	Boolean bool
	re      *regexp2.Regexp
}

// RuleSet is the compiled, immutable form of a tenant's pack. It is shared by
// every goroutine of the process and must never be mutated after Compile.
type RuleSet struct {
	TenantID   string
	Vertical   string
	Version    int
	CompiledAt time.Time

	groups     map[models.FlowType][]*Rule
	texts      map[string]string
	complexity *vm.Program
}

// EmptyRuleSet is the fail-open default used when a pack cannot be loaded.
func EmptyRuleSet(tenantID string) *RuleSet {
	return &RuleSet{
		TenantID:   tenantID,
		CompiledAt: time.Now().UTC(),
		groups:     map[models.FlowType][]*Rule{},
		texts:      map[string]string{},
	}
}

// ComplexityEnv is the environment exposed to a pack's complexity expression.
type ComplexityEnv struct {
	Signals     []string       `expr:"signals"`
	Fields      map[string]any `expr:"fields"`
	Flow        string         `expr:"flow"`
	Transitions int            `expr:"transitions"`
}

// Compile turns a parsed pack into a RuleSet. Any malformed pattern or
// expression fails the whole pack.
func Compile(tenantID string, p *Pack) (*RuleSet, error) {
	rs := EmptyRuleSet(tenantID)
	rs.Vertical = p.Vertical
	rs.Version = p.Version

	for k, v := range p.Texts {
		rs.texts[k] = v
	}

	for group, specs := range p.Rules {
		flow := knownGroups[group]
		for i, s := range specs {
			re, err := regexp2.Compile(s.Pattern, regexOptions(s.Flags))
			if err != nil {
				return nil, fmt.Errorf("rules.%s[%d] (%s): compile %q: %w", group, i, s.Field, s.Pattern, err)
			}
			re.MatchTimeout = matchTimeout
			rs.groups[flow] = append(rs.groups[flow], &Rule{Field: s.Field, Boolean: s.Boolean, re: re})
		}
	}

	if p.Complexity != "" {
		prog, err := expr.Compile(p.Complexity, expr.Env(ComplexityEnv{}), expr.AsFloat64())
		if err != nil {
			return nil, fmt.Errorf("complexity expression: %w", err)
		}
		rs.complexity = prog
	}
	return rs, nil
}

func regexOptions(flags string) regexp2.RegexOptions {
	opts := regexp2.None
	for _, f := range flags {
		switch f {
		case 'i':
			opts |= regexp2.IgnoreCase
		case 'm':
			opts |= regexp2.Multiline
		case 's':
			opts |= regexp2.Singleline
		case 'x':
			opts |= regexp2.IgnorePatternWhitespace
		}
	}
	return opts
}

// Empty reports whether the set has no rules at all.
func (rs *RuleSet) Empty() bool {
	return rs.RuleCount() == 0
}

// RuleCount returns the number of compiled rules across all groups.
func (rs *RuleSet) RuleCount() int {
	n := 0
	for _, g := range rs.groups {
		n += len(g)
	}
	return n
}

// Extract applies the rules of flow (plus the general group) to text. Each
// matching rule yields its first capture group, or true when the rule has no
// group or is flagged boolean. The first rule to set a field wins.
func (rs *RuleSet) Extract(flow models.FlowType, text string) map[string]any {
	out := map[string]any{}
	apply := func(rules []*Rule) {
		for _, r := range rules {
			if _, done := out[r.Field]; done {
				continue
			}
			if v, ok := r.match(text); ok {
				out[r.Field] = v
			}
		}
	}
	apply(rs.groups[flow])
	if flow != models.FlowGeneral {
		apply(rs.groups[models.FlowGeneral])
	}
	return out
}

func (r *Rule) match(text string) (any, bool) {
	m, err := r.re.FindStringMatch(text)
	if err != nil || m == nil {
		// A timeout counts as no match.
		return nil, false
	}
	if r.Boolean {
		return true, true
	}
	groups := m.Groups()
	if len(groups) < 2 {
		return true, true
	}
	if v := groups[1].String(); v != "" {
		return v, true
	}
	return true, true
}

// Text returns a pack-defined CMS text.
func (rs *RuleSet) Text(key string) (string, bool) {
	if rs == nil {
		return "", false
	}
	v, ok := rs.texts[key]
	return v, ok && v != ""
}

// Fields lists the distinct fields the set can extract for flow, sorted.
func (rs *RuleSet) Fields(flow models.FlowType) []string {
	seen := map[string]bool{}
	for _, r := range rs.groups[flow] {
		seen[r.Field] = true
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Complexity evaluates the pack's complexity expression. ok is false when the
// pack does not define one or evaluation fails.
func (rs *RuleSet) Complexity(env ComplexityEnv) (float64, bool) {
	if rs.complexity == nil {
		return 0, false
	}
	out, err := expr.Run(rs.complexity, env)
	if err != nil {
		return 0, false
	}
	v, ok := out.(float64)
	return v, ok
}
