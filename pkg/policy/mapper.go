package policy

import (
	"fmt"
	"sort"
	"strings"
)

// Rule maps a path pattern to a directive.
//
// Patterns are either exact ("/admin/status") or prefix patterns ending in
// "/*" ("/widgets/*" matches every path starting with "/widgets/"). "/*"
// matches every path.
type Rule struct {
	Pattern   string
	Directive Directive
}

// RuleConfig is the configuration form of a Rule.
type RuleConfig struct {
	Pattern   string `yaml:"pattern"`
	Directive string `yaml:"directive"`
}

// ParseRules converts configuration rules into Rules.
func ParseRules(configs []RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(configs))
	for i, c := range configs {
		d, err := ParseDirective(c.Directive)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, c.Pattern, err)
		}
		rules = append(rules, Rule{Pattern: c.Pattern, Directive: d})
	}
	return rules, nil
}

type compiledRule struct {
	prefix    string
	exact     bool
	directive Directive
	header    string
}

// Mapper resolves request paths to directives.
// The longest matching pattern wins; an exact pattern wins over a prefix
// pattern of the same length. A Mapper is immutable and safe for concurrent use.
type Mapper struct {
	exact    map[string]compiledRule
	prefixes []compiledRule // sorted by descending prefix length
}

// NewMapper compiles rules into a Mapper.
// Two rules with the same pattern are ambiguous and rejected.
func NewMapper(rules []Rule) (*Mapper, error) {
	m := &Mapper{exact: make(map[string]compiledRule)}
	seen := make(map[string]int, len(rules))

	for i, rule := range rules {
		compiled, err := compile(rule)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}

		if first, ok := seen[rule.Pattern]; ok {
			return nil, &AmbiguityError{Pattern: rule.Pattern, First: first, Second: i}
		}
		seen[rule.Pattern] = i

		if compiled.exact {
			m.exact[compiled.prefix] = compiled
		} else {
			m.prefixes = append(m.prefixes, compiled)
		}
	}

	sort.SliceStable(m.prefixes, func(i, j int) bool {
		return len(m.prefixes[i].prefix) > len(m.prefixes[j].prefix)
	})
	return m, nil
}

// MustNewMapper is like NewMapper but panics on error.
func MustNewMapper(rules []Rule) *Mapper {
	m, err := NewMapper(rules)
	if err != nil {
		panic(err)
	}
	return m
}

func compile(rule Rule) (compiledRule, error) {
	p := rule.Pattern
	if p == "" || !strings.HasPrefix(p, "/") {
		return compiledRule{}, fmt.Errorf("%w: %q must start with /", ErrInvalidPattern, p)
	}

	c := compiledRule{directive: rule.Directive, header: rule.Directive.String()}
	star := strings.Index(p, "*")
	switch {
	case star < 0:
		c.prefix = p
		c.exact = true
	case star == len(p)-1 && strings.HasSuffix(p, "/*"):
		c.prefix = strings.TrimSuffix(p, "*")
	default:
		return compiledRule{}, fmt.Errorf("%w: %q may only end in /*", ErrInvalidPattern, p)
	}
	return c, nil
}

// Map returns the directive for path, or false when no rule applies.
func (m *Mapper) Map(path string) (Directive, bool) {
	if m == nil {
		return Directive{}, false
	}
	if rule, ok := m.match(path); ok {
		return rule.directive, true
	}
	return Directive{}, false
}

// Header returns the Cache-Control header value for path.
func (m *Mapper) Header(path string) (string, bool) {
	if m == nil {
		return "", false
	}
	if rule, ok := m.match(path); ok {
		return rule.header, true
	}
	return "", false
}

func (m *Mapper) match(path string) (compiledRule, bool) {
	exact, hasExact := m.exact[path]
	for _, rule := range m.prefixes {
		if !strings.HasPrefix(path, rule.prefix) {
			continue
		}
		// exact beats prefix of the same or shorter length
		if hasExact && len(exact.prefix) >= len(rule.prefix) {
			return exact, true
		}
		return rule, true
	}
	return exact, hasExact
}

// Len returns the number of compiled rules.
func (m *Mapper) Len() int {
	if m == nil {
		return 0
	}
	return len(m.exact) + len(m.prefixes)
}
