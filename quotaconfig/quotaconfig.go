// Package quotaconfig turns quota rules into the per-request quota
// requirements the quota cache checks.
package quotaconfig

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/policy-cache/attribute"
)

// ErrInvalidMatch is returned for a clause that sets no or several match kinds.
var ErrInvalidMatch = errors.New("string match must set exactly one of exact, prefix or regex")

// Requirement is one quota to charge for a request.
type Requirement struct {
	Quota  string `yaml:"quota" json:"quota"`
	Charge int64  `yaml:"charge" json:"charge"`
}

// StringMatch matches a string attribute. Exactly one field is set.
type StringMatch struct {
	Exact  string `yaml:"exact,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
	// Regex must match the whole value.
	Regex string `yaml:"regex,omitempty"`
}

// AttributeMatch is satisfied when every clause is.
type AttributeMatch struct {
	Clause map[string]StringMatch `yaml:"clause"`
}

// Rule charges its quotas when any of its matches is satisfied. A rule with
// no matches always applies.
type Rule struct {
	Match  []AttributeMatch `yaml:"match,omitempty"`
	Quotas []Requirement    `yaml:"quotas"`
}

// QuotaSpec is a set of quota rules.
type QuotaSpec struct {
	Rules []Rule `yaml:"rules"`
}

// Parse decodes a YAML quota spec.
func Parse(data []byte) (QuotaSpec, error) {
	var spec QuotaSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return QuotaSpec{}, fmt.Errorf("parse quota spec: %w", err)
	}
	return spec, nil
}

// Load reads a YAML quota spec from path.
func Load(path string) (QuotaSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return QuotaSpec{}, fmt.Errorf("read quota spec: %w", err)
	}
	return Parse(data)
}

type clause struct {
	name  string
	match StringMatch
	re    *regexp.Regexp
}

func (c clause) matches(bag attribute.Bag) bool {
	v, ok := bag.Get(c.name)
	if !ok || v.Kind() != attribute.KindString {
		return false
	}
	s := v.AsString()
	switch {
	case c.re != nil:
		return c.re.MatchString(s)
	case c.match.Prefix != "":
		return strings.HasPrefix(s, c.match.Prefix)
	default:
		return s == c.match.Exact
	}
}

// Matcher is a compiled list of attribute matches. It is satisfied when any
// match has all of its clauses satisfied; an empty Matcher always is.
type Matcher struct {
	matches [][]clause
}

// CompileMatches validates and compiles ms.
func CompileMatches(ms []AttributeMatch) (Matcher, error) {
	var m Matcher
	for mi, am := range ms {
		clauses := make([]clause, 0, len(am.Clause))
		for _, name := range slices.Sorted(maps.Keys(am.Clause)) {
			c, err := compileClause(name, am.Clause[name])
			if err != nil {
				return Matcher{}, fmt.Errorf("match %d: %w", mi, err)
			}
			clauses = append(clauses, c)
		}
		m.matches = append(m.matches, clauses)
	}
	return m, nil
}

// Matches reports whether bag satisfies m.
func (m Matcher) Matches(bag attribute.Bag) bool {
	if len(m.matches) == 0 {
		return true
	}
	for _, clauses := range m.matches {
		if allMatch(clauses, bag) {
			return true
		}
	}
	return false
}

// Names returns the sorted attribute names m examines.
func (m Matcher) Names() []string {
	var names []string
	for _, clauses := range m.matches {
		for _, c := range clauses {
			names = append(names, c.name)
		}
	}
	slices.Sort(names)
	return slices.Compact(names)
}

type compiledRule struct {
	match  Matcher
	quotas []Requirement
}

// Parser evaluates compiled quota specs.
type Parser struct {
	rules []compiledRule
}

// New compiles specs, validating every clause and regex.
func New(specs ...QuotaSpec) (*Parser, error) {
	p := &Parser{}
	for si, spec := range specs {
		for ri, rule := range spec.Rules {
			m, err := CompileMatches(rule.Match)
			if err != nil {
				return nil, fmt.Errorf("spec %d rule %d %w", si, ri, err)
			}
			p.rules = append(p.rules, compiledRule{match: m, quotas: rule.Quotas})
		}
	}
	return p, nil
}

func compileClause(name string, sm StringMatch) (clause, error) {
	set := 0
	for _, s := range []string{sm.Exact, sm.Prefix, sm.Regex} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return clause{}, fmt.Errorf("%w: %q", ErrInvalidMatch, name)
	}
	c := clause{name: name, match: sm}
	if sm.Regex != "" {
		re, err := regexp.Compile("^(?:" + sm.Regex + ")$")
		if err != nil {
			return clause{}, fmt.Errorf("compile regex for %q: %w", name, err)
		}
		c.re = re
	}
	return c, nil
}

// Requirements returns the quotas to charge for bag, in rule order.
func (p *Parser) Requirements(bag attribute.Bag) []Requirement {
	var out []Requirement
	for _, r := range p.rules {
		if r.match.Matches(bag) {
			out = append(out, r.quotas...)
		}
	}
	return out
}

func allMatch(clauses []clause, bag attribute.Bag) bool {
	for _, c := range clauses {
		if !c.matches(bag) {
			return false
		}
	}
	return true
}
