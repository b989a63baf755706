package backend

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/policy-cache/api"
	"github.com/wolfeidau/policy-cache/quotaconfig"
)

// Code is a gRPC status code written by name in YAML, e.g. PERMISSION_DENIED.
type Code codes.Code

// UnmarshalYAML accepts the canonical upper-case code name.
func (c *Code) UnmarshalYAML(node *yaml.Node) error {
	var code codes.Code
	if err := code.UnmarshalJSON([]byte(strconv.Quote(node.Value))); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*c = Code(code)
	return nil
}

// Header is one header operation of a route directive.
type Header struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value,omitempty"`
	// Operation is replace (the default), remove or append.
	Operation string `yaml:"operation,omitempty"`
}

// Route is the route directive a rule attaches to its decision.
type Route struct {
	RequestHeaders     []Header `yaml:"request_headers,omitempty"`
	ResponseHeaders    []Header `yaml:"response_headers,omitempty"`
	DirectResponseCode uint32   `yaml:"direct_response_code,omitempty"`
	DirectResponseBody string   `yaml:"direct_response_body,omitempty"`
}

// Decision is what a rule, or the default, answers.
type Decision struct {
	Code          Code          `yaml:"code,omitempty"`
	Message       string        `yaml:"message,omitempty"`
	ValidDuration time.Duration `yaml:"valid_duration,omitempty"`
	// ValidUseCount of nil means unlimited.
	ValidUseCount *int32 `yaml:"valid_use_count,omitempty"`
	Route         *Route `yaml:"route,omitempty"`
}

// Rule decides requests its match accepts. Rules are evaluated in order and
// the first match wins.
type Rule struct {
	Name  string                       `yaml:"name"`
	Match []quotaconfig.AttributeMatch `yaml:"match,omitempty"`
	// Referenced lists attributes the decision depends on beyond the ones
	// the match examines.
	Referenced []string `yaml:"referenced,omitempty"`
	Decision   `yaml:",inline"`
}

// Quota is a budget granted per window to each distinct combination of its
// referenced attribute values.
type Quota struct {
	Name       string        `yaml:"name"`
	MaxAmount  int64         `yaml:"max_amount"`
	Window     time.Duration `yaml:"window"`
	Referenced []string      `yaml:"referenced,omitempty"`
	// ValidDuration of zero means the rest of the current window.
	ValidDuration time.Duration `yaml:"valid_duration,omitempty"`
}

// Policy is the backend's configuration.
type Policy struct {
	Rules   []Rule   `yaml:"rules"`
	Default Decision `yaml:"default"`
	Quotas  []Quota  `yaml:"quotas"`
}

// ParsePolicy decodes a YAML policy.
func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	return p, nil
}

// LoadPolicy reads a YAML policy from path.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data)
}

type compiledRule struct {
	name       string
	match      quotaconfig.Matcher
	referenced []string
	decision   Decision
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		m, err := quotaconfig.CompileMatches(r.Match)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		if r.Route != nil {
			if err := validateRoute(r.Route); err != nil {
				return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
			}
		}
		refs := append(m.Names(), r.Referenced...)
		out = append(out, compiledRule{name: r.Name, match: m, referenced: refs, decision: r.Decision})
	}
	return out, nil
}

func validateRoute(r *Route) error {
	for _, h := range append(append([]Header{}, r.RequestHeaders...), r.ResponseHeaders...) {
		if _, err := headerKind(h.Operation); err != nil {
			return err
		}
		if h.Name == "" {
			return errors.New("header operation without a name")
		}
	}
	return nil
}

func headerKind(op string) (api.HeaderOperationKind, error) {
	switch op {
	case "", "replace":
		return api.HeaderReplace, nil
	case "remove":
		return api.HeaderRemove, nil
	case "append":
		return api.HeaderAppend, nil
	default:
		return 0, fmt.Errorf("unknown header operation %q", op)
	}
}

func headerOps(hs []Header) []api.HeaderOperation {
	if len(hs) == 0 {
		return nil
	}
	ops := make([]api.HeaderOperation, len(hs))
	for i, h := range hs {
		kind, _ := headerKind(h.Operation)
		ops[i] = api.HeaderOperation{Name: h.Name, Value: h.Value, Operation: kind}
	}
	return ops
}

func (r *Route) directive() *api.RouteDirective {
	if r == nil {
		return nil
	}
	return &api.RouteDirective{
		RequestHeaderOperations:  headerOps(r.RequestHeaders),
		ResponseHeaderOperations: headerOps(r.ResponseHeaders),
		DirectResponseCode:       r.DirectResponseCode,
		DirectResponseBody:       r.DirectResponseBody,
	}
}
