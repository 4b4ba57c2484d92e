package policy

import (
	"fmt"
	"os"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// Action kinds that custom rules can target.
const (
	KindSwap           = "swap"
	KindNativeTransfer = "native_transfer"
	KindExchangeOrder  = "exchange_order"
)

// Rule is a named CEL expression over `input`. The action is allowed only when
// the expression evaluates to true.
type Rule struct {
	Name       string `yaml:"name" json:"name"`
	Kind       string `yaml:"kind" json:"kind"`
	Expression string `yaml:"expr" json:"expr"`
}

// RuleFile is the on-disk format of POLICY_RULES_FILE.
type RuleFile struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

type compiledRule struct {
	Rule
	program cel.Program
}

// RuleSet holds compiled rules grouped by action kind. It is immutable after
// construction and safe for concurrent use.
type RuleSet struct {
	byKind map[string][]compiledRule
}

// NewRuleSet compiles every rule up front.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	rs := &RuleSet{byKind: make(map[string][]compiledRule)}
	for _, r := range rules {
		switch r.Kind {
		case KindSwap, KindNativeTransfer, KindExchangeOrder:
		default:
			return nil, fmt.Errorf("rule %q: unknown kind %q", r.Name, r.Kind)
		}

		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %q: CEL compile error: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %q: CEL program error: %w", r.Name, err)
		}
		rs.byKind[r.Kind] = append(rs.byKind[r.Kind], compiledRule{Rule: r, program: prg})
	}
	return rs, nil
}

// LoadRules reads and compiles a YAML rule file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy rules: %w", err)
	}
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy rules %q: %w", path, err)
	}
	return NewRuleSet(file.Rules)
}

// Len returns the number of compiled rules.
func (rs *RuleSet) Len() int {
	n := 0
	for _, rules := range rs.byKind {
		n += len(rules)
	}
	return n
}

// Evaluate runs every rule for kind in file order. The first rule that does
// not return true produces a violation; evaluation errors fail closed.
func (rs *RuleSet) Evaluate(kind string, input map[string]any) error {
	activation := map[string]any{"input": input}
	for _, r := range rs.byKind[kind] {
		out, _, err := r.program.Eval(activation)
		if err != nil {
			return violation(CodeCustomRuleViolation,
				map[string]any{"rule": r.Name, "error": err.Error()},
				"rule %s could not be evaluated", r.Name)
		}
		ok, isBool := out.Value().(bool)
		if !isBool || !ok {
			return violation(CodeCustomRuleViolation,
				map[string]any{"rule": r.Name, "expr": r.Expression},
				"rule %s rejected the %s", r.Name, kind)
		}
	}
	return nil
}
