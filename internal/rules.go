package internal

import (
	"fmt"
	"log"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/PaesslerAG/jsonpath"
	"gopkg.in/yaml.v3"
)

// Rule maps a boolean expression over a delivery notice to one or more topics.
// Plain identifiers resolve against the flattened payload plus the event,
// action and delivery_id fields; nested keys use brackets, as in
// [installation.account.login]. A bracketed name starting with $ is a
// JSONPath query against the raw payload, as in [$.sender.login]; the query
// itself cannot contain a closing bracket.
type Rule struct {
	When    string   `yaml:"when"`
	Emit    EmitList `yaml:"emit"`
	Drivers []string `yaml:"drivers"`
}

// EmitList accepts either a single topic or a list of topics in YAML.
type EmitList []string

func (e *EmitList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*e = EmitList{value.Value}
		return nil
	case yaml.SequenceNode:
		var topics []string
		if err := value.Decode(&topics); err != nil {
			return err
		}
		*e = topics
		return nil
	default:
		return fmt.Errorf("emit must be a string or a list of strings")
	}
}

// RuleMatch is a topic selected for a notice and the drivers to publish it to.
// Empty Drivers means every configured driver.
type RuleMatch struct {
	Topic   string
	Drivers []string
}

type compiledRule struct {
	when    string
	emit    []string
	drivers []string
	expr    *govaluate.EvaluableExpression
}

type RuleEngine struct {
	rules  []compiledRule
	strict bool
	logger *log.Logger
}

func NewRuleEngine(cfg RulesConfig) (*RuleEngine, error) {
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		expr, err := govaluate.NewEvaluableExpression(rule.When)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		for _, name := range expr.Vars() {
			if !strings.HasPrefix(name, "$") {
				continue
			}
			if _, err := jsonpath.New(name); err != nil {
				return nil, fmt.Errorf("rule %d: jsonpath %s: %w", i, name, err)
			}
		}
		rules = append(rules, compiledRule{
			when:    rule.When,
			emit:    rule.Emit,
			drivers: rule.Drivers,
			expr:    expr,
		})
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &RuleEngine{rules: rules, strict: cfg.Strict, logger: logger}, nil
}

// Evaluate returns the topics whose rules match the notice.
func (r *RuleEngine) Evaluate(notice Notice) []RuleMatch {
	if r == nil || len(r.rules) == 0 {
		return nil
	}
	return r.EvaluateWithLogger(notice, r.logger)
}

func (r *RuleEngine) EvaluateWithLogger(notice Notice, logger *log.Logger) []RuleMatch {
	if r == nil || len(r.rules) == 0 {
		return nil
	}
	fields, object := notice.Fields()

	matches := make([]RuleMatch, 0, 1)
	for _, rule := range r.rules {
		params, ok := r.parameters(rule, fields, object)
		if !ok {
			logger.Printf("rule skipped when=%q: unresolved field", rule.when)
			continue
		}
		result, err := rule.expr.Evaluate(params)
		if err != nil {
			logger.Printf("rule eval failed when=%q: %v", rule.when, err)
			continue
		}
		if matched, _ := result.(bool); !matched {
			continue
		}
		for _, topic := range rule.emit {
			matches = append(matches, RuleMatch{Topic: topic, Drivers: rule.drivers})
		}
	}
	return matches
}

// parameters resolves every variable of a rule. Missing fields evaluate as
// nil unless the engine is strict, in which case the rule is skipped.
func (r *RuleEngine) parameters(rule compiledRule, fields map[string]interface{}, object interface{}) (map[string]interface{}, bool) {
	params := make(map[string]interface{}, len(rule.expr.Vars()))
	for _, name := range rule.expr.Vars() {
		var (
			value interface{}
			found bool
		)
		if strings.HasPrefix(name, "$") {
			if object != nil {
				if resolved, err := jsonpath.Get(name, object); err == nil {
					value, found = resolved, true
				}
			}
		} else {
			value, found = fields[name]
		}
		if !found && r.strict {
			return nil, false
		}
		params[name] = value
	}
	return params, true
}
