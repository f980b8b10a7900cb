// Package rules provides the CEL-Go based flag engine that annotates model predictions.
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine evaluates CEL flag rules against a feature vector and a prediction.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	rules      []*CompiledRule
	maxWorkers int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  domain.FlagRule
	Program cel.Program
}

// NewEngine creates a flag engine. Every feature name is declared as a double
// variable next to supervised_risk and anomaly_score.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	opts := make([]cel.EnvOption, 0, domain.FeatureDims+2)
	for _, name := range domain.FeatureNames {
		opts = append(opts, cel.Variable(name, cel.DoubleType))
	}
	opts = append(opts,
		cel.Variable("supervised_risk", cel.DoubleType),
		cel.Variable("anomaly_score", cel.DoubleType),
	)

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(rule domain.FlagRule) error {
	_, err := e.compileRule(rule)
	return err
}

// LoadRules replaces the loaded rules. Disabled rules are compiled and kept
// but never evaluated. On a compile error the previous rules stay in place.
func (e *Engine) LoadRules(rules []domain.FlagRule) error {
	compiled := make([]*CompiledRule, 0, len(rules))
	for _, r := range rules {
		c, err := e.compileRule(r)
		if err != nil {
			return err
		}
		compiled = append(compiled, c)
	}

	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()
	return nil
}

// RulesCount returns the number of loaded rules, disabled ones included.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// EnabledCount returns the number of loaded rules that are evaluated.
func (e *Engine) EnabledCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, r := range e.rules {
		if r.Config.Enabled {
			n++
		}
	}
	return n
}

// Rules returns the loaded rule definitions in load order.
func (e *Engine) Rules() []domain.FlagRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.FlagRule, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Config
	}
	return out
}

// Evaluate returns the flags of every rule that matched, in load order.
// Rules that fail to evaluate are skipped.
func (e *Engine) Evaluate(fv domain.FeatureVector, supervised, anomaly float64) []string {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Config.Enabled {
			rules = append(rules, r)
		}
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}

	activation := make(map[string]any, domain.FeatureDims+2)
	for i, name := range domain.FeatureNames {
		activation[name] = fv[i]
	}
	activation["supervised_risk"] = supervised
	activation["anomaly_score"] = anomaly

	matched := make([]bool, len(rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			out, _, err := r.Program.Eval(activation)
			if err != nil {
				return
			}
			matched[idx] = out == types.True
		}(i, rule)
	}
	wg.Wait()

	var flags []string
	for i, ok := range matched {
		if ok {
			flags = append(flags, rules[i].Config.Flag)
		}
	}
	return flags
}

func (e *Engine) compileRule(rule domain.FlagRule) (*CompiledRule, error) {
	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{
		Config:  rule,
		Program: program,
	}, nil
}
