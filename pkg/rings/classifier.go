package rings

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/contracts"
)

// Classification sources.
const (
	SourceDefault  = "default"
	SourceRule     = "rule"
	SourceOverride = "override"
)

// ClassificationResult maps an action to its required ring and risk weight.
type ClassificationResult struct {
	ActionID   string                  `json:"action_id"`
	Ring       contracts.ExecutionRing `json:"ring"`
	RiskWeight float64                 `json:"risk_weight"`
	Source     string                  `json:"source"`
}

type override struct {
	ring       contracts.ExecutionRing
	riskWeight float64
}

type rule struct {
	expr       string
	program    cel.Program
	ring       contracts.ExecutionRing
	riskWeight float64
}

// Classifier deterministically derives the ring an action requires.
// Results are cached per action id.
type Classifier struct {
	mu        sync.RWMutex
	env       *cel.Env
	cache     map[string]ClassificationResult
	overrides map[string]override
	rules     []rule
}

// NewClassifier creates a classifier with no overrides or rules.
func NewClassifier() *Classifier {
	// The declaration is static; NewEnv only fails on malformed declarations.
	env, err := cel.NewEnv(
		cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("rings: CEL environment: %v", err))
	}
	return &Classifier{
		env:       env,
		cache:     make(map[string]ClassificationResult),
		overrides: make(map[string]override),
	}
}

// Classify returns the required ring and risk weight for the action.
func (c *Classifier) Classify(action contracts.ActionDescriptor) ClassificationResult {
	c.mu.RLock()
	if o, ok := c.overrides[action.ActionID]; ok {
		c.mu.RUnlock()
		return ClassificationResult{ActionID: action.ActionID, Ring: o.ring, RiskWeight: o.riskWeight, Source: SourceOverride}
	}
	if res, ok := c.cache[action.ActionID]; ok && action.ActionID != "" {
		c.mu.RUnlock()
		return res
	}
	rules := c.rules
	c.mu.RUnlock()

	res := ClassificationResult{
		ActionID:   action.ActionID,
		Ring:       DefaultRing(action),
		RiskWeight: action.DefaultRiskWeight(),
		Source:     SourceDefault,
	}
	if len(rules) > 0 {
		input := map[string]any{"action": actionInput(action)}
		for _, r := range rules {
			out, _, err := r.program.Eval(input)
			if err != nil {
				continue
			}
			if matched, ok := out.Value().(bool); ok && matched {
				res.Ring = r.ring
				if r.riskWeight > 0 {
					res.RiskWeight = r.riskWeight
				}
				res.Source = SourceRule
				break
			}
		}
	}

	if action.ActionID != "" {
		c.mu.Lock()
		c.cache[action.ActionID] = res
		c.mu.Unlock()
	}
	return res
}

// DefaultRing is the built-in mapping from descriptor flags to ring.
func DefaultRing(action contracts.ActionDescriptor) contracts.ExecutionRing {
	switch {
	case action.IsAdmin:
		return contracts.Ring0Root
	case action.Reversibility == contracts.ReversibilityNone && !action.IsReadOnly:
		return contracts.Ring1Privileged
	case action.IsReadOnly:
		return contracts.Ring3Sandbox
	default:
		return contracts.Ring2Standard
	}
}

// SetOverride pins the classification of one action id.
func (c *Classifier) SetOverride(actionID string, ring contracts.ExecutionRing, riskWeight float64) error {
	if !ring.Valid() {
		return fmt.Errorf("invalid ring %d", ring)
	}
	if riskWeight < 0 || riskWeight > 1 {
		return fmt.Errorf("risk weight %.4f out of range [0,1]", riskWeight)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[actionID] = override{ring: ring, riskWeight: riskWeight}
	delete(c.cache, actionID)
	return nil
}

// ClearOverride removes a previously set override.
func (c *Classifier) ClearOverride(actionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.overrides, actionID)
	delete(c.cache, actionID)
}

// AddRule registers a CEL reclassification rule. Rules are evaluated in
// registration order against an `action` map with keys action_id, name,
// execute_api, undo_api, reversibility, is_read_only and is_admin; the first
// rule that evaluates to true wins. riskWeight <= 0 keeps the default weight.
func (c *Classifier) AddRule(expression string, ring contracts.ExecutionRing, riskWeight float64) error {
	if !ring.Valid() {
		return fmt.Errorf("invalid ring %d", ring)
	}
	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if ot := ast.OutputType(); !ot.IsExactType(cel.BoolType) && !ot.IsExactType(cel.DynType) {
		return fmt.Errorf("CEL rule %q must return bool, got %s", expression, ot)
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return fmt.Errorf("CEL program error: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, rule{expr: expression, program: prg, ring: ring, riskWeight: riskWeight})
	c.cache = make(map[string]ClassificationResult)
	return nil
}

// Purge drops all cached classifications and returns how many were removed.
func (c *Classifier) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.cache)
	c.cache = make(map[string]ClassificationResult)
	return n
}

func actionInput(a contracts.ActionDescriptor) map[string]any {
	return map[string]any{
		"action_id":     a.ActionID,
		"name":          a.Name,
		"execute_api":   a.ExecuteAPI,
		"undo_api":      a.UndoAPI,
		"reversibility": string(a.Reversibility),
		"is_read_only":  a.IsReadOnly,
		"is_admin":      a.IsAdmin,
	}
}
