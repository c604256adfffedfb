package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/drblury/omegawire/internal/envelope"
	"github.com/drblury/omegawire/internal/runtime/jsoncodec"
)

// DefaultExpressionPriority places expression rules after the built-ins.
const DefaultExpressionPriority = 50

// celEvaluator compiles and caches CEL programs. Expressions see the
// envelope as a map under the variable "envelope", keyed by wire field names.
type celEvaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newCELEvaluator() (*celEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("envelope", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &celEvaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

func (c *celEvaluator) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, hit := c.programs[expr]
	c.mu.RUnlock()
	if hit {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, hit = c.programs[expr]; hit {
		return prg, nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	c.programs[expr] = prg
	return prg, nil
}

func (c *celEvaluator) eval(expr string, env *envelope.Envelope) (bool, error) {
	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}
	input, err := envelopeInput(env)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"envelope": input})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval: expression returned %T, want bool", out.Value())
	}
	return allowed, nil
}

func envelopeInput(env *envelope.Envelope) (map[string]any, error) {
	encoded, err := jsoncodec.Marshal(env)
	if err != nil {
		return nil, err
	}
	var input map[string]any
	if err := jsoncodec.Unmarshal(encoded, &input); err != nil {
		return nil, err
	}
	return input, nil
}

// AddExpressionRule registers a CEL expression that must evaluate to true
// for an envelope to pass, for example
//
//	envelope.source_module != "sandbox" || envelope.kind == "query"
//
// The expression is compiled up front so syntax errors surface here.
// Evaluation errors at check time deny the envelope.
func (e *Engine) AddExpressionRule(id, expr string, priority int) error {
	e.mu.Lock()
	if e.cel == nil {
		evaluator, err := newCELEvaluator()
		if err != nil {
			e.mu.Unlock()
			return err
		}
		e.cel = evaluator
	}
	evaluator := e.cel
	e.mu.Unlock()

	if _, err := evaluator.program(expr); err != nil {
		return fmt.Errorf("policy: rule %q: %w", id, err)
	}

	return e.AddRule(Rule{
		ID:          id,
		Description: expr,
		Priority:    priority,
		Enabled:     true,
		Check: func(env *envelope.Envelope) Decision {
			allowed, err := evaluator.eval(expr, env)
			if err != nil {
				return Denied(CodeExpressionError, fmt.Sprintf("rule %s could not be evaluated", id))
			}
			if !allowed {
				return Denied(CodeCustomRule, fmt.Sprintf("rule %s denied the envelope", id))
			}
			return Allowed()
		},
	})
}
