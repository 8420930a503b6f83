package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Engine evaluates access decisions with a prepared Rego query.
type Engine struct {
	name   string
	query  rego.PreparedEvalQuery
	logger zerolog.Logger
}

// NewEngine compiles the built-in policy.
func NewEngine(ctx context.Context, logger zerolog.Logger) (*Engine, error) {
	return newEngine(ctx, logger, builtinName, BuiltinPolicy)
}

// NewEngineFromFile compiles the policy in path. An empty path selects the
// built-in policy.
func NewEngineFromFile(ctx context.Context, logger zerolog.Logger, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, logger)
	}
	src, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return newEngine(ctx, logger, path, src)
}

func newEngine(ctx context.Context, logger zerolog.Logger, name, src string) (*Engine, error) {
	if err := checkModule(name, src); err != nil {
		return nil, err
	}

	query, err := rego.New(
		rego.Module(name, src),
		rego.Query(decisionQuery),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	logger = logger.With().Str("component", "policy-engine").Logger()
	logger.Debug().Str("policy", name).Msg("Policy compiled successfully")

	return &Engine{name: name, query: query, logger: logger}, nil
}

// Name returns the policy source name.
func (e *Engine) Name() string {
	return e.name
}

// Decide evaluates in. Evaluation errors and undefined decisions return Deny
// together with the error.
func (e *Engine) Decide(ctx context.Context, in Input) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return Deny, fmt.Errorf("policy evaluation error: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Deny, fmt.Errorf("policy %s: decision is undefined", e.name)
	}

	// Round-trip through JSON to map the Rego object onto Decision.
	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return Deny, fmt.Errorf("policy %s: %w", e.name, err)
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return Deny, fmt.Errorf("policy %s: malformed decision: %w", e.name, err)
	}

	e.logger.Debug().
		Str("function", in.Function).
		Bool("authenticated", in.Authenticated).
		Bool("allow", d.Allow).
		Msg("Policy decision")
	return d, nil
}
