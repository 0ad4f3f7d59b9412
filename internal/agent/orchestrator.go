package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrNoAgentsRegistered is returned before any work is attempted when the
// registry is empty.
var ErrNoAgentsRegistered = errors.New("No agents registered")

// ExecutionError wraps a failure returned by the selected agent.
type ExecutionError struct {
	Agent ID
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("Execution failed (%s): %v", e.Agent, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ExecutionObserver is notified after every agent call.
type ExecutionObserver interface {
	ObserveExecution(id ID, elapsed time.Duration, err error)
}

// Options configures an Orchestrator.
type Options struct {
	Policy Policy

	// FallbackOnFailure retries with the remaining available agents, in
	// fallback-chain order, after the selected agent fails. Off by default.
	FallbackOnFailure bool

	// Retry, when set, retries each agent call with exponential backoff.
	Retry *RetryConfig

	// Breakers, when set, wraps each agent in a circuit breaker.
	Breakers *BreakerRegistry

	Observer ExecutionObserver
	Logger   *zap.Logger
}

// Orchestrator selects an agent from its registry and runs the prompt on it.
// It is itself an Executor.
type Orchestrator struct {
	registry *Registry
	opts     Options
	logger   *zap.Logger
}

var _ Executor = (*Orchestrator)(nil)

// NewOrchestrator creates an orchestrator over registry.
func NewOrchestrator(registry *Registry, opts Options) *Orchestrator {
	if len(opts.Policy.FallbackChain) == 0 && opts.Policy.ContextThreshold == 0 {
		opts.Policy = DefaultPolicy()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{registry: registry, opts: opts, logger: logger}
}

// Registry returns the underlying registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Policy returns the selection policy in use.
func (o *Orchestrator) Policy() Policy { return o.opts.Policy }

// Select resolves which agent ExecutePrompt would use for params.
func (o *Orchestrator) Select(params Params) (ID, error) {
	available := o.registry.Available()
	if len(available) == 0 {
		return "", ErrNoAgentsRegistered
	}

	if raw := params.String(ParamPreferredAgent); raw != "" && raw != "auto" {
		preferred, err := ParseID(raw)
		if err != nil {
			return "", err
		}
		if o.registry.IsAvailable(preferred) {
			return preferred, nil
		}
		o.logger.Info("preferred agent unavailable, selecting automatically",
			zap.String("preferred", string(preferred)))
	}

	complexity, err := complexityFrom(params)
	if err != nil {
		return "", err
	}
	contextSize, ok := params.Int(ParamContextSize)
	if !ok {
		contextSize = 1000
	}

	id, err := o.opts.Policy.SelectAgent(complexity, available, params.Bool(ParamRequirePlanApproval), contextSize)
	if err != nil {
		o.logger.Error("agent selection failed", zap.Error(err), zap.Any("available", available))
		return "", err
	}
	return id, nil
}

// Execution is the outcome of a successful Execute call.
type Execution struct {
	Agent  ID
	Output string
}

// ExecutePrompt selects an agent and runs prompt on it.
func (o *Orchestrator) ExecutePrompt(ctx context.Context, projectPath, prompt string, params Params) (string, error) {
	res, err := o.Execute(ctx, projectPath, prompt, params)
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

// Execute is ExecutePrompt that also reports which agent produced the
// output, which differs from the selected one after a fallback.
func (o *Orchestrator) Execute(ctx context.Context, projectPath, prompt string, params Params) (Execution, error) {
	selected, err := o.Select(params)
	if err != nil {
		return Execution{}, err
	}

	o.logger.Info("selected agent", zap.String("agent", string(selected)), zap.String("project", projectPath))

	out, err := o.run(ctx, selected, projectPath, prompt, params)
	if err == nil {
		return Execution{Agent: selected, Output: out}, nil
	}
	if !o.opts.FallbackOnFailure || ctx.Err() != nil {
		return Execution{}, &ExecutionError{Agent: selected, Err: err}
	}

	lastAgent, lastErr := selected, err
	for _, id := range o.opts.Policy.order(o.registry.Available()) {
		if id == selected {
			continue
		}
		o.logger.Warn("agent failed, trying next in fallback chain",
			zap.String("failed", string(lastAgent)),
			zap.String("next", string(id)),
			zap.Error(lastErr))

		out, err := o.run(ctx, id, projectPath, prompt, params)
		if err == nil {
			return Execution{Agent: id, Output: out}, nil
		}
		lastAgent, lastErr = id, err
		if ctx.Err() != nil {
			break
		}
	}
	return Execution{}, &ExecutionError{Agent: lastAgent, Err: lastErr}
}

func (o *Orchestrator) run(ctx context.Context, id ID, projectPath, prompt string, params Params) (string, error) {
	exec, ok := o.registry.Get(id)
	if !ok {
		return "", fmt.Errorf("agent %s is not registered", id)
	}

	var breaker *gobreaker.CircuitBreaker
	if o.opts.Breakers != nil {
		breaker = o.opts.Breakers.Get(id)
	}

	start := time.Now()
	out, err := runProtected(ctx, func() (string, error) {
		return exec.ExecutePrompt(ctx, projectPath, prompt, params)
	}, breaker, o.opts.Retry)

	if o.opts.Observer != nil {
		o.opts.Observer.ObserveExecution(id, time.Since(start), err)
	}
	return out, err
}

func complexityFrom(params Params) (Complexity, error) {
	switch v := params[ParamComplexity].(type) {
	case nil:
		return Moderate, nil
	case Complexity:
		return v, nil
	case string:
		if v == "" {
			return Moderate, nil
		}
		return ParseComplexity(v)
	default:
		return Moderate, fmt.Errorf("unsupported complexity value %v", v)
	}
}
