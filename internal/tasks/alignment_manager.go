package tasks

import (
	"context"
	"log/slog"

	"bandalign/internal/raster"
)

// Orchestrator runs registered strategies in registration order and returns
// the first transform produced.
type Orchestrator struct {
	strategies map[string]Strategy
	order      []string
	method     Method
	log        *slog.Logger
}

// NewOrchestrator creates an empty registry for method.
func NewOrchestrator(method Method, log *slog.Logger) *Orchestrator {
	return &Orchestrator{strategies: make(map[string]Strategy), method: method, log: orDefault(log)}
}

// Register a strategy. Re-registering a name replaces it in place.
func (o *Orchestrator) Register(s Strategy) {
	if s == nil {
		return
	}
	if _, exists := o.strategies[s.Name()]; !exists {
		o.order = append(o.order, s.Name())
	}
	o.strategies[s.Name()] = s
}

// Method returns the configured method.
func (o *Orchestrator) Method() Method { return o.method }

// Chain lists the names of the strategies the configured method will try.
func (o *Orchestrator) Chain() []string {
	var out []string
	for _, name := range o.order {
		if o.strategies[name].Supports(o.method) {
			out = append(out, name)
		}
	}
	return out
}

// Resolve tries each strategy of the chain in turn. Failed attempts are
// returned in order; the transform is nil when all of them failed.
func (o *Orchestrator) Resolve(ctx context.Context, ref, target *raster.Grid) (*Transform, []Attempt) {
	var attempts []Attempt
	for _, name := range o.Chain() {
		t, err := o.strategies[name].Estimate(ctx, ref, target)
		if err == nil && t != nil {
			return t, attempts
		}
		if err == nil {
			err = ErrNoTransform
		}
		o.log.Debug("registration strategy failed", "strategy", name, "error", err)
		attempts = append(attempts, Attempt{Strategy: name, Err: err})
	}
	return nil, attempts
}
