// Package strategy defines the signal function boundary. Concrete signal
// algorithms live behind Evaluator and are looked up by strategy type.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
)

var ErrUnknownType = errors.New("unknown strategy type")

// Input is everything a signal function sees for one symbol.
type Input struct {
	StrategyID uint
	Config     map[string]any
	Symbol     string
	Market     model.MarketSnapshot
	State      model.InstanceState
	Context    model.InstanceContext
}

// Evaluator returns an intent, or nil for "nothing to do". It must not have
// side effects the scheduler does not know about.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (*model.TradingIntent, error)
}

type EvaluatorFunc func(ctx context.Context, in Input) (*model.TradingIntent, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, in Input) (*model.TradingIntent, error) {
	return f(ctx, in)
}

// Hold never trades. Useful for strategies that only carry positions opened
// elsewhere and for dry runs of the scheduler itself.
type Hold struct{}

func (Hold) Evaluate(context.Context, Input) (*model.TradingIntent, error) { return nil, nil }

type Factory func(s storage.Strategy) (Evaluator, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("hold", func(storage.Strategy) (Evaluator, error) { return Hold{}, nil })
	return r
}

func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Build returns the evaluator for s.Type.
func (r *Registry) Build(s storage.Strategy) (Evaluator, error) {
	r.mu.RLock()
	f, ok := r.factories[s.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (strategy %s)", ErrUnknownType, s.Type, s.Name)
	}
	return f(s)
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
