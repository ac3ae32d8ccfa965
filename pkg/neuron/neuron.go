// Package neuron implements the three-layer evaluation pipeline: context
// neurons read raw entity inputs, state neurons read frozen context
// values, mood neurons read both. A tick evaluates the layers in strict
// order and elects a dominant mood.
package neuron

import (
	"time"
)

// Kind is the neuron layer.
type Kind string

const (
	KindContext Kind = "context"
	KindState   Kind = "state"
	KindMood    Kind = "mood"
)

// DefaultValueHistory is the per-neuron value ring capacity.
const DefaultValueHistory = 16

// EvalContext is the frozen view a neuron evaluates against. Layers are
// populated progressively: Inputs before the context pass, ContextValues
// before the state pass, StateValues before the mood pass.
type EvalContext struct {
	Now           time.Time
	Inputs        map[string]float64
	ContextValues map[string]float64
	StateValues   map[string]float64
}

// value resolves a term according to the reading rules of the layer:
// context neurons see raw inputs, state neurons see context values, mood
// neurons see state values with context values as fallback.
func (c *EvalContext) value(kind Kind, term string) (float64, bool) {
	switch kind {
	case KindContext:
		v, ok := c.Inputs[term]
		return v, ok
	case KindState:
		v, ok := c.ContextValues[term]
		return v, ok
	case KindMood:
		if v, ok := c.StateValues[term]; ok {
			return v, true
		}
		v, ok := c.ContextValues[term]
		return v, ok
	}
	return 0, false
}

// Neuron is one evaluation unit. Evaluate must be deterministic in its
// context; failures are sandboxed by the manager.
type Neuron interface {
	Name() string
	Kind() Kind
	Evaluate(ctx *EvalContext) (float64, error)
}

// Linear is a weighted-sum neuron: bias + sum(weight * term). Terms that
// resolve to nothing read as neutral 0.5. The result is clamped to [0,1].
type Linear struct {
	NeuronName string
	Layer      Kind
	Bias       float64
	Weights    map[string]float64
	EntityIDs  []string
}

func (n *Linear) Name() string { return n.NeuronName }
func (n *Linear) Kind() Kind   { return n.Layer }

func (n *Linear) Evaluate(ctx *EvalContext) (float64, error) {
	v := n.Bias
	for term, w := range n.Weights {
		x, ok := ctx.value(n.Layer, term)
		if !ok {
			x = 0.5
		}
		v += w * x
	}
	return clamp01(v), nil
}

// Func wraps an arbitrary evaluation function.
type Func struct {
	NeuronName string
	Layer      Kind
	Fn         func(ctx *EvalContext) (float64, error)
}

func (n *Func) Name() string { return n.NeuronName }
func (n *Func) Kind() Kind   { return n.Layer }

func (n *Func) Evaluate(ctx *EvalContext) (float64, error) {
	return n.Fn(ctx)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ring is a fixed-capacity value history.
type ring struct {
	data []float64
	head int
	full bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultValueHistory
	}
	return &ring{data: make([]float64, capacity)}
}

func (r *ring) push(v float64) {
	r.data[r.head] = v
	r.head = (r.head + 1) % len(r.data)
	if r.head == 0 {
		r.full = true
	}
}

// values returns the history oldest-first.
func (r *ring) values() []float64 {
	if !r.full {
		out := make([]float64, r.head)
		copy(out, r.data[:r.head])
		return out
	}
	out := make([]float64, 0, len(r.data))
	out = append(out, r.data[r.head:]...)
	out = append(out, r.data[:r.head]...)
	return out
}
