// Package synapse refines suggestion routing with a directed weighted
// graph between neuron outputs and suggestion channels. Weights adapt to
// user feedback by Hebbian update and decay with inactivity.
package synapse

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// ConnType classifies how a connection transmits.
type ConnType string

const (
	TypeExcitatory ConnType = "excitatory"
	TypeInhibitory ConnType = "inhibitory"
	TypeModulatory ConnType = "modulatory"
)

// Learning parameters.
const (
	LearningRate    = 0.01
	RewardMagnitude = 0.1
	PruneThreshold  = 0.01
	DecayRate       = 0.001
	DecayPeriod     = 24 * time.Hour

	// Sources active within this window of each other are considered
	// co-activated and get wired automatically.
	coActivationWindow = 5 * time.Second

	// initialWeight is the starting weight of an auto-formed connection.
	initialWeight = 0.05
)

// Connection is one directed weighted link.
type Connection struct {
	ID           string   `json:"id"`
	Source       string   `json:"source"`
	Target       string   `json:"target"`
	Weight       float64  `json:"weight"` // in [-1, 1]
	Threshold    float64  `json:"threshold"`
	Type         ConnType `json:"conn_type"`
	State        string   `json:"state"`
	LastActiveMS int64    `json:"last_active_ms"`

	// LastDecayMS tracks how far decay has been applied.
	LastDecayMS int64 `json:"last_decay_ms,omitempty"`
}

// ConnID derives the stable connection id.
func ConnID(source, target string) string {
	return fmt.Sprintf("s:%s->%s", source, target)
}

// Engine owns the connection table. "Fires together, wires together":
// co-activated sources form connections, user feedback tunes them.
type Engine struct {
	mu          sync.Mutex
	conns       map[string]*Connection
	bySource    map[string][]string
	recentFires map[string]time.Time

	fires   uint64
	updates uint64
}

// NewEngine creates an empty synapse engine.
func NewEngine() *Engine {
	return &Engine{
		conns:       make(map[string]*Connection),
		bySource:    make(map[string][]string),
		recentFires: make(map[string]time.Time),
	}
}

// Connect creates or replaces an explicit connection.
func (e *Engine) Connect(source, target string, typ ConnType, weight, threshold float64) *Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connectLocked(source, target, typ, weight, threshold, time.Now().UnixMilli())
}

func (e *Engine) connectLocked(source, target string, typ ConnType, weight, threshold float64, nowMS int64) *Connection {
	id := ConnID(source, target)
	c, ok := e.conns[id]
	if !ok {
		c = &Connection{ID: id, Source: source, Target: target, State: "active"}
		e.conns[id] = c
		e.bySource[source] = append(e.bySource[source], id)
	}
	c.Type = typ
	c.Weight = clampWeight(weight)
	c.Threshold = threshold
	c.LastActiveMS = nowMS
	c.LastDecayMS = nowMS
	return c
}

// OnFired records source activity and wires it to recently co-activated
// sources, strengthening connections that already exist.
func (e *Engine) OnFired(source string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.fires++

	for other, firedAt := range e.recentFires {
		if other == source {
			continue
		}
		if now.Sub(firedAt) > coActivationWindow {
			continue
		}
		id := ConnID(other, source)
		if c, ok := e.conns[id]; ok {
			c.Weight = clampWeight(c.Weight + LearningRate*RewardMagnitude)
			c.LastActiveMS = now.UnixMilli()
		} else {
			e.connectLocked(other, source, TypeExcitatory, initialWeight, 0, now.UnixMilli())
		}
	}

	e.recentFires[source] = now
	for id, firedAt := range e.recentFires {
		if now.Sub(firedAt) > 2*coActivationWindow {
			delete(e.recentFires, id)
		}
	}
}

// Fire transmits an input through every connection of the source whose
// threshold it clears. Inhibitory connections flip the sign.
func (e *Engine) Fire(source string, input float64) map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	nowMS := time.Now().UnixMilli()
	out := make(map[string]float64)
	for _, id := range e.bySource[source] {
		c := e.conns[id]
		if input < c.Threshold {
			continue
		}
		signal := input * c.Weight
		if c.Type == TypeInhibitory {
			signal = -signal
		}
		out[c.Target] += signal
		c.LastActiveMS = nowMS
	}
	return out
}

// Feedback applies the Hebbian update for a user reaction to a routed
// suggestion: positive feedback strengthens, negative weakens.
func (e *Engine) Feedback(source, target string, positive bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.conns[ConnID(source, target)]
	if !ok {
		return false
	}
	reward := RewardMagnitude
	if !positive {
		reward = -RewardMagnitude
	}
	c.Weight = clampWeight(c.Weight + LearningRate*reward)
	c.LastActiveMS = time.Now().UnixMilli()
	e.updates++
	return true
}

// Decay weakens connections by (1 - DecayRate) per full decay period of
// inactivity and returns how many connections were touched.
func (e *Engine) Decay(nowMS int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	periodMS := DecayPeriod.Milliseconds()
	touched := 0
	for _, c := range e.conns {
		anchor := c.LastActiveMS
		if c.LastDecayMS > anchor {
			anchor = c.LastDecayMS
		}
		periods := (nowMS - anchor) / periodMS
		if periods <= 0 {
			continue
		}
		c.Weight *= math.Pow(1-DecayRate, float64(periods))
		c.LastDecayMS = anchor + periods*periodMS
		touched++
	}
	return touched
}

// Prune removes connections whose weight magnitude fell below the
// threshold and returns the number removed.
func (e *Engine) Prune() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	pruned := 0
	for id, c := range e.conns {
		if math.Abs(c.Weight) >= PruneThreshold {
			continue
		}
		delete(e.conns, id)
		e.bySource[c.Source] = removeID(e.bySource[c.Source], id)
		if len(e.bySource[c.Source]) == 0 {
			delete(e.bySource, c.Source)
		}
		pruned++
	}
	return pruned
}

// Weight reports the current weight of a connection, zero when absent.
func (e *Engine) Weight(source, target string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.conns[ConnID(source, target)]; ok {
		return c.Weight
	}
	return 0
}

// Export returns every connection sorted by id, for persistence.
func (e *Engine) Export() []Connection {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Connection, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the connection table, typically at startup.
func (e *Engine) Restore(conns []Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.conns = make(map[string]*Connection, len(conns))
	e.bySource = make(map[string][]string)
	for i := range conns {
		c := conns[i]
		if c.ID == "" {
			c.ID = ConnID(c.Source, c.Target)
		}
		c.Weight = clampWeight(c.Weight)
		e.conns[c.ID] = &c
		e.bySource[c.Source] = append(e.bySource[c.Source], c.ID)
	}
}

// Stats returns engine counters.
func (e *Engine) Stats() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]any{
		"connections":  len(e.conns),
		"recent_fires": len(e.recentFires),
		"fires":        e.fires,
		"updates":      e.updates,
	}
}

func clampWeight(w float64) float64 {
	if w > 1 {
		return 1
	}
	if w < -1 {
		return -1
	}
	return w
}

func removeID(ids []string, remove string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != remove {
			out = append(out, id)
		}
	}
	return out
}
