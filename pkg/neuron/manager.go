package neuron

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/habitushome/habitus/pkg/core"
	"github.com/habitushome/habitus/pkg/dispatch"
)

// Neutral values substituted when a neuron's evaluation fails.
const (
	neutralContext = 0.5
	neutralMood    = 0.0
)

// State is the tracked runtime state of one neuron.
type State struct {
	Name          string    `json:"name"`
	Kind          Kind      `json:"kind"`
	Value         float64   `json:"value"`
	Confidence    float64   `json:"confidence"`
	LastUpdatedMS int64     `json:"last_updated_ms"`
	History       []float64 `json:"history"`
}

// TickResult is the outcome of one full evaluation pass.
type TickResult struct {
	ContextValues map[string]float64 `json:"context_values"`
	StateValues   map[string]float64 `json:"state_values"`
	Moods         map[string]float64 `json:"moods"` // smoothed
	DominantMood  string             `json:"dominant_mood"`
	Confidence    float64            `json:"confidence"`
	MoodChanged   bool               `json:"mood_changed"`
	Suggestions   []Suggestion       `json:"suggestions,omitempty"`
}

// MoodChange is the payload published on a dominant-mood transition.
type MoodChange struct {
	Previous   string  `json:"previous"`
	Current    string  `json:"current"`
	Confidence float64 `json:"confidence"`
}

// Manager evaluates the neuron layers. Ticks are serialized: one tick at
// a time, atomic from the outside.
type Manager struct {
	cfg    core.NeuronConfig
	bus    *dispatch.Bus
	logger *zap.Logger

	mu       sync.Mutex
	context  []Neuron
	state    []Neuron
	mood     []Neuron
	states   map[string]*managed
	history  []map[string]float64 // raw mood snapshots, oldest first
	dominant string
	domConf  float64
	ticks    uint64
	failures uint64
}

type managed struct {
	value       float64
	confidence  float64
	lastUpdated int64
	ring        *ring
}

// NewManager builds a manager over the given neurons. Pass Defaults()
// for the builtin catalogue; a nil bus disables event emission.
func NewManager(cfg core.NeuronConfig, bus *dispatch.Bus, logger *zap.Logger, neurons []Neuron) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MoodHistory <= 0 {
		cfg.MoodHistory = 10
	}
	if cfg.SmoothingWindow <= 0 {
		cfg.SmoothingWindow = 3
	}
	if cfg.ValueHistory <= 0 {
		cfg.ValueHistory = DefaultValueHistory
	}
	if cfg.SuggestionTTL <= 0 {
		cfg.SuggestionTTL = 30 * time.Minute
	}

	m := &Manager{
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		states:   make(map[string]*managed),
		dominant: DefaultMood,
	}
	for _, n := range neurons {
		switch n.Kind() {
		case KindContext:
			m.context = append(m.context, n)
		case KindState:
			m.state = append(m.state, n)
		case KindMood:
			m.mood = append(m.mood, n)
		default:
			logger.Warn("unknown neuron kind dropped",
				zap.String("neuron", n.Name()),
				zap.String("kind", string(n.Kind())))
			continue
		}
		m.states[n.Name()] = &managed{ring: newRing(cfg.ValueHistory)}
	}
	return m
}

// Tick runs one full evaluation pass: context, then state, then mood,
// each layer frozen before the next reads it.
func (m *Manager) Tick(now time.Time, inputs map[string]float64) TickResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks++

	ctx := &EvalContext{Now: now, Inputs: inputs}
	nowMS := now.UnixMilli()

	ctx.ContextValues = m.evaluateLayer(m.context, ctx, neutralContext, nowMS)
	ctx.StateValues = m.evaluateLayer(m.state, ctx, neutralContext, nowMS)
	raw := m.evaluateLayer(m.mood, ctx, neutralMood, nowMS)

	smoothed := m.smooth(raw)
	m.history = append(m.history, raw)
	if len(m.history) > m.cfg.MoodHistory {
		m.history = m.history[len(m.history)-m.cfg.MoodHistory:]
	}

	dominant, conf := electMood(smoothed)
	changed := dominant != m.dominant
	prev := m.dominant
	m.dominant = dominant
	m.domConf = conf

	res := TickResult{
		ContextValues: ctx.ContextValues,
		StateValues:   ctx.StateValues,
		Moods:         smoothed,
		DominantMood:  dominant,
		Confidence:    conf,
		MoodChanged:   changed,
	}
	res.Suggestions = m.suggest(dominant, conf, ctx, nowMS)

	if changed && m.bus != nil {
		m.bus.Publish(dispatch.Event{
			Topic:       dispatch.TopicMoodChanged,
			Source:      "neurons",
			TimestampMS: nowMS,
			Payload:     MoodChange{Previous: prev, Current: dominant, Confidence: conf},
		})
	}
	return res
}

// evaluateLayer runs one layer sandboxed: a panicking or failing neuron
// contributes the neutral value and the tick continues.
func (m *Manager) evaluateLayer(layer []Neuron, ctx *EvalContext, neutral float64, nowMS int64) map[string]float64 {
	out := make(map[string]float64, len(layer))
	for _, n := range layer {
		v, err := m.safeEvaluate(n, ctx)
		conf := 1.0
		if err != nil {
			m.failures++
			m.logger.Warn("neuron evaluation failed",
				zap.String("neuron", n.Name()),
				zap.String("kind", string(n.Kind())),
				zap.Error(err))
			v = neutral
			conf = 0
		}
		v = clamp01(v)
		out[n.Name()] = v

		st := m.states[n.Name()]
		st.value = v
		st.confidence = conf
		st.lastUpdated = nowMS
		st.ring.push(v)
	}
	return out
}

func (m *Manager) safeEvaluate(n Neuron, ctx *EvalContext) (v float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.NewErrorf(core.CodeInternal, "neuron %s panicked: %v", n.Name(), r)
		}
	}()
	return n.Evaluate(ctx)
}

// smooth averages each raw mood value with its trailing snapshots from
// the bounded history.
func (m *Manager) smooth(raw map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(raw))
	start := len(m.history) - m.cfg.SmoothingWindow
	if start < 0 {
		start = 0
	}
	trailing := m.history[start:]
	for name, v := range raw {
		sum, n := v, 1
		for _, snap := range trailing {
			if past, ok := snap[name]; ok {
				sum += past
				n++
			}
		}
		out[name] = sum / float64(n)
	}
	return out
}

// electMood picks the argmax of the smoothed values, deterministically
// tie-broken by name. With no positive value the default mood wins.
func electMood(moods map[string]float64) (string, float64) {
	names := make([]string, 0, len(moods))
	for name := range moods {
		names = append(names, name)
	}
	sort.Strings(names)

	best, bestV := "", 0.0
	for _, name := range names {
		if v := moods[name]; v > bestV {
			best, bestV = name, v
		}
	}
	if best == "" {
		return DefaultMood, 0
	}
	return best, bestV
}

// DominantMood returns the current dominant mood and its confidence.
func (m *Manager) DominantMood() (string, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dominant, m.domConf
}

// Snapshot returns the tracked state of every neuron, sorted by layer
// then name.
func (m *Manager) Snapshot() []State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]State, 0, len(m.states))
	for _, group := range [][]Neuron{m.context, m.state, m.mood} {
		for _, n := range group {
			st := m.states[n.Name()]
			out = append(out, State{
				Name:          n.Name(),
				Kind:          n.Kind(),
				Value:         st.value,
				Confidence:    st.confidence,
				LastUpdatedMS: st.lastUpdated,
				History:       st.ring.values(),
			})
		}
	}
	return out
}

// Stats reports manager counters.
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"ticks":         m.ticks,
		"failures":      m.failures,
		"neurons":       len(m.states),
		"dominant_mood": m.dominant,
		"confidence":    m.domConf,
	}
}
