package synapse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFireTransmitsWeightedSignal(t *testing.T) {
	e := NewEngine()
	e.Connect("mood:focus", "light.boost", TypeExcitatory, 0.5, 0)
	e.Connect("mood:focus", "media.volume", TypeInhibitory, 0.4, 0)
	e.Connect("mood:focus", "notify", TypeExcitatory, 0.9, 0.8)

	out := e.Fire("mood:focus", 0.6)
	assert.InDelta(t, 0.3, out["light.boost"], 1e-9)
	assert.InDelta(t, -0.24, out["media.volume"], 1e-9)

	// Input below the notify threshold does not transmit.
	_, ok := out["notify"]
	assert.False(t, ok)

	out = e.Fire("mood:focus", 0.9)
	assert.InDelta(t, 0.81, out["notify"], 1e-9)
}

func TestFireUnknownSource(t *testing.T) {
	e := NewEngine()
	assert.Empty(t, e.Fire("mood:unknown", 1))
}

func TestFeedbackAdjustsWeight(t *testing.T) {
	e := NewEngine()
	e.Connect("mood:relax", "light.dim", TypeExcitatory, 0.5, 0)

	require.True(t, e.Feedback("mood:relax", "light.dim", true))
	assert.InDelta(t, 0.5+LearningRate*RewardMagnitude, e.Weight("mood:relax", "light.dim"), 1e-9)

	require.True(t, e.Feedback("mood:relax", "light.dim", false))
	assert.InDelta(t, 0.5, e.Weight("mood:relax", "light.dim"), 1e-9)

	assert.False(t, e.Feedback("mood:relax", "nope", true))
}

func TestFeedbackClampsWeight(t *testing.T) {
	e := NewEngine()
	e.Connect("a", "b", TypeExcitatory, 1.0, 0)
	e.Feedback("a", "b", true)
	assert.Equal(t, 1.0, e.Weight("a", "b"))

	e.Connect("c", "d", TypeInhibitory, -1.0, 0)
	e.Feedback("c", "d", false)
	assert.Equal(t, -1.0, e.Weight("c", "d"))
}

func TestDecayAfterInactivity(t *testing.T) {
	e := NewEngine()
	c := e.Connect("a", "b", TypeExcitatory, 0.5, 0)
	start := time.Now().UnixMilli()
	c.LastActiveMS = start
	c.LastDecayMS = start

	// Less than one period: untouched.
	assert.Equal(t, 0, e.Decay(start+DecayPeriod.Milliseconds()-1))
	assert.Equal(t, 0.5, e.Weight("a", "b"))

	// Three full periods of inactivity.
	assert.Equal(t, 1, e.Decay(start+3*DecayPeriod.Milliseconds()))
	want := 0.5 * (1 - DecayRate) * (1 - DecayRate) * (1 - DecayRate)
	assert.InDelta(t, want, e.Weight("a", "b"), 1e-12)

	// Decay is not applied twice for the same elapsed span.
	assert.Equal(t, 0, e.Decay(start+3*DecayPeriod.Milliseconds()))
	assert.InDelta(t, want, e.Weight("a", "b"), 1e-12)
}

func TestPruneRemovesWeakConnections(t *testing.T) {
	e := NewEngine()
	e.Connect("a", "b", TypeExcitatory, 0.005, 0)
	e.Connect("a", "c", TypeExcitatory, 0.5, 0)
	e.Connect("d", "f", TypeInhibitory, -0.002, 0)

	assert.Equal(t, 2, e.Prune())
	assert.Equal(t, 0.0, e.Weight("a", "b"))
	assert.Equal(t, 0.5, e.Weight("a", "c"))

	// Pruned sources drop out of the fan-out index.
	assert.Empty(t, e.Fire("d", 1))
}

func TestCoActivationWiresSources(t *testing.T) {
	e := NewEngine()

	e.OnFired("mood:relax")
	e.OnFired("light.dim")

	w := e.Weight("mood:relax", "light.dim")
	assert.Equal(t, initialWeight, w)

	// Firing together again strengthens the existing connection.
	e.OnFired("mood:relax")
	e.OnFired("light.dim")
	assert.InDelta(t, initialWeight+LearningRate*RewardMagnitude, e.Weight("mood:relax", "light.dim"), 1e-9)
}

func TestExportRestoreRoundTrip(t *testing.T) {
	e := NewEngine()
	e.Connect("mood:sleep", "light.off", TypeExcitatory, 0.7, 0.2)
	e.Connect("mood:sleep", "media.off", TypeInhibitory, -0.3, 0)

	exported := e.Export()
	require.Len(t, exported, 2)
	assert.True(t, exported[0].ID < exported[1].ID)

	restored := NewEngine()
	restored.Restore(exported)
	assert.Equal(t, 0.7, restored.Weight("mood:sleep", "light.off"))
	assert.Equal(t, -0.3, restored.Weight("mood:sleep", "media.off"))

	out := restored.Fire("mood:sleep", 0.5)
	assert.InDelta(t, 0.35, out["light.off"], 1e-9)
}

func TestRestoreClampsAndDerivesIDs(t *testing.T) {
	e := NewEngine()
	e.Restore([]Connection{
		{Source: "a", Target: "b", Weight: 3, Type: TypeExcitatory},
	})
	assert.Equal(t, 1.0, e.Weight("a", "b"))

	exported := e.Export()
	require.Len(t, exported, 1)
	assert.Equal(t, ConnID("a", "b"), exported[0].ID)
}

func TestStats(t *testing.T) {
	e := NewEngine()
	e.Connect("a", "b", TypeExcitatory, 0.5, 0)
	e.Feedback("a", "b", true)
	e.OnFired("a")

	stats := e.Stats()
	assert.Equal(t, 1, stats["connections"])
	assert.Equal(t, uint64(1), stats["updates"])
	assert.Equal(t, uint64(1), stats["fires"])
}
