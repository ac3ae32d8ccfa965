package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/habitushome/habitus/pkg/candidate"
	"github.com/habitushome/habitus/pkg/core"
	"github.com/habitushome/habitus/pkg/graph"
	"github.com/habitushome/habitus/pkg/miner"
	"github.com/habitushome/habitus/pkg/neuron"
	"github.com/habitushome/habitus/pkg/persistence"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T) *core.Config {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Storage.DataPath = t.TempDir()
	cfg.Storage.Engine = "memory"
	cfg.Storage.Compress = false
	cfg.Daemons.DecayInterval = time.Hour
	cfg.Daemons.PersistInterval = time.Hour
	cfg.Daemons.MineInterval = time.Hour

	// Thresholds loose enough for the small fixtures.
	cfg.Miner.MinSupportA = 2
	cfg.Miner.MinSupportB = 2
	cfg.Miner.MinHits = 2
	cfg.Miner.MinConfidence = 0.3
	cfg.Miner.MinConfidenceLB = 0
	cfg.Miner.MinLift = 0.5
	cfg.Miner.MinLeverage = -1
	return cfg
}

func newCore(t *testing.T, cfg *core.Config) *Core {
	t.Helper()
	c, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c
}

func ev(tsMS int64, key string, ctx map[string]string) core.Event {
	return core.Event{
		TimestampMS: tsMS,
		EntityID:    core.EntityOf(core.EventKey(key)),
		Transition:  core.TransitionOf(core.EventKey(key)),
		Context:     ctx,
	}
}

func TestIngestValidation(t *testing.T) {
	c := newCore(t, testConfig(t))
	ctx := context.Background()

	base := time.Now().UnixMilli()
	require.NoError(t, c.IngestEvent(ctx, ev(base, "light.kitchen:on", nil)))

	err := c.IngestEvent(ctx, core.Event{TimestampMS: base + 1000, Transition: "on"})
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidInput, core.CodeOf(err))

	// Within tolerance: accepted even though older than the newest event.
	require.NoError(t, c.IngestEvent(ctx, ev(base-1000, "light.hall:on", nil)))

	// Beyond the five minute tolerance: rejected.
	late := ev(base-(5*time.Minute).Milliseconds()-1000, "light.hall:off", nil)
	err = c.IngestEvent(ctx, late)
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidInput, core.CodeOf(err))
}

func TestIngestFoldsGraph(t *testing.T) {
	c := newCore(t, testConfig(t))
	ctx := context.Background()
	base := time.Now().UnixMilli()

	require.NoError(t, c.IngestEvent(ctx, ev(base, "light.kitchen:on", map[string]string{"zone": "kitchen"})))
	require.NoError(t, c.IngestEvent(ctx, ev(base+5000, "switch.fan:on", map[string]string{"zone": "kitchen"})))

	node, err := c.graph.GetNode(ctx, "light.kitchen")
	require.NoError(t, err)
	assert.Equal(t, graph.KindEntity, node.Kind)
	assert.Equal(t, "light", node.Domain)
	assert.Greater(t, node.Score, 0.0)

	zone, err := c.graph.GetNode(ctx, "zone.kitchen")
	require.NoError(t, err)
	assert.Equal(t, graph.KindZone, zone.Kind)

	inZone, err := c.graph.GetEdges(ctx, graph.EdgeFilter{To: "zone.kitchen", Types: []graph.EdgeType{graph.EdgeInZone}})
	require.NoError(t, err)
	assert.Len(t, inZone, 2)

	// The fan fired 5 s after the light: triggered_by edge.
	trig, err := c.graph.GetEdges(ctx, graph.EdgeFilter{From: "switch.fan", Types: []graph.EdgeType{graph.EdgeTriggeredBy}})
	require.NoError(t, err)
	require.Len(t, trig, 1)
	assert.Equal(t, "light.kitchen", trig[0].To)
}

func TestRepeatedActivityAccumulatesScore(t *testing.T) {
	c := newCore(t, testConfig(t))
	ctx := context.Background()
	base := time.Now().UnixMilli()

	require.NoError(t, c.IngestEvent(ctx, ev(base, "light.kitchen:on", nil)))
	first, err := c.graph.GetNode(ctx, "light.kitchen")
	require.NoError(t, err)

	require.NoError(t, c.IngestEvent(ctx, ev(base+1000, "light.kitchen:off", nil)))
	second, err := c.graph.GetNode(ctx, "light.kitchen")
	require.NoError(t, err)
	assert.Greater(t, second.Score, first.Score)
}

func TestMineCreatesCandidates(t *testing.T) {
	c := newCore(t, testConfig(t))
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).UnixMilli()

	// Two sessions, each light-then-fan five seconds apart.
	for _, start := range []int64{base, base + (10 * time.Minute).Milliseconds()} {
		require.NoError(t, c.IngestEvent(ctx, ev(start, "light.kitchen:on", nil)))
		require.NoError(t, c.IngestEvent(ctx, ev(start+5000, "switch.fan:on", nil)))
	}

	res, err := c.MineAndCreateCandidates(ctx, miner.MineOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, miner.StatusCompleted, res.Status)
	require.Len(t, res.Rules, 1)
	assert.Equal(t, "light.kitchen:on", res.Rules[0].A)
	assert.Equal(t, "switch.fan:on", res.Rules[0].B)

	pending := c.Candidates().List(candidate.StatePending)
	require.Len(t, pending, 1)
	assert.Equal(t, res.Rules[0].PatternID(), pending[0].PatternID)

	// Patterns surfaces the last run.
	assert.Len(t, c.Patterns(20), 1)
}

func TestDismissedPatternNotRecreated(t *testing.T) {
	c := newCore(t, testConfig(t))
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).UnixMilli()

	for _, start := range []int64{base, base + (10 * time.Minute).Milliseconds()} {
		require.NoError(t, c.IngestEvent(ctx, ev(start, "light.kitchen:on", nil)))
		require.NoError(t, c.IngestEvent(ctx, ev(start+5000, "switch.fan:on", nil)))
	}

	res, err := c.MineAndCreateCandidates(ctx, miner.MineOptions{Force: true})
	require.NoError(t, err)
	require.Len(t, res.Rules, 1)

	cand := c.Candidates().List(candidate.StatePending)[0]
	_, err = c.Candidates().Decide(cand.CandidateID, candidate.StateDismissed, "no")
	require.NoError(t, err)

	// Re-discovery emits the rule but creates no second candidate.
	res, err = c.MineAndCreateCandidates(ctx, miner.MineOptions{Force: true})
	require.NoError(t, err)
	require.Len(t, res.Rules, 1)

	all := c.Candidates().List("")
	require.Len(t, all, 1)
	assert.Equal(t, candidate.StateDismissed, all[0].State)
}

func TestMineThrottled(t *testing.T) {
	c := newCore(t, testConfig(t))
	ctx := context.Background()

	res, err := c.MineAndCreateCandidates(ctx, miner.MineOptions{})
	require.NoError(t, err)
	assert.Equal(t, miner.StatusCompleted, res.Status)

	res, err = c.MineAndCreateCandidates(ctx, miner.MineOptions{})
	require.NoError(t, err)
	assert.Equal(t, miner.StatusSkipped, res.Status)

	res, err = c.MineAndCreateCandidates(ctx, miner.MineOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, miner.StatusCompleted, res.Status)
}

func TestMineUnknownZone(t *testing.T) {
	c := newCore(t, testConfig(t))
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).UnixMilli()

	require.NoError(t, c.IngestEvent(ctx, ev(base, "light.kitchen:on", nil)))
	require.NoError(t, c.IngestEvent(ctx, ev(base+5000, "switch.fan:on", nil)))

	res, err := c.MineAndCreateCandidates(ctx, miner.MineOptions{Force: true, Zone: "attic"})
	require.NoError(t, err)
	assert.Empty(t, res.Rules)
}

func TestMineCancelled(t *testing.T) {
	c := newCore(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.MineAndCreateCandidates(ctx, miner.MineOptions{Force: true})
	require.Error(t, err)
	assert.Equal(t, core.CodeCancelled, core.CodeOf(err))
}

func TestTickQueuesSuggestions(t *testing.T) {
	c := newCore(t, testConfig(t))
	now := time.Now()

	// Nobody home: the away mood saturates and suggests shutting down.
	res := c.Tick(now, map[string]float64{neuron.CtxPresence: 0})
	assert.Equal(t, neuron.MoodAway, res.DominantMood)
	require.NotEmpty(t, res.Suggestions)

	active := c.Suggestions(now.UnixMilli())
	assert.Len(t, active, len(res.Suggestions))

	// All suggestions expire after the retention window.
	later := now.Add(31 * time.Minute).UnixMilli()
	assert.Empty(t, c.Suggestions(later))
}

func TestSuggestionFeedback(t *testing.T) {
	c := newCore(t, testConfig(t))
	now := time.Now()

	res := c.Tick(now, map[string]float64{neuron.CtxPresence: 0})
	require.NotEmpty(t, res.Suggestions)
	s := res.Suggestions[0]

	require.NoError(t, c.SuggestionFeedback(s.ID, true))
	w := c.synapses.Weight("mood:"+s.SourceMood, s.ActionType)
	assert.Greater(t, w, 0.0)

	err := c.SuggestionFeedback("missing", true)
	assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
}

func TestStateSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	base := time.Now().UnixMilli()

	c1, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c1.IngestEvent(ctx, ev(base, "light.kitchen:on", map[string]string{"zone": "kitchen"})))
	require.NoError(t, c1.Close())

	c2 := newCore(t, cfg)
	node, err := c2.graph.GetNode(ctx, "light.kitchen")
	require.NoError(t, err)
	assert.Equal(t, graph.KindEntity, node.Kind)

	zone, err := c2.graph.GetNode(ctx, "zone.kitchen")
	require.NoError(t, err)
	assert.Equal(t, "kitchen", zone.Label)
}

func TestUnknownStateFieldsSurviveRestart(t *testing.T) {
	cfg := testConfig(t)
	dir := cfg.Storage.DataPath

	// A newer build wrote the state files with fields this build does
	// not know about.
	synPath := filepath.Join(dir, persistence.SynapsesFile)
	require.NoError(t, os.WriteFile(synPath, []byte(`[
  {
    "id": "s:mood:relax->notify",
    "source": "mood:relax",
    "target": "notify",
    "weight": 0.4,
    "threshold": 0,
    "conn_type": "excitatory",
    "state": "active",
    "last_active_ms": 0,
    "plasticity": 0.42
  }
]`), 0644))
	minerPath := filepath.Join(dir, persistence.MinerStateFile)
	require.NoError(t, os.WriteFile(minerPath,
		[]byte(`{"last_run_ms": 1000, "total_events_processed": 5, "calibration": {"drift": 0.01}}`), 0644))

	c, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 0.4, c.synapses.Weight("mood:relax", "notify"))
	require.NoError(t, c.Close())

	data, err := os.ReadFile(synPath)
	require.NoError(t, err)
	var conns []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &conns))
	require.Len(t, conns, 1)
	assert.JSONEq(t, `0.42`, string(conns[0]["plasticity"]))
	assert.JSONEq(t, `0.4`, string(conns[0]["weight"]))

	data, err = os.ReadFile(minerPath)
	require.NoError(t, err)
	var st map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &st))
	assert.JSONEq(t, `{"drift": 0.01}`, string(st["calibration"]))
	assert.JSONEq(t, `1000`, string(st["last_run_ms"]))
}

func TestGetStateClosure(t *testing.T) {
	c := newCore(t, testConfig(t))
	ctx := context.Background()
	base := time.Now().UnixMilli()

	require.NoError(t, c.IngestEvent(ctx, ev(base, "light.kitchen:on", map[string]string{"zone": "kitchen"})))
	require.NoError(t, c.IngestEvent(ctx, ev(base+1000, "switch.fan:on", map[string]string{"zone": "kitchen"})))

	view, err := c.GetState(ctx, StateFilter{})
	require.NoError(t, err)
	assert.NotZero(t, view.GeneratedAtMS)

	inSet := make(map[string]bool)
	for _, n := range view.Nodes {
		inSet[n.ID] = true
	}
	for _, e := range view.Edges {
		assert.True(t, inSet[e.From], "edge %s from outside node set", e.ID)
		assert.True(t, inSet[e.To], "edge %s to outside node set", e.ID)
	}

	// Centered query returns the neighborhood.
	view, err = c.GetState(ctx, StateFilter{Center: "light.kitchen", Hops: 2})
	require.NoError(t, err)
	assert.NotEmpty(t, view.Nodes)

	// Kind filter narrows the slice.
	view, err = c.GetState(ctx, StateFilter{Kinds: []graph.NodeKind{graph.KindZone}})
	require.NoError(t, err)
	for _, n := range view.Nodes {
		assert.Equal(t, graph.KindZone, n.Kind)
	}
}

func TestGetNodesPagination(t *testing.T) {
	c := newCore(t, testConfig(t))
	ctx := context.Background()
	base := time.Now().UnixMilli()

	keys := []string{"light.a:on", "light.b:on", "light.c:on"}
	for i, k := range keys {
		require.NoError(t, c.IngestEvent(ctx, ev(base+int64(i)*40000, k, nil)))
	}
	// light.a fires again: highest activity score.
	require.NoError(t, c.IngestEvent(ctx, ev(base+200000, "light.a:off", nil)))

	page, err := c.GetNodes(ctx, 1, 2, "score", "desc")
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Nodes, 2)
	assert.Equal(t, "light.a", page.Nodes[0].ID)

	page, err = c.GetNodes(ctx, 2, 2, "score", "desc")
	require.NoError(t, err)
	assert.Len(t, page.Nodes, 1)

	page, err = c.GetNodes(ctx, 1, 10, "label", "asc")
	require.NoError(t, err)
	assert.Equal(t, "light.a", page.Nodes[0].ID)

	_, err = c.GetNodes(ctx, 1, 10, "bogus", "desc")
	assert.Equal(t, core.CodeInvalidInput, core.CodeOf(err))
	_, err = c.GetNodes(ctx, 1, 10, "score", "sideways")
	assert.Equal(t, core.CodeInvalidInput, core.CodeOf(err))
}

func TestGetStats(t *testing.T) {
	c := newCore(t, testConfig(t))
	ctx := context.Background()

	require.NoError(t, c.IngestEvent(ctx, ev(time.Now().UnixMilli(), "light.kitchen:on", nil)))
	c.Tick(time.Now(), nil)

	stats := c.GetStats()
	pipe := stats["pipeline"].(map[string]any)
	assert.Equal(t, uint64(1), pipe["events_ingested"])
	assert.Equal(t, 1, pipe["events_cached"])

	g := stats["graph"].(map[string]any)
	assert.Equal(t, 1, g["nodes"])

	for _, key := range []string{"neurons", "miner", "candidates", "synapses", "dispatch", "workers", "daemons", "storage"} {
		assert.Contains(t, stats, key)
	}
}

func TestDaemonsRunThroughCore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemons.DecayInterval = 10 * time.Millisecond
	cfg.Daemons.PersistInterval = 10 * time.Millisecond
	cfg.Daemons.MineInterval = time.Hour

	c := newCore(t, cfg)
	c.Start()

	require.Eventually(t, func() bool {
		stats := c.daemons.Stats()
		maintains, _ := stats["maintain_runs"].(uint64)
		persists, _ := stats["persist_runs"].(uint64)
		return maintains >= 1 && persists >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEventCacheEviction(t *testing.T) {
	cache := newEventCache(3)
	for i := int64(1); i <= 5; i++ {
		cache.append(core.Event{TimestampMS: i, EntityID: "e", Transition: "t"})
	}
	snap := cache.snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, int64(3), snap[0].TimestampMS)
	assert.Equal(t, int64(5), snap[2].TimestampMS)
	assert.Equal(t, 2, cache.since(4))
}
