package miner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/habitushome/habitus/pkg/core"
)

func testMinerConfig() core.MinerConfig {
	return core.MinerConfig{
		Windows:          []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute, time.Hour},
		MinSupportA:      20,
		MinSupportB:      20,
		MinHits:          10,
		MinConfidence:    0.5,
		MinConfidenceLB:  0.3,
		MinLift:          1.2,
		MinLeverage:      0.05,
		MaxRules:         200,
		Cooldown:         2 * time.Second,
		SessionGap:       2 * time.Minute,
		Throttle:         30 * time.Minute,
		ExcludeSelfRules: true,
		EvidenceCap:      50,
	}
}

func ev(entity, transition string, tsMS int64) core.Event {
	return core.Event{
		TimestampMS: tsMS,
		EntityID:    entity,
		Domain:      core.DomainOf(entity),
		Transition:  transition,
	}
}

func TestPairDiscovery(t *testing.T) {
	cfg := testMinerConfig()
	cfg.MinSupportA = 2
	cfg.MinSupportB = 2
	cfg.MinHits = 2
	cfg.MinConfidence = 0.3
	cfg.MinLift = 0.5
	m := New(cfg, zap.NewNop())

	t0 := int64(1_000_000)
	events := []core.Event{
		ev("light.kitchen", "on", t0),
		ev("switch.fan", "on", t0+5_000),
		ev("light.kitchen", "on", t0+600_000), // next session, gap 10 min
		ev("switch.fan", "on", t0+605_000),
	}

	res, err := m.Mine(context.Background(), events, MineOptions{NowMS: t0 + 700_000})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Sessions)
	require.Len(t, res.Rules, 1)

	r := res.Rules[0]
	assert.Equal(t, "light.kitchen:on", r.A)
	assert.Equal(t, "switch.fan:on", r.B)
	assert.Equal(t, 2, r.NA)
	assert.Equal(t, 2, r.NAB)
	assert.Equal(t, 1.0, r.Confidence)
	assert.Equal(t, 30, r.DtSec)

	// Rule arithmetic invariants.
	assert.LessOrEqual(t, r.ConfidenceLB, r.Confidence)
	assert.LessOrEqual(t, r.NAB, r.NA)
	require.Len(t, r.Evidence.Hits, 2)
	assert.Equal(t, int64(5_000), r.Evidence.Hits[0].LatencyMS)
}

func TestSelfRulesExcluded(t *testing.T) {
	m := New(testMinerConfig(), zap.NewNop())

	events := make([]core.Event, 0, 20)
	for i := 0; i < 20; i++ {
		events = append(events, ev("light.kitchen", "on", int64(i)*3_000))
	}
	res, err := m.Mine(context.Background(), events, MineOptions{NowMS: 100_000})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Empty(t, res.Rules)
}

func TestDebounceCollapsesChatter(t *testing.T) {
	cfg := testMinerConfig()
	cfg.MinSupportA = 10
	cfg.MinSupportB = 1
	cfg.MinConfidenceLB = 0
	cfg.MinLift = 0
	cfg.MinLeverage = -1
	m := New(cfg, zap.NewNop())

	events := make([]core.Event, 0, 101)
	for i := 0; i < 100; i++ {
		events = append(events, ev("light.kitchen", "on", int64(i)*500))
	}
	last := events[len(events)-1].TimestampMS
	events = append(events, ev("switch.fan", "on", last+1_000))

	res, err := m.Mine(context.Background(), events, MineOptions{NowMS: last + 10_000})
	require.NoError(t, err)

	// 100 events 500 ms apart under a 2 s cooldown keep every fourth,
	// plus the single fan event.
	assert.Equal(t, 26, res.EventsRetained)

	var rule *Rule
	for i := range res.Rules {
		if res.Rules[i].A == "light.kitchen:on" && res.Rules[i].B == "switch.fan:on" {
			rule = &res.Rules[i]
			break
		}
	}
	require.NotNil(t, rule)
	assert.Equal(t, 25, rule.NA)
}

func TestCooldownOverridePerEntity(t *testing.T) {
	cfg := testMinerConfig()
	cfg.CooldownOverrides = map[string]time.Duration{
		"binary_sensor.hall_motion": 10 * time.Second,
	}
	m := New(cfg, zap.NewNop())

	// Motion and light both report every 3 s. The global 2 s cooldown
	// keeps all light events; the 10 s override thins the motion chatter.
	events := make([]core.Event, 0, 20)
	for i := 0; i < 10; i++ {
		events = append(events, ev("binary_sensor.hall_motion", "on", int64(i)*3_000))
		events = append(events, ev("light.kitchen", "on", int64(i)*3_000+1_000))
	}

	res, err := m.Mine(context.Background(), events, MineOptions{NowMS: 60_000})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	// Motion kept at 0 s, 12 s and 24 s only; all 10 light events kept.
	assert.Equal(t, 13, res.EventsRetained)
}

func TestEmptyStream(t *testing.T) {
	m := New(testMinerConfig(), zap.NewNop())
	res, err := m.Mine(context.Background(), nil, MineOptions{NowMS: 1})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Empty(t, res.Rules)
	assert.Zero(t, res.Sessions)
}

func TestSingleEventYieldsNothing(t *testing.T) {
	m := New(testMinerConfig(), zap.NewNop())
	res, err := m.Mine(context.Background(), []core.Event{ev("light.a", "on", 1_000)}, MineOptions{NowMS: 2_000})
	require.NoError(t, err)
	assert.Empty(t, res.Rules)
	assert.Equal(t, 1, res.Sessions)
}

func TestUnknownZoneMinesNothing(t *testing.T) {
	cfg := testMinerConfig()
	cfg.MinSupportA = 1
	cfg.MinSupportB = 1
	cfg.MinHits = 1
	m := New(cfg, zap.NewNop())

	events := []core.Event{
		ev("light.kitchen", "on", 1_000),
		ev("switch.fan", "on", 2_000),
	}
	res, err := m.Mine(context.Background(), events, MineOptions{NowMS: 10_000, Zone: "zone.basement"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Empty(t, res.Rules)
}

func TestZoneScopedMining(t *testing.T) {
	cfg := testMinerConfig()
	cfg.MinSupportA = 2
	cfg.MinSupportB = 2
	cfg.MinHits = 2
	cfg.MinConfidence = 0.3
	cfg.MinLift = 0.5
	m := New(cfg, zap.NewNop())

	t0 := int64(1_000_000)
	events := []core.Event{
		ev("light.kitchen", "on", t0),
		ev("switch.fan", "on", t0+5_000),
		ev("sensor.door", "open", t0+6_000), // outside the zone
		ev("light.kitchen", "on", t0+600_000),
		ev("switch.fan", "on", t0+605_000),
		ev("sensor.door", "open", t0+606_000),
	}

	res, err := m.Mine(context.Background(), events, MineOptions{
		NowMS:       t0 + 700_000,
		Zone:        "zone.kitchen",
		ZoneMembers: []string{"light.kitchen", "switch.fan"},
	})
	require.NoError(t, err)
	require.Len(t, res.Rules, 1)
	assert.Equal(t, "zone.kitchen", res.Rules[0].Zone)
	for _, r := range res.Rules {
		assert.NotContains(t, r.A, "sensor.door")
		assert.NotContains(t, r.B, "sensor.door")
	}
}

func TestSafetyCriticalRulesBlocked(t *testing.T) {
	cfg := testMinerConfig()
	cfg.MinSupportA = 2
	cfg.MinSupportB = 2
	cfg.MinHits = 2
	cfg.MinConfidence = 0.3
	cfg.MinLift = 0.5
	m := New(cfg, zap.NewNop())

	t0 := int64(1_000_000)
	events := []core.Event{
		ev("light.kitchen", "on", t0),
		ev("lock.front", "unlocked", t0+5_000),
		ev("light.kitchen", "on", t0+600_000),
		ev("lock.front", "unlocked", t0+605_000),
	}

	res, err := m.Mine(context.Background(), events, MineOptions{
		NowMS:          t0 + 700_000,
		SafetyEntities: []string{"lock.front"},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Rules)
	require.Len(t, res.SafetyBlocked, 1)
	assert.Equal(t, "lock.front:unlocked", res.SafetyBlocked[0].B)
}

func TestContextStratification(t *testing.T) {
	cfg := testMinerConfig()
	cfg.MinSupportA = 2
	cfg.MinSupportB = 2
	cfg.MinHits = 2
	cfg.MinConfidence = 0.3
	cfg.MinLift = 0.5
	m := New(cfg, zap.NewNop())

	t0 := int64(1_000_000)
	withCtx := func(e core.Event, tod string) core.Event {
		e.Context = map[string]string{"tod": tod}
		return e
	}
	events := []core.Event{
		withCtx(ev("light.kitchen", "on", t0), "morning"),
		withCtx(ev("switch.fan", "on", t0+5_000), "morning"),
		withCtx(ev("light.kitchen", "on", t0+600_000), "morning"),
		withCtx(ev("switch.fan", "on", t0+605_000), "morning"),
	}

	res, err := m.Mine(context.Background(), events, MineOptions{
		NowMS:           t0 + 700_000,
		ContextFeatures: []string{"tod"},
	})
	require.NoError(t, err)
	require.Len(t, res.Rules, 1)
	assert.Equal(t, "morning", res.Rules[0].ContextKey)
}

func TestThrottleAndForce(t *testing.T) {
	m := New(testMinerConfig(), zap.NewNop())
	now := int64(10_000_000)

	res, err := m.Mine(context.Background(), nil, MineOptions{NowMS: now})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	// Just inside the cooldown.
	res, err = m.Mine(context.Background(), nil, MineOptions{NowMS: now + (30 * time.Minute).Milliseconds() - 1})
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)

	res, err = m.Mine(context.Background(), nil, MineOptions{NowMS: now + 1_000, Force: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	// Past the cooldown of the forced run.
	res, err = m.Mine(context.Background(), nil, MineOptions{NowMS: now + 1_000 + (30 * time.Minute).Milliseconds()})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestCancellation(t *testing.T) {
	cfg := testMinerConfig()
	cfg.MinSupportA = 1
	cfg.MinSupportB = 1
	m := New(cfg, zap.NewNop())

	events := make([]core.Event, 0, 12)
	for i := 0; i < 12; i++ {
		events = append(events, ev(fmt.Sprintf("light.room%d", i), "on", int64(i)*10_000))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Mine(ctx, events, MineOptions{NowMS: 1_000_000})
	require.Error(t, err)
	assert.Equal(t, core.CodeCancelled, core.CodeOf(err))
}

func TestStateRoundTrip(t *testing.T) {
	m := New(testMinerConfig(), zap.NewNop())
	m.RestoreState(PersistedState{LastRunMS: 42, TotalEventsProcessed: 99})

	st := m.State()
	assert.Equal(t, int64(42), st.LastRunMS)
	assert.Equal(t, int64(99), st.TotalEventsProcessed)
}

func TestScoreMonotonicity(t *testing.T) {
	base := Rule{NA: 50, NAB: 20, ConfidenceLB: 0.4, Lift: 2}

	more := base
	more.NAB = 30
	assert.GreaterOrEqual(t, more.Score(), base.Score())

	lifted := base
	lifted.Lift = 4
	assert.GreaterOrEqual(t, lifted.Score(), base.Score())
}

func TestWilsonLowerBound(t *testing.T) {
	assert.Zero(t, wilsonLowerBound(0, 0))
	assert.Zero(t, wilsonLowerBound(0, 10))
	assert.InDelta(t, 0.5407, wilsonLowerBound(8, 10), 0.01)
	// Conservative: always below the point estimate for p < 1.
	for n := 1; n <= 40; n++ {
		lb := wilsonLowerBound(n/2, n)
		assert.LessOrEqual(t, lb, float64(n/2)/float64(n))
	}
}

func TestLatencyQuantiles(t *testing.T) {
	assert.Nil(t, quantiles(nil))

	latencies := make([]int64, 100)
	for i := range latencies {
		latencies[i] = int64(i + 1)
	}
	q := quantiles(latencies)
	require.Len(t, q, 5)
	assert.Equal(t, 25.0, q[0])
	assert.Equal(t, 50.0, q[1])
	assert.Equal(t, 75.0, q[2])
	assert.Equal(t, 90.0, q[3])
	assert.Equal(t, 99.0, q[4])
}

func TestPatternIDStable(t *testing.T) {
	r1 := Rule{A: "light.kitchen:on", B: "switch.fan:on", DtSec: 30}
	r2 := Rule{A: "light.kitchen:on", B: "switch.fan:on", DtSec: 30, NA: 99}
	assert.Equal(t, r1.PatternID(), r2.PatternID())

	r3 := r1
	r3.DtSec = 120
	assert.NotEqual(t, r1.PatternID(), r3.PatternID())
}
