package miner

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/habitushome/habitus/pkg/core"
)

// Status of a mining run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
)

const (
	defaultEvidenceCap = 50
	dayMS              = int64(24 * time.Hour / time.Millisecond)
	pairCheckStride    = 64
)

// MineOptions scope a single run.
type MineOptions struct {
	// NowMS anchors throttling; zero means wall clock.
	NowMS int64

	// Force bypasses the throttle.
	Force bool

	// Zone restricts both rule sides to member entities. ZoneMembers is
	// the resolved membership; an unknown zone has no members and mines
	// nothing.
	Zone        string
	ZoneMembers []string

	// SafetyEntities shunts rules touching these entities onto the
	// blocked list instead of the suggestion path.
	SafetyEntities []string

	// ContextFeatures, when set, stratifies the stream by the joined
	// feature values and mines each bucket separately.
	ContextFeatures []string
}

// MineResult is the outcome of one run.
type MineResult struct {
	Status          Status `json:"status"`
	Rules           []Rule `json:"rules"`
	SafetyBlocked   []Rule `json:"safety_blocked,omitempty"`
	EventsProcessed int    `json:"events_processed"`
	EventsRetained  int    `json:"events_retained"`
	Sessions        int    `json:"sessions"`
	DurationMS      int64  `json:"duration_ms"`
}

// PersistedState is the miner state written across restarts.
type PersistedState struct {
	LastRunMS            int64 `json:"last_run_ms"`
	TotalEventsProcessed int64 `json:"total_events_processed"`
}

// Miner runs the rule discovery pipeline. It never mutates the graph;
// the caller feeds it a consistent snapshot of the event cache.
type Miner struct {
	cfg    core.MinerConfig
	logger *zap.Logger

	mu          sync.Mutex
	lastRunMS   int64
	totalEvents int64
	runs        uint64
	skipped     uint64
}

// New creates a miner with the given thresholds.
func New(cfg core.MinerConfig, logger *zap.Logger) *Miner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EvidenceCap <= 0 {
		cfg.EvidenceCap = defaultEvidenceCap
	}
	return &Miner{cfg: cfg, logger: logger}
}

// State returns the persisted miner state.
func (m *Miner) State() PersistedState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return PersistedState{LastRunMS: m.lastRunMS, TotalEventsProcessed: m.totalEvents}
}

// RestoreState loads persisted state, typically at startup.
func (m *Miner) RestoreState(st PersistedState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRunMS = st.LastRunMS
	m.totalEvents = st.TotalEventsProcessed
}

// Stats reports run counters.
func (m *Miner) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"runs":             m.runs,
		"skipped":          m.skipped,
		"last_run_ms":      m.lastRunMS,
		"events_processed": m.totalEvents,
	}
}

// Mine runs the full pipeline: filter, debounce, segment, enumerate
// pairs, score, threshold and rank. A run inside the throttle interval
// returns StatusSkipped unless forced.
func (m *Miner) Mine(ctx context.Context, events []core.Event, opts MineOptions) (MineResult, error) {
	now := opts.NowMS
	if now == 0 {
		now = time.Now().UnixMilli()
	}

	m.mu.Lock()
	if !opts.Force && m.lastRunMS > 0 && now-m.lastRunMS < m.cfg.Throttle.Milliseconds() {
		m.skipped++
		m.mu.Unlock()
		m.logger.Debug("mining skipped by throttle", zap.Int64("last_run_ms", m.lastRunMS))
		return MineResult{Status: StatusSkipped}, nil
	}
	m.mu.Unlock()

	started := time.Now()

	filtered := m.filter(events, opts)
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].TimestampMS < filtered[j].TimestampMS
	})
	retained := m.debounce(filtered)
	sessions := m.segment(retained)

	var rules []Rule
	if len(opts.ContextFeatures) > 0 {
		buckets := stratify(retained, opts.ContextFeatures)
		keys := make([]string, 0, len(buckets))
		for k := range buckets {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			mined, err := m.mineStream(ctx, buckets[key], key)
			if err != nil {
				return MineResult{}, err
			}
			rules = append(rules, mined...)
		}
	} else {
		var err error
		rules, err = m.mineStream(ctx, retained, "")
		if err != nil {
			return MineResult{}, err
		}
	}

	for i := range rules {
		rules[i].Zone = opts.Zone
	}

	kept, blocked := splitSafety(rules, opts.SafetyEntities)
	rankRules(kept)
	kept = capRules(kept, m.cfg.MaxRules)
	rankRules(blocked)
	blocked = capRules(blocked, m.cfg.MaxRules)

	m.mu.Lock()
	m.lastRunMS = now
	m.totalEvents += int64(len(events))
	m.runs++
	m.mu.Unlock()

	m.logger.Info("mining run completed",
		zap.Int("events_in", len(events)),
		zap.Int("events_retained", len(retained)),
		zap.Int("sessions", sessions),
		zap.Int("rules", len(kept)),
		zap.Int("safety_blocked", len(blocked)))

	return MineResult{
		Status:          StatusCompleted,
		Rules:           kept,
		SafetyBlocked:   blocked,
		EventsProcessed: len(events),
		EventsRetained:  len(retained),
		Sessions:        sessions,
		DurationMS:      time.Since(started).Milliseconds(),
	}, nil
}

// filter applies domain/entity include and exclude sets plus the zone
// restriction.
func (m *Miner) filter(events []core.Event, opts MineOptions) []core.Event {
	include := toSet(m.cfg.IncludeDomains)
	excludeDomain := toSet(m.cfg.ExcludeDomains)
	excludeEntity := toSet(m.cfg.ExcludeEntities)

	var members map[string]struct{}
	if opts.Zone != "" {
		members = toSet(opts.ZoneMembers)
	}

	out := make([]core.Event, 0, len(events))
	for _, e := range events {
		if len(include) > 0 {
			if _, ok := include[e.Domain]; !ok {
				continue
			}
		}
		if _, ok := excludeDomain[e.Domain]; ok {
			continue
		}
		if _, ok := excludeEntity[e.EntityID]; ok {
			continue
		}
		if opts.Zone != "" {
			if _, ok := members[e.EntityID]; !ok {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// debounce drops repeats of the same event key inside the entity's
// cooldown. Input must be chronological.
func (m *Miner) debounce(events []core.Event) []core.Event {
	if m.cfg.Cooldown <= 0 && len(m.cfg.CooldownOverrides) == 0 {
		return events
	}
	lastKept := make(map[core.EventKey]int64)
	out := make([]core.Event, 0, len(events))
	for _, e := range events {
		key := e.Key()
		cooldown := m.cooldownFor(e.EntityID)
		if prev, ok := lastKept[key]; ok && cooldown > 0 && e.TimestampMS-prev < cooldown {
			continue
		}
		lastKept[key] = e.TimestampMS
		out = append(out, e)
	}
	return out
}

// cooldownFor returns the debounce interval for one entity in
// milliseconds. A per-entity override wins over the global cooldown.
func (m *Miner) cooldownFor(entityID string) int64 {
	if d, ok := m.cfg.CooldownOverrides[entityID]; ok {
		return d.Milliseconds()
	}
	return m.cfg.Cooldown.Milliseconds()
}

// segment counts sessions: a new session starts when the gap to the
// previous event exceeds the session gap.
func (m *Miner) segment(events []core.Event) int {
	if len(events) == 0 {
		return 0
	}
	gap := m.cfg.SessionGap.Milliseconds()
	sessions := 1
	for i := 1; i < len(events); i++ {
		if events[i].TimestampMS-events[i-1].TimestampMS > gap {
			sessions++
		}
	}
	return sessions
}

// stratify buckets events by the joined context feature values.
func stratify(events []core.Event, features []string) map[string][]core.Event {
	out := make(map[string][]core.Event)
	for _, e := range events {
		parts := make([]string, 0, len(features))
		for _, f := range features {
			parts = append(parts, e.Context[f])
		}
		key := strings.Join(parts, ";")
		out[key] = append(out[key], e)
	}
	return out
}

// mineStream enumerates candidate pairs over one chronological stream
// and keeps, per pair, the best-scoring window that passes every
// threshold.
func (m *Miner) mineStream(ctx context.Context, events []core.Event, ctxKey string) ([]Rule, error) {
	if len(events) < 2 {
		return nil, nil
	}

	occ := make(map[core.EventKey][]int64)
	for _, e := range events {
		occ[e.Key()] = append(occ[e.Key()], e.TimestampMS)
	}

	periodMS := events[len(events)-1].TimestampMS - events[0].TimestampMS
	days := int((periodMS + dayMS - 1) / dayMS)
	if days < 1 {
		days = 1
	}

	var aKeys, bKeys []core.EventKey
	for key, times := range occ {
		if len(times) >= m.cfg.MinSupportA {
			aKeys = append(aKeys, key)
		}
		if len(times) >= m.cfg.MinSupportB {
			bKeys = append(bKeys, key)
		}
	}
	sort.Slice(aKeys, func(i, j int) bool { return aKeys[i] < aKeys[j] })
	sort.Slice(bKeys, func(i, j int) bool { return bKeys[i] < bKeys[j] })

	var rules []Rule
	pairs := 0
	for _, a := range aKeys {
		for _, b := range bKeys {
			pairs++
			if pairs%pairCheckStride == 0 {
				select {
				case <-ctx.Done():
					return nil, core.WrapError(core.CodeCancelled, "mining cancelled", ctx.Err())
				default:
				}
			}
			if m.cfg.ExcludeSelfRules && a == b {
				continue
			}
			if m.cfg.ExcludeSameEntity && core.EntityOf(a) == core.EntityOf(b) {
				continue
			}
			if rule, ok := m.bestWindow(a, b, occ, periodMS, days); ok {
				rule.ContextKey = ctxKey
				rules = append(rules, rule)
			}
		}
	}
	return rules, nil
}

// bestWindow evaluates every configured window for the pair and returns
// the highest-scoring rule that passes all thresholds.
func (m *Miner) bestWindow(a, b core.EventKey, occ map[core.EventKey][]int64, periodMS int64, days int) (Rule, bool) {
	timesA, timesB := occ[a], occ[b]

	var best Rule
	found := false
	for _, window := range m.cfg.Windows {
		rule := m.evaluateWindow(a, b, timesA, timesB, window.Milliseconds(), periodMS, days)
		if rule.NAB < m.cfg.MinHits ||
			rule.Confidence < m.cfg.MinConfidence ||
			rule.ConfidenceLB < m.cfg.MinConfidenceLB ||
			rule.Lift < m.cfg.MinLift ||
			rule.Leverage < m.cfg.MinLeverage {
			continue
		}
		if !found || rule.Score() > best.Score() {
			best = rule
			found = true
		}
	}
	return best, found
}

// evaluateWindow counts hits for one (A, B, dt) combination: an A at tA
// is a hit when at least one B falls in (tA, tA+dt], and the first such
// B is the recorded successor.
func (m *Miner) evaluateWindow(a, b core.EventKey, timesA, timesB []int64, windowMS, periodMS int64, days int) Rule {
	var hits []HitSample
	var misses []int64
	var latencies []int64

	nAB := 0
	for _, tA := range timesA {
		// First B strictly after tA.
		i := sort.Search(len(timesB), func(i int) bool { return timesB[i] > tA })
		if i < len(timesB) && timesB[i] <= tA+windowMS {
			nAB++
			latency := timesB[i] - tA
			latencies = append(latencies, latency)
			if len(hits) < m.cfg.EvidenceCap {
				hits = append(hits, HitSample{TimeAMS: tA, TimeBMS: timesB[i], LatencyMS: latency})
			}
			continue
		}
		if len(misses) < m.cfg.EvidenceCap {
			misses = append(misses, tA)
		}
	}

	nA, nB := len(timesA), len(timesB)
	confidence := float64(nAB) / float64(nA)

	windowCount := float64(periodMS) / float64(windowMS)
	if windowCount < 1 {
		windowCount = 1
	}
	baseline := float64(nB) / windowCount
	if baseline > 1 {
		baseline = 1
	}

	rule := Rule{
		A:                     string(a),
		B:                     string(b),
		DtSec:                 int(windowMS / 1000),
		NA:                    nA,
		NB:                    nB,
		NAB:                   nAB,
		Confidence:            confidence,
		ConfidenceLB:          wilsonLowerBound(nAB, nA),
		Lift:                  confidence / maxf(0.001, baseline),
		Leverage:              confidence - baseline,
		BaselinePB:            baseline,
		ObservationPeriodDays: days,
		Evidence: Evidence{
			Hits:             hits,
			Misses:           misses,
			LatencyQuantiles: quantiles(latencies),
		},
	}
	if baseline < 1 && confidence < 1 {
		conviction := (1 - baseline) / (1 - confidence)
		rule.Conviction = &conviction
	}
	return rule
}

func splitSafety(rules []Rule, safetyEntities []string) (kept, blocked []Rule) {
	if len(safetyEntities) == 0 {
		return rules, nil
	}
	safety := toSet(safetyEntities)
	for _, r := range rules {
		_, aBlocked := safety[core.EntityOf(core.EventKey(r.A))]
		_, bBlocked := safety[core.EntityOf(core.EventKey(r.B))]
		if aBlocked || bBlocked {
			blocked = append(blocked, r)
		} else {
			kept = append(kept, r)
		}
	}
	return kept, blocked
}

func rankRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Score() > rules[j].Score()
	})
}

func capRules(rules []Rule, max int) []Rule {
	if max > 0 && len(rules) > max {
		return rules[:max]
	}
	return rules
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}
