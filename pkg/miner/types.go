// Package miner discovers A->B succession rules from the normalized event
// stream: debounce, session segmentation, windowed hit counting and
// quality scoring with Wilson lower bounds.
package miner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
)

// HitSample is one recorded A-followed-by-B observation.
type HitSample struct {
	TimeAMS   int64 `json:"ta_ms"`
	TimeBMS   int64 `json:"tb_ms"`
	LatencyMS int64 `json:"latency_ms"`
}

// Evidence carries bounded samples and latency quantiles for a rule.
type Evidence struct {
	Hits             []HitSample `json:"hits,omitempty"`
	Misses           []int64     `json:"misses,omitempty"`
	LatencyQuantiles []float64   `json:"latency_quantiles,omitempty"` // p25, p50, p75, p90, p99
}

// Rule is one mined A->B succession pattern.
type Rule struct {
	A                     string   `json:"a"`
	B                     string   `json:"b"`
	DtSec                 int      `json:"dt_sec"`
	NA                    int      `json:"n_a"`
	NB                    int      `json:"n_b"`
	NAB                   int      `json:"n_ab"`
	Confidence            float64  `json:"confidence"`
	ConfidenceLB          float64  `json:"confidence_lb"`
	Lift                  float64  `json:"lift"`
	Leverage              float64  `json:"leverage"`
	Conviction            *float64 `json:"conviction,omitempty"`
	BaselinePB            float64  `json:"baseline_p_b"`
	ObservationPeriodDays int      `json:"observation_period_days"`
	Zone                  string   `json:"zone,omitempty"`
	ContextKey            string   `json:"context_key,omitempty"`
	Evidence              Evidence `json:"evidence"`
}

// PatternID is the stable identifier of the rule shape: antecedent,
// consequent, window and optional zone/context scope.
func (r *Rule) PatternID() string {
	seed := fmt.Sprintf("%s|%s|%d|%s|%s", r.A, r.B, r.DtSec, r.Zone, r.ContextKey)
	sum := sha256.Sum256([]byte(seed))
	return "p:" + hex.EncodeToString(sum[:])[:16]
}

// Score ranks rules: confirmed coverage and lift on top of the
// conservative confidence estimate.
func (r *Rule) Score() float64 {
	return 0.5*r.ConfidenceLB +
		0.3*math.Log(math.Max(1.01, r.Lift)) +
		0.2*math.Log(1+float64(r.NAB))
}

// wilsonZ is the one-sided 95% normal quantile.
const wilsonZ = 1.6448536269514722

// wilsonLowerBound is the Wilson score interval lower bound for a
// binomial proportion of k successes in n trials.
func wilsonLowerBound(k, n int) float64 {
	if n == 0 {
		return 0
	}
	p := float64(k) / float64(n)
	nf := float64(n)
	z2 := wilsonZ * wilsonZ
	denom := 1 + z2/nf
	center := p + z2/(2*nf)
	margin := wilsonZ * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf))
	lb := (center - margin) / denom
	if lb < 0 {
		return 0
	}
	return lb
}

// quantiles returns the p25/p50/p75/p90/p99 latency quantiles via the
// nearest-rank method. Empty input yields nil.
func quantiles(latencies []int64) []float64 {
	if len(latencies) == 0 {
		return nil
	}
	sorted := make([]int64, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make([]float64, 0, 5)
	for _, q := range []float64{0.25, 0.50, 0.75, 0.90, 0.99} {
		idx := int(math.Ceil(q*float64(len(sorted)))) - 1
		if idx < 0 {
			idx = 0
		}
		out = append(out, float64(sorted[idx]))
	}
	return out
}
