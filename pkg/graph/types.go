// Package graph implements the bounded, time-decayed property graph that
// the rest of the pipeline reads from: entities, zones and services as
// nodes, their observed relations as weighted edges.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"time"

	"github.com/habitushome/habitus/pkg/core"
)

// NodeKind classifies graph nodes.
type NodeKind string

const (
	KindEntity  NodeKind = "entity"
	KindZone    NodeKind = "zone"
	KindDevice  NodeKind = "device"
	KindPerson  NodeKind = "person"
	KindConcept NodeKind = "concept"
	KindModule  NodeKind = "module"
	KindEvent   NodeKind = "event"
)

// EdgeType classifies graph edges.
type EdgeType string

const (
	EdgeInZone       EdgeType = "in_zone"
	EdgeControls     EdgeType = "controls"
	EdgeAffects      EdgeType = "affects"
	EdgeCorrelates   EdgeType = "correlates"
	EdgeTriggeredBy  EdgeType = "triggered_by"
	EdgeObservedWith EdgeType = "observed_with"
	EdgeMentions     EdgeType = "mentions"
)

// Free-text and metadata bounds for stored nodes and edges.
const (
	MaxTags             = 10
	MaxTagChars         = 50
	MaxMetaKeys         = 10
	MaxMetaBytes        = 2048
	DefaultHalfLifeNode = 24 * time.Hour
	DefaultHalfLifeEdge = 12 * time.Hour
)

// Source describes where a node or edge observation came from.
type Source struct {
	Kind    string `json:"kind,omitempty" msgpack:"kind,omitempty"`
	Ref     string `json:"ref,omitempty" msgpack:"ref,omitempty"`
	Summary string `json:"summary,omitempty" msgpack:"summary,omitempty"`
}

// Node is a graph vertex. All free-text fields are PII-redacted and
// clamped before storage.
type Node struct {
	ID          string         `json:"id" msgpack:"id"`
	Kind        NodeKind       `json:"kind" msgpack:"kind"`
	Label       string         `json:"label" msgpack:"label"`
	Domain      string         `json:"domain,omitempty" msgpack:"domain,omitempty"`
	UpdatedAtMS int64          `json:"updated_at_ms" msgpack:"updated_at_ms"`
	Score       float64        `json:"score" msgpack:"score"`
	Tags        []string       `json:"tags,omitempty" msgpack:"tags,omitempty"`
	Source      *Source        `json:"source,omitempty" msgpack:"source,omitempty"`
	Meta        map[string]any `json:"meta,omitempty" msgpack:"meta,omitempty"`
}

// Edge is a directed graph relation.
type Edge struct {
	ID          string         `json:"id" msgpack:"id"`
	From        string         `json:"from" msgpack:"from"`
	To          string         `json:"to" msgpack:"to"`
	Type        EdgeType       `json:"edge_type" msgpack:"edge_type"`
	UpdatedAtMS int64          `json:"updated_at_ms" msgpack:"updated_at_ms"`
	Weight      float64        `json:"weight" msgpack:"weight"`
	Evidence    *Source        `json:"evidence,omitempty" msgpack:"evidence,omitempty"`
	Meta        map[string]any `json:"meta,omitempty" msgpack:"meta,omitempty"`
}

// EdgeIDFor derives the stable edge id "e:" + sha256(from|type|to)[:16].
func EdgeIDFor(from string, typ EdgeType, to string) string {
	sum := sha256.Sum256([]byte(from + "|" + string(typ) + "|" + to))
	return "e:" + hex.EncodeToString(sum[:])[:16]
}

// decayFactor computes 2^(-elapsed/halfLife). Future timestamps clamp to 1.
func decayFactor(updatedAtMS, nowMS int64, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	elapsed := nowMS - updatedAtMS
	if elapsed <= 0 {
		return 1
	}
	return math.Exp2(-float64(elapsed) / float64(halfLife.Milliseconds()))
}

// EffectiveScore returns the node score decayed to nowMS.
func (n *Node) EffectiveScore(nowMS int64, halfLife time.Duration) float64 {
	return n.Score * decayFactor(n.UpdatedAtMS, nowMS, halfLife)
}

// EffectiveWeight returns the edge weight decayed to nowMS.
func (e *Edge) EffectiveWeight(nowMS int64, halfLife time.Duration) float64 {
	return e.Weight * decayFactor(e.UpdatedAtMS, nowMS, halfLife)
}

// sanitizeNode enforces the free-text, tag and metadata bounds in place.
func sanitizeNode(n *Node) {
	n.Label = core.Redact(n.Label)
	n.Domain = core.ClampText(n.Domain, core.MaxLabelChars)
	n.Tags = core.RedactTags(n.Tags, MaxTags, MaxTagChars)
	if n.Source != nil {
		s := *n.Source
		s.Summary = core.Redact(s.Summary)
		s.Ref = core.ClampText(s.Ref, core.MaxLabelChars)
		n.Source = &s
	}
	n.Meta = sanitizeMeta(n.Meta)
	if n.Score < 0 {
		n.Score = 0
	}
}

// sanitizeEdge enforces bounds on edge free text and metadata in place.
func sanitizeEdge(e *Edge) {
	if e.Evidence != nil {
		ev := *e.Evidence
		ev.Summary = core.Redact(ev.Summary)
		ev.Ref = core.ClampText(ev.Ref, core.MaxLabelChars)
		e.Evidence = &ev
	}
	e.Meta = sanitizeMeta(e.Meta)
	if e.Weight < 0 {
		e.Weight = 0
	}
}

// sanitizeMeta caps metadata at MaxMetaKeys entries and MaxMetaBytes total
// payload. String values are redacted; oversized entries are dropped.
func sanitizeMeta(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	total := 0
	for k, v := range meta {
		if len(out) >= MaxMetaKeys {
			break
		}
		if s, ok := v.(string); ok {
			v = core.Redact(s)
		}
		size := len(k) + approxSize(v)
		if total+size > MaxMetaBytes {
			continue
		}
		total += size
		out[k] = v
	}
	return out
}

func approxSize(v any) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case []byte:
		return len(t)
	case nil:
		return 0
	default:
		// numeric/bool scalar
		return 8
	}
}
