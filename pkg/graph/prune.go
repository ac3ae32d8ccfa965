package graph

import (
	"context"
	"sort"
)

// Prune enforces decay thresholds and capacity bounds:
//
//  1. Remove nodes whose effective score fell below the threshold AND that
//     have no incident edges.
//  2. Remove edges whose effective weight fell below the threshold.
//  3. Trim nodes to capacity by (effective score desc, updated_at desc),
//     dropping the tail; incident edges of dropped nodes go with them.
//  4. Trim edges to capacity by (effective weight desc, updated_at desc).
//
// Each table is scanned at most once per phase; the whole pass runs under
// the writer lock so readers never observe a half-pruned graph.
func (s *MemoryStore) Prune(ctx context.Context, nowMS int64) (PruneResult, error) {
	if err := cancelled(ctx); err != nil {
		return PruneResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res PruneResult

	// Phase 1: dead unconnected nodes.
	i := 0
	for id, n := range s.nodes {
		i++
		if i%cancelCheckStride == 0 {
			if err := cancelled(ctx); err != nil {
				return res, err
			}
		}
		if n.EffectiveScore(nowMS, s.limits.NodeHalfLife) >= s.limits.NodeMinScore {
			continue
		}
		if len(s.outbound[id]) > 0 || len(s.inbound[id]) > 0 {
			continue
		}
		delete(s.nodes, id)
		res.NodesRemoved++
	}

	// Phase 2: decayed edges.
	for id, e := range s.edges {
		if e.EffectiveWeight(nowMS, s.limits.EdgeHalfLife) >= s.limits.EdgeMinWeight {
			continue
		}
		s.unindexEdge(e)
		delete(s.edges, id)
		res.EdgesRemoved++
	}

	// Phase 3: node capacity trim.
	if len(s.nodes) > s.limits.MaxNodes {
		ranked := make([]*Node, 0, len(s.nodes))
		for _, n := range s.nodes {
			ranked = append(ranked, n)
		}
		sort.Slice(ranked, func(i, j int) bool {
			si := ranked[i].EffectiveScore(nowMS, s.limits.NodeHalfLife)
			sj := ranked[j].EffectiveScore(nowMS, s.limits.NodeHalfLife)
			if si != sj {
				return si > sj
			}
			return ranked[i].UpdatedAtMS > ranked[j].UpdatedAtMS
		})
		for _, n := range ranked[s.limits.MaxNodes:] {
			s.removeNodeLocked(n.ID, &res)
		}
	}

	// Phase 4: edge capacity trim.
	if len(s.edges) > s.limits.MaxEdges {
		ranked := make([]*Edge, 0, len(s.edges))
		for _, e := range s.edges {
			ranked = append(ranked, e)
		}
		sort.Slice(ranked, func(i, j int) bool {
			wi := ranked[i].EffectiveWeight(nowMS, s.limits.EdgeHalfLife)
			wj := ranked[j].EffectiveWeight(nowMS, s.limits.EdgeHalfLife)
			if wi != wj {
				return wi > wj
			}
			return ranked[i].UpdatedAtMS > ranked[j].UpdatedAtMS
		})
		for _, e := range ranked[s.limits.MaxEdges:] {
			s.unindexEdge(e)
			delete(s.edges, e.ID)
			res.EdgesRemoved++
		}
	}

	return res, nil
}

// removeNodeLocked removes a node and all incident edges. Caller holds the
// writer lock.
func (s *MemoryStore) removeNodeLocked(id string, res *PruneResult) {
	for eid := range s.outbound[id] {
		e := s.edges[eid]
		delete(s.inbound[e.To], eid)
		if len(s.inbound[e.To]) == 0 {
			delete(s.inbound, e.To)
		}
		delete(s.edges, eid)
		res.EdgesRemoved++
	}
	delete(s.outbound, id)

	for eid := range s.inbound[id] {
		e := s.edges[eid]
		delete(s.outbound[e.From], eid)
		if len(s.outbound[e.From]) == 0 {
			delete(s.outbound, e.From)
		}
		delete(s.edges, eid)
		res.EdgesRemoved++
	}
	delete(s.inbound, id)

	delete(s.nodes, id)
	res.NodesRemoved++
}
