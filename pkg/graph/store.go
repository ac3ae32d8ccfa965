package graph

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/habitushome/habitus/pkg/core"
)

// Limits carries the capacity bounds and decay settings a store enforces.
type Limits struct {
	MaxNodes      int
	MaxEdges      int
	NodeMinScore  float64
	EdgeMinWeight float64
	NodeHalfLife  time.Duration
	EdgeHalfLife  time.Duration
}

// LimitsFromConfig maps the central configuration onto store limits.
func LimitsFromConfig(cfg core.GraphConfig) Limits {
	return Limits{
		MaxNodes:      cfg.MaxNodes,
		MaxEdges:      cfg.MaxEdges,
		NodeMinScore:  cfg.NodeMinScore,
		EdgeMinWeight: cfg.EdgeMinWeight,
		NodeHalfLife:  cfg.NodeHalfLife,
		EdgeHalfLife:  cfg.EdgeHalfLife,
	}
}

// DefaultLimits returns the capacity defaults used when no config is supplied.
func DefaultLimits() Limits {
	return Limits{
		MaxNodes:      500,
		MaxEdges:      1500,
		NodeMinScore:  0.1,
		EdgeMinWeight: 0.1,
		NodeHalfLife:  DefaultHalfLifeNode,
		EdgeHalfLife:  DefaultHalfLifeEdge,
	}
}

// NodeFilter selects nodes for GetNodes. Zero values match everything.
type NodeFilter struct {
	Kinds   []NodeKind
	Domains []string
	Limit   int
}

// EdgeFilter selects edges for GetEdges. Zero values match everything.
type EdgeFilter struct {
	From  string
	To    string
	Types []EdgeType
	Limit int
}

// Stats reports store occupancy against its capacity bounds.
type Stats struct {
	Nodes    int `json:"nodes"`
	Edges    int `json:"edges"`
	MaxNodes int `json:"max_nodes"`
	MaxEdges int `json:"max_edges"`
}

// PruneResult reports how much a prune pass removed.
type PruneResult struct {
	NodesRemoved int `json:"nodes_removed"`
	EdgesRemoved int `json:"edges_removed"`
}

// Store is the brain graph contract. Implementations are single-writer,
// many-reader; every read observes a consistent snapshot for the duration
// of one operation.
type Store interface {
	UpsertNode(ctx context.Context, n Node) (created bool, err error)
	UpsertEdge(ctx context.Context, e Edge) (created bool, err error)
	GetNode(ctx context.Context, id string) (Node, error)
	GetNodes(ctx context.Context, f NodeFilter) ([]Node, error)
	GetEdges(ctx context.Context, f EdgeFilter) ([]Edge, error)
	Neighborhood(ctx context.Context, center string, hops, maxNodes, maxEdges int) ([]Node, []Edge, error)
	Prune(ctx context.Context, nowMS int64) (PruneResult, error)
	Snapshot(ctx context.Context) ([]Node, []Edge, error)
	Stats() Stats
	Close() error
}

// cancelCheckStride is how many loop iterations pass between context
// checks inside long scans.
const cancelCheckStride = 256

func cancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return core.WrapError(core.CodeCancelled, "operation cancelled", ctx.Err())
	default:
		return nil
	}
}

// ---------------------------------------------------------------------------
// MemoryStore
// ---------------------------------------------------------------------------

// MemoryStore keeps the full graph in two keyed maps plus incidence
// indexes. Traversal is by id, never by pointer, so persistence stays a
// plain dump of the two tables.
type MemoryStore struct {
	limits Limits

	mu    sync.RWMutex
	nodes map[string]*Node
	edges map[string]*Edge

	// Incidence indexes: node id -> set of incident edge ids.
	outbound map[string]map[string]struct{}
	inbound  map[string]map[string]struct{}

	closed bool
}

// NewMemoryStore creates an empty in-memory graph store.
func NewMemoryStore(limits Limits) *MemoryStore {
	return &MemoryStore{
		limits:   limits,
		nodes:    make(map[string]*Node),
		edges:    make(map[string]*Edge),
		outbound: make(map[string]map[string]struct{}),
		inbound:  make(map[string]map[string]struct{}),
	}
}

// UpsertNode inserts or updates a node by id. The write stamps
// UpdatedAtMS when the caller left it zero.
func (s *MemoryStore) UpsertNode(ctx context.Context, n Node) (bool, error) {
	if err := cancelled(ctx); err != nil {
		return false, err
	}
	if n.ID == "" {
		return false, core.NewError(core.CodeInvalidInput, "node id is empty")
	}
	sanitizeNode(&n)
	if n.UpdatedAtMS == 0 {
		n.UpdatedAtMS = time.Now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, core.ErrStoreClosed
	}

	_, existed := s.nodes[n.ID]
	s.nodes[n.ID] = &n
	return !existed, nil
}

// UpsertEdge inserts or updates an edge. Both endpoints must exist. An
// empty id is derived from (from, type, to).
func (s *MemoryStore) UpsertEdge(ctx context.Context, e Edge) (bool, error) {
	if err := cancelled(ctx); err != nil {
		return false, err
	}
	if e.From == "" || e.To == "" || e.Type == "" {
		return false, core.NewError(core.CodeInvalidInput, "edge endpoints and type are required")
	}
	if e.ID == "" {
		e.ID = EdgeIDFor(e.From, e.Type, e.To)
	}
	sanitizeEdge(&e)
	if e.UpdatedAtMS == 0 {
		e.UpdatedAtMS = time.Now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, core.ErrStoreClosed
	}
	if _, ok := s.nodes[e.From]; !ok {
		return false, core.WrapError(core.CodeNotFound, "edge source node missing", core.ErrNodeNotFound).WithContext("node_id", e.From)
	}
	if _, ok := s.nodes[e.To]; !ok {
		return false, core.WrapError(core.CodeNotFound, "edge target node missing", core.ErrNodeNotFound).WithContext("node_id", e.To)
	}

	_, existed := s.edges[e.ID]
	s.edges[e.ID] = &e
	if !existed {
		s.indexEdge(&e)
	}
	return !existed, nil
}

func (s *MemoryStore) indexEdge(e *Edge) {
	if s.outbound[e.From] == nil {
		s.outbound[e.From] = make(map[string]struct{})
	}
	s.outbound[e.From][e.ID] = struct{}{}
	if s.inbound[e.To] == nil {
		s.inbound[e.To] = make(map[string]struct{})
	}
	s.inbound[e.To][e.ID] = struct{}{}
}

func (s *MemoryStore) unindexEdge(e *Edge) {
	delete(s.outbound[e.From], e.ID)
	if len(s.outbound[e.From]) == 0 {
		delete(s.outbound, e.From)
	}
	delete(s.inbound[e.To], e.ID)
	if len(s.inbound[e.To]) == 0 {
		delete(s.inbound, e.To)
	}
}

// GetNode returns a copy of the node with the given id.
func (s *MemoryStore) GetNode(ctx context.Context, id string) (Node, error) {
	if err := cancelled(ctx); err != nil {
		return Node{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, core.WrapError(core.CodeNotFound, "node not found", core.ErrNodeNotFound).WithContext("node_id", id)
	}
	return *n, nil
}

// GetNodes returns matching nodes ordered by (score desc, updated_at desc).
func (s *MemoryStore) GetNodes(ctx context.Context, f NodeFilter) ([]Node, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	kinds := toSet(f.Kinds)
	domains := toSet(f.Domains)

	s.mu.RLock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if len(kinds) > 0 {
			if _, ok := kinds[n.Kind]; !ok {
				continue
			}
		}
		if len(domains) > 0 {
			if _, ok := domains[n.Domain]; !ok {
				continue
			}
		}
		out = append(out, *n)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].UpdatedAtMS > out[j].UpdatedAtMS
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// GetEdges returns matching edges ordered by (weight desc, updated_at desc).
func (s *MemoryStore) GetEdges(ctx context.Context, f EdgeFilter) ([]Edge, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	types := toSet(f.Types)

	s.mu.RLock()
	out := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		if f.From != "" && e.From != f.From {
			continue
		}
		if f.To != "" && e.To != f.To {
			continue
		}
		if len(types) > 0 {
			if _, ok := types[e.Type]; !ok {
				continue
			}
		}
		out = append(out, *e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].UpdatedAtMS > out[j].UpdatedAtMS
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Snapshot returns copies of every node and edge under one read lock, so
// the miner sees a consistent view of the graph.
func (s *MemoryStore) Snapshot(ctx context.Context) ([]Node, []Edge, error) {
	if err := cancelled(ctx); err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, *n)
	}
	edges := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		edges = append(edges, *e)
	}
	return nodes, edges, nil
}

// Stats reports occupancy against the capacity bounds.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Nodes:    len(s.nodes),
		Edges:    len(s.edges),
		MaxNodes: s.limits.MaxNodes,
		MaxEdges: s.limits.MaxEdges,
	}
}

// Close marks the store closed. Subsequent writes fail.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Limits exposes the configured bounds (used by load/restore paths).
func (s *MemoryStore) Limits() Limits { return s.limits }

// Restore replaces the full store contents. Used when loading a persisted
// snapshot at startup; edges referencing missing nodes are dropped.
func (s *MemoryStore) Restore(nodes []Node, edges []Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]*Node, len(nodes))
	s.edges = make(map[string]*Edge, len(edges))
	s.outbound = make(map[string]map[string]struct{})
	s.inbound = make(map[string]map[string]struct{})

	for i := range nodes {
		n := nodes[i]
		s.nodes[n.ID] = &n
	}
	for i := range edges {
		e := edges[i]
		if _, ok := s.nodes[e.From]; !ok {
			continue
		}
		if _, ok := s.nodes[e.To]; !ok {
			continue
		}
		s.edges[e.ID] = &e
		s.indexEdge(&e)
	}
}

func toSet[T comparable](items []T) map[T]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[T]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}
