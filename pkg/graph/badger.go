package graph

import (
	"context"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/habitushome/habitus/pkg/core"
)

// Key prefixes for badger storage organization. Single-byte prefixes keep
// range scans cheap.
const (
	prefixNode     = byte(0x01) // 0x01 + nodeID -> msgpack(Node)
	prefixEdge     = byte(0x02) // 0x02 + edgeID -> msgpack(Edge)
	prefixOutgoing = byte(0x03) // 0x03 + nodeID + 0x00 + edgeID -> empty
	prefixIncoming = byte(0x04) // 0x04 + nodeID + 0x00 + edgeID -> empty
)

// BadgerStore is the persistent graph engine. Every read operation runs
// inside a single badger read transaction, which gives the snapshot
// isolation the store contract requires; writes are serialized through
// update transactions.
type BadgerStore struct {
	db     *badger.DB
	limits Limits
}

// BadgerOptions configures the persistent engine.
type BadgerOptions struct {
	// DataDir is the directory for data files. Ignored when InMemory.
	DataDir string

	// InMemory runs badger without touching disk. Used in tests.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool
}

// NewBadgerStore opens (or creates) a persistent graph store.
func NewBadgerStore(opts BadgerOptions, limits Limits) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(opts.DataDir)
	bopts = bopts.WithInMemory(opts.InMemory)
	bopts = bopts.WithSyncWrites(opts.SyncWrites)
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, core.WrapError(core.CodeStorageFailure, "opening badger store", err)
	}
	return &BadgerStore{db: db, limits: limits}, nil
}

func nodeKey(id string) []byte { return append([]byte{prefixNode}, id...) }
func edgeKey(id string) []byte { return append([]byte{prefixEdge}, id...) }

func incidenceKey(prefix byte, nodeID, edgeID string) []byte {
	k := make([]byte, 0, 2+len(nodeID)+len(edgeID))
	k = append(k, prefix)
	k = append(k, nodeID...)
	k = append(k, 0x00)
	k = append(k, edgeID...)
	return k
}

// UpsertNode inserts or updates a node row.
func (s *BadgerStore) UpsertNode(ctx context.Context, n Node) (bool, error) {
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

	data, err := msgpack.Marshal(&n)
	if err != nil {
		return false, core.WrapError(core.CodeStorageFailure, "encoding node", err)
	}

	created := false
	err = s.db.Update(func(txn *badger.Txn) error {
		_, getErr := txn.Get(nodeKey(n.ID))
		if getErr == badger.ErrKeyNotFound {
			created = true
		} else if getErr != nil {
			return getErr
		}
		return txn.Set(nodeKey(n.ID), data)
	})
	if err != nil {
		return false, core.WrapError(core.CodeStorageFailure, "writing node", err)
	}
	return created, nil
}

// UpsertEdge inserts or updates an edge row plus its incidence index
// entries. Both endpoints must exist.
func (s *BadgerStore) UpsertEdge(ctx context.Context, e Edge) (bool, error) {
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

	data, err := msgpack.Marshal(&e)
	if err != nil {
		return false, core.WrapError(core.CodeStorageFailure, "encoding edge", err)
	}

	created := false
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, getErr := txn.Get(nodeKey(e.From)); getErr == badger.ErrKeyNotFound {
			return core.WrapError(core.CodeNotFound, "edge source node missing", core.ErrNodeNotFound).WithContext("node_id", e.From)
		}
		if _, getErr := txn.Get(nodeKey(e.To)); getErr == badger.ErrKeyNotFound {
			return core.WrapError(core.CodeNotFound, "edge target node missing", core.ErrNodeNotFound).WithContext("node_id", e.To)
		}
		_, getErr := txn.Get(edgeKey(e.ID))
		if getErr == badger.ErrKeyNotFound {
			created = true
		} else if getErr != nil {
			return getErr
		}
		if err := txn.Set(edgeKey(e.ID), data); err != nil {
			return err
		}
		if err := txn.Set(incidenceKey(prefixOutgoing, e.From, e.ID), nil); err != nil {
			return err
		}
		return txn.Set(incidenceKey(prefixIncoming, e.To, e.ID), nil)
	})
	if err != nil {
		if core.CodeOf(err) == core.CodeNotFound {
			return false, err
		}
		return false, core.WrapError(core.CodeStorageFailure, "writing edge", err)
	}
	return created, nil
}

// GetNode fetches one node row.
func (s *BadgerStore) GetNode(ctx context.Context, id string) (Node, error) {
	if err := cancelled(ctx); err != nil {
		return Node{}, err
	}
	var n Node
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if err == badger.ErrKeyNotFound {
			return core.WrapError(core.CodeNotFound, "node not found", core.ErrNodeNotFound).WithContext("node_id", id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &n)
		})
	})
	if err != nil {
		if core.CodeOf(err) == core.CodeNotFound {
			return Node{}, err
		}
		return Node{}, core.WrapError(core.CodeStorageFailure, "reading node", err)
	}
	return n, nil
}

// GetNodes scans the node table inside one read transaction and applies
// the filter, ordered by (score desc, updated_at desc).
func (s *BadgerStore) GetNodes(ctx context.Context, f NodeFilter) ([]Node, error) {
	kinds := toSet(f.Kinds)
	domains := toSet(f.Domains)

	var out []Node
	err := s.scanNodes(ctx, func(n Node) {
		if len(kinds) > 0 {
			if _, ok := kinds[n.Kind]; !ok {
				return
			}
		}
		if len(domains) > 0 {
			if _, ok := domains[n.Domain]; !ok {
				return
			}
		}
		out = append(out, n)
	})
	if err != nil {
		return nil, err
	}
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

// GetEdges scans the edge table inside one read transaction and applies
// the filter, ordered by (weight desc, updated_at desc).
func (s *BadgerStore) GetEdges(ctx context.Context, f EdgeFilter) ([]Edge, error) {
	types := toSet(f.Types)

	var out []Edge
	err := s.scanEdges(ctx, func(e Edge) {
		if f.From != "" && e.From != f.From {
			return
		}
		if f.To != "" && e.To != f.To {
			return
		}
		if len(types) > 0 {
			if _, ok := types[e.Type]; !ok {
				return
			}
		}
		out = append(out, e)
	})
	if err != nil {
		return nil, err
	}
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

// Snapshot dumps both tables inside one read transaction.
func (s *BadgerStore) Snapshot(ctx context.Context) ([]Node, []Edge, error) {
	var nodes []Node
	var edges []Edge
	err := s.db.View(func(txn *badger.Txn) error {
		if err := scanPrefix(ctx, txn, prefixNode, func(val []byte) error {
			var n Node
			if err := msgpack.Unmarshal(val, &n); err != nil {
				return err
			}
			nodes = append(nodes, n)
			return nil
		}); err != nil {
			return err
		}
		return scanPrefix(ctx, txn, prefixEdge, func(val []byte) error {
			var e Edge
			if err := msgpack.Unmarshal(val, &e); err != nil {
				return err
			}
			edges = append(edges, e)
			return nil
		})
	})
	if err != nil {
		if core.CodeOf(err) == core.CodeCancelled {
			return nil, nil, err
		}
		return nil, nil, core.WrapError(core.CodeStorageFailure, "snapshotting graph", err)
	}
	return nodes, edges, nil
}

// Neighborhood implements the bulk expansion contract on the persistent
// engine. The edge table is scanned once to build an in-memory incidence
// view, the BFS runs over that view, then nodes are fetched in one bulk
// pass, all inside a single read transaction.
func (s *BadgerStore) Neighborhood(ctx context.Context, center string, hops, maxNodes, maxEdges int) ([]Node, []Edge, error) {
	if hops < 1 || hops > 3 {
		return nil, nil, core.NewErrorf(core.CodeInvalidInput, "hops must be in [1,3], got %d", hops)
	}
	if maxNodes <= 0 {
		maxNodes = s.limits.MaxNodes
	}
	if maxEdges <= 0 {
		maxEdges = s.limits.MaxEdges
	}

	var nodes []Node
	var edges []Edge
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(center)); err == badger.ErrKeyNotFound {
			empty, cerr := tableEmpty(txn, prefixNode)
			if cerr != nil {
				return cerr
			}
			if empty {
				nodes, edges = []Node{}, []Edge{}
				return nil
			}
			return core.WrapError(core.CodeNotFound, "neighborhood center not found", core.ErrNodeNotFound).WithContext("node_id", center)
		} else if err != nil {
			return err
		}

		// One edge-table scan builds the incidence view.
		all := make(map[string]Edge)
		byNode := make(map[string][]string)
		if err := scanPrefix(ctx, txn, prefixEdge, func(val []byte) error {
			var e Edge
			if err := msgpack.Unmarshal(val, &e); err != nil {
				return err
			}
			all[e.ID] = e
			byNode[e.From] = append(byNode[e.From], e.ID)
			byNode[e.To] = append(byNode[e.To], e.ID)
			return nil
		}); err != nil {
			return err
		}

		visited := map[string]struct{}{center: {}}
		frontier := []string{center}
		for hop := 0; hop < hops && len(frontier) > 0; hop++ {
			if err := cancelled(ctx); err != nil {
				return err
			}
			next := make(map[string]struct{})
			for _, id := range frontier {
				for _, eid := range byNode[id] {
					e := all[eid]
					next[e.From] = struct{}{}
					next[e.To] = struct{}{}
				}
			}
			frontier = frontier[:0]
			for id := range next {
				if _, seen := visited[id]; seen {
					continue
				}
				visited[id] = struct{}{}
				frontier = append(frontier, id)
			}
		}

		nowMS := time.Now().UnixMilli()

		// Bulk node fetch for the visited set.
		nodes = make([]Node, 0, len(visited))
		for id := range visited {
			item, err := txn.Get(nodeKey(id))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			var n Node
			if err := item.Value(func(val []byte) error { return msgpack.Unmarshal(val, &n) }); err != nil {
				return err
			}
			nodes = append(nodes, n)
		}
		sort.Slice(nodes, func(i, j int) bool {
			if nodes[i].ID == center {
				return true
			}
			if nodes[j].ID == center {
				return false
			}
			si := nodes[i].EffectiveScore(nowMS, s.limits.NodeHalfLife)
			sj := nodes[j].EffectiveScore(nowMS, s.limits.NodeHalfLife)
			if si != sj {
				return si > sj
			}
			return nodes[i].UpdatedAtMS > nodes[j].UpdatedAtMS
		})
		if len(nodes) > maxNodes {
			nodes = nodes[:maxNodes]
		}
		kept := make(map[string]struct{}, len(nodes))
		for _, n := range nodes {
			kept[n.ID] = struct{}{}
		}

		edges = make([]Edge, 0)
		for _, e := range all {
			if _, ok := kept[e.From]; !ok {
				continue
			}
			if _, ok := kept[e.To]; !ok {
				continue
			}
			edges = append(edges, e)
		}
		sort.Slice(edges, func(i, j int) bool {
			wi := edges[i].EffectiveWeight(nowMS, s.limits.EdgeHalfLife)
			wj := edges[j].EffectiveWeight(nowMS, s.limits.EdgeHalfLife)
			if wi != wj {
				return wi > wj
			}
			return edges[i].UpdatedAtMS > edges[j].UpdatedAtMS
		})
		if len(edges) > maxEdges {
			edges = edges[:maxEdges]
		}
		return nil
	})
	if err != nil {
		switch core.CodeOf(err) {
		case core.CodeNotFound, core.CodeCancelled:
			return nil, nil, err
		}
		return nil, nil, core.WrapError(core.CodeStorageFailure, "neighborhood query", err)
	}
	return nodes, edges, nil
}

// Prune enforces decay thresholds and capacity bounds in one update
// transaction, mirroring the in-memory engine's four phases.
func (s *BadgerStore) Prune(ctx context.Context, nowMS int64) (PruneResult, error) {
	var res PruneResult
	err := s.db.Update(func(txn *badger.Txn) error {
		nodes := make(map[string]Node)
		edges := make(map[string]Edge)
		incident := make(map[string]int)

		if err := scanPrefix(ctx, txn, prefixNode, func(val []byte) error {
			var n Node
			if err := msgpack.Unmarshal(val, &n); err != nil {
				return err
			}
			nodes[n.ID] = n
			return nil
		}); err != nil {
			return err
		}
		if err := scanPrefix(ctx, txn, prefixEdge, func(val []byte) error {
			var e Edge
			if err := msgpack.Unmarshal(val, &e); err != nil {
				return err
			}
			edges[e.ID] = e
			incident[e.From]++
			incident[e.To]++
			return nil
		}); err != nil {
			return err
		}

		dropNode := func(id string) error {
			if err := txn.Delete(nodeKey(id)); err != nil {
				return err
			}
			delete(nodes, id)
			res.NodesRemoved++
			return nil
		}
		dropEdge := func(e Edge) error {
			if err := txn.Delete(edgeKey(e.ID)); err != nil {
				return err
			}
			if err := txn.Delete(incidenceKey(prefixOutgoing, e.From, e.ID)); err != nil {
				return err
			}
			if err := txn.Delete(incidenceKey(prefixIncoming, e.To, e.ID)); err != nil {
				return err
			}
			delete(edges, e.ID)
			incident[e.From]--
			incident[e.To]--
			res.EdgesRemoved++
			return nil
		}

		// Phase 1: dead unconnected nodes.
		for id, n := range nodes {
			if n.EffectiveScore(nowMS, s.limits.NodeHalfLife) >= s.limits.NodeMinScore {
				continue
			}
			if incident[id] > 0 {
				continue
			}
			if err := dropNode(id); err != nil {
				return err
			}
		}

		// Phase 2: decayed edges.
		for _, e := range edges {
			if e.EffectiveWeight(nowMS, s.limits.EdgeHalfLife) >= s.limits.EdgeMinWeight {
				continue
			}
			if err := dropEdge(e); err != nil {
				return err
			}
		}

		// Phase 3: node capacity trim, with referential cleanup.
		if len(nodes) > s.limits.MaxNodes {
			ranked := make([]Node, 0, len(nodes))
			for _, n := range nodes {
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
			doomed := make(map[string]struct{})
			for _, n := range ranked[s.limits.MaxNodes:] {
				doomed[n.ID] = struct{}{}
			}
			for _, e := range edges {
				_, fromDoomed := doomed[e.From]
				_, toDoomed := doomed[e.To]
				if fromDoomed || toDoomed {
					if err := dropEdge(e); err != nil {
						return err
					}
				}
			}
			for id := range doomed {
				if err := dropNode(id); err != nil {
					return err
				}
			}
		}

		// Phase 4: edge capacity trim.
		if len(edges) > s.limits.MaxEdges {
			ranked := make([]Edge, 0, len(edges))
			for _, e := range edges {
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
				if err := dropEdge(e); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		if core.CodeOf(err) == core.CodeCancelled {
			return res, err
		}
		return res, core.WrapError(core.CodeStorageFailure, "pruning graph", err)
	}
	return res, nil
}

// Stats counts both tables.
func (s *BadgerStore) Stats() Stats {
	st := Stats{MaxNodes: s.limits.MaxNodes, MaxEdges: s.limits.MaxEdges}
	_ = s.db.View(func(txn *badger.Txn) error {
		var err error
		st.Nodes, err = countPrefix(txn, prefixNode)
		if err != nil {
			return err
		}
		st.Edges, err = countPrefix(txn, prefixEdge)
		return err
	})
	return st
}

// Close releases the underlying badger database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// scan helpers
// ---------------------------------------------------------------------------

func (s *BadgerStore) scanNodes(ctx context.Context, visit func(Node)) error {
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(ctx, txn, prefixNode, func(val []byte) error {
			var n Node
			if err := msgpack.Unmarshal(val, &n); err != nil {
				return err
			}
			visit(n)
			return nil
		})
	})
	if err != nil {
		if core.CodeOf(err) == core.CodeCancelled {
			return err
		}
		return core.WrapError(core.CodeStorageFailure, "scanning nodes", err)
	}
	return nil
}

func (s *BadgerStore) scanEdges(ctx context.Context, visit func(Edge)) error {
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(ctx, txn, prefixEdge, func(val []byte) error {
			var e Edge
			if err := msgpack.Unmarshal(val, &e); err != nil {
				return err
			}
			visit(e)
			return nil
		})
	})
	if err != nil {
		if core.CodeOf(err) == core.CodeCancelled {
			return err
		}
		return core.WrapError(core.CodeStorageFailure, "scanning edges", err)
	}
	return nil
}

func scanPrefix(ctx context.Context, txn *badger.Txn, prefix byte, visit func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte{prefix}
	it := txn.NewIterator(opts)
	defer it.Close()

	i := 0
	for it.Rewind(); it.Valid(); it.Next() {
		i++
		if i%cancelCheckStride == 0 {
			if err := cancelled(ctx); err != nil {
				return err
			}
		}
		if err := it.Item().Value(visit); err != nil {
			return err
		}
	}
	return nil
}

func countPrefix(txn *badger.Txn, prefix byte) (int, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte{prefix}
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	count := 0
	for it.Rewind(); it.Valid(); it.Next() {
		count++
	}
	return count, nil
}

func tableEmpty(txn *badger.Txn, prefix byte) (bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte{prefix}
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	it.Rewind()
	return !it.Valid(), nil
}
