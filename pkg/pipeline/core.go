// Package pipeline wires the inference components into the process-wide
// core: ingress, graph folding, neuron ticks, mining, candidates and the
// background schedulers.
package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/habitushome/habitus/pkg/candidate"
	"github.com/habitushome/habitus/pkg/concurrency"
	"github.com/habitushome/habitus/pkg/core"
	"github.com/habitushome/habitus/pkg/daemon"
	"github.com/habitushome/habitus/pkg/dispatch"
	"github.com/habitushome/habitus/pkg/graph"
	"github.com/habitushome/habitus/pkg/miner"
	"github.com/habitushome/habitus/pkg/neuron"
	"github.com/habitushome/habitus/pkg/persistence"
	"github.com/habitushome/habitus/pkg/synapse"
)

// triggerWindow is how close two events must be for a triggered_by edge.
const triggerWindow = 30 * time.Second

// activityWindow is the lookback for the derived activity input.
const activityWindow = 5 * time.Minute

// Core is the process-wide pipeline singleton. Components start in
// dependency order and tear down in reverse.
type Core struct {
	cfg    *core.Config
	logger *zap.Logger

	bus        *dispatch.Bus
	graph      graph.Store
	memGraph   *graph.MemoryStore // nil when the badger engine is active
	neurons    *neuron.Manager
	candidates *candidate.Store
	miner      *miner.Miner
	synapses   *synapse.Engine
	files      *persistence.Store
	pool       *concurrency.Pool
	daemons    *daemon.Manager

	events *eventCache

	// Unknown JSON fields preserved from the state files so a newer
	// build's annotations survive a load/save cycle through this one.
	synapseExtras map[string]map[string]json.RawMessage
	minerExtra    map[string]json.RawMessage

	mu          sync.Mutex
	lastTS      int64
	lastKey     core.EventKey
	lastEntity  string
	suggestions []neuron.Suggestion
	lastRules   []miner.Rule
	lastTickMS  int64
	lastMineMS  int64
	ingested    uint64
	rejected    uint64
	closed      bool
}

// New builds the core from configuration, restoring persisted state.
func New(cfg *core.Config, logger *zap.Logger) (*Core, error) {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	files, err := persistence.NewStore(cfg.Storage.DataPath, cfg.Storage.Compress, logger)
	if err != nil {
		return nil, err
	}

	c := &Core{
		cfg:      cfg,
		logger:   logger,
		files:    files,
		events:   newEventCache(cfg.Pipeline.EventCacheSize),
		synapses: synapse.NewEngine(),
	}

	// The bus object exists before its subscribers; it only becomes the
	// live dispatcher once the daemons start.
	c.bus = dispatch.NewBus(cfg.Dispatch.QueueSize, logger)

	if err := c.openGraph(); err != nil {
		return nil, err
	}

	c.neurons = neuron.NewManager(cfg.Neurons, c.bus, logger, neuron.Defaults())

	c.candidates, err = candidate.NewStore(files, c.bus, logger)
	if err != nil {
		c.graph.Close()
		return nil, err
	}

	c.miner = miner.New(cfg.Miner, logger)
	var rawMiner json.RawMessage
	if found, err := files.LoadJSON(persistence.MinerStateFile, &rawMiner); err != nil {
		c.graph.Close()
		return nil, err
	} else if found {
		var minerState miner.PersistedState
		extra, err := persistence.SplitUnknown(rawMiner, &minerState)
		if err != nil {
			c.graph.Close()
			return nil, core.WrapError(core.CodeStorageFailure, "decoding miner state", err)
		}
		c.minerExtra = extra
		c.miner.RestoreState(minerState)
	}

	var rawConns []json.RawMessage
	if found, err := files.LoadJSON(persistence.SynapsesFile, &rawConns); err != nil {
		c.graph.Close()
		return nil, err
	} else if found {
		conns := make([]synapse.Connection, 0, len(rawConns))
		c.synapseExtras = make(map[string]map[string]json.RawMessage)
		for _, item := range rawConns {
			var conn synapse.Connection
			extra, err := persistence.SplitUnknown(item, &conn)
			if err != nil {
				c.graph.Close()
				return nil, core.WrapError(core.CodeStorageFailure, "decoding synapse record", err)
			}
			if conn.ID == "" {
				conn.ID = synapse.ConnID(conn.Source, conn.Target)
			}
			if extra != nil {
				c.synapseExtras[conn.ID] = extra
			}
			conns = append(conns, conn)
		}
		c.synapses.Restore(conns)
	}

	c.pool = concurrency.NewPool(cfg.Pipeline.Workers, logger)
	c.daemons = daemon.NewManager(cfg.Daemons, daemon.Hooks{
		Maintain: c.maintain,
		Persist:  c.persist,
		Mine: func(ctx context.Context) error {
			_, err := c.MineAndCreateCandidates(ctx, miner.MineOptions{})
			return err
		},
	}, logger)

	logger.Info("pipeline assembled",
		zap.String("engine", cfg.Storage.Engine),
		zap.String("data_path", cfg.Storage.DataPath))
	return c, nil
}

// openGraph selects the graph engine and restores the persisted snapshot
// for the in-memory one. Badger keeps its own files.
func (c *Core) openGraph() error {
	limits := graph.LimitsFromConfig(c.cfg.Graph)

	if c.cfg.Storage.Engine == "badger" {
		store, err := graph.NewBadgerStore(graph.BadgerOptions{
			DataDir: filepath.Join(c.cfg.Storage.DataPath, "graph"),
		}, limits)
		if err != nil {
			return err
		}
		c.graph = store
		return nil
	}

	mem := graph.NewMemoryStore(limits)
	snap, err := c.files.LoadGraph()
	if err != nil {
		return err
	}
	mem.Restore(snap.Nodes, snap.Edges)
	c.memGraph = mem
	c.graph = mem
	return nil
}

// Start launches the background schedulers.
func (c *Core) Start() {
	c.daemons.Start()
}

// Close tears the pipeline down in reverse initialization order:
// schedulers and dispatcher first, storage last. In-flight work drains
// before the graph closes.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.daemons.Stop()
	c.pool.Shutdown()
	c.bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.persist(ctx)

	if cerr := c.graph.Close(); err == nil {
		err = cerr
	}
	return err
}

// ---------------------------------------------------------------------------
// Ingress
// ---------------------------------------------------------------------------

// IngestEvent validates, caches and folds one normalized event into the
// graph. Invalid events are rejected with an InvalidInput error.
func (c *Core) IngestEvent(ctx context.Context, ev core.Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.NewError(core.CodeStorageFailure, "pipeline closed")
	}
	if err := core.ValidateEvent(ev, c.lastTS); err != nil {
		c.rejected++
		c.mu.Unlock()
		return core.WrapError(core.CodeInvalidInput, "event rejected", err)
	}
	ev = core.NormalizeEvent(ev)

	prevEntity := c.lastEntity
	prevTS := c.lastTS
	if ev.TimestampMS > c.lastTS {
		c.lastTS = ev.TimestampMS
	}
	c.lastKey = ev.Key()
	c.lastEntity = ev.EntityID
	c.ingested++
	c.mu.Unlock()

	c.events.append(ev)

	if err := c.fold(ctx, ev, prevEntity, prevTS); err != nil {
		return err
	}
	c.publishIngress(ev)
	return nil
}

// fold projects one event onto the graph: an entity node whose score
// accumulates activity, zone membership from context, and a triggered_by
// edge to the entity observed just before.
func (c *Core) fold(ctx context.Context, ev core.Event, prevEntity string, prevTS int64) error {
	halfLife := c.cfg.Graph.NodeHalfLife

	node, err := c.graph.GetNode(ctx, ev.EntityID)
	score := 1.0
	if err == nil {
		score = node.EffectiveScore(ev.TimestampMS, halfLife) + 1
	} else if core.CodeOf(err) != core.CodeNotFound {
		return err
	}
	if _, err := c.graph.UpsertNode(ctx, graph.Node{
		ID:          ev.EntityID,
		Kind:        graph.KindEntity,
		Label:       ev.EntityID,
		Domain:      ev.Domain,
		Score:       score,
		UpdatedAtMS: ev.TimestampMS,
	}); err != nil {
		return err
	}

	if zone := ev.Context["zone"]; zone != "" {
		if err := c.foldZone(ctx, ev, zone); err != nil {
			return err
		}
	}

	if prevEntity != "" && prevEntity != ev.EntityID &&
		ev.TimestampMS-prevTS <= triggerWindow.Milliseconds() {
		if err := c.bumpEdge(ctx, ev.EntityID, graph.EdgeTriggeredBy, prevEntity, ev.TimestampMS); err != nil {
			return err
		}
	}
	return nil
}

func (c *Core) foldZone(ctx context.Context, ev core.Event, zone string) error {
	zoneID := "zone." + zone
	node, err := c.graph.GetNode(ctx, zoneID)
	score := 1.0
	if err == nil {
		score = node.EffectiveScore(ev.TimestampMS, c.cfg.Graph.NodeHalfLife) + 1
	} else if core.CodeOf(err) != core.CodeNotFound {
		return err
	}
	if _, err := c.graph.UpsertNode(ctx, graph.Node{
		ID:          zoneID,
		Kind:        graph.KindZone,
		Label:       zone,
		Score:       score,
		UpdatedAtMS: ev.TimestampMS,
	}); err != nil {
		return err
	}
	return c.bumpEdge(ctx, ev.EntityID, graph.EdgeInZone, zoneID, ev.TimestampMS)
}

// bumpEdge upserts an edge, accumulating its decayed weight.
func (c *Core) bumpEdge(ctx context.Context, from string, typ graph.EdgeType, to string, nowMS int64) error {
	id := graph.EdgeIDFor(from, typ, to)
	weight := 1.0
	edges, err := c.graph.GetEdges(ctx, graph.EdgeFilter{From: from, To: to, Types: []graph.EdgeType{typ}})
	if err != nil {
		return err
	}
	for i := range edges {
		if edges[i].ID == id {
			weight = edges[i].EffectiveWeight(nowMS, c.cfg.Graph.EdgeHalfLife) + 1
			break
		}
	}
	_, err = c.graph.UpsertEdge(ctx, graph.Edge{
		ID: id, From: from, To: to, Type: typ,
		Weight: weight, UpdatedAtMS: nowMS,
	})
	return err
}

func (c *Core) publishIngress(ev core.Event) {
	topic := dispatch.TopicStateChanged
	switch {
	case ev.Domain == "zone" && ev.Transition == "enter":
		topic = dispatch.TopicZoneEntered
	case ev.Domain == "zone" && ev.Transition == "leave":
		topic = dispatch.TopicZoneLeft
	case ev.Domain == "person" || ev.Domain == "device_tracker":
		topic = dispatch.TopicPresenceChanged
	}
	c.bus.Publish(dispatch.Event{
		Topic:       topic,
		Source:      "ingress",
		TimestampMS: ev.TimestampMS,
		Payload:     ev,
	})
}

// ---------------------------------------------------------------------------
// Ticks and suggestions
// ---------------------------------------------------------------------------

// Tick runs one neuron evaluation pass. Sensor readings arrive normalized
// to [0,1] under the context neuron names; the pipeline adds its derived
// activity reading.
func (c *Core) Tick(now time.Time, sensors map[string]float64) neuron.TickResult {
	inputs := make(map[string]float64, len(sensors)+1)
	for k, v := range sensors {
		inputs[k] = v
	}
	if _, ok := inputs["activity"]; !ok {
		recent := c.events.since(now.Add(-activityWindow).UnixMilli())
		inputs["activity"] = clamp01(float64(recent) / 50)
	}

	res := c.neurons.Tick(now, inputs)
	nowMS := now.UnixMilli()

	// Synapse modulation: the dominant mood fires toward each suggested
	// action; learned weights shift the action priority.
	c.synapses.OnFired("mood:" + res.DominantMood)
	for i := range res.Suggestions {
		s := &res.Suggestions[i]
		c.synapses.OnFired(s.ActionType)
		if out := c.synapses.Fire("mood:"+s.SourceMood, s.Confidence); len(out) > 0 {
			s.Priority = clamp01(s.Priority + out[s.ActionType])
		}
	}

	c.mu.Lock()
	c.lastTickMS = nowMS
	c.suggestions = append(c.suggestions, res.Suggestions...)
	kept := c.suggestions[:0]
	for _, s := range c.suggestions {
		if s.ExpiresAtMS > nowMS {
			kept = append(kept, s)
		}
	}
	c.suggestions = kept
	c.mu.Unlock()
	return res
}

// Suggestions returns the queued suggestions that have not expired.
func (c *Core) Suggestions(nowMS int64) []neuron.Suggestion {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]neuron.Suggestion, 0, len(c.suggestions))
	for _, s := range c.suggestions {
		if s.ExpiresAtMS > nowMS {
			out = append(out, s)
		}
	}
	return out
}

// SuggestionFeedback applies a user reaction to a queued suggestion as a
// Hebbian update on the mood-to-action connection.
func (c *Core) SuggestionFeedback(suggestionID string, positive bool) error {
	c.mu.Lock()
	var found *neuron.Suggestion
	for i := range c.suggestions {
		if c.suggestions[i].ID == suggestionID {
			found = &c.suggestions[i]
			break
		}
	}
	if found == nil {
		c.mu.Unlock()
		return core.NewError(core.CodeNotFound, "suggestion not found").
			WithContext("suggestion_id", suggestionID)
	}
	mood, action := found.SourceMood, found.ActionType
	c.mu.Unlock()

	if !c.synapses.Feedback("mood:"+mood, action, positive) {
		c.synapses.Connect("mood:"+mood, action, synapse.TypeExcitatory, 0, 0)
		c.synapses.Feedback("mood:"+mood, action, positive)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Mining
// ---------------------------------------------------------------------------

// MineAndCreateCandidates runs a mining pass on the event cache and files
// the discovered rules as candidates. Patterns the user already dismissed
// are suppressed. The run executes on the worker pool.
func (c *Core) MineAndCreateCandidates(ctx context.Context, opts miner.MineOptions) (miner.MineResult, error) {
	events := c.events.snapshot()

	if opts.Zone != "" && len(opts.ZoneMembers) == 0 {
		members, err := c.zoneMembers(ctx, opts.Zone)
		if err != nil {
			return miner.MineResult{}, err
		}
		opts.ZoneMembers = members
	}

	var res miner.MineResult
	err := c.pool.Submit(ctx, &concurrency.Task{
		Name: "mine",
		Fn: func(tctx context.Context) error {
			var merr error
			res, merr = c.miner.Mine(tctx, events, opts)
			return merr
		},
	})
	if err != nil {
		return res, err
	}
	if res.Status == miner.StatusSkipped {
		return res, nil
	}

	dismissed := c.candidates.DismissedPatterns()
	created := 0
	for _, rule := range res.Rules {
		if dismissed[rule.PatternID()] {
			continue
		}
		_, isNew, err := c.candidates.CreateFromRule(rule, "habitus_miner")
		if err != nil {
			return res, err
		}
		if isNew {
			created++
			c.bus.Publish(dispatch.Event{
				Topic:   dispatch.TopicRuleDiscovered,
				Source:  "miner",
				Payload: rule,
			})
		}
	}

	c.mu.Lock()
	c.lastRules = res.Rules
	c.lastMineMS = time.Now().UnixMilli()
	c.mu.Unlock()

	if err := c.files.SaveJSON(persistence.RulesFile, res.Rules); err != nil {
		return res, err
	}
	if err := c.saveMinerState(); err != nil {
		return res, err
	}

	c.logger.Info("mining run completed",
		zap.Int("rules", len(res.Rules)),
		zap.Int("candidates_created", created),
		zap.Int("events_retained", res.EventsRetained))
	return res, nil
}

// zoneMembers resolves zone membership from in_zone edges.
func (c *Core) zoneMembers(ctx context.Context, zone string) ([]string, error) {
	edges, err := c.graph.GetEdges(ctx, graph.EdgeFilter{
		To:    "zone." + zone,
		Types: []graph.EdgeType{graph.EdgeInZone},
	})
	if err != nil {
		return nil, err
	}
	members := make([]string, 0, len(edges))
	for _, e := range edges {
		members = append(members, e.From)
	}
	return members, nil
}

// ---------------------------------------------------------------------------
// Maintenance hooks
// ---------------------------------------------------------------------------

// maintain enforces graph caps and decay and sweeps weak synapses.
func (c *Core) maintain(ctx context.Context) error {
	nowMS := time.Now().UnixMilli()
	if _, err := c.graph.Prune(ctx, nowMS); err != nil {
		return err
	}
	c.synapses.Decay(nowMS)
	c.synapses.Prune()
	return nil
}

// persist flushes in-memory state to the file store. The badger engine
// carries its own durability, so only the memory engine snapshots.
func (c *Core) persist(ctx context.Context) error {
	if c.memGraph != nil {
		nodes, edges, err := c.graph.Snapshot(ctx)
		if err != nil {
			return err
		}
		if err := c.files.SaveGraph(nodes, edges, time.Now().UnixMilli()); err != nil {
			return err
		}
	}
	if err := c.saveSynapses(); err != nil {
		return err
	}
	return c.saveMinerState()
}

// saveMinerState writes the miner state, re-attaching preserved fields
// from newer builds.
func (c *Core) saveMinerState() error {
	data, err := persistence.MergeUnknown(c.miner.State(), c.minerExtra)
	if err != nil {
		return core.WrapError(core.CodeStorageFailure, "encoding miner state", err)
	}
	return c.files.SaveJSON(persistence.MinerStateFile, json.RawMessage(data))
}

// saveSynapses writes the synapse connections, re-attaching preserved
// fields per connection.
func (c *Core) saveSynapses() error {
	conns := c.synapses.Export()
	out := make([]json.RawMessage, 0, len(conns))
	for i := range conns {
		data, err := persistence.MergeUnknown(&conns[i], c.synapseExtras[conns[i].ID])
		if err != nil {
			return core.WrapError(core.CodeStorageFailure, "encoding synapse record", err)
		}
		out = append(out, data)
	}
	return c.files.SaveJSON(persistence.SynapsesFile, out)
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Candidates exposes the candidate store for the external candidate API.
func (c *Core) Candidates() *candidate.Store { return c.candidates }

// Bus exposes the dispatcher for external subscribers.
func (c *Core) Bus() *dispatch.Bus { return c.bus }

// Neurons exposes the neuron manager for state inspection.
func (c *Core) Neurons() *neuron.Manager { return c.neurons }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
