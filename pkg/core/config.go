package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Config, central configuration for a habitus instance.
//
// The configuration is resolved through a four-level hierarchy where each
// layer overrides values set by the layer beneath it:
//
//	Priority (highest to lowest):
//	  1. Programmatic overrides (e.g. CLI flags applied after loading)
//	  2. YAML configuration file
//	  3. Environment variables (HABITUS_* prefix)
//	  4. Built-in defaults
//
// All duration fields accept standard Go duration strings when supplied
// through the YAML file or environment variables (e.g. "30s", "5m", "1h").
// ---------------------------------------------------------------------------

// GraphConfig groups brain graph store bounds and decay settings.
type GraphConfig struct {
	// MaxNodes is the node capacity bound enforced by pruning.
	MaxNodes int `yaml:"maxNodes"`

	// MaxEdges is the edge capacity bound enforced by pruning.
	MaxEdges int `yaml:"maxEdges"`

	// NodeMinScore is the effective-score threshold below which an
	// unconnected node becomes prunable.
	NodeMinScore float64 `yaml:"nodeMinScore"`

	// EdgeMinWeight is the effective-weight prune threshold for edges.
	EdgeMinWeight float64 `yaml:"edgeMinWeight"`

	// NodeHalfLife is the score decay half-life for nodes.
	NodeHalfLife time.Duration `yaml:"nodeHalfLife"`

	// EdgeHalfLife is the weight decay half-life for edges.
	EdgeHalfLife time.Duration `yaml:"edgeHalfLife"`
}

// MinerConfig groups habitus mining thresholds and windows.
type MinerConfig struct {
	// Windows are the candidate succession windows, ascending.
	Windows []time.Duration `yaml:"windows"`

	// MinSupportA / MinSupportB are the minimum key frequencies for a key
	// to enter the antecedent / consequent candidate sets.
	MinSupportA int `yaml:"minSupportA"`
	MinSupportB int `yaml:"minSupportB"`

	// MinHits is the minimum A-followed-by-B coverage for a rule.
	MinHits int `yaml:"minHits"`

	// Quality thresholds applied after metric computation.
	MinConfidence   float64 `yaml:"minConfidence"`
	MinConfidenceLB float64 `yaml:"minConfidenceLB"`
	MinLift         float64 `yaml:"minLift"`
	MinLeverage     float64 `yaml:"minLeverage"`

	// MaxRules caps the number of rules kept per run, ranked by score.
	MaxRules int `yaml:"maxRules"`

	// Cooldown is the per-entity debounce interval: repeats of the same
	// event key inside the cooldown are dropped.
	Cooldown time.Duration `yaml:"cooldown"`

	// CooldownOverrides replaces Cooldown for specific entities. Chatty
	// sensors typically get a longer interval here.
	CooldownOverrides map[string]time.Duration `yaml:"cooldownOverrides"`

	// SessionGap is the inter-event gap that starts a new session.
	SessionGap time.Duration `yaml:"sessionGap"`

	// Throttle is the minimum interval between full mining runs.
	Throttle time.Duration `yaml:"throttle"`

	// ExcludeSelfRules drops A->A rules. ExcludeSameEntity additionally
	// drops rules whose keys share one entity.
	ExcludeSelfRules  bool `yaml:"excludeSelfRules"`
	ExcludeSameEntity bool `yaml:"excludeSameEntity"`

	// IncludeDomains / ExcludeDomains / ExcludeEntities filter the event
	// stream before mining. Empty include list means all domains.
	IncludeDomains  []string `yaml:"includeDomains"`
	ExcludeDomains  []string `yaml:"excludeDomains"`
	ExcludeEntities []string `yaml:"excludeEntities"`

	// EvidenceCap bounds stored hit/miss samples per rule.
	EvidenceCap int `yaml:"evidenceCap"`
}

// NeuronConfig groups mood evaluation settings.
type NeuronConfig struct {
	// MoodHistory is the number of mood snapshots retained for smoothing.
	MoodHistory int `yaml:"moodHistory"`

	// SmoothingWindow is the number of trailing snapshots averaged into
	// each raw mood value.
	SmoothingWindow int `yaml:"smoothingWindow"`

	// ValueHistory is the per-neuron value ring buffer capacity.
	ValueHistory int `yaml:"valueHistory"`

	// SuggestionTTL is how long generated suggestions stay valid.
	SuggestionTTL time.Duration `yaml:"suggestionTTL"`
}

// StorageConfig groups persistence settings.
type StorageConfig struct {
	// DataPath is the directory holding all persisted state files.
	DataPath string `yaml:"dataPath"`

	// Engine selects the graph store engine: memory | badger.
	Engine string `yaml:"engine"`

	// Compress enables gzip compression inside graph snapshots.
	Compress bool `yaml:"compress"`
}

// DaemonConfig groups background scheduler intervals.
type DaemonConfig struct {
	// DecayInterval controls how often graph pruning (decay enforcement)
	// runs in the background.
	DecayInterval time.Duration `yaml:"decayInterval"`

	// PersistInterval controls how often in-memory state is flushed.
	PersistInterval time.Duration `yaml:"persistInterval"`

	// MineInterval controls how often a mining run is attempted. Runs
	// inside the miner throttle window are skipped.
	MineInterval time.Duration `yaml:"mineInterval"`
}

// DispatchConfig groups dispatcher queue settings.
type DispatchConfig struct {
	// QueueSize is the per-subscriber bounded queue capacity.
	QueueSize int `yaml:"queueSize"`
}

// PipelineConfig groups ingress and pipeline-level caps.
type PipelineConfig struct {
	// EventCacheSize is the LRU replay cache capacity for the miner.
	EventCacheSize int `yaml:"eventCacheSize"`

	// Workers is the worker pool size for blocking operations.
	Workers int `yaml:"workers"`

	// TickInterval drives periodic neuron evaluation.
	TickInterval time.Duration `yaml:"tickInterval"`
}

// Config is the root configuration object for a habitus instance.
type Config struct {
	Graph    GraphConfig    `yaml:"graph"`
	Miner    MinerConfig    `yaml:"miner"`
	Neurons  NeuronConfig   `yaml:"neurons"`
	Storage  StorageConfig  `yaml:"storage"`
	Daemons  DaemonConfig   `yaml:"daemons"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// ---------------------------------------------------------------------------
// Factory functions
// ---------------------------------------------------------------------------

// DefaultConfig returns a Config populated with production-safe defaults.
func DefaultConfig() *Config {
	return &Config{
		Graph: GraphConfig{
			MaxNodes:      500,
			MaxEdges:      1500,
			NodeMinScore:  0.1,
			EdgeMinWeight: 0.1,
			NodeHalfLife:  24 * time.Hour,
			EdgeHalfLife:  12 * time.Hour,
		},
		Miner: MinerConfig{
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
			EvidenceCap:      25,
		},
		Neurons: NeuronConfig{
			MoodHistory:     10,
			SmoothingWindow: 3,
			ValueHistory:    16,
			SuggestionTTL:   30 * time.Minute,
		},
		Storage: StorageConfig{
			DataPath: "./data",
			Engine:   "memory",
			Compress: true,
		},
		Daemons: DaemonConfig{
			DecayInterval:   10 * time.Minute,
			PersistInterval: 1 * time.Minute,
			MineInterval:    30 * time.Minute,
		},
		Dispatch: DispatchConfig{
			QueueSize: 256,
		},
		Pipeline: PipelineConfig{
			EventCacheSize: 10000,
			Workers:        4,
			TickInterval:   30 * time.Second,
		},
	}
}

// ConfigFromFile reads a YAML configuration file and merges it on top of
// the built-in defaults. Fields absent from the file retain their defaults.
func ConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return cfg, nil
}

// ConfigFromEnv applies environment variable overrides to the given Config.
// If cfg is nil a new default Config is created first.
//
// Environment variable mapping (all optional, prefix HABITUS_):
//
//	HABITUS_DATA_PATH          -> Storage.DataPath
//	HABITUS_STORAGE_ENGINE     -> Storage.Engine       (memory|badger)
//	HABITUS_COMPRESS           -> Storage.Compress     ("true"/"false")
//	HABITUS_GRAPH_MAX_NODES    -> Graph.MaxNodes
//	HABITUS_GRAPH_MAX_EDGES    -> Graph.MaxEdges
//	HABITUS_NODE_MIN_SCORE     -> Graph.NodeMinScore
//	HABITUS_EDGE_MIN_WEIGHT    -> Graph.EdgeMinWeight
//	HABITUS_NODE_HALF_LIFE     -> Graph.NodeHalfLife   (duration string)
//	HABITUS_EDGE_HALF_LIFE     -> Graph.EdgeHalfLife   (duration string)
//	HABITUS_MINER_THROTTLE     -> Miner.Throttle       (duration string)
//	HABITUS_MINER_COOLDOWN     -> Miner.Cooldown       (duration string)
//	HABITUS_MINER_SESSION_GAP  -> Miner.SessionGap     (duration string)
//	HABITUS_MINER_MAX_RULES    -> Miner.MaxRules
//	HABITUS_MOOD_HISTORY       -> Neurons.MoodHistory
//	HABITUS_TICK_INTERVAL      -> Pipeline.TickInterval (duration string)
//	HABITUS_WORKERS            -> Pipeline.Workers
//	HABITUS_EVENT_CACHE_SIZE   -> Pipeline.EventCacheSize
//	HABITUS_DECAY_INTERVAL     -> Daemons.DecayInterval
//	HABITUS_PERSIST_INTERVAL   -> Daemons.PersistInterval
//	HABITUS_MINE_INTERVAL      -> Daemons.MineInterval
func ConfigFromEnv(cfg *Config) *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	setEnvStr("HABITUS_DATA_PATH", &cfg.Storage.DataPath)
	setEnvStr("HABITUS_STORAGE_ENGINE", &cfg.Storage.Engine)
	setEnvBool("HABITUS_COMPRESS", &cfg.Storage.Compress)

	setEnvInt("HABITUS_GRAPH_MAX_NODES", &cfg.Graph.MaxNodes)
	setEnvInt("HABITUS_GRAPH_MAX_EDGES", &cfg.Graph.MaxEdges)
	setEnvFloat("HABITUS_NODE_MIN_SCORE", &cfg.Graph.NodeMinScore)
	setEnvFloat("HABITUS_EDGE_MIN_WEIGHT", &cfg.Graph.EdgeMinWeight)
	setEnvDuration("HABITUS_NODE_HALF_LIFE", &cfg.Graph.NodeHalfLife)
	setEnvDuration("HABITUS_EDGE_HALF_LIFE", &cfg.Graph.EdgeHalfLife)

	setEnvDuration("HABITUS_MINER_THROTTLE", &cfg.Miner.Throttle)
	setEnvDuration("HABITUS_MINER_COOLDOWN", &cfg.Miner.Cooldown)
	setEnvDuration("HABITUS_MINER_SESSION_GAP", &cfg.Miner.SessionGap)
	setEnvInt("HABITUS_MINER_MAX_RULES", &cfg.Miner.MaxRules)

	setEnvInt("HABITUS_MOOD_HISTORY", &cfg.Neurons.MoodHistory)

	setEnvDuration("HABITUS_TICK_INTERVAL", &cfg.Pipeline.TickInterval)
	setEnvInt("HABITUS_WORKERS", &cfg.Pipeline.Workers)
	setEnvInt("HABITUS_EVENT_CACHE_SIZE", &cfg.Pipeline.EventCacheSize)

	setEnvDuration("HABITUS_DECAY_INTERVAL", &cfg.Daemons.DecayInterval)
	setEnvDuration("HABITUS_PERSIST_INTERVAL", &cfg.Daemons.PersistInterval)
	setEnvDuration("HABITUS_MINE_INTERVAL", &cfg.Daemons.MineInterval)

	return cfg
}

// LoadConfig implements the full four-level configuration hierarchy:
//
//  1. Start with built-in defaults.
//  2. If configPath is non-empty, overlay the YAML file.
//  3. Apply environment variable overrides.
//  4. The caller may then apply programmatic overrides (e.g. CLI flags).
func LoadConfig(configPath string) (*Config, error) {
	var cfg *Config

	if configPath != "" {
		var err error
		cfg, err = ConfigFromFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = DefaultConfig()
	}

	cfg = ConfigFromEnv(cfg)
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate performs structural validation of the entire configuration.
// Returns a descriptive error for the first invalid field encountered.
func (c *Config) Validate() error {
	// Graph
	if c.Graph.MaxNodes < 1 {
		return fmt.Errorf("graph.maxNodes must be >= 1, got %d", c.Graph.MaxNodes)
	}
	if c.Graph.MaxEdges < 1 {
		return fmt.Errorf("graph.maxEdges must be >= 1, got %d", c.Graph.MaxEdges)
	}
	if c.Graph.NodeMinScore < 0 || c.Graph.EdgeMinWeight < 0 {
		return fmt.Errorf("graph prune thresholds must be >= 0")
	}
	if c.Graph.NodeHalfLife <= 0 || c.Graph.EdgeHalfLife <= 0 {
		return fmt.Errorf("graph half-lives must be > 0")
	}

	// Miner
	if len(c.Miner.Windows) == 0 {
		return fmt.Errorf("miner.windows must not be empty")
	}
	prev := time.Duration(0)
	for _, w := range c.Miner.Windows {
		if w <= 0 {
			return fmt.Errorf("miner.windows entries must be > 0, got %v", w)
		}
		if w <= prev {
			return fmt.Errorf("miner.windows must be strictly ascending")
		}
		prev = w
	}
	if c.Miner.MinSupportA < 1 || c.Miner.MinSupportB < 1 {
		return fmt.Errorf("miner.minSupportA/B must be >= 1")
	}
	if c.Miner.MinHits < 1 {
		return fmt.Errorf("miner.minHits must be >= 1")
	}
	if c.Miner.MinConfidence < 0 || c.Miner.MinConfidence > 1 {
		return fmt.Errorf("miner.minConfidence must be in [0,1]")
	}
	if c.Miner.MinConfidenceLB < 0 || c.Miner.MinConfidenceLB > 1 {
		return fmt.Errorf("miner.minConfidenceLB must be in [0,1]")
	}
	if c.Miner.MaxRules < 1 {
		return fmt.Errorf("miner.maxRules must be >= 1")
	}
	if c.Miner.Cooldown < 0 || c.Miner.SessionGap <= 0 || c.Miner.Throttle < 0 {
		return fmt.Errorf("miner timing settings out of range")
	}
	for entity, d := range c.Miner.CooldownOverrides {
		if d < 0 {
			return fmt.Errorf("miner.cooldownOverrides[%s] must be >= 0", entity)
		}
	}
	if c.Miner.EvidenceCap < 0 {
		return fmt.Errorf("miner.evidenceCap must be >= 0")
	}

	// Neurons
	if c.Neurons.MoodHistory < 1 {
		return fmt.Errorf("neurons.moodHistory must be >= 1")
	}
	if c.Neurons.SmoothingWindow < 1 || c.Neurons.SmoothingWindow > c.Neurons.MoodHistory {
		return fmt.Errorf("neurons.smoothingWindow must be in [1, moodHistory]")
	}
	if c.Neurons.ValueHistory < 1 {
		return fmt.Errorf("neurons.valueHistory must be >= 1")
	}
	if c.Neurons.SuggestionTTL <= 0 {
		return fmt.Errorf("neurons.suggestionTTL must be > 0")
	}

	// Storage
	if c.Storage.DataPath == "" {
		return fmt.Errorf("storage.dataPath must not be empty")
	}
	engine := strings.ToLower(strings.TrimSpace(c.Storage.Engine))
	if engine != "memory" && engine != "badger" {
		return fmt.Errorf("storage.engine must be one of memory|badger")
	}
	c.Storage.Engine = engine

	// Daemons
	for name, d := range map[string]time.Duration{
		"daemons.decayInterval":   c.Daemons.DecayInterval,
		"daemons.persistInterval": c.Daemons.PersistInterval,
		"daemons.mineInterval":    c.Daemons.MineInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}

	// Dispatch
	if c.Dispatch.QueueSize < 1 {
		return fmt.Errorf("dispatch.queueSize must be >= 1")
	}

	// Pipeline
	if c.Pipeline.EventCacheSize < 1 {
		return fmt.Errorf("pipeline.eventCacheSize must be >= 1")
	}
	if c.Pipeline.Workers < 1 || c.Pipeline.Workers > 4 {
		return fmt.Errorf("pipeline.workers must be in [1,4], got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.TickInterval <= 0 {
		return fmt.Errorf("pipeline.tickInterval must be > 0")
	}

	return nil
}

// ---------------------------------------------------------------------------
// Environment variable helpers
// ---------------------------------------------------------------------------

func setEnvStr(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setEnvBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func setEnvInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func setEnvFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

func setEnvDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

// ---------------------------------------------------------------------------
// CLI flag overrides, final layer of the configuration hierarchy.
// ---------------------------------------------------------------------------

// CLIOverrides carries optional values set via command-line flags.
// Pointer fields are nil when the flag was not explicitly provided,
// allowing the caller to distinguish "not set" from the zero value.
type CLIOverrides struct {
	ConfigPath      *string
	DataPath        *string
	StorageEngine   *string
	Compress        *bool
	GraphMaxNodes   *int
	GraphMaxEdges   *int
	MinerThrottle   *time.Duration
	MinerMaxRules   *int
	MoodHistory     *int
	TickInterval    *time.Duration
	Workers         *int
	DecayInterval   *time.Duration
	PersistInterval *time.Duration
	MineInterval    *time.Duration
}

// ApplyCLIOverrides patches the Config with any explicitly-set CLI flags.
// Only non-nil fields are applied, preserving all values resolved from
// earlier hierarchy layers.
func (c *Config) ApplyCLIOverrides(o *CLIOverrides) {
	if o == nil {
		return
	}
	if o.DataPath != nil {
		c.Storage.DataPath = *o.DataPath
	}
	if o.StorageEngine != nil {
		c.Storage.Engine = *o.StorageEngine
	}
	if o.Compress != nil {
		c.Storage.Compress = *o.Compress
	}
	if o.GraphMaxNodes != nil {
		c.Graph.MaxNodes = *o.GraphMaxNodes
	}
	if o.GraphMaxEdges != nil {
		c.Graph.MaxEdges = *o.GraphMaxEdges
	}
	if o.MinerThrottle != nil {
		c.Miner.Throttle = *o.MinerThrottle
	}
	if o.MinerMaxRules != nil {
		c.Miner.MaxRules = *o.MinerMaxRules
	}
	if o.MoodHistory != nil {
		c.Neurons.MoodHistory = *o.MoodHistory
	}
	if o.TickInterval != nil {
		c.Pipeline.TickInterval = *o.TickInterval
	}
	if o.Workers != nil {
		c.Pipeline.Workers = *o.Workers
	}
	if o.DecayInterval != nil {
		c.Daemons.DecayInterval = *o.DecayInterval
	}
	if o.PersistInterval != nil {
		c.Daemons.PersistInterval = *o.PersistInterval
	}
	if o.MineInterval != nil {
		c.Daemons.MineInterval = *o.MineInterval
	}
}
