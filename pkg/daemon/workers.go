// Package daemon runs the background maintenance schedulers: decay and
// prune sweeps, periodic persistence, and interval mining.
package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/habitushome/habitus/pkg/core"
)

// Hooks are the pipeline operations the schedulers invoke. Nil hooks
// disable the corresponding daemon.
type Hooks struct {
	// Maintain enforces graph caps and score decay and sweeps weak
	// synapse connections.
	Maintain func(ctx context.Context) error

	// Persist flushes in-memory state to disk.
	Persist func(ctx context.Context) error

	// Mine attempts a mining run. Runs inside the throttle window are
	// expected to be cheap no-ops.
	Mine func(ctx context.Context) error
}

// Manager owns the scheduler goroutines.
type Manager struct {
	hooks  Hooks
	logger *zap.Logger

	intervalMu      sync.RWMutex
	decayInterval   time.Duration
	persistInterval time.Duration
	mineInterval    time.Duration

	mu   sync.Mutex
	runs map[string]uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a manager from the configured intervals. Zero
// intervals fall back to the defaults.
func NewManager(cfg core.DaemonConfig, hooks Hooks, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := core.DefaultConfig().Daemons
	if cfg.DecayInterval <= 0 {
		cfg.DecayInterval = def.DecayInterval
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = def.PersistInterval
	}
	if cfg.MineInterval <= 0 {
		cfg.MineInterval = def.MineInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		hooks:           hooks,
		logger:          logger,
		decayInterval:   cfg.DecayInterval,
		persistInterval: cfg.PersistInterval,
		mineInterval:    cfg.MineInterval,
		runs:            make(map[string]uint64),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start launches the scheduler goroutines.
func (m *Manager) Start() {
	m.wg.Add(3)
	go m.maintainDaemon()
	go m.persistDaemon()
	go m.mineDaemon()
	m.logger.Info("daemons started",
		zap.Duration("decay_interval", m.getInterval(&m.decayInterval)),
		zap.Duration("persist_interval", m.getInterval(&m.persistInterval)),
		zap.Duration("mine_interval", m.getInterval(&m.mineInterval)))
}

// Stop cancels the schedulers and waits for them. The persist daemon
// flushes one final time on the way out.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info("daemons stopped")
}

func (m *Manager) maintainDaemon() {
	defer m.wg.Done()
	for m.waitInterval(m.getInterval(&m.decayInterval)) {
		m.invoke("maintain", m.hooks.Maintain)
	}
}

func (m *Manager) persistDaemon() {
	defer m.wg.Done()
	for m.waitInterval(m.getInterval(&m.persistInterval)) {
		m.invoke("persist", m.hooks.Persist)
	}

	// Final flush on shutdown, decoupled from the cancelled run context.
	if m.hooks.Persist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.hooks.Persist(ctx); err != nil {
			m.logger.Error("final persist failed", zap.Error(err))
		}
	}
}

func (m *Manager) mineDaemon() {
	defer m.wg.Done()
	for m.waitInterval(m.getInterval(&m.mineInterval)) {
		m.invoke("mine", m.hooks.Mine)
	}
}

func (m *Manager) invoke(name string, hook func(ctx context.Context) error) {
	if hook == nil {
		return
	}
	m.mu.Lock()
	m.runs[name]++
	m.mu.Unlock()

	if err := hook(m.ctx); err != nil {
		if core.CodeOf(err) == core.CodeCancelled {
			return
		}
		m.logger.Warn("daemon run failed", zap.String("daemon", name), zap.Error(err))
	}
}

func (m *Manager) waitInterval(interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-m.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) getInterval(field *time.Duration) time.Duration {
	m.intervalMu.RLock()
	defer m.intervalMu.RUnlock()
	return *field
}

// SetIntervals reconfigures the schedulers at runtime. The new values
// take effect after the current wait.
func (m *Manager) SetIntervals(decay, persist, mine time.Duration) {
	m.intervalMu.Lock()
	defer m.intervalMu.Unlock()
	if decay > 0 {
		m.decayInterval = decay
	}
	if persist > 0 {
		m.persistInterval = persist
	}
	if mine > 0 {
		m.mineInterval = mine
	}
}

// Stats returns scheduler intervals and run counts.
func (m *Manager) Stats() map[string]any {
	m.intervalMu.RLock()
	intervals := map[string]any{
		"decay_interval":   m.decayInterval.String(),
		"persist_interval": m.persistInterval.String(),
		"mine_interval":    m.mineInterval.String(),
	}
	m.intervalMu.RUnlock()

	m.mu.Lock()
	for name, count := range m.runs {
		intervals[name+"_runs"] = count
	}
	m.mu.Unlock()
	return intervals
}
