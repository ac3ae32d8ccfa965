package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/habitushome/habitus/pkg/core"
	"github.com/habitushome/habitus/pkg/graph"
)

// File names under the data directory.
const (
	GraphFile      = "graph.habg"
	CandidatesFile = "candidates.json"
	RulesFile      = "rules.json"
	MinerStateFile = "miner_state.json"
	SynapsesFile   = "synapses.json"
)

// retryBackoff is the delay schedule after a failed write: one retry per
// entry, then the failure surfaces.
var retryBackoff = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond}

// Store handles file-based persistence of the pipeline state.
type Store struct {
	basePath string
	codec    *Codec
	logger   *zap.Logger

	mu          sync.Mutex
	totalWrites uint64
	totalReads  uint64
	retries     uint64
}

// NewStore creates the data directory and a store over it.
func NewStore(basePath string, compress bool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, core.WrapError(core.CodeStorageFailure, "creating data directory", err)
	}
	return &Store{basePath: basePath, codec: NewCodec(compress), logger: logger}, nil
}

// Path returns the absolute path of a named state file.
func (s *Store) Path(name string) string {
	return filepath.Join(s.basePath, name)
}

// SaveGraph writes the full graph snapshot.
func (s *Store) SaveGraph(nodes []graph.Node, edges []graph.Edge, nowMS int64) error {
	data, err := s.codec.Encode(&GraphSnapshot{SavedAtMS: nowMS, Nodes: nodes, Edges: edges})
	if err != nil {
		return err
	}
	return s.writeWithRetry(s.Path(GraphFile), data)
}

// LoadGraph reads the snapshot. A missing file returns an empty snapshot;
// a corrupt file is fatal and surfaces as StorageFailure.
func (s *Store) LoadGraph() (*GraphSnapshot, error) {
	data, err := os.ReadFile(s.Path(GraphFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &GraphSnapshot{}, nil
		}
		return nil, core.WrapError(core.CodeStorageFailure, "reading graph snapshot", err)
	}
	s.countRead()
	return s.codec.Decode(data)
}

// SaveJSON writes a JSON state file atomically with the retry policy.
func (s *Store) SaveJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return core.WrapError(core.CodeStorageFailure, "encoding "+name, err)
	}
	return s.writeWithRetry(s.Path(name), data)
}

// LoadJSON reads a JSON state file into v. A missing file leaves v
// untouched and reports found=false.
func (s *Store) LoadJSON(name string, v any) (found bool, err error) {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, core.WrapError(core.CodeStorageFailure, "reading "+name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, core.WrapError(core.CodeStorageFailure, "decoding "+name, err)
	}
	s.countRead()
	return true, nil
}

// writeWithRetry writes atomically, retrying per the backoff schedule on
// failure.
func (s *Store) writeWithRetry(path string, data []byte) error {
	err := s.writeAtomically(path, data, 0644)
	for _, backoff := range retryBackoff {
		if err == nil {
			break
		}
		s.mu.Lock()
		s.retries++
		s.mu.Unlock()
		s.logger.Warn("write failed, retrying",
			zap.String("path", path),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		time.Sleep(backoff)
		err = s.writeAtomically(path, data, 0644)
	}
	if err != nil {
		return core.WrapError(core.CodeStorageFailure, "writing "+filepath.Base(path), err)
	}
	s.mu.Lock()
	s.totalWrites++
	s.mu.Unlock()
	return nil
}

// writeAtomically stages to a temp file, fsyncs, and renames over the
// target so readers never observe a partial file.
func (s *Store) writeAtomically(path string, data []byte, perm os.FileMode) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return s.syncDir(filepath.Dir(path))
}

func (s *Store) syncDir(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (s *Store) countRead() {
	s.mu.Lock()
	s.totalReads++
	s.mu.Unlock()
}

// Stats returns persistence counters.
func (s *Store) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"total_writes": s.totalWrites,
		"total_reads":  s.totalReads,
		"retries":      s.retries,
		"base_path":    s.basePath,
	}
}
