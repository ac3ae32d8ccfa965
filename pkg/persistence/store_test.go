package persistence

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/habitushome/habitus/pkg/core"
	"github.com/habitushome/habitus/pkg/graph"
)

func newTestStore(t *testing.T, compress bool) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), compress, zap.NewNop())
	require.NoError(t, err)
	return s
}

func sampleGraph() ([]graph.Node, []graph.Edge) {
	now := time.Now().UnixMilli()
	nodes := []graph.Node{
		{ID: "light.kitchen", Kind: graph.KindEntity, Label: "Kitchen Light", Domain: "light", Score: 0.8, UpdatedAtMS: now},
		{ID: "zone.kitchen", Kind: graph.KindZone, Label: "Kitchen", Score: 1, UpdatedAtMS: now},
	}
	edges := []graph.Edge{
		{ID: graph.EdgeIDFor("light.kitchen", graph.EdgeInZone, "zone.kitchen"),
			From: "light.kitchen", To: "zone.kitchen", Type: graph.EdgeInZone, Weight: 1, UpdatedAtMS: now},
	}
	return nodes, edges
}

func TestGraphSnapshotRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		s := newTestStore(t, compress)
		nodes, edges := sampleGraph()

		require.NoError(t, s.SaveGraph(nodes, edges, 12345))

		snap, err := s.LoadGraph()
		require.NoError(t, err)
		assert.Equal(t, int64(12345), snap.SavedAtMS)
		require.Len(t, snap.Nodes, 2)
		require.Len(t, snap.Edges, 1)
		assert.Equal(t, nodes[0].ID, snap.Nodes[0].ID)
		assert.Equal(t, edges[0].ID, snap.Edges[0].ID)
	}
}

func TestLoadGraphMissingFile(t *testing.T) {
	s := newTestStore(t, false)
	snap, err := s.LoadGraph()
	require.NoError(t, err)
	assert.Empty(t, snap.Nodes)
	assert.Empty(t, snap.Edges)
}

func TestLoadGraphCorruptFile(t *testing.T) {
	s := newTestStore(t, false)
	nodes, edges := sampleGraph()
	require.NoError(t, s.SaveGraph(nodes, edges, 1))

	// Flip a payload byte past the header.
	path := s.Path(GraphFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = s.LoadGraph()
	require.Error(t, err)
	assert.Equal(t, core.CodeStorageFailure, core.CodeOf(err))
}

func TestDecodeRejectsWrongMagic(t *testing.T) {
	c := NewCodec(false)
	data, err := c.Encode(&GraphSnapshot{SavedAtMS: 1})
	require.NoError(t, err)
	copy(data[:4], "XXXX")

	_, err = c.Decode(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "magic")
}

func TestJSONRoundTrip(t *testing.T) {
	s := newTestStore(t, false)

	type state struct {
		LastRunMS int64 `json:"last_run_ms"`
		Total     int64 `json:"total_events_processed"`
	}
	require.NoError(t, s.SaveJSON(MinerStateFile, state{LastRunMS: 7, Total: 42}))

	var got state
	found, err := s.LoadJSON(MinerStateFile, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(7), got.LastRunMS)
	assert.Equal(t, int64(42), got.Total)

	var missing state
	found, err = s.LoadJSON("nope.json", &missing)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	s := newTestStore(t, false)
	require.NoError(t, s.SaveJSON(RulesFile, []string{"a"}))

	_, err := os.Stat(s.Path(RulesFile) + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestUnknownFieldsSurviveRoundTrip(t *testing.T) {
	type candidate struct {
		ID    string `json:"candidate_id"`
		State string `json:"state"`
	}

	// A newer build wrote an extra field this build does not know.
	raw := []byte(`{"candidate_id":"c1","state":"pending","future_field":{"x":1}}`)

	var known candidate
	extra, err := SplitUnknown(raw, &known)
	require.NoError(t, err)
	assert.Equal(t, "c1", known.ID)
	require.Contains(t, extra, "future_field")

	known.State = "accepted"
	out, err := MergeUnknown(&known, extra)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &m))
	assert.JSONEq(t, `{"x":1}`, string(m["future_field"]))
	assert.JSONEq(t, `"accepted"`, string(m["state"]))
}

func TestMergeUnknownKnownFieldsWin(t *testing.T) {
	type rec struct {
		Name string `json:"name"`
	}
	extra := map[string]json.RawMessage{"name": json.RawMessage(`"stale"`)}
	out, err := MergeUnknown(&rec{Name: "fresh"}, extra)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"fresh"}`, string(out))
}
