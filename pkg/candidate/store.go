// Package candidate owns the user-decidable automation candidates mined
// from the event stream: a pending/accepted/dismissed lifecycle with
// sticky dismissals deduplicated by pattern id.
package candidate

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/habitushome/habitus/pkg/core"
	"github.com/habitushome/habitus/pkg/dispatch"
	"github.com/habitushome/habitus/pkg/miner"
	"github.com/habitushome/habitus/pkg/persistence"
)

// State is the candidate lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateAccepted  State = "accepted"
	StateDismissed State = "dismissed"
)

// terminal reports whether no further transition is allowed.
func (s State) terminal() bool {
	return s == StateAccepted || s == StateDismissed
}

// Metadata carries discovery provenance and the decision reason.
type Metadata struct {
	ZoneFilter      string `json:"zone_filter,omitempty"`
	DiscoveryMethod string `json:"discovery_method"`
	DecisionReason  string `json:"decision_reason,omitempty"`
}

// Candidate wraps a mined rule with its lifecycle.
type Candidate struct {
	CandidateID string     `json:"candidate_id"`
	PatternID   string     `json:"pattern_id"`
	State       State      `json:"state"`
	Evidence    miner.Rule `json:"evidence"`
	Metadata    Metadata   `json:"metadata"`
	CreatedAtMS int64      `json:"created_at_ms"`
	UpdatedAtMS int64      `json:"updated_at_ms"`
}

// DecisionPayload is published on lifecycle transitions.
type DecisionPayload struct {
	CandidateID string `json:"candidate_id"`
	PatternID   string `json:"pattern_id"`
}

// record pairs a candidate with unknown JSON fields preserved from disk.
type record struct {
	cand  Candidate
	extra map[string]json.RawMessage
}

// Store is the single-writer candidate store. Dismissals survive process
// restarts through the JSON state file.
type Store struct {
	files  *persistence.Store
	bus    *dispatch.Bus
	logger *zap.Logger

	mu        sync.Mutex
	byID      map[string]*record
	byPattern map[string]*record
}

// NewStore loads the candidate file and builds the in-memory indexes.
func NewStore(files *persistence.Store, bus *dispatch.Bus, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		files:     files,
		bus:       bus,
		logger:    logger,
		byID:      make(map[string]*record),
		byPattern: make(map[string]*record),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	if s.files == nil {
		return nil
	}
	var raw []json.RawMessage
	found, err := s.files.LoadJSON(persistence.CandidatesFile, &raw)
	if err != nil || !found {
		return err
	}
	for _, item := range raw {
		rec := &record{}
		extra, err := persistence.SplitUnknown(item, &rec.cand)
		if err != nil {
			return core.WrapError(core.CodeStorageFailure, "decoding candidate record", err)
		}
		rec.extra = extra
		s.byID[rec.cand.CandidateID] = rec
		s.byPattern[rec.cand.PatternID] = rec
	}
	s.logger.Info("candidates loaded", zap.Int("count", len(s.byID)))
	return nil
}

// persistLocked writes the full candidate list. Caller holds the lock.
func (s *Store) persistLocked() error {
	if s.files == nil {
		return nil
	}
	recs := make([]*record, 0, len(s.byID))
	for _, rec := range s.byID {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].cand.CreatedAtMS < recs[j].cand.CreatedAtMS
	})

	out := make([]json.RawMessage, 0, len(recs))
	for _, rec := range recs {
		data, err := persistence.MergeUnknown(&rec.cand, rec.extra)
		if err != nil {
			return core.WrapError(core.CodeStorageFailure, "encoding candidate record", err)
		}
		out = append(out, data)
	}
	return s.files.SaveJSON(persistence.CandidatesFile, out)
}

// CreateFromRule creates a pending candidate for the rule's pattern. A
// pattern that already has a candidate, in any state, is never
// re-created; the existing candidate is returned with created=false.
func (s *Store) CreateFromRule(rule miner.Rule, method string) (Candidate, bool, error) {
	patternID := rule.PatternID()

	s.mu.Lock()
	if rec, ok := s.byPattern[patternID]; ok {
		existing := rec.cand
		s.mu.Unlock()
		return existing, false, nil
	}

	now := time.Now().UnixMilli()
	rec := &record{cand: Candidate{
		CandidateID: uuid.NewString(),
		PatternID:   patternID,
		State:       StatePending,
		Evidence:    rule,
		Metadata:    Metadata{ZoneFilter: rule.Zone, DiscoveryMethod: method},
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}}
	s.byID[rec.cand.CandidateID] = rec
	s.byPattern[patternID] = rec

	if err := s.persistLocked(); err != nil {
		delete(s.byID, rec.cand.CandidateID)
		delete(s.byPattern, patternID)
		s.mu.Unlock()
		return Candidate{}, false, err
	}
	created := rec.cand
	s.mu.Unlock()

	s.publish(dispatch.TopicCandidateCreated, created)
	return created, true, nil
}

// Get returns the candidate with the given id.
func (s *Store) Get(candidateID string) (Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[candidateID]
	if !ok {
		return Candidate{}, core.NewError(core.CodeNotFound, "candidate not found").WithContext("candidate_id", candidateID)
	}
	return rec.cand, nil
}

// List returns candidates, optionally filtered by state, newest first.
func (s *Store) List(state State) []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Candidate, 0, len(s.byID))
	for _, rec := range s.byID {
		if state != "" && rec.cand.State != state {
			continue
		}
		out = append(out, rec.cand)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMS != out[j].CreatedAtMS {
			return out[i].CreatedAtMS > out[j].CreatedAtMS
		}
		return out[i].CandidateID < out[j].CandidateID
	})
	return out
}

// Decide transitions a pending candidate to a terminal state. Deciding a
// terminal candidate is a Conflict; the stored decision is untouched.
func (s *Store) Decide(candidateID string, decision State, reason string) (Candidate, error) {
	if decision != StateAccepted && decision != StateDismissed {
		return Candidate{}, core.NewErrorf(core.CodeInvalidInput, "invalid decision %q", decision)
	}

	s.mu.Lock()
	rec, ok := s.byID[candidateID]
	if !ok {
		s.mu.Unlock()
		return Candidate{}, core.NewError(core.CodeNotFound, "candidate not found").WithContext("candidate_id", candidateID)
	}
	if rec.cand.State.terminal() {
		existing := rec.cand
		s.mu.Unlock()
		return existing, core.WrapError(core.CodeConflict, "candidate already decided", core.ErrCandidateExists).
			WithContext("candidate_id", candidateID).
			WithContext("state", string(existing.State))
	}

	prev := rec.cand
	rec.cand.State = decision
	rec.cand.UpdatedAtMS = time.Now().UnixMilli()
	rec.cand.Metadata.DecisionReason = reason

	if err := s.persistLocked(); err != nil {
		rec.cand = prev
		s.mu.Unlock()
		return Candidate{}, err
	}
	decided := rec.cand
	s.mu.Unlock()

	topic := dispatch.TopicCandidateAccepted
	if decision == StateDismissed {
		topic = dispatch.TopicCandidateDismissed
	}
	s.publish(topic, decided)
	return decided, nil
}

// DismissedPatterns returns the pattern ids in dismissed state. The
// mining loop consults this to suppress re-suggestions.
func (s *Store) DismissedPatterns() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for pattern, rec := range s.byPattern {
		if rec.cand.State == StateDismissed {
			out[pattern] = true
		}
	}
	return out
}

func (s *Store) publish(topic dispatch.Topic, c Candidate) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(dispatch.Event{
		Topic:   topic,
		Source:  "candidates",
		Payload: DecisionPayload{CandidateID: c.CandidateID, PatternID: c.PatternID},
	})
}

// Stats reports counts per lifecycle state.
func (s *Store) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[State]int{}
	for _, rec := range s.byID {
		counts[rec.cand.State]++
	}
	return map[string]any{
		"total":     len(s.byID),
		"pending":   counts[StatePending],
		"accepted":  counts[StateAccepted],
		"dismissed": counts[StateDismissed],
	}
}
