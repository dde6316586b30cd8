// Package knowledge implements the shared-knowledge store: vote-merged
// key/value entries with TTL and LRU-by-confidence eviction, learned
// problem/solution patterns, and bounded-vote consensus sessions.
// Grounded on the teacher's resilience.DegradedMode bounded local cache
// and versioned pending-write queue ("bounded collection, evict
// deterministically, track a monotonic counter"), repurposed from
// LRU-by-access-time to LRU-by-confidence as spec §4.7 requires.
package knowledge

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is a single shared-knowledge observation.
type Entry struct {
	Key            string
	Value          any
	AuthorWorkerID string
	CreatedAt      time.Time
	TTL            time.Duration
	Confidence     float64
	Votes          map[string]bool
}

func (e *Entry) expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > e.TTL
}

// Pattern is a learned problem -> solution or error association,
// accumulated by Learn.
type Pattern struct {
	Key          string
	Occurrences  int
	Contributors map[string]bool
	LastSeen     time.Time
}

// Experience is what a worker reports after attempting a task, used by
// Learn to extract patterns.
type Experience struct {
	WorkerID string
	Problem  string
	Solution string
	Success  bool
	ErrorTag string
}

// Store is the shared-knowledge store described in spec §4.7. Every
// mutable structure (entries, patterns, active-worker set) is owned by
// this single mutex, per the concurrency model in spec §5.
type Store struct {
	mu sync.Mutex

	entries  map[string]*Entry
	patterns map[string]*Pattern
	sessions map[string]*Session
	active   map[string]bool

	maxKnowledge int
	log          zerolog.Logger
}

// New constructs an empty Store. maxKnowledge bounds total entry count;
// once exceeded, the lowest-confidence entries are evicted first.
func New(maxKnowledge int, log zerolog.Logger) *Store {
	return &Store{
		entries:      make(map[string]*Entry),
		patterns:     make(map[string]*Pattern),
		sessions:     make(map[string]*Session),
		active:       make(map[string]bool),
		maxKnowledge: maxKnowledge,
		log:          log.With().Str("component", "knowledge").Logger(),
	}
}

// RegisterWorker marks a worker active and recomputes every entry's
// confidence against the new active-worker count.
func (s *Store) RegisterWorker(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[workerID] = true
	s.recomputeConfidences()
}

// UnregisterWorker removes a worker's vote from every entry and open
// consensus session, and recomputes confidences.
func (s *Store) UnregisterWorker(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, workerID)
	for _, e := range s.entries {
		delete(e.Votes, workerID)
	}
	for _, sess := range s.sessions {
		if !sess.Status.terminal() {
			delete(sess.Votes, workerID)
		}
	}
	s.recomputeConfidences()
}

func (s *Store) recomputeConfidences() {
	denom := float64(len(s.active))
	if denom < 1 {
		denom = 1
	}
	for _, e := range s.entries {
		e.Confidence = float64(len(e.Votes)) / denom
	}
}

// Share publishes or reinforces a knowledge entry, per spec §4.7.
func (s *Store) Share(workerID, key string, value any, confidence float64, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shareLocked(workerID, key, value, confidence, ttl)
}

func (s *Store) shareLocked(workerID, key string, value any, confidence float64, ttl time.Duration) {
	now := time.Now()
	existing, ok := s.entries[key]
	if !ok {
		s.entries[key] = &Entry{
			Key: key, Value: value, AuthorWorkerID: workerID,
			CreatedAt: now, TTL: ttl, Confidence: confidence,
			Votes: map[string]bool{workerID: true},
		}
		s.evictIfOverCapacity()
		return
	}

	existing.Votes[workerID] = true
	denom := float64(len(s.active))
	if denom < 1 {
		denom = 1
	}
	newConfidence := float64(len(existing.Votes)) / denom
	if confidence > newConfidence {
		newConfidence = confidence
	}
	if confidence > existing.Confidence {
		existing.Value = value
		existing.CreatedAt = now
	}
	existing.Confidence = newConfidence
}

// Get returns the value for key, if present and unexpired. Expired
// entries are lazily removed.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(s.entries, key)
		return nil, false
	}
	return e.Value, true
}

// Search returns live entries whose key contains pattern (a plain
// substring scan, per spec's "linear scan returning matching live
// entries").
func (s *Store) Search(pattern string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []Entry
	for _, e := range s.entries {
		if e.expired(now) {
			continue
		}
		if pattern == "" || containsSubstring(e.Key, pattern) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func containsSubstring(s, substr string) bool {
	if substr == "" {
		return true
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// evictIfOverCapacity removes lowest-confidence entries, oldest first
// on ties, until count <= maxKnowledge. Must be called with s.mu held.
func (s *Store) evictIfOverCapacity() {
	if s.maxKnowledge <= 0 || len(s.entries) <= s.maxKnowledge {
		return
	}
	victims := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		victims = append(victims, e)
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].Confidence != victims[j].Confidence {
			return victims[i].Confidence < victims[j].Confidence
		}
		return victims[i].CreatedAt.Before(victims[j].CreatedAt)
	})
	overflow := len(s.entries) - s.maxKnowledge
	for i := 0; i < overflow; i++ {
		delete(s.entries, victims[i].Key)
		s.log.Info().Str("key", victims[i].Key).Msg("evicted knowledge entry over capacity")
	}
}

// Sweep removes TTL-expired entries, for periodic maintenance.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Learn extracts a pattern from a reported experience, incrementing its
// occurrence count and contributor set; on success it also publishes a
// "solution:<problem>" entry via Share.
func (s *Store) Learn(exp Experience) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := exp.Problem
	if !exp.Success && exp.ErrorTag != "" {
		key = exp.Problem + "|" + exp.ErrorTag
	}
	p, ok := s.patterns[key]
	if !ok {
		p = &Pattern{Key: key, Contributors: make(map[string]bool)}
		s.patterns[key] = p
	}
	p.Occurrences++
	p.Contributors[exp.WorkerID] = true
	p.LastSeen = time.Now()

	if exp.Success {
		s.shareLocked(exp.WorkerID, "solution:"+exp.Problem, exp.Solution, 1.0/float64(max(1, len(s.active))), 0)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Pattern returns a copy of the learned pattern for key, if any.
func (s *Store) Pattern(key string) (Pattern, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[key]
	if !ok {
		return Pattern{}, false
	}
	out := *p
	out.Contributors = make(map[string]bool, len(p.Contributors))
	for k := range p.Contributors {
		out.Contributors[k] = true
	}
	return out, true
}
