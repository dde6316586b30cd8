package knowledge

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is a consensus session's lifecycle state.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionApproved SessionStatus = "approved"
	SessionRejected SessionStatus = "rejected"
	SessionTimeout  SessionStatus = "timeout"
)

func (s SessionStatus) terminal() bool { return s != SessionPending }

// Vote is one worker's affirmation or rejection of a proposal.
type Vote struct {
	Value      bool
	Confidence float64
	Reason     string
}

// Session is a bounded vote over a proposal among active workers.
type Session struct {
	ID                string
	Topic             string
	Proposal          any
	RequesterWorkerID string
	Deadline          time.Time
	Threshold         float64 // fraction of active workers required to finalize early
	Votes             map[string]Vote
	Status            SessionStatus
	Winner            bool
}

// ErrSessionTerminal is returned by Vote when the session has already
// finalized.
type ErrSessionTerminal struct{ SessionID string }

func (e *ErrSessionTerminal) Error() string {
	return fmt.Sprintf("consensus session %s is no longer pending", e.SessionID)
}

// ErrDuplicateVote is returned when a worker votes twice in one
// session.
type ErrDuplicateVote struct {
	SessionID, WorkerID string
}

func (e *ErrDuplicateVote) Error() string {
	return fmt.Sprintf("worker %s already voted in session %s", e.WorkerID, e.SessionID)
}

// Result is the outcome snapshot returned by ConsensusResult.
type Result struct {
	Status        SessionStatus
	Winner        bool
	Participation float64 // |votes| / |activeWorkers| at the time queried
	Consensus     float64 // fraction of votes in favor of the winning value
}

// RequestConsensus opens a new voting session on topic/proposal,
// defaulting threshold to 0.5 if unset.
func (s *Store) RequestConsensus(requesterWorkerID, topic string, proposal any, deadline time.Time, threshold float64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if threshold <= 0 {
		threshold = 0.5
	}
	id := uuid.NewString()
	s.sessions[id] = &Session{
		ID:                id,
		Topic:             topic,
		Proposal:          proposal,
		RequesterWorkerID: requesterWorkerID,
		Deadline:          deadline,
		Threshold:         threshold,
		Votes:             make(map[string]Vote),
		Status:            SessionPending,
	}
	return id
}

// Vote records a worker's vote. Rejected if the session is terminal or
// the worker has already voted. If the vote count reaches
// threshold * activeWorkers, the session finalizes immediately.
func (s *Store) Vote(workerID, sessionID string, value bool, confidence float64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown consensus session %s", sessionID)
	}
	if sess.Status.terminal() {
		return &ErrSessionTerminal{SessionID: sessionID}
	}
	if _, voted := sess.Votes[workerID]; voted {
		return &ErrDuplicateVote{SessionID: sessionID, WorkerID: workerID}
	}

	sess.Votes[workerID] = Vote{Value: value, Confidence: confidence, Reason: reason}

	activeCount := float64(len(s.active))
	if activeCount < 1 {
		activeCount = 1
	}
	if float64(len(sess.Votes))/activeCount >= sess.Threshold {
		s.finalizeLocked(sess)
	}
	return nil
}

// finalizeLocked resolves a session's status and winning value from
// its current votes. Must be called with s.mu held.
func (s *Store) finalizeLocked(sess *Session) {
	yes, no := 0, 0
	for _, v := range sess.Votes {
		if v.Value {
			yes++
		} else {
			no++
		}
	}
	if yes >= no {
		sess.Status = SessionApproved
		sess.Winner = true
	} else {
		sess.Status = SessionRejected
		sess.Winner = false
	}
}

// ConsensusResult returns a snapshot of a session's current outcome.
func (s *Store) ConsensusResult(sessionID string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Result{}, false
	}

	activeCount := float64(len(s.active))
	if activeCount < 1 {
		activeCount = 1
	}
	winningVotes := 0
	for _, v := range sess.Votes {
		if v.Value == sess.Winner {
			winningVotes++
		}
	}
	consensus := 0.0
	if len(sess.Votes) > 0 {
		consensus = float64(winningVotes) / float64(len(sess.Votes))
	}
	return Result{
		Status:        sess.Status,
		Winner:        sess.Winner,
		Participation: float64(len(sess.Votes)) / activeCount,
		Consensus:     consensus,
	}, true
}

// SweepSessions finalizes any pending session whose deadline has
// passed, marking it Timeout rather than Approved/Rejected.
func (s *Store) SweepSessions(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, sess := range s.sessions {
		if sess.Status.terminal() {
			continue
		}
		if !sess.Deadline.IsZero() && now.After(sess.Deadline) {
			sess.Status = SessionTimeout
			count++
		}
	}
	return count
}
