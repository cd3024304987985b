// Package assistant – session.go implements per-group conversation sessions.
// A session tracks conversational pace, the rolling message digest and the
// thread identity used to address checkpointed dialogue memory.
package assistant

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jholhewres/ashley/pkg/ashley/channels"
)

// MainThread is the default dialogue thread of a group. The thread id is kept
// separate from the group id so a group can later host multiple concurrent
// topics without a schema change.
const MainThread = "main"

// GroupSession holds the mutable conversation state of one group.
// All access goes through the accessor methods; the engagement evaluator and
// the dialogue pipeline are the only writers.
type GroupSession struct {
	// GroupID is the opaque conversation key.
	GroupID string

	// ThreadID selects the checkpointed dialogue memory for this group.
	ThreadID string

	mu sync.Mutex

	// digestMu serializes digest read-modify-write cycles. Separate from mu
	// because the summarizer call inside a cycle is slow.
	digestMu sync.Mutex

	// lastTriggerMsg is the most recent message that caused a reply.
	lastTriggerMsg *channels.IncomingMessage

	// lastActiveMsg is the most recent message seen at all.
	lastActiveMsg *channels.IncomingMessage

	// messagesDigest accumulates a summary of messages since the last reply.
	messagesDigest string

	// avgMsgInterval is the EWMA of inter-message gaps in seconds.
	// +Inf means no data: the group has never been active.
	avgMsgInterval float64
}

// UpdateAvgInterval folds the gap to the previous message into the EWMA.
// The first message only establishes the baseline timestamp; with no prior
// message the update is a no-op.
func (s *GroupSession) UpdateAvgInterval(at time.Time, alpha float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastActiveMsg == nil {
		return
	}

	interval := at.Sub(s.lastActiveMsg.Timestamp).Seconds()
	if math.IsInf(s.avgMsgInterval, 1) {
		s.avgMsgInterval = interval
	} else {
		s.avgMsgInterval = (1-alpha)*s.avgMsgInterval + alpha*interval
	}
}

// AvgInterval returns the current EWMA of inter-message gaps in seconds.
func (s *GroupSession) AvgInterval() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avgMsgInterval
}

// LastActive returns the most recent message seen in the group, or nil.
func (s *GroupSession) LastActive() *channels.IncomingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveMsg
}

// LastTrigger returns the most recent message that caused a reply, or nil.
func (s *GroupSession) LastTrigger() *channels.IncomingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTriggerMsg
}

// MarkActive records msg as the latest message seen.
func (s *GroupSession) MarkActive(msg *channels.IncomingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActiveMsg = msg
}

// MarkTrigger records msg as the latest message seen and the latest trigger.
func (s *GroupSession) MarkTrigger(msg *channels.IncomingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActiveMsg = msg
	s.lastTriggerMsg = msg
}

// Digest returns the rolling digest of messages since the last reply.
func (s *GroupSession) Digest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesDigest
}

// SetDigest replaces the rolling digest.
func (s *GroupSession) SetDigest(d string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messagesDigest = d
}

// ClearDigest resets the digest. Called exactly when a reply is produced:
// the digest's job of summarizing what happened between replies is done.
func (s *GroupSession) ClearDigest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messagesDigest = ""
}

// UpdateDigest runs fn against the current digest and stores its result when
// ok. Cycles are serialized so concurrent background summaries chain instead
// of overwriting each other.
func (s *GroupSession) UpdateDigest(fn func(old string) (string, bool)) {
	s.digestMu.Lock()
	defer s.digestMu.Unlock()
	if digest, ok := fn(s.Digest()); ok {
		s.SetDigest(digest)
	}
}

// ResetActivity returns the session to its never-active state: infinite
// average interval, empty digest, no recorded messages.
func (s *GroupSession) ResetActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTriggerMsg = nil
	s.lastActiveMsg = nil
	s.messagesDigest = ""
	s.avgMsgInterval = math.Inf(1)
}

// SessionStore owns all group sessions, creating them lazily on first access.
// Sessions live for the process lifetime; there is no delete operation.
type SessionStore struct {
	sessions map[string]*GroupSession
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewSessionStore creates an empty session store.
func NewSessionStore(logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		sessions: make(map[string]*GroupSession),
		logger:   logger,
	}
}

// GetOrCreate returns the session for the group, creating it on first access.
// New sessions start with an infinite average interval (never active), an
// empty digest and the main thread.
func (ss *SessionStore) GetOrCreate(groupID string) *GroupSession {
	ss.mu.RLock()
	if s, exists := ss.sessions[groupID]; exists {
		ss.mu.RUnlock()
		return s
	}
	ss.mu.RUnlock()

	ss.mu.Lock()
	defer ss.mu.Unlock()

	// Double-check after acquiring the write lock.
	if s, exists := ss.sessions[groupID]; exists {
		return s
	}

	s := &GroupSession{
		GroupID:        groupID,
		ThreadID:       MainThread,
		avgMsgInterval: math.Inf(1),
	}
	ss.sessions[groupID] = s
	ss.logger.Info("new group session created", "group_id", groupID)
	return s
}

// Count returns the number of sessions.
func (ss *SessionStore) Count() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.sessions)
}
