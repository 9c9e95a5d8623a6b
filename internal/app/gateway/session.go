package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// ReviewerStream is the transport side of a reviewer session. The websocket
// implementation lives in the gateway binary; tests use in-memory streams.
type ReviewerStream interface {
	// Send pushes one message to the reviewer's client.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close tears the underlying connection down.
	Close() error
}

// OutboundMessage is a server-to-reviewer push.
type OutboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Outbound message types pushed to reviewer clients.
const (
	MessageTaskAssigned    = "task.assigned"
	MessageDeadlineWarning = "task.warning"
	MessageStrike          = "reviewer.strike"
	MessageSuspended       = "reviewer.suspended"
)

type session struct {
	reviewerID uuid.UUID
	stream     ReviewerStream
}

// registry tracks the single live session per reviewer.
type registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[uuid.UUID]*session)}
}

// add registers a session, closing any previous one for the same reviewer.
func (r *registry) add(s *session) {
	r.mu.Lock()
	prev := r.sessions[s.reviewerID]
	r.sessions[s.reviewerID] = s
	r.mu.Unlock()

	if prev != nil {
		_ = prev.stream.Close()
	}
}

// remove drops the reviewer's session if it is still the given one.
func (r *registry) remove(reviewerID uuid.UUID, s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[reviewerID]; ok && (s == nil || cur == s) {
		delete(r.sessions, reviewerID)
		return true
	}
	return false
}

func (r *registry) get(reviewerID uuid.UUID) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[reviewerID]
	return s, ok
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
