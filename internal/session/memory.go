package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nteguem/armelle-manager-sub002/model"
)

// MemoryStore is an in-memory Store for development and testing.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session // key: session ID
	byUser   map[string]string         // key: channel/user, value: session ID
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.Session),
		byUser:   make(map[string]string),
	}
}

// Create persists a new session.
func (s *MemoryStore) Create(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return model.NewConflictFault(fmt.Sprintf("session %q already exists", sess.ID))
	}
	if _, exists := s.byUser[sess.Key()]; exists {
		return model.NewConflictFault(fmt.Sprintf("session for %q already exists", sess.Key()))
	}

	s.sessions[sess.ID] = cloneSession(sess)
	s.byUser[sess.Key()] = sess.ID
	return nil
}

// Get retrieves a session by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, model.NewNotFoundFault(fmt.Sprintf("session %q not found", id))
	}
	return cloneSession(sess), nil
}

// Find retrieves the session owning a channel/user pair.
func (s *MemoryStore) Find(_ context.Context, channel, channelUser string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byUser[channel+"/"+channelUser]
	if !exists {
		return nil, model.NewNotFoundFault(fmt.Sprintf("no session for %s/%s", channel, channelUser))
	}
	return cloneSession(s.sessions[id]), nil
}

// Save persists an updated session with optimistic locking.
func (s *MemoryStore) Save(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.sessions[sess.ID]
	if !exists {
		return model.NewNotFoundFault(fmt.Sprintf("session %q not found", sess.ID))
	}

	// Optimistic lock check.
	if existing.Version != sess.Version {
		return model.NewConflictFault(
			fmt.Sprintf("session %q version conflict (expected %d, got %d)", sess.ID, sess.Version, existing.Version),
		)
	}

	sess.Version++
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

// FindActiveWorkflows returns sessions with a workflow in flight, longest
// waiting first.
func (s *MemoryStore) FindActiveWorkflows(_ context.Context) ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Session
	for _, sess := range s.sessions {
		if sess.Workflow == nil {
			continue
		}
		result = append(result, cloneSession(sess))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Workflow.StepStartedAt.Before(result[j].Workflow.StepStartedAt)
	})
	return result, nil
}

// List returns sessions matching the filters, most recently seen first.
func (s *MemoryStore) List(_ context.Context, filters Filters) ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Session
	for _, sess := range s.sessions {
		if !matches(sess, filters) {
			continue
		}
		result = append(result, cloneSession(sess))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastSeenAt.After(result[j].LastSeenAt)
	})
	return paginate(result, filters), nil
}

// Delete removes a session.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return model.NewNotFoundFault(fmt.Sprintf("session %q not found", id))
	}

	delete(s.byUser, sess.Key())
	delete(s.sessions, id)
	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the number of stored sessions. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// cloneSession isolates stored state from caller mutations. Sessions are
// JSON-clean by construction, so the round-trip also keeps the memory
// driver's value semantics identical to the serializing drivers.
func cloneSession(sess *model.Session) *model.Session {
	data, err := json.Marshal(sess)
	if err != nil {
		return nil
	}
	var out model.Session
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}
