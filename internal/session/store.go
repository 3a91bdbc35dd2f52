package session

import (
	"context"

	"github.com/nteguem/armelle-manager-sub002/model"
)

// Store persists conversation sessions. Missing sessions surface as
// NOT_FOUND faults and optimistic-lock failures as CONFLICT faults.
type Store interface {
	// Create persists a new session. Returns CONFLICT if the channel/user
	// pair already owns one.
	Create(ctx context.Context, sess *model.Session) error

	// Get retrieves a session by ID.
	Get(ctx context.Context, id string) (*model.Session, error)

	// Find retrieves the session owning a channel/user pair.
	Find(ctx context.Context, channel, channelUser string) (*model.Session, error)

	// Save persists an updated session. The session's version must match the
	// stored one; on success both advance together. Returns CONFLICT when
	// another writer got there first.
	Save(ctx context.Context, sess *model.Session) error

	// FindActiveWorkflows returns sessions with a workflow in flight, for
	// the dwell sweeper.
	FindActiveWorkflows(ctx context.Context) ([]*model.Session, error)

	// List returns sessions for the ops surface, most recently seen first.
	List(ctx context.Context, filters Filters) ([]*model.Session, error)

	// Delete removes a session.
	Delete(ctx context.Context, id string) error

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

// Filters are optional filters for listing sessions.
type Filters struct {
	Channel string
	State   string
	Limit   int
	Offset  int
}

func matches(sess *model.Session, filters Filters) bool {
	if filters.Channel != "" && sess.Channel != filters.Channel {
		return false
	}
	if filters.State != "" && string(sess.State) != filters.State {
		return false
	}
	return true
}

func paginate(sessions []*model.Session, filters Filters) []*model.Session {
	if filters.Offset > 0 {
		if filters.Offset >= len(sessions) {
			return []*model.Session{}
		}
		sessions = sessions[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(sessions) {
		sessions = sessions[:filters.Limit]
	}
	return sessions
}
