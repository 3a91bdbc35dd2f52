package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nteguem/armelle-manager-sub002/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Structured sub-state
// (profile, workflow, confirm, menu, recent) lives in JSONB columns; writes
// use optimistic locking on the version column.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL session store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const sessionColumns = `id, channel, channel_user, language, state, verified,
       profile, workflow, confirm, menu, recent, version,
       created_at, updated_at, last_seen_at`

// Create inserts a new session.
func (s *PgStore) Create(ctx context.Context, sess *model.Session) error {
	cols, err := marshalColumns(sess)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (
			id, channel, channel_user, language, state, verified,
			profile, workflow, confirm, menu, recent, version,
			created_at, updated_at, last_seen_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15
		)`,
		sess.ID, sess.Channel, sess.ChannelUser, sess.Language, sess.State, sess.Verified,
		cols.profile, cols.workflow, cols.confirm, cols.menu, cols.recent, sess.Version,
		sess.CreatedAt, sess.UpdatedAt, sess.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)

	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundFault(fmt.Sprintf("session %q not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return sess, nil
}

// Find retrieves the session owning a channel/user pair.
func (s *PgStore) Find(ctx context.Context, channel, channelUser string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE channel = $1 AND channel_user = $2`,
		channel, channelUser)

	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundFault(fmt.Sprintf("no session for %s/%s", channel, channelUser))
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return sess, nil
}

// Save persists an updated session with optimistic locking.
func (s *PgStore) Save(ctx context.Context, sess *model.Session) error {
	cols, err := marshalColumns(sess)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			language = $1,
			state = $2,
			verified = $3,
			profile = $4,
			workflow = $5,
			confirm = $6,
			menu = $7,
			recent = $8,
			version = $9,
			updated_at = $10,
			last_seen_at = $11
		WHERE id = $12 AND version = $13`,
		sess.Language, sess.State, sess.Verified,
		cols.profile, cols.workflow, cols.confirm, cols.menu, cols.recent,
		sess.Version+1, now, sess.LastSeenAt,
		sess.ID, sess.Version,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictFault(
			fmt.Sprintf("session %q version conflict (expected %d)", sess.ID, sess.Version),
		)
	}

	sess.Version++
	sess.UpdatedAt = now
	return nil
}

// FindActiveWorkflows returns sessions with a workflow in flight.
func (s *PgStore) FindActiveWorkflows(ctx context.Context) ([]*model.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE workflow IS NOT NULL
		 ORDER BY updated_at ASC`)
}

// List returns sessions matching the filters, most recently seen first.
func (s *PgStore) List(ctx context.Context, filters Filters) ([]*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var clauses []string
	var args []any
	argIdx := 1

	if filters.Channel != "" {
		clauses = append(clauses, fmt.Sprintf("channel = $%d", argIdx))
		args = append(args, filters.Channel)
		argIdx++
	}
	if filters.State != "" {
		clauses = append(clauses, fmt.Sprintf("state = $%d", argIdx))
		args = append(args, filters.State)
		argIdx++
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}

	query += " ORDER BY last_seen_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.querySessions(ctx, query, args...)
}

// Delete removes a session.
func (s *PgStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundFault(fmt.Sprintf("session %q not found", id))
	}
	return nil
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

// querySessions executes a query and scans the resulting sessions.
func (s *PgStore) querySessions(ctx context.Context, query string, args ...any) ([]*model.Session, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// jsonColumns carries the serialized JSONB column values for one session.
// workflow and confirm are NULL when absent so the sweeper can filter on
// the column itself.
type jsonColumns struct {
	profile  []byte
	workflow []byte
	confirm  []byte
	menu     []byte
	recent   []byte
}

func marshalColumns(sess *model.Session) (jsonColumns, error) {
	var cols jsonColumns
	var err error

	if cols.profile, err = json.Marshal(sess.Profile); err != nil {
		return cols, fmt.Errorf("marshal profile: %w", err)
	}
	if sess.Workflow != nil {
		if cols.workflow, err = json.Marshal(sess.Workflow); err != nil {
			return cols, fmt.Errorf("marshal workflow: %w", err)
		}
	}
	if sess.Confirm != nil {
		if cols.confirm, err = json.Marshal(sess.Confirm); err != nil {
			return cols, fmt.Errorf("marshal confirm: %w", err)
		}
	}
	if cols.menu, err = json.Marshal(sess.Menu); err != nil {
		return cols, fmt.Errorf("marshal menu: %w", err)
	}
	if cols.recent, err = json.Marshal(sess.Recent); err != nil {
		return cols, fmt.Errorf("marshal recent: %w", err)
	}
	return cols, nil
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var sess model.Session
	var cols jsonColumns

	err := row.Scan(
		&sess.ID, &sess.Channel, &sess.ChannelUser, &sess.Language, &sess.State, &sess.Verified,
		&cols.profile, &cols.workflow, &cols.confirm, &cols.menu, &cols.recent, &sess.Version,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}

	if cols.profile != nil {
		if err := json.Unmarshal(cols.profile, &sess.Profile); err != nil {
			return nil, fmt.Errorf("unmarshal profile: %w", err)
		}
	}
	if cols.workflow != nil {
		if err := json.Unmarshal(cols.workflow, &sess.Workflow); err != nil {
			return nil, fmt.Errorf("unmarshal workflow: %w", err)
		}
	}
	if cols.confirm != nil {
		if err := json.Unmarshal(cols.confirm, &sess.Confirm); err != nil {
			return nil, fmt.Errorf("unmarshal confirm: %w", err)
		}
	}
	if cols.menu != nil {
		if err := json.Unmarshal(cols.menu, &sess.Menu); err != nil {
			return nil, fmt.Errorf("unmarshal menu: %w", err)
		}
	}
	if cols.recent != nil {
		if err := json.Unmarshal(cols.recent, &sess.Recent); err != nil {
			return nil, fmt.Errorf("unmarshal recent: %w", err)
		}
	}
	return &sess, nil
}
