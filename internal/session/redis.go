package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nteguem/armelle-manager-sub002/model"
)

const defaultRedisTTL = 30 * 24 * time.Hour

// RedisStore is a redis-backed Store. Sessions are JSON values under a key
// prefix with a rolling TTL; a channel/user key resolves the pair to its
// session and a set indexes sessions with active workflows so the sweeper
// avoids a full scan. Writes are last-wins: cross-turn serialization is the
// conversation loop's per-session lock, not a compare-and-set.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets the session time-to-live. Zero keeps sessions forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore creates a redis-backed session store.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client: client,
		prefix: "armelle:",
		ttl:    defaultRedisTTL,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *RedisStore) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

func (s *RedisStore) userKey(channel, channelUser string) string {
	return s.prefix + "user:" + channel + "/" + channelUser
}

func (s *RedisStore) activeKey() string {
	return s.prefix + "active"
}

// Create persists a new session.
func (s *RedisStore) Create(ctx context.Context, sess *model.Session) error {
	ok, err := s.client.SetNX(ctx, s.userKey(sess.Channel, sess.ChannelUser), sess.ID, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return model.NewConflictFault(fmt.Sprintf("session for %q already exists", sess.Key()))
	}
	return s.write(ctx, sess)
}

// Get retrieves a session by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*model.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.NewNotFoundFault(fmt.Sprintf("session %q not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// Find retrieves the session owning a channel/user pair.
func (s *RedisStore) Find(ctx context.Context, channel, channelUser string) (*model.Session, error) {
	id, err := s.client.Get(ctx, s.userKey(channel, channelUser)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, model.NewNotFoundFault(fmt.Sprintf("no session for %s/%s", channel, channelUser))
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return s.Get(ctx, id)
}

// Save persists an updated session, refreshing its TTL.
func (s *RedisStore) Save(ctx context.Context, sess *model.Session) error {
	n, err := s.client.Exists(ctx, s.sessionKey(sess.ID)).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if n == 0 {
		return model.NewNotFoundFault(fmt.Sprintf("session %q not found", sess.ID))
	}

	sess.Version++
	sess.UpdatedAt = time.Now().UTC()
	return s.write(ctx, sess)
}

// write batches the session value, the channel/user pointer, and the
// active-workflow index into one round-trip.
func (s *RedisStore) write(ctx context.Context, sess *model.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.sessionKey(sess.ID), data, s.ttl)
	pipe.Set(ctx, s.userKey(sess.Channel, sess.ChannelUser), sess.ID, s.ttl)
	if sess.Workflow != nil {
		pipe.SAdd(ctx, s.activeKey(), sess.ID)
	} else {
		pipe.SRem(ctx, s.activeKey(), sess.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// FindActiveWorkflows returns sessions with a workflow in flight, longest
// waiting first. Index entries whose session has expired are pruned along
// the way.
func (s *RedisStore) FindActiveWorkflows(ctx context.Context) ([]*model.Session, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	sessions, stale, err := s.pipelinedLoad(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.activeKey(), stale...).Err(); err != nil {
			return nil, fmt.Errorf("redis srem: %w", err)
		}
	}

	// The index can lag a save that ended the workflow.
	active := sessions[:0]
	for _, sess := range sessions {
		if sess.Workflow != nil {
			active = append(active, sess)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].Workflow.StepStartedAt.Before(active[j].Workflow.StepStartedAt)
	})
	return active, nil
}

// List returns sessions matching the filters, most recently seen first.
func (s *RedisStore) List(ctx context.Context, filters Filters) ([]*model.Session, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, s.sessionKey("*"), 0).Iterator()
	prefix := s.sessionKey("")
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}

	sessions, _, err := s.pipelinedLoad(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := sessions[:0]
	for _, sess := range sessions {
		if matches(sess, filters) {
			result = append(result, sess)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastSeenAt.After(result[j].LastSeenAt)
	})
	return paginate(result, filters), nil
}

// Delete removes a session and its index entries.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.sessionKey(id))
	pipe.Del(ctx, s.userKey(sess.Channel, sess.ChannelUser))
	pipe.SRem(ctx, s.activeKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// HealthCheck pings the server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// pipelinedLoad fetches many sessions in one round-trip. IDs whose key has
// expired come back in stale instead of failing the load.
func (s *RedisStore) pipelinedLoad(ctx context.Context, ids []string) ([]*model.Session, []any, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("redis pipeline: %w", err)
	}

	var sessions []*model.Session
	var stale []any
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, ids[i])
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("redis get: %w", err)
		}
		var sess model.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return nil, nil, fmt.Errorf("unmarshal session: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, stale, nil
}
