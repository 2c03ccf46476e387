// Package presence tracks which connections are viewing each document across
// every server process. Membership lives in a Redis sorted set per document,
// each member scored by the time it was last seen. Members not seen within
// the TTL are pruned on every read, so entries of a crashed process expire on
// their own even while other members keep the document busy.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the membership expiry when no activity refreshes it.
const DefaultTTL = 60 * time.Second

// sweepBatch is the SCAN page size of Sweep.
const sweepBatch = 100

// RedisStore implements the presence store on Redis sorted sets.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	now func() time.Time
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client: client,
		prefix: "doc:",
		ttl:    ttl,
		now:    time.Now,
	}
}

// Client exposes the underlying Redis client for sharing with the bus.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// SetClock replaces the time source used to score members.
func (s *RedisStore) SetClock(now func() time.Time) {
	s.now = now
}

// TTL returns the membership expiry window.
func (s *RedisStore) TTL() time.Duration {
	return s.ttl
}

func (s *RedisStore) key(docID string) string {
	return s.prefix + docID + ":active"
}

// Member builds the set member for a connection hosted on node.
func Member(node, connID string) string {
	return node + "/" + connID
}

// cutoff is the highest score that is already stale.
func (s *RedisStore) cutoff() string {
	return "(" + strconv.FormatInt(s.now().Add(-s.ttl).UnixMilli(), 10)
}

func (s *RedisStore) seen(member string) redis.Z {
	return redis.Z{Score: float64(s.now().UnixMilli()), Member: member}
}

// prune queues the removal of members not seen within the TTL. The key
// expiry stays as a backstop for documents nobody reads again.
func (s *RedisStore) prune(ctx context.Context, pipe redis.Pipeliner, key string) {
	pipe.ZRemRangeByScore(ctx, key, "-inf", s.cutoff())
}

// Join adds member to the document's set, marking it seen now, and returns
// the resulting membership count.
func (s *RedisStore) Join(ctx context.Context, docID, member string) (int64, error) {
	key := s.key(docID)

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, s.seen(member))
	pipe.Expire(ctx, key, s.ttl)
	s.prune(ctx, pipe, key)
	count := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("presence join %s: %w", docID, err)
	}
	return count.Val(), nil
}

// Touch marks member seen now. Only the caller's own entry is refreshed;
// silent members keep ageing out.
func (s *RedisStore) Touch(ctx context.Context, docID, member string) error {
	key := s.key(docID)

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, s.seen(member))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence touch %s: %w", docID, err)
	}
	return nil
}

// Leave removes member and returns the remaining membership count.
func (s *RedisStore) Leave(ctx context.Context, docID, member string) (int64, error) {
	key := s.key(docID)

	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, key, member)
	s.prune(ctx, pipe, key)
	count := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("presence leave %s: %w", docID, err)
	}
	return count.Val(), nil
}

// Count returns the number of active connections across all processes.
func (s *RedisStore) Count(ctx context.Context, docID string) (int64, error) {
	key := s.key(docID)

	pipe := s.client.TxPipeline()
	s.prune(ctx, pipe, key)
	count := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("presence count %s: %w", docID, err)
	}
	return count.Val(), nil
}

// Counts returns active counts for several documents in one round trip.
func (s *RedisStore) Counts(ctx context.Context, docIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(docIDs))
	if len(docIDs) == 0 {
		return out, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(docIDs))
	for i, id := range docIDs {
		key := s.key(id)
		s.prune(ctx, pipe, key)
		cmds[i] = pipe.ZCard(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence counts: %w", err)
	}
	for i, id := range docIDs {
		out[id] = cmds[i].Val()
	}
	return out, nil
}

// LocalMembers returns the members of docID hosted on node.
func (s *RedisStore) LocalMembers(ctx context.Context, docID, node string) ([]string, error) {
	members, err := s.client.ZRange(ctx, s.key(docID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("presence members %s: %w", docID, err)
	}
	prefix := node + "/"
	local := members[:0]
	for _, m := range members {
		if strings.HasPrefix(m, prefix) {
			local = append(local, m)
		}
	}
	return local, nil
}

// Sweep prunes stale members from every presence key. It runs at startup so
// members left by a process that died before this one started do not show
// up in listings. Live members of other processes are kept. It returns the
// number of members removed.
func (s *RedisStore) Sweep(ctx context.Context) (int64, error) {
	var removed int64
	iter := s.client.Scan(ctx, 0, s.prefix+"*:active", sweepBatch).Iterator()
	for iter.Next(ctx) {
		n, err := s.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", s.cutoff()).Result()
		if err != nil {
			return removed, fmt.Errorf("presence sweep %s: %w", iter.Val(), err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("presence sweep: %w", err)
	}
	return removed, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
