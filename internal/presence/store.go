// Package presence tracks which users hold at least one live connection.
//
// Three kinds of Redis keys are kept per prefix:
//
//	<prefix>:user:{<id>}   JSON PresenceRecord, expires after TTL
//	<prefix>:conns:{<id>}  sorted set of connection IDs scored by lease deadline
//	<prefix>:online        set of user IDs, no expiry
//
// The per-user connection set is authoritative. Every connection holds its own
// lease, renewed by MarkOnline and Heartbeat, so the ID of a connection whose
// gateway died lapses on its own instead of keeping the user online.
//
// The two per-user keys share a hash tag and therefore a cluster slot; scripts
// only ever touch those. The online set is a derived index written outside
// the scripts. It can hold users whose keys expired without an explicit
// MarkOffline; ListOnlineUsers and SweepStale reconcile it.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"presencehub/pkg/types"
)

const (
	DefaultTTL       = 300 * time.Second
	DefaultKeyPrefix = "presence"
)

// Options configures a Store
type Options struct {
	KeyPrefix string
	TTL       time.Duration
	// PruneTimeout bounds the asynchronous cleanup started by ListOnlineUsers.
	PruneTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{KeyPrefix: DefaultKeyPrefix, TTL: DefaultTTL, PruneTimeout: 5 * time.Second}
	if o == nil {
		return out
	}
	if o.KeyPrefix != "" {
		out.KeyPrefix = o.KeyPrefix
	}
	if o.TTL != 0 {
		out.TTL = o.TTL
	}
	if o.PruneTimeout > 0 {
		out.PruneTimeout = o.PruneTimeout
	}
	return out
}

// markOfflineScript removes one connection and every lapsed lease. When none
// remain the record goes too; otherwise both keys live until the latest
// remaining lease ends.
//
// KEYS: conns, record. ARGV: connectionID, now (unix ms).
var markOfflineScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
local remaining = redis.call('ZCARD', KEYS[1])
if remaining == 0 then
	redis.call('DEL', KEYS[1], KEYS[2])
	return 0
end
local last = redis.call('ZRANGE', KEYS[1], -1, -1, 'WITHSCORES')
local ttl = math.floor(tonumber(last[2]) - tonumber(ARGV[2]))
if ttl < 1 then
	ttl = 1
end
redis.call('PEXPIRE', KEYS[1], ttl)
redis.call('PEXPIRE', KEYS[2], ttl)
return remaining
`)

// heartbeatScript renews one connection's lease and both TTLs, only while the
// record still exists.
//
// KEYS: record, conns. ARGV: ttl ms, connectionID, lease deadline, now (unix ms).
var heartbeatScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[1])
return 1
`)

// Store implements interfaces.PresenceStore on Redis
type Store struct {
	client redis.UniversalClient
	opts   Options
	logger *zap.Logger

	pruning sync.WaitGroup
	now     func() time.Time

	mu        sync.RWMutex
	onExpired func(ctx context.Context, userIDs []string)
}

// NewStore creates a presence store over an existing Redis client
func NewStore(client redis.UniversalClient, opts *Options, logger *zap.Logger) (*Store, error) {
	o := opts.withDefaults()
	if o.TTL <= 0 {
		return nil, ErrInvalidTTL
	}
	if o.KeyPrefix == "" {
		return nil, ErrEmptyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client: client,
		opts:   o,
		logger: logger.Named("presence"),
		now:    time.Now,
	}, nil
}

// TTL returns the expiry applied to presence keys
func (s *Store) TTL() time.Duration {
	return s.opts.TTL
}

func (s *Store) recordKey(userID string) string { return s.opts.KeyPrefix + ":user:{" + userID + "}" }
func (s *Store) connsKey(userID string) string  { return s.opts.KeyPrefix + ":conns:{" + userID + "}" }
func (s *Store) onlineKey() string              { return s.opts.KeyPrefix + ":online" }

func (s *Store) ttlMillis() int64 {
	ms := s.opts.TTL.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

// lapsedBefore is the exclusive upper bound of expired lease scores
func lapsedBefore(now time.Time) string {
	return "(" + strconv.FormatInt(now.UnixMilli(), 10)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", types.ErrStoreUnavailable, op, err)
}

// MarkOnline leases connectionID, rewrites the record and indexes the user as
// online in one MULTI/EXEC batch. Lapsed leases are dropped first. It returns
// the number of live connections afterwards; 1 means this was the first.
func (s *Store) MarkOnline(ctx context.Context, userID, connectionID string) (int64, error) {
	now := s.now()
	record, err := json.Marshal(types.PresenceRecord{
		UserID:       userID,
		ConnectionID: connectionID,
		LastSeenAt:   now.UTC(),
		Status:       types.StatusOnline,
	})
	if err != nil {
		return 0, err
	}

	lease := redis.Z{Score: float64(now.Add(s.opts.TTL).UnixMilli()), Member: connectionID}
	var card *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, s.connsKey(userID), "-inf", lapsedBefore(now))
		pipe.ZAdd(ctx, s.connsKey(userID), lease)
		pipe.Expire(ctx, s.connsKey(userID), s.opts.TTL)
		pipe.Set(ctx, s.recordKey(userID), record, s.opts.TTL)
		pipe.SAdd(ctx, s.onlineKey(), userID)
		card = pipe.ZCard(ctx, s.connsKey(userID))
		return nil
	})
	if err != nil {
		return 0, unavailable("mark online", err)
	}
	return card.Val(), nil
}

// MarkOffline removes connectionID and returns how many live connections
// remain. Presence is removed only when that count reaches zero.
func (s *Store) MarkOffline(ctx context.Context, userID, connectionID string) (int64, error) {
	keys := []string{s.connsKey(userID), s.recordKey(userID)}
	remaining, err := markOfflineScript.Run(ctx, s.client, keys, connectionID, s.now().UnixMilli()).Int64()
	if err != nil {
		return 0, unavailable("mark offline", err)
	}
	if remaining == 0 {
		// The index is derived; a failure here is repaired by the next sweep.
		if err := s.client.SRem(ctx, s.onlineKey(), userID).Err(); err != nil {
			s.logger.Warn("failed to unindex offline user", zap.String("user", userID), zap.Error(err))
		}
	}
	return remaining, nil
}

// IsOnline checks whether the user's presence record exists
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.recordKey(userID)).Result()
	if err != nil {
		return false, unavailable("is online", err)
	}
	return n == 1, nil
}

// ConnectionCount returns the number of unexpired leases of the user
func (s *Store) ConnectionCount(ctx context.Context, userID string) (int64, error) {
	n, err := s.client.ZCount(ctx, s.connsKey(userID), strconv.FormatInt(s.now().UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, unavailable("connection count", err)
	}
	return n, nil
}

// Get returns the user's presence record or types.ErrNotFound
func (s *Store) Get(ctx context.Context, userID string) (*types.PresenceRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("presence of %s: %w", userID, types.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	var record types.PresenceRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, unavailable("decode record", err)
	}
	return &record, nil
}

// Heartbeat renews connectionID's lease and the TTLs of a live record. An
// expired record is not recreated; the caller must go through MarkOnline
// again.
func (s *Store) Heartbeat(ctx context.Context, userID, connectionID string) (bool, error) {
	now := s.now()
	keys := []string{s.recordKey(userID), s.connsKey(userID)}
	deadline := now.Add(s.opts.TTL).UnixMilli()
	ok, err := heartbeatScript.Run(ctx, s.client, keys, s.ttlMillis(), connectionID, deadline, now.UnixMilli()).Int64()
	if err != nil {
		return false, unavailable("heartbeat", err)
	}
	if ok != 1 {
		return false, nil
	}
	if err := s.client.SAdd(ctx, s.onlineKey(), userID).Err(); err != nil {
		return true, unavailable("heartbeat", err)
	}
	return true, nil
}

// partition splits the online index into live and stale members using one
// pipelined batch of EXISTS commands.
func (s *Store) partition(ctx context.Context) (live, stale []string, err error) {
	members, err := s.client.SMembers(ctx, s.onlineKey()).Result()
	if err != nil {
		return nil, nil, err
	}
	if len(members) == 0 {
		return []string{}, nil, nil
	}

	cmds := make([]*redis.IntCmd, len(members))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, userID := range members {
			cmds[i] = pipe.Exists(ctx, s.recordKey(userID))
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	live = make([]string, 0, len(members))
	for i, cmd := range cmds {
		if cmd.Val() == 1 {
			live = append(live, members[i])
		} else {
			stale = append(stale, members[i])
		}
	}
	return live, stale, nil
}

// ListOnlineUsers returns every indexed user whose record still exists.
// Stale index entries are pruned in the background.
func (s *Store) ListOnlineUsers(ctx context.Context) ([]string, error) {
	live, stale, err := s.partition(ctx)
	if err != nil {
		return nil, unavailable("list online users", err)
	}

	if len(stale) > 0 {
		s.pruning.Add(1)
		go func() {
			defer s.pruning.Done()
			pruneCtx, cancel := context.WithTimeout(context.Background(), s.opts.PruneTimeout)
			defer cancel()
			if _, err := s.prune(pruneCtx, stale); err != nil {
				s.logger.Warn("failed to prune stale presence entries",
					zap.Int("stale", len(stale)), zap.Error(err))
			}
		}()
	}
	return live, nil
}

// SweepStale removes online-index entries whose records expired and returns
// how many were removed.
func (s *Store) SweepStale(ctx context.Context) (int, error) {
	_, stale, err := s.partition(ctx)
	if err != nil {
		return 0, unavailable("sweep", err)
	}
	removed, err := s.prune(ctx, stale)
	if err != nil {
		return removed, unavailable("sweep", err)
	}
	return removed, nil
}

// prune unindexes users whose record is still gone and reports them to the
// OnExpired handler. A user who comes back between the check and the SREM is
// re-indexed by the next heartbeat. Only the caller whose SREM removed the
// entry reports it, so concurrent sweeps on several instances announce each
// user once.
func (s *Store) prune(ctx context.Context, userIDs []string) (int, error) {
	var removed []string
	defer func() {
		if len(removed) == 0 {
			return
		}
		s.mu.RLock()
		onExpired := s.onExpired
		s.mu.RUnlock()
		if onExpired != nil {
			onExpired(ctx, removed)
		}
	}()

	for _, userID := range userIDs {
		n, err := s.client.Exists(ctx, s.recordKey(userID)).Result()
		if err != nil {
			return len(removed), err
		}
		if n == 1 {
			continue
		}
		n, err = s.client.SRem(ctx, s.onlineKey(), userID).Result()
		if err != nil {
			return len(removed), err
		}
		if n == 1 {
			removed = append(removed, userID)
		}
	}
	return len(removed), nil
}

// OnExpired registers fn to receive users whose presence lapsed without an
// explicit MarkOffline, as found by SweepStale or ListOnlineUsers.
func (s *Store) OnExpired(fn func(ctx context.Context, userIDs []string)) {
	s.mu.Lock()
	s.onExpired = fn
	s.mu.Unlock()
}

// RunSweeper calls SweepStale every interval until ctx is cancelled
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return ErrSweeperPeriod
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := s.SweepStale(ctx)
			if err != nil {
				s.logger.Warn("presence sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				s.logger.Info("presence sweep removed stale users", zap.Int("removed", removed))
			}
		}
	}
}

// Close waits for background pruning to finish. The Redis client is owned by
// the caller and is left open.
func (s *Store) Close() error {
	s.pruning.Wait()
	return nil
}
