// Package redis provides an eventstore.Store backed by Redis. Each stream is
// a counter key, INCRed for every append, and a sorted set of events scored
// by id. Both writes run in one Lua script, so id assignment is atomic on the
// server and gap-free without client locking. Only the sorted set expires;
// the counter lives until Purge, so an expired stream never reuses ids.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/mcp-examples/calculator-go/eventstore"
)

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTSTORE_KEY_PREFIX
	KeyPrefix string `env:"EVENTSTORE_KEY_PREFIX,default=mcp:events:"`
	// TTL expires a stream's events after this long without appends. Zero
	// keeps them until purged. ENV: EVENTSTORE_TTL
	TTL time.Duration `env:"EVENTSTORE_TTL,default=0s"`
	// PageSize bounds each ZRANGEBYSCORE issued during replay. ENV: EVENTSTORE_PAGE_SIZE
	PageSize int `env:"EVENTSTORE_PAGE_SIZE,default=256"`
}

// Store implements eventstore.Store on Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	pageSize  int64
	now       func() time.Time
}

var _ eventstore.Store = (*Store)(nil)

// New connects to Redis and verifies the connection with PING.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg), nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of
// connection setup; Close still closes the client.
func NewWithClient(client redis.UniversalClient, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:events:"
	}
	page := cfg.PageSize
	if page <= 0 {
		page = 256
	}
	return &Store{client: client, keyPrefix: prefix, ttl: cfg.TTL, pageSize: int64(page), now: time.Now}
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redis eventstore config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) seqKey(streamID string) string    { return s.keyPrefix + "seq:" + streamID }
func (s *Store) eventsKey(streamID string) string { return s.keyPrefix + "events:" + streamID }

type record struct {
	Timestamp int64  `json:"t"`
	Payload   []byte `json:"p"`
}

// appendScript assigns the next id and stores the event under it. Members
// are "<id>:<record>" so equal payloads stay distinct set members.
//
// KEYS[1] counter, KEYS[2] events; ARGV[1] encoded record, ARGV[2] TTL in
// milliseconds (0 for none).
var appendScript = redis.NewScript(`
local id = redis.call('INCR', KEYS[1])
redis.call('ZADD', KEYS[2], id, id .. ':' .. ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return id
`)

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, streamID string, payload []byte) (int64, error) {
	if err := eventstore.ValidateStreamID(streamID); err != nil {
		return 0, err
	}
	b, err := json.Marshal(record{Timestamp: s.now().UnixNano(), Payload: payload})
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	id, err := appendScript.Run(ctx, s.client,
		[]string{s.seqKey(streamID), s.eventsKey(streamID)},
		string(b), s.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis append: %w", err)
	}
	return id, nil
}

// Replay implements eventstore.Store. Events are fetched page by page while
// the caller ranges; no connection is held between pages.
func (s *Store) Replay(ctx context.Context, streamID string, after int64) iter.Seq2[eventstore.Event, error] {
	key := s.eventsKey(streamID)
	return func(yield func(eventstore.Event, error) bool) {
		cursor := max(after, 0)
		for {
			vals, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
				Min:   "(" + strconv.FormatInt(cursor, 10),
				Max:   "+inf",
				Count: s.pageSize,
			}).Result()
			if err != nil {
				yield(eventstore.Event{}, fmt.Errorf("redis zrangebyscore: %w", err))
				return
			}
			for _, raw := range vals {
				ev, err := decodeMember(streamID, raw)
				if err != nil {
					yield(eventstore.Event{}, fmt.Errorf("decode event after %d: %w", cursor, err))
					return
				}
				if !yield(ev, nil) {
					return
				}
				cursor = ev.ID
			}
			if int64(len(vals)) < s.pageSize {
				return
			}
		}
	}
}

func decodeMember(streamID, raw string) (eventstore.Event, error) {
	idPart, body, ok := strings.Cut(raw, ":")
	if !ok {
		return eventstore.Event{}, errors.New("malformed member")
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return eventstore.Event{}, err
	}
	var rec record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return eventstore.Event{}, err
	}
	return eventstore.Event{
		StreamID:  streamID,
		ID:        id,
		Payload:   rec.Payload,
		Timestamp: time.Unix(0, rec.Timestamp),
	}, nil
}

// Exists implements eventstore.Store.
func (s *Store) Exists(ctx context.Context, streamID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.seqKey(streamID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Purge implements eventstore.Store.
func (s *Store) Purge(ctx context.Context, streamID string) error {
	if err := s.client.Del(ctx, s.seqKey(streamID), s.eventsKey(streamID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
