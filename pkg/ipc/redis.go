package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultReplyTTL is how long an unread reply list survives.
const DefaultReplyTTL = time.Minute

// pollInterval bounds each BLPOP so Close and ctx are noticed promptly.
const pollInterval = time.Second

// RedisOptions configure a RedisTransport.
type RedisOptions struct {
	// Prefix namespaces every key. Defaults to "browserstep".
	Prefix string

	// ReplyTTL expires reply lists nobody reads.
	ReplyTTL time.Duration
}

// RedisTransport exchanges envelopes through Redis lists. Callers push
// requests onto <prefix>:requests and read replies from their own
// <prefix>:replies:<id> list; the worker pops requests and pushes each reply
// onto the list named in the request.
type RedisTransport struct {
	rdb      *redis.Client
	owned    bool
	server   bool
	requests string
	replies  string
	ttl      time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ Transport = (*RedisTransport)(nil)

// DialRedis connects to the Redis server at url (redis://host:port/db).
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis unavailable: %w", err)
	}
	return rdb, nil
}

// NewRedisClientTransport creates the caller side of a Redis channel.
func NewRedisClientTransport(rdb *redis.Client, opts RedisOptions) *RedisTransport {
	t := newRedisTransport(rdb, opts)
	t.replies = fmt.Sprintf("%s:replies:%s", keyPrefix(opts), uuid.NewString())
	return t
}

// NewRedisServerTransport creates the worker side of a Redis channel.
func NewRedisServerTransport(rdb *redis.Client, opts RedisOptions) *RedisTransport {
	t := newRedisTransport(rdb, opts)
	t.server = true
	return t
}

func newRedisTransport(rdb *redis.Client, opts RedisOptions) *RedisTransport {
	ttl := opts.ReplyTTL
	if ttl <= 0 {
		ttl = DefaultReplyTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &RedisTransport{
		rdb:    rdb,
		ttl:    ttl,
		ctx:    ctx,
		cancel: cancel,
	}
	t.requests = keyPrefix(opts) + ":requests"
	return t
}

func keyPrefix(opts RedisOptions) string {
	if opts.Prefix == "" {
		return "browserstep"
	}
	return opts.Prefix
}

// OwnClient makes Close also close the Redis client.
func (t *RedisTransport) OwnClient() *RedisTransport {
	t.owned = true
	return t
}

// Send pushes a request (caller side) or a reply (worker side).
func (t *RedisTransport) Send(ctx context.Context, env *Envelope) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}

	key := t.requests
	if t.server {
		if env.ReplyTo == "" {
			return fmt.Errorf("reply %s has no reply_to list", env.ID)
		}
		key = env.ReplyTo
	} else {
		env.ReplyTo = t.replies
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	if !t.server {
		return t.rdb.RPush(ctx, key, data).Err()
	}
	_, err = t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.Expire(ctx, key, t.ttl)
		return nil
	})
	return err
}

// Recv pops the next request (worker side) or reply (caller side).
func (t *RedisTransport) Recv(ctx context.Context) (*Envelope, error) {
	key := t.replies
	if t.server {
		key = t.requests
	}

	for {
		if t.ctx.Err() != nil {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		popCtx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(t.ctx, cancel)
		res, err := t.rdb.BLPop(popCtx, pollInterval, key).Result()
		stop()
		cancel()

		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if t.ctx.Err() != nil {
				return nil, ErrClosed
			}
			return nil, err
		}
		if len(res) < 2 {
			return nil, fmt.Errorf("invalid response from redis")
		}

		env := &Envelope{}
		if err := json.Unmarshal([]byte(res[1]), env); err != nil {
			return nil, fmt.Errorf("unmarshal envelope: %w", err)
		}
		return env, nil
	}
}

// Close stops pending receives. The Redis client is closed only when owned.
func (t *RedisTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		if !t.server {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if delErr := t.rdb.Del(ctx, t.replies).Err(); delErr != nil {
				debugLog.Debugf("Failed to delete reply list %s: %v", t.replies, delErr)
			}
		}
		if t.owned {
			err = t.rdb.Close()
		}
	})
	return err
}
