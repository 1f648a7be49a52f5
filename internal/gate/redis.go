package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const timeLayout = time.RFC3339Nano

var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

var renewScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
`)

// commitScript writes the records only while KEYS[1] still carries the
// holder's token.
var commitScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) ~= ARGV[1] then
		return 0
	end
	local expire = tonumber(ARGV[3]) > 0
	for i = 2, #KEYS do
		if expire then
			redis.call("SET", KEYS[i], ARGV[2], "PX", ARGV[3])
		else
			redis.call("SET", KEYS[i], ARGV[2])
		end
	end
	return 1
`)

type RedisOptions struct {
	Prefix string
	// LockTTL bounds how long a crashed holder can block a key. A live
	// holder renews its lease every LockTTL/3.
	LockTTL time.Duration
	// RecordTTL expires gate records; zero keeps them forever.
	RecordTTL time.Duration
	PollEvery time.Duration
}

// RedisStore shares gate state between instances. A key is held through a
// SET NX lease owned by a random token; commits made under the lease are
// refused once the token is gone.
type RedisStore struct {
	client *redis.Client
	opts   RedisOptions
}

func NewRedisStore(client *redis.Client, opts RedisOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "ezwatch:"
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.PollEvery <= 0 {
		opts.PollEvery = 10 * time.Millisecond
	}
	return &RedisStore{client: client, opts: opts}
}

func (r *RedisStore) recordKey(key string) string {
	return r.opts.Prefix + key
}

func (r *RedisStore) lockKey(key string) string {
	return r.opts.Prefix + "lock:" + key
}

func (r *RedisStore) Acquire(ctx context.Context, key string) (Lease, error) {
	lk := r.lockKey(key)
	token := uuid.NewString()
	wait := r.opts.PollEvery
	for {
		ok, err := r.client.SetNX(ctx, lk, token, r.opts.LockTTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: lock %s: %v", ErrUnavailable, key, err)
		}
		if ok {
			l := &redisLease{
				store:   r,
				lockKey: lk,
				token:   token,
				stop:    make(chan struct{}),
				done:    make(chan struct{}),
			}
			go l.keepAlive()
			return l, nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		if wait < 100*time.Millisecond {
			wait *= 2
		}
	}
}

func (r *RedisStore) Last(ctx context.Context, key string) (time.Time, bool, error) {
	val, err := r.client.Get(ctx, r.recordKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	ts, err := time.Parse(timeLayout, val)
	if err != nil {
		// An unreadable record must not block alerts forever.
		return time.Time{}, false, nil
	}
	return ts, true, nil
}

func (r *RedisStore) Commit(ctx context.Context, at time.Time, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	val := at.UTC().Format(timeLayout)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Set(ctx, r.recordKey(k), val, r.opts.RecordTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

type redisLease struct {
	store   *RedisStore
	lockKey string
	token   string
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	lost    atomic.Bool
}

// keepAlive extends the lease until Release. A renewal that finds another
// token marks the lease lost; transport errors are retried on the next tick.
func (l *redisLease) keepAlive() {
	defer close(l.done)
	every := l.store.opts.LockTTL / 3
	if every <= 0 {
		every = time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		n, err := renewScript.Run(ctx, l.store.client, []string{l.lockKey}, l.token, l.store.opts.LockTTL.Milliseconds()).Int()
		cancel()
		if err == nil && n == 0 {
			l.lost.Store(true)
			return
		}
	}
}

func (l *redisLease) Commit(ctx context.Context, at time.Time, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if l.lost.Load() {
		return ErrLeaseLost
	}
	redisKeys := make([]string, 0, len(keys)+1)
	redisKeys = append(redisKeys, l.lockKey)
	for _, k := range keys {
		redisKeys = append(redisKeys, l.store.recordKey(k))
	}
	val := at.UTC().Format(timeLayout)
	n, err := commitScript.Run(ctx, l.store.client, redisKeys, l.token, val, l.store.opts.RecordTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	if n == 0 {
		l.lost.Store(true)
		return ErrLeaseLost
	}
	return nil
}

func (l *redisLease) Release() {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.store.client, []string{l.lockKey}, l.token).Err()
	})
}
