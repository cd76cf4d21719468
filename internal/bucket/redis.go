package bucket

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed try_consume.lua
var tryConsumeSource string

// tryConsumeScript runs EVALSHA and falls back to EVAL when the script is
// not cached yet, so replicas never race on script loading.
var tryConsumeScript = redis.NewScript(tryConsumeSource)

// MaxKeyBytes bounds bucket key length; longer keys indicate a bug in key
// derivation rather than a legitimate bucket.
const MaxKeyBytes = 512

// DefaultTimeout bounds a single try-consume round-trip.
const DefaultTimeout = 100 * time.Millisecond

// RedisStore implements Store against a shared Redis, evaluating the whole
// read-refill-decide-write cycle server-side so it is atomic with respect to
// other proxy replicas.
type RedisStore struct {
	client  redis.Scripter
	timeout time.Duration
	timeNow func() time.Time
}

// NewRedisStore creates a store around the given client. A zero timeout
// falls back to DefaultTimeout; a nil clock falls back to time.Now.
func NewRedisStore(client redis.Scripter, timeout time.Duration, now func() time.Time) *RedisStore {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &RedisStore{
		client:  client,
		timeout: timeout,
		timeNow: now,
	}
}

func (s *RedisStore) TryConsume(ctx context.Context, key string, p Params) (Result, error) {
	if len(key) > MaxKeyBytes {
		return Result{}, fmt.Errorf("bucket key exceeds %d bytes", MaxKeyBytes)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reply, err := tryConsumeScript.Run(ctx, s.client,
		[]string{key},
		p.Capacity,
		int64(p.RefillInterval/time.Second),
		s.timeNow().Unix(),
	).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("try-consume %q: %w", key, err)
	}
	if len(reply) != 2 {
		return Result{}, fmt.Errorf("try-consume %q: unexpected reply of %d values", key, len(reply))
	}

	admitted, ok := reply[0].(int64)
	if !ok {
		return Result{}, fmt.Errorf("try-consume %q: non-integer admit flag %T", key, reply[0])
	}
	remaining, ok := reply[1].(int64)
	if !ok {
		return Result{}, fmt.Errorf("try-consume %q: non-integer remaining count %T", key, reply[1])
	}

	res := Result{Outcome: Denied, Remaining: int(remaining)}
	if admitted == 1 {
		res.Outcome = Admitted
	}
	return res, nil
}
