package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSubstrate implements Substrate over go-redis v9.
type RedisSubstrate struct {
	rdb *redis.Client
}

// RedisOptions configures the substrate connection. PasswordNext supports
// credential rotation: if the current password is rejected at connect time,
// the next one is tried before giving up.
type RedisOptions struct {
	Addr         string
	Password     string
	PasswordNext string
	DB           int
}

// NewRedisSubstrate connects to Redis and verifies connectivity with a ping.
func NewRedisSubstrate(opts RedisOptions) (*RedisSubstrate, error) {
	rdb, err := dial(opts.Addr, opts.Password, opts.DB)
	if err != nil && isAuthErr(err) && opts.PasswordNext != "" {
		slog.Warn("redis auth failed with current credential, trying next", "addr", opts.Addr)
		rdb, err = dial(opts.Addr, opts.PasswordNext, opts.DB)
	}
	if err != nil {
		return nil, fmt.Errorf("redis connect (%s): %w", opts.Addr, err)
	}

	slog.Info("queue substrate connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisSubstrate{rdb: rdb}, nil
}

func dial(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  10 * time.Second, // must exceed the blocking pop timeout
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func isAuthErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "WRONGPASS") || strings.Contains(msg, "NOAUTH") ||
		strings.Contains(msg, "invalid password")
}

// Close shuts down the underlying client.
func (s *RedisSubstrate) Close() error {
	return s.rdb.Close()
}

func (s *RedisSubstrate) Push(ctx context.Context, list string, item []byte) error {
	return s.rdb.LPush(ctx, list, item).Err()
}

func (s *RedisSubstrate) PushHead(ctx context.Context, list string, item []byte) error {
	return s.rdb.RPush(ctx, list, item).Err()
}

func (s *RedisSubstrate) Length(ctx context.Context, list string) (int64, error) {
	return s.rdb.LLen(ctx, list).Result()
}

// PopAndStash moves the tail of src to the head of dst, blocking up to
// timeout. Lists grow at the left, so the tail (RIGHT) is the oldest item
// and the handoff preserves FIFO order.
func (s *RedisSubstrate) PopAndStash(ctx context.Context, src, dst string, timeout time.Duration) ([]byte, error) {
	val, err := s.rdb.BLMove(ctx, src, dst, "RIGHT", "LEFT", timeout).Result()
	if err == redis.Nil {
		return nil, ErrNil
	}
	if err != nil {
		return nil, fmt.Errorf("blmove %s -> %s: %w", src, dst, err)
	}
	return []byte(val), nil
}

// Ack removes one occurrence of item from the processing list, scanning from
// the head. Each worker holds at most one in-flight item, so the head match
// is the item being acknowledged.
func (s *RedisSubstrate) Ack(ctx context.Context, dst string, item []byte) error {
	return s.rdb.LRem(ctx, dst, 1, item).Err()
}

func (s *RedisSubstrate) Move(ctx context.Context, src, dst string) error {
	err := s.rdb.Rename(ctx, src, dst).Err()
	if err != nil && strings.Contains(err.Error(), "no such key") {
		return ErrNil
	}
	return err
}

func (s *RedisSubstrate) KVSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisSubstrate) KVGet(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNil
	}
	return val, err
}

func (s *RedisSubstrate) KVIncr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *RedisSubstrate) KVScan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (s *RedisSubstrate) KVDel(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisSubstrate) KVExpire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *RedisSubstrate) Publish(ctx context.Context, channel string, message []byte) error {
	return s.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for messages on a channel and returns an
// unsubscribe function. The handler runs on a dedicated goroutine.
func (s *RedisSubstrate) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := s.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}

func (s *RedisSubstrate) Eval(ctx context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error) {
	return script.rs.Run(ctx, s.rdb, keys, args...).Result()
}

func (s *RedisSubstrate) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
