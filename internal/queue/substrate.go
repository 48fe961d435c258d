// Package queue abstracts the durable queue substrate the pipeline runs on:
// FIFO lists with an atomic pop-and-stash handoff, a small KV surface,
// pub/sub, and server-side atomic scripts.
//
// Components depend on the Substrate interface, not on a driver. The concrete
// Redis implementation lives in redis.go and is injected by each service's
// main — the same split the rest of the codebase uses for Postgres.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned when a blocking pop times out, a key is absent, or a
// rename source does not exist. It is the "no data" signal, not a failure.
var ErrNil = errors.New("queue: nil reply")

// Substrate is the minimal capability set the pipeline needs from the queue
// layer.
//
// PopAndStash is the at-least-once handoff primitive: it atomically moves the
// tail of src to the head of dst and returns the item. If the worker dies
// before Ack, the item is still on dst and the janitor recovers it.
type Substrate interface {
	// Push appends an item to the tail of a list.
	Push(ctx context.Context, list string, item []byte) error

	// PushHead prepends an item to the head of a list. Used by the janitor
	// so recovered items are processed before new arrivals.
	PushHead(ctx context.Context, list string, item []byte) error

	// Length returns the depth of a list.
	Length(ctx context.Context, list string) (int64, error)

	// PopAndStash blocks up to timeout moving the tail of src to the head of
	// dst. Returns ErrNil on timeout.
	PopAndStash(ctx context.Context, src, dst string, timeout time.Duration) ([]byte, error)

	// Ack removes one occurrence of item from the processing list.
	Ack(ctx context.Context, dst string, item []byte) error

	// Move atomically renames a list. Returns ErrNil if src does not exist
	// (another replica already renamed it).
	Move(ctx context.Context, src, dst string) error

	KVSet(ctx context.Context, key string, value []byte, ttl time.Duration) error
	KVGet(ctx context.Context, key string) ([]byte, error)
	KVIncr(ctx context.Context, key string) (int64, error)
	KVScan(ctx context.Context, pattern string) ([]string, error)
	KVDel(ctx context.Context, keys ...string) error
	KVExpire(ctx context.Context, key string, ttl time.Duration) error

	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe registers a handler for messages on a channel and returns an
	// unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)

	// Eval runs a server-side atomic script.
	Eval(ctx context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error)

	// Ping verifies the substrate is reachable. Used by health endpoints.
	Ping(ctx context.Context) error
}
