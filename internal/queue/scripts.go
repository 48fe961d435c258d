package queue

import "github.com/redis/go-redis/v9"

// Script wraps a server-side atomic script. All cross-replica coordination
// (rate limiting, circuit breaker, bucket sealing) happens inside these
// scripts so multiple replicas observe linearizable transitions.
type Script struct {
	rs *redis.Script
}

// NewScript compiles a Lua script for EVALSHA execution.
func NewScript(src string) *Script {
	return &Script{rs: redis.NewScript(src)}
}

// SlidingWindowAdmit admits a request under a shared sliding-window cap.
//
// KEYS[1] sorted set of admission timestamps
// ARGV[1] now (microseconds), ARGV[2] window (microseconds), ARGV[3] cap,
// ARGV[4] unique member
//
// Returns {1, 0} when admitted, {0, retry_after_micros} when denied.
var SlidingWindowAdmit = NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local cap = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < cap then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, math.ceil(window / 1000))
  return {1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = 0
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
  if retry < 0 then retry = 0 end
end
return {0, retry}
`)

// CircuitCheck decides whether a call to the protected dependency may
// proceed. The breaker state is a hash shared by all replicas.
//
// KEYS[1] breaker hash
// ARGV[1] now (unix seconds), ARGV[2] open duration (seconds)
//
// Returns "CLOSED" (proceed), "OPEN" (do not call), or "PROBE" (proceed as
// the single half-open probe). The probe grant has its own timestamp so a
// prober that dies does not wedge the breaker in HALF_OPEN forever.
var CircuitCheck = NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local open_secs = tonumber(ARGV[2])

local state = redis.call('HGET', key, 'state')
if not state or state == 'CLOSED' then
  return 'CLOSED'
end
if state == 'OPEN' then
  local opened_at = tonumber(redis.call('HGET', key, 'opened_at') or '0')
  if now - opened_at >= open_secs then
    redis.call('HSET', key, 'state', 'HALF_OPEN', 'probe_at', now)
    return 'PROBE'
  end
  return 'OPEN'
end
-- HALF_OPEN: one probe at a time, re-granted if the previous prober vanished
local probe_at = tonumber(redis.call('HGET', key, 'probe_at') or '0')
if now - probe_at >= open_secs then
  redis.call('HSET', key, 'probe_at', now)
  return 'PROBE'
end
return 'OPEN'
`)

// CircuitSuccess records a successful call. A success in HALF_OPEN closes
// the breaker; in CLOSED it resets the failure run.
var CircuitSuccess = NewScript(`
local key = KEYS[1]
redis.call('HSET', key, 'state', 'CLOSED', 'failures', 0)
redis.call('HDEL', key, 'opened_at', 'probe_at')
return 'CLOSED'
`)

// CircuitFailure records a failed call.
//
// KEYS[1] breaker hash
// ARGV[1] now (unix seconds), ARGV[2] failure threshold
//
// A failure in HALF_OPEN reopens immediately; in CLOSED the consecutive
// failure count trips the breaker at the threshold. Returns the resulting
// state.
var CircuitFailure = NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])

local state = redis.call('HGET', key, 'state')
if state == 'HALF_OPEN' then
  redis.call('HSET', key, 'state', 'OPEN', 'opened_at', now)
  redis.call('HDEL', key, 'probe_at')
  return 'OPEN'
end
local failures = redis.call('HINCRBY', key, 'failures', 1)
if failures >= threshold and (not state or state == 'CLOSED') then
  redis.call('HSET', key, 'state', 'OPEN', 'opened_at', now)
  return 'OPEN'
end
return state or 'CLOSED'
`)

// BoundedIncr increments a counter, attaching a TTL on first touch so
// abandoned counters age out.
//
// KEYS[1] counter key, ARGV[1] ttl (seconds). Returns the new count.
var BoundedIncr = NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
end
return count
`)

// SealBucket atomically renames a counter key to its sealed name. Exactly
// one replica observes 1; everyone else races to a key that no longer
// exists and observes 0. That single winner emits the meta-alert.
var SealBucket = NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('RENAME', KEYS[1], KEYS[2])
  return 1
end
return 0
`)
