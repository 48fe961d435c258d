package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mutt/pipeline/internal/queue"
)

// admit runs the shared sliding-window admission script. The window is a
// sorted set in the substrate, so every gateway replica draws from the same
// budget. Returns whether the request is admitted and, when denied, how
// long until the oldest admission leaves the window.
func admit(ctx context.Context, sub queue.Substrate, key string, cap int, period time.Duration) (bool, time.Duration, error) {
	now := time.Now().UnixMicro()
	res, err := sub.Eval(ctx, queue.SlidingWindowAdmit, []string{key},
		now, period.Microseconds(), cap, uuid.New().String())
	if err != nil {
		return false, 0, err
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return true, 0, nil // malformed reply: fail open, the queue cap still protects us
	}
	allowed, _ := reply[0].(int64)
	retryMicros, _ := reply[1].(int64)
	return allowed == 1, time.Duration(retryMicros) * time.Microsecond, nil
}
