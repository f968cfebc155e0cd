// Package throttle caps how often a single owner can be dialled.
package throttle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/acme/masked-call/internal/domain"
)

var windowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local current = redis.call('INCR', key)
if current == 1 and window > 0 then
  redis.call('PEXPIRE', key, window)
end
if current > limit then
  return 0
end
return 1
`)

// OwnerThrottle is a fixed-window counter per owner number held in Redis.
// Keys carry a hash of the number, never the number.
type OwnerThrottle struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewOwnerThrottle constructs the throttle. A non-positive limit disables it.
func NewOwnerThrottle(client *redis.Client, prefix string, limit int, window time.Duration) *OwnerThrottle {
	if window <= 0 {
		window = time.Hour
	}
	if prefix == "" {
		prefix = "maskedcall"
	}
	return &OwnerThrottle{client: client, prefix: prefix, limit: limit, window: window}
}

// Allow counts one initiation and reports whether it is within the window's
// budget.
func (t *OwnerThrottle) Allow(ctx context.Context, owner domain.PhoneNumber) (bool, error) {
	if t.limit <= 0 {
		return true, nil
	}
	res, err := windowScript.Run(ctx, t.client, []string{Key(t.prefix, owner)}, t.limit, t.window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("throttle allow: %w", err)
	}
	return res == 1, nil
}

// Key derives the counter key for an owner.
func Key(prefix string, owner domain.PhoneNumber) string {
	sum := sha256.Sum256([]byte(owner.Raw()))
	return fmt.Sprintf("%s:owner:%s:initiations", prefix, hex.EncodeToString(sum[:8]))
}

// Local is an in-process fixed-window throttle for single-node runs.
type Local struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	windows map[string]localWindow
}

type localWindow struct {
	start time.Time
	count int
}

// NewLocal allows limit initiations per owner per window. A non-positive
// window defaults to one hour.
func NewLocal(limit int, window time.Duration) *Local {
	if window <= 0 {
		window = time.Hour
	}
	return &Local{limit: limit, window: window, now: time.Now, windows: make(map[string]localWindow)}
}

func (l *Local) Allow(_ context.Context, owner domain.PhoneNumber) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	key := Key("local", owner)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w.start.IsZero() || now.Sub(w.start) >= l.window {
		w = localWindow{start: now}
	}
	w.count++
	l.windows[key] = w
	return w.count <= l.limit, nil
}
