package agent

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type toolSessionKey struct{}

// WithToolSession scopes tool rate limits to sessionID.
func WithToolSession(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, toolSessionKey{}, sessionID)
}

func ToolSessionFromContext(ctx context.Context) (string, bool) {
	id, _ := ctx.Value(toolSessionKey{}).(string)
	return id, id != ""
}

func sessionKey(ctx context.Context) string {
	if id, ok := ToolSessionFromContext(ctx); ok {
		return "session:" + id
	}
	return "anonymous"
}

// sessionLimiter gives every session its own token bucket refilling n tokens
// per window.
type sessionLimiter struct {
	every rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newSessionLimiter(n int, window time.Duration) *sessionLimiter {
	return &sessionLimiter{
		every:   rate.Every(window / time.Duration(n)),
		burst:   n,
		now:     time.Now,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *sessionLimiter) allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.every, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.AllowN(l.now(), 1)
}
