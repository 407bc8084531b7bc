package encounter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// TransitionGuard lets only one request run a given transition of a visit
// at a time. Acquire fails with ErrTransitionInFlight while the key is held.
type TransitionGuard interface {
	Acquire(ctx context.Context, visitID, transition string) (release func(), err error)
}

func guardKey(visitID, transition string) string {
	return visitID + ":" + transition
}

// MemoryGuard is a TransitionGuard for a single process.
type MemoryGuard struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{held: make(map[string]bool)}
}

func (g *MemoryGuard) Acquire(_ context.Context, visitID, transition string) (func(), error) {
	key := guardKey(visitID, transition)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[key] {
		return nil, ErrTransitionInFlight
	}
	g.held[key] = true
	return func() {
		g.mu.Lock()
		delete(g.held, key)
		g.mu.Unlock()
	}, nil
}

// releaseScript deletes the key only if it still carries our token, so a
// holder whose TTL expired cannot release a newer holder's key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisGuard shares transition keys between server instances. Keys expire
// after ttl so a crashed holder cannot block a visit forever.
type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, prefix: "encounter:transition:", ttl: ttl}
}

func (g *RedisGuard) Acquire(ctx context.Context, visitID, transition string) (func(), error) {
	key := g.prefix + guardKey(visitID, transition)
	token := uuid.New().String()
	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire transition guard: %w", err)
	}
	if !ok {
		return nil, ErrTransitionInFlight
	}
	return func() {
		releaseScript.Run(context.Background(), g.client, []string{key}, token)
	}, nil
}
