package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/BTreeMap/CardioCheck/internal/models"
)

// WorkingCopyTTL bounds how long an idle session stays in Redis.
const WorkingCopyTTL = 24 * time.Hour

// WorkingCopy holds the live copy of sessions between actions. Unlike the
// durable store it also carries in-flight instrument progress.
type WorkingCopy interface {
	Get(ctx context.Context, userID string) (*models.Session, bool, error)
	Put(ctx context.Context, sess *models.Session) error
	Delete(ctx context.Context, userID string) error
}

// MemoryWorkingCopy keeps sessions in process memory. Values are cloned on
// the way in and out so callers never share a record. Entries idle for
// longer than the TTL read as misses and are dropped by Evict.
type MemoryWorkingCopy struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	ttl      time.Duration
	now      func() time.Time
}

type memoryEntry struct {
	sess    *models.Session
	touched time.Time
}

// MemoryOption configures a MemoryWorkingCopy.
type MemoryOption func(*MemoryWorkingCopy)

// WithMemoryTTL sets the idle lifetime of an entry. Zero keeps entries
// until they are deleted.
func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(m *MemoryWorkingCopy) { m.ttl = ttl }
}

// WithMemoryClock replaces time.Now.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(m *MemoryWorkingCopy) { m.now = clock }
}

// NewMemoryWorkingCopy creates an in-memory working copy whose entries
// expire after WorkingCopyTTL, matching the Redis key lifetime.
func NewMemoryWorkingCopy(opts ...MemoryOption) *MemoryWorkingCopy {
	m := &MemoryWorkingCopy{
		sessions: make(map[string]memoryEntry),
		ttl:      WorkingCopyTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryWorkingCopy) Get(_ context.Context, userID string) (*models.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[userID]
	if !ok || m.expired(e, m.now()) {
		return nil, false, nil
	}
	return e.sess.Clone(), true, nil
}

func (m *MemoryWorkingCopy) Put(_ context.Context, sess *models.Session) error {
	if sess == nil {
		return errors.New("nil session")
	}
	m.mu.Lock()
	m.sessions[sess.UserID] = memoryEntry{sess: sess.Clone(), touched: m.now()}
	m.mu.Unlock()
	return nil
}

func (m *MemoryWorkingCopy) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryWorkingCopy) expired(e memoryEntry, now time.Time) bool {
	return m.ttl > 0 && now.Sub(e.touched) > m.ttl
}

// Evict drops entries idle for longer than the TTL and returns how many
// were removed.
func (m *MemoryWorkingCopy) Evict(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.sessions {
		if m.expired(e, now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// Janitor evicts idle entries every interval until ctx is cancelled.
func (m *MemoryWorkingCopy) Janitor(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Evict(m.now()); n > 0 {
				slog.Debug("MemoryWorkingCopy.Janitor: evicted idle sessions", "count", n)
			}
		}
	}
}

// Len reports how many sessions are cached.
func (m *MemoryWorkingCopy) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// RedisWorkingCopy stores sessions as JSON under session:<user>.
type RedisWorkingCopy struct {
	redis  *redis.Client
	tracer trace.Tracer
	ttl    time.Duration
}

func NewRedisWorkingCopy(client *redis.Client, tracer trace.Tracer) *RedisWorkingCopy {
	if client == nil {
		panic("session: redis client cannot be nil")
	}
	if tracer == nil {
		tracer = otel.Tracer("cardiocheck.internal.session.working_copy")
	}
	return &RedisWorkingCopy{redis: client, tracer: tracer, ttl: WorkingCopyTTL}
}

func (r *RedisWorkingCopy) Get(ctx context.Context, userID string) (*models.Session, bool, error) {
	ctx, span := r.tracer.Start(ctx, "session.working_copy.get")
	defer span.End()

	data, err := r.redis.Get(ctx, sessionKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		span.RecordError(err)
		return nil, false, fmt.Errorf("session: failed to load working copy: %w", err)
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("session: failed to decode working copy: %w", err)
	}
	return &sess, true, nil
}

func (r *RedisWorkingCopy) Put(ctx context.Context, sess *models.Session) error {
	ctx, span := r.tracer.Start(ctx, "session.working_copy.put")
	defer span.End()

	data, err := json.Marshal(sess)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to marshal working copy: %w", err)
	}
	if err := r.redis.Set(ctx, sessionKey(sess.UserID), data, r.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to persist working copy: %w", err)
	}
	return nil
}

func (r *RedisWorkingCopy) Delete(ctx context.Context, userID string) error {
	ctx, span := r.tracer.Start(ctx, "session.working_copy.delete")
	defer span.End()

	if err := r.redis.Del(ctx, sessionKey(userID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to delete working copy: %w", err)
	}
	return nil
}

func sessionKey(userID string) string {
	return fmt.Sprintf("session:%s", userID)
}
