// Package runlock keeps two ingestion runs from walking the same mailbox at
// once. A second Acquire while a lease is held fails with
// apperrors.ErrRunInProgress.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gotrs-io/helpdesk/internal/apperrors"
)

// Locker grants exclusive leases.
type Locker interface {
	Acquire(ctx context.Context) (Lease, error)
}

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Nop returns a Locker that always succeeds.
func Nop() Locker { return nopLocker{} }

type nopLocker struct{}

func (nopLocker) Acquire(context.Context) (Lease, error) { return nopLease{}, nil }

type nopLease struct{}

func (nopLease) Release(context.Context) error { return nil }

// Memory is an in-process lock for single binary deployments and tests.
type Memory struct {
	mu   sync.Mutex
	held bool
}

// NewMemory returns an unlocked Memory locker.
func NewMemory() *Memory { return &Memory{} }

// Acquire implements Locker.
func (m *Memory) Acquire(context.Context) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held {
		return nil, apperrors.ErrRunInProgress
	}
	m.held = true
	return &memoryLease{m: m}, nil
}

type memoryLease struct {
	m    *Memory
	once sync.Once
}

func (l *memoryLease) Release(context.Context) error {
	l.once.Do(func() {
		l.m.mu.Lock()
		l.m.held = false
		l.m.mu.Unlock()
	})
	return nil
}

// redisClient is the subset of go-redis the lock needs.
type redisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// releaseScript deletes the key only while it still carries our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// Redis locks across hosts with SET NX PX and a random token. The TTL bounds
// how long a crashed run can block the next one.
type Redis struct {
	client redisClient
	key    string
	ttl    time.Duration
}

// NewRedis builds a Redis locker. client is usually a *redis.Client.
func NewRedis(client redisClient, key string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Redis{client: client, key: key, ttl: ttl}
}

// Acquire implements Locker.
func (r *Redis) Acquire(ctx context.Context) (Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock %s: %w", r.key, err)
	}
	if !ok {
		return nil, apperrors.ErrRunInProgress
	}
	return &redisLease{r: r, token: token}, nil
}

type redisLease struct {
	r        *Redis
	token    string
	released bool
}

func (l *redisLease) Release(ctx context.Context) error {
	if l.released {
		return nil
	}
	l.released = true
	if err := l.r.client.Eval(ctx, releaseScript, []string{l.r.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release run lock %s: %w", l.r.key, err)
	}
	return nil
}

// File locks with an exclusively created marker file. A marker older than the
// TTL is treated as left behind by a crashed run and replaced.
type File struct {
	path string
	ttl  time.Duration
	now  func() time.Time
}

// NewFile builds a File locker.
func NewFile(path string, ttl time.Duration) *File {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &File{path: path, ttl: ttl, now: time.Now}
}

// Acquire implements Locker.
func (f *File) Acquire(context.Context) (Lease, error) {
	token := uuid.NewString()
	for attempt := 0; attempt < 2; attempt++ {
		fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := fh.WriteString(token)
			cerr := fh.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(f.path)
				return nil, fmt.Errorf("write run lock %s: %w", f.path, errors.Join(werr, cerr))
			}
			return &fileLease{f: f, token: token}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create run lock %s: %w", f.path, err)
		}
		info, serr := os.Stat(f.path)
		if serr != nil || f.now().Sub(info.ModTime()) <= f.ttl {
			break
		}
		if rerr := os.Remove(f.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale run lock %s: %w", f.path, rerr)
		}
	}
	return nil, apperrors.ErrRunInProgress
}

type fileLease struct {
	f        *File
	token    string
	released bool
}

func (l *fileLease) Release(context.Context) error {
	if l.released {
		return nil
	}
	l.released = true
	data, err := os.ReadFile(l.f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read run lock %s: %w", l.f.path, err)
	}
	if string(data) != l.token {
		return nil
	}
	if err := os.Remove(l.f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove run lock %s: %w", l.f.path, err)
	}
	return nil
}
