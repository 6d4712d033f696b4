// Package redis provides a cross-process run lock so only one crawler drains
// the job queue at a time.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/logging"
)

// Lock defaults.
const (
	DefaultKey = "stampcrawler:run"
	DefaultTTL = 10 * time.Minute
)

var (
	// ErrLockHeld is returned when another process holds the run lock.
	ErrLockHeld = errors.New("run lock held by another process")
	// ErrLockNotHeld is returned when releasing or extending a lock this
	// process no longer owns.
	ErrLockNotHeld = errors.New("run lock not held")
)

var (
	releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
	extendScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Config controls the lock key and its lifetime.
type Config struct {
	Key string
	TTL time.Duration
	// RefreshEvery defaults to TTL/3.
	RefreshEvery time.Duration
}

// Locker acquires the run lock.
type Locker struct {
	client  goredis.UniversalClient
	key     string
	ttl     time.Duration
	refresh time.Duration
	logger  *zap.Logger
}

// New builds a Locker.
func New(client goredis.UniversalClient, cfg Config, logger *zap.Logger) *Locker {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RefreshEvery <= 0 || cfg.RefreshEvery >= cfg.TTL {
		cfg.RefreshEvery = cfg.TTL / 3
	}
	return &Locker{
		client:  client,
		key:     cfg.Key,
		ttl:     cfg.TTL,
		refresh: cfg.RefreshEvery,
		logger:  logging.OrNop(logger).Named("lock"),
	}
}

// Lease is a held lock. Its TTL is refreshed in the background until Release.
type Lease struct {
	locker *Locker
	token  string
	stop   chan struct{}
	done   chan struct{}
	lost   chan struct{}
	once   sync.Once
}

// Acquire takes the lock without blocking. It returns ErrLockHeld when
// another holder owns it.
func (l *Locker) Acquire(ctx context.Context) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	lease := &Lease{
		locker: l,
		token:  token,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	go lease.keepAlive()
	l.logger.Debug("lock acquired", zap.String("key", l.key), zap.Duration("ttl", l.ttl))
	return lease, nil
}

// Hold acquires the lock and returns a context that is canceled if the lock
// is lost, plus a release func.
func (l *Locker) Hold(ctx context.Context) (context.Context, func(), error) {
	lease, err := l.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	held, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-lease.Lost():
			cancel()
		case <-held.Done():
		}
	}()
	release := func() {
		cancel()
		releaseCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer done()
		if err := lease.Release(releaseCtx); err != nil {
			l.logger.Warn("lock release failed", zap.String("key", l.key), zap.Error(err))
		}
	}
	return held, release, nil
}

// Lost is closed when a refresh finds the lock owned by someone else.
func (le *Lease) Lost() <-chan struct{} {
	return le.lost
}

// Release stops refreshing and deletes the key if this lease still owns it.
func (le *Lease) Release(ctx context.Context) error {
	le.once.Do(func() { close(le.stop) })
	<-le.done

	l := le.locker
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, le.token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	l.logger.Debug("lock released", zap.String("key", l.key))
	return nil
}

func (le *Lease) keepAlive() {
	defer close(le.done)
	l := le.locker
	ticker := time.NewTicker(l.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-le.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.refresh)
			n, err := extendScript.Run(ctx, l.client, []string{l.key}, le.token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logger.Warn("lock refresh failed", zap.String("key", l.key), zap.Error(err))
				continue
			}
			if n == 0 {
				l.logger.Error("lock lost", zap.String("key", l.key))
				close(le.lost)
				return
			}
		}
	}
}
