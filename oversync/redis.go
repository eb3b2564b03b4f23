// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const (
	presenceKey     = "overpos:presence"
	pushLockPrefix  = "overpos:push:"
	presenceHorizon = 24 * time.Hour
)

// RedisPresence keeps a sorted set of device ids scored by their last heartbeat (unix ms).
// Gateway replicas share it, so the active-devices count does not depend on which replica
// received the heartbeat.
type RedisPresence struct {
	rdb *redis.Client
}

// NewRedisPresence creates a presence tracker on top of an existing client
func NewRedisPresence(rdb *redis.Client) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

// Touch records a heartbeat for deviceID and trims entries older than a day
func (p *RedisPresence) Touch(ctx context.Context, deviceID, branchID string, at time.Time) error {
	score := float64(at.UnixMilli())
	pipe := p.rdb.TxPipeline()
	pipe.ZAdd(ctx, presenceKey, redis.Z{Score: score, Member: deviceID})
	if branchID != "" {
		pipe.ZAdd(ctx, presenceKey+":"+branchID, redis.Z{Score: score, Member: deviceID})
	}
	pipe.ZRemRangeByScore(ctx, presenceKey, "-inf", "("+strconv.FormatInt(at.Add(-presenceHorizon).UnixMilli(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence touch: %w", err)
	}
	return nil
}

// ActiveDevices counts devices that sent a heartbeat at or after since
func (p *RedisPresence) ActiveDevices(ctx context.Context, since time.Time) (int, error) {
	n, err := p.rdb.ZCount(ctx, presenceKey, strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("presence count: %w", err)
	}
	return int(n), nil
}

// RedisPushLocker serializes pushes per device across replicas with a redislock lease
type RedisPushLocker struct {
	locker *redislock.Client
	ttl    time.Duration
	wait   time.Duration
	logger *slog.Logger
}

// NewRedisPushLocker creates a locker; ttl bounds how long a crashed replica can hold a device
func NewRedisPushLocker(rdb *redis.Client, ttl, wait time.Duration, logger *slog.Logger) *RedisPushLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPushLocker{locker: redislock.New(rdb), ttl: ttl, wait: wait, logger: logger}
}

// ErrDeviceBusy is returned when another push for the same device holds the lock
var ErrDeviceBusy = errors.New("device_busy")

// LockDevice obtains the device lease, retrying every 100ms for up to the configured wait
func (l *RedisPushLocker) LockDevice(ctx context.Context, deviceID string) (func(), error) {
	retries := int(l.wait / (100 * time.Millisecond))
	lock, err := l.locker.Obtain(ctx, pushLockPrefix+deviceID, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrDeviceBusy
	}
	if err != nil {
		return nil, err
	}
	return func() {
		// Release with a fresh context: the request context may already be done.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn("Failed to release push lock", "error", err, "device_id", deviceID)
		}
	}, nil
}
