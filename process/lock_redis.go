package process

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`

// NewRedisProcessLock 基于 redis 的锁, 多个进程共享流程实例时使用
func NewRedisProcessLock(redisClient redis.Cmdable, logger *zap.Logger) ProcessLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisProcessLock{redisClient: redisClient, logger: logger}
}

type redisProcessLock struct {
	redisClient redis.Cmdable
	logger      *zap.Logger
}

func (d *redisProcessLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx2 context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	value := d.getRandomValue()
	isLock, err := d.redisClient.SetNX(ctx, key, value, maxLockTimeDuration).Result()
	if err != nil {
		return errors.WithMessagef(ErrLockFailed, "[redisProcessLock.NonBlockingSynchronized] key %s, err: %v", key, err)
	}
	if !isLock {
		return errors.WithMessagef(ErrLockFailed, "[redisProcessLock.NonBlockingSynchronized] key %s has been locked", key)
	}
	withKeyCtx := context.WithValue(ctx, lockKey(key), value)
	defer d.releaseKey(key, value)
	return f(withKeyCtx)
}

func (d *redisProcessLock) getRandomValue() string {
	return fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
}

func (d *redisProcessLock) releaseKey(key string, value string) {
	// ctx 可能已经被 cancel, 释放锁用新的 context
	reply, err := d.redisClient.Eval(context.Background(), delCommand, []string{key}, value).Int64()
	if err != nil {
		d.logger.Warn("release redis lock failed", zap.String("key", key), zap.Error(err))
		return
	}
	if reply != 1 {
		d.logger.Warn("redis lock already released or taken over", zap.String("key", key), zap.Int64("reply", reply))
	}
}
