package process

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NewLocalProcessLock 进程内的锁, 单机使用
func NewLocalProcessLock(logger *zap.Logger) ProcessLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &localProcessLock{
		locks:  &sync.Map{},
		logger: logger,
	}
}

type localProcessLock struct {
	locks  *sync.Map // key -> *localLockInfo
	logger *zap.Logger
}

type localLockInfo struct {
	mu      sync.Mutex
	stateMu sync.Mutex  // 保护 value 和 timer, 超时释放在定时器的 goroutine 里面
	value   string      // 锁的值，用于验证是否是同一个持有者
	timer   *time.Timer // 超时定时器
}

// NonBlockingSynchronized 非阻塞同步执行
func (l *localProcessLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 已经持有锁，可重入，直接执行
		return f(ctx)
	}

	value := l.getRandomValue()
	lockInfo, _ := l.locks.LoadOrStore(key, &localLockInfo{})
	info := lockInfo.(*localLockInfo)
	if !info.mu.TryLock() {
		return errors.WithMessagef(ErrLockFailed, "[localProcessLock.NonBlockingSynchronized] key %s has been locked", key)
	}
	if current, ok := l.locks.Load(key); !ok || current != info {
		// 拿到的是刚被释放并且移出 map 的旧锁
		info.mu.Unlock()
		return errors.WithMessagef(ErrLockFailed, "[localProcessLock.NonBlockingSynchronized] key %s is being released", key)
	}
	info.stateMu.Lock()
	info.value = value
	// 超时自动释放
	info.timer = time.AfterFunc(maxLockTimeDuration, func() {
		l.releaseKey(key, value)
	})
	info.stateMu.Unlock()

	withKeyCtx := context.WithValue(ctx, lockKey(key), value)
	defer l.releaseKey(key, value)
	return f(withKeyCtx)
}

func (l *localProcessLock) getRandomValue() string {
	return fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
}

func (l *localProcessLock) releaseKey(key string, value string) {
	lockInfo, ok := l.locks.Load(key)
	if !ok {
		return
	}
	info := lockInfo.(*localLockInfo)
	info.stateMu.Lock()
	defer info.stateMu.Unlock()
	if info.value != value {
		// 超时已经被释放, 锁被别人拿到了
		l.logger.Debug("local lock value mismatch",
			zap.String("key", key),
			zap.String("expected", info.value),
			zap.String("got", value))
		return
	}
	if info.timer != nil {
		info.timer.Stop()
	}
	info.value = ""
	l.locks.Delete(key)
	info.mu.Unlock()
}
