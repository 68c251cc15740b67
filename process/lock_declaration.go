package process

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var ErrLockFailed = errors.New("lock failed")

// ProcessLock 流程实例的写锁, 保证同一个实例只有一个写者
type ProcessLock interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回 ErrLockFailed
	//                 2.可以重入锁, 子流程推进时复用父流程的 ctx
	//  @param ctx 原来的ctx
	//  @param key 锁的key, 一般是 processInstanceLockKey(instanceID)
	//  @param maxLockTimeDuration 锁最大的时间
	//  @param f 具体执行函数的闭包
	//  @return error
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
}

type lockKey string

func processInstanceLockKey(instanceID string) string {
	return "process_instance_execute_" + instanceID
}
