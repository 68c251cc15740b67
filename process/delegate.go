package process

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Delegate 服务任务的实现, 需要外部实现
type Delegate interface {
	/**
	 * @description: 同步执行服务任务
	 * @param ctx context.Context 上下文
	 * @param variables *Variables 流程实例的变量, Execute 中的修改会直接生效
	 * @return error 非 nil 时本次推进失败, 流程实例回滚到推进之前的状态
	 */
	Execute(ctx context.Context, variables *Variables) error
}

// DelegateFunc 函数适配器
type DelegateFunc func(ctx context.Context, variables *Variables) error

func (f DelegateFunc) Execute(ctx context.Context, variables *Variables) error {
	if f == nil {
		return errors.New("Not implemented")
	}
	return f(ctx, variables)
}

// DelegateResolver 按名字解析服务任务实现, 引擎只依赖这个接口
type DelegateResolver interface {
	Resolve(name string) (Delegate, error)
}

// DelegateRegistry 服务任务注册表
// 不做全局单例, 在启动流程实例的时候显式传给引擎, 每个测试可以有自己的注册表
type DelegateRegistry struct {
	mu        sync.RWMutex
	delegates map[string]Delegate
}

func NewDelegateRegistry() *DelegateRegistry {
	return &DelegateRegistry{delegates: make(map[string]Delegate)}
}

/**
 * @description: 注册服务任务实现, 同名重复注册返回错误
 * @param name string delegate 名字, 和流程定义里面的 delegate 对应
 * @param delegate Delegate
 * @return error
 */
func (r *DelegateRegistry) Register(name string, delegate Delegate) error {
	if name == "" {
		return errors.WithMessage(ErrProcessParamInvalid, "delegate name is empty")
	}
	if delegate == nil {
		return errors.WithMessagef(ErrProcessParamInvalid, "delegate is nil, name: %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.delegates[name]; ok {
		return errors.WithMessagef(ErrDelegateAlreadyRegistered, "name: %s", name)
	}
	r.delegates[name] = delegate
	return nil
}

// RegisterFunc 注册函数形式的服务任务实现
func (r *DelegateRegistry) RegisterFunc(name string, f DelegateFunc) error {
	if f == nil {
		return errors.WithMessagef(ErrProcessParamInvalid, "delegate func is nil, name: %s", name)
	}
	return r.Register(name, f)
}

// Override 覆盖注册, 测试里面用来替换成 mock
func (r *DelegateRegistry) Override(name string, delegate Delegate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delegates[name] = delegate
}

// Resolve 实现 DelegateResolver
func (r *DelegateRegistry) Resolve(name string) (Delegate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delegate, ok := r.delegates[name]
	if !ok {
		return nil, errors.WithMessagef(ErrUnresolvedDelegate, "name: %s", name)
	}
	return delegate, nil
}

// Names 已经注册的名字
func (r *DelegateRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]string, 0, len(r.delegates))
	for name := range r.delegates {
		ret = append(ret, name)
	}
	return ret
}

// emptyResolver 没有传注册表时使用, 所有名字都解析失败
type emptyResolver struct{}

func (emptyResolver) Resolve(name string) (Delegate, error) {
	return nil, errors.WithMessagef(ErrUnresolvedDelegate, "name: %s, no delegate registry bound to instance", name)
}
