package process

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	defaultMaxSteps     = 1000
	defaultMaxCallDepth = 16
	defaultMaxLockTime  = 10 * time.Minute
)

// EngineOption 引擎配置项
type EngineOption func(*engineImpl)

// WithLogger 设置日志, 默认不输出
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *engineImpl) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithListener 添加执行事件观察者
func WithListener(listener Listener) EngineOption {
	return func(e *engineImpl) {
		if listener != nil {
			e.listeners = append(e.listeners, listener)
		}
	}
}

// WithProcessLock 设置实例写锁, 默认进程内锁
func WithProcessLock(lock ProcessLock) EngineOption {
	return func(e *engineImpl) {
		if lock != nil {
			e.lock = lock
		}
	}
}

// WithMaxSteps 单次推进最多经过的节点数, 超过返回 ErrDefinitionCycleExceeded
func WithMaxSteps(n int) EngineOption {
	return func(e *engineImpl) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithMaxCallDepth 子流程最大嵌套层数, 超过返回 ErrDefinitionCycleExceeded
func WithMaxCallDepth(n int) EngineOption {
	return func(e *engineImpl) {
		if n > 0 {
			e.maxCallDepth = n
		}
	}
}

// WithMaxLockTime 实例写锁的最长持有时间
func WithMaxLockTime(d time.Duration) EngineOption {
	return func(e *engineImpl) {
		if d > 0 {
			e.maxLockTime = d
		}
	}
}

// WithIDGenerator 设置实例 id 生成器, 默认 uuid
func WithIDGenerator(f func() string) EngineOption {
	return func(e *engineImpl) {
		if f != nil {
			e.newID = f
		}
	}
}

type engineImpl struct {
	mu           sync.RWMutex
	definitions  map[string]*ProcessDefinition
	logger       *zap.Logger
	listeners    []Listener
	lock         ProcessLock
	maxSteps     int
	maxCallDepth int
	maxLockTime  time.Duration
	newID        func() string
}

func NewProcessEngine(opts ...EngineOption) ProcessEngine {
	e := &engineImpl{
		definitions:  make(map[string]*ProcessDefinition),
		logger:       zap.NewNop(),
		maxSteps:     defaultMaxSteps,
		maxCallDepth: defaultMaxCallDepth,
		maxLockTime:  defaultMaxLockTime,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.lock == nil {
		e.lock = NewLocalProcessLock(e.logger)
	}
	return e
}

func (e *engineImpl) Deploy(defs ...*ProcessDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs error
	for _, def := range defs {
		if def == nil {
			errs = multierr.Append(errs, errors.WithMessage(ErrProcessParamInvalid, "definition is nil"))
			continue
		}
		if _, ok := e.definitions[def.ID]; ok {
			errs = multierr.Append(errs, errors.WithMessagef(ErrProcessDefinitionDuplicate, "processKey: %s", def.ID))
			continue
		}
		e.definitions[def.ID] = def
		e.logger.Info("process definition deployed",
			zap.String("process_key", def.ID),
			zap.Int("nodes", len(def.Nodes)),
			zap.Int("flows", len(def.Flows)))
	}
	return errs
}

func (e *engineImpl) DeployConfig(config *ProcessConfig) (*ProcessDefinition, error) {
	def, err := NewProcessDefinition(config)
	if err != nil {
		return nil, err
	}
	if err := e.Deploy(def); err != nil {
		return nil, err
	}
	return def, nil
}

func (e *engineImpl) GetDefinition(processKey string) (*ProcessDefinition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.definitions[processKey]
	if !ok {
		return nil, errors.WithMessagef(ErrUnknownProcessDefinition, "processKey: %s", processKey)
	}
	return def, nil
}

func (e *engineImpl) DefinitionKeys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ret := make([]string, 0, len(e.definitions))
	for key := range e.definitions {
		ret = append(ret, key)
	}
	sort.Strings(ret)
	return ret
}

func (e *engineImpl) StartByKey(ctx context.Context, req *StartProcessReq) (*ProcessInstance, error) {
	if req == nil {
		return nil, errors.WithMessage(ErrProcessParamInvalid, "StartByKey failed, req is nil")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.WithMessagef(ErrProcessParamInvalid, "StartByKey failed, req: %+v, err: %v", req, err)
	}
	def, err := e.GetDefinition(req.ProcessKey)
	if err != nil {
		return nil, errors.WithMessage(err, "StartByKey failed")
	}
	instance := newProcessInstance(e.newID(), def, NewVariables(req.Variables), req.Delegates)
	logger := e.instanceLogger(instance)
	logger.Info("process instance started")

	err = e.lock.NonBlockingSynchronized(ctx, processInstanceLockKey(instance.ID), e.maxLockTime, func(ctx context.Context) error {
		state := instance.save()
		buf := &eventBuffer{}
		buf.started(instance)
		buf.visited(instance, def.StartNode)
		if err := e.run(ctx, instance, buf, 0); err != nil {
			instance.restore(state)
			return err
		}
		buf.publish(e.listeners)
		return nil
	})
	if err != nil {
		e.logFailure(logger, "StartByKey", err)
		return instance, errors.WithMessagef(err, "StartByKey failed, processKey: %s, instanceID: %s", req.ProcessKey, instance.ID)
	}
	return instance, nil
}

func (e *engineImpl) Advance(ctx context.Context, instance *ProcessInstance) error {
	if instance == nil {
		return errors.WithMessage(ErrProcessParamInvalid, "Advance failed, instance is nil")
	}
	logger := e.instanceLogger(instance)
	err := e.lock.NonBlockingSynchronized(ctx, processInstanceLockKey(instance.ID), e.maxLockTime, func(ctx context.Context) error {
		if instance.Status() != ProcessInstanceStatusRunning {
			// 停在用户任务或者已经结束, 没有可以推进的
			return nil
		}
		state := instance.save()
		buf := &eventBuffer{}
		if state.currentNode == instance.Definition.StartNode {
			// 启动时推进失败的实例, 重新推进等同于重新启动
			buf.started(instance)
			buf.visited(instance, state.currentNode)
		}
		if err := e.run(ctx, instance, buf, 0); err != nil {
			instance.restore(state)
			return err
		}
		buf.publish(e.listeners)
		return nil
	})
	if err != nil {
		e.logFailure(logger, "Advance", err)
		return errors.WithMessagef(err, "Advance failed, instanceID: %s", instance.ID)
	}
	return nil
}

func (e *engineImpl) CompleteTask(ctx context.Context, req *CompleteTaskReq) error {
	if req == nil {
		return errors.WithMessage(ErrProcessParamInvalid, "CompleteTask failed, req is nil")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return errors.WithMessagef(ErrProcessParamInvalid, "CompleteTask failed, taskID: %s, err: %v", req.TaskID, err)
	}
	instance := req.Instance
	logger := e.instanceLogger(instance).With(zap.String("task_id", req.TaskID))
	err := e.lock.NonBlockingSynchronized(ctx, processInstanceLockKey(instance.ID), e.maxLockTime, func(ctx context.Context) error {
		state := instance.save()
		if IsOverProcessInstanceStatus(state.status) {
			return fmt.Errorf("%w: %w, ended at %s", ErrNotSuspendedHere, ErrProcessInstanceOver, state.endEventID)
		}
		if state.status != ProcessInstanceStatusSuspended || state.currentNode == nil || state.currentNode.Kind != NodeKindUserTask {
			return errors.WithMessagef(ErrNotSuspendedHere, "instance status: %s, current node: %s", state.status, instance.CurrentNode())
		}
		if req.TaskID != "" && state.currentNode.ID != req.TaskID {
			return errors.WithMessagef(ErrNotSuspendedHere, "instance waits at %s, not %s", state.currentNode.ID, req.TaskID)
		}
		task := state.currentNode
		instance.Variables.Merge(req.Variables)
		logger.Debug("user task completed", zap.String("node_id", task.ID), zap.Int("variables", len(req.Variables)))

		buf := &eventBuffer{}
		e.take(instance, task.Outgoing[0], buf)
		if err := e.run(ctx, instance, buf, 0); err != nil {
			instance.restore(state)
			return err
		}
		buf.publish(e.listeners)
		return nil
	})
	if err != nil {
		e.logFailure(logger, "CompleteTask", err)
		return errors.WithMessagef(err, "CompleteTask failed, instanceID: %s, taskID: %s", instance.ID, req.TaskID)
	}
	return nil
}

// run 推进 token, 直到停在用户任务或者到达结束事件
// 调用方负责加锁以及失败后的回滚
func (e *engineImpl) run(ctx context.Context, instance *ProcessInstance, buf *eventBuffer, depth int) error {
	logger := e.instanceLogger(instance)
	for steps := 1; ; steps++ {
		if steps > e.maxSteps {
			return errors.WithMessagef(ErrDefinitionCycleExceeded, "more than %d steps, processKey: %s, current node: %s", e.maxSteps, instance.ProcessKey, instance.CurrentNode())
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "advance interrupted")
		}
		instance.mu.RLock()
		node := instance.currentNode
		instance.mu.RUnlock()

		var next *SequenceFlow
		switch node.Kind {
		case NodeKindStartEvent:
			next = node.Outgoing[0]
		case NodeKindServiceTask:
			if err := e.executeDelegate(ctx, instance, node); err != nil {
				return err
			}
			next = node.Outgoing[0]
		case NodeKindExclusiveGateway:
			flow, err := e.selectFlow(instance, node)
			if err != nil {
				return err
			}
			next = flow
		case NodeKindCallActivity:
			if err := e.callSubProcess(ctx, instance, node, buf, depth); err != nil {
				return err
			}
			next = node.Outgoing[0]
		case NodeKindUserTask:
			instance.moveTo(node, ProcessInstanceStatusSuspended)
			logger.Debug("waiting at user task", zap.String("node_id", node.ID))
			return nil
		case NodeKindEndEvent:
			instance.moveTo(node, ProcessInstanceStatusCompleted)
			buf.finished(instance, node)
			logger.Info("process instance finished", zap.String("end_event", node.ID))
			return nil
		default:
			// 加载时已经校验过, 不会出现这种情况
			return errors.WithMessagef(ErrMalformedDefinition, "node %s has unknown kind %s", node.ID, node.Kind)
		}
		e.take(instance, next, buf)
	}
}

func (e *engineImpl) take(instance *ProcessInstance, flow *SequenceFlow, buf *eventBuffer) {
	buf.taken(instance, flow)
	instance.moveTo(flow.Target, ProcessInstanceStatusRunning)
	buf.visited(instance, flow.Target)
}

// selectFlow 网关按声明顺序求值有条件的出口, 第一个为 true 的胜出, 都不满足走默认出口
func (e *engineImpl) selectFlow(instance *ProcessInstance, gateway *Node) (*SequenceFlow, error) {
	for _, flow := range gateway.Outgoing {
		if flow == gateway.defaultFlow || !flow.IsGuarded() {
			continue
		}
		ok, err := flow.Condition.Evaluate(instance.Variables)
		if err != nil {
			return nil, errors.WithMessagef(err, "gateway %s, flow %s", gateway.ID, flow.ID)
		}
		if ok {
			return flow, nil
		}
	}
	if gateway.defaultFlow != nil {
		return gateway.defaultFlow, nil
	}
	return nil, errors.WithMessagef(ErrNoMatchingFlow, "gateway %s, processKey: %s", gateway.ID, instance.ProcessKey)
}

func (e *engineImpl) executeDelegate(ctx context.Context, instance *ProcessInstance, node *Node) (err error) {
	delegate, err := instance.delegates.Resolve(node.Delegate)
	if err != nil {
		return errors.WithMessagef(err, "service task %s, processKey: %s", node.ID, instance.ProcessKey)
	}
	defer func() {
		if r := recover(); r != nil {
			e.instanceLogger(instance).Error("delegate panic",
				zap.String("node_id", node.ID),
				zap.String("delegate", node.Delegate),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = errors.WithMessagef(ErrDelegateFailed, "delegate %s panic: %v, service task %s", node.Delegate, r, node.ID)
		}
	}()
	if err := delegate.Execute(ctx, instance.Variables); err != nil {
		return fmt.Errorf("%w: delegate %s, service task %s: %w", ErrDelegateFailed, node.Delegate, node.ID, err)
	}
	return nil
}

// callSubProcess 同步执行子流程, 子流程拿到父流程变量的快照, 必须直接走到结束事件
func (e *engineImpl) callSubProcess(ctx context.Context, parent *ProcessInstance, node *Node, buf *eventBuffer, depth int) error {
	if depth+1 > e.maxCallDepth {
		return errors.WithMessagef(ErrDefinitionCycleExceeded, "call depth more than %d, call activity %s", e.maxCallDepth, node.ID)
	}
	def, err := e.GetDefinition(node.CalledProcess)
	if err != nil {
		return errors.WithMessagef(err, "call activity %s", node.ID)
	}
	child := newProcessInstance(e.newID(), def, parent.Variables.Snapshot(), parent.delegates)
	child.ParentID = parent.ID
	e.instanceLogger(child).Debug("sub process started",
		zap.String("parent_id", parent.ID),
		zap.String("call_activity", node.ID))
	buf.started(child)
	buf.visited(child, def.StartNode)
	if err := e.run(ctx, child, buf, depth+1); err != nil {
		return errors.WithMessagef(err, "call activity %s, sub process %s", node.ID, def.ID)
	}
	if child.Status() != ProcessInstanceStatusCompleted {
		return errors.WithMessagef(ErrSubProcessIncomplete, "call activity %s, sub process %s waits at %s", node.ID, def.ID, child.CurrentNode())
	}
	return nil
}

func (e *engineImpl) instanceLogger(instance *ProcessInstance) *zap.Logger {
	return e.logger.With(
		zap.String("process_key", instance.ProcessKey),
		zap.String("instance_id", instance.ID))
}

// logFailure 定义或者注册问题打 error, 其他的打 warn
func (e *engineImpl) logFailure(logger *zap.Logger, op string, err error) {
	if IsSeriousError(err) {
		logger.Error(op+" failed", zap.Error(err))
		return
	}
	logger.Warn(op+" failed", zap.Error(err))
}
