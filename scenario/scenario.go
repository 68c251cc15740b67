package scenario

import (
	"context"
	"sync"

	"github.com/blingmoon/simple-bpmn/process"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrTaskNotCompleted = errors.New("user task action did not complete the task")
	ErrNoActionForTask  = errors.New("no action registered for user task")
)

const defaultMaxTaskCompletions = 1000

// TaskAction 实例停在用户任务上时执行, 需要调用 task.Complete
type TaskAction func(task *Task)

// Scenario 用户任务 id 到完成动作的映射, 引擎停下来的时候自动执行
type Scenario struct {
	mu      sync.RWMutex
	actions map[string]TaskAction
}

func New() *Scenario {
	return &Scenario{actions: make(map[string]TaskAction)}
}

// WaitsAtUserTask 登记停在 nodeID 时的动作, 同一个 nodeID 后登记的覆盖前面的
func (s *Scenario) WaitsAtUserTask(nodeID string, action TaskAction) *Scenario {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[nodeID] = action
	return s
}

func (s *Scenario) actionOf(nodeID string) (TaskAction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	action, ok := s.actions[nodeID]
	return action, ok && action != nil
}

// Task 当前停留的用户任务
type Task struct {
	ID        string
	Instance  *process.ProcessInstance
	completed bool
	variables map[string]any
}

// Complete 完成任务, 变量在任务完成时合并到实例上, 可以为 nil
func (t *Task) Complete(variables map[string]any) {
	t.completed = true
	t.variables = variables
}

// Variables 实例当前的变量, 只读使用
func (t *Task) Variables() *process.Variables {
	return t.Instance.Variables
}

// Result 一次场景执行的结果
type Result struct {
	instance       *process.ProcessInstance
	completedTasks []string
}

// Instance 流程实例, 启动失败时为 nil
func (r *Result) Instance() *process.ProcessInstance {
	return r.instance
}

// HasFinished 实例是否在 endEventID 结束
func (r *Result) HasFinished(endEventID string) bool {
	return r.instance != nil && r.instance.HasFinished(endEventID)
}

// CompletedTasks 按顺序完成过的用户任务
func (r *Result) CompletedTasks() []string {
	ret := make([]string, len(r.completedTasks))
	copy(ret, r.completedTasks)
	return ret
}

// Runner 把场景应用到一个流程实例上
type Runner struct {
	engine             process.ProcessEngine
	scenario           *Scenario
	processKey         string
	variables          map[string]any
	delegates          process.DelegateResolver
	maxTaskCompletions int
	logger             *zap.Logger
}

func Run(engine process.ProcessEngine, scenario *Scenario) *Runner {
	return &Runner{
		engine:             engine,
		scenario:           scenario,
		maxTaskCompletions: defaultMaxTaskCompletions,
		logger:             zap.NewNop(),
	}
}

func (r *Runner) StartByKey(processKey string, variables map[string]any) *Runner {
	r.processKey = processKey
	r.variables = variables
	return r
}

func (r *Runner) WithDelegates(delegates process.DelegateResolver) *Runner {
	r.delegates = delegates
	return r
}

func (r *Runner) WithLogger(logger *zap.Logger) *Runner {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// WithMaxTaskCompletions 用户任务环路的上限, 超过返回 process.ErrDefinitionCycleExceeded
func (r *Runner) WithMaxTaskCompletions(n int) *Runner {
	if n > 0 {
		r.maxTaskCompletions = n
	}
	return r
}

/**
 * @description: 启动流程实例, 每次停在用户任务上就执行登记的动作, 直到实例结束或者出错
 * @param ctx context.Context
 * @return *Result, error 出错时 Result 仍然返回, 实例停在出错前的位置
 */
func (r *Runner) Execute(ctx context.Context) (*Result, error) {
	if r.engine == nil || r.scenario == nil {
		return nil, errors.WithMessage(process.ErrProcessParamInvalid, "engine and scenario are required")
	}
	result := &Result{completedTasks: make([]string, 0)}
	instance, err := r.engine.StartByKey(ctx, &process.StartProcessReq{
		ProcessKey: r.processKey,
		Variables:  r.variables,
		Delegates:  r.delegates,
	})
	result.instance = instance
	if err != nil {
		return result, errors.WithMessagef(err, "scenario start failed, processKey: %s", r.processKey)
	}
	logger := r.logger.With(zap.String("process_key", r.processKey), zap.String("instance_id", instance.ID))

	for instance.Status() == process.ProcessInstanceStatusSuspended {
		if len(result.completedTasks) >= r.maxTaskCompletions {
			return result, errors.WithMessagef(process.ErrDefinitionCycleExceeded, "more than %d user tasks completed", r.maxTaskCompletions)
		}
		taskID := instance.CurrentNode()
		action, ok := r.scenario.actionOf(taskID)
		if !ok {
			return result, errors.WithMessagef(ErrNoActionForTask, "task: %s", taskID)
		}
		task := &Task{ID: taskID, Instance: instance}
		action(task)
		if !task.completed {
			return result, errors.WithMessagef(ErrTaskNotCompleted, "task: %s", taskID)
		}
		err := r.engine.CompleteTask(ctx, &process.CompleteTaskReq{
			Instance:  instance,
			TaskID:    taskID,
			Variables: task.variables,
		})
		if err != nil {
			return result, errors.WithMessagef(err, "scenario complete task failed, task: %s", taskID)
		}
		result.completedTasks = append(result.completedTasks, taskID)
		logger.Debug("scenario completed user task", zap.String("task_id", taskID))
	}
	logger.Debug("scenario finished",
		zap.String("status", instance.Status()),
		zap.String("end_event", instance.EndEventID()))
	return result, nil
}
