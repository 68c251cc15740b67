package process

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

const orderYAML = `
id: order
name: 订单流程
nodes:
  - {id: start, kind: startEvent}
  - {id: checkAvailability, kind: userTask}
  - {id: productsAvailable, kind: exclusiveGateway}
  - {id: sendCancellation, kind: serviceTask, delegate: sendCancellationDelegate}
  - {id: cancelled, kind: endEvent}
  - {id: prepareOrder, kind: userTask}
  - {id: delivery, kind: callActivity, called_process: delivery}
  - {id: deliverOrder, kind: userTask}
  - {id: orderDelivered, kind: exclusiveGateway}
  - {id: fulfilled, kind: endEvent}
flows:
  - {id: f_start, source: start, target: checkAvailability}
  - {id: f_check, source: checkAvailability, target: productsAvailable}
  - {id: f_unavailable, source: productsAvailable, target: sendCancellation, condition: "${productsAvailable == false}"}
  - {id: f_available, source: productsAvailable, target: prepareOrder}
  - {id: f_cancelled, source: sendCancellation, target: cancelled}
  - {id: f_prepared, source: prepareOrder, target: delivery}
  - {id: f_scheduled, source: delivery, target: deliverOrder}
  - {id: f_deliver, source: deliverOrder, target: orderDelivered}
  - {id: f_delivered, source: orderDelivered, target: fulfilled, condition: "${orderDelivered == true}"}
  - {id: f_retry, source: orderDelivered, target: deliverOrder}
`

const deliveryYAML = `
id: delivery
nodes:
  - {id: start, kind: startEvent}
  - {id: schedule, kind: serviceTask, delegate: scheduleDeliveryDelegate}
  - {id: scheduled, kind: endEvent}
flows:
  - {source: start, target: schedule}
  - {source: schedule, target: scheduled}
`

func mustParse(t *testing.T, content string) *ProcessDefinition {
	t.Helper()
	def, err := ParseDefinitionYAML([]byte(content))
	require.NoError(t, err)
	return def
}

func newOrderEngine(t *testing.T, opts ...EngineOption) ProcessEngine {
	t.Helper()
	engine := NewProcessEngine(append([]EngineOption{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, engine.Deploy(mustParse(t, orderYAML), mustParse(t, deliveryYAML)))
	return engine
}

// recordingListener 记录事件, 验证只发布成功推进的事件
type recordingListener struct {
	BaseListener
	mu       sync.Mutex
	visited  []string
	taken    []string
	finished []string
	started  int
}

func (l *recordingListener) OnInstanceStarted(*ProcessInstance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started++
}

func (l *recordingListener) OnElementVisited(instance *ProcessInstance, node *Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.visited = append(l.visited, instance.ProcessKey+"/"+node.ID)
}

func (l *recordingListener) OnFlowTaken(_ *ProcessInstance, flow *SequenceFlow) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.taken = append(l.taken, flow.ID)
}

func (l *recordingListener) OnInstanceFinished(instance *ProcessInstance, endEvent *Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = append(l.finished, instance.ProcessKey+"/"+endEvent.ID)
}

func TestProcessEngine_Deploy(t *testing.T) {
	engine := newOrderEngine(t)
	assert.Equal(t, []string{"delivery", "order"}, engine.DefinitionKeys())

	err := engine.Deploy(mustParse(t, deliveryYAML))
	assert.True(t, errors.Is(err, ErrProcessDefinitionDuplicate))

	_, err = engine.GetDefinition("missing")
	assert.True(t, errors.Is(err, ErrUnknownProcessDefinition))

	def, err := engine.DeployConfig(approvalConfig())
	require.NoError(t, err)
	got, err := engine.GetDefinition("approval")
	require.NoError(t, err)
	assert.Same(t, def, got)

	_, err = engine.DeployConfig(&ProcessConfig{ID: "empty"})
	assert.True(t, errors.Is(err, ErrMalformedDefinition))
}

func TestProcessEngine_CancellationScenario(t *testing.T) {
	listener := &recordingListener{}
	engine := newOrderEngine(t, WithListener(listener))
	ctx := context.Background()

	mailsSent := 0
	registry := NewDelegateRegistry()
	require.NoError(t, registry.RegisterFunc("sendCancellationDelegate", func(ctx context.Context, variables *Variables) error {
		customer, ok := variables.GetString("customer")
		require.True(t, ok)
		assert.Equal(t, "张三", customer)
		mailsSent++
		return nil
	}))

	// 1. 启动, 停在检查库存
	instance, err := engine.StartByKey(ctx, &StartProcessReq{
		ProcessKey: "order",
		Variables:  WithVariables("customer", "张三"),
		Delegates:  registry,
	})
	require.NoError(t, err)
	assert.True(t, instance.WaitsAtUserTask("checkAvailability"))
	assert.Equal(t, ProcessInstanceStatusSuspended, instance.Status())
	assert.False(t, instance.IsEnded())

	// 2. 没货, 发送取消邮件后结束
	err = engine.CompleteTask(ctx, &CompleteTaskReq{
		Instance:  instance,
		TaskID:    "checkAvailability",
		Variables: WithVariables("productsAvailable", false),
	})
	require.NoError(t, err)
	assert.True(t, instance.HasFinished("cancelled"))
	assert.False(t, instance.HasFinished("fulfilled"))
	assert.Equal(t, "cancelled", instance.EndEventID())
	assert.Equal(t, "cancelled", instance.CurrentNode())
	assert.Equal(t, 1, mailsSent)

	assert.Equal(t, 1, listener.started)
	assert.Equal(t, []string{"order/cancelled"}, listener.finished)
	assert.Equal(t, []string{"f_start", "f_check", "f_unavailable", "f_cancelled"}, listener.taken)
}

func TestProcessEngine_HappyPathScenario(t *testing.T) {
	listener := &recordingListener{}
	engine := newOrderEngine(t, WithListener(listener))
	ctx := context.Background()

	registry := NewDelegateRegistry()
	require.NoError(t, registry.RegisterFunc("sendCancellationDelegate", func(context.Context, *Variables) error {
		t.Fatal("cancellation must not be sent")
		return nil
	}))
	require.NoError(t, registry.RegisterFunc("scheduleDeliveryDelegate", func(ctx context.Context, variables *Variables) error {
		// 子流程里面的写入不会回到父流程
		variables.Set("deliveryScheduled", true)
		return nil
	}))

	instance, err := engine.StartByKey(ctx, &StartProcessReq{ProcessKey: "order", Delegates: registry})
	require.NoError(t, err)

	require.NoError(t, engine.CompleteTask(ctx, &CompleteTaskReq{Instance: instance, Variables: WithVariables("productsAvailable", true)}))
	assert.True(t, instance.WaitsAtUserTask("prepareOrder"))

	// 子流程同步执行完, 停在送货
	require.NoError(t, engine.CompleteTask(ctx, &CompleteTaskReq{Instance: instance, TaskID: "prepareOrder"}))
	assert.True(t, instance.WaitsAtUserTask("deliverOrder"))
	_, ok := instance.Variables.Get("deliveryScheduled")
	assert.False(t, ok)

	// 第一次没有送到, 回到送货
	require.NoError(t, engine.CompleteTask(ctx, &CompleteTaskReq{Instance: instance, Variables: WithVariables("orderDelivered", false)}))
	assert.True(t, instance.WaitsAtUserTask("deliverOrder"))

	require.NoError(t, engine.CompleteTask(ctx, &CompleteTaskReq{Instance: instance, Variables: WithVariables("orderDelivered", true)}))
	assert.True(t, instance.HasFinished("fulfilled"))

	assert.Equal(t, 2, listener.started)
	assert.Equal(t, []string{"delivery/scheduled", "order/fulfilled"}, listener.finished)
	assert.Contains(t, listener.visited, "delivery/schedule")
	assert.Contains(t, listener.taken, "f_retry")
}

func TestProcessEngine_CompleteTaskOverwritesVariables(t *testing.T) {
	engine := newOrderEngine(t)
	ctx := context.Background()

	instance, err := engine.StartByKey(ctx, &StartProcessReq{
		ProcessKey: "order",
		Variables:  WithVariables("customer", "张三", "productsAvailable", false),
		Delegates:  NewDelegateRegistry(),
	})
	require.NoError(t, err)

	require.NoError(t, engine.CompleteTask(ctx, &CompleteTaskReq{
		Instance:  instance,
		Variables: WithVariables("productsAvailable", true, "customer", "李四"),
	}))
	assert.True(t, instance.WaitsAtUserTask("prepareOrder"))
	customer, _ := instance.Variables.GetString("customer")
	assert.Equal(t, "李四", customer)
	available, _ := instance.Variables.GetBool("productsAvailable")
	assert.True(t, available)
}

func TestProcessEngine_UnresolvedDelegateRollsBack(t *testing.T) {
	listener := &recordingListener{}
	engine := newOrderEngine(t, WithListener(listener))
	ctx := context.Background()
	registry := NewDelegateRegistry()

	instance, err := engine.StartByKey(ctx, &StartProcessReq{ProcessKey: "order", Delegates: registry})
	require.NoError(t, err)
	takenBefore := len(listener.taken)

	err = engine.CompleteTask(ctx, &CompleteTaskReq{Instance: instance, Variables: WithVariables("productsAvailable", false)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolvedDelegate))
	assert.True(t, IsSeriousError(err))

	// 位置和变量都恢复到调用之前
	assert.True(t, instance.WaitsAtUserTask("checkAvailability"))
	_, ok := instance.Variables.Get("productsAvailable")
	assert.False(t, ok)
	assert.Len(t, listener.taken, takenBefore)
	assert.Empty(t, listener.finished)

	// 注册之后重新完成任务
	require.NoError(t, registry.RegisterFunc("sendCancellationDelegate", func(context.Context, *Variables) error { return nil }))
	require.NoError(t, engine.CompleteTask(ctx, &CompleteTaskReq{Instance: instance, Variables: WithVariables("productsAvailable", false)}))
	assert.True(t, instance.HasFinished("cancelled"))
}

func TestProcessEngine_MisspelledGuardVariable(t *testing.T) {
	engine := newOrderEngine(t)
	ctx := context.Background()
	registry := NewDelegateRegistry()
	require.NoError(t, registry.RegisterFunc("sendCancellationDelegate", func(context.Context, *Variables) error { return nil }))

	instance, err := engine.StartByKey(ctx, &StartProcessReq{ProcessKey: "order", Delegates: registry})
	require.NoError(t, err)

	// 拼错的变量不能默默走默认出口
	err = engine.CompleteTask(ctx, &CompleteTaskReq{Instance: instance, Variables: WithVariables("productAvailable", false)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownVariable))
	assert.Contains(t, err.Error(), "productsAvailable")
	assert.True(t, instance.WaitsAtUserTask("checkAvailability"))
	assert.False(t, instance.WaitsAtUserTask("prepareOrder"))
	_, ok := instance.Variables.Get("productAvailable")
	assert.False(t, ok)

	require.NoError(t, engine.CompleteTask(ctx, &CompleteTaskReq{Instance: instance, Variables: WithVariables("productsAvailable", false)}))
	assert.True(t, instance.HasFinished("cancelled"))
}

func TestProcessEngine_RollbackRestoresTypedVariables(t *testing.T) {
	engine := NewProcessEngine(WithLogger(zap.NewNop()))
	require.NoError(t, engine.Deploy(mustParse(t, `
id: packing
nodes:
  - {id: start, kind: startEvent}
  - {id: review, kind: userTask}
  - {id: relabel, kind: serviceTask, delegate: relabel}
  - {id: ship, kind: serviceTask, delegate: ship}
  - {id: end, kind: endEvent}
flows:
  - {source: start, target: review}
  - {source: review, target: relabel}
  - {source: relabel, target: ship}
  - {source: ship, target: end}
`)))
	ctx := context.Background()
	registry := NewDelegateRegistry()
	require.NoError(t, registry.RegisterFunc("relabel", func(_ context.Context, variables *Variables) error {
		items, _ := variables.Get("items")
		items.([]string)[0] = "MUTATED"
		labels, _ := variables.Get("labels")
		labels.(map[string]string)["box"] = "MUTATED"
		return nil
	}))

	instance, err := engine.StartByKey(ctx, &StartProcessReq{
		ProcessKey: "packing",
		Variables:  WithVariables("items", []string{"book", "pen"}, "labels", map[string]string{"box": "A1"}),
		Delegates:  registry,
	})
	require.NoError(t, err)

	// ship 没有注册, 整个调用回滚
	err = engine.CompleteTask(ctx, &CompleteTaskReq{Instance: instance})
	assert.True(t, errors.Is(err, ErrUnresolvedDelegate))
	assert.True(t, instance.WaitsAtUserTask("review"))
	items, _ := instance.Variables.Get("items")
	assert.Equal(t, []string{"book", "pen"}, items)
	labels, _ := instance.Variables.Get("labels")
	assert.Equal(t, map[string]string{"box": "A1"}, labels)
}

func TestProcessEngine_SubProcessCannotMutateParentVariables(t *testing.T) {
	engine := NewProcessEngine(WithLogger(zap.NewNop()))
	require.NoError(t, engine.Deploy(mustParse(t, `
id: child
nodes:
  - {id: start, kind: startEvent}
  - {id: touch, kind: serviceTask, delegate: touch}
  - {id: end, kind: endEvent}
flows:
  - {source: start, target: touch}
  - {source: touch, target: end}
`), mustParse(t, `
id: parent
nodes:
  - {id: start, kind: startEvent}
  - {id: call, kind: callActivity, called_process: child}
  - {id: wait, kind: userTask}
  - {id: end, kind: endEvent}
flows:
  - {source: start, target: call}
  - {source: call, target: wait}
  - {source: wait, target: end}
`)))
	registry := NewDelegateRegistry()
	require.NoError(t, registry.RegisterFunc("touch", func(_ context.Context, variables *Variables) error {
		items, _ := variables.Get("items")
		items.([]string)[0] = "MUTATED"
		return nil
	}))

	instance, err := engine.StartByKey(context.Background(), &StartProcessReq{
		ProcessKey: "parent",
		Variables:  WithVariables("items", []string{"book"}),
		Delegates:  registry,
	})
	require.NoError(t, err)
	assert.True(t, instance.WaitsAtUserTask("wait"))
	items, _ := instance.Variables.Get("items")
	assert.Equal(t, []string{"book"}, items)
}

func TestProcessEngine_DelegateFailure(t *testing.T) {
	engine := newOrderEngine(t)
	ctx := context.Background()
	mailErr := errors.New("smtp unavailable")

	t.Run("返回错误", func(t *testing.T) {
		registry := NewDelegateRegistry()
		require.NoError(t, registry.RegisterFunc("sendCancellationDelegate", func(ctx context.Context, variables *Variables) error {
			variables.Set("attempted", true)
			return mailErr
		}))
		instance, err := engine.StartByKey(ctx, &StartProcessReq{ProcessKey: "order", Delegates: registry})
		require.NoError(t, err)

		err = engine.CompleteTask(ctx, &CompleteTaskReq{Instance: instance, Variables: WithVariables("productsAvailable", false)})
		assert.True(t, errors.Is(err, ErrDelegateFailed))
		assert.True(t, errors.Is(err, mailErr))
		assert.False(t, IsSeriousError(err))
		assert.True(t, instance.WaitsAtUserTask("checkAvailability"))
		_, ok := instance.Variables.Get("attempted")
		assert.False(t, ok)
	})

	t.Run("panic", func(t *testing.T) {
		registry := NewDelegateRegistry()
		require.NoError(t, registry.RegisterFunc("sendCancellationDelegate", func(context.Context, *Variables) error {
			panic("boom")
		}))
		instance, err := engine.StartByKey(ctx, &StartProcessReq{ProcessKey: "order", Delegates: registry})
		require.NoError(t, err)

		err = engine.CompleteTask(ctx, &CompleteTaskReq{Instance: instance, Variables: WithVariables("productsAvailable", false)})
		assert.True(t, errors.Is(err, ErrDelegateFailed))
		assert.Contains(t, err.Error(), "boom")
		assert.True(t, instance.WaitsAtUserTask("checkAvailability"))
	})
}

func TestProcessEngine_NoMatchingFlow(t *testing.T) {
	engine := NewProcessEngine()
	_, err := engine.DeployConfig(&ProcessConfig{
		ID: "strict",
		Nodes: []*NodeConfig{
			{ID: "start", Kind: NodeKindStartEvent},
			{ID: "gateway", Kind: NodeKindExclusiveGateway},
			{ID: "a", Kind: NodeKindEndEvent},
			{ID: "b", Kind: NodeKindEndEvent},
		},
		Flows: []*FlowConfig{
			{ID: "f1", Source: "start", Target: "gateway"},
			{ID: "f2", Source: "gateway", Target: "a", Condition: "${choice == 'a'}"},
			{ID: "f3", Source: "gateway", Target: "b", Condition: "${choice == 'b'}"},
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	instance, err := engine.StartByKey(ctx, &StartProcessReq{ProcessKey: "strict", Variables: WithVariables("choice", "c")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMatchingFlow))
	// 失败的实例回到开始节点
	require.NotNil(t, instance)
	assert.Equal(t, "start", instance.CurrentNode())
	assert.Equal(t, ProcessInstanceStatusRunning, instance.Status())

	// 修正变量后重新推进
	instance.Variables.Set("choice", "b")
	require.NoError(t, engine.Advance(ctx, instance))
	assert.True(t, instance.HasFinished("b"))

	// 已经结束的实例推进什么都不做
	require.NoError(t, engine.Advance(ctx, instance))
	assert.True(t, instance.HasFinished("b"))

	// 第一个为 true 的出口胜出
	instance, err = engine.StartByKey(ctx, &StartProcessReq{ProcessKey: "strict", Variables: WithVariables("choice", "a")})
	require.NoError(t, err)
	assert.True(t, instance.HasFinished("a"))
}

func TestProcessEngine_CycleCap(t *testing.T) {
	engine := NewProcessEngine(WithMaxSteps(50))
	_, err := engine.DeployConfig(&ProcessConfig{
		ID: "spin",
		Nodes: []*NodeConfig{
			{ID: "start", Kind: NodeKindStartEvent},
			{ID: "work", Kind: NodeKindServiceTask, Delegate: "work"},
			{ID: "gateway", Kind: NodeKindExclusiveGateway},
			{ID: "end", Kind: NodeKindEndEvent},
		},
		Flows: []*FlowConfig{
			{ID: "f1", Source: "start", Target: "work"},
			{ID: "f2", Source: "work", Target: "gateway"},
			{ID: "f3", Source: "gateway", Target: "work", Condition: "${again}"},
			{ID: "f4", Source: "gateway", Target: "end"},
		},
	})
	require.NoError(t, err)

	calls := 0
	registry := NewDelegateRegistry()
	require.NoError(t, registry.RegisterFunc("work", func(context.Context, *Variables) error {
		calls++
		return nil
	}))
	_, err = engine.StartByKey(context.Background(), &StartProcessReq{
		ProcessKey: "spin",
		Variables:  WithVariables("again", true),
		Delegates:  registry,
	})
	assert.True(t, errors.Is(err, ErrDefinitionCycleExceeded))
	assert.Greater(t, calls, 0)
	assert.Less(t, calls, 50)
}

func TestProcessEngine_CallActivity(t *testing.T) {
	ctx := context.Background()

	t.Run("子流程停在用户任务", func(t *testing.T) {
		engine := NewProcessEngine()
		require.NoError(t, engine.Deploy(mustParse(t, `
id: child
nodes:
  - {id: start, kind: startEvent}
  - {id: approve, kind: userTask}
  - {id: end, kind: endEvent}
flows:
  - {source: start, target: approve}
  - {source: approve, target: end}
`), mustParse(t, `
id: parent
nodes:
  - {id: start, kind: startEvent}
  - {id: call, kind: callActivity, called_process: child}
  - {id: end, kind: endEvent}
flows:
  - {source: start, target: call}
  - {source: call, target: end}
`)))
		instance, err := engine.StartByKey(ctx, &StartProcessReq{ProcessKey: "parent"})
		assert.True(t, errors.Is(err, ErrSubProcessIncomplete))
		assert.Equal(t, "start", instance.CurrentNode())
	})

	t.Run("子流程没有部署", func(t *testing.T) {
		engine := NewProcessEngine()
		require.NoError(t, engine.Deploy(mustParse(t, `
id: parent
nodes:
  - {id: start, kind: startEvent}
  - {id: call, kind: callActivity, called_process: nowhere}
  - {id: end, kind: endEvent}
flows:
  - {source: start, target: call}
  - {source: call, target: end}
`)))
		_, err := engine.StartByKey(ctx, &StartProcessReq{ProcessKey: "parent"})
		assert.True(t, errors.Is(err, ErrUnknownProcessDefinition))
	})

	t.Run("递归调用超过深度", func(t *testing.T) {
		engine := NewProcessEngine(WithMaxCallDepth(4))
		require.NoError(t, engine.Deploy(mustParse(t, `
id: recursive
nodes:
  - {id: start, kind: startEvent}
  - {id: call, kind: callActivity, called_process: recursive}
  - {id: end, kind: endEvent}
flows:
  - {source: start, target: call}
  - {source: call, target: end}
`)))
		_, err := engine.StartByKey(ctx, &StartProcessReq{ProcessKey: "recursive"})
		assert.True(t, errors.Is(err, ErrDefinitionCycleExceeded))
	})
}

func TestProcessEngine_CompleteTaskErrors(t *testing.T) {
	engine := newOrderEngine(t)
	ctx := context.Background()
	registry := NewDelegateRegistry()
	require.NoError(t, registry.RegisterFunc("sendCancellationDelegate", func(context.Context, *Variables) error { return nil }))

	instance, err := engine.StartByKey(ctx, &StartProcessReq{ProcessKey: "order", Delegates: registry})
	require.NoError(t, err)

	err = engine.CompleteTask(ctx, &CompleteTaskReq{Instance: instance, TaskID: "prepareOrder"})
	assert.True(t, errors.Is(err, ErrNotSuspendedHere))
	assert.True(t, instance.WaitsAtUserTask("checkAvailability"))

	err = engine.CompleteTask(ctx, &CompleteTaskReq{TaskID: "checkAvailability"})
	assert.True(t, errors.Is(err, ErrProcessParamInvalid))
	assert.True(t, errors.Is(engine.CompleteTask(ctx, nil), ErrProcessParamInvalid))

	require.NoError(t, engine.CompleteTask(ctx, &CompleteTaskReq{Instance: instance, Variables: WithVariables("productsAvailable", false)}))
	err = engine.CompleteTask(ctx, &CompleteTaskReq{Instance: instance})
	assert.True(t, errors.Is(err, ErrNotSuspendedHere))
	assert.True(t, errors.Is(err, ErrProcessInstanceOver))
}

func TestProcessEngine_StartByKeyErrors(t *testing.T) {
	engine := newOrderEngine(t)
	ctx := context.Background()

	_, err := engine.StartByKey(ctx, &StartProcessReq{})
	assert.True(t, errors.Is(err, ErrProcessParamInvalid))

	_, err = engine.StartByKey(ctx, nil)
	assert.True(t, errors.Is(err, ErrProcessParamInvalid))

	instance, err := engine.StartByKey(ctx, &StartProcessReq{ProcessKey: "missing"})
	assert.Nil(t, instance)
	assert.True(t, errors.Is(err, ErrUnknownProcessDefinition))

	assert.True(t, errors.Is(engine.Advance(ctx, nil), ErrProcessParamInvalid))
}

func TestProcessEngine_IDGenerator(t *testing.T) {
	engine := newOrderEngine(t, WithIDGenerator(func() string { return "fixed-id" }))
	instance, err := engine.StartByKey(context.Background(), &StartProcessReq{ProcessKey: "order"})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", instance.ID)
	assert.Equal(t, "order", instance.ProcessKey)
	assert.Empty(t, instance.ParentID)
}

func TestProcessEngine_SingleWriter(t *testing.T) {
	defer goleak.VerifyNone(t)

	engine := newOrderEngine(t, WithMaxLockTime(time.Minute))
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	registry := NewDelegateRegistry()
	require.NoError(t, registry.RegisterFunc("sendCancellationDelegate", func(context.Context, *Variables) error {
		close(entered)
		<-release
		return nil
	}))
	instance, err := engine.StartByKey(ctx, &StartProcessReq{ProcessKey: "order", Delegates: registry})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var completeErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		completeErr = engine.CompleteTask(ctx, &CompleteTaskReq{Instance: instance, Variables: WithVariables("productsAvailable", false)})
	}()

	<-entered
	err = engine.Advance(ctx, instance)
	assert.True(t, errors.Is(err, ErrLockFailed))
	err = engine.CompleteTask(ctx, &CompleteTaskReq{Instance: instance})
	assert.True(t, errors.Is(err, ErrLockFailed))

	close(release)
	wg.Wait()
	require.NoError(t, completeErr)
	assert.True(t, instance.HasFinished("cancelled"))
}

func TestProcessEngine_ContextCanceled(t *testing.T) {
	engine := newOrderEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	instance, err := engine.StartByKey(ctx, &StartProcessReq{ProcessKey: "order"})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, "start", instance.CurrentNode())
}

func TestGetProcessInstanceStatusText(t *testing.T) {
	assert.Equal(t, "运行中", GetProcessInstanceStatusText(ProcessInstanceStatusRunning))
	assert.Equal(t, "等待中", GetProcessInstanceStatusText(ProcessInstanceStatusSuspended))
	assert.Equal(t, "完成", GetProcessInstanceStatusText(ProcessInstanceStatusCompleted))
	assert.Equal(t, "未知", GetProcessInstanceStatusText("paused"))
}
