package scenario

import (
	"context"
	"testing"

	"github.com/blingmoon/simple-bpmn/process"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leaveYAML = `
id: leave
nodes:
  - {id: start, kind: startEvent}
  - {id: apply, kind: userTask}
  - {id: approve, kind: userTask}
  - {id: decide, kind: exclusiveGateway}
  - {id: record, kind: serviceTask, delegate: recordDelegate}
  - {id: approved, kind: endEvent}
  - {id: rejected, kind: endEvent}
flows:
  - {source: start, target: apply}
  - {source: apply, target: approve}
  - {source: approve, target: decide}
  - {source: decide, target: record, condition: "${approved == true}"}
  - {source: decide, target: rejected}
  - {source: record, target: approved}
`

func setupEngine(t *testing.T) (process.ProcessEngine, *process.DelegateRegistry) {
	t.Helper()
	def, err := process.ParseDefinitionYAML([]byte(leaveYAML))
	require.NoError(t, err)
	engine := process.NewProcessEngine()
	require.NoError(t, engine.Deploy(def))

	registry := process.NewDelegateRegistry()
	require.NoError(t, registry.RegisterFunc("recordDelegate", func(ctx context.Context, variables *process.Variables) error {
		variables.Set("recorded", true)
		return nil
	}))
	return engine, registry
}

func TestScenario_Execute(t *testing.T) {
	engine, registry := setupEngine(t)
	ctx := context.Background()

	t.Run("审批通过", func(t *testing.T) {
		sc := New().
			WaitsAtUserTask("apply", func(task *Task) {
				employee, _ := task.Variables().GetString("employee")
				assert.Equal(t, "张三", employee)
				task.Complete(process.WithVariables("days", 3))
			}).
			WaitsAtUserTask("approve", func(task *Task) {
				task.Complete(process.WithVariables("approved", true))
			})

		result, err := Run(engine, sc).
			StartByKey("leave", process.WithVariables("employee", "张三")).
			WithDelegates(registry).
			Execute(ctx)
		require.NoError(t, err)
		assert.True(t, result.HasFinished("approved"))
		assert.False(t, result.HasFinished("rejected"))
		assert.Equal(t, []string{"apply", "approve"}, result.CompletedTasks())
		recorded, _ := result.Instance().Variables.GetBool("recorded")
		assert.True(t, recorded)
	})

	t.Run("后登记的动作覆盖", func(t *testing.T) {
		sc := New().
			WaitsAtUserTask("apply", func(task *Task) { task.Complete(nil) }).
			WaitsAtUserTask("approve", func(task *Task) { task.Complete(process.WithVariables("approved", true)) }).
			WaitsAtUserTask("approve", func(task *Task) { task.Complete(process.WithVariables("approved", false)) })

		result, err := Run(engine, sc).StartByKey("leave", nil).WithDelegates(registry).Execute(ctx)
		require.NoError(t, err)
		assert.True(t, result.HasFinished("rejected"))
	})
}

func TestScenario_Errors(t *testing.T) {
	engine, registry := setupEngine(t)
	ctx := context.Background()

	t.Run("没有登记动作", func(t *testing.T) {
		sc := New().WaitsAtUserTask("apply", func(task *Task) { task.Complete(nil) })
		result, err := Run(engine, sc).StartByKey("leave", nil).WithDelegates(registry).Execute(ctx)
		assert.True(t, errors.Is(err, ErrNoActionForTask))
		// 实例停在没有动作的任务上
		assert.True(t, result.Instance().WaitsAtUserTask("approve"))
		assert.Equal(t, []string{"apply"}, result.CompletedTasks())
	})

	t.Run("动作没有完成任务", func(t *testing.T) {
		sc := New().WaitsAtUserTask("apply", func(task *Task) {})
		result, err := Run(engine, sc).StartByKey("leave", nil).Execute(ctx)
		assert.True(t, errors.Is(err, ErrTaskNotCompleted))
		assert.True(t, result.Instance().WaitsAtUserTask("apply"))
	})

	t.Run("delegate 没有注册", func(t *testing.T) {
		sc := New().
			WaitsAtUserTask("apply", func(task *Task) { task.Complete(nil) }).
			WaitsAtUserTask("approve", func(task *Task) { task.Complete(process.WithVariables("approved", true)) })
		result, err := Run(engine, sc).StartByKey("leave", nil).Execute(ctx)
		assert.True(t, errors.Is(err, process.ErrUnresolvedDelegate))
		assert.True(t, result.Instance().WaitsAtUserTask("approve"))
	})

	t.Run("流程不存在", func(t *testing.T) {
		result, err := Run(engine, New()).StartByKey("missing", nil).Execute(ctx)
		assert.True(t, errors.Is(err, process.ErrUnknownProcessDefinition))
		assert.Nil(t, result.Instance())
		assert.False(t, result.HasFinished("approved"))
	})

	t.Run("参数缺失", func(t *testing.T) {
		_, err := Run(nil, New()).Execute(ctx)
		assert.True(t, errors.Is(err, process.ErrProcessParamInvalid))
	})
}

func TestScenario_MaxTaskCompletions(t *testing.T) {
	def, err := process.ParseDefinitionYAML([]byte(`
id: retry
nodes:
  - {id: start, kind: startEvent}
  - {id: attempt, kind: userTask}
  - {id: done, kind: exclusiveGateway}
  - {id: end, kind: endEvent}
flows:
  - {source: start, target: attempt}
  - {source: attempt, target: done}
  - {source: done, target: end, condition: "${ok == true}"}
  - {source: done, target: attempt}
`))
	require.NoError(t, err)
	engine := process.NewProcessEngine()
	require.NoError(t, engine.Deploy(def))

	sc := New().WaitsAtUserTask("attempt", func(task *Task) { task.Complete(process.WithVariables("ok", false)) })
	result, err := Run(engine, sc).StartByKey("retry", nil).WithMaxTaskCompletions(5).Execute(context.Background())
	assert.True(t, errors.Is(err, process.ErrDefinitionCycleExceeded))
	assert.Len(t, result.CompletedTasks(), 5)
}
