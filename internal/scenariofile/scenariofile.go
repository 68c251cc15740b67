// Package scenariofile 读取 yaml 场景文件并在引擎上执行
//
//	suite: OrderProcessTest
//	definitions: [bpmn/order-process.bpmn]
//	delegates:
//	  sendCancellationDelegate: {set: {cancellationSent: true}}
//	scenarios:
//	  - name: cancellation
//	    process: order-process
//	    variables: {customer: john}
//	    tasks:
//	      Task_CheckAvailability: {productsAvailable: false}
//	    expect_end: EndEvent_CancellationSent
package scenariofile

import (
	"context"
	"os"
	"path/filepath"

	"github.com/blingmoon/simple-bpmn/internal/commonregister"
	"github.com/blingmoon/simple-bpmn/process"
	"github.com/blingmoon/simple-bpmn/scenario"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidScenarioFile = errors.New("invalid scenario file")
	ErrUnexpectedEnd       = errors.New("instance did not finish at the expected end event")
	ErrScenarioFailed      = errors.New("scenario failed")
)

var validatorUtil = validator.New()

type File struct {
	// Suite 为空时使用配置里面的 coverage.suite
	Suite string `yaml:"suite"`
	// Definitions 相对路径按场景文件所在目录解析
	Definitions []string                                `yaml:"definitions"`
	Delegates   map[string]commonregister.DelegateSpec `yaml:"delegates"`
	Scenarios   []Case                                  `yaml:"scenarios" validate:"required,min=1,dive"`

	dir string
}

// Case 一个场景, Tasks 是用户任务 id 到完成时提交的变量
type Case struct {
	Name               string                    `yaml:"name" validate:"required"`
	Process            string                    `yaml:"process" validate:"required"`
	Variables          map[string]any            `yaml:"variables"`
	Tasks              map[string]map[string]any `yaml:"tasks"`
	ExpectEnd          string                    `yaml:"expect_end"`
	MaxTaskCompletions int                       `yaml:"max_task_completions" validate:"gte=0"`
}

// Outcome 单个场景的执行结果
type Outcome struct {
	Name           string
	Process        string
	InstanceID     string
	EndEventID     string
	CompletedTasks []string
	Err            error
}

func (o *Outcome) Passed() bool {
	return o.Err == nil
}

// Load 读取场景文件
func Load(path string) (*File, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read scenario file %s", path)
	}
	f, err := Parse(content)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", path)
	}
	f.dir = filepath.Dir(path)
	return f, nil
}

// Parse 解析场景文件内容, 相对路径按当前目录解析
func Parse(content []byte) (*File, error) {
	f := &File{}
	if err := yaml.Unmarshal(content, f); err != nil {
		return nil, errors.WithMessagef(ErrInvalidScenarioFile, "decode: %v", err)
	}
	if err := validatorUtil.Struct(f); err != nil {
		return nil, errors.WithMessagef(ErrInvalidScenarioFile, "%v", err)
	}
	names := make(map[string]struct{}, len(f.Scenarios))
	for _, c := range f.Scenarios {
		if _, ok := names[c.Name]; ok {
			return nil, errors.WithMessagef(ErrInvalidScenarioFile, "duplicate scenario name %s", c.Name)
		}
		names[c.Name] = struct{}{}
	}
	return f, nil
}

// LoadDefinitions 加载 definitions 里面列出的流程文件
func (f *File) LoadDefinitions() ([]*process.ProcessDefinition, error) {
	ret := make([]*process.ProcessDefinition, 0, len(f.Definitions))
	var errs error
	for _, path := range f.Definitions {
		if !filepath.IsAbs(path) && f.dir != "" {
			path = filepath.Join(f.dir, path)
		}
		defs, err := process.LoadDefinitionFile(path)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		ret = append(ret, defs...)
	}
	if errs != nil {
		return nil, errs
	}
	return ret, nil
}

// NewDelegateRegistry 按 delegates 声明创建注册表
func (f *File) NewDelegateRegistry(logger *zap.Logger) (*process.DelegateRegistry, error) {
	registry := process.NewDelegateRegistry()
	if err := commonregister.RegisterScriptedDelegates(registry, f.Delegates, logger); err != nil {
		return nil, err
	}
	return registry, nil
}

// Scenario 把 tasks 转成场景动作
func (c *Case) Scenario() *scenario.Scenario {
	sc := scenario.New()
	for taskID, variables := range c.Tasks {
		sc.WaitsAtUserTask(taskID, func(task *scenario.Task) {
			task.Complete(variables)
		})
	}
	return sc
}

/**
 * @description: 依次执行所有场景, 单个场景失败不影响后面的场景
 * @param ctx context.Context
 * @param engine process.ProcessEngine 需要已经部署好场景用到的流程
 * @param logger *zap.Logger
 * @return []*Outcome, error 有场景失败时返回 ErrScenarioFailed, 声明的服务任务有问题时直接返回
 */
func (f *File) Run(ctx context.Context, engine process.ProcessEngine, logger *zap.Logger) ([]*Outcome, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		return nil, errors.WithMessage(process.ErrProcessParamInvalid, "engine is nil")
	}
	delegates, err := f.NewDelegateRegistry(logger)
	if err != nil {
		return nil, err
	}
	outcomes := make([]*Outcome, 0, len(f.Scenarios))
	failed := 0
	for i := range f.Scenarios {
		c := &f.Scenarios[i]
		outcome := c.run(ctx, engine, delegates, logger)
		if !outcome.Passed() {
			failed++
			logger.Warn("scenario failed", zap.String("scenario", c.Name), zap.Error(outcome.Err))
		} else {
			logger.Info("scenario passed", zap.String("scenario", c.Name), zap.String("end_event", outcome.EndEventID))
		}
		outcomes = append(outcomes, outcome)
	}
	if failed > 0 {
		return outcomes, errors.WithMessagef(ErrScenarioFailed, "%d of %d scenarios failed", failed, len(outcomes))
	}
	return outcomes, nil
}

func (c *Case) run(ctx context.Context, engine process.ProcessEngine, delegates process.DelegateResolver, logger *zap.Logger) *Outcome {
	outcome := &Outcome{Name: c.Name, Process: c.Process}
	runner := scenario.Run(engine, c.Scenario()).
		StartByKey(c.Process, c.Variables).
		WithDelegates(delegates).
		WithLogger(logger)
	if c.MaxTaskCompletions > 0 {
		runner = runner.WithMaxTaskCompletions(c.MaxTaskCompletions)
	}
	result, err := runner.Execute(ctx)
	if result != nil {
		outcome.CompletedTasks = result.CompletedTasks()
		if instance := result.Instance(); instance != nil {
			outcome.InstanceID = instance.ID
			outcome.EndEventID = instance.EndEventID()
		}
	}
	if err != nil {
		outcome.Err = err
		return outcome
	}
	if c.ExpectEnd != "" && !result.HasFinished(c.ExpectEnd) {
		outcome.Err = errors.WithMessagef(ErrUnexpectedEnd, "want %s, got %q", c.ExpectEnd, outcome.EndEventID)
	}
	return outcome
}
