// Package commonregister 根据声明创建服务任务, 场景文件不需要写 go 代码就能跑流程
package commonregister

import (
	"context"
	"sort"

	"github.com/blingmoon/simple-bpmn/process"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrScriptedFailure = errors.New("scripted delegate failure")

// DelegateSpec 一个服务任务的行为
// 执行顺序: 先 set, 再按变量名顺序计算 eval, 最后 fail 非空时返回错误
type DelegateSpec struct {
	Set  map[string]any    `yaml:"set" json:"set"`
	Eval map[string]string `yaml:"eval" json:"eval"`
	Fail string            `yaml:"fail" json:"fail"`
}

type scriptedDelegate struct {
	name   string
	set    map[string]any
	eval   []compiledEval
	fail   string
	logger *zap.Logger
}

type compiledEval struct {
	variable string
	program  *vm.Program
}

/**
 * @description: 编译 eval 表达式并创建服务任务, 表达式里面可以直接使用流程变量
 * @param name string 服务任务名字, 只用于日志和错误
 * @param spec DelegateSpec
 * @param logger *zap.Logger
 * @return process.Delegate, error 表达式编译失败时返回
 */
func NewScriptedDelegate(name string, spec DelegateSpec, logger *zap.Logger) (process.Delegate, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &scriptedDelegate{name: name, set: spec.Set, fail: spec.Fail, logger: logger}
	variables := make([]string, 0, len(spec.Eval))
	for variable := range spec.Eval {
		variables = append(variables, variable)
	}
	sort.Strings(variables)
	var errs error
	for _, variable := range variables {
		program, err := expr.Compile(spec.Eval[variable], expr.AllowUndefinedVariables())
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "delegate %s, compile eval of %s", name, variable))
			continue
		}
		d.eval = append(d.eval, compiledEval{variable: variable, program: program})
	}
	if errs != nil {
		return nil, errs
	}
	return d, nil
}

func (d *scriptedDelegate) Execute(ctx context.Context, variables *process.Variables) error {
	for key, value := range d.set {
		variables.Set(key, value)
	}
	for _, e := range d.eval {
		value, err := expr.Run(e.program, variables.ToMap())
		if err != nil {
			return errors.Wrapf(err, "delegate %s, eval %s", d.name, e.variable)
		}
		variables.Set(e.variable, value)
	}
	if d.fail != "" {
		return errors.WithMessagef(ErrScriptedFailure, "delegate %s: %s", d.name, d.fail)
	}
	d.logger.Debug("scripted delegate executed", zap.String("delegate", d.name))
	return nil
}

// RegisterScriptedDelegates 把所有声明注册到 registry, 名字重复或者表达式错误会合并返回
func RegisterScriptedDelegates(registry *process.DelegateRegistry, specs map[string]DelegateSpec, logger *zap.Logger) error {
	if registry == nil {
		return errors.WithMessage(process.ErrProcessParamInvalid, "registry is nil")
	}
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs error
	for _, name := range names {
		delegate, err := NewScriptedDelegate(name, specs[name], logger)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, registry.Register(name, delegate))
	}
	return errs
}
