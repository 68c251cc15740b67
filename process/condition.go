package process

import (
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"
)

// Condition 顺序流上的条件表达式, 加载定义的时候编译一次
type Condition struct {
	source    string
	program   *vm.Program
	variables []string // 表达式引用的流程变量
}

// CompileCondition 编译条件表达式
// 兼容 Camunda 的 ${...} 写法, 求值时引用的变量必须存在
func CompileCondition(source string) (*Condition, error) {
	body := normalizeConditionSource(source)
	if body == "" {
		return nil, errors.New("condition is empty")
	}
	tree, err := parser.Parse(body)
	if err != nil {
		return nil, errors.Wrapf(err, "parse condition %q", source)
	}
	program, err := expr.Compile(body, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, errors.Wrapf(err, "compile condition %q", source)
	}
	return &Condition{source: source, program: program, variables: referencedVariables(tree)}, nil
}

func normalizeConditionSource(source string) string {
	body := strings.TrimSpace(source)
	if strings.HasPrefix(body, "${") && strings.HasSuffix(body, "}") {
		body = strings.TrimSpace(body[2 : len(body)-1])
	} else if strings.HasPrefix(body, "#{") && strings.HasSuffix(body, "}") {
		body = strings.TrimSpace(body[2 : len(body)-1])
	}
	return body
}

// identifierCollector 收集表达式里面的标识符, let 声明的局部变量和函数名不算流程变量
type identifierCollector struct {
	identifiers map[string]struct{}
	excluded    map[string]struct{}
}

func (c *identifierCollector) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		c.identifiers[n.Value] = struct{}{}
	case *ast.VariableDeclaratorNode:
		c.excluded[n.Name] = struct{}{}
	case *ast.CallNode:
		if callee, ok := n.Callee.(*ast.IdentifierNode); ok {
			c.excluded[callee.Value] = struct{}{}
		}
	}
}

func referencedVariables(tree *parser.Tree) []string {
	c := &identifierCollector{
		identifiers: make(map[string]struct{}),
		excluded:    map[string]struct{}{"$env": {}},
	}
	ast.Walk(&tree.Node, c)
	ret := make([]string, 0, len(c.identifiers))
	for name := range c.identifiers {
		if _, ok := c.excluded[name]; !ok {
			ret = append(ret, name)
		}
	}
	sort.Strings(ret)
	return ret
}

// Source 原始表达式
func (c *Condition) Source() string {
	return c.source
}

// Variables 表达式引用的流程变量, 按名字排序
func (c *Condition) Variables() []string {
	ret := make([]string, len(c.variables))
	copy(ret, c.variables)
	return ret
}

// Evaluate 用流程变量求值, 引用的变量不存在返回 ErrUnknownVariable
func (c *Condition) Evaluate(variables *Variables) (bool, error) {
	for _, name := range c.variables {
		if _, ok := variables.data[name]; !ok {
			return false, errors.WithMessagef(ErrUnknownVariable, "condition %q references %s", c.source, name)
		}
	}
	out, err := expr.Run(c.program, variables.data)
	if err != nil {
		return false, errors.Wrapf(err, "evaluate condition %q", c.source)
	}
	b, ok := out.(bool)
	if !ok {
		return false, errors.Errorf("condition %q returned %T, want bool", c.source, out)
	}
	return b, nil
}
