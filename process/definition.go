package process

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ProcessConfig 流程配置, 声明式的节点和顺序流, 可以从 yaml/json/bpmn 加载
type ProcessConfig struct {
	ID    string        `json:"id" yaml:"id"`       // 流程 key, 唯一标识, StartByKey 使用
	Name  string        `json:"name" yaml:"name"`   // 流程名称
	Nodes []*NodeConfig `json:"nodes" yaml:"nodes"` // 节点列表
	Flows []*FlowConfig `json:"flows" yaml:"flows"` // 顺序流列表, 顺序有意义, 网关按这个顺序求值
}

// NodeConfig 节点配置
type NodeConfig struct {
	ID            string   `json:"id" yaml:"id"`
	Name          string   `json:"name,omitempty" yaml:"name,omitempty"`
	Kind          NodeKind `json:"kind" yaml:"kind"`
	Delegate      string   `json:"delegate,omitempty" yaml:"delegate,omitempty"`             // serviceTask 使用
	CalledProcess string   `json:"called_process,omitempty" yaml:"called_process,omitempty"` // callActivity 使用
	DefaultFlow   string   `json:"default_flow,omitempty" yaml:"default_flow,omitempty"`     // exclusiveGateway 使用, 可以为空
}

// FlowConfig 顺序流配置
type FlowConfig struct {
	ID        string `json:"id,omitempty" yaml:"id,omitempty"` // 为空时自动生成
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"` // 只能出现在网关的出口上
}

// Node 流程节点, 加载后只读
type Node struct {
	ID            string
	Name          string
	Kind          NodeKind
	Delegate      string
	CalledProcess string
	Incoming      []*SequenceFlow
	Outgoing      []*SequenceFlow // 按声明顺序
	defaultFlow   *SequenceFlow
}

// DefaultFlow 网关的默认出口, 没有返回 nil
func (n *Node) DefaultFlow() *SequenceFlow {
	return n.defaultFlow
}

// SequenceFlow 顺序流, 加载后只读
type SequenceFlow struct {
	ID        string
	Source    *Node
	Target    *Node
	Condition *Condition // nil 表示没有条件
}

// IsGuarded 是否有条件
func (f *SequenceFlow) IsGuarded() bool {
	return f.Condition != nil
}

// ProcessDefinition 流程定义, 引擎持有, 多个实例共享只读
type ProcessDefinition struct {
	ID        string
	Name      string
	StartNode *Node
	Nodes     []*Node         // 按声明顺序
	Flows     []*SequenceFlow // 按声明顺序
	nodeMap   map[string]*Node
	flowMap   map[string]*SequenceFlow
}

// Node 按 id 查找节点
func (d *ProcessDefinition) Node(id string) (*Node, bool) {
	n, ok := d.nodeMap[id]
	return n, ok
}

// Flow 按 id 查找顺序流
func (d *ProcessDefinition) Flow(id string) (*SequenceFlow, bool) {
	f, ok := d.flowMap[id]
	return f, ok
}

// ElementsCount 节点数加顺序流数, 覆盖率的分母
func (d *ProcessDefinition) ElementsCount() int {
	return len(d.Nodes) + len(d.Flows)
}

// EndEvents 所有结束事件的 id
func (d *ProcessDefinition) EndEvents() []string {
	ret := make([]string, 0)
	for _, n := range d.Nodes {
		if n.Kind == NodeKindEndEvent {
			ret = append(ret, n.ID)
		}
	}
	return ret
}

/*
*
  - @description: 构建并校验流程定义
    所有校验问题会一起返回, 错误 cause 为 ErrMalformedDefinition
  - @param config *ProcessConfig
  - @return *ProcessDefinition, error
*/
func NewProcessDefinition(config *ProcessConfig) (*ProcessDefinition, error) {
	if config == nil {
		return nil, errors.WithMessage(ErrMalformedDefinition, "config is nil")
	}
	if config.ID == "" {
		return nil, errors.WithMessage(ErrMalformedDefinition, "process id is empty")
	}
	def := &ProcessDefinition{
		ID:      config.ID,
		Name:    config.Name,
		Nodes:   make([]*Node, 0, len(config.Nodes)),
		Flows:   make([]*SequenceFlow, 0, len(config.Flows)),
		nodeMap: make(map[string]*Node, len(config.Nodes)),
		flowMap: make(map[string]*SequenceFlow, len(config.Flows)),
	}
	var errs error

	for idx, nodeConfig := range config.Nodes {
		if nodeConfig == nil || nodeConfig.ID == "" {
			errs = multierr.Append(errs, fmt.Errorf("node[%d]: id is empty", idx))
			continue
		}
		if !isKnownNodeKind(nodeConfig.Kind) {
			errs = multierr.Append(errs, fmt.Errorf("node %s: unknown kind %q", nodeConfig.ID, nodeConfig.Kind))
			continue
		}
		if _, ok := def.nodeMap[nodeConfig.ID]; ok {
			errs = multierr.Append(errs, fmt.Errorf("node %s: duplicate node id", nodeConfig.ID))
			continue
		}
		if nodeConfig.Kind == NodeKindServiceTask && nodeConfig.Delegate == "" {
			errs = multierr.Append(errs, fmt.Errorf("node %s: service task without delegate", nodeConfig.ID))
		}
		if nodeConfig.Kind == NodeKindCallActivity && nodeConfig.CalledProcess == "" {
			errs = multierr.Append(errs, fmt.Errorf("node %s: call activity without called process", nodeConfig.ID))
		}
		node := &Node{
			ID:            nodeConfig.ID,
			Name:          nodeConfig.Name,
			Kind:          nodeConfig.Kind,
			Delegate:      nodeConfig.Delegate,
			CalledProcess: nodeConfig.CalledProcess,
			Incoming:      make([]*SequenceFlow, 0),
			Outgoing:      make([]*SequenceFlow, 0),
		}
		def.Nodes = append(def.Nodes, node)
		def.nodeMap[node.ID] = node
	}

	for idx, flowConfig := range config.Flows {
		if flowConfig == nil {
			errs = multierr.Append(errs, fmt.Errorf("flow[%d]: flow is nil", idx))
			continue
		}
		flowID := flowConfig.ID
		if flowID == "" {
			flowID = fmt.Sprintf("Flow_%s_%s_%d", flowConfig.Source, flowConfig.Target, idx)
		}
		if _, ok := def.flowMap[flowID]; ok {
			errs = multierr.Append(errs, fmt.Errorf("flow %s: duplicate flow id", flowID))
			continue
		}
		source, sourceOk := def.nodeMap[flowConfig.Source]
		target, targetOk := def.nodeMap[flowConfig.Target]
		if !sourceOk {
			errs = multierr.Append(errs, fmt.Errorf("flow %s: dangling source %q", flowID, flowConfig.Source))
		}
		if !targetOk {
			errs = multierr.Append(errs, fmt.Errorf("flow %s: dangling target %q", flowID, flowConfig.Target))
		}
		if !sourceOk || !targetOk {
			continue
		}
		flow := &SequenceFlow{ID: flowID, Source: source, Target: target}
		if flowConfig.Condition != "" {
			if source.Kind != NodeKindExclusiveGateway {
				errs = multierr.Append(errs, fmt.Errorf("flow %s: condition on flow leaving %s %s", flowID, source.Kind, source.ID))
			}
			condition, err := CompileCondition(flowConfig.Condition)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("flow %s: %v", flowID, err))
			} else {
				flow.Condition = condition
			}
		}
		source.Outgoing = append(source.Outgoing, flow)
		target.Incoming = append(target.Incoming, flow)
		def.Flows = append(def.Flows, flow)
		def.flowMap[flowID] = flow
	}

	nodeDefaults := make(map[string]string)
	for _, nodeConfig := range config.Nodes {
		if nodeConfig != nil && nodeConfig.DefaultFlow != "" {
			nodeDefaults[nodeConfig.ID] = nodeConfig.DefaultFlow
		}
	}
	for _, node := range def.Nodes {
		if node.Kind == NodeKindStartEvent {
			if def.StartNode != nil {
				errs = multierr.Append(errs, fmt.Errorf("node %s: multiple start nodes, %s already declared", node.ID, def.StartNode.ID))
			} else {
				def.StartNode = node
			}
		}
		errs = multierr.Append(errs, checkNodeFlows(node, nodeDefaults[node.ID]))
	}
	if def.StartNode == nil {
		errs = multierr.Append(errs, errors.New("no start node"))
	}
	if errs != nil {
		return nil, errors.WithMessagef(ErrMalformedDefinition, "process %s: %v", config.ID, errs)
	}

	if err := checkEndEventReachable(def); err != nil {
		return nil, errors.WithMessagef(ErrMalformedDefinition, "process %s: %v", config.ID, err)
	}
	return def, nil
}

// checkNodeFlows 检查节点出入口数量, 网关的默认出口在这里确定
func checkNodeFlows(node *Node, defaultFlowID string) error {
	var errs error
	if node.Kind == NodeKindStartEvent {
		if len(node.Incoming) > 0 {
			errs = multierr.Append(errs, fmt.Errorf("node %s: start node has incoming flows", node.ID))
		}
	} else if len(node.Incoming) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("node %s: no incoming flow", node.ID))
	}
	if defaultFlowID != "" && node.Kind != NodeKindExclusiveGateway {
		errs = multierr.Append(errs, fmt.Errorf("node %s: default flow on %s", node.ID, node.Kind))
	}

	switch node.Kind {
	case NodeKindEndEvent:
		if len(node.Outgoing) > 0 {
			errs = multierr.Append(errs, fmt.Errorf("node %s: end event has outgoing flows", node.ID))
		}
	case NodeKindExclusiveGateway:
		if len(node.Outgoing) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("node %s: gateway without outgoing flow", node.ID))
			break
		}
		unguarded := make([]*SequenceFlow, 0)
		for _, flow := range node.Outgoing {
			if flow.ID == defaultFlowID {
				node.defaultFlow = flow
				if flow.IsGuarded() {
					errs = multierr.Append(errs, fmt.Errorf("node %s: default flow %s has a condition", node.ID, flow.ID))
				}
				continue
			}
			if !flow.IsGuarded() {
				unguarded = append(unguarded, flow)
			}
		}
		if defaultFlowID != "" {
			if node.defaultFlow == nil {
				errs = multierr.Append(errs, fmt.Errorf("node %s: default flow %s is not an outgoing flow", node.ID, defaultFlowID))
			}
			if len(unguarded) > 0 {
				errs = multierr.Append(errs, fmt.Errorf("node %s: flow %s has no condition and is not the default", node.ID, unguarded[0].ID))
			}
			break
		}
		if len(unguarded) > 1 {
			errs = multierr.Append(errs, fmt.Errorf("node %s: %d flows without condition, at most one default allowed", node.ID, len(unguarded)))
		} else if len(unguarded) == 1 {
			node.defaultFlow = unguarded[0]
		}
	default:
		if len(node.Outgoing) != 1 {
			errs = multierr.Append(errs, fmt.Errorf("node %s: %s needs exactly one outgoing flow, got %d", node.ID, node.Kind, len(node.Outgoing)))
		}
	}
	return errs
}

// checkEndEventReachable 从开始节点可达的节点, 都必须能走到某个结束事件
// 有条件的环是允许的, 运行时由步数上限兜底
func checkEndEventReachable(def *ProcessDefinition) error {
	canReachEnd := make(map[string]bool)
	queue := make([]*Node, 0)
	for _, node := range def.Nodes {
		if node.Kind == NodeKindEndEvent {
			canReachEnd[node.ID] = true
			queue = append(queue, node)
		}
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, flow := range current.Incoming {
			if !canReachEnd[flow.Source.ID] {
				canReachEnd[flow.Source.ID] = true
				queue = append(queue, flow.Source)
			}
		}
	}

	visited := map[string]bool{def.StartNode.ID: true}
	queue = append(queue, def.StartNode)
	var errs error
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if !canReachEnd[current.ID] {
			errs = multierr.Append(errs, fmt.Errorf("node %s: dead end, no path to an end event", current.ID))
		}
		for _, flow := range current.Outgoing {
			if !visited[flow.Target.ID] {
				visited[flow.Target.ID] = true
				queue = append(queue, flow.Target)
			}
		}
	}
	return errs
}
