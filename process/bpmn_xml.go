package process

import (
	"encoding/xml"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// 只解析引擎支持的 BPMN 2.0 子集, 其他元素忽略
type bpmnDefinitions struct {
	XMLName   xml.Name      `xml:"definitions"`
	Processes []bpmnProcess `xml:"process"`
}

type bpmnProcess struct {
	ID                string                 `xml:"id,attr"`
	Name              string                 `xml:"name,attr"`
	StartEvents       []bpmnElement          `xml:"startEvent"`
	EndEvents         []bpmnElement          `xml:"endEvent"`
	UserTasks         []bpmnElement          `xml:"userTask"`
	ServiceTasks      []bpmnServiceTask      `xml:"serviceTask"`
	ExclusiveGateways []bpmnExclusiveGateway `xml:"exclusiveGateway"`
	CallActivities    []bpmnCallActivity     `xml:"callActivity"`
	SequenceFlows     []bpmnSequenceFlow     `xml:"sequenceFlow"`
}

type bpmnElement struct {
	ID   string `xml:"id,attr"`
	Name string `xml:"name,attr"`
}

type bpmnServiceTask struct {
	bpmnElement
	DelegateExpression string `xml:"delegateExpression,attr"` // camunda:delegateExpression="${name}"
	Delegate           string `xml:"delegate,attr"`
}

type bpmnExclusiveGateway struct {
	bpmnElement
	Default string `xml:"default,attr"`
}

type bpmnCallActivity struct {
	bpmnElement
	CalledElement string `xml:"calledElement,attr"`
}

type bpmnSequenceFlow struct {
	ID                  string `xml:"id,attr"`
	SourceRef           string `xml:"sourceRef,attr"`
	TargetRef           string `xml:"targetRef,attr"`
	ConditionExpression string `xml:"conditionExpression"`
}

// ParseBPMN 解析 BPMN xml, 返回文件里面所有流程的定义
func ParseBPMN(data []byte) ([]*ProcessDefinition, error) {
	configs, err := ParseBPMNConfigs(data)
	if err != nil {
		return nil, err
	}
	ret := make([]*ProcessDefinition, 0, len(configs))
	var errs error
	for _, config := range configs {
		def, err := NewProcessDefinition(config)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		ret = append(ret, def)
	}
	if errs != nil {
		return nil, errs
	}
	return ret, nil
}

// ParseBPMNConfigs 只做 xml 到 ProcessConfig 的转换, 不校验
func ParseBPMNConfigs(data []byte) ([]*ProcessConfig, error) {
	doc := &bpmnDefinitions{}
	if err := xml.Unmarshal(data, doc); err != nil {
		return nil, errors.WithMessagef(ErrMalformedDefinition, "decode bpmn: %v", err)
	}
	if len(doc.Processes) == 0 {
		return nil, errors.WithMessage(ErrMalformedDefinition, "bpmn document has no process")
	}
	ret := make([]*ProcessConfig, 0, len(doc.Processes))
	for _, p := range doc.Processes {
		ret = append(ret, p.toConfig())
	}
	return ret, nil
}

func (p bpmnProcess) toConfig() *ProcessConfig {
	config := &ProcessConfig{
		ID:    p.ID,
		Name:  p.Name,
		Nodes: make([]*NodeConfig, 0),
		Flows: make([]*FlowConfig, 0, len(p.SequenceFlows)),
	}
	addNode := func(e bpmnElement, kind NodeKind) *NodeConfig {
		n := &NodeConfig{ID: e.ID, Name: e.Name, Kind: kind}
		config.Nodes = append(config.Nodes, n)
		return n
	}
	for _, e := range p.StartEvents {
		addNode(e, NodeKindStartEvent)
	}
	for _, e := range p.UserTasks {
		addNode(e, NodeKindUserTask)
	}
	for _, e := range p.ServiceTasks {
		n := addNode(e.bpmnElement, NodeKindServiceTask)
		n.Delegate = e.Delegate
		if n.Delegate == "" {
			n.Delegate = unwrapExpression(e.DelegateExpression)
		}
	}
	for _, e := range p.ExclusiveGateways {
		n := addNode(e.bpmnElement, NodeKindExclusiveGateway)
		n.DefaultFlow = e.Default
	}
	for _, e := range p.CallActivities {
		n := addNode(e.bpmnElement, NodeKindCallActivity)
		n.CalledProcess = e.CalledElement
	}
	for _, e := range p.EndEvents {
		addNode(e, NodeKindEndEvent)
	}
	for _, f := range p.SequenceFlows {
		config.Flows = append(config.Flows, &FlowConfig{
			ID:        f.ID,
			Source:    f.SourceRef,
			Target:    f.TargetRef,
			Condition: strings.TrimSpace(f.ConditionExpression),
		})
	}
	return config
}

// unwrapExpression ${name} -> name
func unwrapExpression(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return strings.TrimSpace(s[2 : len(s)-1])
	}
	return s
}
