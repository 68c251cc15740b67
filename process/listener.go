package process

// Listener 引擎执行事件的观察者, 只读, 例如覆盖率统计
// 事件在一次推进成功之后才发布, 推进失败回滚的事件不会发布
type Listener interface {
	OnInstanceStarted(instance *ProcessInstance)
	OnElementVisited(instance *ProcessInstance, node *Node)
	OnFlowTaken(instance *ProcessInstance, flow *SequenceFlow)
	OnInstanceFinished(instance *ProcessInstance, endEvent *Node)
}

// BaseListener 空实现, 嵌入后只需要实现关心的方法
type BaseListener struct{}

func (BaseListener) OnInstanceStarted(*ProcessInstance)          {}
func (BaseListener) OnElementVisited(*ProcessInstance, *Node)    {}
func (BaseListener) OnFlowTaken(*ProcessInstance, *SequenceFlow) {}
func (BaseListener) OnInstanceFinished(*ProcessInstance, *Node)  {}

type eventKind int

const (
	eventInstanceStarted eventKind = iota
	eventElementVisited
	eventFlowTaken
	eventInstanceFinished
)

type pendingEvent struct {
	kind     eventKind
	instance *ProcessInstance
	node     *Node
	flow     *SequenceFlow
}

// eventBuffer 一次推进里面产生的事件, 成功后统一发布
type eventBuffer struct {
	events []pendingEvent
}

func (b *eventBuffer) started(instance *ProcessInstance) {
	b.events = append(b.events, pendingEvent{kind: eventInstanceStarted, instance: instance})
}

func (b *eventBuffer) visited(instance *ProcessInstance, node *Node) {
	b.events = append(b.events, pendingEvent{kind: eventElementVisited, instance: instance, node: node})
}

func (b *eventBuffer) taken(instance *ProcessInstance, flow *SequenceFlow) {
	b.events = append(b.events, pendingEvent{kind: eventFlowTaken, instance: instance, flow: flow})
}

func (b *eventBuffer) finished(instance *ProcessInstance, node *Node) {
	b.events = append(b.events, pendingEvent{kind: eventInstanceFinished, instance: instance, node: node})
}

func (b *eventBuffer) publish(listeners []Listener) {
	for _, e := range b.events {
		for _, l := range listeners {
			switch e.kind {
			case eventInstanceStarted:
				l.OnInstanceStarted(e.instance)
			case eventElementVisited:
				l.OnElementVisited(e.instance, e.node)
			case eventFlowTaken:
				l.OnFlowTaken(e.instance, e.flow)
			case eventInstanceFinished:
				l.OnInstanceFinished(e.instance, e.node)
			}
		}
	}
	b.events = nil
}
