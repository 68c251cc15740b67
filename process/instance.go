package process

import (
	"sync"
	"time"
)

// ProcessInstance 流程实例, 调用方持有, 释放后即销毁
// 同一个实例同时只允许一个写者, 写操作都经过引擎的 ProcessLock
type ProcessInstance struct {
	ID         string
	ProcessKey string
	ParentID   string // 子流程实例才有
	Definition *ProcessDefinition
	Variables  *Variables
	CreatedAt  int64
	UpdatedAt  int64

	mu          sync.RWMutex
	status      ProcessInstanceStatus
	currentNode *Node
	endEventID  string
	delegates   DelegateResolver
}

// instanceState 推进前保存的现场, 推进失败时恢复
type instanceState struct {
	status      ProcessInstanceStatus
	currentNode *Node
	endEventID  string
	variables   *Variables
	updatedAt   int64
}

func newProcessInstance(id string, def *ProcessDefinition, variables *Variables, delegates DelegateResolver) *ProcessInstance {
	if delegates == nil {
		delegates = emptyResolver{}
	}
	now := time.Now().Unix()
	return &ProcessInstance{
		ID:          id,
		ProcessKey:  def.ID,
		Definition:  def,
		Variables:   variables,
		CreatedAt:   now,
		UpdatedAt:   now,
		status:      ProcessInstanceStatusRunning,
		currentNode: def.StartNode,
		delegates:   delegates,
	}
}

// Status 当前状态
func (p *ProcessInstance) Status() ProcessInstanceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// CurrentNode 当前 token 所在节点的 id, 结束后是结束事件的 id
func (p *ProcessInstance) CurrentNode() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.currentNode == nil {
		return ""
	}
	return p.currentNode.ID
}

// EndEventID 到达的结束事件, 没有结束返回空
func (p *ProcessInstance) EndEventID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endEventID
}

// IsEnded 是否已经结束
func (p *ProcessInstance) IsEnded() bool {
	return IsOverProcessInstanceStatus(p.Status())
}

// HasFinished 是否在指定的结束事件结束
func (p *ProcessInstance) HasFinished(endEventID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status == ProcessInstanceStatusCompleted && p.endEventID == endEventID
}

// WaitsAtUserTask 是否停在指定的用户任务上
func (p *ProcessInstance) WaitsAtUserTask(nodeID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status == ProcessInstanceStatusSuspended && p.currentNode != nil && p.currentNode.ID == nodeID
}

func (p *ProcessInstance) save() instanceState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return instanceState{
		status:      p.status,
		currentNode: p.currentNode,
		endEventID:  p.endEventID,
		variables:   p.Variables.Snapshot(),
		updatedAt:   p.UpdatedAt,
	}
}

func (p *ProcessInstance) restore(state instanceState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = state.status
	p.currentNode = state.currentNode
	p.endEventID = state.endEventID
	p.Variables.restore(state.variables)
	p.UpdatedAt = state.updatedAt
}

func (p *ProcessInstance) moveTo(node *Node, status ProcessInstanceStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentNode = node
	p.status = status
	if status == ProcessInstanceStatusCompleted {
		p.endEventID = node.ID
	}
	p.UpdatedAt = time.Now().Unix()
}
