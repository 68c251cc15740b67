package process

import "github.com/pkg/errors"

var (
	ErrMalformedDefinition        = errors.New("malformed process definition")
	ErrUnknownProcessDefinition   = errors.New("unknown process definition")
	ErrUnresolvedDelegate         = errors.New("unresolved delegate")
	ErrDelegateAlreadyRegistered  = errors.New("delegate already registered")
	ErrNoMatchingFlow             = errors.New("no matching sequence flow")
	ErrSubProcessIncomplete       = errors.New("sub process incomplete")
	ErrNotSuspendedHere           = errors.New("process instance not suspended here")
	ErrDefinitionCycleExceeded    = errors.New("definition cycle exceeded")
	ErrProcessParamInvalid        = errors.New("process param invalid")
	ErrProcessInstanceOver        = errors.New("process instance is over")
	ErrDelegateFailed             = errors.New("delegate failed")
	ErrProcessDefinitionDuplicate = errors.New("process definition already deployed")
	ErrUnknownVariable            = errors.New("unknown process variable")
)

type ProcessInstanceStatus = string

const (
	ProcessInstanceStatusRunning ProcessInstanceStatus = "running"
	// 停在用户任务上, 等待外部 CompleteTask
	ProcessInstanceStatusSuspended ProcessInstanceStatus = "suspended"
	// 到达结束事件, 终止状态
	ProcessInstanceStatusCompleted ProcessInstanceStatus = "completed"
)

func IsOverProcessInstanceStatus(status ProcessInstanceStatus) bool {
	return status == ProcessInstanceStatusCompleted
}

func GetProcessInstanceStatusText(status ProcessInstanceStatus) string {
	switch status {
	case ProcessInstanceStatusRunning:
		return "运行中"
	case ProcessInstanceStatusSuspended:
		return "等待中"
	case ProcessInstanceStatusCompleted:
		return "完成"
	}
	return "未知"
}

type NodeKind = string

const (
	NodeKindStartEvent       NodeKind = "startEvent"
	NodeKindUserTask         NodeKind = "userTask"
	NodeKindServiceTask      NodeKind = "serviceTask"
	NodeKindExclusiveGateway NodeKind = "exclusiveGateway"
	NodeKindEndEvent         NodeKind = "endEvent"
	NodeKindCallActivity     NodeKind = "callActivity"
)

func isKnownNodeKind(kind NodeKind) bool {
	switch kind {
	case NodeKindStartEvent, NodeKindUserTask, NodeKindServiceTask,
		NodeKindExclusiveGateway, NodeKindEndEvent, NodeKindCallActivity:
		return true
	}
	return false
}

// IsSeriousError 判断是否是定义或者注册问题导致的错误,
// 这类错误重试没有意义, 需要开发人员修改流程定义或者代码
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	return errors.Is(causeErr, ErrMalformedDefinition) ||
		errors.Is(causeErr, ErrUnknownProcessDefinition) ||
		errors.Is(causeErr, ErrUnresolvedDelegate) ||
		errors.Is(causeErr, ErrDelegateAlreadyRegistered) ||
		errors.Is(causeErr, ErrDefinitionCycleExceeded) ||
		errors.Is(causeErr, ErrSubProcessIncomplete)
}
