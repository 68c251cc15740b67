package process

import "context"

type ProcessEngine interface {
	/**
	 * @description: 部署流程定义, 同一个 key 只能部署一次
	 * @param defs ...*ProcessDefinition
	 * @return error 多个定义失败时错误合并返回, 成功的定义仍然会部署
	 */
	Deploy(defs ...*ProcessDefinition) error
	/**
	 * @description: 构建并部署流程配置
	 * @param config *ProcessConfig
	 * @return *ProcessDefinition, error
	 */
	DeployConfig(config *ProcessConfig) (*ProcessDefinition, error)
	/**
	 * @description: 按 key 查询已部署的流程定义
	 * @param processKey string
	 * @return *ProcessDefinition, error 找不到返回 ErrUnknownProcessDefinition
	 */
	GetDefinition(processKey string) (*ProcessDefinition, error)
	/**
	 * @description: 已部署的流程 key, 按字母排序
	 */
	DefinitionKeys() []string
	/**
	 * @description: 按 key 启动流程实例, 创建后立即推进, 直到用户任务或者结束事件
	 *				 推进失败时实例回到开始节点(状态 running), 和错误一起返回, 调用方可以修正后 Advance 重试
	 * @param ctx context.Context
	 * @param req *StartProcessReq
	 *				  req.ProcessKey 流程 key
	 *				  req.Variables 初始变量, 可以为空
	 *				  req.Delegates 服务任务解析器, 绑定到实例上, 子流程继承
	 * @return *ProcessInstance, error
	 */
	StartByKey(ctx context.Context, req *StartProcessReq) (*ProcessInstance, error)
	/**
	 * @description: 推进流程实例, 停在用户任务或者已经结束的实例直接返回
	 *				 同一个实例同时只能有一个写者, 有其他 goroutine 正在操作返回 ErrLockFailed
	 * @param ctx context.Context
	 * @param instance *ProcessInstance
	 * @return error 失败时实例保持推进之前的状态
	 */
	Advance(ctx context.Context, instance *ProcessInstance) error
	/**
	 * @description: 完成用户任务, 合并变量(覆盖)后继续推进
	 * @param ctx context.Context
	 * @param req *CompleteTaskReq
	 *				  req.Instance 流程实例
	 *				  req.TaskID 用户任务节点 id, 为空表示当前停留的任务
	 *				  req.Variables 完成任务时写入的变量
	 * @return error 实例没有停在这个用户任务返回 ErrNotSuspendedHere, 失败时实例和变量都保持原样
	 */
	CompleteTask(ctx context.Context, req *CompleteTaskReq) error
}

type StartProcessReq struct {
	ProcessKey string           `json:"process_key" validate:"required"`
	Variables  map[string]any   `json:"variables"`
	Delegates  DelegateResolver `json:"-"`
}

type CompleteTaskReq struct {
	Instance  *ProcessInstance `json:"-" validate:"required"`
	TaskID    string           `json:"task_id"`
	Variables map[string]any   `json:"variables"`
}
