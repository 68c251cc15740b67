// Package simplebpmn 是一个轻量的 BPMN 流程引擎, 用来在 go 测试里面驱动流程并统计覆盖率。
//
// 支持的元素：
//   - 开始事件, 结束事件
//   - 用户任务：实例在这里挂起, 等待 CompleteTask
//   - 服务任务：按名字解析 Delegate 并执行
//   - 排他网关：按声明顺序取第一个条件为真的顺序流, 都不满足时走默认流
//   - 调用活动：同步执行子流程, 子流程拿到变量快照
//
// 包结构：
//   - process: 流程定义, 变量, 引擎, 监听器, 实例锁
//   - scenario: 场景驱动, 实例停在用户任务时自动完成
//   - coverage: 覆盖率统计和 gorm 存储
//   - examples/orderprocess: 订单流程示例
//   - cmd/bpmn-scenario: 执行 yaml 场景文件的命令行
//
// 基础使用示例:
//
//	defs, _ := process.LoadBPMNFile("order-process.bpmn")
//	recorder := coverage.NewRecorder()
//	engine := process.NewProcessEngine(process.WithListener(recorder))
//	_ = engine.Deploy(defs...)
//
//	delegates := process.NewDelegateRegistry()
//	_ = delegates.Register("sendCancellationDelegate", sendCancellation)
//
//	sc := scenario.New().
//	    WaitsAtUserTask("Task_CheckAvailability", func(task *scenario.Task) {
//	        task.Complete(process.WithVariables("productsAvailable", false))
//	    })
//	result, err := scenario.Run(engine, sc).
//	    StartByKey("order-process", process.WithVariables("customer", "john")).
//	    WithDelegates(delegates).
//	    Execute(ctx)
//	// result.HasFinished("EndEvent_CancellationSent")
//	// recorder.AssertCoverageAtLeast(0.9)
//
// 事务语义：
//
// StartByKey, Advance, CompleteTask 失败时实例的位置, 状态和变量都回到调用前,
// 失败调用里面的监听事件不会发布。同一个实例同时只有一个写者, 并发调用返回 process.ErrLockFailed。
package simplebpmn
