// Package tests 跨包的集成测试: 引擎, 锁后端, 覆盖率存储和场景文件一起使用
//
// 包位于 internal/ 下面, 只在本模块内可见, 只有 _test.go 文件
//
//	go test ./internal/tests/...
package tests
