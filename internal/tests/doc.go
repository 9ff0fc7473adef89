// Package tests 是 simple-approval 的内部测试模块。
//
// ⚠️ 重要提示：此包位于 internal/ 目录下，受 Go 编译器保护，
// 外部项目无法导入（会得到编译错误）。
//
// 🔒 编译器保护
//
// 如果外部项目尝试导入：
//
//	import "github.com/blingmoon/simple-approval/internal/tests"
//
// 将会得到编译错误：
//
//	use of internal package github.com/blingmoon/simple-approval/internal/tests not allowed
//
// 📋 测试内容
//
// 此模块包含以下测试：
//   - approval 包的单元测试
//   - 审批链推进的集成测试
//   - 回退和废单回收测试
//   - 并发场景测试
//   - 错误处理测试
//
// 🚀 运行测试
//
// 在项目根目录：
//
//	cd internal/tests
//	go test ./...
//
// 查看覆盖率：
//
//	go test -coverprofile=coverage.out -coverpkg=github.com/blingmoon/simple-approval/approval ./...
//	go tool cover -html=coverage.out
package tests
