// Package approval 提供顺序审批链引擎。
//
// 这是一个轻量级、易用的 Go 审批引擎，把业务对象(合同、报销单、请假条等)的
// 审批过程建模成一条有序的节点链，由持久化的实例和记录驱动。
//
// 主要特性：
//   - 简单易用：发起、决策、取消、查询几个 API 覆盖完整审批生命周期
//   - 顺序节点链：当前节点指针逐个推进，非必审节点自动通过
//   - 多候选人：节点可配置多个候选审批人，首个决策人生效
//   - 回退机制：审批人可以把流程退回到更早的节点重新走
//   - 数据持久化：支持 GORM，可使用 MySQL、PostgreSQL、SQLite 等数据库
//   - 并发安全：支持本地锁和分布式锁（Redis），同一业务对象同时只有一个进行中实例
//   - 业务联动：通过 BusinessStatusProjector 把审批结论同步回业务表
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//	    "encoding/json"
//
//	    "github.com/blingmoon/simple-approval/approval"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    // 1. 初始化数据库
//	    db, _ := gorm.Open(sqlite.Open("approval.db"), &gorm.Config{})
//	    db.AutoMigrate(&approval.ApprovalInstancePo{}, &approval.ApprovalRecordPo{})
//
//	    // 2. 创建审批服务
//	    approvalRepo := approval.NewApprovalRepo(db)
//	    approvalLock := approval.NewLocalApprovalLock()
//	    approvalService := approval.NewApprovalService(approvalRepo, approvalLock)
//
//	    // 3. 定义审批流配置
//	    flowConfigJSON := `{
//	        "id": "contract_approval",
//	        "name": "合同审批",
//	        "nodes": [
//	            {"name": "直属主管", "candidate_approvers": ["manager"]},
//	            {"name": "法务备案", "required": false, "candidate_approvers": ["legal"]},
//	            {"name": "财务总监", "candidate_approvers": ["cfo-1", "cfo-2"]}
//	        ]
//	    }`
//	    flowConfig := &approval.ApprovalFlowConfig{}
//	    json.Unmarshal([]byte(flowConfigJSON), flowConfig)
//	    approval.LoadApprovalFlowConfig(flowConfig)
//
//	    // 4. 发起审批
//	    instance, _ := approvalService.StartApproval(context.Background(),
//	        &approval.StartApprovalReq{
//	            FlowID:        "contract_approval",
//	            BusinessType:  "contract",
//	            BusinessID:    "CONTRACT-001",
//	            BusinessTitle: "2026年度采购合同",
//	            CreatedBy:     "alice",
//	            Context:       map[string]any{"amount": 100000},
//	        },
//	    )
//
//	    // 5. 审批人决策
//	    tasks, _ := approvalService.QueryPendingTasks(context.Background(), "manager")
//	    approvalService.ProcessApproval(context.Background(),
//	        &approval.ProcessApprovalReq{
//	            ApprovalRecordID: tasks[0].ID,
//	            Action:           approval.ApprovalActionApprove,
//	            Comment:          "同意",
//	            ProcessorID:      "manager",
//	        },
//	    )
//	    _ = instance
//	}
//
// 审批记录与决策规则：
//
// 发起审批时引擎为每个节点的每个候选人各建一条记录，审批过程就是逐条决策这些记录：
//
//   - 只有当前节点的记录可以决策，后续节点的记录要等指针推进
//   - 指定审批人的记录只有本人能处理；候选人为空的节点生成开放记录，任何人可处理
//   - 多候选人节点首个决策人生效，其余记录立即失效
//   - required=false 的节点在指针到达时自动通过，不需要人工决策
//
// 回退规则：
//
// 审批人提交 back 决策时把流程退回到更早的节点：
//   - 回退点(含)之后的所有记录重置为待处理，之前节点的通过记录保持不变
//   - 触发回退的记录按驳回落库，留下操作痕迹
//   - 回退到第0个节点视为驳回，发起人修改后可以重新发起
//
// 更多示例和文档请访问: https://github.com/blingmoon/simple-approval
package approval
