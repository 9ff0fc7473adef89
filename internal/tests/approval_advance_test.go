package tests

import (
	"context"
	"sync"
	"testing"

	"github.com/blingmoon/simple-approval/approval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestApprovalChainAdvance 测试审批链推进
// 流程: 主管(必审) -> 备案(非必审) -> 终审(双候选人)
func TestApprovalChainAdvance(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	loadFlowConfig(t, `{
		"id": "advance_chain_flow",
		"name": "推进测试",
		"nodes": [
			{"name": "主管", "candidate_approvers": ["alice"]},
			{"name": "备案", "required": false, "candidate_approvers": ["bob"]},
			{"name": "终审", "candidate_approvers": ["carol", "dave"]}
		]
	}`)

	instance, err := service.StartApproval(ctx, &approval.StartApprovalReq{
		FlowID:       "advance_chain_flow",
		BusinessType: "contract",
		BusinessID:   "CHAIN-001",
		CreatedBy:    "alice",
	})
	require.NoError(t, err)
	require.Equal(t, 0, instance.CurrentNodeIndex)

	t.Run("后续节点的记录还不能处理", func(t *testing.T) {
		// carol的记录在第2个节点,指针还没走到
		var carolRecordID int64
		for _, record := range instance.Records {
			if record.AssigneeID == "carol" {
				carolRecordID = record.ID
			}
		}
		require.Greater(t, carolRecordID, int64(0))
		_, err := service.ProcessApproval(ctx, &approval.ProcessApprovalReq{
			ApprovalRecordID: carolRecordID,
			Action:           approval.ApprovalActionApprove,
			ProcessorID:      "carol",
		})
		assert.ErrorIs(t, err, approval.ErrApprovalStateInvalid)

		// 待办列表里能看到这条记录,但决策要等指针走到
		tasks, err := service.QueryPendingTasks(ctx, "carol")
		require.NoError(t, err)
		assert.Len(t, tasks, 1)
	})

	t.Run("指定审批人的记录只有本人能处理", func(t *testing.T) {
		tasks, err := service.QueryPendingTasks(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		_, err = service.ProcessApproval(ctx, &approval.ProcessApprovalReq{
			ApprovalRecordID: tasks[0].ID,
			Action:           approval.ApprovalActionApprove,
			ProcessorID:      "bob",
		})
		assert.ErrorIs(t, err, approval.ErrApprovalPermissionDenied)
	})

	t.Run("通过后跳过非必审节点", func(t *testing.T) {
		tasks, err := service.QueryPendingTasks(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		record, err := service.ProcessApproval(ctx, &approval.ProcessApprovalReq{
			ApprovalRecordID: tasks[0].ID,
			Action:           approval.ApprovalActionApprove,
			Comment:          "同意",
			ProcessorID:      "alice",
		})
		require.NoError(t, err)
		assert.Equal(t, approval.ApprovalActionApprove, record.Action)
		assert.Equal(t, "alice", record.ProcessorID)
		assert.Greater(t, record.ProcessedAt, int64(0))

		// 备案节点自动通过,指针直接走到终审
		status, err := service.QueryApprovalStatus(ctx, "contract", "CHAIN-001")
		require.NoError(t, err)
		assert.Equal(t, 2, status.CurrentNodeIndex)
		assert.Equal(t, approval.ApprovalInstanceStatusPending, status.Status)
		for _, r := range status.Records {
			if r.AssigneeID == "bob" {
				assert.Equal(t, approval.ApprovalActionAuto, r.Action)
				assert.Equal(t, "auto-approved", r.Comment)
			}
		}
	})

	t.Run("记录不能重复决策", func(t *testing.T) {
		status, err := service.QueryApprovalStatus(ctx, "contract", "CHAIN-001")
		require.NoError(t, err)
		var aliceRecordID int64
		for _, r := range status.Records {
			if r.AssigneeID == "alice" {
				aliceRecordID = r.ID
			}
		}
		_, err = service.ProcessApproval(ctx, &approval.ProcessApprovalReq{
			ApprovalRecordID: aliceRecordID,
			Action:           approval.ApprovalActionApprove,
			ProcessorID:      "alice",
		})
		assert.ErrorIs(t, err, approval.ErrApprovalStateInvalid)
	})

	t.Run("首个决策人生效", func(t *testing.T) {
		// carol和dave都有待办
		carolTasks, err := service.QueryPendingTasks(ctx, "carol")
		require.NoError(t, err)
		require.Len(t, carolTasks, 1)
		daveTasks, err := service.QueryPendingTasks(ctx, "dave")
		require.NoError(t, err)
		require.Len(t, daveTasks, 1)

		// dave先处理,carol的记录立即失效
		_, err = service.ProcessApproval(ctx, &approval.ProcessApprovalReq{
			ApprovalRecordID: daveTasks[0].ID,
			Action:           approval.ApprovalActionApprove,
			Comment:          "预算内",
			ProcessorID:      "dave",
		})
		require.NoError(t, err)

		status, err := service.QueryApprovalStatus(ctx, "contract", "CHAIN-001")
		require.NoError(t, err)
		// 最后一个节点通过,实例完成
		assert.Equal(t, approval.ApprovalInstanceStatusCompleted, status.Status)
		for _, r := range status.Records {
			if r.AssigneeID == "carol" {
				assert.Equal(t, approval.ApprovalActionAuto, r.Action)
				assert.Equal(t, "superseded", r.Comment)
			}
		}

		// carol的待办也消失了
		carolTasks, err = service.QueryPendingTasks(ctx, "carol")
		require.NoError(t, err)
		assert.Len(t, carolTasks, 0)
	})

	t.Run("已结束的实例不接受决策", func(t *testing.T) {
		status, err := service.QueryApprovalStatus(ctx, "contract", "CHAIN-001")
		require.NoError(t, err)
		_, err = service.ProcessApproval(ctx, &approval.ProcessApprovalReq{
			ApprovalRecordID: status.Records[0].ID,
			Action:           approval.ApprovalActionApprove,
			ProcessorID:      "alice",
		})
		assert.ErrorIs(t, err, approval.ErrApprovalStateInvalid)
	})
}

// TestApprovalAllOptionalNodes 所有节点都是非必审时发起即完成
func TestApprovalAllOptionalNodes(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	loadFlowConfig(t, `{
		"id": "advance_optional_flow",
		"name": "全自动测试",
		"nodes": [
			{"name": "A", "required": false, "candidate_approvers": ["alice"]},
			{"name": "B", "required": false, "candidate_approvers": ["bob"]}
		]
	}`)

	instance, err := service.StartApproval(ctx, &approval.StartApprovalReq{
		FlowID:       "advance_optional_flow",
		BusinessType: "notice",
		BusinessID:   "NOTICE-001",
		CreatedBy:    "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, approval.ApprovalInstanceStatusCompleted, instance.Status)
	for _, record := range instance.Records {
		assert.Equal(t, approval.ApprovalActionAuto, record.Action)
	}
}

// TestApprovalReject 测试驳回
func TestApprovalReject(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	loadFlowConfig(t, `{
		"id": "advance_reject_flow",
		"name": "驳回测试",
		"nodes": [
			{"name": "A", "candidate_approvers": ["alice"]},
			{"name": "B", "candidate_approvers": ["bob"]}
		]
	}`)

	_, err := service.StartApproval(ctx, &approval.StartApprovalReq{
		FlowID:       "advance_reject_flow",
		BusinessType: "purchase",
		BusinessID:   "PUR-001",
		CreatedBy:    "carol",
	})
	require.NoError(t, err)

	tasks, err := service.QueryPendingTasks(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	record, err := service.ProcessApproval(ctx, &approval.ProcessApprovalReq{
		ApprovalRecordID: tasks[0].ID,
		Action:           approval.ApprovalActionReject,
		Comment:          "预算超了",
		ProcessorID:      "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, approval.ApprovalActionReject, record.Action)

	status, err := service.QueryApprovalStatus(ctx, "purchase", "PUR-001")
	require.NoError(t, err)
	assert.Equal(t, approval.ApprovalInstanceStatusRejected, status.Status)
	// 驳回时指针停在原地
	assert.Equal(t, 0, status.CurrentNodeIndex)

	// 实例终止后bob不会收到待办
	tasks, err = service.QueryPendingTasks(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, tasks, 0)
}

// TestOpenNodeAnyoneCanProcess 候选人为空的节点任何人都可以处理
func TestOpenNodeAnyoneCanProcess(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	loadFlowConfig(t, `{
		"id": "advance_open_flow",
		"name": "开放节点测试",
		"nodes": [{"name": "任意人"}]
	}`)

	instance, err := service.StartApproval(ctx, &approval.StartApprovalReq{
		FlowID:       "advance_open_flow",
		BusinessType: "misc",
		BusinessID:   "MISC-001",
		CreatedBy:    "alice",
	})
	require.NoError(t, err)
	require.Len(t, instance.Records, 1)

	record, err := service.ProcessApproval(ctx, &approval.ProcessApprovalReq{
		ApprovalRecordID: instance.Records[0].ID,
		Action:           approval.ApprovalActionApprove,
		ProcessorID:      "random-user",
	})
	require.NoError(t, err)
	assert.Equal(t, "random-user", record.ProcessorID)

	status, err := service.QueryApprovalStatus(ctx, "misc", "MISC-001")
	require.NoError(t, err)
	assert.Equal(t, approval.ApprovalInstanceStatusCompleted, status.Status)
}

// TestConcurrentStartApproval 并发发起同一个业务对象的审批
// 无论并发还是先后发起,结束后进行中的实例只有一个
func TestConcurrentStartApproval(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	loadFlowConfig(t, `{
		"id": "advance_concurrent_flow",
		"name": "并发测试",
		"nodes": [{"name": "A", "candidate_approvers": ["alice"]}]
	}`)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 并发冲突返回ErrApprovalConflict,停在起点的旧实例可能被回收,都是预期内的结果
			_, _ = service.StartApproval(ctx, &approval.StartApprovalReq{
				FlowID:       "advance_concurrent_flow",
				BusinessType: "ticket",
				BusinessID:   "TICKET-001",
				CreatedBy:    "alice",
			})
		}()
	}
	wg.Wait()

	businessType := "ticket"
	businessID := "TICKET-001"
	count, err := service.CountApprovalInstance(ctx, &approval.QueryApprovalInstanceParams{
		BusinessType: &businessType,
		BusinessID:   &businessID,
		StatusIn:     []string{approval.ApprovalInstanceStatusPending},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
