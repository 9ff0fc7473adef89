package tests

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/blingmoon/simple-approval/approval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupTestService 创建测试服务,每个测试用独立的内存数据库
func setupTestService(t *testing.T) approval.ApprovalService {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&approval.ApprovalInstancePo{}, &approval.ApprovalRecordPo{})
	require.NoError(t, err)

	repo := approval.NewApprovalRepo(db)
	lock := approval.NewLocalApprovalLock()
	return approval.NewApprovalService(repo, lock)
}

// loadFlowConfig 加载审批流配置,流程配置是进程级全局的,ID需要全局唯一
func loadFlowConfig(t *testing.T, configJSON string) {
	var config approval.ApprovalFlowConfig
	err := json.Unmarshal([]byte(configJSON), &config)
	require.NoError(t, err)
	err = approval.LoadApprovalFlowConfig(&config)
	require.NoError(t, err)
}

// TestApprovalFlowConfig 测试审批流配置加载
func TestApprovalFlowConfig(t *testing.T) {
	t.Run("加载并获取定义", func(t *testing.T) {
		loadFlowConfig(t, `{
			"id": "basic_config_flow",
			"name": "配置测试",
			"nodes": [
				{"name": "节点1", "candidate_approvers": ["alice", "alice", "bob"]},
				{"name": "节点2", "required": false}
			]
		}`)

		definition, err := approval.GetApprovalFlowDefinition("basic_config_flow")
		require.NoError(t, err)
		require.Len(t, definition.Nodes, 2)
		// 候选人去重
		assert.Equal(t, []string{"alice", "bob"}, definition.Nodes[0].CandidateApprovers)
		// required不填默认true
		assert.True(t, definition.Nodes[0].Required)
		assert.False(t, definition.Nodes[1].Required)
	})

	t.Run("重复加载同一个ID", func(t *testing.T) {
		loadFlowConfig(t, `{"id": "basic_dup_flow", "name": "dup", "nodes": [{"name": "A"}]}`)
		err := approval.LoadApprovalFlowConfig(&approval.ApprovalFlowConfig{
			ID:    "basic_dup_flow",
			Nodes: []*approval.ApprovalNodeConfig{{Name: "A"}},
		})
		assert.Error(t, err)
	})

	t.Run("没有节点的配置", func(t *testing.T) {
		loadFlowConfig(t, `{"id": "basic_empty_flow", "name": "empty", "nodes": []}`)
		_, err := approval.GetApprovalFlowDefinition("basic_empty_flow")
		assert.ErrorIs(t, err, approval.ErrApprovalFlowConfigInvalid)
	})

	t.Run("节点名重复的配置", func(t *testing.T) {
		loadFlowConfig(t, `{"id": "basic_dupnode_flow", "name": "dupnode", "nodes": [{"name": "A"}, {"name": "A"}]}`)
		_, err := approval.GetApprovalFlowDefinition("basic_dupnode_flow")
		assert.ErrorIs(t, err, approval.ErrApprovalFlowConfigInvalid)
	})

	t.Run("不存在的配置", func(t *testing.T) {
		_, err := approval.GetApprovalFlowDefinition("basic_not_exist_flow")
		assert.ErrorIs(t, err, approval.ErrApprovalFlowConfigNotFound)
	})
}

// TestStartApprovalBasic 测试发起审批
func TestStartApprovalBasic(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	loadFlowConfig(t, `{
		"id": "basic_start_flow",
		"name": "发起测试",
		"nodes": [
			{"name": "主管", "candidate_approvers": ["manager"]},
			{"name": "财务", "candidate_approvers": ["cfo-1", "cfo-2"]},
			{"name": "开放节点"}
		]
	}`)

	t.Run("发起审批并创建记录", func(t *testing.T) {
		instance, err := service.StartApproval(ctx, &approval.StartApprovalReq{
			FlowID:        "basic_start_flow",
			BusinessType:  "order",
			BusinessID:    "ORDER-001",
			BusinessTitle: "测试订单",
			CreatedBy:     "alice",
			Context:       map[string]any{"amount": 100},
		})
		require.NoError(t, err)
		require.NotNil(t, instance)
		assert.Greater(t, instance.ID, int64(0))
		assert.Equal(t, approval.ApprovalInstanceStatusPending, instance.Status)
		assert.Equal(t, 0, instance.CurrentNodeIndex)

		// 每个节点每个候选人一条记录,开放节点一条空审批人记录
		require.Len(t, instance.Records, 4)
		assert.Equal(t, "manager", instance.Records[0].AssigneeID)
		assert.Equal(t, "cfo-1", instance.Records[1].AssigneeID)
		assert.Equal(t, "cfo-2", instance.Records[2].AssigneeID)
		assert.Equal(t, "", instance.Records[3].AssigneeID)
		for _, record := range instance.Records {
			assert.Equal(t, approval.ApprovalActionPending, record.Action)
			assert.Equal(t, int64(0), record.ProcessedAt)
		}

		// 表单快照可以读回
		amount, ok := instance.FormContext.GetFloat64("amount")
		assert.True(t, ok)
		assert.Equal(t, float64(100), amount)
	})

	t.Run("指定审批人覆盖候选人", func(t *testing.T) {
		instance, err := service.StartApproval(ctx, &approval.StartApprovalReq{
			FlowID:            "basic_start_flow",
			BusinessType:      "order",
			BusinessID:        "ORDER-002",
			CreatedBy:         "alice",
			SelectedAssignees: map[int]string{1: "cfo-2"},
		})
		require.NoError(t, err)
		// 财务节点只剩指定的一条记录
		require.Len(t, instance.Records, 3)
		assert.Equal(t, "cfo-2", instance.Records[1].AssigneeID)
	})

	t.Run("参数校验", func(t *testing.T) {
		_, err := service.StartApproval(ctx, &approval.StartApprovalReq{
			FlowID:       "basic_start_flow",
			BusinessType: "order",
			// 缺少BusinessID和CreatedBy
		})
		assert.ErrorIs(t, err, approval.ErrApprovalParamInvalid)

		_, err = service.StartApproval(ctx, &approval.StartApprovalReq{
			FlowID:            "basic_start_flow",
			BusinessType:      "order",
			BusinessID:        "ORDER-003",
			CreatedBy:         "alice",
			SelectedAssignees: map[int]string{99: "nobody"},
		})
		assert.ErrorIs(t, err, approval.ErrApprovalParamInvalid)
	})

	t.Run("不存在的审批流", func(t *testing.T) {
		_, err := service.StartApproval(ctx, &approval.StartApprovalReq{
			FlowID:       "basic_no_such_flow",
			BusinessType: "order",
			BusinessID:   "ORDER-004",
			CreatedBy:    "alice",
		})
		assert.ErrorIs(t, err, approval.ErrApprovalFlowConfigNotFound)
	})
}

// TestStartApprovalConflict 测试同一业务对象的唯一进行中实例约束
func TestStartApprovalConflict(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	loadFlowConfig(t, `{
		"id": "basic_conflict_flow",
		"name": "冲突测试",
		"nodes": [
			{"name": "A", "candidate_approvers": ["alice"]},
			{"name": "B", "candidate_approvers": ["bob"]}
		]
	}`)

	t.Run("停在起点的实例被回收", func(t *testing.T) {
		first, err := service.StartApproval(ctx, &approval.StartApprovalReq{
			FlowID:       "basic_conflict_flow",
			BusinessType: "leave",
			BusinessID:   "LEAVE-001",
			CreatedBy:    "alice",
		})
		require.NoError(t, err)

		// 第一个实例还停在第0个节点,没有任何实质进展,重新发起会回收它
		second, err := service.StartApproval(ctx, &approval.StartApprovalReq{
			FlowID:       "basic_conflict_flow",
			BusinessType: "leave",
			BusinessID:   "LEAVE-001",
			CreatedBy:    "alice",
		})
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)

		pos, err := service.QueryApprovalInstancePo(ctx, &approval.QueryApprovalInstanceParams{
			ApprovalInstanceID: &first.ID,
			Page:               &approval.Pager{Page: 1, Size: 1},
		})
		require.NoError(t, err)
		require.Len(t, pos, 1)
		assert.Equal(t, approval.ApprovalInstanceStatusCancelled, pos[0].Status)
	})

	t.Run("已推进的实例不能被顶掉", func(t *testing.T) {
		instance, err := service.StartApproval(ctx, &approval.StartApprovalReq{
			FlowID:       "basic_conflict_flow",
			BusinessType: "leave",
			BusinessID:   "LEAVE-002",
			CreatedBy:    "alice",
		})
		require.NoError(t, err)

		// alice通过后实例推进到第1个节点
		_, err = service.ProcessApproval(ctx, &approval.ProcessApprovalReq{
			ApprovalRecordID: instance.Records[0].ID,
			Action:           approval.ApprovalActionApprove,
			ProcessorID:      "alice",
		})
		require.NoError(t, err)

		_, err = service.StartApproval(ctx, &approval.StartApprovalReq{
			FlowID:       "basic_conflict_flow",
			BusinessType: "leave",
			BusinessID:   "LEAVE-002",
			CreatedBy:    "alice",
		})
		assert.ErrorIs(t, err, approval.ErrApprovalConflict)
	})

	t.Run("审批通过后的业务可以直接重新发起", func(t *testing.T) {
		first, err := service.StartApproval(ctx, &approval.StartApprovalReq{
			FlowID:       "basic_conflict_flow",
			BusinessType: "leave",
			BusinessID:   "LEAVE-003",
			CreatedBy:    "alice",
		})
		require.NoError(t, err)

		// 最后一个节点通过后实例进入completed
		_, err = service.ProcessApproval(ctx, &approval.ProcessApprovalReq{
			ApprovalRecordID: first.Records[0].ID,
			Action:           approval.ApprovalActionApprove,
			ProcessorID:      "alice",
		})
		require.NoError(t, err)
		_, err = service.ProcessApproval(ctx, &approval.ProcessApprovalReq{
			ApprovalRecordID: first.Records[1].ID,
			Action:           approval.ApprovalActionApprove,
			ProcessorID:      "bob",
		})
		require.NoError(t, err)

		status, err := service.QueryApprovalStatus(ctx, "leave", "LEAVE-003")
		require.NoError(t, err)
		require.NotNil(t, status)
		require.Equal(t, approval.ApprovalInstanceStatusCompleted, status.Status)

		// 没有进行中的实例,重新发起不需要回收,直接创建新实例
		second, err := service.StartApproval(ctx, &approval.StartApprovalReq{
			FlowID:       "basic_conflict_flow",
			BusinessType: "leave",
			BusinessID:   "LEAVE-003",
			CreatedBy:    "alice",
		})
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)
		assert.Equal(t, approval.ApprovalInstanceStatusPending, second.Status)

		// 旧实例保持completed,不会被动到
		pos, err := service.QueryApprovalInstancePo(ctx, &approval.QueryApprovalInstanceParams{
			ApprovalInstanceID: &first.ID,
			Page:               &approval.Pager{Page: 1, Size: 1},
		})
		require.NoError(t, err)
		require.Len(t, pos, 1)
		assert.Equal(t, approval.ApprovalInstanceStatusCompleted, pos[0].Status)
	})
}

// TestCancelApproval 测试取消审批
func TestCancelApproval(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	loadFlowConfig(t, `{
		"id": "basic_cancel_flow",
		"name": "取消测试",
		"nodes": [{"name": "A", "candidate_approvers": ["bob"]}]
	}`)

	instance, err := service.StartApproval(ctx, &approval.StartApprovalReq{
		FlowID:       "basic_cancel_flow",
		BusinessType: "expense",
		BusinessID:   "EXP-001",
		CreatedBy:    "alice",
	})
	require.NoError(t, err)

	t.Run("非发起人不能取消", func(t *testing.T) {
		_, err := service.CancelApproval(ctx, &approval.CancelApprovalReq{
			ApprovalInstanceID: instance.ID,
			OperatorID:         "bob",
		})
		assert.ErrorIs(t, err, approval.ErrApprovalPermissionDenied)
	})

	t.Run("发起人取消", func(t *testing.T) {
		canceled, err := service.CancelApproval(ctx, &approval.CancelApprovalReq{
			ApprovalInstanceID: instance.ID,
			OperatorID:         "alice",
		})
		require.NoError(t, err)
		assert.Equal(t, approval.ApprovalInstanceStatusCancelled, canceled.Status)

		// 取消后bob的待办消失
		tasks, err := service.QueryPendingTasks(ctx, "bob")
		require.NoError(t, err)
		assert.Len(t, tasks, 0)
	})

	t.Run("已结束的实例不能再取消", func(t *testing.T) {
		_, err := service.CancelApproval(ctx, &approval.CancelApprovalReq{
			ApprovalInstanceID: instance.ID,
			OperatorID:         "alice",
		})
		assert.ErrorIs(t, err, approval.ErrApprovalStateInvalid)
	})

	t.Run("取消不存在的实例", func(t *testing.T) {
		_, err := service.CancelApproval(ctx, &approval.CancelApprovalReq{
			ApprovalInstanceID: 99999,
			OperatorID:         "alice",
		})
		assert.ErrorIs(t, err, approval.ErrApprovalInstanceNotFound)
	})
}

// TestQueryApprovalStatus 测试状态查询
func TestQueryApprovalStatus(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	t.Run("没有发起过审批", func(t *testing.T) {
		instance, err := service.QueryApprovalStatus(ctx, "order", "NO-SUCH-ORDER")
		require.NoError(t, err)
		assert.Nil(t, instance)
	})

	t.Run("返回最近一次审批", func(t *testing.T) {
		loadFlowConfig(t, `{
			"id": "basic_status_flow",
			"name": "状态测试",
			"nodes": [{"name": "A", "candidate_approvers": ["alice"]}]
		}`)

		first, err := service.StartApproval(ctx, &approval.StartApprovalReq{
			FlowID:       "basic_status_flow",
			BusinessType: "order",
			BusinessID:   "ORDER-STATUS-001",
			CreatedBy:    "alice",
		})
		require.NoError(t, err)

		// 第一个实例停在起点被回收,第二个实例是最近一次
		second, err := service.StartApproval(ctx, &approval.StartApprovalReq{
			FlowID:       "basic_status_flow",
			BusinessType: "order",
			BusinessID:   "ORDER-STATUS-001",
			CreatedBy:    "alice",
		})
		require.NoError(t, err)
		_ = first

		status, err := service.QueryApprovalStatus(ctx, "order", "ORDER-STATUS-001")
		require.NoError(t, err)
		require.NotNil(t, status)
		assert.Equal(t, second.ID, status.ID)
		assert.Len(t, status.Records, 1)
	})
}

// TestCountApprovalInstance 测试实例统计
func TestCountApprovalInstance(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	loadFlowConfig(t, `{
		"id": "basic_count_flow",
		"name": "统计测试",
		"nodes": [{"name": "A", "candidate_approvers": ["alice"]}]
	}`)

	for i := 0; i < 3; i++ {
		_, err := service.StartApproval(ctx, &approval.StartApprovalReq{
			FlowID:       "basic_count_flow",
			BusinessType: "order",
			BusinessID:   string(rune('A' + i)),
			CreatedBy:    "alice",
		})
		require.NoError(t, err)
	}

	count, err := service.CountApprovalInstance(ctx, &approval.QueryApprovalInstanceParams{
		FlowIDIn: []string{"basic_count_flow"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = service.CountApprovalInstance(ctx, &approval.QueryApprovalInstanceParams{
		FlowIDIn: []string{"basic_count_flow"},
		StatusIn: []string{approval.ApprovalInstanceStatusPending},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
