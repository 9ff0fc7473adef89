package approval

import "github.com/pkg/errors"

var (
	ErrApprovalParamInvalid       = errors.New("approval param invalid")
	ErrApprovalFlowConfigNotFound = errors.New("approval flow config not found")
	// ErrApprovalFlowConfigInvalid: 流程配置不合法,比如没有配置任何节点
	// 场景&应用: 配置录入错误,无论重试多少次都不会成功,需要人工修复配置
	ErrApprovalFlowConfigInvalid = errors.New("approval flow config invalid")
	// ErrApprovalConflict: 同一个业务对象已经有进行中的审批实例
	// 场景&应用: 重复提交审批,调用方不应该重试,需要等上一个审批结束
	ErrApprovalConflict         = errors.New("active approval instance already exists")
	ErrApprovalInstanceNotFound = errors.New("approval instance not found")
	ErrApprovalRecordNotFound   = errors.New("approval record not found")
	// ErrApprovalStateInvalid: 操作在当前状态下不合法
	// 场景&应用: 审批已结束、不是当前节点、记录已处理、回退目标不合法
	ErrApprovalStateInvalid = errors.New("approval state invalid")
	// ErrApprovalPermissionDenied: 操作人和记录指定的审批人/发起人不一致
	ErrApprovalPermissionDenied = errors.New("approval permission denied")
)

type ApprovalInstanceStatus = string

const (
	// 进行中, 等待某个节点的审批人处理
	ApprovalInstanceStatusPending ApprovalInstanceStatus = "pending"
	// 完成, 审批终止状态 普遍含义: 所有节点都通过了
	ApprovalInstanceStatusCompleted ApprovalInstanceStatus = "completed"
	// 驳回, 审批终止状态 普遍含义: 某个节点驳回,或者回退到起点
	ApprovalInstanceStatusRejected ApprovalInstanceStatus = "rejected"
	// 取消, 审批终止状态 普遍含义: 发起人主动撤销,或者被新的审批回收
	ApprovalInstanceStatusCancelled ApprovalInstanceStatus = "canceled"
)

func IsOverApprovalInstanceStatus(status ApprovalInstanceStatus) bool {
	return status == ApprovalInstanceStatusCompleted || status == ApprovalInstanceStatusRejected || status == ApprovalInstanceStatusCancelled
}

func GetApprovalInstanceStatusText(status ApprovalInstanceStatus) string {
	switch status {
	case ApprovalInstanceStatusPending:
		return "审批中"
	case ApprovalInstanceStatusCompleted:
		return "已通过"
	case ApprovalInstanceStatusRejected:
		return "已驳回"
	case ApprovalInstanceStatusCancelled:
		return "已取消"
	}
	return "未知"
}

type ApprovalAction = string

const (
	// 等待处理,记录创建后的初始状态,回退后也会重置回这个状态
	ApprovalActionPending ApprovalAction = "pending"
	ApprovalActionApprove ApprovalAction = "approve"
	ApprovalActionReject  ApprovalAction = "reject"
	// 自动通过,非必审节点推进时由引擎写入,不经过审批人
	ApprovalActionAuto ApprovalAction = "auto"
	// 回退,只作为 ProcessApproval 的入参出现,落库时记为 reject
	ApprovalActionBack ApprovalAction = "back"
)

// IsProcessedApprovalAction 记录是否已经处理过,处理过的记录不允许再次决策
func IsProcessedApprovalAction(action ApprovalAction) bool {
	return action != ApprovalActionPending
}

func GetApprovalActionText(action ApprovalAction) string {
	switch action {
	case ApprovalActionPending:
		return "待处理"
	case ApprovalActionApprove:
		return "通过"
	case ApprovalActionReject:
		return "驳回"
	case ApprovalActionAuto:
		return "自动通过"
	}
	return "未知"
}

const (
	// 非必审节点自动通过时写入的备注
	autoApprovedComment = "auto-approved"
	// 同节点其他候选人的记录被首个决策人终结时写入的备注
	supersededComment = "superseded"
)

// IsSeriousError 用于判断是否是严重错误，如果是严重错误，则打error级别日志，
// 否则打warn级别日志
// 严重错误定义：需要人工介入处理，
// 1. 配置或者数据缺失,当前审批实例没有办法正常运行
// 2. 权限或者冲突类错误不算严重错误,是正常的业务拦截
func IsSeriousError(err error) bool {
	if err == nil {
		// 空error不算严重错误
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, ErrApprovalFlowConfigNotFound) ||
		errors.Is(causeErr, ErrApprovalFlowConfigInvalid) ||
		errors.Is(causeErr, ErrApprovalInstanceNotFound) ||
		errors.Is(causeErr, ErrApprovalRecordNotFound) {
		return true
	}
	return false
}
