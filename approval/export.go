package approval

import (
	"context"

	"github.com/go-playground/validator/v10"
)

// 指针辅助函数,用于构造查询/更新参数
func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }
func Int64(i int64) *int64    { return &i }

var validatorUtil = validator.New()

type ApprovalService interface {
	/**
	 * @description: 发起审批
	 *				 同一个业务对象(businessType+businessID)同一时刻只能有一个进行中的审批实例;
	 *				 如果已有实例停在第0个节点且后续节点都没有决策过,视为废单,自动取消后重新发起
	 *				 创建后会自动跳过开头的非必审节点
	 * @param ctx context.Context
	 * @param req *StartApprovalReq
	 * @return *ApprovalInstanceEntity, error 返回创建后的实例,包含全部审批记录
	 */
	StartApproval(ctx context.Context, req *StartApprovalReq) (*ApprovalInstanceEntity, error)
	/**
	 * @description: 提交审批决策,approve/reject/back三种
	 *				 approve会自动推进到下一个需要人工决策的节点,走完最后一个节点时实例变成completed
	 *				 reject直接终止实例
	 *				 back回退到更早的节点,重置回退点之后(含)的所有记录;回退到第0个节点时实例变成rejected
	 *				 一个审批实例只会被一个goroutine操作,如果有其他goroutine正在操作该实例，则返回错误
	 * @param ctx context.Context
	 * @param req *ProcessApprovalReq
	 * @return *ApprovalRecordEntity, error 返回处理后的记录
	 */
	ProcessApproval(ctx context.Context, req *ProcessApprovalReq) (*ApprovalRecordEntity, error)
	/**
	 * @description: 取消审批,只有发起人可以取消,只有进行中的实例可以取消
	 * @param ctx context.Context
	 * @param req *CancelApprovalReq
	 * @return *ApprovalInstanceEntity, error
	 */
	CancelApproval(ctx context.Context, req *CancelApprovalReq) (*ApprovalInstanceEntity, error)
	/**
	 * @description: 查询某个审批人的待办记录
	 *				 只返回所属实例还在进行中、且记录本身还没处理的记录,按创建顺序从旧到新
	 * @param ctx context.Context
	 * @param approverID string
	 * @return []*ApprovalRecordEntity, error
	 */
	QueryPendingTasks(ctx context.Context, approverID string) ([]*ApprovalRecordEntity, error)
	/**
	 * @description: 查询业务对象最近一次审批的状态,任何状态都会返回
	 *				 没有发起过审批时返回nil,不算错误
	 * @param ctx context.Context
	 * @param businessType string
	 * @param businessID string
	 * @return *ApprovalInstanceEntity, error 包含全部审批记录明细
	 */
	QueryApprovalStatus(ctx context.Context, businessType string, businessID string) (*ApprovalInstanceEntity, error)
	/**
	 * @description: 查询审批实例数量,给运营后台使用
	 * @param ctx context.Context
	 * @param params *QueryApprovalInstanceParams
	 * @return int64, error
	 */
	CountApprovalInstance(ctx context.Context, params *QueryApprovalInstanceParams) (int64, error)
	/**
	 * @description: 查询审批实例Po,给运营后台使用
	 * @param ctx context.Context
	 * @param params *QueryApprovalInstanceParams
	 * @return []*ApprovalInstancePo, error
	 */
	QueryApprovalInstancePo(ctx context.Context, params *QueryApprovalInstanceParams) ([]*ApprovalInstancePo, error)
}

// ApprovalServiceImpl 审批服务
type ApprovalServiceImpl struct {
	repo        ApprovalRepo
	executeLock ApprovalLock
}

func NewApprovalService(repo ApprovalRepo, executeLock ApprovalLock) ApprovalService {
	return &ApprovalServiceImpl{repo: repo, executeLock: executeLock}
}
