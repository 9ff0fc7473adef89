package approval

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
)

var businessStatusProjectors = sync.Map{}

// BusinessStatusProjector 业务状态投影器,需要外部实现
// 审批实例状态变化(创建/通过/驳回/取消)时回调,把审批状态映射到业务实体自己的状态字段
// 投影是尽力而为的: 回调失败只记录日志,不会导致审批操作回滚
type BusinessStatusProjector interface {
	/**
	 * @description: 实例状态变化通知
	 * @param ctx context.Context 上下文,和触发操作处于同一个事务内
	 * @param instance *ApprovalInstanceEntity 变化后的审批实例,不包含审批记录明细
	 * @return error 返回的错误只用于日志,不会向上传播
	 */
	OnInstanceStatusChanged(ctx context.Context, instance *ApprovalInstanceEntity) error
}

/*
*
  - @description: 注册业务状态投影器,一个businessType只能注册一个
  - @param businessType string
  - @param projector BusinessStatusProjector
  - @return error
*/
func RegisterBusinessStatusProjector(businessType string, projector BusinessStatusProjector) error {
	if projector == nil {
		return errors.New("projector is nil")
	}
	if _, ok := businessStatusProjectors.Load(businessType); ok {
		return errors.New(fmt.Sprintf("projector already registered, businessType: %s", businessType))
	}
	businessStatusProjectors.Store(businessType, projector)
	return nil
}

func getBusinessStatusProjector(businessType string) (BusinessStatusProjector, bool) {
	projector, ok := businessStatusProjectors.Load(businessType)
	if !ok {
		return nil, false
	}
	projectorHandler, ok := projector.(BusinessStatusProjector)
	if !ok {
		return nil, false
	}
	return projectorHandler, true
}

type ProjectorFunc func(ctx context.Context, instance *ApprovalInstanceEntity) error

// NormalBusinessProjector 函数式投影器,大部分业务用闭包注册即可
type NormalBusinessProjector struct {
	handler ProjectorFunc
}

func (p NormalBusinessProjector) OnInstanceStatusChanged(ctx context.Context, instance *ApprovalInstanceEntity) error {
	if p.handler == nil {
		return nil
	}
	return p.handler(ctx, instance)
}

func NewNormalBusinessProjector(f ProjectorFunc) *NormalBusinessProjector {
	return &NormalBusinessProjector{handler: f}
}

// notifyBusinessStatus 通知业务投影器,状态变化时调用
// 投影器的错误和panic都在这里兜住,审批事务不能因为投影失败回滚
func (s *ApprovalServiceImpl) notifyBusinessStatus(ctx context.Context, instancePo *ApprovalInstancePo) {
	if instancePo == nil {
		return
	}
	projector, ok := getBusinessStatusProjector(instancePo.BusinessType)
	if !ok {
		// 没有注册投影器,正常情况,业务方可能只用查询接口
		return
	}
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			slog.ErrorContext(ctx, fmt.Sprintf("OnInstanceStatusChanged panic: %v, approvalInstanceID: %d, businessType: %s, stack: %s", r, instancePo.ID, instancePo.BusinessType, string(stack)))
		}
	}()
	err := projector.OnInstanceStatusChanged(ctx, newApprovalInstanceEntity(instancePo))
	if err != nil {
		if IsSeriousError(err) {
			slog.ErrorContext(ctx, fmt.Sprintf("[error]OnInstanceStatusChanged failed, approvalInstanceID: %d, businessType: %s, err: %v", instancePo.ID, instancePo.BusinessType, err))
		} else {
			slog.WarnContext(ctx, fmt.Sprintf("[warn]OnInstanceStatusChanged failed, approvalInstanceID: %d, businessType: %s, err: %v", instancePo.ID, instancePo.BusinessType, err))
		}
	}
}
