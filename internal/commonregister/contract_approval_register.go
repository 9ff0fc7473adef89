package commonregister

import (
	"context"
	"encoding/json"
	"time"

	"github.com/blingmoon/simple-approval/approval"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ContractApprovalFlowID 示例合同审批流ID,examples和测试共用
const ContractApprovalFlowID = "contract_approval"

// ContractBusinessType 示例业务类型
const ContractBusinessType = "contract"

// ContractPo 示例业务表,审批结论通过投影器写回 approval_status 字段
type ContractPo struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ContractNo     string `gorm:"column:contract_no"` // 合同编号,作为审批的businessID
	Title          string `gorm:"column:title"`
	ApprovalStatus string `gorm:"column:approval_status"` // 同步自审批实例状态
	UpdatedAt      int64  `gorm:"column:updated_at"`
}

func (ContractPo) TableName() string {
	return "contract"
}

// RegisterContractApproval 注册合同审批流和状态投影器
// 流程结构：直属主管 -> 法务备案(非必审) -> 财务总监(两个候选人)
func RegisterContractApproval(db *gorm.DB) error {
	// 1. 定义审批流配置
	flowConfigJson := `{
		"id": "contract_approval",
		"name": "合同审批",
		"nodes": [
			{
				"name": "直属主管",
				"candidate_approvers": ["manager"]
			},
			{
				"name": "法务备案",
				"required": false,
				"candidate_approvers": ["legal"]
			},
			{
				"name": "财务总监",
				"candidate_approvers": ["cfo-1", "cfo-2"]
			}
		]
	}`

	flowConfig := &approval.ApprovalFlowConfig{}
	if err := json.Unmarshal([]byte(flowConfigJson), flowConfig); err != nil {
		return errors.Wrap(err, "unmarshal approval flow config failed")
	}

	// 2. 加载审批流配置
	if err := approval.LoadApprovalFlowConfig(flowConfig); err != nil {
		return errors.Wrap(err, "load approval flow config failed")
	}

	// 3. 注册状态投影器,把审批实例状态写回合同表
	err := approval.RegisterBusinessStatusProjector(ContractBusinessType, approval.NewNormalBusinessProjector(
		func(ctx context.Context, instance *approval.ApprovalInstanceEntity) error {
			return db.WithContext(ctx).Model(&ContractPo{}).
				Where("contract_no = ?", instance.BusinessID).
				Updates(map[string]any{
					"approval_status": instance.Status,
					"updated_at":      time.Now().Unix(),
				}).Error
		},
	))
	if err != nil {
		return errors.Wrap(err, "register contract projector failed")
	}
	return nil
}
