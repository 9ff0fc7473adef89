package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type ApprovalInstancePo struct {
	ID               int64                  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	FlowID           string                 `gorm:"column:flow_id" json:"flow_id"`
	BusinessType     string                 `gorm:"column:business_type" json:"business_type"`
	BusinessID       string                 `gorm:"column:business_id" json:"business_id"`
	BusinessTitle    string                 `gorm:"column:business_title" json:"business_title"`
	CurrentNodeIndex int64                  `gorm:"column:current_node_index" json:"current_node_index"`
	Status           ApprovalInstanceStatus `gorm:"column:status" json:"status"`
	FormContext      []byte                 `gorm:"column:form_context" json:"form_context"` // 发起审批时的表单快照
	CreatedBy        string                 `gorm:"column:created_by" json:"created_by"`
	CreatedAt        int64                  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        int64                  `gorm:"column:updated_at" json:"updated_at"`
}

func (ApprovalInstancePo) TableName() string {
	return "approval_instance"
}

type ApprovalRecordPo struct {
	ID                 int64          `gorm:"column:id;primaryKey;autoIncrement"`
	ApprovalInstanceID int64          `gorm:"column:approval_instance_id"`
	NodeIndex          int64          `gorm:"column:node_index"`
	NodeName           string         `gorm:"column:node_name"`    // 节点名称快照,冗余字段,防止配置变更后无法回溯
	AssigneeID         string         `gorm:"column:assignee_id"`  // 指定审批人,空串表示开放记录,任何人都可以处理
	ProcessorID        string         `gorm:"column:processor_id"` // 实际处理人
	Action             ApprovalAction `gorm:"column:action"`
	Comment            string         `gorm:"column:comment"`
	ProcessedAt        int64          `gorm:"column:processed_at"` // 处理时间,0表示未处理
	CreatedAt          int64          `gorm:"column:created_at"`
	UpdatedAt          int64          `gorm:"column:updated_at"`
}

func (ApprovalRecordPo) TableName() string {
	return "approval_record"
}

type QueryApprovalInstanceParams struct {
	ApprovalInstanceID *int64   `json:"approval_instance_id"`
	IDIn               []int64  `json:"id_in"`
	FlowIDIn           []string `json:"flow_id_in"`
	BusinessType       *string  `json:"business_type"`
	BusinessID         *string  `json:"business_id"`
	StatusIn           []string `json:"status_in"`
	IDGreaterThan      *int64   `json:"id_greater_than"`
	OrderbyIDAsc       *bool    `json:"orderby_id_asc"`
	Page               *Pager   `json:"page"`
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type QueryApprovalRecordParams struct {
	ApprovalRecordID     *int64   `json:"approval_record_id"`
	ApprovalInstanceID   *int64   `json:"approval_instance_id"`
	NodeIndex            *int64   `json:"node_index"`
	NodeIndexGreaterThan *int64   `json:"node_index_greater_than"`
	AssigneeID           *string  `json:"assignee_id"`
	ActionIn             []string `json:"action_in"`
	OrderbyIDAsc         *bool    `json:"orderby_id_asc"`
	Page                 *Pager   `json:"page"`
}

type UpdateApprovalInstanceParams struct {
	Where    *UpdateApprovalInstanceWhere `json:"where" validate:"required"`
	Fields   *UpdateApprovalInstanceField `json:"field" validate:"required"`
	LimitMax int                          `json:"limit_max" validate:"required"`
}

type UpdateApprovalInstanceWhere struct {
	IDIn     []int64  `json:"id_in"`
	StatusIn []string `json:"status_in"`
}

type UpdateApprovalInstanceField struct {
	Status           *string `json:"status"`
	CurrentNodeIndex *int64  `json:"current_node_index"`
}

type UpdateApprovalRecordParams struct {
	Where    *UpdateApprovalRecordWhere `json:"where" validate:"required"`
	Fields   *UpdateApprovalRecordField `json:"field" validate:"required"`
	LimitMax int                        `json:"limit_max" validate:"required"`
}

type UpdateApprovalRecordWhere struct {
	IDIn []int64 `json:"id_in"`
}

type UpdateApprovalRecordField struct {
	Action      *string `json:"action"`
	ProcessorID *string `json:"processor_id"`
	Comment     *string `json:"comment"`
	ProcessedAt *int64  `json:"processed_at"`
}

type approvalRepo struct {
	db *gorm.DB
}

func NewApprovalRepo(db *gorm.DB) ApprovalRepo {
	return &approvalRepo{
		db: db,
	}
}

func (r *approvalRepo) CreateApprovalInstance(ctx context.Context, approvalInstance *ApprovalInstancePo) (*ApprovalInstancePo, error) {
	if approvalInstance == nil {
		return nil, fmt.Errorf("nil ApprovalInstancePo")
	}
	approvalInstance.CreatedAt = time.Now().Unix()
	approvalInstance.UpdatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(approvalInstance).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateApprovalInstance failed")
	}
	return approvalInstance, nil
}

func (r *approvalRepo) CreateApprovalRecord(ctx context.Context, approvalRecord *ApprovalRecordPo) (*ApprovalRecordPo, error) {
	if approvalRecord == nil {
		return nil, errors.New("nil ApprovalRecordPo")
	}
	approvalRecord.CreatedAt = time.Now().Unix()
	approvalRecord.UpdatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(approvalRecord).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateApprovalRecord failed")
	}
	return approvalRecord, nil
}

func buildQueryApprovalInstanceParams(db *gorm.DB, isCount bool, param *QueryApprovalInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryApprovalInstanceParams")
	}
	if param.ApprovalInstanceID != nil {
		db = db.Where("id = ?", param.ApprovalInstanceID)
	}
	if len(param.IDIn) != 0 {
		db = db.Where("id IN ?", param.IDIn)
	}
	if len(param.FlowIDIn) != 0 {
		db = db.Where("flow_id IN ?", param.FlowIDIn)
	}
	if param.BusinessType != nil {
		db = db.Where("business_type = ?", param.BusinessType)
	}
	if param.BusinessID != nil {
		db = db.Where("business_id = ?", param.BusinessID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.IDGreaterThan != nil {
		db = db.Where("id > ?", param.IDGreaterThan)
	}
	if param.OrderbyIDAsc != nil && !isCount {
		// 排序处理
		if *param.OrderbyIDAsc {
			db = db.Order("id asc")
		} else {
			db = db.Order("id desc")
		}
	}
	if !isCount {
		if param.Page == nil {
			return nil, errors.New("page is nil")
		}
		if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
			// 不分页显示指定了true
			return db, nil
		}
		if param.Page.Page == 0 {
			param.Page.Page = 1
		}
		if param.Page.Size == 0 {
			param.Page.Size = 10
		}
		db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	}
	return db, nil
}

func (r *approvalRepo) QueryApprovalInstance(ctx context.Context, param *QueryApprovalInstanceParams) ([]*ApprovalInstancePo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryApprovalInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&ApprovalInstancePo{})
	db, err := buildQueryApprovalInstanceParams(db, false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryApprovalInstanceParams failed")
	}
	pos := make([]*ApprovalInstancePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryApprovalInstance failed")
	}
	return pos, nil
}

func (r *approvalRepo) CountApprovalInstance(ctx context.Context, param *QueryApprovalInstanceParams) (int64, error) {
	if param == nil {
		return 0, fmt.Errorf("nil QueryApprovalInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&ApprovalInstancePo{})
	db, err := buildQueryApprovalInstanceParams(db, true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryApprovalInstanceParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountApprovalInstance failed")
	}
	return count, nil
}

func buildQueryApprovalRecordParams(db *gorm.DB, param *QueryApprovalRecordParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryApprovalRecordParams")
	}
	if param.ApprovalRecordID != nil {
		db = db.Where("id = ?", param.ApprovalRecordID)
	}
	if param.ApprovalInstanceID != nil {
		db = db.Where("approval_instance_id = ?", param.ApprovalInstanceID)
	}
	if param.NodeIndex != nil {
		db = db.Where("node_index = ?", param.NodeIndex)
	}
	if param.NodeIndexGreaterThan != nil {
		db = db.Where("node_index > ?", param.NodeIndexGreaterThan)
	}
	if param.AssigneeID != nil {
		db = db.Where("assignee_id = ?", param.AssigneeID)
	}
	if len(param.ActionIn) != 0 {
		db = db.Where("action IN ?", param.ActionIn)
	}
	if param.OrderbyIDAsc != nil {
		if *param.OrderbyIDAsc {
			db = db.Order("id asc")
		} else {
			db = db.Order("id desc")
		}
	}
	if param.Page == nil {
		return nil, errors.New("page is nil")
	}
	if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
		return db, nil
	}
	if param.Page.Page == 0 {
		param.Page.Page = 1
	}
	if param.Page.Size == 0 {
		param.Page.Size = 10
	}
	db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	return db, nil
}

func (r *approvalRepo) QueryApprovalRecord(ctx context.Context, param *QueryApprovalRecordParams) ([]*ApprovalRecordPo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryApprovalRecordParams")
	}
	db := r.GetDBWithContext(ctx).Model(&ApprovalRecordPo{})
	db, err := buildQueryApprovalRecordParams(db, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryApprovalRecordParams failed")
	}
	pos := make([]*ApprovalRecordPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryApprovalRecord failed")
	}
	return pos, nil
}

func buildUpdateApprovalInstanceParams(db *gorm.DB, param *UpdateApprovalInstanceParams) (*gorm.DB, error) {
	isHasWhere := false
	if param == nil {
		return nil, errors.New("nil UpdateApprovalInstanceParams")
	}
	if param.Where == nil {
		return nil, errors.New("where is nil")
	}
	if param.Fields == nil {
		return nil, errors.New("fields is nil")
	}
	if len(param.Where.IDIn) > 0 {
		isHasWhere = true
		db = db.Where("id IN ?", param.Where.IDIn)
	}
	if len(param.Where.StatusIn) > 0 {
		isHasWhere = true
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	if !isHasWhere {
		return db, errors.New("update approval instance need where condition, please check")
	}
	return db, nil
}

func buildUpdateApprovalInstanceFields(fields *UpdateApprovalInstanceField) (map[string]any, error) {
	updateFields := make(map[string]interface{})
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.CurrentNodeIndex != nil {
		updateFields["current_node_index"] = *fields.CurrentNodeIndex
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	return updateFields, nil
}

func (r *approvalRepo) UpdateApprovalInstance(ctx context.Context, param *UpdateApprovalInstanceParams) error {
	if param == nil {
		return fmt.Errorf("nil UpdateApprovalInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&ApprovalInstancePo{})
	db, err := buildUpdateApprovalInstanceParams(db, param)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateApprovalInstanceParams failed")
	}
	updateFields, err := buildUpdateApprovalInstanceFields(param.Fields)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateApprovalInstanceFields failed")
	}
	if err := db.Updates(updateFields).Limit(param.LimitMax).Error; err != nil {
		return errors.WithMessage(err, "UpdateApprovalInstance failed")
	}
	return nil
}

func buildUpdateApprovalRecordParams(db *gorm.DB, param *UpdateApprovalRecordParams) (*gorm.DB, error) {
	isHasWhere := false
	if param == nil {
		return nil, errors.New("nil UpdateApprovalRecordParams")
	}
	if param.Where == nil {
		return nil, errors.New("where is nil")
	}
	if len(param.Where.IDIn) > 0 {
		isHasWhere = true
		db = db.Where("id IN ?", param.Where.IDIn)
	}
	if !isHasWhere {
		return db, errors.New("update approval record need where condition, please check")
	}
	return db, nil
}

func buildUpdateApprovalRecordFields(fields *UpdateApprovalRecordField) (map[string]interface{}, error) {
	updateFields := make(map[string]interface{})
	if fields.Action != nil {
		updateFields["action"] = *fields.Action
	}
	if fields.ProcessorID != nil {
		updateFields["processor_id"] = *fields.ProcessorID
	}
	if fields.Comment != nil {
		updateFields["comment"] = *fields.Comment
	}
	if fields.ProcessedAt != nil {
		updateFields["processed_at"] = *fields.ProcessedAt
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	return updateFields, nil
}

func (r *approvalRepo) UpdateApprovalRecord(ctx context.Context, param *UpdateApprovalRecordParams) error {
	if param == nil {
		return fmt.Errorf("nil UpdateApprovalRecordParams")
	}
	db := r.GetDBWithContext(ctx).Model(&ApprovalRecordPo{})
	db, err := buildUpdateApprovalRecordParams(db, param)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateApprovalRecordParams failed")
	}
	updateFields, err := buildUpdateApprovalRecordFields(param.Fields)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateApprovalRecordFields failed")
	}
	if err := db.Updates(updateFields).Limit(param.LimitMax).Error; err != nil {
		return errors.WithMessage(err, "UpdateApprovalRecord failed")
	}
	return nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *approvalRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		// 没有事务，直接返回db即可
		return r.db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

func (r *approvalRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	ctxTX := ctx.Value(transactionContextKey)
	var err error
	if ctxTX == nil {
		tx := r.db.Begin()
		defer func() {
			if err != nil {
				tx.Rollback()
			} else {
				tx.Commit()
			}
		}()
		newCtx := context.WithValue(ctx, transactionContextKey, tx)
		err = fn(newCtx)
		return err
	}
	return fn(ctx)
}
