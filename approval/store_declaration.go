package approval

import (
	"context"
)

type ApprovalRepo interface {
	CreateApprovalInstance(ctx context.Context, approvalInstance *ApprovalInstancePo) (*ApprovalInstancePo, error)
	CreateApprovalRecord(ctx context.Context, approvalRecord *ApprovalRecordPo) (*ApprovalRecordPo, error)
	QueryApprovalInstance(ctx context.Context, param *QueryApprovalInstanceParams) ([]*ApprovalInstancePo, error)
	CountApprovalInstance(ctx context.Context, param *QueryApprovalInstanceParams) (int64, error)
	QueryApprovalRecord(ctx context.Context, param *QueryApprovalRecordParams) ([]*ApprovalRecordPo, error)
	UpdateApprovalInstance(ctx context.Context, param *UpdateApprovalInstanceParams) error
	UpdateApprovalRecord(ctx context.Context, param *UpdateApprovalRecordParams) error
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
