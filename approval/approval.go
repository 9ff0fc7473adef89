package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// 单次审批操作持锁的最大时间,超时自动释放,防止进程异常退出后锁死业务对象
const approvalOpMaxLockTime = 10 * time.Minute

type StartApprovalReq struct {
	FlowID        string `json:"flow_id" validate:"required"`       // 审批流ID
	BusinessType  string `json:"business_type" validate:"required"` // 业务类型,如 contract
	BusinessID    string `json:"business_id" validate:"required"`   // 业务对象ID
	BusinessTitle string `json:"business_title"`                    // 业务对象标题,展示用
	CreatedBy     string `json:"created_by" validate:"required"`    // 发起人
	// 按节点下标指定审批人,覆盖节点配置的候选人;没有指定的节点用配置的候选人
	SelectedAssignees map[int]string `json:"selected_assignees"`
	// 表单快照,可以为空
	Context map[string]any `json:"context"`
}

type ProcessApprovalReq struct {
	ApprovalRecordID int64  `json:"approval_record_id" validate:"gt=0"`
	Action           string `json:"action" validate:"required,oneof=approve reject back"`
	Comment          string `json:"comment"`
	ProcessorID      string `json:"processor_id" validate:"required"`
	// 回退目标节点下标, action == back 时必填,必须小于当前节点
	BackToNodeIndex *int `json:"back_to_node_index"`
}

type CancelApprovalReq struct {
	ApprovalInstanceID int64  `json:"approval_instance_id" validate:"gt=0"`
	OperatorID         string `json:"operator_id" validate:"required"`
}

// ApprovalInstanceEntity 审批实例entity
type ApprovalInstanceEntity struct {
	ID               int64
	FlowID           string
	BusinessType     string
	BusinessID       string
	BusinessTitle    string
	CurrentNodeIndex int
	Status           ApprovalInstanceStatus
	FormContext      *JSONContext
	CreatedBy        string
	CreatedAt        int64
	UpdatedAt        int64
	Records          []*ApprovalRecordEntity
}

// ApprovalRecordEntity 审批记录entity
type ApprovalRecordEntity struct {
	ID                 int64
	ApprovalInstanceID int64
	NodeIndex          int
	NodeName           string
	AssigneeID         string // 空串表示开放记录,任何人都可以处理
	ProcessorID        string
	Action             ApprovalAction
	Comment            string
	ProcessedAt        int64 // 0表示未处理
	CreatedAt          int64
	UpdatedAt          int64
}

func newApprovalInstanceEntity(po *ApprovalInstancePo) *ApprovalInstanceEntity {
	return &ApprovalInstanceEntity{
		ID:               po.ID,
		FlowID:           po.FlowID,
		BusinessType:     po.BusinessType,
		BusinessID:       po.BusinessID,
		BusinessTitle:    po.BusinessTitle,
		CurrentNodeIndex: int(po.CurrentNodeIndex),
		Status:           po.Status,
		FormContext:      NewJSONContext(po.FormContext),
		CreatedBy:        po.CreatedBy,
		CreatedAt:        po.CreatedAt,
		UpdatedAt:        po.UpdatedAt,
	}
}

func newApprovalRecordEntity(po *ApprovalRecordPo) *ApprovalRecordEntity {
	return &ApprovalRecordEntity{
		ID:                 po.ID,
		ApprovalInstanceID: po.ApprovalInstanceID,
		NodeIndex:          int(po.NodeIndex),
		NodeName:           po.NodeName,
		AssigneeID:         po.AssigneeID,
		ProcessorID:        po.ProcessorID,
		Action:             po.Action,
		Comment:            po.Comment,
		ProcessedAt:        po.ProcessedAt,
		CreatedAt:          po.CreatedAt,
		UpdatedAt:          po.UpdatedAt,
	}
}

func approvalBusinessLockKey(businessType string, businessID string) string {
	return fmt.Sprintf("approval_business_%s_%s", businessType, businessID)
}

func approvalInstanceLockKey(approvalInstanceID int64) string {
	return fmt.Sprintf("approval_instance_%d", approvalInstanceID)
}

func (s *ApprovalServiceImpl) StartApproval(ctx context.Context, req *StartApprovalReq) (*ApprovalInstanceEntity, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrApprovalParamInvalid, "StartApproval failed, req: %v,err: %v", req, err)
	}
	definition, err := GetApprovalFlowDefinition(req.FlowID)
	if err != nil {
		return nil, errors.WithMessagef(err, "GetApprovalFlowDefinition failed, flowID: %s", req.FlowID)
	}
	for nodeIndex := range req.SelectedAssignees {
		if nodeIndex < 0 || nodeIndex >= len(definition.Nodes) {
			return nil, errors.Wrapf(ErrApprovalParamInvalid, "selected assignee node index out of range, flowID: %s, index: %d", req.FlowID, nodeIndex)
		}
	}

	var ret *ApprovalInstanceEntity
	// 业务对象维度加锁,存在性检查和创建必须在同一个锁里,
	// 否则两个并发的发起请求都会通过"没有进行中实例"的检查;
	// 进行中实例只会在业务锁内创建,所以锁内的这次读是稳定的
	err = s.executeLock.NonBlockingSynchronized(ctx,
		approvalBusinessLockKey(req.BusinessType, req.BusinessID),
		approvalOpMaxLockTime,
		func(ctx context.Context) error {
			pendings, err := s.repo.QueryApprovalInstance(ctx, &QueryApprovalInstanceParams{
				BusinessType: &req.BusinessType,
				BusinessID:   &req.BusinessID,
				StatusIn:     []string{ApprovalInstanceStatusPending},
				OrderbyIDAsc: Bool(false),
				Page: &Pager{
					Page: 1,
					Size: 1,
				},
			})
			if err != nil {
				return errors.WithMessagef(err, "QueryApprovalInstance failed, businessType: %s, businessID: %s", req.BusinessType, req.BusinessID)
			}
			if len(pendings) == 0 {
				ret, err = s.startApprovalInstance(ctx, req, definition, nil)
				return err
			}
			reclaimable, err := s.isReclaimableInstance(ctx, pendings[0])
			if err != nil {
				return errors.WithMessagef(err, "isReclaimableInstance failed, approvalInstanceID: %d", pendings[0].ID)
			}
			if !reclaimable {
				return errors.WithMessagef(ErrApprovalConflict, "active approval exists, businessType: %s, businessID: %s, approvalInstanceID: %d", req.BusinessType, req.BusinessID, pendings[0].ID)
			}
			// 回收会取消别的调用方可能正在决策的实例,对实例的变更必须持有实例锁;
			// 拿不到说明该实例上有处理正在进行,等同于审批仍然活跃
			return s.executeLock.NonBlockingSynchronized(ctx,
				approvalInstanceLockKey(pendings[0].ID),
				approvalOpMaxLockTime,
				func(ctx context.Context) error {
					var err error
					ret, err = s.startApprovalInstance(ctx, req, definition, pendings[0])
					return err
				})
		})
	if err != nil {
		if errors.Is(err, LockFailedError) {
			// 同一个业务对象的并发发起,等价于已有进行中的审批
			return nil, errors.WithMessagef(ErrApprovalConflict, "concurrent start, businessType: %s, businessID: %s, err: %v", req.BusinessType, req.BusinessID, err)
		}
		return nil, err
	}
	return ret, nil
}

// startApprovalInstance 在事务里创建并推进新实例;reclaim 不为空时先回收停在起点的废单
// 调用方必须持有业务锁,回收时还必须持有 reclaim 的实例锁
func (s *ApprovalServiceImpl) startApprovalInstance(ctx context.Context, req *StartApprovalReq, definition *ApprovalFlowDefinition, reclaim *ApprovalInstancePo) (*ApprovalInstanceEntity, error) {
	var ret *ApprovalInstanceEntity
	err := s.repo.Transaction(ctx, func(ctx context.Context) error {
		if reclaim != nil {
			if err := s.reclaimApprovalInstance(ctx, reclaim.ID); err != nil {
				return err
			}
		}

		formContext := NewJSONContextFromMap(req.Context)
		instancePo, err := s.repo.CreateApprovalInstance(ctx, &ApprovalInstancePo{
			FlowID:           req.FlowID,
			BusinessType:     req.BusinessType,
			BusinessID:       req.BusinessID,
			BusinessTitle:    req.BusinessTitle,
			CurrentNodeIndex: 0,
			Status:           ApprovalInstanceStatusPending,
			FormContext:      formContext.ToBytesWithoutError(),
			CreatedBy:        req.CreatedBy,
		})
		if err != nil {
			return errors.WithMessagef(err, "CreateApprovalInstance failed, businessType: %s, businessID: %s", req.BusinessType, req.BusinessID)
		}

		// 为每个节点的每个候选人创建一条记录;候选人为空时创建一条开放记录
		for i, node := range definition.Nodes {
			assignees := node.CandidateApprovers
			if selected, ok := req.SelectedAssignees[i]; ok {
				assignees = []string{selected}
			}
			if len(assignees) == 0 {
				assignees = []string{""}
			}
			for _, assignee := range assignees {
				_, err := s.repo.CreateApprovalRecord(ctx, &ApprovalRecordPo{
					ApprovalInstanceID: instancePo.ID,
					NodeIndex:          int64(i),
					NodeName:           node.Name,
					AssigneeID:         assignee,
					Action:             ApprovalActionPending,
				})
				if err != nil {
					return errors.WithMessagef(err, "CreateApprovalRecord failed, approvalInstanceID: %d, nodeIndex: %d", instancePo.ID, i)
				}
			}
		}

		s.notifyBusinessStatus(ctx, instancePo)

		// 开头可能是非必审节点,创建后立刻推进
		if err := s.autoAdvance(ctx, instancePo, definition); err != nil {
			return errors.WithMessagef(err, "autoAdvance failed, approvalInstanceID: %d", instancePo.ID)
		}
		ret, err = s.assembleApprovalInstanceEntity(ctx, instancePo)
		if err != nil {
			return errors.WithMessagef(err, "assembleApprovalInstanceEntity failed, approvalInstanceID: %d", instancePo.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// reclaimApprovalInstance 取消停在起点的废单
// 拿到实例锁之前做的判断可能已经过期,锁内重新读实例再校验:
// 已经结束的实例直接跳过,有了实质进展的报冲突
func (s *ApprovalServiceImpl) reclaimApprovalInstance(ctx context.Context, approvalInstanceID int64) error {
	currents, err := s.repo.QueryApprovalInstance(ctx, &QueryApprovalInstanceParams{
		ApprovalInstanceID: &approvalInstanceID,
	})
	if err != nil {
		return errors.WithMessagef(err, "QueryApprovalInstance failed, approvalInstanceID: %d", approvalInstanceID)
	}
	if len(currents) == 0 || IsOverApprovalInstanceStatus(currents[0].Status) {
		return nil
	}
	current := currents[0]
	reclaimable, err := s.isReclaimableInstance(ctx, current)
	if err != nil {
		return errors.WithMessagef(err, "isReclaimableInstance failed, approvalInstanceID: %d", current.ID)
	}
	if !reclaimable {
		return errors.WithMessagef(ErrApprovalConflict, "active approval exists, businessType: %s, businessID: %s, approvalInstanceID: %d", current.BusinessType, current.BusinessID, current.ID)
	}
	err = s.repo.UpdateApprovalInstance(ctx, &UpdateApprovalInstanceParams{
		Where: &UpdateApprovalInstanceWhere{
			IDIn:     []int64{current.ID},
			StatusIn: []string{ApprovalInstanceStatusPending},
		},
		Fields: &UpdateApprovalInstanceField{
			Status: String(ApprovalInstanceStatusCancelled),
		},
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateApprovalInstance failed, approvalInstanceID: %d", current.ID)
	}
	current.Status = ApprovalInstanceStatusCancelled
	s.notifyBusinessStatus(ctx, current)
	return nil
}

// isReclaimableInstance 判断进行中的实例是否是可以回收的废单
// 条件: 停在第0个节点,且第0个节点之后的记录从来没有被决策过(approve/reject)
// 回退到起点的实例记录已经全部重置,同样满足这个条件
func (s *ApprovalServiceImpl) isReclaimableInstance(ctx context.Context, instancePo *ApprovalInstancePo) (bool, error) {
	if instancePo.CurrentNodeIndex != 0 {
		return false, nil
	}
	decided, err := s.repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{
		ApprovalInstanceID:   &instancePo.ID,
		NodeIndexGreaterThan: Int64(0),
		ActionIn:             []string{ApprovalActionApprove, ApprovalActionReject},
		Page: &Pager{
			Page: 1,
			Size: 1,
		},
	})
	if err != nil {
		return false, errors.WithMessagef(err, "QueryApprovalRecord failed, approvalInstanceID: %d", instancePo.ID)
	}
	return len(decided) == 0, nil
}

// autoAdvance 自动推进当前节点指针
// 处理两件事: 1.非必审节点自动通过 2.已通过的节点向后推进,走完最后一个节点时实例完成
// 用有界循环代替递归,节点下标每轮严格递增,最多走 len(nodes) 步
// 对已经通过的节点重复调用是幂等的,记录不再是pending就不会重复写
func (s *ApprovalServiceImpl) autoAdvance(ctx context.Context, instancePo *ApprovalInstancePo, definition *ApprovalFlowDefinition) error {
	for step := 0; step <= len(definition.Nodes); step++ {
		idx := int(instancePo.CurrentNodeIndex)
		if idx < 0 || idx >= len(definition.Nodes) {
			// 指针越界,completion在推进时已经处理,不会出现这种情况
			slog.ErrorContext(ctx, fmt.Sprintf("currentNodeIndex out of range, approvalInstanceID: %d, index: %d", instancePo.ID, idx))
			return nil
		}
		node := definition.Nodes[idx]
		records, err := s.repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{
			ApprovalInstanceID: &instancePo.ID,
			NodeIndex:          Int64(int64(idx)),
			OrderbyIDAsc:       Bool(true),
			Page: &Pager{
				IsNoLimit: Bool(true),
			},
		})
		if err != nil {
			return errors.WithMessagef(err, "QueryApprovalRecord failed, approvalInstanceID: %d, nodeIndex: %d", instancePo.ID, idx)
		}
		if len(records) == 0 {
			// 节点没有记录,数据异常,停止推进等待人工排查
			slog.ErrorContext(ctx, fmt.Sprintf("approval node has no records, approvalInstanceID: %d, nodeIndex: %d", instancePo.ID, idx))
			return nil
		}

		if !node.Required {
			// 非必审节点,把还在等待的记录标记为自动通过
			now := time.Now().Unix()
			pendingIDs := make([]int64, 0)
			for _, record := range records {
				if record.Action == ApprovalActionPending {
					pendingIDs = append(pendingIDs, record.ID)
				}
			}
			if len(pendingIDs) > 0 {
				err = s.repo.UpdateApprovalRecord(ctx, &UpdateApprovalRecordParams{
					Where: &UpdateApprovalRecordWhere{
						IDIn: pendingIDs,
					},
					Fields: &UpdateApprovalRecordField{
						Action:      String(ApprovalActionAuto),
						Comment:     String(autoApprovedComment),
						ProcessedAt: Int64(now),
					},
					LimitMax: len(pendingIDs),
				})
				if err != nil {
					return errors.WithMessagef(err, "UpdateApprovalRecord failed, approvalInstanceID: %d, nodeIndex: %d", instancePo.ID, idx)
				}
				for _, record := range records {
					if record.Action == ApprovalActionPending {
						record.Action = ApprovalActionAuto
						record.Comment = autoApprovedComment
						record.ProcessedAt = now
					}
				}
			}
		}

		// 首个通过的记录即视为节点通过;驳回的终止逻辑在决策入口处理,这里不推进
		isCleared := false
		for _, record := range records {
			if record.Action == ApprovalActionReject {
				return nil
			}
			if record.Action == ApprovalActionApprove || record.Action == ApprovalActionAuto {
				isCleared = true
			}
		}
		if !isCleared {
			// 等待人工决策
			return nil
		}

		next := idx + 1
		if next == len(definition.Nodes) {
			// 最后一个节点通过,实例完成
			instancePo.Status = ApprovalInstanceStatusCompleted
			instancePo.UpdatedAt = time.Now().Unix()
			err = s.repo.UpdateApprovalInstance(ctx, &UpdateApprovalInstanceParams{
				Where: &UpdateApprovalInstanceWhere{
					IDIn:     []int64{instancePo.ID},
					StatusIn: []string{ApprovalInstanceStatusPending},
				},
				Fields: &UpdateApprovalInstanceField{
					Status: String(ApprovalInstanceStatusCompleted),
				},
				LimitMax: 1,
			})
			if err != nil {
				return errors.WithMessagef(err, "UpdateApprovalInstance failed, approvalInstanceID: %d", instancePo.ID)
			}
			s.notifyBusinessStatus(ctx, instancePo)
			return nil
		}
		instancePo.CurrentNodeIndex = int64(next)
		instancePo.UpdatedAt = time.Now().Unix()
		err = s.repo.UpdateApprovalInstance(ctx, &UpdateApprovalInstanceParams{
			Where: &UpdateApprovalInstanceWhere{
				IDIn: []int64{instancePo.ID},
			},
			Fields: &UpdateApprovalInstanceField{
				CurrentNodeIndex: Int64(int64(next)),
			},
			LimitMax: 1,
		})
		if err != nil {
			return errors.WithMessagef(err, "UpdateApprovalInstance failed, approvalInstanceID: %d", instancePo.ID)
		}
	}
	return nil
}

func (s *ApprovalServiceImpl) ProcessApproval(ctx context.Context, req *ProcessApprovalReq) (*ApprovalRecordEntity, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrApprovalParamInvalid, "ProcessApproval failed, req: %v,err: %v", req, err)
	}
	if req.Action == ApprovalActionBack && req.BackToNodeIndex == nil {
		return nil, errors.Wrapf(ErrApprovalParamInvalid, "back action requires backToNodeIndex, approvalRecordID: %d", req.ApprovalRecordID)
	}
	// 锁外先查一次记录拿实例ID,锁内会重新读
	recordPos, err := s.repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{
		ApprovalRecordID: &req.ApprovalRecordID,
		Page: &Pager{
			Page: 1,
			Size: 1,
		},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryApprovalRecord failed, approvalRecordID: %d", req.ApprovalRecordID)
	}
	if len(recordPos) == 0 {
		return nil, errors.WithMessagef(ErrApprovalRecordNotFound, "approval record not found, approvalRecordID: %d", req.ApprovalRecordID)
	}
	approvalInstanceID := recordPos[0].ApprovalInstanceID

	var ret *ApprovalRecordEntity
	err = s.executeLock.NonBlockingSynchronized(ctx,
		approvalInstanceLockKey(approvalInstanceID),
		approvalOpMaxLockTime,
		func(ctx context.Context) error {
			return s.repo.Transaction(ctx, func(ctx context.Context) error {
				// 锁内重新读取记录和实例,锁外读到的可能已经过期
				recordPos, err := s.repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{
					ApprovalRecordID: &req.ApprovalRecordID,
					Page: &Pager{
						Page: 1,
						Size: 1,
					},
				})
				if err != nil {
					return errors.WithMessagef(err, "QueryApprovalRecord failed, approvalRecordID: %d", req.ApprovalRecordID)
				}
				if len(recordPos) == 0 {
					return errors.WithMessagef(ErrApprovalRecordNotFound, "approval record not found, approvalRecordID: %d", req.ApprovalRecordID)
				}
				recordPo := recordPos[0]
				instancePos, err := s.repo.QueryApprovalInstance(ctx, &QueryApprovalInstanceParams{
					ApprovalInstanceID: &recordPo.ApprovalInstanceID,
					Page: &Pager{
						Page: 1,
						Size: 1,
					},
				})
				if err != nil {
					return errors.WithMessagef(err, "QueryApprovalInstance failed, approvalInstanceID: %d", recordPo.ApprovalInstanceID)
				}
				if len(instancePos) == 0 {
					return errors.WithMessagef(ErrApprovalInstanceNotFound, "approval instance not found, approvalInstanceID: %d", recordPo.ApprovalInstanceID)
				}
				instancePo := instancePos[0]

				if IsOverApprovalInstanceStatus(instancePo.Status) {
					return errors.WithMessagef(ErrApprovalStateInvalid, "approval already concluded, approvalInstanceID: %d, status: %s", instancePo.ID, instancePo.Status)
				}
				if recordPo.NodeIndex != instancePo.CurrentNodeIndex {
					return errors.WithMessagef(ErrApprovalStateInvalid, "not the active node, approvalRecordID: %d, nodeIndex: %d, currentNodeIndex: %d", recordPo.ID, recordPo.NodeIndex, instancePo.CurrentNodeIndex)
				}
				if recordPo.AssigneeID != "" && recordPo.AssigneeID != req.ProcessorID {
					return errors.WithMessagef(ErrApprovalPermissionDenied, "record assigned to another approver, approvalRecordID: %d, assigneeID: %s, processorID: %s", recordPo.ID, recordPo.AssigneeID, req.ProcessorID)
				}
				if IsProcessedApprovalAction(recordPo.Action) {
					return errors.WithMessagef(ErrApprovalStateInvalid, "record already decided, approvalRecordID: %d, action: %s", recordPo.ID, recordPo.Action)
				}

				definition, err := GetApprovalFlowDefinition(instancePo.FlowID)
				if err != nil {
					return errors.WithMessagef(err, "GetApprovalFlowDefinition failed, flowID: %s", instancePo.FlowID)
				}

				switch req.Action {
				case ApprovalActionApprove:
					err = s.processApprove(ctx, instancePo, recordPo, definition, req)
				case ApprovalActionReject:
					err = s.processReject(ctx, instancePo, recordPo, req)
				case ApprovalActionBack:
					err = s.processBack(ctx, instancePo, recordPo, req)
				default:
					err = errors.Wrapf(ErrApprovalParamInvalid, "unknown action: %s", req.Action)
				}
				if err != nil {
					return err
				}

				// 返回处理后的最新记录
				refreshed, err := s.repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{
					ApprovalRecordID: &req.ApprovalRecordID,
					Page: &Pager{
						Page: 1,
						Size: 1,
					},
				})
				if err != nil {
					return errors.WithMessagef(err, "QueryApprovalRecord failed, approvalRecordID: %d", req.ApprovalRecordID)
				}
				if len(refreshed) == 0 {
					return errors.WithMessagef(ErrApprovalRecordNotFound, "approval record not found after process, approvalRecordID: %d", req.ApprovalRecordID)
				}
				ret = newApprovalRecordEntity(refreshed[0])
				return nil
			})
		})
	if err != nil {
		return nil, errors.WithMessagef(err, "ProcessApproval failed, approvalRecordID: %d", req.ApprovalRecordID)
	}
	return ret, nil
}

// processApprove 通过当前记录并推进
func (s *ApprovalServiceImpl) processApprove(ctx context.Context, instancePo *ApprovalInstancePo, recordPo *ApprovalRecordPo, definition *ApprovalFlowDefinition, req *ProcessApprovalReq) error {
	now := time.Now().Unix()
	err := s.repo.UpdateApprovalRecord(ctx, &UpdateApprovalRecordParams{
		Where: &UpdateApprovalRecordWhere{
			IDIn: []int64{recordPo.ID},
		},
		Fields: &UpdateApprovalRecordField{
			Action:      String(ApprovalActionApprove),
			ProcessorID: String(req.ProcessorID),
			Comment:     String(req.Comment),
			ProcessedAt: Int64(now),
		},
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateApprovalRecord failed, approvalRecordID: %d", recordPo.ID)
	}
	// 首个决策人生效,同节点其余候选人的记录立即失效,不能留着一直pending
	if err := s.supersedeSiblingRecords(ctx, instancePo, recordPo, now); err != nil {
		return errors.WithMessagef(err, "supersedeSiblingRecords failed, approvalRecordID: %d", recordPo.ID)
	}
	if err := s.autoAdvance(ctx, instancePo, definition); err != nil {
		return errors.WithMessagef(err, "autoAdvance failed, approvalInstanceID: %d", instancePo.ID)
	}
	return nil
}

// processReject 驳回,实例直接终止,当前节点指针不动
func (s *ApprovalServiceImpl) processReject(ctx context.Context, instancePo *ApprovalInstancePo, recordPo *ApprovalRecordPo, req *ProcessApprovalReq) error {
	now := time.Now().Unix()
	err := s.repo.UpdateApprovalRecord(ctx, &UpdateApprovalRecordParams{
		Where: &UpdateApprovalRecordWhere{
			IDIn: []int64{recordPo.ID},
		},
		Fields: &UpdateApprovalRecordField{
			Action:      String(ApprovalActionReject),
			ProcessorID: String(req.ProcessorID),
			Comment:     String(req.Comment),
			ProcessedAt: Int64(now),
		},
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateApprovalRecord failed, approvalRecordID: %d", recordPo.ID)
	}
	if err := s.supersedeSiblingRecords(ctx, instancePo, recordPo, now); err != nil {
		return errors.WithMessagef(err, "supersedeSiblingRecords failed, approvalRecordID: %d", recordPo.ID)
	}
	instancePo.Status = ApprovalInstanceStatusRejected
	instancePo.UpdatedAt = now
	err = s.repo.UpdateApprovalInstance(ctx, &UpdateApprovalInstanceParams{
		Where: &UpdateApprovalInstanceWhere{
			IDIn:     []int64{instancePo.ID},
			StatusIn: []string{ApprovalInstanceStatusPending},
		},
		Fields: &UpdateApprovalInstanceField{
			Status: String(ApprovalInstanceStatusRejected),
		},
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateApprovalInstance failed, approvalInstanceID: %d", instancePo.ID)
	}
	s.notifyBusinessStatus(ctx, instancePo)
	return nil
}

// processBack 回退,当前记录按驳回落库,然后重置节点指针
func (s *ApprovalServiceImpl) processBack(ctx context.Context, instancePo *ApprovalInstancePo, recordPo *ApprovalRecordPo, req *ProcessApprovalReq) error {
	now := time.Now().Unix()
	err := s.repo.UpdateApprovalRecord(ctx, &UpdateApprovalRecordParams{
		Where: &UpdateApprovalRecordWhere{
			IDIn: []int64{recordPo.ID},
		},
		Fields: &UpdateApprovalRecordField{
			Action:      String(ApprovalActionReject),
			ProcessorID: String(req.ProcessorID),
			Comment:     String(req.Comment),
			ProcessedAt: Int64(now),
		},
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateApprovalRecord failed, approvalRecordID: %d", recordPo.ID)
	}
	if err := s.backToNode(ctx, instancePo, *req.BackToNodeIndex); err != nil {
		return errors.WithMessagef(err, "backToNode failed, approvalInstanceID: %d, target: %d", instancePo.ID, *req.BackToNodeIndex)
	}
	return nil
}

// backToNode 把节点指针回退到更早的节点
// 回退点之后(含回退点和触发回退的节点)的所有记录重置为待处理
// 回退到第0个节点视为驳回,发起人可以重新发起(走StartApproval的废单回收)
func (s *ApprovalServiceImpl) backToNode(ctx context.Context, instancePo *ApprovalInstancePo, targetIndex int) error {
	if targetIndex < 0 {
		return errors.WithMessagef(ErrApprovalStateInvalid, "back target must be non-negative, target: %d", targetIndex)
	}
	if int64(targetIndex) >= instancePo.CurrentNodeIndex {
		return errors.WithMessagef(ErrApprovalStateInvalid, "can only return to an earlier node, target: %d, currentNodeIndex: %d", targetIndex, instancePo.CurrentNodeIndex)
	}
	allRecords, err := s.getAllApprovalRecordPo(ctx, instancePo.ID)
	if err != nil {
		return errors.WithMessagef(err, "getAllApprovalRecordPo failed, approvalInstanceID: %d", instancePo.ID)
	}
	resetRecordIDs := make([]int64, 0)
	for _, recordPo := range allRecords {
		if recordPo.NodeIndex >= int64(targetIndex) {
			resetRecordIDs = append(resetRecordIDs, recordPo.ID)
		}
	}
	if len(resetRecordIDs) > 0 {
		err = s.repo.UpdateApprovalRecord(ctx, &UpdateApprovalRecordParams{
			Where: &UpdateApprovalRecordWhere{
				IDIn: resetRecordIDs,
			},
			Fields: &UpdateApprovalRecordField{
				Action:      String(ApprovalActionPending),
				ProcessorID: String(""),
				Comment:     String(""),
				ProcessedAt: Int64(0),
			},
			LimitMax: len(resetRecordIDs),
		})
		if err != nil {
			return errors.WithMessagef(err, "UpdateApprovalRecord failed, approvalInstanceID: %d", instancePo.ID)
		}
	}

	instancePo.CurrentNodeIndex = int64(targetIndex)
	instancePo.UpdatedAt = time.Now().Unix()
	fields := &UpdateApprovalInstanceField{
		CurrentNodeIndex: Int64(int64(targetIndex)),
	}
	isStatusChanged := false
	if targetIndex == 0 {
		// 回到起点,对发起人来说和驳回没有区别
		instancePo.Status = ApprovalInstanceStatusRejected
		fields.Status = String(ApprovalInstanceStatusRejected)
		isStatusChanged = true
	}
	err = s.repo.UpdateApprovalInstance(ctx, &UpdateApprovalInstanceParams{
		Where: &UpdateApprovalInstanceWhere{
			IDIn: []int64{instancePo.ID},
		},
		Fields:   fields,
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateApprovalInstance failed, approvalInstanceID: %d", instancePo.ID)
	}
	if isStatusChanged {
		s.notifyBusinessStatus(ctx, instancePo)
	}
	return nil
}

// supersedeSiblingRecords 同节点其余还在等待的候选人记录标记为失效
func (s *ApprovalServiceImpl) supersedeSiblingRecords(ctx context.Context, instancePo *ApprovalInstancePo, recordPo *ApprovalRecordPo, now int64) error {
	siblings, err := s.repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{
		ApprovalInstanceID: &instancePo.ID,
		NodeIndex:          Int64(recordPo.NodeIndex),
		ActionIn:           []string{ApprovalActionPending},
		Page: &Pager{
			IsNoLimit: Bool(true),
		},
	})
	if err != nil {
		return errors.WithMessagef(err, "QueryApprovalRecord failed, approvalInstanceID: %d, nodeIndex: %d", instancePo.ID, recordPo.NodeIndex)
	}
	siblingIDs := make([]int64, 0)
	for _, sibling := range siblings {
		if sibling.ID == recordPo.ID {
			continue
		}
		siblingIDs = append(siblingIDs, sibling.ID)
	}
	if len(siblingIDs) == 0 {
		return nil
	}
	err = s.repo.UpdateApprovalRecord(ctx, &UpdateApprovalRecordParams{
		Where: &UpdateApprovalRecordWhere{
			IDIn: siblingIDs,
		},
		Fields: &UpdateApprovalRecordField{
			Action:      String(ApprovalActionAuto),
			Comment:     String(supersededComment),
			ProcessedAt: Int64(now),
		},
		LimitMax: len(siblingIDs),
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateApprovalRecord failed, approvalInstanceID: %d, nodeIndex: %d", instancePo.ID, recordPo.NodeIndex)
	}
	return nil
}

func (s *ApprovalServiceImpl) CancelApproval(ctx context.Context, req *CancelApprovalReq) (*ApprovalInstanceEntity, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrApprovalParamInvalid, "CancelApproval failed, req: %v,err: %v", req, err)
	}
	var ret *ApprovalInstanceEntity
	err := s.executeLock.NonBlockingSynchronized(ctx,
		approvalInstanceLockKey(req.ApprovalInstanceID),
		approvalOpMaxLockTime,
		func(ctx context.Context) error {
			return s.repo.Transaction(ctx, func(ctx context.Context) error {
				instancePos, err := s.repo.QueryApprovalInstance(ctx, &QueryApprovalInstanceParams{
					ApprovalInstanceID: &req.ApprovalInstanceID,
					Page: &Pager{
						Page: 1,
						Size: 1,
					},
				})
				if err != nil {
					return errors.WithMessagef(err, "QueryApprovalInstance failed, approvalInstanceID: %d", req.ApprovalInstanceID)
				}
				if len(instancePos) == 0 {
					return errors.WithMessagef(ErrApprovalInstanceNotFound, "approval instance not found, approvalInstanceID: %d", req.ApprovalInstanceID)
				}
				instancePo := instancePos[0]
				if IsOverApprovalInstanceStatus(instancePo.Status) {
					return errors.WithMessagef(ErrApprovalStateInvalid, "approval already concluded, approvalInstanceID: %d, status: %s", instancePo.ID, instancePo.Status)
				}
				if instancePo.CreatedBy != req.OperatorID {
					return errors.WithMessagef(ErrApprovalPermissionDenied, "only creator can cancel, approvalInstanceID: %d, createdBy: %s, operatorID: %s", instancePo.ID, instancePo.CreatedBy, req.OperatorID)
				}
				instancePo.Status = ApprovalInstanceStatusCancelled
				instancePo.UpdatedAt = time.Now().Unix()
				err = s.repo.UpdateApprovalInstance(ctx, &UpdateApprovalInstanceParams{
					Where: &UpdateApprovalInstanceWhere{
						IDIn:     []int64{instancePo.ID},
						StatusIn: []string{ApprovalInstanceStatusPending},
					},
					Fields: &UpdateApprovalInstanceField{
						Status: String(ApprovalInstanceStatusCancelled),
					},
					LimitMax: 1,
				})
				if err != nil {
					return errors.WithMessagef(err, "UpdateApprovalInstance failed, approvalInstanceID: %d", instancePo.ID)
				}
				s.notifyBusinessStatus(ctx, instancePo)
				ret, err = s.assembleApprovalInstanceEntity(ctx, instancePo)
				if err != nil {
					return errors.WithMessagef(err, "assembleApprovalInstanceEntity failed, approvalInstanceID: %d", instancePo.ID)
				}
				return nil
			})
		})
	if err != nil {
		return nil, errors.WithMessagef(err, "CancelApproval failed, approvalInstanceID: %d", req.ApprovalInstanceID)
	}
	return ret, nil
}

func (s *ApprovalServiceImpl) QueryPendingTasks(ctx context.Context, approverID string) ([]*ApprovalRecordEntity, error) {
	if approverID == "" {
		return nil, errors.Wrapf(ErrApprovalParamInvalid, "approverID is empty")
	}
	recordPos, err := s.repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{
		AssigneeID:   &approverID,
		ActionIn:     []string{ApprovalActionPending},
		OrderbyIDAsc: Bool(true),
		Page: &Pager{
			IsNoLimit: Bool(true),
		},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryApprovalRecord failed, approverID: %s", approverID)
	}
	if len(recordPos) == 0 {
		return []*ApprovalRecordEntity{}, nil
	}
	instanceIDs := make([]int64, 0)
	instanceIDMap := make(map[int64]struct{})
	for _, recordPo := range recordPos {
		if _, ok := instanceIDMap[recordPo.ApprovalInstanceID]; !ok {
			instanceIDs = append(instanceIDs, recordPo.ApprovalInstanceID)
			instanceIDMap[recordPo.ApprovalInstanceID] = struct{}{}
		}
	}
	// 只有进行中的实例才算待办,已结束实例残留的pending记录不用处理
	pendingInstances, err := s.repo.QueryApprovalInstance(ctx, &QueryApprovalInstanceParams{
		IDIn:     instanceIDs,
		StatusIn: []string{ApprovalInstanceStatusPending},
		Page: &Pager{
			IsNoLimit: Bool(true),
		},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryApprovalInstance failed, approverID: %s", approverID)
	}
	pendingInstanceMap := make(map[int64]*ApprovalInstancePo)
	for _, instancePo := range pendingInstances {
		pendingInstanceMap[instancePo.ID] = instancePo
	}
	ret := make([]*ApprovalRecordEntity, 0)
	for _, recordPo := range recordPos {
		if _, ok := pendingInstanceMap[recordPo.ApprovalInstanceID]; !ok {
			continue
		}
		ret = append(ret, newApprovalRecordEntity(recordPo))
	}
	return ret, nil
}

func (s *ApprovalServiceImpl) QueryApprovalStatus(ctx context.Context, businessType string, businessID string) (*ApprovalInstanceEntity, error) {
	if businessType == "" || businessID == "" {
		return nil, errors.Wrapf(ErrApprovalParamInvalid, "businessType or businessID is empty")
	}
	instancePos, err := s.repo.QueryApprovalInstance(ctx, &QueryApprovalInstanceParams{
		BusinessType: &businessType,
		BusinessID:   &businessID,
		OrderbyIDAsc: Bool(false),
		Page: &Pager{
			Page: 1,
			Size: 1,
		},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryApprovalInstance failed, businessType: %s, businessID: %s", businessType, businessID)
	}
	if len(instancePos) == 0 {
		// 没有发起过审批,不算错误
		return nil, nil
	}
	ret, err := s.assembleApprovalInstanceEntity(ctx, instancePos[0])
	if err != nil {
		return nil, errors.WithMessagef(err, "assembleApprovalInstanceEntity failed, approvalInstanceID: %d", instancePos[0].ID)
	}
	return ret, nil
}

func (s *ApprovalServiceImpl) CountApprovalInstance(ctx context.Context, params *QueryApprovalInstanceParams) (int64, error) {
	if params == nil {
		return 0, errors.Wrapf(ErrApprovalParamInvalid, "nil QueryApprovalInstanceParams")
	}
	count, err := s.repo.CountApprovalInstance(ctx, params)
	if err != nil {
		return 0, errors.WithMessagef(err, "CountApprovalInstance failed, params: %v", params)
	}
	return count, nil
}

func (s *ApprovalServiceImpl) QueryApprovalInstancePo(ctx context.Context, params *QueryApprovalInstanceParams) ([]*ApprovalInstancePo, error) {
	if params == nil {
		return nil, errors.Wrapf(ErrApprovalParamInvalid, "nil QueryApprovalInstanceParams")
	}
	instancePos, err := s.repo.QueryApprovalInstance(ctx, params)
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryApprovalInstancePo failed, params: %v", params)
	}
	return instancePos, nil
}

// assembleApprovalInstanceEntity 组装实例详情,带全部审批记录
func (s *ApprovalServiceImpl) assembleApprovalInstanceEntity(ctx context.Context, instancePo *ApprovalInstancePo) (*ApprovalInstanceEntity, error) {
	ret := newApprovalInstanceEntity(instancePo)
	recordPos, err := s.getAllApprovalRecordPo(ctx, instancePo.ID)
	if err != nil {
		return nil, errors.WithMessagef(err, "getAllApprovalRecordPo failed, approvalInstanceID: %d", instancePo.ID)
	}
	ret.Records = make([]*ApprovalRecordEntity, 0, len(recordPos))
	for _, recordPo := range recordPos {
		ret.Records = append(ret.Records, newApprovalRecordEntity(recordPo))
	}
	return ret, nil
}

func (s *ApprovalServiceImpl) getAllApprovalRecordPo(ctx context.Context, approvalInstanceID int64) ([]*ApprovalRecordPo, error) {
	fetchCount := 100
	page := 1
	retRecords := make([]*ApprovalRecordPo, 0)
	for {
		recordPos, err := s.repo.QueryApprovalRecord(ctx, &QueryApprovalRecordParams{
			ApprovalInstanceID: &approvalInstanceID,
			OrderbyIDAsc:       Bool(true),
			Page: &Pager{
				Page: int64(page),
				Size: int64(fetchCount),
			},
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "QueryApprovalRecord failed, approvalInstanceID: %d", approvalInstanceID)
		}
		if len(recordPos) == 0 {
			break
		}
		retRecords = append(retRecords, recordPos...)
		if len(recordPos) < fetchCount {
			break
		}
		page++
	}
	return retRecords, nil
}
