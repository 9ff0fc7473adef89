package approval

import (
	"fmt"
	"sync"

	goerrors "errors"

	"github.com/pkg/errors"
)

var (
	approvalFlowConfigs     = sync.Map{}
	approvalFlowDefinitions = sync.Map{}
	loadFlowLock            = sync.Mutex{}
)

// ApprovalFlowConfig 审批流配置,节点按数组顺序依次审批
type ApprovalFlowConfig struct {
	ID    string                `json:"id"`    // 审批流ID, 唯一标识, 用于标识审批流类型
	Name  string                `json:"name"`  // 审批流名称
	Nodes []*ApprovalNodeConfig `json:"nodes"` // 审批节点列表,顺序即审批顺序
}

// ApprovalNodeConfig 审批节点配置
type ApprovalNodeConfig struct {
	Name string `json:"name"` // 节点名称
	// 是否必审,不填默认true;非必审节点推进到时会自动通过
	Required *bool `json:"required"`
	// 候选审批人列表,可以为空;为空时任何人都可以处理这个节点
	CandidateApprovers []string `json:"candidate_approvers"`
}

// ApprovalFlowDefinition 审批流定义entity,由配置构建,运行期只读
type ApprovalFlowDefinition struct {
	ID    string
	Name  string
	Nodes []*ApprovalNodeDefinition
}

// ApprovalNodeDefinition 审批节点定义entity
type ApprovalNodeDefinition struct {
	Name               string
	Required           bool
	CandidateApprovers []string
}

/*
*
  - @description: 加载审批流配置
    只做存储使用，config转化会在GetApprovalFlowDefinition中完成，延迟加载
  - @param config *ApprovalFlowConfig
  - @return error
*/
func LoadApprovalFlowConfig(config *ApprovalFlowConfig) error {
	if config == nil {
		return errors.New("config is nil")
	}
	if config.ID == "" {
		return errors.Wrapf(ErrApprovalFlowConfigInvalid, "config id is empty")
	}
	if _, ok := approvalFlowConfigs.Load(config.ID); ok {
		return errors.New(fmt.Sprintf("config already registered, id: %s", config.ID))
	}
	approvalFlowConfigs.Store(config.ID, config)
	return nil
}

// GetApprovalFlowDefinition 获取审批流定义,第一次获取时由配置构建并缓存
func GetApprovalFlowDefinition(flowID string) (*ApprovalFlowDefinition, error) {
	if i, ok := approvalFlowDefinitions.Load(flowID); ok {
		ret, ok := i.(*ApprovalFlowDefinition)
		if !ok {
			return nil, errors.WithMessagef(ErrApprovalFlowConfigNotFound, "approval flow definition not found, flowID: %s, type error,please check code", flowID)
		}
		return ret, nil
	}
	loadFlowLock.Lock()
	defer loadFlowLock.Unlock()
	if i, ok := approvalFlowDefinitions.Load(flowID); ok {
		ret, ok := i.(*ApprovalFlowDefinition)
		if !ok {
			return nil, errors.WithMessagef(ErrApprovalFlowConfigNotFound, "approval flow definition not found, flowID: %s, type error,please check code", flowID)
		}
		return ret, nil
	}
	// 加载配置处理
	configInterface, ok := approvalFlowConfigs.Load(flowID)
	if !ok {
		return nil, errors.WithMessagef(ErrApprovalFlowConfigNotFound, "approval flow config %s not found", flowID)
	}
	config, ok := configInterface.(*ApprovalFlowConfig)
	if !ok {
		return nil, errors.WithMessagef(ErrApprovalFlowConfigNotFound, "approval flow config %s not found, type error,please check code", flowID)
	}
	definition, err := buildApprovalFlowDefinition(config)
	if err != nil {
		return nil, errors.WithMessagef(err, "buildApprovalFlowDefinition failed, flowID: %s", flowID)
	}
	approvalFlowDefinitions.Store(flowID, definition)
	return definition, nil
}

func buildApprovalFlowDefinition(config *ApprovalFlowConfig) (*ApprovalFlowDefinition, error) {
	if len(config.Nodes) == 0 {
		// 没有任何节点的审批流无法推进,属于配置错误
		return nil, errors.WithMessagef(ErrApprovalFlowConfigInvalid, "approval flow has no nodes, flowID: %s", config.ID)
	}
	nodes := make([]*ApprovalNodeDefinition, 0, len(config.Nodes))
	nodeNameMap := make(map[string]struct{})
	for i, nodeConfig := range config.Nodes {
		if nodeConfig == nil || nodeConfig.Name == "" {
			return nil, errors.WithMessagef(ErrApprovalFlowConfigInvalid, "approval node name is empty, flowID: %s, index: %d", config.ID, i)
		}
		if _, ok := nodeNameMap[nodeConfig.Name]; ok {
			return nil, errors.WithMessagef(ErrApprovalFlowConfigInvalid, "approval node name duplicated, flowID: %s, name: %s", config.ID, nodeConfig.Name)
		}
		nodeNameMap[nodeConfig.Name] = struct{}{}
		node := &ApprovalNodeDefinition{
			Name:               nodeConfig.Name,
			Required:           true,
			CandidateApprovers: UniqueStr(nodeConfig.CandidateApprovers),
		}
		if nodeConfig.Required != nil {
			node.Required = *nodeConfig.Required
		}
		nodes = append(nodes, node)
	}
	return &ApprovalFlowDefinition{
		ID:    config.ID,
		Name:  config.Name,
		Nodes: nodes,
	}, nil
}

func UniqueStr(arr []string) []string {
	ret := make([]string, 0)
	arrItemMap := make(map[string]struct{})
	for _, v := range arr {
		if _, ok := arrItemMap[v]; !ok {
			ret = append(ret, v)
			arrItemMap[v] = struct{}{}
		}
	}
	return ret
}

// PreloadingApprovalFlowDefinition 预构建所有已注册的审批流定义
// 一般在服务启动时调用,提前暴露配置问题
func PreloadingApprovalFlowDefinition() error {
	allFlowIDs := make([]string, 0)
	errorlist := make([]error, 0)
	var err error
	approvalFlowConfigs.Range(func(key, value interface{}) bool {
		flowID, ok := key.(string)
		if !ok {
			err = errors.New("flowID is not string")
			return true
		}
		allFlowIDs = append(allFlowIDs, flowID)
		return true
	})
	if err != nil {
		return errors.WithMessagef(err, "PreloadingApprovalFlowDefinition failed")
	}
	for _, flowID := range allFlowIDs {
		_, err := GetApprovalFlowDefinition(flowID)
		if err != nil {
			errorlist = append(errorlist, err)
		}
	}
	if len(errorlist) > 0 {
		return goerrors.Join(errorlist...)
	}
	return nil
}
