package registry

import "SAID-Chain/internal/address"

// 事件名称。
const (
	EventAgentRegistered   = "AgentRegistered"
	EventAgentUpdated      = "AgentUpdated"
	EventFeedbackSubmitted = "FeedbackSubmitted"
	EventWorkValidated     = "WorkValidated"
	EventFeesWithdrawn     = "FeesWithdrawn"
)

// AgentRegistered 在身份创建并收取注册费后发出。
type AgentRegistered struct {
	AgentID     address.Address `json:"agent_id"`
	Owner       address.Address `json:"owner"`
	MetadataURI string          `json:"metadata_uri"`
	FeePaid     uint64          `json:"fee_paid"`
}

// AgentUpdated 在元数据被替换后发出。
type AgentUpdated struct {
	AgentID        address.Address `json:"agent_id"`
	NewMetadataURI string          `json:"new_metadata_uri"`
}

// FeedbackSubmitted 携带反馈后的最新分数。
type FeedbackSubmitted struct {
	AgentID  address.Address `json:"agent_id"`
	From     address.Address `json:"from"`
	Positive bool            `json:"positive"`
	Context  string          `json:"context"`
	NewScore uint16          `json:"new_score"`
}

// WorkValidated 在验证记录创建后发出。
type WorkValidated struct {
	AgentID     address.Address `json:"agent_id"`
	Validator   address.Address `json:"validator"`
	TaskHash    address.Address `json:"task_hash"`
	Passed      bool            `json:"passed"`
	EvidenceURI string          `json:"evidence_uri"`
}

// FeesWithdrawn 在金库向 authority 转出费用后发出。
type FeesWithdrawn struct {
	Authority address.Address `json:"authority"`
	Amount    uint64          `json:"amount"`
}
