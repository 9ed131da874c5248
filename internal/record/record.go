// Package record defines the fixed-schema registry records and their
// persisted binary layout: an 8-byte discriminator followed by the fields in
// declaration order. Integers are little-endian, strings carry a 4-byte
// length prefix, and every record is zero-padded to its fixed space.
package record

import (
	"SAID-Chain/internal/address"

	"github.com/ethereum/go-ethereum/crypto"
)

// MaxURILength 是元数据与证据引用的最大字节数。
const MaxURILength = 200

// DiscriminatorLength 是记录类型标签的长度。
const DiscriminatorLength = 8

// Kind 标识记录类型。
type Kind string

const (
	KindTreasury   Kind = "Treasury"
	KindIdentity   Kind = "AgentIdentity"
	KindReputation Kind = "AgentReputation"
	KindValidation Kind = "ValidationRecord"
)

// Discriminator 返回记录类型的 8 字节标签。
func (k Kind) Discriminator() [DiscriminatorLength]byte {
	var out [DiscriminatorLength]byte
	copy(out[:], crypto.Keccak256([]byte("record:"+string(k))))
	return out
}

// 各记录类型占用的固定空间（含判别符）。
const (
	TreasurySpace   = DiscriminatorLength + 32 + 8 + 1
	IdentitySpace   = DiscriminatorLength + 32 + 4 + MaxURILength + 8 + 1
	ReputationSpace = DiscriminatorLength + 32 + 8 + 8 + 8 + 2 + 8 + 1
	ValidationSpace = DiscriminatorLength + 32 + 32 + 32 + 1 + 4 + MaxURILength + 8 + 1
)

// MaxScore 是以基点表示的满分声誉。
const MaxScore uint16 = 10000

// Treasury 是全局唯一的协议金库。
type Treasury struct {
	Authority      address.Address `json:"authority"`
	TotalCollected uint64          `json:"total_collected"`
	Bump           uint8           `json:"bump"`
}

// Identity 是某个 owner 的代理身份。
type Identity struct {
	Owner       address.Address `json:"owner"`
	MetadataURI string          `json:"metadata_uri"`
	CreatedAt   int64           `json:"created_at"`
	Bump        uint8           `json:"bump"`
}

// Reputation 聚合某个身份收到的反馈。
type Reputation struct {
	Identity          address.Address `json:"identity"`
	TotalInteractions uint64          `json:"total_interactions"`
	PositiveFeedback  uint64          `json:"positive_feedback"`
	NegativeFeedback  uint64          `json:"negative_feedback"`
	Score             uint16          `json:"reputation_score"`
	LastUpdated       int64           `json:"last_updated"`
	Bump              uint8           `json:"bump"`
}

// Validation 是验证者对某个任务给出的不可变结论。
type Validation struct {
	Identity    address.Address `json:"identity"`
	Validator   address.Address `json:"validator"`
	TaskHash    [32]byte        `json:"-"`
	Passed      bool            `json:"passed"`
	EvidenceURI string          `json:"evidence_uri"`
	Timestamp   int64           `json:"timestamp"`
	Bump        uint8           `json:"bump"`
}
