package swap

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"swap-router/internal/chain"
)

// ApprovalKind 区分代币授权与信用委托。
type ApprovalKind string

const (
	ApprovalAllowance  ApprovalKind = "allowance"
	ApprovalDelegation ApprovalKind = "delegation"
)

// ApprovalState 为授权状态机的状态。
type ApprovalState string

const (
	ApprovalUnknown                ApprovalState = "unknown"
	ApprovalChecking               ApprovalState = "checking"
	ApprovalSufficient             ApprovalState = "sufficient"
	ApprovalNeedsApproval          ApprovalState = "insufficient_needs_approval"
	ApprovalNeedsResetThenApproval ApprovalState = "insufficient_needs_reset_then_approval"
)

// ApprovalKey 标识一次授权读取，(链, 持有人, 代币, 授权对象)。
type ApprovalKey struct {
	ChainID chain.ID       `json:"chainId"`
	Owner   common.Address `json:"owner"`
	Token   common.Address `json:"token"`
	Spender common.Address `json:"spender"`
}

// IsZero 表示记录尚未绑定任何授权对象。
func (k ApprovalKey) IsZero() bool {
	return k == ApprovalKey{}
}

// PermitSignature 为链下签名授权。
type PermitSignature struct {
	Kind      ApprovalKind   `json:"kind"`
	Token     common.Address `json:"token"`
	Spender   common.Address `json:"spender"`
	Amount    *uint256.Int   `json:"amount"`
	Deadline  uint64         `json:"deadline"`
	Signature []byte         `json:"signature"`
	V         uint8          `json:"v"`
	R         [32]byte       `json:"r"`
	S         [32]byte       `json:"s"`
}

// Covers 判断签名是否与当前授权对象及金额完全一致。
func (p *PermitSignature) Covers(key ApprovalKey, amount *uint256.Int) bool {
	if p == nil || amount == nil || p.Amount == nil {
		return false
	}
	return p.Token == key.Token && p.Spender == key.Spender && p.Amount.Eq(amount)
}

// ApprovalRecord 为会话内的授权记录。ApprovedAmount 为 nil 表示未知。
type ApprovalRecord struct {
	Key            ApprovalKey      `json:"key"`
	Kind           ApprovalKind     `json:"kind"`
	State          ApprovalState    `json:"state"`
	ApprovedAmount *uint256.Int     `json:"approvedAmount,omitempty"`
	RequiredAmount *uint256.Int     `json:"requiredAmount,omitempty"`
	RequiresReset  bool             `json:"requiresReset"`
	Signature      *PermitSignature `json:"signature,omitempty"`
}

// Satisfied 表示无需链上授权交易。
func (r ApprovalRecord) Satisfied() bool {
	return r.State == ApprovalSufficient
}
