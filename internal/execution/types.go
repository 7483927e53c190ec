package execution

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"swap-router/internal/approval"
	"swap-router/internal/chain"
	"swap-router/internal/flashloan"
	"swap-router/internal/normalizer"
	"swap-router/internal/swap"
	"swap-router/internal/venue/aggregator"
	"swap-router/internal/venue/auction"
	"swap-router/internal/wallet"
)

// AggregatorVenue 为聚合器场所的交易构造能力。
type AggregatorVenue interface {
	BuildTransaction(ctx context.Context, req aggregator.BuildRequest) (*aggregator.Transaction, error)
}

// AuctionVenue 为拍卖场所的下单能力。
type AuctionVenue interface {
	AppData(p auction.AppDataParams) (auction.AppData, error)
	UploadAppData(ctx context.Context, id chain.ID, data auction.AppData) error
	PostOrder(ctx context.Context, id chain.ID, order auction.OrderCreation) (string, error)
}

// Approvals 为授权检查与授权交易。
type Approvals interface {
	Check(ctx context.Context, req approval.Request) (swap.ApprovalRecord, error)
	Approve(ctx context.Context, signer wallet.Signer, record swap.ApprovalRecord) ([]string, error)
	PermitAvailable(chainID chain.ID, kind swap.ApprovalKind, token swap.Token) bool
	SignPermit(ctx context.Context, signer wallet.Signer, req approval.PermitRequest) (*swap.PermitSignature, error)
	Invalidate(key swap.ApprovalKey)
}

// Helpers 解析闪电贷辅助合约。
type Helpers interface {
	Deployment(chainID chain.ID, flow swap.FlowKind) (flashloan.Deployment, bool)
	HelperAddress(p flashloan.Params) (common.Address, error)
	Fee(loan *uint256.Int) *uint256.Int
}

// OrderTracker 接收已提交的拍卖订单并跟踪其状态。
type OrderTracker interface {
	Track(rec swap.OrderRecord)
}

// Observer 接收执行结果，用于事件与指标。
type Observer interface {
	ObserveExecution(sess swap.Session, rec *swap.OrderRecord, err *swap.ExecutionError)
}

// Options 控制下单参数。
type Options struct {
	PartnerFeeBps  uint32
	DustMarginBps  uint32
	MinSellAmount  uint64
	MarketExpiry   time.Duration
	LimitExpiry    time.Duration
	PartnerWallet  common.Address
	ConfirmTimeout time.Duration
	// SettleTimeout 为确认超时后后台继续等待的时限。
	SettleTimeout time.Duration
}

// Plan 为一次执行的全部输入，由会话与归一化金额推导。
type Plan struct {
	Session swap.Session
	Chain   chain.Info
	Amounts normalizer.Result
	ValidTo uint32
	// SellReserve 为仓位流程中被卖出一侧的储备，决定授权代币。
	SellReserve swap.Reserve
}

// Target 为一次执行需要的授权，Spender 为零表示无需授权。
type Target struct {
	Request approval.Request
	Token   swap.Token
}

// Required 表示需要授权。
func (t Target) Required() bool {
	return t.Request.Key.Spender != (common.Address{})
}
