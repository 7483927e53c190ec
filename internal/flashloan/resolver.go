// Package flashloan 预先计算闪电贷辅助合约实例地址与闪电贷费用。
package flashloan

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"swap-router/internal/amount"
	"swap-router/internal/chain"
	"swap-router/internal/config"
	"swap-router/internal/swap"
)

// ErrNotDeployed 表示链与流程上没有辅助合约工厂。
var ErrNotDeployed = errors.New("flashloan: 辅助合约工厂未部署")

var (
	proxyPrefix = common.FromHex("0x3d602d80600a3d3981f3363d3d373d3d3d363d73")
	proxySuffix = common.FromHex("0x5af43d82803e903d91602b57fd5bf3")
)

var flowIDs = map[swap.FlowKind]uint8{
	swap.FlowCollateralSwap:      1,
	swap.FlowDebtSwap:            2,
	swap.FlowRepayWithCollateral: 3,
	swap.FlowWithdrawAndSwap:     4,
}

var paramsArgs = func() abi.Arguments {
	types := []string{"uint8", "address", "address", "address", "uint256", "uint256", "uint256", "uint256", "uint32"}
	args := make(abi.Arguments, 0, len(types))
	for _, name := range types {
		t, err := abi.NewType(name, "", nil)
		if err != nil {
			panic(fmt.Sprintf("flashloan: 构造 ABI 类型 %s 失败: %v", name, err))
		}
		args = append(args, abi.Argument{Type: t})
	}
	return args
}()

// Deployment 为单个流程的工厂与实现合约。
type Deployment struct {
	Factory        common.Address
	Implementation common.Address
	Lender         common.Address
}

// Params 为决定实例地址的交易参数，金额已包含防尘余量。
type Params struct {
	ChainID         chain.ID
	Flow            swap.FlowKind
	Owner           common.Address
	SellToken       common.Address
	BuyToken        common.Address
	SellAmount      *uint256.Int
	BuyAmount       *uint256.Int
	FlashLoanAmount *uint256.Int
	FlashLoanFee    *uint256.Int
	ValidTo         uint32
}

type deploymentKey struct {
	chainID chain.ID
	flow    swap.FlowKind
}

// Resolver 保存各链各流程的部署信息。
type Resolver struct {
	premiumBps  uint32
	deployments map[deploymentKey]Deployment
	logger      *zap.Logger
}

// NewResolver 根据配置构建解析器。
func NewResolver(cfg config.FlashLoanConfig, logger *zap.Logger) (*Resolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		premiumBps:  cfg.PremiumBps,
		deployments: make(map[deploymentKey]Deployment, len(cfg.Deployments)),
		logger:      logger.Named("flashloan"),
	}
	for i, d := range cfg.Deployments {
		flow, err := swap.ParseFlowKind(d.Flow)
		if err != nil {
			return nil, fmt.Errorf("flashloan: deployments[%d]: %w", i, err)
		}
		if _, ok := flowIDs[flow]; !ok {
			return nil, fmt.Errorf("flashloan: deployments[%d]: 流程 %s 不使用辅助合约", i, flow)
		}
		factory, err := chain.ParseAddress(d.Factory)
		if err != nil {
			return nil, fmt.Errorf("flashloan: deployments[%d].factory: %w", i, err)
		}
		impl, err := chain.ParseAddress(d.Implementation)
		if err != nil {
			return nil, fmt.Errorf("flashloan: deployments[%d].implementation: %w", i, err)
		}
		var lender common.Address
		if d.Lender != "" {
			if lender, err = chain.ParseAddress(d.Lender); err != nil {
				return nil, fmt.Errorf("flashloan: deployments[%d].lender: %w", i, err)
			}
		}
		r.deployments[deploymentKey{chain.ID(d.ChainID), flow}] = Deployment{Factory: factory, Implementation: impl, Lender: lender}
	}
	return r, nil
}

// Deployed 实现 venue.HelperLookup。
func (r *Resolver) Deployed(chainID chain.ID, flow swap.FlowKind) bool {
	_, ok := r.deployments[deploymentKey{chainID, flow}]
	return ok
}

// Deployment 返回链与流程的部署信息。
func (r *Resolver) Deployment(chainID chain.ID, flow swap.FlowKind) (Deployment, bool) {
	d, ok := r.deployments[deploymentKey{chainID, flow}]
	return d, ok
}

// Fee 按配置费率计算闪电贷费用。
func (r *Resolver) Fee(loan *uint256.Int) *uint256.Int {
	return Fee(loan, r.premiumBps)
}

// Fee 计算闪电贷费用，四舍五入到最小单位。
func Fee(loan *uint256.Int, premiumBps uint32) *uint256.Int {
	return amount.PercentMul(loan, premiumBps)
}

// HelperAddress 计算实例地址：salt 为参数 ABI 编码的 keccak256，
// 初始化代码为指向实现合约的 EIP-1167 最小代理，地址按 CREATE2 推导。
func (r *Resolver) HelperAddress(p Params) (common.Address, error) {
	d, ok := r.Deployment(p.ChainID, p.Flow)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: chain=%d flow=%s", ErrNotDeployed, p.ChainID, p.Flow)
	}
	salt, err := Salt(p)
	if err != nil {
		return common.Address{}, err
	}
	addr := crypto.CreateAddress2(d.Factory, salt, crypto.Keccak256(InitCode(d.Implementation)))
	r.logger.Debug("辅助合约地址",
		zap.Uint64("chain", uint64(p.ChainID)),
		zap.String("flow", string(p.Flow)),
		zap.String("address", addr.Hex()),
	)
	return addr, nil
}

// Salt 返回交易参数的 CREATE2 salt。
func Salt(p Params) ([32]byte, error) {
	id, ok := flowIDs[p.Flow]
	if !ok {
		return [32]byte{}, fmt.Errorf("flashloan: 流程 %s 不使用辅助合约", p.Flow)
	}
	encoded, err := paramsArgs.Pack(
		id,
		p.Owner,
		p.SellToken,
		p.BuyToken,
		bigOf(p.SellAmount),
		bigOf(p.BuyAmount),
		bigOf(p.FlashLoanAmount),
		bigOf(p.FlashLoanFee),
		p.ValidTo,
	)
	if err != nil {
		return [32]byte{}, fmt.Errorf("flashloan: 编码参数失败: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// InitCode 返回 EIP-1167 最小代理的初始化代码。
func InitCode(implementation common.Address) []byte {
	code := make([]byte, 0, len(proxyPrefix)+common.AddressLength+len(proxySuffix))
	code = append(code, proxyPrefix...)
	code = append(code, implementation.Bytes()...)
	return append(code, proxySuffix...)
}

func bigOf(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}
