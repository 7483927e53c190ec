package approval

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"swap-router/internal/amount"
	"swap-router/internal/chain"
	"swap-router/internal/swap"
	"swap-router/internal/wallet"
)

// ErrPermitUnavailable 表示代币或配置不支持签名授权。
var ErrPermitUnavailable = errors.New("approval: 不支持签名授权")

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// PermitRequest 描述一次签名授权。DomainName 为空时使用链注册表中的 permit 域。
type PermitRequest struct {
	Key        swap.ApprovalKey
	Kind       swap.ApprovalKind
	Amount     *uint256.Int
	DomainName string
}

// PermitAvailable 判断是否可以用签名替代链上授权。信用委托由债务代币原生支持。
func (m *Manager) PermitAvailable(chainID chain.ID, kind swap.ApprovalKind, token swap.Token) bool {
	if !m.cfg.PreferPermit {
		return false
	}
	if kind == swap.ApprovalDelegation {
		return true
	}
	info, ok := m.chains.Get(chainID)
	if !ok {
		return false
	}
	_, ok = info.Permit(token.AddressToSwap)
	return ok
}

// SignPermit 构造 EIP-2612 Permit 或 DelegationWithSig 结构并请求签名。
func (m *Manager) SignPermit(ctx context.Context, signer wallet.Signer, req PermitRequest) (*swap.PermitSignature, error) {
	if amount.IsZero(req.Amount) {
		return nil, fmt.Errorf("approval: %w", swap.ErrAmountTooSmall)
	}
	info, ok := m.chains.Get(req.Key.ChainID)
	if !ok {
		return nil, fmt.Errorf("approval: %w", swap.ErrUnsupported)
	}

	name, version := req.DomainName, "1"
	if req.Kind == swap.ApprovalAllowance {
		domain, found := info.Permit(req.Key.Token)
		if !found {
			return nil, ErrPermitUnavailable
		}
		if name == "" {
			name = domain.Name
		}
		version = domain.Version
	}
	if name == "" {
		return nil, fmt.Errorf("%w: 缺少签名域名称", ErrPermitUnavailable)
	}

	nonce, err := m.reader.Nonce(ctx, req.Key.ChainID, req.Key.Token, req.Key.Owner)
	if err != nil {
		return nil, fmt.Errorf("approval: 读取 nonce 失败: %w", err)
	}
	deadline := uint64(m.now().Add(m.cfg.PermitDeadline).Unix())

	data := permitTypedData(info.ID, name, version, req, nonce, deadline)
	sig, err := signer.SignTypedData(ctx, data)
	if err != nil {
		return nil, err
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("approval: 签名长度 %d 无效", len(sig))
	}

	permit := &swap.PermitSignature{
		Kind:      req.Kind,
		Token:     req.Key.Token,
		Spender:   req.Key.Spender,
		Amount:    amount.Clone(req.Amount),
		Deadline:  deadline,
		Signature: sig,
		V:         sig[64],
	}
	copy(permit.R[:], sig[:32])
	copy(permit.S[:], sig[32:64])
	if permit.V < 27 {
		permit.V += 27
	}
	m.logger.Info("已获取签名授权",
		zap.String("kind", string(req.Kind)),
		zap.String("token", req.Key.Token.Hex()),
		zap.String("spender", req.Key.Spender.Hex()),
		zap.Uint64("deadline", deadline),
	)
	return permit, nil
}

func permitTypedData(id chain.ID, name, version string, req PermitRequest, nonce *uint256.Int, deadline uint64) apitypes.TypedData {
	domain := apitypes.TypedDataDomain{
		Name:              name,
		Version:           version,
		ChainId:           math.NewHexOrDecimal256(int64(id)),
		VerifyingContract: req.Key.Token.Hex(),
	}
	if req.Kind == swap.ApprovalDelegation {
		return apitypes.TypedData{
			Types: apitypes.Types{
				"EIP712Domain": domainType,
				"DelegationWithSig": {
					{Name: "delegatee", Type: "address"},
					{Name: "value", Type: "uint256"},
					{Name: "nonce", Type: "uint256"},
					{Name: "deadline", Type: "uint256"},
				},
			},
			PrimaryType: "DelegationWithSig",
			Domain:      domain,
			Message: apitypes.TypedDataMessage{
				"delegatee": req.Key.Spender.Hex(),
				"value":     req.Amount.ToBig(),
				"nonce":     nonce.ToBig(),
				"deadline":  new(big.Int).SetUint64(deadline),
			},
		}
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Permit": {
				{Name: "owner", Type: "address"},
				{Name: "spender", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "Permit",
		Domain:      domain,
		Message: apitypes.TypedDataMessage{
			"owner":    req.Key.Owner.Hex(),
			"spender":  req.Key.Spender.Hex(),
			"value":    req.Amount.ToBig(),
			"nonce":    nonce.ToBig(),
			"deadline": new(big.Int).SetUint64(deadline),
		},
	}
}
