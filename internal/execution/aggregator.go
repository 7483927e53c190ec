package execution

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"swap-router/internal/swap"
	"swap-router/internal/venue/aggregator"
	"swap-router/internal/wallet"
)

const permitTuple = `{"name":"permitParams","type":"tuple","components":[
	{"name":"amount","type":"uint256"},{"name":"deadline","type":"uint256"},
	{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}]}`

var adapterABI = func() abi.ABI {
	method := func(name string, args ...string) string {
		inputs := make([]string, 0, len(args)+3)
		for i, typ := range args {
			inputs = append(inputs, fmt.Sprintf(`{"name":"arg%d","type":"%s"}`, i, typ))
		}
		inputs = append(inputs,
			`{"name":"swapCallData","type":"bytes"}`,
			`{"name":"augustus","type":"address"}`,
			permitTuple,
		)
		return fmt.Sprintf(`{"type":"function","name":"%s","stateMutability":"nonpayable","inputs":[%s],"outputs":[]}`,
			name, strings.Join(inputs, ","))
	}
	pair := []string{"address", "address", "uint256", "uint256"}
	raw := "[" + strings.Join([]string{
		method("swapLiquidity", pair...),
		method("swapDebt", pair...),
		method("repayWithCollateral", pair...),
		method("withdrawAndSwap", pair...),
	}, ",") + "]"
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("execution: 解析适配器 ABI 失败: %v", err))
	}
	return parsed
}()

var adapterMethods = map[swap.FlowKind]string{
	swap.FlowCollateralSwap:      "swapLiquidity",
	swap.FlowDebtSwap:            "swapDebt",
	swap.FlowRepayWithCollateral: "repayWithCollateral",
	swap.FlowWithdrawAndSwap:     "withdrawAndSwap",
}

type permitParams struct {
	Amount   *big.Int
	Deadline *big.Int
	V        uint8
	R        [32]byte
	S        [32]byte
}

func (e *Executor) tokenSwapAggregator(ctx context.Context, plan Plan) (*swap.OrderRecord, error) {
	sess := plan.Session
	route, err := priceRoute(sess)
	if err != nil {
		return nil, err
	}
	target, err := e.Target(plan)
	if err != nil {
		return nil, err
	}
	if _, err := e.ensureApproval(ctx, sess.ID, target); err != nil {
		return nil, err
	}

	tx, err := e.deps.Aggregator.BuildTransaction(ctx, aggregator.BuildRequest{
		ChainID:       uint64(sess.ChainID),
		Route:         route,
		User:          sess.User,
		Receiver:      sess.User,
		SlippageBps:   plan.Amounts.SlippageBps,
		PartnerFeeBps: e.opts.PartnerFeeBps,
		PartnerWallet: e.opts.PartnerWallet,
	})
	if err != nil {
		return nil, err
	}
	req, err := txRequest(sess, tx)
	if err != nil {
		return nil, err
	}
	hash, err := e.send(ctx, sess.ID, req)
	rec := e.newRecord(plan, swap.ProviderAggregator, hash.Hex(), swap.OrderFilled)
	rec.TxHash = hash.Hex()
	if err != nil {
		return nil, withRecord(err, rec)
	}
	return rec, nil
}

func (e *Executor) positionAggregator(ctx context.Context, plan Plan) (*swap.OrderRecord, error) {
	sess := plan.Session
	route, err := priceRoute(sess)
	if err != nil {
		return nil, err
	}
	target, err := e.Target(plan)
	if err != nil {
		return nil, err
	}
	adapter := target.Request.Key.Spender

	record, err := e.ensureApprovalOrPermit(ctx, sess, target)
	if err != nil {
		return nil, err
	}

	tx, err := e.deps.Aggregator.BuildTransaction(ctx, aggregator.BuildRequest{
		ChainID:       uint64(sess.ChainID),
		Route:         route,
		User:          sess.User,
		Receiver:      adapter,
		SlippageBps:   plan.Amounts.SlippageBps,
		PartnerFeeBps: e.opts.PartnerFeeBps,
		PartnerWallet: e.opts.PartnerWallet,
		Adapter:       adapter,
	})
	if err != nil {
		return nil, err
	}
	swapData, err := hexutil.Decode(tx.Data)
	if err != nil {
		return nil, fmt.Errorf("execution: 聚合器调用数据无效: %w", err)
	}
	data, err := AdapterCallData(plan, swapData, tx.To, record.Signature)
	if err != nil {
		return nil, err
	}
	hash, err := e.send(ctx, sess.ID, wallet.TxRequest{ChainID: sess.ChainID, To: adapter, Data: data})
	rec := e.newRecord(plan, swap.ProviderAggregator, hash.Hex(), swap.OrderFilled)
	rec.TxHash = hash.Hex()
	if err != nil {
		return nil, withRecord(err, rec)
	}
	return rec, nil
}

// ensureApprovalOrPermit 在会话已有匹配签名时直接使用，否则走链上授权。
func (e *Executor) ensureApprovalOrPermit(ctx context.Context, sess swap.Session, target Target) (swap.ApprovalRecord, error) {
	if target.Request.Permit != nil {
		record, err := e.deps.Approvals.Check(ctx, target.Request)
		if err != nil {
			return record, err
		}
		if record.Satisfied() && record.Signature != nil {
			return record, nil
		}
		target.Request.Permit = nil
	}
	return e.ensureApproval(ctx, sess.ID, target)
}

// AdapterCallData 编码仓位适配器调用，内嵌聚合器调用数据。
// 资产与数量按适配器的参数顺序排列：债务兑换为（旧债务, 新债务, 偿还数量, 最大新增债务），
// 还款为（抵押物, 债务, 抵押物数量, 偿还数量），其余为（卖出, 买入, 卖出数量, 最少买入）。
func AdapterCallData(plan Plan, swapData []byte, augustus common.Address, permit *swap.PermitSignature) ([]byte, error) {
	kind := plan.Session.Kind()
	method, ok := adapterMethods[kind]
	if !ok {
		return nil, fmt.Errorf("execution: 流程 %s 没有适配器方法", kind)
	}
	res := plan.Amounts
	sell, buy := res.SellToken.QuoteAddress(), res.BuyToken.QuoteAddress()
	args := []interface{}{sell, buy, bigOf(res.SellAmount), bigOf(res.BuyAmount)}
	if kind == swap.FlowDebtSwap {
		args = []interface{}{buy, sell, bigOf(res.BuyAmount), bigOf(res.SellAmount)}
	}

	p := permitParams{Amount: new(big.Int), Deadline: new(big.Int)}
	if permit != nil {
		p.Amount = bigOf(permit.Amount)
		p.Deadline = new(big.Int).SetUint64(permit.Deadline)
		p.V = permit.V
		p.R = permit.R
		p.S = permit.S
	}
	args = append(args, swapData, augustus, p)

	data, err := adapterABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("execution: 编码 %s 失败: %w", method, err)
	}
	return data, nil
}

func txRequest(sess swap.Session, tx *aggregator.Transaction) (wallet.TxRequest, error) {
	data, err := hexutil.Decode(tx.Data)
	if err != nil {
		return wallet.TxRequest{}, fmt.Errorf("execution: 聚合器调用数据无效: %w", err)
	}
	value, err := tx.ValueInt()
	if err != nil {
		return wallet.TxRequest{}, fmt.Errorf("execution: 聚合器 value 无效: %w", err)
	}
	return wallet.TxRequest{ChainID: sess.ChainID, To: tx.To, Data: data, Value: value}, nil
}

func bigOf(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}
