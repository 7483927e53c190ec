// Package normalizer 将会话意图与报价归一化为实际买卖方向的订单金额。
package normalizer

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"swap-router/internal/amount"
	"swap-router/internal/swap"
)

// Direction 为实际交易方向。
type Direction struct {
	SellToken     swap.Token
	BuyToken      swap.Token
	ProcessedSide swap.Side
	// Amount 为处理后方向上的权威数量：sell 时是卖出数量，buy 时是买入数量。
	Amount *uint256.Int
}

// Resolve 解析实际方向。倒置流程卖出界面目标资产、买入界面源资产，方向翻转。
func Resolve(flow swap.FlowKind, source, destination swap.Token, intent swap.Intent) Direction {
	d := Direction{
		SellToken:     source,
		BuyToken:      destination,
		ProcessedSide: intent.Side,
		Amount:        amount.Clone(intent.AuthoritativeAmount()),
	}
	if flow.Inverted() {
		d.SellToken, d.BuyToken = destination, source
		d.ProcessedSide = intent.Side.Flip()
	}
	return d
}

// Params 为归一化输入。
type Params struct {
	Flow          swap.FlowKind
	Source        swap.Token
	Destination   swap.Token
	Intent        swap.Intent
	Quote         *swap.Quote
	PartnerFeeBps uint32
	DustMarginBps uint32
}

// Result 为归一化后的订单金额，全部为最小单位。
type Result struct {
	SellToken     swap.Token
	BuyToken      swap.Token
	ProcessedSide swap.Side
	OrderType     swap.OrderType

	// QuotedSellAmount/QuotedBuyAmount 为费用与滑点前的数量。
	QuotedSellAmount *uint256.Int
	QuotedBuyAmount  *uint256.Int

	// SellAmount/BuyAmount 为签名订单使用的边界：卖单的 BuyAmount 是最少买入，
	// 买单的 SellAmount 是最多卖出。
	SellAmount *uint256.Int
	BuyAmount  *uint256.Int

	PartnerFee      *uint256.Int
	PartnerFeeToken swap.Token
	SlippageBps     uint32
	DustMarginBps   uint32
	FlashLoanAmount *uint256.Int

	SellAmountFormatted string
	BuyAmountFormatted  string
	SellUSD             decimal.Decimal
	BuyUSD              decimal.Decimal

	// 界面方向投影。
	InputAmount  *uint256.Int
	OutputAmount *uint256.Int
}

// DustApplies 表示流程与订单类型需要防尘余量。
func DustApplies(flow swap.FlowKind, orderType swap.OrderType) bool {
	return orderType == swap.OrderMarket && flow.AllowsDrift()
}

// Normalize 计算费用、滑点边界与防尘余量。市价单需要报价，限价单使用用户金额。
func Normalize(p Params) (Result, error) {
	dir := Resolve(p.Flow, p.Source, p.Destination, p.Intent)
	if amount.IsZero(dir.Amount) {
		return Result{}, fmt.Errorf("normalizer: %w", swap.ErrAmountTooSmall)
	}

	res := Result{
		SellToken:     dir.SellToken,
		BuyToken:      dir.BuyToken,
		ProcessedSide: dir.ProcessedSide,
		OrderType:     p.Intent.OrderType,
	}

	var err error
	if p.Intent.OrderType == swap.OrderLimit {
		err = res.limit(p, dir)
	} else {
		err = res.market(p, dir)
	}
	if err != nil {
		return Result{}, err
	}

	if p.Flow.RequiresFlashLoan() {
		res.FlashLoanAmount = amount.Clone(res.SellAmount)
	} else {
		res.FlashLoanAmount = new(uint256.Int)
	}

	res.SellAmountFormatted = amount.Format(res.SellAmount, res.SellToken.Decimals)
	res.BuyAmountFormatted = amount.Format(res.BuyAmount, res.BuyToken.Decimals)
	if p.Quote != nil {
		res.SellUSD = p.Quote.SrcSpotUSD
		res.BuyUSD = p.Quote.DestSpotUSD
	}

	if p.Flow.Inverted() {
		res.InputAmount, res.OutputAmount = amount.Clone(res.BuyAmount), amount.Clone(res.SellAmount)
	} else {
		res.InputAmount, res.OutputAmount = amount.Clone(res.SellAmount), amount.Clone(res.BuyAmount)
	}
	return res, nil
}

func (r *Result) market(p Params, dir Direction) error {
	if p.Quote == nil || amount.IsZero(p.Quote.AfterFeesAmount) {
		return fmt.Errorf("normalizer: %w", swap.ErrQuoteRequired)
	}
	r.SlippageBps = p.Intent.SlippageBps
	if DustApplies(p.Flow, p.Intent.OrderType) {
		r.DustMarginBps = p.DustMarginBps
	}

	if dir.ProcessedSide == swap.SideSell {
		r.QuotedSellAmount = amount.Clone(dir.Amount)
		r.QuotedBuyAmount = amount.Clone(p.Quote.AfterFeesAmount)
		r.PartnerFee = amount.MulBps(r.QuotedBuyAmount, p.PartnerFeeBps)
		r.PartnerFeeToken = r.BuyToken

		minBuy := amount.SubBps(amount.SubFloor(r.QuotedBuyAmount, r.PartnerFee), r.SlippageBps)
		if r.DustMarginBps > 0 {
			minBuy = amount.SubBps(minBuy, r.DustMarginBps)
		}
		r.SellAmount = amount.Clone(dir.Amount)
		r.BuyAmount = minBuy
		return nil
	}

	r.QuotedBuyAmount = amount.Clone(dir.Amount)
	r.QuotedSellAmount = amount.Clone(p.Quote.AfterFeesAmount)
	r.PartnerFee = amount.MulBps(r.QuotedSellAmount, p.PartnerFeeBps)
	r.PartnerFeeToken = r.SellToken

	maxSell := amount.AddBps(amount.Add(r.QuotedSellAmount, r.PartnerFee), r.SlippageBps)
	if r.DustMarginBps > 0 {
		maxSell = amount.AddBps(maxSell, r.DustMarginBps)
	}
	r.SellAmount = maxSell
	r.BuyAmount = amount.Clone(dir.Amount)
	return nil
}

func (r *Result) limit(p Params, dir Direction) error {
	sell, buy := p.Intent.InputAmount, p.Intent.OutputAmount
	if p.Flow.Inverted() {
		sell, buy = buy, sell
	}
	if amount.IsZero(sell) || amount.IsZero(buy) {
		return fmt.Errorf("normalizer: 限价单需要两侧金额: %w", swap.ErrAmountTooSmall)
	}
	r.QuotedSellAmount = amount.Clone(sell)
	r.QuotedBuyAmount = amount.Clone(buy)

	if dir.ProcessedSide == swap.SideSell {
		r.PartnerFee = amount.MulBps(buy, p.PartnerFeeBps)
		r.PartnerFeeToken = r.BuyToken
		r.SellAmount = amount.Clone(sell)
		r.BuyAmount = amount.SubFloor(buy, r.PartnerFee)
		return nil
	}
	r.PartnerFee = amount.MulBps(sell, p.PartnerFeeBps)
	r.PartnerFeeToken = r.SellToken
	r.SellAmount = amount.Add(sell, r.PartnerFee)
	r.BuyAmount = amount.Clone(buy)
	return nil
}

// Request 返回用于报价的方向与数量。
func (d Direction) Request() (sell, buy swap.Token, side swap.Side, amt *uint256.Int) {
	return d.SellToken, d.BuyToken, d.ProcessedSide, amount.Clone(d.Amount)
}
