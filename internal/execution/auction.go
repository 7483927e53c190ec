package execution

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"swap-router/internal/amount"
	"swap-router/internal/swap"
	"swap-router/internal/venue/auction"
	"swap-router/internal/wallet"
)

func (e *Executor) auctionVenue() (AuctionVenue, error) {
	if e.deps.Auction == nil {
		return nil, fmt.Errorf("execution: 拍卖场所未配置: %w", swap.ErrUnsupported)
	}
	return e.deps.Auction, nil
}

func quoteID(sess swap.Session) *int64 {
	if sess.Quote == nil {
		return nil
	}
	if p, ok := sess.Quote.Payload.(*auction.QuotePayload); ok && p != nil {
		return p.ID
	}
	return nil
}

func orderClass(t swap.OrderType) auction.OrderClass {
	if t == swap.OrderLimit {
		return auction.ClassLimit
	}
	return auction.ClassMarket
}

// auctionOrder 构造结算订单，费用已计入卖出数量。
func auctionOrder(plan Plan, receiver common.Address, appData common.Hash) auction.Order {
	sell := plan.Amounts.SellToken.QuoteAddress()
	if plan.Amounts.SellToken.IsNative() {
		sell = plan.Chain.WrappedNative
	}
	return auction.Order{
		SellToken:  sell,
		BuyToken:   plan.Amounts.BuyToken.QuoteAddress(),
		Receiver:   receiver,
		SellAmount: amount.Clone(plan.Amounts.SellAmount),
		BuyAmount:  amount.Clone(plan.Amounts.BuyAmount),
		ValidTo:    plan.ValidTo,
		AppData:    appData,
		FeeAmount:  nil,
		Kind:       auction.KindFromSide(plan.Amounts.ProcessedSide),
	}
}

func (e *Executor) tokenSwapAuction(ctx context.Context, plan Plan) (*swap.OrderRecord, error) {
	venue, err := e.auctionVenue()
	if err != nil {
		return nil, err
	}
	sess := plan.Session
	info := plan.Chain

	appData, err := venue.AppData(auction.AppDataParams{
		Class:         orderClass(sess.Intent.OrderType),
		SlippageBps:   plan.Amounts.SlippageBps,
		PartnerFeeBps: e.opts.PartnerFeeBps,
	})
	if err != nil {
		return nil, err
	}
	order := auctionOrder(plan, sess.User, appData.Hash)

	if plan.Amounts.SellToken.IsNative() {
		if err := venue.UploadAppData(ctx, sess.ChainID, appData); err != nil {
			return nil, err
		}
		data, err := auction.EthFlowCall(order, quoteID(sess))
		if err != nil {
			return nil, err
		}
		uid, err := auction.EthFlowUID(order, info)
		if err != nil {
			return nil, err
		}
		hash, err := e.send(ctx, sess.ID, wallet.TxRequest{
			ChainID: sess.ChainID,
			To:      info.EthFlow,
			Data:    data,
			Value:   amount.Clone(order.SellAmount),
		})
		rec := e.newRecord(plan, swap.ProviderAuction, uid, swap.OrderOpen)
		rec.TxHash = hash.Hex()
		rec.Owner = info.EthFlow
		if err != nil {
			return nil, withRecord(err, rec)
		}
		return rec, nil
	}

	target, err := e.Target(plan)
	if err != nil {
		return nil, err
	}
	if _, err := e.ensureApproval(ctx, sess.ID, target); err != nil {
		return nil, err
	}
	if err := venue.UploadAppData(ctx, sess.ChainID, appData); err != nil {
		return nil, err
	}

	if sess.SmartContractWallet {
		creation := order.Creation(sess.User, auction.SchemePresign, sess.User.Bytes(), appData.Document, quoteID(sess))
		uid, err := venue.PostOrder(ctx, sess.ChainID, creation)
		if err != nil {
			return nil, err
		}
		data, err := auction.PreSignatureCallData(uid, true)
		if err != nil {
			return nil, err
		}
		hash, err := e.send(ctx, sess.ID, wallet.TxRequest{ChainID: sess.ChainID, To: info.Settlement, Data: data})
		rec := e.newRecord(plan, swap.ProviderAuction, uid, swap.OrderOpen)
		rec.TxHash = hash.Hex()
		if err != nil {
			return nil, withRecord(err, rec)
		}
		return rec, nil
	}

	sig, err := e.deps.Signer.SignTypedData(ctx, order.TypedData(sess.ChainID, info.Settlement))
	if err != nil {
		return nil, err
	}
	creation := order.Creation(sess.User, auction.SchemeEIP712, sig, appData.Document, quoteID(sess))
	uid, err := venue.PostOrder(ctx, sess.ChainID, creation)
	if err != nil {
		return nil, err
	}
	return e.newRecord(plan, swap.ProviderAuction, uid, swap.OrderOpen), nil
}

func (e *Executor) positionAuction(ctx context.Context, plan Plan) (*swap.OrderRecord, error) {
	venue, err := e.auctionVenue()
	if err != nil {
		return nil, err
	}
	sess := plan.Session
	if e.deps.Helpers == nil {
		return nil, fmt.Errorf("execution: 辅助合约未部署: %w", swap.ErrUnsupported)
	}
	dep, ok := e.deps.Helpers.Deployment(sess.ChainID, sess.Kind())
	if !ok {
		return nil, fmt.Errorf("execution: 辅助合约未部署: %w", swap.ErrUnsupported)
	}

	target, err := e.Target(plan)
	if err != nil {
		return nil, err
	}
	helper := target.Request.Key.Spender
	if approved := sess.Approval.Key.Spender; sess.Approval.Satisfied() && approved != (common.Address{}) && approved != helper {
		return nil, fmt.Errorf("execution: 授权对象 %s 与辅助合约 %s 不一致: %w", approved.Hex(), helper.Hex(), swap.ErrParamsDrift)
	}
	if _, err := e.ensureApproval(ctx, sess.ID, target); err != nil {
		return nil, err
	}

	// 授权等待期间报价可能已刷新，提交前按最新会话重新推导地址。
	latest, err := e.deps.Store.Get(sess.ID)
	if err != nil {
		return nil, err
	}
	fresh, err := e.BuildPlan(latest)
	if err != nil {
		return nil, err
	}
	recomputed, err := e.helperAddress(fresh)
	if err != nil {
		return nil, err
	}
	if recomputed != helper {
		e.deps.Approvals.Invalidate(target.Request.Key)
		return nil, fmt.Errorf("execution: 辅助合约地址 %s 变为 %s: %w", helper.Hex(), recomputed.Hex(), swap.ErrParamsDrift)
	}

	params := auction.AppDataParams{
		Class:         orderClass(sess.Intent.OrderType),
		SlippageBps:   plan.Amounts.SlippageBps,
		PartnerFeeBps: e.opts.PartnerFeeBps,
	}
	if sess.Kind().RequiresFlashLoan() {
		params.FlashLoan = &auction.FlashLoanHint{
			Amount:        amount.String(plan.Amounts.FlashLoanAmount),
			Borrower:      helper,
			HelperFactory: dep.Factory,
			Lender:        dep.Lender,
			ProtocolFee:   amount.String(e.flashLoanFee(plan)),
			Token:         plan.Amounts.SellToken.QuoteAddress(),
		}
	}
	appData, err := venue.AppData(params)
	if err != nil {
		return nil, err
	}
	order := auctionOrder(plan, helper, appData.Hash)
	sig, err := auction.HelperSignature(order)
	if err != nil {
		return nil, err
	}
	if err := venue.UploadAppData(ctx, sess.ChainID, appData); err != nil {
		return nil, err
	}
	uid, err := venue.PostOrder(ctx, sess.ChainID, order.Creation(helper, auction.SchemeEIP1271, sig, appData.Document, quoteID(sess)))
	if err != nil {
		return nil, err
	}
	rec := e.newRecord(plan, swap.ProviderAuction, uid, swap.OrderOpen)
	rec.Owner = helper
	return rec, nil
}
