// Package auction 实现批量拍卖场所：报价、订单提交与查询、EIP-712 订单结构、附加数据与 ETH-flow。
package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"swap-router/internal/amount"
	"swap-router/internal/chain"
	"swap-router/internal/config"
	"swap-router/internal/swap"
	"swap-router/internal/venue"
)

const (
	minSuggestedSlippageBps = 50
	maxSuggestedSlippageBps = 5000
)

// ErrUnknownNetwork 表示链未配置拍卖网络。
var ErrUnknownNetwork = errors.New("auction: 链未接入拍卖场所")

// Client 调用拍卖场所 HTTP 接口。
type Client struct {
	transport *venue.Transport
	chains    *chain.Registry
	appCode   string
	env       string
	feeBps    uint32
	recipient common.Address
	logger    *zap.Logger
	now       func() time.Time
}

// Options 为客户端可选参数。
type Options struct {
	AppCode       string
	Environment   string
	PartnerFeeBps uint32
}

// NewClient 创建拍卖场所客户端。
func NewClient(cfg config.AuctionConfig, chains *chain.Registry, opts Options, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if chains == nil {
		return nil, errors.New("auction: 链注册表不能为空")
	}
	var recipient common.Address
	if cfg.PartnerFeeRecipient != "" {
		addr, err := chain.ParseAddress(cfg.PartnerFeeRecipient)
		if err != nil {
			return nil, fmt.Errorf("auction: partner_fee_recipient: %w", err)
		}
		recipient = addr
	}
	logger = logger.Named("auction")
	return &Client{
		transport: venue.NewTransport(swap.ProviderAuction, cfg.HTTP, decodeError, logger),
		chains:    chains,
		appCode:   opts.AppCode,
		env:       opts.Environment,
		feeBps:    opts.PartnerFeeBps,
		recipient: recipient,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Provider 实现 venue.Venue。
func (c *Client) Provider() swap.Provider {
	return swap.ProviderAuction
}

// PartnerFeeRecipient 返回合作方费用接收地址。
func (c *Client) PartnerFeeRecipient() common.Address {
	return c.recipient
}

// AppData 使用客户端的应用标识生成附加数据文档。
func (c *Client) AppData(p AppDataParams) (AppData, error) {
	p.AppCode = c.appCode
	p.Environment = c.env
	if p.PartnerFeeRecipient == (common.Address{}) {
		p.PartnerFeeRecipient = c.recipient
	}
	return BuildAppData(p)
}

func (c *Client) basePath(id chain.ID) (string, error) {
	info, ok := c.chains.Get(id)
	if !ok || !info.AuctionSupported() {
		return "", fmt.Errorf("%w: %d", ErrUnknownNetwork, id)
	}
	return "/" + info.AuctionNetwork + "/api/v1", nil
}

// Quote 请求拍卖报价。
func (c *Client) Quote(ctx context.Context, req venue.QuoteRequest) (*swap.Quote, error) {
	if amount.IsZero(req.Amount) {
		return nil, fmt.Errorf("auction: %w", swap.ErrAmountTooSmall)
	}
	base, err := c.basePath(req.ChainID)
	if err != nil {
		return nil, err
	}
	info, _ := c.chains.Get(req.ChainID)

	sellAddr := req.SellToken.QuoteAddress()
	onchain := false
	if req.SellToken.IsNative() {
		sellAddr = info.WrappedNative
		onchain = true
	}

	class := ClassMarket
	if req.Key.OrderType == swap.OrderLimit {
		class = ClassLimit
	}
	appData, err := c.AppData(AppDataParams{Class: class, PartnerFeeBps: req.PartnerFeeBps})
	if err != nil {
		return nil, err
	}

	body := quoteBody{
		SellToken:     sellAddr.Hex(),
		BuyToken:      req.BuyToken.QuoteAddress().Hex(),
		From:          req.User.Hex(),
		Kind:          KindFromSide(req.Kind),
		AppData:       appData.Document,
		AppDataHash:   appData.Hash.Hex(),
		SigningScheme: schemeFor(req),
		OnchainOrder:  onchain,
		PriceQuality:  QualityOptimal,
	}
	if req.Receiver != (common.Address{}) {
		body.Receiver = req.Receiver.Hex()
	}
	if req.Kind == swap.SideBuy {
		body.BuyAmountAfterFee = req.Amount.Dec()
	} else {
		body.SellAmountBeforeFee = req.Amount.Dec()
	}

	var resp quoteResponse
	if err := c.transport.Do(ctx, http.MethodPost, base+"/quote", nil, body, &resp); err != nil {
		return nil, err
	}
	return c.toQuote(req, resp)
}

func (c *Client) toQuote(req venue.QuoteRequest, resp quoteResponse) (*swap.Quote, error) {
	sell, err := amount.FromString(resp.Quote.SellAmount)
	if err != nil {
		return nil, fmt.Errorf("auction: sellAmount: %w", err)
	}
	buy, err := amount.FromString(resp.Quote.BuyAmount)
	if err != nil {
		return nil, fmt.Errorf("auction: buyAmount: %w", err)
	}
	fee, err := amount.FromString(resp.Quote.FeeAmount)
	if err != nil {
		return nil, fmt.Errorf("auction: feeAmount: %w", err)
	}
	if buy.IsZero() {
		return nil, &venue.Error{Provider: swap.ProviderAuction, Status: http.StatusOK, Code: "NoLiquidity", Message: "报价买入数量为零"}
	}

	sellBeforeFee := amount.Add(sell, fee)
	after := amount.Clone(buy)
	if req.Kind == swap.SideBuy {
		after = amount.Clone(sellBeforeFee)
	}

	suggested := suggestSlippage(fee, sellBeforeFee)
	payload := &QuotePayload{
		ID:         resp.ID,
		Order:      resp.Quote,
		Expiration: resp.Expiration,
		Verified:   resp.Verified,
	}
	c.logger.Debug("拍卖报价",
		zap.String("key", req.Key.String()),
		zap.String("sell", resp.Quote.SellAmount),
		zap.String("buy", resp.Quote.BuyAmount),
		zap.String("fee", resp.Quote.FeeAmount),
	)
	return &swap.Quote{
		Provider:             swap.ProviderAuction,
		Key:                  req.Key,
		SellToken:            req.SellToken.AddressToSwap,
		BuyToken:             req.BuyToken.AddressToSwap,
		SrcSpotAmount:        sellBeforeFee,
		DestSpotAmount:       buy,
		AfterFeesAmount:      after,
		SuggestedSlippageBps: &suggested,
		Payload:              payload,
		FetchedAt:            c.now(),
	}, nil
}

// PostOrder 提交已签名订单，返回订单 UID。
func (c *Client) PostOrder(ctx context.Context, id chain.ID, order OrderCreation) (string, error) {
	base, err := c.basePath(id)
	if err != nil {
		return "", err
	}
	var uid string
	if err := c.transport.Do(ctx, http.MethodPost, base+"/orders", nil, order, &uid); err != nil {
		return "", err
	}
	if uid == "" {
		return "", errors.New("auction: 提交订单未返回 UID")
	}
	c.logger.Info("拍卖订单已提交", zap.Uint64("chain", uint64(id)), zap.String("uid", uid), zap.String("scheme", string(order.SigningScheme)))
	return uid, nil
}

// GetOrder 查询订单状态。
func (c *Client) GetOrder(ctx context.Context, id chain.ID, uid string) (*OrderView, error) {
	base, err := c.basePath(id)
	if err != nil {
		return nil, err
	}
	var view OrderView
	if err := c.transport.Do(ctx, http.MethodGet, base+"/orders/"+uid, nil, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// UploadAppData 在提交订单前上传附加数据文档。
func (c *Client) UploadAppData(ctx context.Context, id chain.ID, data AppData) error {
	base, err := c.basePath(id)
	if err != nil {
		return err
	}
	body := map[string]string{"fullAppData": data.Document}
	return c.transport.Do(ctx, http.MethodPut, base+"/app_data/"+data.Hash.Hex(), nil, body, nil)
}

func schemeFor(req venue.QuoteRequest) SigningScheme {
	switch {
	case req.Flow.IsPosition():
		return SchemeEIP1271
	case req.SmartContractWallet:
		return SchemePresign
	default:
		return SchemeEIP712
	}
}

// suggestSlippage 取网络费用占卖出数量比例的两倍作为滑点建议，范围 [50, 5000] bps。
func suggestSlippage(fee, sell *uint256.Int) uint32 {
	if amount.IsZero(sell) || amount.IsZero(fee) {
		return minSuggestedSlippageBps
	}
	bps, overflow := new(uint256.Int).MulDivOverflow(fee, uint256.NewInt(2*amount.BpsDenominator), sell)
	if overflow || !bps.IsUint64() || bps.Uint64() >= maxSuggestedSlippageBps {
		return maxSuggestedSlippageBps
	}
	if v := uint32(bps.Uint64()); v > minSuggestedSlippageBps {
		return v
	}
	return minSuggestedSlippageBps
}

func decodeError(status int, body []byte) *venue.Error {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.ErrorType == "" {
		return &venue.Error{Message: strings.TrimSpace(string(body))}
	}
	return &venue.Error{Code: resp.ErrorType, Message: resp.Description}
}
