// Package aggregator 实现聚合器场所的报价与交易构造。
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"swap-router/internal/amount"
	"swap-router/internal/config"
	"swap-router/internal/swap"
	"swap-router/internal/venue"
)

// ErrEmptyRoute 表示场所返回了空路由。
var ErrEmptyRoute = errors.New("aggregator: 返回空路由")

// Client 调用聚合器 /prices 与 /transactions。
type Client struct {
	transport *venue.Transport
	partner   string
	version   string
	logger    *zap.Logger
	now       func() time.Time
}

// NewClient 创建聚合器客户端。
func NewClient(cfg config.AggregatorConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("aggregator")
	return &Client{
		transport: venue.NewTransport(swap.ProviderAggregator, cfg.HTTP, decodeError, logger),
		partner:   cfg.PartnerID,
		version:   cfg.Version,
		logger:    logger,
		now:       time.Now,
	}
}

// Provider 实现 venue.Venue。
func (c *Client) Provider() swap.Provider {
	return swap.ProviderAggregator
}

// Quote 请求路由报价。
func (c *Client) Quote(ctx context.Context, req venue.QuoteRequest) (*swap.Quote, error) {
	if amount.IsZero(req.Amount) {
		return nil, fmt.Errorf("aggregator: %w", swap.ErrAmountTooSmall)
	}

	sellAddr := req.SellToken.QuoteAddress()
	buyAddr := req.BuyToken.QuoteAddress()

	q := url.Values{}
	q.Set("srcToken", sellAddr.Hex())
	q.Set("srcDecimals", strconv.Itoa(int(req.SellToken.Decimals)))
	q.Set("destToken", buyAddr.Hex())
	q.Set("destDecimals", strconv.Itoa(int(req.BuyToken.Decimals)))
	q.Set("amount", req.Amount.Dec())
	q.Set("side", sideParam(req.Kind))
	q.Set("network", strconv.FormatUint(uint64(req.ChainID), 10))
	if req.User != (common.Address{}) {
		q.Set("userAddress", req.User.Hex())
	}
	if c.partner != "" {
		q.Set("partner", c.partner)
	}
	if c.version != "" {
		q.Set("version", c.version)
	}
	if req.Flow.IsPosition() {
		// 适配器合约只支持直接兑换方法。
		q.Set("excludeContractMethods", "simpleSwap,multiSwap,megaSwap")
	}

	var resp pricesResponse
	if err := c.transport.Do(ctx, http.MethodGet, "/prices", q, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &venue.Error{Provider: swap.ProviderAggregator, Status: http.StatusOK, Message: resp.Error}
	}
	if resp.PriceRoute == nil {
		return nil, ErrEmptyRoute
	}

	return c.toQuote(req, resp.PriceRoute)
}

func (c *Client) toQuote(req venue.QuoteRequest, route *PriceRoute) (*swap.Quote, error) {
	src, err := amount.FromString(route.SrcAmount)
	if err != nil {
		return nil, fmt.Errorf("aggregator: srcAmount: %w", err)
	}
	dest, err := amount.FromString(route.DestAmount)
	if err != nil {
		return nil, fmt.Errorf("aggregator: destAmount: %w", err)
	}
	if src.IsZero() || dest.IsZero() {
		return nil, ErrEmptyRoute
	}

	after := dest
	if req.Kind == swap.SideBuy {
		after = src
	}

	quote := &swap.Quote{
		Provider:        swap.ProviderAggregator,
		Key:             req.Key,
		SellToken:       req.SellToken.AddressToSwap,
		BuyToken:        req.BuyToken.AddressToSwap,
		SrcSpotAmount:   src,
		DestSpotAmount:  dest,
		SrcSpotUSD:      parseUSD(route.SrcUSD),
		DestSpotUSD:     parseUSD(route.DestUSD),
		AfterFeesAmount: amount.Clone(after),
		Payload:         route,
		FetchedAt:       c.now(),
	}
	c.logger.Debug("聚合器报价",
		zap.String("key", req.Key.String()),
		zap.String("src", route.SrcAmount),
		zap.String("dest", route.DestAmount),
		zap.String("method", route.ContractMethod),
	)
	return quote, nil
}

// BuildTransaction 用报价路由构造链上调用。
func (c *Client) BuildTransaction(ctx context.Context, req BuildRequest) (*Transaction, error) {
	if req.Route == nil {
		return nil, fmt.Errorf("aggregator: %w", swap.ErrQuoteRequired)
	}
	user := req.User
	if req.Adapter != (common.Address{}) {
		user = req.Adapter
	}
	body := buildBody{
		SrcToken:      req.Route.SrcToken.Hex(),
		SrcDecimals:   req.Route.SrcDecimals,
		DestToken:     req.Route.DestToken.Hex(),
		DestDecimals:  req.Route.DestDecimals,
		Slippage:      req.SlippageBps,
		PriceRoute:    req.Route,
		UserAddress:   user.Hex(),
		Partner:       c.partner,
		PartnerFeeBps: req.PartnerFeeBps,
	}
	if strings.EqualFold(req.Route.Side, "BUY") {
		body.DestAmount = req.Route.DestAmount
	} else {
		body.SrcAmount = req.Route.SrcAmount
	}
	if req.Receiver != (common.Address{}) && req.Receiver != user {
		body.Receiver = req.Receiver.Hex()
	}
	if req.PartnerWallet != (common.Address{}) {
		body.PartnerAddress = req.PartnerWallet.Hex()
		body.TakeSurplus = true
	}

	q := url.Values{}
	q.Set("ignoreChecks", "true")
	path := "/transactions/" + strconv.FormatUint(req.ChainID, 10)

	var tx Transaction
	if err := c.transport.Do(ctx, http.MethodPost, path, q, body, &tx); err != nil {
		return nil, err
	}
	if tx.To == (common.Address{}) || tx.Data == "" {
		return nil, fmt.Errorf("aggregator: 交易构造结果不完整")
	}
	return &tx, nil
}

func sideParam(s swap.Side) string {
	if s == swap.SideBuy {
		return "BUY"
	}
	return "SELL"
}

func parseUSD(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func decodeError(status int, body []byte) *venue.Error {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error == "" {
		return &venue.Error{Message: strings.TrimSpace(string(body))}
	}
	return &venue.Error{Code: errorCode(resp.Error), Message: resp.Error}
}

func errorCode(msg string) string {
	switch {
	case strings.Contains(msg, "No routes found"):
		return "NoRoutes"
	case strings.Contains(msg, "ESTIMATED_LOSS_GREATER_THAN_MAX_IMPACT"):
		return "ESTIMATED_LOSS_GREATER_THAN_MAX_IMPACT"
	case strings.Contains(msg, "Price Timeout"):
		return "PriceTimeout"
	default:
		return ""
	}
}
