package hyperliquid

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sonirico/go-hyperliquid"

	"delta-neutral-bot/internal/config"
	"delta-neutral-bot/internal/domain"
	"delta-neutral-bot/internal/exchange"
)

var ErrReadOnly = errors.New("hyperliquid: no signing key configured")

var nowFunc = time.Now

type Client struct {
	cfg      config.HyperliquidConfig
	info     *hyperliquid.Info
	exchange *hyperliquid.Exchange
	meta     *hyperliquid.Meta
	address  string
	log      zerolog.Logger
	leverage exchange.LeverageCache
}

// NewClient loads venue metadata and, when a private key is configured, an
// order-signing exchange client. Without a key the client is read-only.
func NewClient(ctx context.Context, cfg config.HyperliquidConfig, log zerolog.Logger) (*Client, error) {
	log = log.With().Str("venue", string(domain.VenueHyperliquid)).Logger()

	// NewInfo(ctx, baseURL, skipWS, meta, spotMeta, opts...)
	info := hyperliquid.NewInfo(ctx, cfg.BaseURL, true, nil, nil)

	meta, err := info.Meta(ctx)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid meta: %w", err)
	}

	c := &Client{
		cfg:     cfg,
		info:    info,
		meta:    meta,
		address: cfg.WalletAddress,
		log:     log,
	}

	if cfg.PrivateKey != "" {
		pk, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("hyperliquid private key: %w", err)
		}
		if c.address == "" {
			c.address = deriveAddress(pk)
		}
		// NewExchange(ctx, pk, baseURL, meta, vaultAddress, accountAddress, spotMeta, opts...)
		c.exchange = hyperliquid.NewExchange(ctx, pk, cfg.BaseURL, meta, "", c.address, nil)
	}
	if c.address == "" {
		return nil, fmt.Errorf("hyperliquid: wallet address or private key required")
	}
	if !common.IsHexAddress(c.address) {
		return nil, fmt.Errorf("hyperliquid: invalid wallet address %q", c.address)
	}

	log.Info().Str("address", c.address).Bool("trading", c.exchange != nil).Int("assets", len(meta.Universe)).Msg("hyperliquid client ready")
	return c, nil
}

func deriveAddress(pk *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(pk.PublicKey).Hex()
}

var _ exchange.Exchange = (*Client)(nil)

func (c *Client) Name() domain.Venue { return domain.VenueHyperliquid }

func (c *Client) assetIndex(token string) (int, error) {
	for i, asset := range c.meta.Universe {
		if asset.Name == token {
			return i, nil
		}
	}
	return -1, fmt.Errorf("hyperliquid: %s not found in universe", token)
}

// assetCtx returns the funding rate and mid price for token.
func (c *Client) assetCtx(ctx context.Context, token string) (funding, mid float64, err error) {
	state, err := c.info.MetaAndAssetCtxs(ctx)
	if err != nil {
		return 0, 0, err
	}

	idx := -1
	for i, asset := range state.Universe {
		if asset.Name == token {
			idx = i
			break
		}
	}
	if idx == -1 {
		return 0, 0, fmt.Errorf("hyperliquid: %s not found in universe", token)
	}
	if idx >= len(state.Ctxs) {
		return 0, 0, fmt.Errorf("hyperliquid: asset context not found for index %d", idx)
	}

	funding, err = strconv.ParseFloat(state.Ctxs[idx].Funding, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse funding rate: %w", err)
	}
	mid, err = strconv.ParseFloat(state.Ctxs[idx].MidPx, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse mid price: %w", err)
	}
	return funding, mid, nil
}

// FundingPeriod is the period Hyperliquid quotes funding over.
func (c *Client) FundingPeriod() time.Duration {
	if c.cfg.FundingPeriod > 0 {
		return c.cfg.FundingPeriod
	}
	return time.Hour
}

// GetFundingRate returns the asset's current funding rate per FundingPeriod.
func (c *Client) GetFundingRate(ctx context.Context, token string) (float64, error) {
	r, _, err := c.assetCtx(ctx, token)
	return r, err
}

func (c *Client) GetMarkPrice(ctx context.Context, token string) (float64, error) {
	_, px, err := c.assetCtx(ctx, token)
	if err != nil {
		return 0, err
	}
	if px <= 0 {
		return 0, fmt.Errorf("hyperliquid: no price for %s", token)
	}
	return px, nil
}

// GetMarketSpec derives lot size from szDecimals. Maintenance margin is left
// to the configured default.
func (c *Client) GetMarketSpec(_ context.Context, token string) (*exchange.MarketSpec, error) {
	idx, err := c.assetIndex(token)
	if err != nil {
		return nil, err
	}
	asset := c.meta.Universe[idx]
	step := math.Pow10(-asset.SzDecimals)
	return &exchange.MarketSpec{
		Token:       token,
		MinSize:     step,
		LotStep:     step,
		MaxLeverage: asset.MaxLeverage,
	}, nil
}

func (c *Client) GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	state, err := c.info.UserState(ctx, c.address)
	if err != nil {
		return nil, err
	}
	available, err := strconv.ParseFloat(state.Withdrawable, 64)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawable: %w", err)
	}
	used, err := strconv.ParseFloat(state.MarginSummary.TotalMarginUsed, 64)
	if err != nil {
		return nil, fmt.Errorf("parse margin used: %w", err)
	}
	return &domain.AccountSnapshot{
		Venue:            domain.VenueHyperliquid,
		AvailableBalance: available,
		MarginUsed:       used,
		FetchedAt:        nowFunc(),
	}, nil
}

func (c *Client) GetOpenPosition(ctx context.Context, token string) (*exchange.Position, error) {
	state, err := c.info.UserState(ctx, c.address)
	if err != nil {
		return nil, err
	}
	for _, ap := range state.AssetPositions {
		if ap.Position.Coin != token {
			continue
		}
		return positionFromSzi(token, ap.Position.Szi)
	}
	return nil, nil
}

// positionFromSzi converts a signed size into a position; zero is flat.
func positionFromSzi(token, szi string) (*exchange.Position, error) {
	size, err := strconv.ParseFloat(szi, 64)
	if err != nil {
		return nil, fmt.Errorf("parse position size %q: %w", szi, err)
	}
	if size == 0 {
		return nil, nil
	}
	side := domain.SideLong
	if size < 0 {
		side = domain.SideShort
	}
	return &exchange.Position{Token: token, Side: side, Size: math.Abs(size)}, nil
}

// PlaceOrder submits an immediate-or-cancel limit order priced through the
// mid by the configured slippage.
func (c *Client) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.OrderResult, error) {
	if c.exchange == nil {
		return nil, ErrReadOnly
	}
	idx, err := c.assetIndex(req.Token)
	if err != nil {
		return nil, err
	}
	szDecimals := c.meta.Universe[idx].SzDecimals

	_, mid, err := c.assetCtx(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	price := roundPrice(exchange.SlippagePrice(mid, req.Side, c.cfg.Slippage), szDecimals)
	size := roundSize(req.Size, szDecimals)
	if size <= 0 {
		return nil, fmt.Errorf("hyperliquid: size %v rounds to zero at %d decimals", req.Size, szDecimals)
	}

	if !req.ReduceOnly {
		if err := exchange.CheckLeverage(req.Token, req.Leverage, c.meta.Universe[idx].MaxLeverage); err != nil {
			return nil, err
		}
		if err := c.leverage.Ensure(ctx, req.Token, req.Leverage, c.updateLeverage); err != nil {
			return nil, err
		}
	}

	orderReq := hyperliquid.CreateOrderRequest{
		Coin:  req.Token,
		IsBuy: req.Side.IsBuy(),
		Size:  size,
		Price: price,
		OrderType: hyperliquid.OrderType{
			Limit: &hyperliquid.LimitOrderType{
				Tif: hyperliquid.TifIoc,
			},
		},
		ReduceOnly: req.ReduceOnly,
	}

	res, err := c.exchange.Order(ctx, orderReq, nil)
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, fmt.Errorf("hyperliquid order rejected: %s", *res.Error)
	}

	out := &exchange.OrderResult{Status: "unknown"}
	switch {
	case res.Filled != nil:
		out.Status = "filled"
		out.OrderID = strconv.Itoa(res.Filled.Oid)
		if out.FilledSize, err = strconv.ParseFloat(res.Filled.TotalSz, 64); err != nil {
			return nil, fmt.Errorf("parse filled size: %w", err)
		}
		if out.FillPrice, err = strconv.ParseFloat(res.Filled.AvgPx, 64); err != nil {
			return nil, fmt.Errorf("parse fill price: %w", err)
		}
		if out.FilledSize < size {
			out.Status = "partial"
		}
	case res.Resting != nil:
		out.Status = "open"
		out.OrderID = strconv.FormatInt(res.Resting.Oid, 10)
	}

	c.log.Info().
		Str("token", req.Token).
		Str("side", string(req.Side)).
		Bool("reduce_only", req.ReduceOnly).
		Float64("size", size).
		Float64("limit", price).
		Str("status", out.Status).
		Float64("filled", out.FilledSize).
		Float64("avg_px", out.FillPrice).
		Msg("order submitted")
	return out, nil
}

// updateLeverage sets isolated leverage on the asset.
func (c *Client) updateLeverage(ctx context.Context, token string, leverage int) error {
	if _, err := c.exchange.UpdateLeverage(ctx, leverage, token, false); err != nil {
		return err
	}
	c.log.Info().Str("token", token).Int("leverage", leverage).Msg("leverage updated")
	return nil
}

func (c *Client) ClosePosition(ctx context.Context, token string) (*exchange.OrderResult, error) {
	pos, err := c.GetOpenPosition(ctx, token)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return &exchange.OrderResult{Status: "flat"}, nil
	}
	return c.PlaceOrder(ctx, &exchange.OrderRequest{
		Token:      token,
		Side:       pos.Side.Opposite(),
		Size:       pos.Size,
		ReduceOnly: true,
	})
}

// roundPrice keeps five significant figures and at most 6-szDecimals
// decimals, the tick rule for perpetuals. Integer prices are always valid.
func roundPrice(px float64, szDecimals int) float64 {
	if px <= 0 {
		return 0
	}
	digits := int(math.Floor(math.Log10(px))) + 1
	decimals := min(max(5-digits, 0), max(6-szDecimals, 0))
	return decimal.NewFromFloat(px).Round(int32(decimals)).InexactFloat64()
}

func roundSize(size float64, szDecimals int) float64 {
	return decimal.NewFromFloat(size).Truncate(int32(szDecimals)).InexactFloat64()
}
