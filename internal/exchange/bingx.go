package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trinity/internal/models"
)

const bingxBaseURL = "https://open-api.bingx.com"

// BingXAdapter implements Adapter for BingX's swap v2 API. Like
// HTXAdapter, this is a lean adapter: sequential funding poller only,
// no batch endpoint, no WS fallback.
type BingXAdapter struct {
	venueLimiter

	apiKey    string
	secretKey string

	http *HTTPClient
	log  *zap.SugaredLogger
	name string

	cache *FundingCache

	specMu sync.RWMutex
	specs  map[string]models.InstrumentSpec

	settingsMu      sync.Mutex
	settingsApplied map[string]bool

	leverage int

	symbolsMu     sync.RWMutex
	activeSymbols []string
}

func NewBingXAdapter(log *zap.SugaredLogger) *BingXAdapter {
	return &BingXAdapter{
		http:            GetGlobalHTTPClient(),
		log:             log,
		name:            "bingx",
		cache:           NewFundingCache(),
		specs:           make(map[string]models.InstrumentSpec),
		settingsApplied: make(map[string]bool),
		leverage:        3,
	}
}

func (b *BingXAdapter) SetTradingDefaults(leverage int, marginMode, positionMode string) {
	b.leverage = leverage
}

func (b *BingXAdapter) Name() string { return b.name }

func (b *BingXAdapter) ListSymbols() []string {
	b.symbolsMu.RLock()
	defer b.symbolsMu.RUnlock()
	out := make([]string, len(b.activeSymbols))
	copy(out, b.activeSymbols)
	return out
}

func (b *BingXAdapter) fromSymbol(s string) string {
	return strings.ReplaceAll(s, "-", "")
}

func (b *BingXAdapter) sign(params url.Values) string {
	mac := hmac.New(sha256.New, []byte(b.secretKey))
	mac.Write([]byte(params.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (b *BingXAdapter) toSymbol(symbol string) string {
	base := strings.TrimSuffix(symbol, "USDT")
	return base + "-USDT"
}

func (b *BingXAdapter) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	if signed {
		query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		query.Set("signature", b.sign(query))
	}

	reqURL := bingxBaseURL + endpoint
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-BX-APIKEY", b.apiKey)

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, NewNetworkError(b.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewNetworkError(b.name, err)
	}

	var base struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &base); err != nil {
		return nil, NewTransientError(b.name, err)
	}
	if base.Code != 0 {
		return nil, classifyGenericError(b.name, strconv.Itoa(base.Code), base.Msg)
	}
	return body, nil
}

func (b *BingXAdapter) Connect(ctx context.Context, apiKey, secret, passphrase string) error {
	b.apiKey = apiKey
	b.secretKey = secret

	if _, err := b.GetBalance(ctx); err != nil {
		var authErr *AuthError
		if asAuthError(err, &authErr) {
			return authErr
		}
		return NewTransientError(b.name, err)
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/openApi/swap/v2/quote/contracts", nil, false)
	if err != nil {
		return NewTransientError(b.name, err)
	}
	var resp struct {
		Data []struct {
			Symbol string `json:"symbol"`
			Status int    `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return NewTransientError(b.name, err)
	}
	var symbols []string
	for _, c := range resp.Data {
		if c.Status == 1 {
			symbols = append(symbols, b.fromSymbol(c.Symbol))
		}
	}
	if len(symbols) == 0 {
		return NewIncompatibleVenueError(b.name)
	}
	b.symbolsMu.Lock()
	b.activeSymbols = symbols
	b.symbolsMu.Unlock()
	return nil
}

func (b *BingXAdapter) EnsureTradingSettings(ctx context.Context, symbol string) error {
	b.settingsMu.Lock()
	if b.settingsApplied[symbol] {
		b.settingsMu.Unlock()
		return nil
	}
	b.settingsMu.Unlock()

	_, err := b.doRequest(ctx, http.MethodPost, "/openApi/swap/v2/trade/leverage", map[string]string{
		"symbol":   b.toSymbol(symbol),
		"side":     "BOTH",
		"leverage": strconv.Itoa(b.leverage),
	}, true)
	if err != nil {
		return err
	}

	b.settingsMu.Lock()
	b.settingsApplied[symbol] = true
	b.settingsMu.Unlock()
	return nil
}

func (b *BingXAdapter) GetInstrumentSpec(ctx context.Context, symbol string) (models.InstrumentSpec, error) {
	b.specMu.RLock()
	spec, ok := b.specs[symbol]
	b.specMu.RUnlock()
	if ok {
		return spec, nil
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/openApi/swap/v2/quote/contracts", map[string]string{"symbol": b.toSymbol(symbol)}, false)
	if err != nil {
		return models.InstrumentSpec{}, err
	}
	var resp struct {
		Data []struct {
			TradeMinQuantity string `json:"tradeMinQuantity"`
			PricePrecision   int    `json:"pricePrecision"`
			QuantityPrecision int   `json:"quantityPrecision"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.InstrumentSpec{}, NewTransientError(b.name, err)
	}
	if len(resp.Data) == 0 {
		return models.InstrumentSpec{}, fmt.Errorf("bingx: contract info not found for %s", symbol)
	}

	d := resp.Data[0]
	tick := decimal.New(1, int32(-d.PricePrecision))
	lot := decimal.New(1, int32(-d.QuantityPrecision))
	minQty := decimalOrZero(d.TradeMinQuantity)

	spec = models.InstrumentSpec{
		Exchange:     b.name,
		Symbol:       symbol,
		ContractSize: decimal.NewFromInt(1),
		TickSize:     tick,
		LotSize:      lot,
		MinNotional:  minQty,
		MakerFeeRate: decimal.NewFromFloat(0.0002),
		TakerFeeRate: decimal.NewFromFloat(0.0005),
	}
	b.specMu.Lock()
	b.specs[symbol] = spec
	b.specMu.Unlock()
	return spec, nil
}

func (b *BingXAdapter) GetBalance(ctx context.Context) (Balance, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/openApi/swap/v2/user/balance", nil, true)
	if err != nil {
		return Balance{}, err
	}
	var resp struct {
		Data struct {
			Balance struct {
				Balance         string `json:"balance"`
				AvailableMargin string `json:"availableMargin"`
			} `json:"balance"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Balance{}, NewTransientError(b.name, err)
	}
	total := decimalOrZero(resp.Data.Balance.Balance)
	free := decimalOrZero(resp.Data.Balance.AvailableMargin)
	return Balance{Total: total, Free: free, Used: total.Sub(free)}, nil
}

func (b *BingXAdapter) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/openApi/swap/v2/quote/ticker", map[string]string{"symbol": b.toSymbol(symbol)}, false)
	if err != nil {
		return Ticker{}, err
	}
	var resp struct {
		Data struct {
			BidPrice string `json:"bidPrice"`
			AskPrice string `json:"askPrice"`
			LastPrice string `json:"lastPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Ticker{}, NewTransientError(b.name, err)
	}
	return Ticker{
		Symbol:    symbol,
		Bid:       decimalOrZero(resp.Data.BidPrice),
		Ask:       decimalOrZero(resp.Data.AskPrice),
		Last:      decimalOrZero(resp.Data.LastPrice),
		Timestamp: time.Now(),
	}, nil
}

func (b *BingXAdapter) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/openApi/swap/v2/user/positions", map[string]string{"symbol": b.toSymbol(symbol)}, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []struct {
			Symbol           string `json:"symbol"`
			PositionSide     string `json:"positionSide"`
			PositionAmt      string `json:"positionAmt"`
			AvgPrice         string `json:"avgPrice"`
			Leverage         int    `json:"leverage"`
			UnrealizedProfit string `json:"unrealizedProfit"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewTransientError(b.name, err)
	}

	out := make([]models.Position, 0, len(resp.Data))
	for _, p := range resp.Data {
		sym := strings.ReplaceAll(p.Symbol, "-", "")
		qty := decimalOrZero(p.PositionAmt)
		if qty.IsZero() {
			continue
		}
		side := models.SideBuy
		if p.PositionSide == "SHORT" {
			side = models.SideSell
		}
		out = append(out, models.Position{
			Exchange:      b.name,
			Symbol:        sym,
			Side:          side,
			Quantity:      qty.Abs(),
			EntryPrice:    decimalOrZero(p.AvgPrice),
			UnrealizedPnl: decimalOrZero(p.UnrealizedProfit),
			Leverage:      p.Leverage,
			UpdatedAt:     time.Now(),
		})
	}
	return out, nil
}

func (b *BingXAdapter) GetFundingRate(ctx context.Context, symbol string) (models.FundingCacheEntry, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/openApi/swap/v2/quote/premiumIndex", map[string]string{"symbol": b.toSymbol(symbol)}, false)
	if err != nil {
		return models.FundingCacheEntry{}, err
	}
	var resp struct {
		Data struct {
			LastFundingRate string `json:"lastFundingRate"`
			NextFundingTime int64  `json:"nextFundingTime"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.FundingCacheEntry{}, NewTransientError(b.name, err)
	}

	interval := models.DefaultFundingIntervalHours
	now := time.Now()
	return models.FundingCacheEntry{
		Exchange:      b.name,
		Symbol:        symbol,
		Rate:          decimalOrZero(resp.Data.LastFundingRate),
		IntervalHours: interval,
		NextPaymentAt: models.AdvancePastNow(time.UnixMilli(resp.Data.NextFundingTime), interval, now),
		UpdatedAt:     now,
	}, nil
}

func (b *BingXAdapter) GetCachedFunding(symbol string) (models.FundingCacheEntry, bool) {
	return b.cache.Get(symbol)
}

func (b *BingXAdapter) WarmUpFunding(ctx context.Context, symbols []string) error {
	return WarmUpSequential(ctx, b.cache, symbols, b.GetFundingRate)
}

func (b *BingXAdapter) StartFundingWatchers(ctx context.Context, symbols []string) {
	go RunSequentialWatcher(ctx, b.log, b.name, b.cache, symbols, b.GetFundingRate)
}

func (b *BingXAdapter) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.FillResult, error) {
	spec, err := b.GetInstrumentSpec(ctx, req.Symbol)
	if err != nil {
		return models.FillResult{}, err
	}
	qty := spec.RoundDownToLot(req.Quantity)
	if qty.IsZero() {
		return models.FillResult{}, fmt.Errorf("bingx: quantity rounds to zero for %s", req.Symbol)
	}

	side := "BUY"
	positionSide := "LONG"
	if req.Side == models.SideSell {
		side = "SELL"
		positionSide = "SHORT"
	}
	if req.ReduceOnly {
		if req.Side == models.SideSell {
			positionSide = "LONG"
		} else {
			positionSide = "SHORT"
		}
	}

	params := map[string]string{
		"symbol":       b.toSymbol(req.Symbol),
		"side":         side,
		"positionSide": positionSide,
		"type":         "MARKET",
		"quantity":     qty.String(),
	}

	orderCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body, err := b.doRequest(orderCtx, http.MethodPost, "/openApi/swap/v2/trade/order", params, true)
	if err != nil {
		if orderCtx.Err() != nil {
			return models.FillResult{}, NewOrderTimeoutError(b.name, err)
		}
		return models.FillResult{}, err
	}

	var resp struct {
		Data struct {
			Order struct {
				OrderId int64 `json:"orderId"`
			} `json:"order"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.FillResult{}, NewTransientError(b.name, err)
	}

	return models.FillResult{
		OrderID:       strconv.FormatInt(resp.Data.Order.OrderId, 10),
		FilledBaseQty: qty,
		Status:        models.OrderStatusFilled,
	}, nil
}

func (b *BingXAdapter) Close() error { return nil }
