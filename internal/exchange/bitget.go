package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
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

const (
	bitgetBaseURL     = "https://api.bitget.com"
	bitgetProductType = "USDT-FUTURES"
)

// BitgetAdapter implements Adapter for Bitget's v2 mix API. No batch
// funding endpoint; refresh runs through the sequential poller.
type BitgetAdapter struct {
	venueLimiter

	apiKey     string
	secretKey  string
	passphrase string

	http *HTTPClient
	log  *zap.SugaredLogger
	name string

	cache *FundingCache

	specMu sync.RWMutex
	specs  map[string]models.InstrumentSpec

	settingsMu      sync.Mutex
	settingsApplied map[string]bool

	leverage     int
	marginMode   string
	positionMode string

	symbolsMu     sync.RWMutex
	activeSymbols []string
}

func NewBitgetAdapter(log *zap.SugaredLogger) *BitgetAdapter {
	return &BitgetAdapter{
		http:            GetGlobalHTTPClient(),
		log:             log,
		name:            "bitget",
		cache:           NewFundingCache(),
		specs:           make(map[string]models.InstrumentSpec),
		settingsApplied: make(map[string]bool),
		leverage:        3,
		marginMode:      MarginModeCross,
		positionMode:    PositionModeOneway,
	}
}

func (b *BitgetAdapter) SetTradingDefaults(leverage int, marginMode, positionMode string) {
	b.leverage = leverage
	b.marginMode = marginMode
	b.positionMode = positionMode
}

func (b *BitgetAdapter) Name() string { return b.name }

func (b *BitgetAdapter) ListSymbols() []string {
	b.symbolsMu.RLock()
	defer b.symbolsMu.RUnlock()
	out := make([]string, len(b.activeSymbols))
	copy(out, b.activeSymbols)
	return out
}

func (b *BitgetAdapter) sign(timestamp, method, requestPath, body string) string {
	message := timestamp + method + requestPath + body
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (b *BitgetAdapter) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	var reqBody, reqURL string

	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		reqURL = bitgetBaseURL + endpoint
		if qs := query.Encode(); qs != "" {
			reqURL += "?" + qs
		}
	} else {
		reqURL = bitgetBaseURL + endpoint
		if len(params) > 0 {
			jsonBytes, _ := json.Marshal(params)
			reqBody = string(jsonBytes)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		signPath := endpoint
		if method == http.MethodGet && len(params) > 0 {
			query := url.Values{}
			for k, v := range params {
				query.Set(k, v)
			}
			signPath = endpoint + "?" + query.Encode()
		}
		signature := b.sign(timestamp, method, signPath, reqBody)
		req.Header.Set("ACCESS-KEY", b.apiKey)
		req.Header.Set("ACCESS-SIGN", signature)
		req.Header.Set("ACCESS-TIMESTAMP", timestamp)
		req.Header.Set("ACCESS-PASSPHRASE", b.passphrase)
	}

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
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &base); err != nil {
		return nil, NewTransientError(b.name, err)
	}
	if base.Code != "00000" {
		return nil, classifyGenericError(b.name, base.Code, base.Msg)
	}
	return body, nil
}

// classifyGenericError is the shared fallback for venues without
// documented fine-grained error codes in the pack: auth/balance
// substrings are still worth distinguishing, everything else is a
// plain VenueError.
func classifyGenericError(exchange, code, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "signature") || strings.Contains(lower, "apikey") || strings.Contains(lower, "permission"):
		return NewAuthError(exchange, fmt.Errorf("%s %s: %s", exchange, code, msg))
	case strings.Contains(lower, "insufficient") || strings.Contains(lower, "balance"):
		return NewInsufficientBalanceError(exchange, fmt.Errorf("%s %s: %s", exchange, code, msg))
	default:
		return &VenueError{Exchange: exchange, Message: fmt.Sprintf("%s %s: %s", exchange, code, msg)}
	}
}

func (b *BitgetAdapter) Connect(ctx context.Context, apiKey, secret, passphrase string) error {
	b.apiKey = apiKey
	b.secretKey = secret
	b.passphrase = passphrase

	if _, err := b.GetBalance(ctx); err != nil {
		var authErr *AuthError
		if asAuthError(err, &authErr) {
			return authErr
		}
		return NewTransientError(b.name, err)
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/contracts", map[string]string{"productType": bitgetProductType}, false)
	if err != nil {
		return NewTransientError(b.name, err)
	}
	var resp struct {
		Data []struct {
			Symbol       string `json:"symbol"`
			SymbolStatus string `json:"symbolStatus"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return NewTransientError(b.name, err)
	}
	var symbols []string
	for _, s := range resp.Data {
		if s.SymbolStatus == "normal" {
			symbols = append(symbols, s.Symbol)
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

func (b *BitgetAdapter) EnsureTradingSettings(ctx context.Context, symbol string) error {
	b.settingsMu.Lock()
	if b.settingsApplied[symbol] {
		b.settingsMu.Unlock()
		return nil
	}
	b.settingsMu.Unlock()

	marginMode := "crossed"
	if b.marginMode == MarginModeIsolated {
		marginMode = "isolated"
	}
	if _, err := b.doRequest(ctx, http.MethodPost, "/api/v2/mix/account/set-margin-mode", map[string]string{
		"symbol":      symbol,
		"productType": bitgetProductType,
		"marginCoin":  "USDT",
		"marginMode":  marginMode,
	}, true); err != nil {
		return err
	}

	if _, err := b.doRequest(ctx, http.MethodPost, "/api/v2/mix/account/set-leverage", map[string]string{
		"symbol":      symbol,
		"productType": bitgetProductType,
		"marginCoin":  "USDT",
		"leverage":    strconv.Itoa(b.leverage),
	}, true); err != nil {
		return err
	}

	b.settingsMu.Lock()
	b.settingsApplied[symbol] = true
	b.settingsMu.Unlock()
	return nil
}

func (b *BitgetAdapter) GetInstrumentSpec(ctx context.Context, symbol string) (models.InstrumentSpec, error) {
	b.specMu.RLock()
	spec, ok := b.specs[symbol]
	b.specMu.RUnlock()
	if ok {
		return spec, nil
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/contracts", map[string]string{
		"productType": bitgetProductType,
		"symbol":      symbol,
	}, false)
	if err != nil {
		return models.InstrumentSpec{}, err
	}
	var resp struct {
		Data []struct {
			MinTradeNum string `json:"minTradeNum"`
			PriceEndStep string `json:"priceEndStep"`
			PricePlace  string `json:"pricePlace"`
			VolumePlace string `json:"volumePlace"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.InstrumentSpec{}, NewTransientError(b.name, err)
	}
	if len(resp.Data) == 0 {
		return models.InstrumentSpec{}, fmt.Errorf("bitget: contract info not found for %s", symbol)
	}

	spec = models.InstrumentSpec{
		Exchange:     b.name,
		Symbol:       symbol,
		ContractSize: decimal.NewFromInt(1),
		TickSize:     decimalOrZero(resp.Data[0].MinTradeNum),
		LotSize:      decimalOrZero(resp.Data[0].MinTradeNum),
		MinNotional:  decimal.NewFromInt(5),
		MakerFeeRate: decimal.NewFromFloat(0.0002),
		TakerFeeRate: decimal.NewFromFloat(0.0006),
	}
	b.specMu.Lock()
	b.specs[symbol] = spec
	b.specMu.Unlock()
	return spec, nil
}

func (b *BitgetAdapter) GetBalance(ctx context.Context) (Balance, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/account/account", map[string]string{
		"symbol":      "BTCUSDT",
		"productType": bitgetProductType,
		"marginCoin":  "USDT",
	}, true)
	if err != nil {
		return Balance{}, err
	}
	var resp struct {
		Data struct {
			Equity    string `json:"usdtEquity"`
			Available string `json:"available"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Balance{}, NewTransientError(b.name, err)
	}
	total := decimalOrZero(resp.Data.Equity)
	free := decimalOrZero(resp.Data.Available)
	return Balance{Total: total, Free: free, Used: total.Sub(free)}, nil
}

func (b *BitgetAdapter) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/ticker", map[string]string{
		"symbol":      symbol,
		"productType": bitgetProductType,
	}, false)
	if err != nil {
		return Ticker{}, err
	}
	var resp struct {
		Data []struct {
			BidPr string `json:"bidPr"`
			AskPr string `json:"askPr"`
			Last  string `json:"lastPr"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Ticker{}, NewTransientError(b.name, err)
	}
	if len(resp.Data) == 0 {
		return Ticker{}, fmt.Errorf("bitget: ticker not found for %s", symbol)
	}
	t := resp.Data[0]
	return Ticker{Symbol: symbol, Bid: decimalOrZero(t.BidPr), Ask: decimalOrZero(t.AskPr), Last: decimalOrZero(t.Last), Timestamp: time.Now()}, nil
}

func (b *BitgetAdapter) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/position/all-position", map[string]string{
		"productType": bitgetProductType,
		"marginCoin":  "USDT",
	}, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []struct {
			Symbol        string `json:"symbol"`
			HoldSide      string `json:"holdSide"`
			Total         string `json:"total"`
			AvgPrice      string `json:"openPriceAvg"`
			Leverage      string `json:"leverage"`
			UnrealizedPL  string `json:"unrealizedPL"`
			CTime         string `json:"cTime"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewTransientError(b.name, err)
	}
	out := make([]models.Position, 0, len(resp.Data))
	for _, p := range resp.Data {
		if symbol != "" && p.Symbol != symbol {
			continue
		}
		size := decimalOrZero(p.Total)
		if size.IsZero() {
			continue
		}
		side := models.SideBuy
		if p.HoldSide == "short" {
			side = models.SideSell
		}
		leverage, _ := strconv.Atoi(p.Leverage)
		ctimeMs, _ := strconv.ParseInt(p.CTime, 10, 64)

		out = append(out, models.Position{
			Exchange:      b.name,
			Symbol:        p.Symbol,
			Side:          side,
			Quantity:      size,
			EntryPrice:    decimalOrZero(p.AvgPrice),
			UnrealizedPnl: decimalOrZero(p.UnrealizedPL),
			Leverage:      leverage,
			UpdatedAt:     time.UnixMilli(ctimeMs),
		})
	}
	return out, nil
}

func (b *BitgetAdapter) GetFundingRate(ctx context.Context, symbol string) (models.FundingCacheEntry, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/current-fund-rate", map[string]string{
		"symbol":      symbol,
		"productType": bitgetProductType,
	}, false)
	if err != nil {
		return models.FundingCacheEntry{}, err
	}
	var resp struct {
		Data []struct {
			FundingRate string `json:"fundingRate"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.FundingCacheEntry{}, NewTransientError(b.name, err)
	}
	if len(resp.Data) == 0 {
		return models.FundingCacheEntry{}, fmt.Errorf("bitget: funding not found for %s", symbol)
	}

	now := time.Now()
	interval := models.DefaultFundingIntervalHours
	return models.FundingCacheEntry{
		Exchange:      b.name,
		Symbol:        symbol,
		Rate:          decimalOrZero(resp.Data[0].FundingRate),
		IntervalHours: interval,
		NextPaymentAt: models.AdvancePastNow(time.Time{}, interval, now),
		UpdatedAt:     now,
	}, nil
}

func (b *BitgetAdapter) GetCachedFunding(symbol string) (models.FundingCacheEntry, bool) {
	return b.cache.Get(symbol)
}

func (b *BitgetAdapter) WarmUpFunding(ctx context.Context, symbols []string) error {
	return WarmUpSequential(ctx, b.cache, symbols, b.GetFundingRate)
}

func (b *BitgetAdapter) StartFundingWatchers(ctx context.Context, symbols []string) {
	go RunSequentialWatcher(ctx, b.log, b.name, b.cache, symbols, b.GetFundingRate)
}

func (b *BitgetAdapter) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.FillResult, error) {
	spec, err := b.GetInstrumentSpec(ctx, req.Symbol)
	if err != nil {
		return models.FillResult{}, err
	}
	qty := spec.RoundDownToLot(req.Quantity)
	if qty.IsZero() {
		return models.FillResult{}, fmt.Errorf("bitget: quantity rounds to zero for %s", req.Symbol)
	}

	side := "buy"
	if req.Side == models.SideSell {
		side = "sell"
	}
	params := map[string]string{
		"symbol":      req.Symbol,
		"productType": bitgetProductType,
		"marginCoin":  "USDT",
		"marginMode":  "crossed",
		"side":        side,
		"orderType":   "market",
		"size":        qty.String(),
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "YES"
	}

	orderCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body, err := b.doRequest(orderCtx, http.MethodPost, "/api/v2/mix/order/place-order", params, true)
	if err != nil {
		if orderCtx.Err() != nil {
			return models.FillResult{}, NewOrderTimeoutError(b.name, err)
		}
		return models.FillResult{}, err
	}

	var resp struct {
		Data struct {
			OrderId string `json:"orderId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.FillResult{}, NewTransientError(b.name, err)
	}

	return models.FillResult{OrderID: resp.Data.OrderId, FilledBaseQty: qty, Status: models.OrderStatusFilled}, nil
}

func (b *BitgetAdapter) Close() error { return nil }
