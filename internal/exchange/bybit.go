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

const (
	bybitBaseURL    = "https://api.bybit.com"
	bybitWSPublic   = "wss://stream.bybit.com/v5/public/linear"
	bybitRecvWindow = "10000"
)

// BybitAdapter implements Adapter for Bybit's v5 unified API. It is the
// only venue with a wired WebSocket fallback (spec's supplemented
// feature): the batch REST watcher remains the source of truth, the
// public ticker stream just shortens the staleness window when it is up.
type BybitAdapter struct {
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

	leverage     int
	marginMode   string
	positionMode string

	symbolsMu     sync.RWMutex
	activeSymbols []string

	wsMu      sync.Mutex
	wsManager *WSReconnectManager
}

// NewBybitAdapter constructs an adapter with sane margin/leverage
// defaults; call SetTradingDefaults to override from config.
func NewBybitAdapter(log *zap.SugaredLogger) *BybitAdapter {
	return &BybitAdapter{
		http:            GetGlobalHTTPClient(),
		log:             log,
		name:            "bybit",
		cache:           NewFundingCache(),
		specs:           make(map[string]models.InstrumentSpec),
		settingsApplied: make(map[string]bool),
		leverage:        3,
		marginMode:      MarginModeCross,
		positionMode:    PositionModeOneway,
	}
}

// SetTradingDefaults overrides the margin mode, leverage, and position
// mode applied by EnsureTradingSettings.
func (b *BybitAdapter) SetTradingDefaults(leverage int, marginMode, positionMode string) {
	b.leverage = leverage
	b.marginMode = marginMode
	b.positionMode = positionMode
}

func (b *BybitAdapter) Name() string { return b.name }

func (b *BybitAdapter) ListSymbols() []string {
	b.symbolsMu.RLock()
	defer b.symbolsMu.RUnlock()
	out := make([]string, len(b.activeSymbols))
	copy(out, b.activeSymbols)
	return out
}

func (b *BybitAdapter) sign(timestamp, params string) string {
	message := timestamp + b.apiKey + bybitRecvWindow + params
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BybitAdapter) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	var reqBody, reqURL string

	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		reqBody = query.Encode()
		reqURL = bybitBaseURL + endpoint
		if reqBody != "" {
			reqURL += "?" + reqBody
		}
	} else {
		reqURL = bybitBaseURL + endpoint
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
		signature := b.sign(timestamp, reqBody)
		req.Header.Set("X-BAPI-API-KEY", b.apiKey)
		req.Header.Set("X-BAPI-SIGN", signature)
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
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
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &base); err != nil {
		return nil, NewTransientError(b.name, err)
	}
	if base.RetCode != 0 {
		return nil, classifyBybitError(b.name, base.RetCode, base.RetMsg)
	}
	return body, nil
}

func classifyBybitError(exchange string, code int, msg string) error {
	switch code {
	case 10003, 10004, 10005:
		return NewAuthError(exchange, fmt.Errorf("bybit %d: %s", code, msg))
	case 110007, 110012:
		return NewInsufficientBalanceError(exchange, fmt.Errorf("bybit %d: %s", code, msg))
	case 110043:
		// leverage not modified: idempotent no-op, not a real failure.
		return nil
	default:
		return &VenueError{Exchange: exchange, Message: fmt.Sprintf("bybit %d: %s", code, msg)}
	}
}

func (b *BybitAdapter) Connect(ctx context.Context, apiKey, secret, passphrase string) error {
	b.apiKey = apiKey
	b.secretKey = secret

	if _, err := b.GetBalance(ctx); err != nil {
		var authErr *AuthError
		if ok := asAuthError(err, &authErr); ok {
			return authErr
		}
		return NewTransientError(b.name, err)
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", map[string]string{"category": "linear"}, false)
	if err != nil {
		return NewTransientError(b.name, err)
	}
	var instrResp struct {
		Result struct {
			List []struct {
				Symbol      string `json:"symbol"`
				Status      string `json:"status"`
				QuoteCoin   string `json:"quoteCoin"`
				ContractType string `json:"contractType"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &instrResp); err != nil {
		return NewTransientError(b.name, err)
	}
	var symbols []string
	for _, s := range instrResp.Result.List {
		if s.Status == "Trading" && s.QuoteCoin == "USDT" && s.ContractType == "LinearPerpetual" {
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

func asAuthError(err error, target **AuthError) bool {
	if ae, ok := err.(*AuthError); ok {
		*target = ae
		return true
	}
	return false
}

func (b *BybitAdapter) EnsureTradingSettings(ctx context.Context, symbol string) error {
	b.settingsMu.Lock()
	if b.settingsApplied[symbol] {
		b.settingsMu.Unlock()
		return nil
	}
	b.settingsMu.Unlock()

	lev := strconv.Itoa(b.leverage)
	_, err := b.doRequest(ctx, http.MethodPost, "/v5/position/set-leverage", map[string]string{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}, true)
	if err != nil {
		return err
	}

	tradeMode := "0"
	if b.marginMode == MarginModeIsolated {
		tradeMode = "1"
	}
	_, err = b.doRequest(ctx, http.MethodPost, "/v5/position/switch-isolated", map[string]string{
		"category":     "linear",
		"symbol":       symbol,
		"tradeMode":    tradeMode,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}, true)
	if err != nil {
		return err
	}

	mode := "0"
	if b.positionMode == PositionModeHedged {
		mode = "3"
	}
	_, err = b.doRequest(ctx, http.MethodPost, "/v5/position/switch-mode", map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"mode":     mode,
	}, true)
	if err != nil {
		return err
	}

	b.settingsMu.Lock()
	b.settingsApplied[symbol] = true
	b.settingsMu.Unlock()
	return nil
}

func (b *BybitAdapter) GetInstrumentSpec(ctx context.Context, symbol string) (models.InstrumentSpec, error) {
	b.specMu.RLock()
	spec, ok := b.specs[symbol]
	b.specMu.RUnlock()
	if ok {
		return spec, nil
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", map[string]string{
		"category": "linear",
		"symbol":   symbol,
	}, false)
	if err != nil {
		return models.InstrumentSpec{}, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				LotSizeFilter struct {
					QtyStep     string `json:"qtyStep"`
					MinOrderQty string `json:"minOrderQty"`
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.InstrumentSpec{}, NewTransientError(b.name, err)
	}
	if len(resp.Result.List) == 0 {
		return models.InstrumentSpec{}, fmt.Errorf("bybit: instrument info not found for %s", symbol)
	}

	info := resp.Result.List[0]
	spec = models.InstrumentSpec{
		Exchange:      b.name,
		Symbol:        symbol,
		ContractSize:  decimal.NewFromInt(1),
		TickSize:      decimalOrZero(info.PriceFilter.TickSize),
		LotSize:       decimalOrZero(info.LotSizeFilter.QtyStep),
		MinNotional:   decimal.NewFromInt(5),
		MakerFeeRate:  decimal.NewFromFloat(0.0002),
		TakerFeeRate:  decimal.NewFromFloat(0.00055),
	}

	b.specMu.Lock()
	b.specs[symbol] = spec
	b.specMu.Unlock()
	return spec, nil
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (b *BybitAdapter) GetBalance(ctx context.Context) (Balance, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", map[string]string{
		"accountType": "UNIFIED",
		"coin":        "USDT",
	}, true)
	if err != nil {
		return Balance{}, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Coin []struct {
					Coin          string `json:"coin"`
					Equity        string `json:"equity"`
					AvailableBal  string `json:"availableToWithdraw"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Balance{}, NewTransientError(b.name, err)
	}

	for _, acct := range resp.Result.List {
		for _, coin := range acct.Coin {
			if coin.Coin != "USDT" {
				continue
			}
			total := decimalOrZero(coin.Equity)
			free := decimalOrZero(coin.AvailableBal)
			return Balance{Total: total, Free: free, Used: total.Sub(free)}, nil
		}
	}
	return Balance{}, nil
}

func (b *BybitAdapter) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/tickers", map[string]string{
		"category": "linear",
		"symbol":   symbol,
	}, false)
	if err != nil {
		return Ticker{}, err
	}

	var resp struct {
		Result struct {
			List []bybitTickerEntry `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Ticker{}, NewTransientError(b.name, err)
	}
	if len(resp.Result.List) == 0 {
		return Ticker{}, fmt.Errorf("bybit: ticker not found for %s", symbol)
	}

	t := resp.Result.List[0]
	return Ticker{
		Symbol:    t.Symbol,
		Bid:       decimalOrZero(t.Bid1Price),
		Ask:       decimalOrZero(t.Ask1Price),
		Last:      decimalOrZero(t.LastPrice),
		Timestamp: time.Now(),
	}, nil
}

type bybitTickerEntry struct {
	Symbol          string `json:"symbol"`
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	LastPrice       string `json:"lastPrice"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

func (b *BybitAdapter) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	params := map[string]string{"category": "linear", "settleCoin": "USDT"}
	if symbol != "" {
		params = map[string]string{"category": "linear", "symbol": symbol}
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/position/list", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				Side          string `json:"side"`
				Size          string `json:"size"`
				AvgPrice      string `json:"avgPrice"`
				Leverage      string `json:"leverage"`
				UnrealisedPnl string `json:"unrealisedPnl"`
				UpdatedTime   string `json:"updatedTime"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewTransientError(b.name, err)
	}

	positions := make([]models.Position, 0, len(resp.Result.List))
	for _, p := range resp.Result.List {
		size := decimalOrZero(p.Size)
		if size.IsZero() {
			continue
		}
		side := models.SideBuy
		if p.Side == "Sell" {
			side = models.SideSell
		}
		leverage, _ := strconv.Atoi(p.Leverage)
		updatedMs, _ := strconv.ParseInt(p.UpdatedTime, 10, 64)

		positions = append(positions, models.Position{
			Exchange:      b.name,
			Symbol:        p.Symbol,
			Side:          side,
			Quantity:      size,
			EntryPrice:    decimalOrZero(p.AvgPrice),
			UnrealizedPnl: decimalOrZero(p.UnrealisedPnl),
			Leverage:      leverage,
			UpdatedAt:     time.UnixMilli(updatedMs),
		})
	}
	return positions, nil
}

func (b *BybitAdapter) fundingIntervalHours(ctx context.Context, symbol string) decimal.Decimal {
	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", map[string]string{
		"category": "linear",
		"symbol":   symbol,
	}, false)
	if err != nil {
		return models.DefaultFundingIntervalHours
	}
	var resp struct {
		Result struct {
			List []struct {
				FundingInterval int `json:"fundingInterval"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Result.List) == 0 {
		return models.DefaultFundingIntervalHours
	}
	minutes := resp.Result.List[0].FundingInterval
	if minutes <= 0 {
		return models.DefaultFundingIntervalHours
	}
	return decimal.NewFromInt(int64(minutes)).Div(decimal.NewFromInt(60))
}

func (b *BybitAdapter) GetFundingRate(ctx context.Context, symbol string) (models.FundingCacheEntry, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/tickers", map[string]string{
		"category": "linear",
		"symbol":   symbol,
	}, false)
	if err != nil {
		return models.FundingCacheEntry{}, err
	}

	var resp struct {
		Result struct {
			List []bybitTickerEntry `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.FundingCacheEntry{}, NewTransientError(b.name, err)
	}
	if len(resp.Result.List) == 0 {
		return models.FundingCacheEntry{}, fmt.Errorf("bybit: funding not found for %s", symbol)
	}

	t := resp.Result.List[0]
	nextMs, _ := strconv.ParseInt(t.NextFundingTime, 10, 64)
	interval := b.fundingIntervalHours(ctx, symbol)
	now := time.Now()

	entry := models.FundingCacheEntry{
		Exchange:      b.name,
		Symbol:        symbol,
		Rate:          decimalOrZero(t.FundingRate),
		IntervalHours: interval,
		NextPaymentAt: models.AdvancePastNow(time.UnixMilli(nextMs), interval, now),
		UpdatedAt:     now,
	}
	return entry, nil
}

func (b *BybitAdapter) GetCachedFunding(symbol string) (models.FundingCacheEntry, bool) {
	return b.cache.Get(symbol)
}

func (b *BybitAdapter) fetchAllFunding(ctx context.Context) (map[string]models.FundingCacheEntry, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/tickers", map[string]string{"category": "linear"}, false)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result struct {
			List []bybitTickerEntry `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewTransientError(b.name, err)
	}

	now := time.Now()
	out := make(map[string]models.FundingCacheEntry, len(resp.Result.List))
	for _, t := range resp.Result.List {
		nextMs, _ := strconv.ParseInt(t.NextFundingTime, 10, 64)
		out[t.Symbol] = models.FundingCacheEntry{
			Exchange:      b.name,
			Symbol:        t.Symbol,
			Rate:          decimalOrZero(t.FundingRate),
			IntervalHours: models.DefaultFundingIntervalHours,
			NextPaymentAt: models.AdvancePastNow(time.UnixMilli(nextMs), models.DefaultFundingIntervalHours, now),
			UpdatedAt:     now,
		}
	}
	return out, nil
}

func (b *BybitAdapter) WarmUpFunding(ctx context.Context, symbols []string) error {
	all, err := b.fetchAllFunding(ctx)
	if err != nil {
		return WarmUpSequential(ctx, b.cache, symbols, b.GetFundingRate)
	}
	filtered := make(map[string]models.FundingCacheEntry, len(symbols))
	for _, s := range symbols {
		if e, ok := all[s]; ok {
			filtered[s] = e
		}
	}
	b.cache.SetAll(filtered)
	return nil
}

func (b *BybitAdapter) StartFundingWatchers(ctx context.Context, symbols []string) {
	go RunBatchWatcher(ctx, b.log, b.name, b.cache, b.fetchAllFunding)
	go b.runStreamingFallback(ctx, symbols)
}

// runStreamingFallback subscribes to the public ticker stream, which
// carries fundingRate/nextFundingTime on every push, and feeds the same
// cache the batch watcher writes to. Its failure is invisible to the
// caller: the batch watcher above is the protocol's source of truth.
func (b *BybitAdapter) runStreamingFallback(ctx context.Context, symbols []string) {
	if len(symbols) == 0 {
		return
	}
	config := DefaultWSReconnectConfig()
	mgr := NewWSReconnectManager("bybit-public", bybitWSPublic, config, b.log)
	mgr.SetOnMessage(b.handleTickerMessage)

	b.wsMu.Lock()
	b.wsManager = mgr
	b.wsMu.Unlock()

	if err := mgr.Connect(); err != nil {
		if b.log != nil {
			b.log.Warnw("bybit streaming fallback unavailable, relying on REST poll only", "error", err)
		}
		return
	}

	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, "tickers."+s)
	}
	subMsg := map[string]interface{}{"op": "subscribe", "args": args}
	mgr.AddSubscription(subMsg)
	_ = mgr.Send(subMsg)

	<-ctx.Done()
	mgr.Close()
}

func (b *BybitAdapter) handleTickerMessage(message []byte) {
	var msg struct {
		Topic string           `json:"topic"`
		Data  bybitTickerEntry `json:"data"`
	}
	if err := json.Unmarshal(message, &msg); err != nil || !strings.HasPrefix(msg.Topic, "tickers.") {
		return
	}
	if msg.Data.FundingRate == "" {
		return
	}
	nextMs, _ := strconv.ParseInt(msg.Data.NextFundingTime, 10, 64)
	now := time.Now()
	b.cache.Set(msg.Data.Symbol, models.FundingCacheEntry{
		Exchange:      b.name,
		Symbol:        msg.Data.Symbol,
		Rate:          decimalOrZero(msg.Data.FundingRate),
		IntervalHours: models.DefaultFundingIntervalHours,
		NextPaymentAt: models.AdvancePastNow(time.UnixMilli(nextMs), models.DefaultFundingIntervalHours, now),
		UpdatedAt:     now,
	})
}

func (b *BybitAdapter) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.FillResult, error) {
	spec, err := b.GetInstrumentSpec(ctx, req.Symbol)
	if err != nil {
		return models.FillResult{}, err
	}
	qty := spec.RoundDownToLot(req.Quantity)
	if qty.IsZero() {
		return models.FillResult{}, fmt.Errorf("bybit: quantity rounds to zero for %s", req.Symbol)
	}

	side := "Buy"
	if req.Side == models.SideSell {
		side = "Sell"
	}

	params := map[string]string{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        side,
		"orderType":   "Market",
		"qty":         qty.String(),
		"timeInForce": "IOC",
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if b.positionMode == PositionModeHedged {
		if side == "Buy" {
			params["positionIdx"] = "1"
		} else {
			params["positionIdx"] = "2"
		}
	}

	timeout := 5 * time.Second
	orderCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := b.doRequest(orderCtx, http.MethodPost, "/v5/order/create", params, true)
	if err != nil {
		if orderCtx.Err() != nil {
			return models.FillResult{}, NewOrderTimeoutError(b.name, err)
		}
		return models.FillResult{}, err
	}

	var resp struct {
		Result struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.FillResult{}, NewTransientError(b.name, err)
	}

	fill, err := b.getOrderFill(ctx, req.Symbol, resp.Result.OrderID)
	if err != nil {
		return models.FillResult{OrderID: resp.Result.OrderID, FilledBaseQty: qty, Status: models.OrderStatusFilled}, nil
	}
	return fill, nil
}

func (b *BybitAdapter) getOrderFill(ctx context.Context, symbol, orderID string) (models.FillResult, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/v5/order/realtime", map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}, true)
	if err != nil {
		return models.FillResult{}, err
	}

	var resp struct {
		Result struct {
			List []struct {
				CumExecQty  string `json:"cumExecQty"`
				AvgPrice    string `json:"avgPrice"`
				OrderStatus string `json:"orderStatus"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.FillResult{}, err
	}
	if len(resp.Result.List) == 0 {
		return models.FillResult{}, fmt.Errorf("bybit: order %s not found", orderID)
	}

	o := resp.Result.List[0]
	status := models.OrderStatusPartial
	if o.OrderStatus == "Filled" {
		status = models.OrderStatusFilled
	}
	return models.FillResult{
		OrderID:       orderID,
		FilledBaseQty: decimalOrZero(o.CumExecQty),
		AveragePrice:  decimalOrZero(o.AvgPrice),
		Status:        status,
	}, nil
}

func (b *BybitAdapter) Close() error {
	b.wsMu.Lock()
	mgr := b.wsManager
	b.wsManager = nil
	b.wsMu.Unlock()
	if mgr != nil {
		return mgr.Close()
	}
	return nil
}
