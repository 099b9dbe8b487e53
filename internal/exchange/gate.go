package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trinity/internal/models"
)

const gateBaseURL = "https://api.gateio.ws/api/v4"

// GateAdapter implements Adapter for Gate.io's futures API. Gate prices
// contracts, not base-asset quantity: InstrumentSpec.ContractSize holds
// quanto_multiplier so the controller can still reason in base units.
//
// Quirk: Gate rejects a leverage change against a position still on
// its default risk limit, so EnsureTradingSettings must set the risk
// limit/margin mode before leverage, never the reverse — swapping the
// order produces an intermittent "RISK_LIMIT_EXCEEDED" that looks
// unrelated to leverage at all.
type GateAdapter struct {
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
}

func NewGateAdapter(log *zap.SugaredLogger) *GateAdapter {
	return &GateAdapter{
		http:            GetGlobalHTTPClient(),
		log:             log,
		name:            "gate",
		cache:           NewFundingCache(),
		specs:           make(map[string]models.InstrumentSpec),
		settingsApplied: make(map[string]bool),
		leverage:        3,
		marginMode:      MarginModeCross,
		positionMode:    PositionModeOneway,
	}
}

func (g *GateAdapter) SetTradingDefaults(leverage int, marginMode, positionMode string) {
	g.leverage = leverage
	g.marginMode = marginMode
	g.positionMode = positionMode
}

func (g *GateAdapter) Name() string { return g.name }

func (g *GateAdapter) ListSymbols() []string {
	g.symbolsMu.RLock()
	defer g.symbolsMu.RUnlock()
	out := make([]string, len(g.activeSymbols))
	copy(out, g.activeSymbols)
	return out
}

func (g *GateAdapter) sign(method, endpoint, queryString, body string, timestamp int64) string {
	bodyHash := sha512.Sum512([]byte(body))
	bodyHashHex := hex.EncodeToString(bodyHash[:])
	signStr := fmt.Sprintf("%s\n%s\n%s\n%s\n%d", method, endpoint, queryString, bodyHashHex, timestamp)
	h := hmac.New(sha512.New, []byte(g.secretKey))
	h.Write([]byte(signStr))
	return hex.EncodeToString(h.Sum(nil))
}

func (g *GateAdapter) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	var reqBody, queryString string
	reqURL := gateBaseURL + endpoint

	if method == http.MethodGet {
		if len(params) > 0 {
			parts := make([]string, 0, len(params))
			for k, v := range params {
				parts = append(parts, k+"="+v)
			}
			queryString = strings.Join(parts, "&")
			reqURL += "?" + queryString
		}
	} else if len(params) > 0 {
		jsonBytes, _ := json.Marshal(params)
		reqBody = string(jsonBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if signed {
		timestamp := time.Now().Unix()
		signature := g.sign(method, strings.TrimPrefix(endpoint, "/api/v4"), queryString, reqBody, timestamp)
		req.Header.Set("KEY", g.apiKey)
		req.Header.Set("SIGN", signature)
		req.Header.Set("Timestamp", strconv.FormatInt(timestamp, 10))
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, NewNetworkError(g.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewNetworkError(g.name, err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Label   string `json:"label"`
			Message string `json:"message"`
		}
		json.Unmarshal(body, &errResp)
		return nil, classifyGateError(g.name, resp.StatusCode, errResp.Label, errResp.Message)
	}
	return body, nil
}

func classifyGateError(exchange string, status int, label, msg string) error {
	switch {
	case status == 401 || label == "INVALID_KEY":
		return NewAuthError(exchange, fmt.Errorf("gate %s: %s", label, msg))
	case label == "BALANCE_NOT_ENOUGH" || label == "MARGIN_BALANCE_NOT_ENOUGH":
		return NewInsufficientBalanceError(exchange, fmt.Errorf("gate %s: %s", label, msg))
	default:
		return &VenueError{Exchange: exchange, Message: fmt.Sprintf("gate %s: %s", label, msg)}
	}
}

func (g *GateAdapter) toContract(symbol string) string {
	base := strings.TrimSuffix(symbol, "USDT")
	return base + "_USDT"
}

func (g *GateAdapter) fromContract(contract string) string {
	return strings.ReplaceAll(contract, "_", "")
}

func (g *GateAdapter) Connect(ctx context.Context, apiKey, secret, passphrase string) error {
	g.apiKey = apiKey
	g.secretKey = secret

	if _, err := g.GetBalance(ctx); err != nil {
		var authErr *AuthError
		if asAuthError(err, &authErr) {
			return authErr
		}
		return NewTransientError(g.name, err)
	}

	body, err := g.doRequest(ctx, http.MethodGet, "/futures/usdt/contracts", nil, false)
	if err != nil {
		return NewTransientError(g.name, err)
	}
	var resp []struct {
		Name        string `json:"name"`
		InDelisting bool   `json:"in_delisting"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return NewTransientError(g.name, err)
	}
	var symbols []string
	for _, c := range resp {
		if !c.InDelisting {
			symbols = append(symbols, g.fromContract(c.Name))
		}
	}
	if len(symbols) == 0 {
		return NewIncompatibleVenueError(g.name)
	}
	g.symbolsMu.Lock()
	g.activeSymbols = symbols
	g.symbolsMu.Unlock()
	return nil
}

// EnsureTradingSettings sets the risk limit before leverage, per the
// venue quirk documented on GateAdapter.
func (g *GateAdapter) EnsureTradingSettings(ctx context.Context, symbol string) error {
	g.settingsMu.Lock()
	if g.settingsApplied[symbol] {
		g.settingsMu.Unlock()
		return nil
	}
	g.settingsMu.Unlock()

	contract := g.toContract(symbol)

	marginParam := "0"
	if g.marginMode == MarginModeCross {
		marginParam = "1"
	}
	if _, err := g.doRequest(ctx, http.MethodPost, "/futures/usdt/positions/"+contract+"/margin_mode", map[string]string{
		"margin_mode": marginParam,
	}, true); err != nil {
		return err
	}

	if _, err := g.doRequest(ctx, http.MethodPost, "/futures/usdt/positions/"+contract+"/risk_limit", map[string]string{
		"risk_limit": "1000000",
	}, true); err != nil {
		return err
	}

	if _, err := g.doRequest(ctx, http.MethodPost, "/futures/usdt/positions/"+contract+"/leverage", map[string]string{
		"leverage": strconv.Itoa(g.leverage),
	}, true); err != nil {
		return err
	}

	g.settingsMu.Lock()
	g.settingsApplied[symbol] = true
	g.settingsMu.Unlock()
	return nil
}

func (g *GateAdapter) GetInstrumentSpec(ctx context.Context, symbol string) (models.InstrumentSpec, error) {
	g.specMu.RLock()
	spec, ok := g.specs[symbol]
	g.specMu.RUnlock()
	if ok {
		return spec, nil
	}

	contract := g.toContract(symbol)
	body, err := g.doRequest(ctx, http.MethodGet, "/futures/usdt/contracts/"+contract, nil, false)
	if err != nil {
		return models.InstrumentSpec{}, err
	}
	var resp struct {
		OrderSizeMin     int64  `json:"order_size_min"`
		QuantoMultiplier string `json:"quanto_multiplier"`
		OrderPriceRound  string `json:"order_price_round"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.InstrumentSpec{}, NewTransientError(g.name, err)
	}

	spec = models.InstrumentSpec{
		Exchange:     g.name,
		Symbol:       symbol,
		ContractSize: decimalOrOne(resp.QuantoMultiplier),
		TickSize:     decimalOrZero(resp.OrderPriceRound),
		LotSize:      decimal.NewFromInt(1), // Gate sizes orders in whole contracts
		MinNotional:  decimal.NewFromInt(5),
		MakerFeeRate: decimal.NewFromFloat(0.0002),
		TakerFeeRate: decimal.NewFromFloat(0.0005),
	}

	g.specMu.Lock()
	g.specs[symbol] = spec
	g.specMu.Unlock()
	return spec, nil
}

func (g *GateAdapter) GetBalance(ctx context.Context) (Balance, error) {
	body, err := g.doRequest(ctx, http.MethodGet, "/futures/usdt/accounts", nil, true)
	if err != nil {
		return Balance{}, err
	}
	var resp struct {
		Total     string `json:"total"`
		Available string `json:"available"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Balance{}, NewTransientError(g.name, err)
	}
	total := decimalOrZero(resp.Total)
	free := decimalOrZero(resp.Available)
	return Balance{Total: total, Free: free, Used: total.Sub(free)}, nil
}

func (g *GateAdapter) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	body, err := g.doRequest(ctx, http.MethodGet, "/futures/usdt/tickers", map[string]string{"contract": g.toContract(symbol)}, false)
	if err != nil {
		return Ticker{}, err
	}
	var resp []struct {
		Last       string `json:"last"`
		LowestAsk  string `json:"lowest_ask"`
		HighestBid string `json:"highest_bid"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Ticker{}, NewTransientError(g.name, err)
	}
	if len(resp) == 0 {
		return Ticker{}, fmt.Errorf("gate: ticker not found for %s", symbol)
	}
	t := resp[0]
	return Ticker{
		Symbol:    symbol,
		Bid:       decimalOrZero(t.HighestBid),
		Ask:       decimalOrZero(t.LowestAsk),
		Last:      decimalOrZero(t.Last),
		Timestamp: time.Now(),
	}, nil
}

func (g *GateAdapter) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	body, err := g.doRequest(ctx, http.MethodGet, "/futures/usdt/positions", nil, true)
	if err != nil {
		return nil, err
	}
	var resp []struct {
		Contract      string `json:"contract"`
		Size          int64  `json:"size"`
		EntryPrice    string `json:"entry_price"`
		Leverage      string `json:"leverage"`
		UnrealisedPnl string `json:"unrealised_pnl"`
		UpdateTime    int64  `json:"update_time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewTransientError(g.name, err)
	}

	out := make([]models.Position, 0, len(resp))
	for _, p := range resp {
		if p.Size == 0 {
			continue
		}
		sym := g.fromContract(p.Contract)
		if symbol != "" && sym != symbol {
			continue
		}
		side := models.SideBuy
		size := p.Size
		if size < 0 {
			side = models.SideSell
			size = -size
		}
		leverage, _ := strconv.Atoi(p.Leverage)
		spec, err := g.GetInstrumentSpec(ctx, sym)
		if err != nil {
			return nil, err
		}

		out = append(out, models.Position{
			Exchange:      g.name,
			Symbol:        sym,
			Side:          side,
			Quantity:      decimal.NewFromInt(size).Mul(spec.ContractSize),
			EntryPrice:    decimalOrZero(p.EntryPrice),
			UnrealizedPnl: decimalOrZero(p.UnrealisedPnl),
			Leverage:      leverage,
			UpdatedAt:     time.Unix(p.UpdateTime, 0),
		})
	}
	return out, nil
}

func (g *GateAdapter) GetFundingRate(ctx context.Context, symbol string) (models.FundingCacheEntry, error) {
	body, err := g.doRequest(ctx, http.MethodGet, "/futures/usdt/contracts/"+g.toContract(symbol), nil, false)
	if err != nil {
		return models.FundingCacheEntry{}, err
	}
	var resp struct {
		FundingRate     string `json:"funding_rate"`
		FundingNextApply int64  `json:"funding_next_apply"`
		FundingInterval  int64  `json:"funding_interval"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.FundingCacheEntry{}, NewTransientError(g.name, err)
	}

	interval := models.DefaultFundingIntervalHours
	if resp.FundingInterval > 0 {
		interval = decimal.NewFromInt(resp.FundingInterval).Div(decimal.NewFromInt(3600))
	}

	now := time.Now()
	return models.FundingCacheEntry{
		Exchange:      g.name,
		Symbol:        symbol,
		Rate:          decimalOrZero(resp.FundingRate),
		IntervalHours: interval,
		NextPaymentAt: models.AdvancePastNow(time.Unix(resp.FundingNextApply, 0), interval, now),
		UpdatedAt:     now,
	}, nil
}

func (g *GateAdapter) GetCachedFunding(symbol string) (models.FundingCacheEntry, bool) {
	return g.cache.Get(symbol)
}

// WarmUpFunding always falls back to the per-symbol sequential path:
// Gate's contracts listing has no bulk funding-rate field worth trusting
// across hundreds of symbols in one call.
func (g *GateAdapter) WarmUpFunding(ctx context.Context, symbols []string) error {
	return WarmUpSequential(ctx, g.cache, symbols, g.GetFundingRate)
}

func (g *GateAdapter) StartFundingWatchers(ctx context.Context, symbols []string) {
	go RunSequentialWatcher(ctx, g.log, g.name, g.cache, symbols, g.GetFundingRate)
}

func (g *GateAdapter) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.FillResult, error) {
	spec, err := g.GetInstrumentSpec(ctx, req.Symbol)
	if err != nil {
		return models.FillResult{}, err
	}
	// Gate quotes size in whole contracts; convert base quantity through
	// ContractSize (quanto_multiplier) before rounding.
	contracts := req.Quantity.Div(spec.ContractSize).Floor()
	if contracts.IsZero() {
		return models.FillResult{}, fmt.Errorf("gate: quantity rounds to zero contracts for %s", req.Symbol)
	}

	size := contracts
	if req.Side == models.SideSell {
		size = size.Neg()
	}

	params := map[string]string{
		"contract": g.toContract(req.Symbol),
		"size":     size.String(),
		"price":    "0",
		"tif":      "ioc",
	}
	if req.ReduceOnly {
		params["reduce_only"] = "true"
	}

	orderCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body, err := g.doRequest(orderCtx, http.MethodPost, "/futures/usdt/orders", params, true)
	if err != nil {
		if orderCtx.Err() != nil {
			return models.FillResult{}, NewOrderTimeoutError(g.name, err)
		}
		return models.FillResult{}, err
	}

	var resp struct {
		Id        int64  `json:"id"`
		FillPrice string `json:"fill_price"`
		Left      int64  `json:"left"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.FillResult{}, NewTransientError(g.name, err)
	}

	filledContracts := contracts.Sub(decimal.NewFromInt(absInt64(resp.Left)))
	status := models.OrderStatusPartial
	if resp.Left == 0 {
		status = models.OrderStatusFilled
	}

	return models.FillResult{
		OrderID:       strconv.FormatInt(resp.Id, 10),
		FilledBaseQty: filledContracts.Mul(spec.ContractSize),
		AveragePrice:  decimalOrZero(resp.FillPrice),
		Status:        status,
	}, nil
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func (g *GateAdapter) Close() error { return nil }
