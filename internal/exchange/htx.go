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
	htxBaseURL = "https://api.hbdm.com"
	htxHost    = "api.hbdm.com"
)

// HTXAdapter implements Adapter for HTX's (Huobi) linear-swap cross
// margin API. Leanest of the six adapters: no batch funding call, no
// streaming fallback, only the sequential poller.
type HTXAdapter struct {
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

func NewHTXAdapter(log *zap.SugaredLogger) *HTXAdapter {
	return &HTXAdapter{
		http:            GetGlobalHTTPClient(),
		log:             log,
		name:            "htx",
		cache:           NewFundingCache(),
		specs:           make(map[string]models.InstrumentSpec),
		settingsApplied: make(map[string]bool),
		leverage:        3,
	}
}

func (h *HTXAdapter) SetTradingDefaults(leverage int, marginMode, positionMode string) {
	h.leverage = leverage
}

func (h *HTXAdapter) Name() string { return h.name }

func (h *HTXAdapter) ListSymbols() []string {
	h.symbolsMu.RLock()
	defer h.symbolsMu.RUnlock()
	out := make([]string, len(h.activeSymbols))
	copy(out, h.activeSymbols)
	return out
}

func (h *HTXAdapter) fromContractCode(code string) string {
	return strings.ReplaceAll(code, "-", "")
}

func (h *HTXAdapter) sign(method, path string, params url.Values) string {
	signStr := fmt.Sprintf("%s\n%s\n%s\n%s", method, htxHost, path, params.Encode())
	mac := hmac.New(sha256.New, []byte(h.secretKey))
	mac.Write([]byte(signStr))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (h *HTXAdapter) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if err := h.wait(ctx); err != nil {
		return nil, err
	}
	var reqBody, reqURL string
	reqURL = htxBaseURL + endpoint
	query := url.Values{}

	if signed {
		query.Set("AccessKeyId", h.apiKey)
		query.Set("SignatureMethod", "HmacSHA256")
		query.Set("SignatureVersion", "2")
		query.Set("Timestamp", time.Now().UTC().Format("2006-01-02T15:04:05"))
	}

	if method == http.MethodGet {
		for k, v := range params {
			query.Set(k, v)
		}
		if signed {
			query.Set("Signature", h.sign(method, endpoint, query))
		}
		if len(query) > 0 {
			reqURL += "?" + query.Encode()
		}
	} else {
		if signed {
			query.Set("Signature", h.sign(method, endpoint, query))
			reqURL += "?" + query.Encode()
		}
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

	resp, err := h.http.Do(req)
	if err != nil {
		return nil, NewNetworkError(h.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewNetworkError(h.name, err)
	}

	var base struct {
		Status  string `json:"status"`
		ErrCode int    `json:"err_code"`
		ErrMsg  string `json:"err_msg"`
	}
	if err := json.Unmarshal(body, &base); err != nil {
		return nil, NewTransientError(h.name, err)
	}
	if base.Status == "error" {
		return nil, classifyGenericError(h.name, strconv.Itoa(base.ErrCode), base.ErrMsg)
	}
	return body, nil
}

func (h *HTXAdapter) Connect(ctx context.Context, apiKey, secret, passphrase string) error {
	h.apiKey = apiKey
	h.secretKey = secret

	if _, err := h.GetBalance(ctx); err != nil {
		var authErr *AuthError
		if asAuthError(err, &authErr) {
			return authErr
		}
		return NewTransientError(h.name, err)
	}

	body, err := h.doRequest(ctx, http.MethodGet, "/linear-swap-api/v1/swap_contract_info", map[string]string{"support_margin_mode": "cross"}, false)
	if err != nil {
		return NewTransientError(h.name, err)
	}
	var resp struct {
		Data []struct {
			ContractCode   string `json:"contract_code"`
			ContractStatus int    `json:"contract_status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return NewTransientError(h.name, err)
	}
	var symbols []string
	for _, c := range resp.Data {
		if c.ContractStatus == 1 {
			symbols = append(symbols, h.fromContractCode(c.ContractCode))
		}
	}
	if len(symbols) == 0 {
		return NewIncompatibleVenueError(h.name)
	}
	h.symbolsMu.Lock()
	h.activeSymbols = symbols
	h.symbolsMu.Unlock()
	return nil
}

func (h *HTXAdapter) contractCode(symbol string) string {
	base := strings.TrimSuffix(symbol, "USDT")
	return base + "-USDT"
}

func (h *HTXAdapter) EnsureTradingSettings(ctx context.Context, symbol string) error {
	h.settingsMu.Lock()
	if h.settingsApplied[symbol] {
		h.settingsMu.Unlock()
		return nil
	}
	h.settingsMu.Unlock()

	_, err := h.doRequest(ctx, http.MethodPost, "/linear-swap-api/v1/swap_cross_switch_lever_rate", map[string]string{
		"contract_code": h.contractCode(symbol),
		"lever_rate":    strconv.Itoa(h.leverage),
	}, true)
	if err != nil {
		return err
	}

	h.settingsMu.Lock()
	h.settingsApplied[symbol] = true
	h.settingsMu.Unlock()
	return nil
}

func (h *HTXAdapter) GetInstrumentSpec(ctx context.Context, symbol string) (models.InstrumentSpec, error) {
	h.specMu.RLock()
	spec, ok := h.specs[symbol]
	h.specMu.RUnlock()
	if ok {
		return spec, nil
	}

	body, err := h.doRequest(ctx, http.MethodGet, "/linear-swap-api/v1/swap_contract_info", map[string]string{"contract_code": h.contractCode(symbol)}, false)
	if err != nil {
		return models.InstrumentSpec{}, err
	}
	var resp struct {
		Data []struct {
			ContractSize float64 `json:"contract_size"`
			PriceTick    float64 `json:"price_tick"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.InstrumentSpec{}, NewTransientError(h.name, err)
	}
	if len(resp.Data) == 0 {
		return models.InstrumentSpec{}, fmt.Errorf("htx: contract info not found for %s", symbol)
	}

	d := resp.Data[0]
	spec = models.InstrumentSpec{
		Exchange:     h.name,
		Symbol:       symbol,
		ContractSize: decimal.NewFromFloat(d.ContractSize),
		TickSize:     decimal.NewFromFloat(d.PriceTick),
		LotSize:      decimal.NewFromInt(1), // HTX sizes orders in whole contracts
		MinNotional:  decimal.NewFromInt(5),
		MakerFeeRate: decimal.NewFromFloat(0.0002),
		TakerFeeRate: decimal.NewFromFloat(0.0004),
	}
	h.specMu.Lock()
	h.specs[symbol] = spec
	h.specMu.Unlock()
	return spec, nil
}

func (h *HTXAdapter) GetBalance(ctx context.Context) (Balance, error) {
	body, err := h.doRequest(ctx, http.MethodPost, "/linear-swap-api/v1/swap_cross_account_info", map[string]string{"margin_account": "USDT"}, true)
	if err != nil {
		return Balance{}, err
	}
	var resp struct {
		Data []struct {
			MarginBalance  float64 `json:"margin_balance"`
			MarginAvailable float64 `json:"margin_available"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Balance{}, NewTransientError(h.name, err)
	}
	if len(resp.Data) == 0 {
		return Balance{}, nil
	}
	total := decimal.NewFromFloat(resp.Data[0].MarginBalance)
	free := decimal.NewFromFloat(resp.Data[0].MarginAvailable)
	return Balance{Total: total, Free: free, Used: total.Sub(free)}, nil
}

func (h *HTXAdapter) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	body, err := h.doRequest(ctx, http.MethodGet, "/linear-swap-ex/market/detail/merged", map[string]string{"contract_code": h.contractCode(symbol)}, false)
	if err != nil {
		return Ticker{}, err
	}
	var resp struct {
		Tick struct {
			Bid []float64 `json:"bid"`
			Ask []float64 `json:"ask"`
			Close float64 `json:"close"`
		} `json:"tick"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Ticker{}, NewTransientError(h.name, err)
	}
	bid, ask := 0.0, 0.0
	if len(resp.Tick.Bid) > 0 {
		bid = resp.Tick.Bid[0]
	}
	if len(resp.Tick.Ask) > 0 {
		ask = resp.Tick.Ask[0]
	}
	return Ticker{
		Symbol:    symbol,
		Bid:       decimal.NewFromFloat(bid),
		Ask:       decimal.NewFromFloat(ask),
		Last:      decimal.NewFromFloat(resp.Tick.Close),
		Timestamp: time.Now(),
	}, nil
}

func (h *HTXAdapter) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	body, err := h.doRequest(ctx, http.MethodPost, "/linear-swap-api/v1/swap_cross_position_info", map[string]string{"margin_account": "USDT"}, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []struct {
			ContractCode string  `json:"contract_code"`
			Direction    string  `json:"direction"`
			Volume       float64 `json:"volume"`
			CostOpen     float64 `json:"cost_open"`
			LeverRate    int     `json:"lever_rate"`
			Profit       float64 `json:"profit_unreal"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewTransientError(h.name, err)
	}

	out := make([]models.Position, 0, len(resp.Data))
	for _, p := range resp.Data {
		sym := strings.ReplaceAll(p.ContractCode, "-", "")
		if symbol != "" && sym != symbol {
			continue
		}
		if p.Volume == 0 {
			continue
		}
		side := models.SideBuy
		if p.Direction == "sell" {
			side = models.SideSell
		}
		spec, err := h.GetInstrumentSpec(ctx, sym)
		if err != nil {
			return nil, err
		}
		out = append(out, models.Position{
			Exchange:      h.name,
			Symbol:        sym,
			Side:          side,
			Quantity:      decimal.NewFromFloat(p.Volume).Mul(spec.ContractSize),
			EntryPrice:    decimal.NewFromFloat(p.CostOpen),
			UnrealizedPnl: decimal.NewFromFloat(p.Profit),
			Leverage:      p.LeverRate,
			UpdatedAt:     time.Now(),
		})
	}
	return out, nil
}

func (h *HTXAdapter) GetFundingRate(ctx context.Context, symbol string) (models.FundingCacheEntry, error) {
	body, err := h.doRequest(ctx, http.MethodGet, "/linear-swap-api/v1/swap_funding_rate", map[string]string{"contract_code": h.contractCode(symbol)}, false)
	if err != nil {
		return models.FundingCacheEntry{}, err
	}
	var resp struct {
		Data struct {
			FundingRate     string `json:"funding_rate"`
			NextFundingTime string `json:"next_funding_time"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.FundingCacheEntry{}, NewTransientError(h.name, err)
	}

	nextMs, _ := strconv.ParseInt(resp.Data.NextFundingTime, 10, 64)
	interval := models.DefaultFundingIntervalHours
	now := time.Now()
	return models.FundingCacheEntry{
		Exchange:      h.name,
		Symbol:        symbol,
		Rate:          decimalOrZero(resp.Data.FundingRate),
		IntervalHours: interval,
		NextPaymentAt: models.AdvancePastNow(time.UnixMilli(nextMs), interval, now),
		UpdatedAt:     now,
	}, nil
}

func (h *HTXAdapter) GetCachedFunding(symbol string) (models.FundingCacheEntry, bool) {
	return h.cache.Get(symbol)
}

func (h *HTXAdapter) WarmUpFunding(ctx context.Context, symbols []string) error {
	return WarmUpSequential(ctx, h.cache, symbols, h.GetFundingRate)
}

func (h *HTXAdapter) StartFundingWatchers(ctx context.Context, symbols []string) {
	go RunSequentialWatcher(ctx, h.log, h.name, h.cache, symbols, h.GetFundingRate)
}

func (h *HTXAdapter) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.FillResult, error) {
	spec, err := h.GetInstrumentSpec(ctx, req.Symbol)
	if err != nil {
		return models.FillResult{}, err
	}
	contracts := req.Quantity.Div(spec.ContractSize).Floor()
	if contracts.IsZero() {
		return models.FillResult{}, fmt.Errorf("htx: quantity rounds to zero contracts for %s", req.Symbol)
	}

	direction := "buy"
	offset := "open"
	if req.Side == models.SideSell {
		direction = "sell"
	}
	if req.ReduceOnly {
		offset = "close"
	}

	params := map[string]string{
		"contract_code": h.contractCode(req.Symbol),
		"direction":     direction,
		"offset":        offset,
		"lever_rate":    strconv.Itoa(h.leverage),
		"volume":        contracts.String(),
		"order_price_type": "market",
	}

	orderCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body, err := h.doRequest(orderCtx, http.MethodPost, "/linear-swap-api/v1/swap_cross_order", params, true)
	if err != nil {
		if orderCtx.Err() != nil {
			return models.FillResult{}, NewOrderTimeoutError(h.name, err)
		}
		return models.FillResult{}, err
	}

	var resp struct {
		Data struct {
			OrderIdStr string `json:"order_id_str"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.FillResult{}, NewTransientError(h.name, err)
	}

	return models.FillResult{
		OrderID:       resp.Data.OrderIdStr,
		FilledBaseQty: contracts.Mul(spec.ContractSize),
		Status:        models.OrderStatusFilled,
	}, nil
}

func (h *HTXAdapter) Close() error { return nil }
