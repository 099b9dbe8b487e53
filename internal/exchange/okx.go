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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trinity/internal/models"
)

const okxBaseURL = "https://www.okx.com"

// OKXAdapter implements Adapter for OKX's v5 API. OKX has no batch
// funding endpoint, so funding refresh always runs through the
// sequential poller; interval is derived per-symbol from
// fundingTime/nextFundingTime rather than a fixed field.
type OKXAdapter struct {
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

func NewOKXAdapter(log *zap.SugaredLogger) *OKXAdapter {
	return &OKXAdapter{
		http:            GetGlobalHTTPClient(),
		log:             log,
		name:            "okx",
		cache:           NewFundingCache(),
		specs:           make(map[string]models.InstrumentSpec),
		settingsApplied: make(map[string]bool),
		leverage:        3,
		marginMode:      MarginModeCross,
		positionMode:    PositionModeOneway,
	}
}

func (o *OKXAdapter) SetTradingDefaults(leverage int, marginMode, positionMode string) {
	o.leverage = leverage
	o.marginMode = marginMode
	o.positionMode = positionMode
}

func (o *OKXAdapter) Name() string { return o.name }

func (o *OKXAdapter) ListSymbols() []string {
	o.symbolsMu.RLock()
	defer o.symbolsMu.RUnlock()
	out := make([]string, len(o.activeSymbols))
	copy(out, o.activeSymbols)
	return out
}

func (o *OKXAdapter) sign(timestamp, method, requestPath, body string) string {
	message := timestamp + method + requestPath + body
	h := hmac.New(sha256.New, []byte(o.secretKey))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (o *OKXAdapter) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if err := o.wait(ctx); err != nil {
		return nil, err
	}
	var reqBody, reqURL string
	query := ""
	if len(params) > 0 {
		parts := make([]string, 0, len(params))
		for k, v := range params {
			parts = append(parts, k+"="+v)
		}
		query = strings.Join(parts, "&")
	}

	if method == http.MethodGet {
		reqURL = okxBaseURL + endpoint
		if query != "" {
			reqURL += "?" + query
		}
	} else {
		reqURL = okxBaseURL + endpoint
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
		timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		signPath := endpoint
		if method == http.MethodGet && query != "" {
			signPath = endpoint + "?" + query
		}
		signature := o.sign(timestamp, method, signPath, reqBody)
		req.Header.Set("OK-ACCESS-KEY", o.apiKey)
		req.Header.Set("OK-ACCESS-SIGN", signature)
		req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
		req.Header.Set("OK-ACCESS-PASSPHRASE", o.passphrase)
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, NewNetworkError(o.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewNetworkError(o.name, err)
	}

	var base struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &base); err != nil {
		return nil, NewTransientError(o.name, err)
	}
	if base.Code != "0" {
		return nil, classifyOKXError(o.name, base.Code, base.Msg)
	}
	return body, nil
}

func classifyOKXError(exchange, code, msg string) error {
	switch code {
	case "50111", "50113", "50114":
		return NewAuthError(exchange, fmt.Errorf("okx %s: %s", code, msg))
	case "51008":
		return NewInsufficientBalanceError(exchange, fmt.Errorf("okx %s: %s", code, msg))
	default:
		return &VenueError{Exchange: exchange, Message: fmt.Sprintf("okx %s: %s", code, msg)}
	}
}

func (o *OKXAdapter) toInstID(symbol string) string {
	base := strings.TrimSuffix(symbol, "USDT")
	return base + "-USDT-SWAP"
}

func (o *OKXAdapter) fromInstID(instID string) string {
	parts := strings.Split(instID, "-")
	if len(parts) >= 2 {
		return parts[0] + parts[1]
	}
	return instID
}

func (o *OKXAdapter) Connect(ctx context.Context, apiKey, secret, passphrase string) error {
	o.apiKey = apiKey
	o.secretKey = secret
	o.passphrase = passphrase

	if _, err := o.GetBalance(ctx); err != nil {
		var authErr *AuthError
		if asAuthError(err, &authErr) {
			return authErr
		}
		return NewTransientError(o.name, err)
	}

	body, err := o.doRequest(ctx, http.MethodGet, "/api/v5/public/instruments", map[string]string{"instType": "SWAP"}, false)
	if err != nil {
		return NewTransientError(o.name, err)
	}
	var resp struct {
		Data []struct {
			InstID    string `json:"instId"`
			SettleCcy string `json:"settleCcy"`
			State     string `json:"state"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return NewTransientError(o.name, err)
	}
	var symbols []string
	for _, i := range resp.Data {
		if i.SettleCcy == "USDT" && i.State == "live" {
			symbols = append(symbols, o.fromInstID(i.InstID))
		}
	}
	if len(symbols) == 0 {
		return NewIncompatibleVenueError(o.name)
	}
	o.symbolsMu.Lock()
	o.activeSymbols = symbols
	o.symbolsMu.Unlock()
	return nil
}

func (o *OKXAdapter) EnsureTradingSettings(ctx context.Context, symbol string) error {
	o.settingsMu.Lock()
	if o.settingsApplied[symbol] {
		o.settingsMu.Unlock()
		return nil
	}
	o.settingsMu.Unlock()

	mgnMode := "cross"
	if o.marginMode == MarginModeIsolated {
		mgnMode = "isolated"
	}
	posSide := "net"
	if o.positionMode == PositionModeHedged {
		posSide = "long"
	}
	_, err := o.doRequest(ctx, http.MethodPost, "/api/v5/account/set-leverage", map[string]string{
		"instId":  o.toInstID(symbol),
		"lever":   strconv.Itoa(o.leverage),
		"mgnMode": mgnMode,
		"posSide": posSide,
	}, true)
	if err != nil {
		return err
	}

	if o.positionMode == PositionModeHedged {
		_, err = o.doRequest(ctx, http.MethodPost, "/api/v5/account/set-leverage", map[string]string{
			"instId":  o.toInstID(symbol),
			"lever":   strconv.Itoa(o.leverage),
			"mgnMode": mgnMode,
			"posSide": "short",
		}, true)
		if err != nil {
			return err
		}
	}

	o.settingsMu.Lock()
	o.settingsApplied[symbol] = true
	o.settingsMu.Unlock()
	return nil
}

func (o *OKXAdapter) GetInstrumentSpec(ctx context.Context, symbol string) (models.InstrumentSpec, error) {
	o.specMu.RLock()
	spec, ok := o.specs[symbol]
	o.specMu.RUnlock()
	if ok {
		return spec, nil
	}

	body, err := o.doRequest(ctx, http.MethodGet, "/api/v5/public/instruments", map[string]string{
		"instType": "SWAP",
		"instId":   o.toInstID(symbol),
	}, false)
	if err != nil {
		return models.InstrumentSpec{}, err
	}

	var resp struct {
		Data []struct {
			MinSz            string `json:"minSz"`
			LotSz            string `json:"lotSz"`
			TickSz           string `json:"tickSz"`
			CtVal            string `json:"ctVal"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.InstrumentSpec{}, NewTransientError(o.name, err)
	}
	if len(resp.Data) == 0 {
		return models.InstrumentSpec{}, fmt.Errorf("okx: instrument info not found for %s", symbol)
	}

	info := resp.Data[0]
	spec = models.InstrumentSpec{
		Exchange:     o.name,
		Symbol:       symbol,
		ContractSize: decimalOrOne(info.CtVal),
		TickSize:     decimalOrZero(info.TickSz),
		LotSize:      decimalOrZero(info.LotSz),
		MinNotional:  decimal.NewFromInt(5),
		MakerFeeRate: decimal.NewFromFloat(0.0002),
		TakerFeeRate: decimal.NewFromFloat(0.0005),
	}

	o.specMu.Lock()
	o.specs[symbol] = spec
	o.specMu.Unlock()
	return spec, nil
}

func decimalOrOne(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsZero() {
		return decimal.NewFromInt(1)
	}
	return d
}

func (o *OKXAdapter) GetBalance(ctx context.Context) (Balance, error) {
	body, err := o.doRequest(ctx, http.MethodGet, "/api/v5/account/balance", map[string]string{"ccy": "USDT"}, true)
	if err != nil {
		return Balance{}, err
	}
	var resp struct {
		Data []struct {
			Details []struct {
				Ccy      string `json:"ccy"`
				Eq       string `json:"eq"`
				AvailEq  string `json:"availEq"`
			} `json:"details"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Balance{}, NewTransientError(o.name, err)
	}
	if len(resp.Data) > 0 {
		for _, d := range resp.Data[0].Details {
			if d.Ccy != "USDT" {
				continue
			}
			total := decimalOrZero(d.Eq)
			free := decimalOrZero(d.AvailEq)
			return Balance{Total: total, Free: free, Used: total.Sub(free)}, nil
		}
	}
	return Balance{}, nil
}

func (o *OKXAdapter) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	body, err := o.doRequest(ctx, http.MethodGet, "/api/v5/market/ticker", map[string]string{"instId": o.toInstID(symbol)}, false)
	if err != nil {
		return Ticker{}, err
	}
	var resp struct {
		Data []struct {
			BidPx string `json:"bidPx"`
			AskPx string `json:"askPx"`
			Last  string `json:"last"`
			Ts    string `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Ticker{}, NewTransientError(o.name, err)
	}
	if len(resp.Data) == 0 {
		return Ticker{}, fmt.Errorf("okx: ticker not found for %s", symbol)
	}
	t := resp.Data[0]
	tsMs, _ := strconv.ParseInt(t.Ts, 10, 64)
	return Ticker{
		Symbol:    symbol,
		Bid:       decimalOrZero(t.BidPx),
		Ask:       decimalOrZero(t.AskPx),
		Last:      decimalOrZero(t.Last),
		Timestamp: time.UnixMilli(tsMs),
	}, nil
}

func (o *OKXAdapter) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	body, err := o.doRequest(ctx, http.MethodGet, "/api/v5/account/positions", map[string]string{"instType": "SWAP"}, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []struct {
			InstId        string `json:"instId"`
			PosSide       string `json:"posSide"`
			Pos           string `json:"pos"`
			AvgPx         string `json:"avgPx"`
			Lever         string `json:"lever"`
			Upl           string `json:"upl"`
			UTime         string `json:"uTime"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewTransientError(o.name, err)
	}

	out := make([]models.Position, 0, len(resp.Data))
	for _, p := range resp.Data {
		sym := o.fromInstID(p.InstId)
		if symbol != "" && sym != symbol {
			continue
		}
		pos := decimalOrZero(p.Pos)
		if pos.IsZero() {
			continue
		}
		side := models.SideBuy
		if p.PosSide == "short" || pos.IsNegative() {
			side = models.SideSell
			pos = pos.Abs()
		}
		spec, err := o.GetInstrumentSpec(ctx, sym)
		if err != nil {
			return nil, err
		}
		leverage, _ := strconv.Atoi(p.Lever)
		uTimeMs, _ := strconv.ParseInt(p.UTime, 10, 64)

		out = append(out, models.Position{
			Exchange:      o.name,
			Symbol:        sym,
			Side:          side,
			Quantity:      pos.Mul(spec.ContractSize),
			EntryPrice:    decimalOrZero(p.AvgPx),
			UnrealizedPnl: decimalOrZero(p.Upl),
			Leverage:      leverage,
			UpdatedAt:     time.UnixMilli(uTimeMs),
		})
	}
	return out, nil
}

func (o *OKXAdapter) GetFundingRate(ctx context.Context, symbol string) (models.FundingCacheEntry, error) {
	body, err := o.doRequest(ctx, http.MethodGet, "/api/v5/public/funding-rate", map[string]string{"instId": o.toInstID(symbol)}, false)
	if err != nil {
		return models.FundingCacheEntry{}, err
	}
	var resp struct {
		Data []struct {
			FundingRate     string `json:"fundingRate"`
			FundingTime     string `json:"fundingTime"`
			NextFundingTime string `json:"nextFundingTime"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.FundingCacheEntry{}, NewTransientError(o.name, err)
	}
	if len(resp.Data) == 0 {
		return models.FundingCacheEntry{}, fmt.Errorf("okx: funding not found for %s", symbol)
	}
	d := resp.Data[0]
	fundingMs, _ := strconv.ParseInt(d.FundingTime, 10, 64)
	nextMs, _ := strconv.ParseInt(d.NextFundingTime, 10, 64)

	interval := models.DefaultFundingIntervalHours
	if fundingMs > 0 && nextMs > fundingMs {
		hours := decimal.NewFromInt(nextMs - fundingMs).Div(decimal.NewFromInt(3600000))
		if hours.IsPositive() {
			interval = hours
		}
	}

	now := time.Now()
	return models.FundingCacheEntry{
		Exchange:      o.name,
		Symbol:        symbol,
		Rate:          decimalOrZero(d.FundingRate),
		IntervalHours: interval,
		NextPaymentAt: models.AdvancePastNow(time.UnixMilli(nextMs), interval, now),
		UpdatedAt:     now,
	}, nil
}

func (o *OKXAdapter) GetCachedFunding(symbol string) (models.FundingCacheEntry, bool) {
	return o.cache.Get(symbol)
}

// WarmUpFunding always falls back to the per-symbol sequential path: OKX
// has no batch funding-rate endpoint.
func (o *OKXAdapter) WarmUpFunding(ctx context.Context, symbols []string) error {
	return WarmUpSequential(ctx, o.cache, symbols, o.GetFundingRate)
}

func (o *OKXAdapter) StartFundingWatchers(ctx context.Context, symbols []string) {
	go RunSequentialWatcher(ctx, o.log, o.name, o.cache, symbols, o.GetFundingRate)
}

func (o *OKXAdapter) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.FillResult, error) {
	spec, err := o.GetInstrumentSpec(ctx, req.Symbol)
	if err != nil {
		return models.FillResult{}, err
	}
	// sz is a number of contracts of ContractSize (ctVal) base units each.
	qty := spec.RoundDownToLot(req.Quantity.Div(spec.ContractSize))
	if qty.IsZero() {
		return models.FillResult{}, fmt.Errorf("okx: quantity rounds to zero for %s", req.Symbol)
	}

	side := "buy"
	posSide := "long"
	if req.Side == models.SideSell {
		side = "sell"
		posSide = "short"
	}
	if o.positionMode != PositionModeHedged {
		posSide = "net"
	}

	mgnMode := "cross"
	if o.marginMode == MarginModeIsolated {
		mgnMode = "isolated"
	}

	params := map[string]string{
		"instId":  o.toInstID(req.Symbol),
		"tdMode":  mgnMode,
		"side":    side,
		"posSide": posSide,
		"ordType": "market",
		"sz":      qty.String(),
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}

	orderCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body, err := o.doRequest(orderCtx, http.MethodPost, "/api/v5/trade/order", params, true)
	if err != nil {
		if orderCtx.Err() != nil {
			return models.FillResult{}, NewOrderTimeoutError(o.name, err)
		}
		return models.FillResult{}, err
	}

	var resp struct {
		Data []struct {
			OrdId string `json:"ordId"`
			SCode string `json:"sCode"`
			SMsg  string `json:"sMsg"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.FillResult{}, NewTransientError(o.name, err)
	}
	if len(resp.Data) == 0 || resp.Data[0].SCode != "0" {
		msg := "unknown"
		if len(resp.Data) > 0 {
			msg = resp.Data[0].SMsg
		}
		return models.FillResult{}, NewRejectedBySideError(o.name, fmt.Errorf("okx: %s", msg))
	}

	fill, err := o.getOrderFill(ctx, o.toInstID(req.Symbol), resp.Data[0].OrdId)
	if err != nil {
		return models.FillResult{OrderID: resp.Data[0].OrdId, FilledBaseQty: qty.Mul(spec.ContractSize), Status: models.OrderStatusFilled}, nil
	}
	fill.FilledBaseQty = fill.FilledBaseQty.Mul(spec.ContractSize)
	return fill, nil
}

func (o *OKXAdapter) getOrderFill(ctx context.Context, instID, orderID string) (models.FillResult, error) {
	body, err := o.doRequest(ctx, http.MethodGet, "/api/v5/trade/order", map[string]string{"instId": instID, "ordId": orderID}, true)
	if err != nil {
		return models.FillResult{}, err
	}
	var resp struct {
		Data []struct {
			AccFillSz string `json:"accFillSz"`
			AvgPx     string `json:"avgPx"`
			State     string `json:"state"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.FillResult{}, err
	}
	if len(resp.Data) == 0 {
		return models.FillResult{}, fmt.Errorf("okx: order %s not found", orderID)
	}
	d := resp.Data[0]
	status := models.OrderStatusPartial
	if d.State == "filled" {
		status = models.OrderStatusFilled
	}
	return models.FillResult{
		OrderID:       orderID,
		FilledBaseQty: decimalOrZero(d.AccFillSz),
		AveragePrice:  decimalOrZero(d.AvgPx),
		Status:        status,
	}, nil
}

func (o *OKXAdapter) Close() error { return nil }
