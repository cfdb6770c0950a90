package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"tradesync/internal/model"
	"tradesync/internal/websocket"
)

// defaultPoloniexConfig provides sensible defaults for the Poloniex driver.
var defaultPoloniexConfig = PoloniexConfig{
	BaseURL:     "https://poloniex.com",
	PushURL:     "wss://api.poloniex.com",
	RequestRate: 6,
}

// poloniexTimeLayout is the venue's timestamp format.
const poloniexTimeLayout = "2006-01-02 15:04:05"

// PoloniexConfig holds connection parameters for the Poloniex driver.
type PoloniexConfig struct {
	// BaseURL is the REST endpoint root.
	BaseURL string

	// PushURL is the WebSocket endpoint for the optional push-update
	// channel. Empty disables the push path; polling still works.
	PushURL string

	// APIKey and APISecret sign private calls.
	APIKey    string
	APISecret string

	// RequestRate is the server request-rate limit in requests per second.
	RequestRate float64

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Poloniex is the driver for a venue whose APIs address trading pairs by
// currency-pair strings ("BTC_LTC" meaning LTC priced in BTC).
//
// The venue's rate constraints make batching mandatory: one combined
// order-book snapshot covers all pairs per tick. A WebSocket push channel
// streaming incremental book deltas runs as a secondary, best-effort path
// alongside the polling; losing it costs freshness, never correctness.
type Poloniex struct {
	cfg      PoloniexConfig
	ex       *Exchange
	client   *http.Client
	lim      *limiter
	validate *validator.Validate
	log      zerolog.Logger
	nonce    atomic.Int64

	mu    sync.Mutex
	pairs map[string]pairSymbols // subscribed vendor key ("BTC_LTC") -> symbols
	push  *websocket.Client
}

// NewPoloniex creates the driver. Pass nil to use defaults.
func NewPoloniex(cfg *PoloniexConfig) *Poloniex {
	if cfg == nil {
		cfg = &defaultPoloniexConfig
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultPoloniexConfig.BaseURL
	}
	if cfg.RequestRate <= 0 {
		cfg.RequestRate = defaultPoloniexConfig.RequestRate
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	p := &Poloniex{
		cfg:      *cfg,
		client:   client,
		lim:      newLimiter(2, cfg.RequestRate),
		validate: validator.New(),
		log:      log.With().Str("exchange", "Poloniex").Logger(),
		pairs:    make(map[string]pairSymbols),
	}
	p.nonce.Store(time.Now().UnixNano())
	return p
}

func (p *Poloniex) bind(e *Exchange) { p.ex = e }

// SetServerRequestRateLimit rewires the request throttle.
func (p *Poloniex) SetServerRequestRateLimit(rps float64) {
	p.lim.setRate(rps)
}

// vendorKey renders the venue's "QUOTE_BASE" pair key.
func vendorKey(s pairSymbols) string { return s.quote + "_" + s.base }

// splitVendorKey parses the venue's "QUOTE_BASE" pair key.
func splitVendorKey(key string) (pairSymbols, bool) {
	quote, base, found := strings.Cut(key, "_")
	if !found || quote == "" || base == "" {
		return pairSymbols{}, false
	}
	return pairSymbols{base: base, quote: quote}, true
}

// --- wire types ------------------------------------------------------------

type poloniexTicker struct {
	ID       int64  `json:"id"`
	Last     string `json:"last"`
	IsFrozen string `json:"isFrozen"`
}

type poloniexBook struct {
	Asks [][2]json.RawMessage `json:"asks"` // [price string, volume number]
	Bids [][2]json.RawMessage `json:"bids"`
}

type poloniexBalance struct {
	Available decimal.Decimal `json:"available"`
	OnOrders  decimal.Decimal `json:"onOrders"`
}

type poloniexOpenOrder struct {
	OrderNumber string          `json:"orderNumber" validate:"required"`
	Type        string          `json:"type" validate:"required,oneof=buy sell"`
	Rate        decimal.Decimal `json:"rate"`
	Amount      decimal.Decimal `json:"amount"`
	Date        string          `json:"date" validate:"required"`
}

type poloniexHistoric struct {
	TradeID     string          `json:"tradeID" validate:"required"`
	OrderNumber string          `json:"orderNumber" validate:"required"`
	Type        string          `json:"type" validate:"required,oneof=buy sell"`
	Rate        decimal.Decimal `json:"rate"`
	Amount      decimal.Decimal `json:"amount"`
	Total       decimal.Decimal `json:"total"`
	Fee         decimal.Decimal `json:"fee"`
	Date        string          `json:"date" validate:"required"`
}

type poloniexSubmitResult struct {
	OrderNumber     string `json:"orderNumber" validate:"required"`
	ResultingTrades []struct {
		TradeID string `json:"tradeID"`
	} `json:"resultingTrades"`
}

type poloniexError struct {
	Error string `json:"error"`
}

// poloniexTradeType translates the venue's direction string. The vendor
// speaks in base terms: "buy" buys the base currency.
func poloniexTradeType(s string) model.TradeType {
	if s == "buy" {
		return model.Q2B
	}
	return model.B2Q
}

// --- transport -------------------------------------------------------------

// public performs one rate-limited public GET. Service-unavailable replies
// and the venue's HTML maintenance page are classified as transient.
func (p *Poloniex) public(ctx context.Context, command string, params url.Values, out any) error {
	if err := p.lim.wait(ctx); err != nil {
		return err
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("command", command)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/public?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("poloniex %s: %w", command, err)
	}
	return p.do(req, command, out)
}

// private performs one rate-limited signed POST to the trading API.
func (p *Poloniex) private(ctx context.Context, command string, params url.Values, out any) error {
	if err := p.lim.wait(ctx); err != nil {
		return err
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("command", command)
	params.Set("nonce", strconv.FormatInt(p.nonce.Add(1), 10))
	body := params.Encode()

	mac := hmac.New(sha512.New, []byte(p.cfg.APISecret))
	mac.Write([]byte(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/tradingApi", strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("poloniex %s: %w", command, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Key", p.cfg.APIKey)
	req.Header.Set("Sign", hex.EncodeToString(mac.Sum(nil)))
	return p.do(req, command, out)
}

func (p *Poloniex) do(req *http.Request, command string, out any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return req.Context().Err()
		}
		return fmt.Errorf("%w: poloniex %s: %v", ErrTransient, command, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: poloniex %s: http %d", ErrTransient, command, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("poloniex %s: http %d", command, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: poloniex %s: %v", ErrTransient, command, err)
	}
	// The venue serves an HTML maintenance page with a 200 status.
	if len(raw) > 0 && raw[0] == '<' {
		return fmt.Errorf("%w: poloniex %s: maintenance page", ErrTransient, command)
	}
	var apiErr poloniexError
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error != "" {
		return &apiError{op: command, msg: apiErr.Error}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("poloniex %s: malformed reply: %w", command, err)
	}
	return nil
}

// subscribedKeys returns a snapshot of the vendor-key side set.
func (p *Poloniex) subscribedKeys() map[string]pairSymbols {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]pairSymbols, len(p.pairs))
	for k, v := range p.pairs {
		out[k] = v
	}
	return out
}

// --- driver operations -----------------------------------------------------

// UpdatePairs discovers tradable pairs from the ticker table and subscribes
// to those whose both currencies are of interest. The push channel is
// (re)started once pairs are known.
func (p *Poloniex) UpdatePairs(ctx context.Context, coins []string) error {
	asOf := time.Now()
	var ticker map[string]poloniexTicker
	if err := p.public(ctx, "returnTicker", nil, &ticker); err != nil {
		return err
	}

	interest := make(map[string]struct{}, len(coins))
	for _, s := range coins {
		interest[s] = struct{}{}
	}

	var keep []pairSymbols
	for key, t := range ticker {
		if t.IsFrozen == "1" {
			continue
		}
		syms, ok := splitVendorKey(key)
		if !ok {
			continue
		}
		if _, ok := interest[syms.base]; !ok {
			continue
		}
		if _, ok := interest[syms.quote]; !ok {
			continue
		}
		keep = append(keep, syms)
	}

	p.mu.Lock()
	for _, syms := range keep {
		p.pairs[vendorKey(syms)] = syms
	}
	p.mu.Unlock()

	p.ex.integrate(MarketData, asOf, func() {
		for _, syms := range keep {
			base := p.ex.coinGetOrAddLocked(syms.base)
			quote := p.ex.coinGetOrAddLocked(syms.quote)
			pr := p.ex.pairEnsureLocked(base, quote)
			pr.VendorID = vendorKey(pairSymbols{base: syms.base, quote: syms.quote})
		}
	})

	p.startPush(ctx)
	return nil
}

// UpdateData fetches one combined order-book snapshot covering every pair.
// The venue's rate limits make per-pair requests impractical, so batching
// is not an optimization here but a requirement.
func (p *Poloniex) UpdateData(ctx context.Context) error {
	asOf := time.Now()
	subscribed := p.subscribedKeys()
	if len(subscribed) == 0 {
		p.ex.integrate(MarketData, asOf, func() {})
		return nil
	}

	params := url.Values{}
	params.Set("currencyPair", "all")
	params.Set("depth", "50")
	var books map[string]poloniexBook
	if err := p.public(ctx, "returnOrderBook", params, &books); err != nil {
		return err
	}

	type bookUpdate struct {
		name       string
		bids, asks []model.Offer
	}
	var updates []bookUpdate
	for key, book := range books {
		syms, ok := subscribed[key]
		if !ok {
			continue
		}
		u := bookUpdate{name: model.PairName(syms.base, syms.quote)}
		var err error
		if u.bids, err = parsePoloniexSide(book.Bids, syms); err != nil {
			return fmt.Errorf("poloniex returnOrderBook %s: %w", key, err)
		}
		if u.asks, err = parsePoloniexSide(book.Asks, syms); err != nil {
			return fmt.Errorf("poloniex returnOrderBook %s: %w", key, err)
		}
		sort.Slice(u.bids, func(i, j int) bool { return u.bids[i].Price.Value.GreaterThan(u.bids[j].Price.Value) })
		sort.Slice(u.asks, func(i, j int) bool { return u.asks[i].Price.Value.LessThan(u.asks[j].Price.Value) })
		updates = append(updates, u)
	}

	p.ex.integrate(MarketData, asOf, func() {
		for _, u := range updates {
			if pr, ok := p.ex.pairs[u.name]; ok {
				pr.SetBook(u.bids, u.asks)
			}
		}
	})
	return nil
}

// parsePoloniexSide decodes one book side: entries of [price string,
// volume number].
func parsePoloniexSide(rows [][2]json.RawMessage, syms pairSymbols) ([]model.Offer, error) {
	offers := make([]model.Offer, 0, len(rows))
	for _, row := range rows {
		var priceStr string
		if err := json.Unmarshal(row[0], &priceStr); err != nil {
			return nil, fmt.Errorf("bad price: %w", err)
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("bad price %q: %w", priceStr, err)
		}
		var volume decimal.Decimal
		if err := json.Unmarshal(row[1], &volume); err != nil {
			return nil, fmt.Errorf("bad volume: %w", err)
		}
		offers = append(offers, model.Offer{
			Price:  model.Amt(price, syms.quote),
			Volume: model.Amt(volume, syms.base),
		})
	}
	return offers, nil
}

// UpdateBalances fetches all account balances in one call.
func (p *Poloniex) UpdateBalances(ctx context.Context) error {
	asOf := time.Now()
	params := url.Values{}
	params.Set("account", "exchange")
	var rows map[string]poloniexBalance
	if err := p.private(ctx, "returnCompleteBalances", params, &rows); err != nil {
		return err
	}

	p.ex.integrate(Balances, asOf, func() {
		for sym, row := range rows {
			p.ex.applyBalanceLocked(sym,
				model.Amt(row.Available.Add(row.OnOrders), sym),
				model.Amt(row.Available, sym),
				model.Amt(row.OnOrders, sym),
				model.Zero(sym),
				model.Zero(sym),
				asOf)
		}
	})
	return nil
}

// UpdatePositions fetches open orders across all pairs and reconciles the
// local position set against the result.
func (p *Poloniex) UpdatePositions(ctx context.Context) error {
	asOf := time.Now()
	params := url.Values{}
	params.Set("currencyPair", "all")
	var rows map[string][]poloniexOpenOrder
	if err := p.private(ctx, "returnOpenOrders", params, &rows); err != nil {
		return err
	}

	subscribed := p.subscribedKeys()
	type posRow struct {
		id        model.OrderID
		name      string
		syms      pairSymbols
		t         model.TradeType
		rate      decimal.Decimal
		remaining decimal.Decimal
		created   time.Time
	}
	var parsed []posRow
	live := make(map[model.OrderID]struct{})
	for key, orders := range rows {
		syms, ok := subscribed[key]
		if !ok {
			continue
		}
		for i := range orders {
			row := &orders[i]
			if err := p.validate.Struct(row); err != nil {
				return fmt.Errorf("poloniex returnOpenOrders: invalid row: %w", err)
			}
			num, err := strconv.ParseInt(row.OrderNumber, 10, 64)
			if err != nil {
				return fmt.Errorf("poloniex returnOpenOrders: bad order number %q: %w", row.OrderNumber, err)
			}
			created, err := time.Parse(poloniexTimeLayout, row.Date)
			if err != nil {
				return fmt.Errorf("poloniex returnOpenOrders: bad date %q: %w", row.Date, err)
			}
			id := model.RealOrderID(num)
			live[id] = struct{}{}
			parsed = append(parsed, posRow{
				id:        id,
				name:      model.PairName(syms.base, syms.quote),
				syms:      syms,
				t:         poloniexTradeType(row.Type),
				rate:      row.Rate,
				remaining: row.Amount, // the venue reports the unfilled remainder as "amount"
				created:   created,
			})
		}
	}

	p.ex.integrate(Positions, asOf, func() {
		for _, r := range parsed {
			pr, ok := p.ex.pairs[r.name]
			if !ok {
				continue
			}
			p.ex.applyPositionLocked(&model.Position{
				OrderID:   r.id,
				Pair:      pr,
				Type:      r.t,
				Price:     model.Amt(r.rate, r.syms.quote),
				Volume:    model.Amt(r.remaining, r.syms.base),
				Remaining: model.Amt(r.remaining, r.syms.base),
				Created:   r.created,
				Updated:   asOf,
			})
		}
		p.ex.removePositionsNotInLocked(live, asOf)
		p.ex.checkHoldsLocked()
	})
	return nil
}

// UpdateTradeHistory fetches executed trades across all pairs. Unlike the
// pair-id venue, this API reports a stable order number per trade.
func (p *Poloniex) UpdateTradeHistory(ctx context.Context) error {
	asOf := time.Now()
	params := url.Values{}
	params.Set("currencyPair", "all")
	var rows map[string][]poloniexHistoric
	if err := p.private(ctx, "returnTradeHistory", params, &rows); err != nil {
		return err
	}

	subscribed := p.subscribedKeys()
	type histRow struct {
		row     poloniexHistoric
		orderID model.OrderID
		tradeID int64
		name    string
		syms    pairSymbols
		t       model.TradeType
		created time.Time
	}
	var parsed []histRow
	for key, trades := range rows {
		syms, ok := subscribed[key]
		if !ok {
			continue
		}
		for i := range trades {
			row := trades[i]
			if err := p.validate.Struct(&row); err != nil {
				return fmt.Errorf("poloniex returnTradeHistory: invalid row: %w", err)
			}
			orderNum, err := strconv.ParseInt(row.OrderNumber, 10, 64)
			if err != nil {
				return fmt.Errorf("poloniex returnTradeHistory: bad order number %q: %w", row.OrderNumber, err)
			}
			tradeNum, err := strconv.ParseInt(row.TradeID, 10, 64)
			if err != nil {
				return fmt.Errorf("poloniex returnTradeHistory: bad trade id %q: %w", row.TradeID, err)
			}
			created, err := time.Parse(poloniexTimeLayout, row.Date)
			if err != nil {
				return fmt.Errorf("poloniex returnTradeHistory: bad date %q: %w", row.Date, err)
			}
			parsed = append(parsed, histRow{
				row:     row,
				orderID: model.RealOrderID(orderNum),
				tradeID: tradeNum,
				name:    model.PairName(syms.base, syms.quote),
				syms:    syms,
				t:       poloniexTradeType(row.Type),
				created: created,
			})
		}
	}

	p.ex.integrate(History, asOf, func() {
		for _, r := range parsed {
			pr, ok := p.ex.pairs[r.name]
			if !ok {
				continue
			}
			volBase := model.Amt(r.row.Amount, r.syms.base)
			volQuote := model.Amt(r.row.Total, r.syms.quote)
			in, out := volQuote, volBase
			fee := model.Amt(r.row.Fee.Mul(volQuote.Value), r.syms.quote)
			if r.t == model.Q2B {
				in, out = volBase, volQuote
				fee = model.Amt(r.row.Fee.Mul(volBase.Value), r.syms.base)
			}
			p.ex.fillGetOrAddLocked(r.orderID).Add(&model.Historic{
				OrderID:    r.orderID,
				TradeID:    r.tradeID,
				Pair:       pr,
				Type:       r.t,
				Price:      model.Amt(r.row.Rate, r.syms.quote),
				VolumeIn:   in,
				VolumeOut:  out,
				Commission: fee,
				Created:    r.created,
				Updated:    asOf,
			})
		}
	})
	return nil
}

// CreateOrderInternal submits a buy or sell order.
func (p *Poloniex) CreateOrderInternal(ctx context.Context, pair *model.TradingPair, t model.TradeType, volume, price model.Amount) (OrderResult, error) {
	command := "sell"
	if t == model.Q2B {
		command = "buy"
	}
	params := url.Values{}
	params.Set("currencyPair", pair.VendorID)
	params.Set("rate", price.Value.String())
	params.Set("amount", volume.Value.String())

	var res poloniexSubmitResult
	if err := p.private(ctx, command, params, &res); err != nil {
		return OrderResult{}, err
	}
	num, err := strconv.ParseInt(res.OrderNumber, 10, 64)
	if err != nil {
		return OrderResult{}, fmt.Errorf("poloniex %s: bad order number %q: %w", command, res.OrderNumber, err)
	}
	out := OrderResult{OrderID: model.RealOrderID(num)}
	for _, tr := range res.ResultingTrades {
		if tid, err := strconv.ParseInt(tr.TradeID, 10, 64); err == nil {
			out.TradeIDs = append(out.TradeIDs, tid)
		}
	}
	return out, nil
}

// CancelOrderInternal cancels an order. "Invalid order number" means the
// order is already gone, which is success.
func (p *Poloniex) CancelOrderInternal(ctx context.Context, _ *model.TradingPair, id model.OrderID) error {
	params := url.Values{}
	params.Set("orderNumber", strconv.FormatInt(id.Value, 10))

	var res struct {
		Success int `json:"success"`
	}
	err := p.private(ctx, "cancelOrder", params, &res)
	var ae *apiError
	if errors.As(err, &ae) && strings.Contains(strings.ToLower(ae.msg), "invalid order number") {
		p.log.Debug().Stringer("orderId", id).Msg("cancel of already-gone order")
		return nil
	}
	return err
}

// --- push channel ----------------------------------------------------------

// poloniexPushEvent is one incremental order-book delta from the push
// channel.
type poloniexPushEvent struct {
	CurrencyPair string `json:"currencyPair"`
	Type         string `json:"type"` // orderBookModify | orderBookRemove
	Data         struct {
		Side string `json:"type"` // bid | ask
		Rate string `json:"rate"`
		Size string `json:"amount"`
	} `json:"data"`
}

// startPush starts the push-update channel if configured and not already
// running. Failures are logged and ignored: the push path is best-effort
// and polling remains authoritative.
func (p *Poloniex) startPush(ctx context.Context) {
	if p.cfg.PushURL == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.push != nil && !p.push.Closed() {
		return
	}

	subs := make([][]byte, 0, len(p.pairs))
	for key := range p.pairs {
		msg, _ := json.Marshal(map[string]string{"command": "subscribe", "channel": key})
		subs = append(subs, msg)
	}

	client, err := websocket.NewClient(ctx, websocket.Config{
		Endpoint:             p.cfg.PushURL,
		Handler:              p.handlePush,
		SubscriptionMessages: subs,
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("push channel unavailable, polling only")
		return
	}
	p.push = client
}

// handlePush applies one pushed order-book delta. It runs on the WebSocket
// read goroutine and only translates; the mutation itself is posted to the
// integration queue like any other update, time-stamped at arrival.
func (p *Poloniex) handlePush(raw []byte) error {
	var ev poloniexPushEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("push: malformed event: %w", err)
	}
	if ev.Type != "orderBookModify" && ev.Type != "orderBookRemove" {
		return nil
	}
	syms, ok := p.subscribedKeys()[ev.CurrencyPair]
	if !ok {
		return nil
	}
	price, err := decimal.NewFromString(ev.Data.Rate)
	if err != nil {
		return fmt.Errorf("push: bad rate %q: %w", ev.Data.Rate, err)
	}
	size := decimal.Zero
	if ev.Type == "orderBookModify" {
		if size, err = decimal.NewFromString(ev.Data.Size); err != nil {
			return fmt.Errorf("push: bad amount %q: %w", ev.Data.Size, err)
		}
	}

	asOf := time.Now()
	name := model.PairName(syms.base, syms.quote)
	offer := model.Offer{
		Price:  model.Amt(price, syms.quote),
		Volume: model.Amt(size, syms.base),
	}
	isBid := ev.Data.Side == "bid"

	p.ex.integrate(MarketData, asOf, func() {
		pr, ok := p.ex.pairs[name]
		if !ok {
			return
		}
		if isBid {
			pr.Bids.Apply(offer)
		} else {
			pr.Asks.Apply(offer)
		}
	})
	return nil
}
