package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
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
)

// defaultCryptopiaConfig provides sensible defaults for the Cryptopia driver.
var defaultCryptopiaConfig = CryptopiaConfig{
	BaseURL:     "https://www.cryptopia.co.nz/api",
	RequestRate: 5,
}

// CryptopiaConfig holds connection parameters for the Cryptopia driver.
type CryptopiaConfig struct {
	// BaseURL is the REST endpoint root.
	BaseURL string

	// APIKey and APISecret sign private calls. Leave empty for public-only
	// operation (market data without balances/orders).
	APIKey    string
	APISecret string

	// RequestRate is the server request-rate limit in requests per second.
	RequestRate float64

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Cryptopia is the driver for a venue whose APIs address trading pairs by
// numeric pair id and encode trade direction as numeric type codes.
//
// The driver keeps a side-set of subscribed pair ids; market-data requests
// batch all known ids into a single call.
type Cryptopia struct {
	cfg      CryptopiaConfig
	ex       *Exchange
	client   *http.Client
	lim      *limiter
	validate *validator.Validate
	log      zerolog.Logger
	nonce    atomic.Int64

	mu      sync.Mutex
	pairIDs map[int64]pairSymbols // subscribed vendor pair id -> symbols
}

type pairSymbols struct {
	base, quote string
}

// NewCryptopia creates the driver. Pass nil to use defaults.
func NewCryptopia(cfg *CryptopiaConfig) *Cryptopia {
	if cfg == nil {
		cfg = &defaultCryptopiaConfig
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCryptopiaConfig.BaseURL
	}
	if cfg.RequestRate <= 0 {
		cfg.RequestRate = defaultCryptopiaConfig.RequestRate
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	c := &Cryptopia{
		cfg:      *cfg,
		client:   client,
		lim:      newLimiter(2, cfg.RequestRate),
		validate: validator.New(),
		log:      log.With().Str("exchange", "Cryptopia").Logger(),
		pairIDs:  make(map[int64]pairSymbols),
	}
	c.nonce.Store(time.Now().UnixNano())
	return c
}

func (c *Cryptopia) bind(e *Exchange) { c.ex = e }

// SetServerRequestRateLimit rewires the request throttle.
func (c *Cryptopia) SetServerRequestRateLimit(rps float64) {
	c.lim.setRate(rps)
}

// --- wire types ------------------------------------------------------------

// envelope is the common reply wrapper of every endpoint.
type cryptopiaEnvelope struct {
	Success bool            `json:"Success"`
	Error   *string         `json:"Error"`
	Data    json.RawMessage `json:"Data"`
}

// apiError is a failure reported inside a syntactically valid reply.
type apiError struct {
	op  string
	msg string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("cryptopia %s: %s", e.op, e.msg)
}

type cryptopiaPair struct {
	ID     int64           `json:"Id" validate:"required"`
	Label  string          `json:"Label" validate:"required"`
	Symbol string          `json:"Symbol" validate:"required"`     // Base currency (vendor calls this "Symbol")
	Base   string          `json:"BaseSymbol" validate:"required"` // Quote currency (vendor calls this "BaseSymbol")
	Min    decimal.Decimal `json:"MinimumTrade"`
	Max    decimal.Decimal `json:"MaximumTrade"`
}

type cryptopiaOffer struct {
	Price  decimal.Decimal `json:"Price"`
	Volume decimal.Decimal `json:"Volume"`
}

type cryptopiaMarket struct {
	TradePairID int64            `json:"TradePairId" validate:"required"`
	Buy         []cryptopiaOffer `json:"Buy"`
	Sell        []cryptopiaOffer `json:"Sell"`
}

type cryptopiaBalance struct {
	Symbol          string            `json:"Symbol" validate:"required"`
	Total           decimal.Decimal   `json:"Total"`
	Available       decimal.Decimal   `json:"Available"`
	HeldForTrades   decimal.Decimal   `json:"HeldForTrades"`
	Unconfirmed     decimal.Decimal   `json:"Unconfirmed"`
	PendingWithdraw adjustableDecimal `json:"PendingWithdraw"`
}

// adjustableDecimal tolerates the vendor emitting either a number or null.
type adjustableDecimal struct {
	decimal.Decimal
}

func (d *adjustableDecimal) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		d.Decimal = decimal.Zero
		return nil
	}
	return d.Decimal.UnmarshalJSON(b)
}

type cryptopiaOpenOrder struct {
	OrderID     int64           `json:"OrderId" validate:"required"`
	TradePairID int64           `json:"TradePairId" validate:"required"`
	Type        int             `json:"Type"` // 0 = buy base, 1 = sell base
	Rate        decimal.Decimal `json:"Rate"`
	Amount      decimal.Decimal `json:"Amount"`
	Remaining   decimal.Decimal `json:"Remaining"`
	TimeStamp   string          `json:"TimeStamp" validate:"required"`
}

type cryptopiaHistoric struct {
	TradeID     int64           `json:"TradeId" validate:"required"`
	TradePairID int64           `json:"TradePairId" validate:"required"`
	Type        int             `json:"Type"`
	Rate        decimal.Decimal `json:"Rate"`
	Amount      decimal.Decimal `json:"Amount"`
	Total       decimal.Decimal `json:"Total"`
	Fee         decimal.Decimal `json:"Fee"`
	TimeStamp   string          `json:"TimeStamp" validate:"required"`
}

type cryptopiaSubmitResult struct {
	OrderID      *int64  `json:"OrderId"`
	FilledOrders []int64 `json:"FilledOrders"`
}

// tradeTypeFromCode translates the vendor's numeric trade-type code.
// Code 0 buys the base currency, code 1 sells it.
func tradeTypeFromCode(code int) model.TradeType {
	if code == 0 {
		return model.Q2B
	}
	return model.B2Q
}

func tradeTypeToCode(t model.TradeType) int {
	if t == model.Q2B {
		return 0
	}
	return 1
}

// --- transport -------------------------------------------------------------

// call performs one rate-limited request and decodes the reply envelope
// into out. Private endpoints are signed; network-level and
// service-unavailable failures are classified as transient.
func (c *Cryptopia) call(ctx context.Context, method, op string, body, out any) error {
	if err := c.lim.wait(ctx); err != nil {
		return err
	}

	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cryptopia %s: encode request: %w", op, err)
		}
	}

	url := c.cfg.BaseURL + "/" + op
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("cryptopia %s: %w", op, err)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", c.sign(url, reqBody))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: cryptopia %s: %v", ErrTransient, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: cryptopia %s: http %d", ErrTransient, op, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("cryptopia %s: http %d", op, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: cryptopia %s: %v", ErrTransient, op, err)
	}
	var env cryptopiaEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("cryptopia %s: malformed reply: %w", op, err)
	}
	if !env.Success {
		msg := "unspecified error"
		if env.Error != nil {
			msg = *env.Error
		}
		return &apiError{op: op, msg: msg}
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("cryptopia %s: malformed data: %w", op, err)
		}
	}
	return nil
}

// sign builds the authorization header for private calls: an HMAC-SHA512
// over key, uri, nonce and the MD5-style body digest the venue expects.
func (c *Cryptopia) sign(url string, body []byte) string {
	nonce := strconv.FormatInt(c.nonce.Add(1), 10)
	bodyHash := sha256.Sum256(body)
	payload := c.cfg.APIKey + "POST" + strings.ToLower(url) + nonce + base64.StdEncoding.EncodeToString(bodyHash[:])
	secret, _ := base64.StdEncoding.DecodeString(c.cfg.APISecret)
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(payload))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return "amx " + c.cfg.APIKey + ":" + sig + ":" + nonce
}

// subscribed returns a snapshot of the pair-id side set.
func (c *Cryptopia) subscribed() map[int64]pairSymbols {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]pairSymbols, len(c.pairIDs))
	for k, v := range c.pairIDs {
		out[k] = v
	}
	return out
}

// --- driver operations -----------------------------------------------------

// UpdatePairs fetches the venue's trade-pair table and subscribes to every
// pair whose both currencies are of interest.
func (c *Cryptopia) UpdatePairs(ctx context.Context, coins []string) error {
	asOf := time.Now()
	var rows []cryptopiaPair
	if err := c.call(ctx, http.MethodGet, "GetTradePairs", nil, &rows); err != nil {
		return err
	}

	interest := make(map[string]struct{}, len(coins))
	for _, s := range coins {
		interest[s] = struct{}{}
	}

	keep := rows[:0]
	for _, row := range rows {
		if err := c.validate.Struct(&row); err != nil {
			return fmt.Errorf("cryptopia GetTradePairs: invalid row: %w", err)
		}
		if _, ok := interest[row.Symbol]; !ok {
			continue
		}
		if _, ok := interest[row.Base]; !ok {
			continue
		}
		keep = append(keep, row)
	}

	c.mu.Lock()
	for _, row := range keep {
		c.pairIDs[row.ID] = pairSymbols{base: row.Symbol, quote: row.Base}
	}
	c.mu.Unlock()

	rows = keep
	c.ex.integrate(MarketData, asOf, func() {
		for _, row := range rows {
			base := c.ex.coinGetOrAddLocked(row.Symbol)
			quote := c.ex.coinGetOrAddLocked(row.Base)
			p := c.ex.pairEnsureLocked(base, quote)
			p.VendorID = strconv.FormatInt(row.ID, 10)
			p.MinVolumeBase = model.Amt(row.Min, base.Symbol)
			p.MaxVolumeBase = model.Amt(row.Max, base.Symbol)
		}
	})
	return nil
}

// UpdateData fetches the order books of all subscribed pairs in one batched
// call addressed by pair ids.
func (c *Cryptopia) UpdateData(ctx context.Context) error {
	asOf := time.Now()
	ids := c.subscribed()
	if len(ids) == 0 {
		c.ex.integrate(MarketData, asOf, func() {})
		return nil
	}

	idList := make([]string, 0, len(ids))
	for id := range ids {
		idList = append(idList, strconv.FormatInt(id, 10))
	}
	sort.Strings(idList)

	var markets []cryptopiaMarket
	op := "GetMarketOrderGroups/" + strings.Join(idList, "-")
	if err := c.call(ctx, http.MethodGet, op, nil, &markets); err != nil {
		return err
	}

	type bookUpdate struct {
		name       string
		bids, asks []model.Offer
	}
	updates := make([]bookUpdate, 0, len(markets))
	for _, m := range markets {
		syms, ok := ids[m.TradePairID]
		if !ok {
			continue
		}
		u := bookUpdate{name: model.PairName(syms.base, syms.quote)}
		for _, o := range m.Buy {
			u.bids = append(u.bids, model.Offer{
				Price:  model.Amt(o.Price, syms.quote),
				Volume: model.Amt(o.Volume, syms.base),
			})
		}
		for _, o := range m.Sell {
			u.asks = append(u.asks, model.Offer{
				Price:  model.Amt(o.Price, syms.quote),
				Volume: model.Amt(o.Volume, syms.base),
			})
		}
		sort.Slice(u.bids, func(i, j int) bool { return u.bids[i].Price.Value.GreaterThan(u.bids[j].Price.Value) })
		sort.Slice(u.asks, func(i, j int) bool { return u.asks[i].Price.Value.LessThan(u.asks[j].Price.Value) })
		updates = append(updates, u)
	}

	c.ex.integrate(MarketData, asOf, func() {
		for _, u := range updates {
			if p, ok := c.ex.pairs[u.name]; ok {
				p.SetBook(u.bids, u.asks)
			}
		}
	})
	return nil
}

// UpdateBalances fetches all account balances.
func (c *Cryptopia) UpdateBalances(ctx context.Context) error {
	asOf := time.Now()
	var rows []cryptopiaBalance
	if err := c.call(ctx, http.MethodPost, "GetBalance", struct{}{}, &rows); err != nil {
		return err
	}
	for i := range rows {
		if err := c.validate.Struct(&rows[i]); err != nil {
			return fmt.Errorf("cryptopia GetBalance: invalid row: %w", err)
		}
	}

	c.ex.integrate(Balances, asOf, func() {
		for _, row := range rows {
			sym := row.Symbol
			c.ex.applyBalanceLocked(sym,
				model.Amt(row.Total, sym),
				model.Amt(row.Available, sym),
				model.Amt(row.HeldForTrades, sym),
				model.Amt(row.Unconfirmed, sym),
				model.Amt(row.PendingWithdraw.Decimal, sym),
				asOf)
		}
	})
	return nil
}

// UpdatePositions fetches open orders and reconciles locally held positions
// against the result.
func (c *Cryptopia) UpdatePositions(ctx context.Context) error {
	asOf := time.Now()
	var rows []cryptopiaOpenOrder
	if err := c.call(ctx, http.MethodPost, "GetOpenOrders", struct{}{}, &rows); err != nil {
		return err
	}

	ids := c.subscribed()
	type posRow struct {
		id        model.OrderID
		name      string
		syms      pairSymbols
		t         model.TradeType
		rate      decimal.Decimal
		amount    decimal.Decimal
		remaining decimal.Decimal
		created   time.Time
	}
	parsed := make([]posRow, 0, len(rows))
	live := make(map[model.OrderID]struct{}, len(rows))
	for i := range rows {
		row := &rows[i]
		if err := c.validate.Struct(row); err != nil {
			return fmt.Errorf("cryptopia GetOpenOrders: invalid row: %w", err)
		}
		syms, ok := ids[row.TradePairID]
		if !ok {
			continue
		}
		created, err := time.Parse(time.RFC3339, row.TimeStamp)
		if err != nil {
			return fmt.Errorf("cryptopia GetOpenOrders: bad timestamp %q: %w", row.TimeStamp, err)
		}
		id := model.RealOrderID(row.OrderID)
		live[id] = struct{}{}
		parsed = append(parsed, posRow{
			id:        id,
			name:      model.PairName(syms.base, syms.quote),
			syms:      syms,
			t:         tradeTypeFromCode(row.Type),
			rate:      row.Rate,
			amount:    row.Amount,
			remaining: row.Remaining,
			created:   created,
		})
	}

	c.ex.integrate(Positions, asOf, func() {
		for _, r := range parsed {
			p, ok := c.ex.pairs[r.name]
			if !ok {
				continue
			}
			c.ex.applyPositionLocked(&model.Position{
				OrderID:   r.id,
				Pair:      p,
				Type:      r.t,
				Price:     model.Amt(r.rate, r.syms.quote),
				Volume:    model.Amt(r.amount, r.syms.base),
				Remaining: model.Amt(r.remaining, r.syms.base),
				Created:   r.created,
				Updated:   asOf,
			})
		}
		c.ex.removePositionsNotInLocked(live, asOf)
		c.ex.checkHoldsLocked()
	})
	return nil
}

// UpdateTradeHistory fetches executed trades. The venue reports no stable
// order id for historic trades, so each trade is reconciled against existing
// fills by (pair, created-time); an unmatched trade falls back to using its
// trade id as the order id. This matching is a known upstream data-quality
// limitation and can attach a trade to the wrong order under rapid trading
// on one pair.
func (c *Cryptopia) UpdateTradeHistory(ctx context.Context) error {
	asOf := time.Now()
	var rows []cryptopiaHistoric
	if err := c.call(ctx, http.MethodPost, "GetTradeHistory", struct{}{}, &rows); err != nil {
		return err
	}

	ids := c.subscribed()
	type histRow struct {
		row     cryptopiaHistoric
		syms    pairSymbols
		name    string
		t       model.TradeType
		created time.Time
	}
	parsed := make([]histRow, 0, len(rows))
	for i := range rows {
		row := rows[i]
		if err := c.validate.Struct(&row); err != nil {
			return fmt.Errorf("cryptopia GetTradeHistory: invalid row: %w", err)
		}
		syms, ok := ids[row.TradePairID]
		if !ok {
			continue
		}
		created, err := time.Parse(time.RFC3339, row.TimeStamp)
		if err != nil {
			return fmt.Errorf("cryptopia GetTradeHistory: bad timestamp %q: %w", row.TimeStamp, err)
		}
		parsed = append(parsed, histRow{
			row:     row,
			syms:    syms,
			name:    model.PairName(syms.base, syms.quote),
			t:       tradeTypeFromCode(row.Type),
			created: created,
		})
	}

	c.ex.integrate(History, asOf, func() {
		for _, r := range parsed {
			p, ok := c.ex.pairs[r.name]
			if !ok {
				continue
			}
			orderID, matched := c.ex.findFillByTradeLocked(p, r.created)
			if !matched {
				orderID = model.RealOrderID(r.row.TradeID)
				c.log.Debug().
					Int64("tradeId", r.row.TradeID).
					Str("pair", r.name).
					Msg("historic trade has no matching fill, keying by trade id")
			}

			volBase := model.Amt(r.row.Amount, r.syms.base)
			volQuote := model.Amt(r.row.Total, r.syms.quote)
			in, out := volQuote, volBase
			fee := model.Amt(r.row.Fee, r.syms.quote)
			if r.t == model.Q2B {
				in, out = volBase, volQuote
				fee = model.Amt(r.row.Fee, r.syms.base)
			}
			c.ex.fillGetOrAddLocked(orderID).Add(&model.Historic{
				OrderID:    orderID,
				TradeID:    r.row.TradeID,
				Pair:       p,
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

// CreateOrderInternal submits an order. The venue may fill immediately and
// return only trade ids with a null order id.
func (c *Cryptopia) CreateOrderInternal(ctx context.Context, pair *model.TradingPair, t model.TradeType, volume, price model.Amount) (OrderResult, error) {
	pairID, err := strconv.ParseInt(pair.VendorID, 10, 64)
	if err != nil {
		return OrderResult{}, fmt.Errorf("cryptopia SubmitTrade: pair %s has no vendor id", pair.Name())
	}
	body := struct {
		TradePairID int64           `json:"TradePairId"`
		Type        int             `json:"Type"`
		Rate        decimal.Decimal `json:"Rate"`
		Amount      decimal.Decimal `json:"Amount"`
	}{pairID, tradeTypeToCode(t), price.Value, volume.Value}

	var res cryptopiaSubmitResult
	if err := c.call(ctx, http.MethodPost, "SubmitTrade", body, &res); err != nil {
		return OrderResult{}, err
	}
	out := OrderResult{TradeIDs: res.FilledOrders}
	if res.OrderID != nil {
		out.OrderID = model.RealOrderID(*res.OrderID)
	}
	return out, nil
}

// CancelOrderInternal cancels an order. A venue reply that the order does
// not exist is success: the order is gone either way.
func (c *Cryptopia) CancelOrderInternal(ctx context.Context, _ *model.TradingPair, id model.OrderID) error {
	body := struct {
		Type    string `json:"Type"`
		OrderID int64  `json:"OrderId"`
	}{"Trade", id.Value}

	err := c.call(ctx, http.MethodPost, "CancelTrade", body, nil)
	var ae *apiError
	if errors.As(err, &ae) && strings.Contains(strings.ToLower(ae.msg), "does not exist") {
		c.log.Debug().Stringer("orderId", id).Msg("cancel of already-gone order")
		return nil
	}
	return err
}
