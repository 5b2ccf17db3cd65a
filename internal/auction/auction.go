// Package auction is the wholesale energy market: a periodic double
// auction that clears every open timeslot once per activation.
//
// Orders arriving between activations are buffered. At activation each
// timeslot's bids and asks are sorted by price-time priority and matched
// while the best bid is at least the best ask. Everything matched in a
// timeslot trades at a single clearing price.
package auction

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/powermarket/internal/gateway"
	"github.com/atmx/powermarket/internal/metrics"
	"github.com/atmx/powermarket/internal/model"
	"github.com/atmx/powermarket/internal/poslimit"
	"github.com/atmx/powermarket/internal/store"
)

var (
	ErrNoBroker           = errors.New("auction: order has no broker")
	ErrUnsupportedProduct = errors.New("auction: unsupported product")
	ErrInvalidSide        = errors.New("auction: side must be BUY or SELL")
	ErrTimeslotDisabled   = errors.New("auction: timeslot not open for trading")
	ErrQuantityTooSmall   = errors.New("auction: quantity below minimum")
	ErrNegativePrice      = errors.New("auction: negative limit price")
)

// Clock is the part of the simulation clock the auction reads.
type Clock interface {
	CurrentTimeslot() int
	CurrentTime() time.Time
	IsEnabled(ts int) bool
	EnabledTimeslots() []int
}

// Accounting records cleared trades.
type Accounting interface {
	AddMarketTransaction(b *model.Broker, timeslot int, mWh, price decimal.Decimal) *model.MarketTransaction
}

// Config holds the clearing parameters.
type Config struct {
	// SellerSurplusRatio places the clearing price between the last
	// matched ask (0) and bid (1).
	SellerSurplusRatio decimal.Decimal
	// SellerMaxMargin caps the price at ask*(1+margin). Zero disables
	// the cap.
	SellerMaxMargin decimal.Decimal
	// DefaultMargin prices a trade when one side is a market order.
	DefaultMargin decimal.Decimal
	// DefaultClearingPrice prices a trade between two market orders.
	DefaultClearingPrice decimal.Decimal
	MinOrderQuantity     decimal.Decimal
}

// DefaultConfig returns the standard clearing parameters.
func DefaultConfig() Config {
	return Config{
		SellerSurplusRatio:   decimal.NewFromFloat(0.5),
		DefaultMargin:        decimal.NewFromFloat(0.05),
		DefaultClearingPrice: decimal.NewFromInt(40),
		MinOrderQuantity:     decimal.NewFromFloat(0.01),
	}
}

type entry struct {
	order     *model.Order
	seq       uint64
	remaining decimal.Decimal
}

func (e *entry) price() *decimal.Decimal { return e.order.LimitPrice }

type trade struct {
	buyer, seller *model.Broker
	mWh           decimal.Decimal
}

// Auction clears wholesale orders.
type Auction struct {
	cfg     Config
	clock   Clock
	ledger  Accounting
	books   *store.OrderbookRepo
	proxy   gateway.BrokerProxy
	limiter *poslimit.PositionLimiter
	logger  *slog.Logger

	mu       sync.Mutex
	incoming []*entry
	seq      uint64

	// clearing is the set of timeslots enabled when the previous
	// activation finished. Only the settlement goroutine touches it.
	clearing []int
}

// New creates an auction. limiter may be nil to disable position limits.
func New(cfg Config, clock Clock, ledger Accounting, books *store.OrderbookRepo,
	proxy gateway.BrokerProxy, limiter *poslimit.PositionLimiter, logger *slog.Logger) *Auction {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auction{
		cfg:     cfg,
		clock:   clock,
		ledger:  ledger,
		books:   books,
		proxy:   proxy,
		limiter: limiter,
		logger:  logger.With("component", "auction"),
	}
}

// ReceiveOrder validates o and buffers it for the next activation.
// Rejected orders are logged and dropped; the returned error is for
// callers that can report it.
func (a *Auction) ReceiveOrder(o *model.Order) error {
	if err := a.validate(o); err != nil {
		broker := ""
		if o != nil && o.Broker != nil {
			broker = o.Broker.Username
		}
		a.logger.Warn("order rejected", "broker", broker, "error", err)
		metrics.OrdersReceived.WithLabelValues(rejectReason(err)).Inc()
		return err
	}
	if o.Received.IsZero() {
		o.Received = time.Now().UTC()
	}

	a.mu.Lock()
	a.seq++
	a.incoming = append(a.incoming, &entry{order: o, seq: a.seq, remaining: o.Quantity})
	a.mu.Unlock()

	metrics.OrdersReceived.WithLabelValues("accepted").Inc()
	a.logger.Debug("order received",
		"id", o.ID,
		"broker", o.Broker.Username,
		"timeslot", o.Timeslot,
		"side", o.Side,
		"mwh", o.Quantity.String(),
	)
	return nil
}

func (a *Auction) validate(o *model.Order) error {
	switch {
	case o == nil || o.Broker == nil:
		return ErrNoBroker
	case o.Product != model.ProductEnergy:
		return fmt.Errorf("%w: %q", ErrUnsupportedProduct, o.Product)
	case o.Side != model.Buy && o.Side != model.Sell:
		return ErrInvalidSide
	case !a.clock.IsEnabled(o.Timeslot):
		return fmt.Errorf("%w: %d", ErrTimeslotDisabled, o.Timeslot)
	case o.Quantity.LessThan(a.cfg.MinOrderQuantity):
		return fmt.Errorf("%w: %s < %s", ErrQuantityTooSmall, o.Quantity, a.cfg.MinOrderQuantity)
	case o.LimitPrice != nil && o.LimitPrice.IsNegative():
		return ErrNegativePrice
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrNoBroker):
		return "no_broker"
	case errors.Is(err, ErrUnsupportedProduct):
		return "product"
	case errors.Is(err, ErrInvalidSide):
		return "side"
	case errors.Is(err, ErrTimeslotDisabled):
		return "timeslot"
	case errors.Is(err, ErrQuantityTooSmall):
		return "quantity"
	case errors.Is(err, ErrNegativePrice):
		return "price"
	}
	return "invalid"
}

// Pending returns the number of buffered orders.
func (a *Auction) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.incoming)
}

// Activate clears every timeslot that was open at the previous
// activation. Orders for timeslots opened since then wait for the next
// activation.
func (a *Auction) Activate(now time.Time, _ int) {
	a.mu.Lock()
	orders := a.incoming
	a.incoming = nil
	a.mu.Unlock()

	clearing := a.clearing
	if clearing == nil {
		clearing = a.clock.EnabledTimeslots()
	}
	inSet := make(map[int]bool, len(clearing))
	for _, ts := range clearing {
		inSet[ts] = true
	}

	bids := make(map[int][]*entry)
	asks := make(map[int][]*entry)
	var carry []*entry
	for _, e := range orders {
		ts := e.order.Timeslot
		if !inSet[ts] {
			if a.clock.IsEnabled(ts) {
				carry = append(carry, e)
			} else {
				a.logger.Warn("order for closed timeslot dropped", "id", e.order.ID, "timeslot", ts)
			}
			continue
		}
		if e.order.Side == model.Buy {
			bids[ts] = append(bids[ts], e)
		} else {
			asks[ts] = append(asks[ts], e)
		}
	}
	if len(carry) > 0 {
		a.mu.Lock()
		a.incoming = append(carry, a.incoming...)
		a.mu.Unlock()
	}

	for _, ts := range clearing {
		b, s := bids[ts], asks[ts]
		if len(b) == 0 && len(s) == 0 {
			continue
		}
		sortBids(b)
		sortAsks(s)
		a.clearTimeslot(now, ts, b, s)
	}

	a.clearing = a.clock.EnabledTimeslots()
}

// sortBids orders bids best first: market orders, then descending price,
// then arrival.
func sortBids(bids []*entry) {
	sort.Slice(bids, func(i, j int) bool {
		return before(bids[i], bids[j], func(x, y decimal.Decimal) bool { return x.GreaterThan(y) })
	})
}

// sortAsks orders asks best first: market orders, then ascending price,
// then arrival.
func sortAsks(asks []*entry) {
	sort.Slice(asks, func(i, j int) bool {
		return before(asks[i], asks[j], func(x, y decimal.Decimal) bool { return x.LessThan(y) })
	})
}

func before(x, y *entry, better func(a, b decimal.Decimal) bool) bool {
	px, py := x.price(), y.price()
	switch {
	case px == nil && py != nil:
		return true
	case px != nil && py == nil:
		return false
	case px != nil && py != nil && !px.Equal(*py):
		return better(*px, *py)
	}
	return x.seq < y.seq
}

func crosses(bid, ask *entry) bool {
	bp, ap := bid.price(), ask.price()
	return bp == nil || ap == nil || bp.GreaterThanOrEqual(*ap)
}

func (a *Auction) constrain(ts int, bids []*entry) []*entry {
	if !a.limiter.Enabled() {
		return bids
	}
	allow := a.limiter.Allowance(ts, ts-a.clock.CurrentTimeslot())
	out := bids[:0]
	for _, e := range bids {
		granted := allow.Take(e.order.Broker, e.remaining)
		if granted.LessThan(e.remaining) {
			a.logger.Info("bid trimmed to position limit",
				"broker", e.order.Broker.Username,
				"timeslot", ts,
				"from", e.remaining.String(),
				"to", granted.String(),
			)
			e.remaining = granted
		}
		if e.remaining.IsPositive() {
			out = append(out, e)
		}
	}
	return out
}

func (a *Auction) clearTimeslot(now time.Time, ts int, bids, asks []*entry) {
	bids = a.constrain(ts, bids)

	var (
		trades   []trade
		total    = decimal.Zero
		bidPrice *decimal.Decimal
		askPrice *decimal.Decimal
	)
	for len(bids) > 0 && len(asks) > 0 && crosses(bids[0], asks[0]) {
		bid, ask := bids[0], asks[0]
		bidPrice, askPrice = bid.price(), ask.price()

		qty := decimal.Min(bid.remaining, ask.remaining)
		if qty.IsPositive() {
			trades = append(trades, trade{buyer: bid.order.Broker, seller: ask.order.Broker, mWh: qty})
			total = total.Add(qty)
			bid.remaining = bid.remaining.Sub(qty)
			ask.remaining = ask.remaining.Sub(qty)
		}
		if !bid.remaining.IsPositive() {
			bids = bids[1:]
		}
		if !ask.remaining.IsPositive() {
			asks = asks[1:]
		}
	}

	ob := &model.Orderbook{
		Timeslot: ts,
		Product:  model.ProductEnergy,
		Bids:     depth(bids),
		Asks:     depth(asks),
		Cleared:  now,
	}
	if len(trades) > 0 {
		price := a.clearingPrice(bidPrice, askPrice)
		ob.ClearingPrice = &price
		a.settle(ts, price, trades)

		metrics.ClearedVolume.Add(total.InexactFloat64())
		metrics.ClearingPrice.Set(price.InexactFloat64())
		a.logger.Info("timeslot cleared",
			"timeslot", ts,
			"mwh", total.String(),
			"price", price.String(),
			"trades", len(trades),
		)
	}

	a.books.Add(ob)
	a.proxy.BroadcastMessage(ob)
	if total.IsPositive() {
		a.proxy.BroadcastMessage(&model.ClearedTrade{
			Timeslot: ts,
			Product:  model.ProductEnergy,
			Price:    *ob.ClearingPrice,
			MWh:      total,
			Cleared:  now,
		})
	}
}

// clearingPrice prices the trade from the last matched bid and ask. A nil
// price is a market order.
func (a *Auction) clearingPrice(bid, ask *decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	switch {
	case bid != nil && ask != nil:
		p := ask.Add(a.cfg.SellerSurplusRatio.Mul(bid.Sub(*ask)))
		if a.cfg.SellerMaxMargin.IsPositive() {
			p = decimal.Min(p, ask.Mul(one.Add(a.cfg.SellerMaxMargin)))
		}
		return p
	case ask != nil:
		return ask.Mul(one.Add(a.cfg.DefaultMargin))
	case bid != nil:
		return bid.Div(one.Add(a.cfg.DefaultMargin))
	}
	return a.cfg.DefaultClearingPrice
}

// settle posts a buyer and a seller transaction for every matched
// transfer, in match order.
func (a *Auction) settle(ts int, price decimal.Decimal, trades []trade) {
	for _, t := range trades {
		a.ledger.AddMarketTransaction(t.buyer, ts, t.mWh, price.Neg())
		a.ledger.AddMarketTransaction(t.seller, ts, t.mWh.Neg(), price)
	}
}

// depth aggregates the unmatched remainder of sorted orders by price
// level.
func depth(orders []*entry) []model.PriceLevel {
	levels := []model.PriceLevel{}
	for _, e := range orders {
		if !e.remaining.IsPositive() {
			continue
		}
		p := e.price()
		if n := len(levels); n > 0 && samePrice(levels[n-1].Price, p) {
			levels[n-1].MWh = levels[n-1].MWh.Add(e.remaining)
			continue
		}
		levels = append(levels, model.PriceLevel{Price: p, MWh: e.remaining})
	}
	return levels
}

func samePrice(x, y *decimal.Decimal) bool {
	if x == nil || y == nil {
		return x == nil && y == nil
	}
	return x.Equal(*y)
}
