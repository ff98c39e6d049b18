package venue

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// TradeCallback is invoked after every executed trade, while the book lock is
// held. Implementations must not call back into the book or the engine.
type TradeCallback func(symbol string, price, quantity float64)

// DepthLevel is one aggregated price level of a book side.
type DepthLevel struct {
	Price float64
	Size  float64
	Count int
}

// OrderBook holds resting limit interest for one symbol, the pending
// conditional (stop) orders, and the last trade price. All operations are
// serialized by the book mutex.
type OrderBook struct {
	symbol string

	mu   sync.Mutex
	bids *bookSide
	asks *bookSide

	// Conditional orders in insertion order.
	stopOrders []*Order

	lastTradePrice float64
	tradeCallback  TradeCallback

	log *zap.SugaredLogger
}

// NewOrderBook creates an empty book for symbol.
func NewOrderBook(symbol string, logger *zap.SugaredLogger) *OrderBook {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &OrderBook{
		symbol: symbol,
		bids:   newBookSide(Buy),
		asks:   newBookSide(Sell),
		log:    logger.With("symbol", symbol),
	}
}

// Symbol returns the instrument this book trades.
func (ob *OrderBook) Symbol() string { return ob.symbol }

// SetTradeCallback installs the post-trade hook.
func (ob *OrderBook) SetTradeCallback(cb TradeCallback) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.tradeCallback = cb
}

// AddOrder inserts an order into the book. Conditional orders that already
// cross the last trade price trigger immediately; the rest join the
// conditional list. Limit orders rest at their price level in FIFO order.
func (ob *OrderBook) AddOrder(order *Order) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	switch order.Type {
	case StopLoss, StopLimit, TrailingStop:
		if order.Type == TrailingStop {
			// Derive the initial trigger level from the current market
			// before the first evaluation.
			ob.updateTrailingStopLocked(order)
		}
		if ob.shouldTriggerLocked(order) {
			ob.executeStopOrderLocked(order, "immediately")
			return
		}
		ob.stopOrders = append(ob.stopOrders, order)
		return
	}

	ob.sideFor(order.Side).insert(order)
}

// CancelOrder marks the order cancelled and removes it from the book.
// Unknown ids are a silent no-op.
func (ob *OrderBook) CancelOrder(orderID uint64) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if o := ob.bids.remove(orderID); o != nil {
		o.Status = StatusCancelled
		return
	}
	if o := ob.asks.remove(orderID); o != nil {
		o.Status = StatusCancelled
		return
	}
	for i, o := range ob.stopOrders {
		if o.ID == orderID {
			o.Status = StatusCancelled
			ob.stopOrders = append(ob.stopOrders[:i], ob.stopOrders[i+1:]...)
			return
		}
	}
}

// MatchOrders runs the matching loop until the book no longer crosses and
// returns every order touched by a trade. When the best buy and best sell
// belong to the same client the older of the two is evicted so a client
// never trades with itself.
func (ob *OrderBook) MatchOrders() []*Order {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	var matched []*Order

	for !ob.bids.empty() && !ob.asks.empty() {
		buy := ob.bids.best()
		sell := ob.asks.best()

		if buy.Price < sell.Price {
			break
		}

		if buy.ClientID == sell.ClientID {
			if buy.Timestamp.Before(sell.Timestamp) {
				ob.bids.removeFront(buy.Price)
			} else {
				ob.asks.removeFront(sell.Price)
			}
			continue
		}

		if ob.executeTradeLocked(buy, sell) {
			matched = append(matched, buy, sell)
		}

		if buy.FilledQuantity >= buy.Quantity {
			ob.bids.removeFront(buy.Price)
		}
		if sell.FilledQuantity >= sell.Quantity {
			ob.asks.removeFront(sell.Price)
		}
	}

	return matched
}

// CheckStopOrders evaluates the conditional list against the last trade
// price. Trailing stops ratchet their trigger level before the check. A zero
// or negative last trade price suppresses all evaluation.
func (ob *OrderBook) CheckStopOrders() {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if ob.lastTradePrice <= 0 {
		return
	}

	remaining := ob.stopOrders[:0]
	for _, order := range ob.stopOrders {
		if order.Type == TrailingStop {
			ob.updateTrailingStopLocked(order)
		}
		if ob.shouldTriggerLocked(order) {
			ob.executeStopOrderLocked(order, "on price movement")
		} else {
			remaining = append(remaining, order)
		}
	}
	ob.stopOrders = remaining
}

// ExecuteMarketOrder sweeps the opposite side best-first until maxQuantity is
// executed or liquidity runs out, and returns the executed quantity. Resting
// orders from the same client are evicted rather than traded against.
func (ob *OrderBook) ExecuteMarketOrder(marketOrder *Order, oppositeSide Side, maxQuantity float64) float64 {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.executeMarketOrderLocked(marketOrder, oppositeSide, maxQuantity)
}

// executeMarketOrderLocked is the lock-held sweep; the stop trigger path
// calls it while already holding the book mutex.
func (ob *OrderBook) executeMarketOrderLocked(marketOrder *Order, oppositeSide Side, maxQuantity float64) float64 {
	opposite := ob.sideFor(oppositeSide)

	totalExecuted := 0.0
	for totalExecuted < maxQuantity && !opposite.empty() {
		resting := opposite.best()

		if resting.ClientID == marketOrder.ClientID {
			opposite.removeFront(resting.Price)
			continue
		}

		available := resting.Remaining()
		tradeQuantity := maxQuantity - totalExecuted
		if available < tradeQuantity {
			tradeQuantity = available
		}
		if tradeQuantity <= 0 {
			break
		}

		if oppositeSide == Buy {
			ob.executeTradeLocked(resting, marketOrder)
		} else {
			ob.executeTradeLocked(marketOrder, resting)
		}
		totalExecuted += tradeQuantity

		if resting.FilledQuantity >= resting.Quantity {
			opposite.removeFront(resting.Price)
		}
	}
	return totalExecuted
}

// BestBid returns the highest resting buy price, 0 when empty.
func (ob *OrderBook) BestBid() float64 {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.bids.bestPrice()
}

// BestAsk returns the lowest resting sell price, 0 when empty.
func (ob *OrderBook) BestAsk() float64 {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.asks.bestPrice()
}

// LastPrice returns the most recent trade price, 0 before the first trade.
func (ob *OrderBook) LastPrice() float64 {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.lastTradePrice
}

// Depth returns up to levels aggregated price levels per side, best first.
// levels <= 0 returns all levels.
func (ob *OrderBook) Depth(levels int) (bids, asks []DepthLevel) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.bids.depth(levels), ob.asks.depth(levels)
}

func (ob *OrderBook) sideFor(s Side) *bookSide {
	if s == Buy {
		return ob.bids
	}
	return ob.asks
}

// executeTradeLocked crosses buy against sell for the minimum remaining
// quantity. The trade prints at the older order's price unless one side is a
// market order, which takes the resting side's price.
func (ob *OrderBook) executeTradeLocked(buy, sell *Order) bool {
	tradeQuantity := buy.Remaining()
	if r := sell.Remaining(); r < tradeQuantity {
		tradeQuantity = r
	}
	if tradeQuantity <= 0 {
		return false
	}

	var tradePrice float64
	switch {
	case buy.Type == Market:
		tradePrice = sell.Price
	case sell.Type == Market:
		tradePrice = buy.Price
	case buy.Timestamp.Before(sell.Timestamp):
		tradePrice = buy.Price
	default:
		tradePrice = sell.Price
	}

	buy.FilledQuantity += tradeQuantity
	sell.FilledQuantity += tradeQuantity

	if buy.FilledQuantity >= buy.Quantity {
		buy.Status = StatusFilled
	}
	if sell.FilledQuantity >= sell.Quantity {
		sell.Status = StatusFilled
	}

	ob.lastTradePrice = tradePrice

	if ob.tradeCallback != nil {
		ob.tradeCallback(ob.symbol, tradePrice, tradeQuantity)
	}

	ob.log.Debugw("trade executed",
		"price", tradePrice,
		"quantity", tradeQuantity,
		"buyer", buy.ClientID,
		"seller", sell.ClientID,
	)
	return true
}

// shouldTriggerLocked reports whether a conditional order activates at the
// current last trade price.
func (ob *OrderBook) shouldTriggerLocked(order *Order) bool {
	if ob.lastTradePrice <= 0 {
		return false
	}
	if order.Side == Sell {
		return ob.lastTradePrice <= order.Price
	}
	return ob.lastTradePrice >= order.Price
}

// executeStopOrderLocked runs the trigger path: stop-loss and trailing stops
// become market sweeps, stop-limits convert to resting limit orders.
func (ob *OrderBook) executeStopOrderLocked(order *Order, triggerContext string) {
	ob.log.Infow("stop order triggered",
		"order_id", order.ID,
		"context", triggerContext,
		"last_price", ob.lastTradePrice,
	)

	if order.Type == StopLimit {
		order.Type = Limit
		order.Price = order.LimitPrice
		ob.sideFor(order.Side).insert(order)
		ob.log.Infow("stop limit converted to limit", "order_id", order.ID, "price", order.Price)
		return
	}

	// StopLoss and TrailingStop sweep the opposite side as a market order.
	order.Type = Market
	executed := ob.executeMarketOrderLocked(order, order.Side.Opposite(), order.Quantity)

	switch {
	case executed == order.Quantity:
		order.Status = StatusFilled
	case executed > 0:
		order.Status = StatusPartialFilled
		ob.log.Infow("stop order partially executed",
			"order_id", order.ID, "executed", executed, "quantity", order.Quantity)
	default:
		order.Status = StatusRejected
		ob.log.Infow("stop order rejected, no liquidity", "order_id", order.ID)
	}
}

// updateTrailingStopLocked ratchets the trigger level of a trailing stop.
// SELL stops follow the highest observed trade downwards-protected; BUY stops
// follow the lowest observed trade upwards-protected.
func (ob *OrderBook) updateTrailingStopLocked(order *Order) {
	if order.Type != TrailingStop || ob.lastTradePrice <= 0 {
		return
	}

	if order.Side == Sell {
		if ob.lastTradePrice > order.HighestPrice {
			order.HighestPrice = ob.lastTradePrice
			order.Price = ob.lastTradePrice - order.TrailingAmount
			ob.log.Debugw("trailing stop updated",
				"order_id", order.ID, "highest", order.HighestPrice, "stop", order.Price)
		}
		return
	}
	if ob.lastTradePrice < order.LowestPrice || order.LowestPrice == 0 {
		order.LowestPrice = ob.lastTradePrice
		order.Price = ob.lastTradePrice + order.TrailingAmount
		ob.log.Debugw("trailing stop updated",
			"order_id", order.ID, "lowest", order.LowestPrice, "stop", order.Price)
	}
}

// bookSide holds one side's resting orders: a price -> FIFO map plus a sorted
// price index. Prices are kept ascending; the best price is the last element
// for bids and the first for asks.
type bookSide struct {
	side   Side
	levels map[float64][]*Order
	prices []float64
}

func newBookSide(side Side) *bookSide {
	return &bookSide{
		side:   side,
		levels: make(map[float64][]*Order),
	}
}

func (bs *bookSide) empty() bool { return len(bs.prices) == 0 }

func (bs *bookSide) insert(order *Order) {
	fifo, exists := bs.levels[order.Price]
	if !exists {
		i := sort.SearchFloat64s(bs.prices, order.Price)
		bs.prices = append(bs.prices, 0)
		copy(bs.prices[i+1:], bs.prices[i:])
		bs.prices[i] = order.Price
	}
	bs.levels[order.Price] = append(fifo, order)
}

// best returns the front order of the best price level. Callers must check
// empty() first.
func (bs *bookSide) best() *Order {
	return bs.levels[bs.bestPrice()][0]
}

func (bs *bookSide) bestPrice() float64 {
	if len(bs.prices) == 0 {
		return 0
	}
	if bs.side == Buy {
		return bs.prices[len(bs.prices)-1]
	}
	return bs.prices[0]
}

// removeFront pops the FIFO head at price, dropping the level when it empties.
func (bs *bookSide) removeFront(price float64) {
	fifo := bs.levels[price]
	if len(fifo) == 0 {
		return
	}
	fifo = fifo[1:]
	if len(fifo) == 0 {
		bs.dropLevel(price)
		return
	}
	bs.levels[price] = fifo
}

// remove deletes the order with the given id from any level and returns it.
func (bs *bookSide) remove(orderID uint64) *Order {
	for price, fifo := range bs.levels {
		for i, o := range fifo {
			if o.ID != orderID {
				continue
			}
			fifo = append(fifo[:i], fifo[i+1:]...)
			if len(fifo) == 0 {
				bs.dropLevel(price)
			} else {
				bs.levels[price] = fifo
			}
			return o
		}
	}
	return nil
}

func (bs *bookSide) dropLevel(price float64) {
	delete(bs.levels, price)
	i := sort.SearchFloat64s(bs.prices, price)
	if i < len(bs.prices) && bs.prices[i] == price {
		bs.prices = append(bs.prices[:i], bs.prices[i+1:]...)
	}
}

// depth aggregates levels best-first.
func (bs *bookSide) depth(max int) []DepthLevel {
	n := len(bs.prices)
	if max <= 0 || max > n {
		max = n
	}
	out := make([]DepthLevel, 0, max)
	for i := 0; i < max; i++ {
		var price float64
		if bs.side == Buy {
			price = bs.prices[n-1-i]
		} else {
			price = bs.prices[i]
		}
		level := DepthLevel{Price: price}
		for _, o := range bs.levels[price] {
			level.Size += o.Remaining()
			level.Count++
		}
		out = append(out, level)
	}
	return out
}
