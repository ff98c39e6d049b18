package venue

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// defaultVWAPInterval is the pause between scheduler steps for one parent.
const defaultVWAPInterval = 30 * time.Second

// Metrics is the engine's instrumentation sink. The prometheus-backed
// implementation lives in pkg/metrics; an engine built with nil
// Options.Metrics uses a no-op sink.
type Metrics interface {
	OrderSubmitted()
	OrderRejected()
	TradeExecuted()
	ObserveMatchingLatency(d time.Duration)
	SetBookDepth(symbol string, side Side, levels int)
	SetActiveVWAPOrders(n int)
}

type nopMetrics struct{}

func (nopMetrics) OrderSubmitted()                      {}
func (nopMetrics) OrderRejected()                       {}
func (nopMetrics) TradeExecuted()                       {}
func (nopMetrics) ObserveMatchingLatency(time.Duration) {}
func (nopMetrics) SetBookDepth(string, Side, int)       {}
func (nopMetrics) SetActiveVWAPOrders(int)              {}

// FillPublisher receives every executed trade for downstream consumers.
// Implementations must be non-blocking; they are invoked from the book's
// trade callback.
type FillPublisher interface {
	PublishFill(symbol string, price, quantity float64)
}

type nopPublisher struct{}

func (nopPublisher) PublishFill(string, float64, float64) {}

// Options configures a MatchingEngine.
type Options struct {
	Workers      int           // worker pool size, default 4
	VWAPInterval time.Duration // scheduler step interval, default 30s
	Logger       *zap.SugaredLogger
	Metrics      Metrics
	Fills        FillPublisher
}

// MatchingEngine owns the per-symbol books and VWAP calculators, issues order
// identifiers, validates and routes submissions, and drives matching and VWAP
// execution. A single engine mutex protects the maps; per-book mutexes are
// always acquired after it, never before.
type MatchingEngine struct {
	mu           sync.Mutex
	books        map[string]*OrderBook
	clientOrders map[string][]uint64
	vwapOrders   map[uint64]*Order

	// childFills caches each child's last observed fill so parent progress
	// accumulates deltas rather than cumulative fills.
	childFills map[uint64]float64

	// calculators is keyed by symbol. It is a sync.Map so the book's trade
	// callback can resolve a calculator without taking the engine mutex.
	calculators sync.Map

	nextOrderID  atomic.Uint64
	pool         *WorkerPool
	vwapInterval time.Duration
	closed       atomic.Bool

	log     *zap.SugaredLogger
	metrics Metrics
	fills   FillPublisher
}

// NewMatchingEngine constructs an engine ready to accept submissions.
func NewMatchingEngine(opts Options) *MatchingEngine {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.VWAPInterval <= 0 {
		opts.VWAPInterval = defaultVWAPInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Fills == nil {
		opts.Fills = nopPublisher{}
	}
	return &MatchingEngine{
		books:        make(map[string]*OrderBook),
		clientOrders: make(map[string][]uint64),
		vwapOrders:   make(map[uint64]*Order),
		childFills:   make(map[uint64]float64),
		pool:         NewWorkerPool(opts.Workers),
		vwapInterval: opts.VWAPInterval,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		fills:        opts.Fills,
	}
}

// Close stops the worker pool. In-flight tasks drain; new submissions and
// scheduler steps are rejected.
func (e *MatchingEngine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.pool.Close()
}

// SubmitOrder validates and routes a MARKET, LIMIT or STOP_LOSS submission.
// It returns the assigned order id, or 0 on reject. STOP_LIMIT, TRAILING_STOP
// and VWAP orders carry extra parameters and use their dedicated entry
// points; routing them here rejects.
func (e *MatchingEngine) SubmitOrder(symbol string, typ OrderType, side Side, price, quantity float64, clientID string) uint64 {
	if e.closed.Load() || !e.validateOrder(symbol, typ, price, quantity, clientID) {
		e.metrics.OrderRejected()
		return 0
	}

	orderID := e.nextOrderID.Add(1)

	e.mu.Lock()
	defer e.mu.Unlock()

	book := e.bookLocked(symbol)
	e.clientOrders[clientID] = append(e.clientOrders[clientID], orderID)
	e.metrics.OrderSubmitted()

	switch typ {
	case Market:
		order := NewMarketOrder(orderID, symbol, side, quantity, clientID)
		e.executeMarketLocked(book, order)
	case StopLoss:
		order := NewStopOrder(orderID, symbol, side, price, quantity, clientID)
		book.AddOrder(order)
		book.CheckStopOrders()
	default: // Limit
		order := NewLimitOrder(orderID, symbol, side, price, quantity, clientID)
		book.AddOrder(order)
		e.enqueueMatching(symbol)
	}

	return orderID
}

// SubmitStopLimitOrder registers a stop-limit order: trigger at stopPrice,
// convert to a limit at limitPrice.
func (e *MatchingEngine) SubmitStopLimitOrder(symbol string, side Side, stopPrice, limitPrice, quantity float64, clientID string) uint64 {
	if e.closed.Load() || !e.validateStopLimit(symbol, side, stopPrice, limitPrice, quantity, clientID) {
		e.metrics.OrderRejected()
		return 0
	}

	orderID := e.nextOrderID.Add(1)

	e.mu.Lock()
	defer e.mu.Unlock()

	book := e.bookLocked(symbol)
	e.clientOrders[clientID] = append(e.clientOrders[clientID], orderID)
	e.metrics.OrderSubmitted()

	order := NewStopLimitOrder(orderID, symbol, side, stopPrice, limitPrice, quantity, clientID)
	book.AddOrder(order)
	book.CheckStopOrders()

	return orderID
}

// SubmitTrailingStopOrder registers a trailing stop that follows the market
// at the given absolute distance.
func (e *MatchingEngine) SubmitTrailingStopOrder(symbol string, side Side, trailingAmount, quantity float64, clientID string) uint64 {
	if e.closed.Load() || !e.validateTrailingStop(symbol, trailingAmount, quantity, clientID) {
		e.metrics.OrderRejected()
		return 0
	}

	orderID := e.nextOrderID.Add(1)

	e.mu.Lock()
	defer e.mu.Unlock()

	book := e.bookLocked(symbol)
	e.clientOrders[clientID] = append(e.clientOrders[clientID], orderID)
	e.metrics.OrderSubmitted()

	order := NewTrailingStopOrder(orderID, symbol, side, trailingAmount, quantity, clientID)
	book.AddOrder(order)
	book.CheckStopOrders()

	return orderID
}

// SubmitVWAPOrder registers a VWAP parent working quantity over
// [start, end] against targetVWAP and kicks off its scheduler loop.
func (e *MatchingEngine) SubmitVWAPOrder(symbol string, side Side, targetVWAP, quantity float64, start, end time.Time, clientID string) uint64 {
	if e.closed.Load() || !e.validateVWAP(symbol, targetVWAP, quantity, start, end, clientID) {
		e.metrics.OrderRejected()
		return 0
	}

	orderID := e.nextOrderID.Add(1)

	e.mu.Lock()
	defer e.mu.Unlock()

	// The symbol's calculator is created with the first VWAP order's window;
	// later parents for the same symbol share it.
	if _, ok := e.calculators.Load(symbol); !ok {
		e.calculators.Store(symbol, NewVWAPCalculator(start, end))
	}
	e.bookLocked(symbol)

	order := NewVWAPOrder(orderID, symbol, side, targetVWAP, quantity, start, end, clientID)
	e.clientOrders[clientID] = append(e.clientOrders[clientID], orderID)
	e.vwapOrders[orderID] = order
	e.metrics.OrderSubmitted()
	e.metrics.SetActiveVWAPOrders(len(e.vwapOrders))

	e.pool.Enqueue(func() { e.processVWAPOrder(symbol, orderID) })

	return orderID
}

// CancelOrder cancels the order if it belongs to clientID. Cancelling a VWAP
// parent also cancels every live child across the books.
func (e *MatchingEngine) CancelOrder(orderID uint64, clientID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	orders := e.clientOrders[clientID]
	idx := -1
	for i, id := range orders {
		if id == orderID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	if parent, ok := e.vwapOrders[orderID]; ok {
		for _, childID := range parent.ChildOrderIDs {
			for _, book := range e.books {
				book.CancelOrder(childID)
			}
			delete(e.childFills, childID)
		}
		parent.Status = StatusCancelled
		delete(e.vwapOrders, orderID)
		e.metrics.SetActiveVWAPOrders(len(e.vwapOrders))
		e.log.Infow("vwap order cancelled",
			"order_id", orderID, "children", len(parent.ChildOrderIDs))
	} else {
		for _, book := range e.books {
			book.CancelOrder(orderID)
		}
	}

	e.clientOrders[clientID] = append(orders[:idx], orders[idx+1:]...)
	return true
}

// OrderBook returns the book for symbol, or nil before the first submission.
func (e *MatchingEngine) OrderBook(symbol string) *OrderBook {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.books[symbol]
}

// VWAPOrder returns a snapshot of an active VWAP parent.
func (e *MatchingEngine) VWAPOrder(orderID uint64) (Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.vwapOrders[orderID]
	if !ok {
		return Order{}, false
	}
	return *order, true
}

// ActiveVWAPOrders returns snapshots of the live VWAP parents for one client
// and symbol.
func (e *MatchingEngine) ActiveVWAPOrders(symbol, clientID string) []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Order
	for _, order := range e.vwapOrders {
		if order.Symbol == symbol && order.ClientID == clientID {
			out = append(out, *order)
		}
	}
	return out
}

// bookLocked resolves or creates the symbol's book. The trade callback feeds
// the symbol's VWAP calculator and the fill publisher; it runs under the book
// mutex and therefore resolves the calculator through the lock-free map.
func (e *MatchingEngine) bookLocked(symbol string) *OrderBook {
	if book, ok := e.books[symbol]; ok {
		return book
	}
	book := NewOrderBook(symbol, e.log)
	book.SetTradeCallback(func(sym string, price, quantity float64) {
		if c, ok := e.calculators.Load(sym); ok {
			c.(*VWAPCalculator).AddTrade(price, quantity)
		}
		e.fills.PublishFill(sym, price, quantity)
		e.metrics.TradeExecuted()
	})
	e.books[symbol] = book
	return book
}

func (e *MatchingEngine) enqueueMatching(symbol string) {
	e.pool.Enqueue(func() { e.processMatching(symbol) })
}

// processMatching runs one matching pass for symbol: match, cascade stop
// triggers if anything traded, then roll child fills up into VWAP parents.
func (e *MatchingEngine) processMatching(symbol string) {
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	book, ok := e.books[symbol]
	if !ok {
		return
	}

	matched := book.MatchOrders()
	if len(matched) > 0 {
		book.CheckStopOrders()
		e.updateVWAPProgressLocked(matched)
	}

	bids, asks := book.Depth(0)
	e.metrics.SetBookDepth(symbol, Buy, len(bids))
	e.metrics.SetBookDepth(symbol, Sell, len(asks))
	e.metrics.ObserveMatchingLatency(time.Since(start))
}

// executeMarketLocked sweeps the opposite side for the full quantity and
// finalizes the order's status. The remainder of a partially filled market
// order is dropped, never rested.
func (e *MatchingEngine) executeMarketLocked(book *OrderBook, order *Order) {
	executed := book.ExecuteMarketOrder(order, order.Side.Opposite(), order.Quantity)

	switch {
	case executed == order.Quantity:
		order.Status = StatusFilled
	case executed > 0:
		order.Status = StatusPartialFilled
		e.log.Infow("market order partially filled",
			"order_id", order.ID, "executed", executed, "quantity", order.Quantity)
	default:
		order.Status = StatusRejected
		e.log.Infow("market order rejected, no liquidity", "order_id", order.ID)
	}

	book.CheckStopOrders()
}

// processVWAPOrder runs one scheduler step for a parent: place a child slice
// if the calculator advises one, then re-arm the step timer.
func (e *MatchingEngine) processVWAPOrder(symbol string, orderID uint64) {
	if e.closed.Load() {
		return
	}

	e.mu.Lock()

	parent, ok := e.vwapOrders[orderID]
	if !ok {
		e.mu.Unlock()
		return
	}
	calcVal, ok := e.calculators.Load(symbol)
	if !ok {
		e.mu.Unlock()
		return
	}
	calculator := calcVal.(*VWAPCalculator)
	book, ok := e.books[symbol]
	if !ok {
		e.mu.Unlock()
		return
	}

	remaining := parent.Remaining()
	if remaining <= 0 {
		parent.Status = StatusFilled
		delete(e.vwapOrders, orderID)
		e.metrics.SetActiveVWAPOrders(len(e.vwapOrders))
		e.mu.Unlock()
		return
	}

	params := calculator.ChildOrderParams(parent, remaining, parent.TargetVWAP)
	if params.ShouldPlace && params.Quantity > 0 {
		childID := e.nextOrderID.Add(1)
		child := NewLimitOrder(childID, symbol, parent.Side, params.LimitPrice, params.Quantity, parent.ClientID)
		book.AddOrder(child)

		parent.ChildOrderIDs = append(parent.ChildOrderIDs, childID)
		parent.LastChildPrice = params.LimitPrice
		parent.LastChildTime = time.Now()

		e.log.Debugw("vwap child placed",
			"parent_id", orderID,
			"child_id", childID,
			"price", params.LimitPrice,
			"quantity", params.Quantity,
		)
		e.enqueueMatching(symbol)
	}
	e.mu.Unlock()

	// Re-arm off the pool so no worker parks for the interval.
	time.AfterFunc(e.vwapInterval, func() {
		if e.closed.Load() {
			return
		}
		e.pool.Enqueue(func() { e.processVWAPOrder(symbol, orderID) })
	})
}

// updateVWAPProgressLocked rolls fills on touched child orders up into their
// parents. Only the delta against the child's last observed fill is added, so
// a child touched in several passes is never double counted.
func (e *MatchingEngine) updateVWAPProgressLocked(matched []*Order) {
	for _, child := range matched {
		parent := e.parentOfLocked(child.ID)
		if parent == nil {
			continue
		}

		delta := child.FilledQuantity - e.childFills[child.ID]
		if delta <= 0 {
			continue
		}
		e.childFills[child.ID] = child.FilledQuantity
		parent.FilledQuantity += delta

		e.log.Debugw("vwap progress",
			"parent_id", parent.ID,
			"filled", parent.FilledQuantity,
			"quantity", parent.Quantity,
			"child_id", child.ID,
		)

		if parent.FilledQuantity >= parent.Quantity {
			parent.Status = StatusFilled
			for _, childID := range parent.ChildOrderIDs {
				delete(e.childFills, childID)
			}
			delete(e.vwapOrders, parent.ID)
			e.metrics.SetActiveVWAPOrders(len(e.vwapOrders))
			e.log.Infow("vwap order completed", "parent_id", parent.ID)
		}
	}
}

func (e *MatchingEngine) parentOfLocked(childID uint64) *Order {
	for _, parent := range e.vwapOrders {
		for _, id := range parent.ChildOrderIDs {
			if id == childID {
				return parent
			}
		}
	}
	return nil
}

func (e *MatchingEngine) validateOrder(symbol string, typ OrderType, price, quantity float64, clientID string) bool {
	if symbol == "" || clientID == "" {
		return false
	}
	if quantity <= 0 {
		return false
	}
	switch typ {
	case Limit, StopLoss:
		return price > 0
	case Market:
		return true
	default:
		// STOP_LIMIT, TRAILING_STOP and VWAP need parameters this entry
		// point does not carry.
		return false
	}
}

func (e *MatchingEngine) validateStopLimit(symbol string, side Side, stopPrice, limitPrice, quantity float64, clientID string) bool {
	if symbol == "" || clientID == "" || quantity <= 0 {
		return false
	}
	if stopPrice <= 0 || limitPrice <= 0 {
		return false
	}
	// The limit must sit on the protective side of the stop.
	if side == Sell && stopPrice < limitPrice {
		return false
	}
	if side == Buy && stopPrice > limitPrice {
		return false
	}
	return true
}

func (e *MatchingEngine) validateTrailingStop(symbol string, trailingAmount, quantity float64, clientID string) bool {
	return symbol != "" && clientID != "" && quantity > 0 && trailingAmount > 0
}

func (e *MatchingEngine) validateVWAP(symbol string, targetVWAP, quantity float64, start, end time.Time, clientID string) bool {
	if symbol == "" || clientID == "" || quantity <= 0 || targetVWAP <= 0 {
		return false
	}
	if !start.Before(end) {
		return false
	}
	return end.After(time.Now())
}
