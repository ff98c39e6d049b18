package venue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func newTestEngine(t *testing.T) *MatchingEngine {
	t.Helper()
	engine := NewMatchingEngine(Options{
		Workers:      2,
		VWAPInterval: 50 * time.Millisecond,
	})
	t.Cleanup(engine.Close)
	return engine
}

func TestEngineOrderIDsMonotonic(t *testing.T) {
	engine := newTestEngine(t)

	var last uint64
	for i := 0; i < 10; i++ {
		id := engine.SubmitOrder("AAPL", Limit, Buy, 100, 1, "c1")
		require.Greater(t, id, last)
		last = id
	}
}

func TestEngineValidationRejects(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name   string
		submit func() uint64
	}{
		{"EmptySymbol", func() uint64 { return engine.SubmitOrder("", Limit, Buy, 100, 1, "c1") }},
		{"EmptyClient", func() uint64 { return engine.SubmitOrder("AAPL", Limit, Buy, 100, 1, "") }},
		{"ZeroQuantity", func() uint64 { return engine.SubmitOrder("AAPL", Limit, Buy, 100, 0, "c1") }},
		{"NegativeLimitPrice", func() uint64 { return engine.SubmitOrder("AAPL", Limit, Buy, -1, 1, "c1") }},
		{"StopLimitViaOrderPath", func() uint64 { return engine.SubmitOrder("AAPL", StopLimit, Buy, 100, 1, "c1") }},
		{"StopLimitBuyAboveLimit", func() uint64 { return engine.SubmitStopLimitOrder("AAPL", Buy, 110, 100, 1, "c1") }},
		{"StopLimitSellBelowLimit", func() uint64 { return engine.SubmitStopLimitOrder("AAPL", Sell, 100, 110, 1, "c1") }},
		{"ZeroTrailingAmount", func() uint64 { return engine.SubmitTrailingStopOrder("AAPL", Sell, 0, 1, "c1") }},
		{"VWAPWindowInPast", func() uint64 {
			now := time.Now()
			return engine.SubmitVWAPOrder("AAPL", Buy, 100, 1, now.Add(-2*time.Hour), now.Add(-time.Hour), "c1")
		}},
		{"VWAPInvertedWindow", func() uint64 {
			now := time.Now()
			return engine.SubmitVWAPOrder("AAPL", Buy, 100, 1, now.Add(time.Hour), now.Add(time.Minute), "c1")
		}},
		{"VWAPZeroTarget", func() uint64 {
			now := time.Now()
			return engine.SubmitVWAPOrder("AAPL", Buy, 0, 1, now, now.Add(time.Hour), "c1")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, uint64(0), tt.submit())
		})
	}
}

func TestEngineMarketPriceIgnored(t *testing.T) {
	engine := newTestEngine(t)
	// Market orders may carry any price, including negative.
	id := engine.SubmitOrder("AAPL", Market, Buy, -1, 5, "c1")
	assert.NotZero(t, id)
}

// Simple cross: a resting ask is swept by a larger market buy; the remainder
// of the market order is dropped.
func TestEngineScenarioSimpleCross(t *testing.T) {
	engine := newTestEngine(t)

	require.NotZero(t, engine.SubmitOrder("AAPL", Limit, Sell, 150, 50, "c2"))
	require.NotZero(t, engine.SubmitOrder("AAPL", Market, Buy, 100, 100, "c1"))

	book := engine.OrderBook("AAPL")
	require.NotNil(t, book)

	assert.Equal(t, 0.0, book.BestAsk())
	assert.Equal(t, 150.0, book.LastPrice())
	assert.Equal(t, 0.0, book.BestBid())
}

// Price-time priority: equal-priced bids fill in submission order.
func TestEngineScenarioPriceTimePriority(t *testing.T) {
	engine := newTestEngine(t)

	engine.SubmitOrder("MSFT", Limit, Buy, 200, 50, "c1")
	engine.SubmitOrder("MSFT", Limit, Buy, 200, 30, "c2")
	engine.SubmitOrder("MSFT", Limit, Buy, 200, 20, "c3")
	engine.SubmitOrder("MSFT", Limit, Sell, 200, 100, "c4")
	engine.SubmitOrder("MSFT", Limit, Sell, 201, 50, "c5")

	book := engine.OrderBook("MSFT")
	require.NotNil(t, book)

	require.Eventually(t, func() bool {
		return book.BestBid() == 0 && book.BestAsk() == 201
	}, waitFor, tick)
	assert.Greater(t, book.LastPrice(), 0.0)
}

// Stop-loss trigger: a print at the stop level sweeps the best bid.
func TestEngineScenarioStopLossTrigger(t *testing.T) {
	engine := newTestEngine(t)

	engine.SubmitOrder("GOOG", Limit, Buy, 800, 100, "c1")
	engine.SubmitOrder("GOOG", Limit, Sell, 810, 100, "c2")
	require.NotZero(t, engine.SubmitOrder("GOOG", StopLoss, Sell, 805, 25, "cstop"))

	engine.SubmitOrder("GOOG", Limit, Buy, 805, 5, "c4")
	engine.SubmitOrder("GOOG", Limit, Sell, 805, 5, "c5")

	book := engine.OrderBook("GOOG")
	require.NotNil(t, book)

	require.Eventually(t, func() bool {
		return book.LastPrice() == 800 && book.BestBid() == 800 && book.BestAsk() == 810
	}, waitFor, tick)
}

// Stop-limit conversion: triggering turns the stop into a resting limit.
func TestEngineScenarioStopLimitConversion(t *testing.T) {
	engine := newTestEngine(t)

	engine.SubmitOrder("TSLA", Limit, Buy, 400, 100, "c1")
	engine.SubmitOrder("TSLA", Limit, Sell, 420, 100, "c2")
	require.NotZero(t, engine.SubmitStopLimitOrder("TSLA", Sell, 410, 405, 30, "c3"))

	engine.SubmitOrder("TSLA", Limit, Buy, 410, 5, "c4")
	engine.SubmitOrder("TSLA", Limit, Sell, 410, 5, "c5")

	book := engine.OrderBook("TSLA")
	require.NotNil(t, book)

	require.Eventually(t, func() bool {
		return book.BestAsk() == 405 && book.BestBid() == 400
	}, waitFor, tick)
}

// Self-trade eviction: the older side is removed, nothing prints.
func TestEngineScenarioSelfTradeEviction(t *testing.T) {
	engine := newTestEngine(t)

	engine.SubmitOrder("NFLX", Limit, Buy, 100, 10, "c1")
	engine.SubmitOrder("NFLX", Limit, Sell, 100, 10, "c1")

	book := engine.OrderBook("NFLX")
	require.NotNil(t, book)

	require.Eventually(t, func() bool {
		return book.BestBid() == 0 && book.BestAsk() == 100
	}, waitFor, tick)
	assert.Equal(t, 0.0, book.LastPrice())
}

// VWAP: once market trades pull the VWAP below target, a buy child is quoted
// at the target; cancelling the parent clears the child from the book.
func TestEngineScenarioVWAP(t *testing.T) {
	engine := newTestEngine(t)

	now := time.Now()
	parentID := engine.SubmitVWAPOrder("AMZN", Buy, 100, 50,
		now.Add(150*time.Millisecond), now.Add(5*time.Minute), "cv")
	require.NotZero(t, parentID)

	// Push the market VWAP to 99 before the window opens.
	engine.SubmitOrder("AMZN", Limit, Sell, 99, 5, "c2")
	engine.SubmitOrder("AMZN", Limit, Buy, 99, 5, "c3")

	book := engine.OrderBook("AMZN")
	require.NotNil(t, book)
	require.Eventually(t, func() bool {
		return book.LastPrice() == 99
	}, waitFor, tick)

	// A child limit appears at the target price.
	require.Eventually(t, func() bool {
		return book.BestBid() == 100
	}, waitFor, tick)

	parent, ok := engine.VWAPOrder(parentID)
	require.True(t, ok)
	require.NotEmpty(t, parent.ChildOrderIDs)

	// Cancelling the parent cancels the child and leaves no resting
	// interest from it.
	require.True(t, engine.CancelOrder(parentID, "cv"))
	require.Eventually(t, func() bool {
		return book.BestBid() == 0
	}, waitFor, tick)

	_, ok = engine.VWAPOrder(parentID)
	assert.False(t, ok)
}

func TestEngineVWAPProgressDeltaAccumulation(t *testing.T) {
	engine := newTestEngine(t)

	now := time.Now()
	parentID := engine.SubmitVWAPOrder("IBM", Sell, 100, 10,
		now, now.Add(time.Minute), "cv")
	require.NotZero(t, parentID)

	// Lift the VWAP above target so sell children quote at target.
	engine.SubmitOrder("IBM", Limit, Sell, 101, 5, "c2")
	engine.SubmitOrder("IBM", Limit, Buy, 101, 5, "c3")

	book := engine.OrderBook("IBM")
	require.NotNil(t, book)
	require.Eventually(t, func() bool {
		return book.LastPrice() == 101
	}, waitFor, tick)

	// A sell child rests at 100; two partial takes against it must each
	// count once toward the parent.
	require.Eventually(t, func() bool {
		return book.BestAsk() == 100
	}, waitFor, tick)

	engine.SubmitOrder("IBM", Limit, Buy, 100, 1, "c4")
	require.Eventually(t, func() bool {
		parent, ok := engine.VWAPOrder(parentID)
		return ok && parent.FilledQuantity == 1
	}, waitFor, tick)

	engine.SubmitOrder("IBM", Limit, Buy, 100, 1, "c5")
	require.Eventually(t, func() bool {
		parent, ok := engine.VWAPOrder(parentID)
		return ok && parent.FilledQuantity == 2
	}, waitFor, tick)
}

func TestEngineVWAPStatusListing(t *testing.T) {
	engine := newTestEngine(t)

	now := time.Now()
	id := engine.SubmitVWAPOrder("ORCL", Buy, 50, 10, now, now.Add(time.Hour), "cv")
	require.NotZero(t, id)

	active := engine.ActiveVWAPOrders("ORCL", "cv")
	require.Len(t, active, 1)
	assert.Equal(t, id, active[0].ID)
	assert.Equal(t, StatusPending, active[0].Status)

	assert.Empty(t, engine.ActiveVWAPOrders("ORCL", "other"))
	assert.Empty(t, engine.ActiveVWAPOrders("MSFT", "cv"))
}

func TestEngineCancelOwnership(t *testing.T) {
	engine := newTestEngine(t)

	id := engine.SubmitOrder("AAPL", Limit, Buy, 100, 5, "c1")
	require.NotZero(t, id)

	// Another client cannot cancel the order.
	assert.False(t, engine.CancelOrder(id, "c2"))
	assert.True(t, engine.CancelOrder(id, "c1"))
	// Cancel is not idempotent: the id is gone.
	assert.False(t, engine.CancelOrder(id, "c1"))
}

func TestEngineCancelRestoresBook(t *testing.T) {
	engine := newTestEngine(t)

	engine.SubmitOrder("AAPL", Limit, Buy, 99, 1, "c0")
	book := engine.OrderBook("AAPL")
	require.NotNil(t, book)

	id := engine.SubmitOrder("AAPL", Limit, Buy, 100, 5, "c1")
	require.True(t, engine.CancelOrder(id, "c1"))

	assert.Equal(t, 99.0, book.BestBid())
}

func TestEngineBooksPerSymbol(t *testing.T) {
	engine := newTestEngine(t)

	engine.SubmitOrder("AAPL", Limit, Buy, 100, 1, "c1")
	engine.SubmitOrder("MSFT", Limit, Sell, 200, 1, "c1")

	require.NotNil(t, engine.OrderBook("AAPL"))
	require.NotNil(t, engine.OrderBook("MSFT"))
	assert.Nil(t, engine.OrderBook("GOOG"))

	assert.Equal(t, 100.0, engine.OrderBook("AAPL").BestBid())
	assert.Equal(t, 200.0, engine.OrderBook("MSFT").BestAsk())
}

func TestEngineConcurrentSubmissions(t *testing.T) {
	engine := newTestEngine(t)

	const goroutines = 10
	const ordersEach = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			client := fmt.Sprintf("c%d", g)
			for i := 0; i < ordersEach; i++ {
				side := Buy
				price := 100.0 - float64(i%10)
				if i%2 == 0 {
					side = Sell
					price = 100.0 + float64(i%10)
				}
				engine.SubmitOrder("STRESS", Limit, side, price, 1, client)
			}
		}(g)
	}
	wg.Wait()

	book := engine.OrderBook("STRESS")
	require.NotNil(t, book)

	// After the queued matching passes drain, the book must not cross.
	require.Eventually(t, func() bool {
		bid, ask := book.BestBid(), book.BestAsk()
		return bid == 0 || ask == 0 || bid < ask
	}, waitFor, tick)
}
