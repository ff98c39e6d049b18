package venue

import (
	"math"
	"sync"
	"time"
)

// rollingWindow is the span of the short-horizon VWAP.
const rollingWindow = 5 * time.Minute

type vwapTrade struct {
	price     float64
	volume    float64
	timestamp time.Time
}

// ChildOrderParams advises the scheduler on the next child slice.
type ChildOrderParams struct {
	LimitPrice  float64
	Quantity    float64
	ShouldPlace bool
}

// VWAPCalculator consumes every executed trade for one symbol and maintains a
// full-period volume-weighted mean plus a rolling VWAP over the last five
// minutes of the execution window. It has its own lock so the book's trade
// callback can feed it without touching the engine mutex.
type VWAPCalculator struct {
	mu sync.Mutex

	pvAccumulator     float64 // Σ price·volume
	volumeAccumulator float64 // Σ volume
	currentVWAP       float64

	start time.Time
	end   time.Time

	rollingTrades []vwapTrade
	rollingPV     float64
	rollingVolume float64
}

// NewVWAPCalculator creates a calculator scoped to the [start, end] execution
// window. Trades outside the window still feed the full-period mean.
func NewVWAPCalculator(start, end time.Time) *VWAPCalculator {
	return &VWAPCalculator{start: start, end: end}
}

// AddTrade records an executed trade. Non-positive inputs are ignored.
func (c *VWAPCalculator) AddTrade(price, volume float64) {
	if price <= 0 || volume <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	c.pvAccumulator += price * volume
	c.volumeAccumulator += volume
	c.currentVWAP = c.pvAccumulator / c.volumeAccumulator

	if !now.Before(c.start) && !now.After(c.end) {
		c.rollingTrades = append(c.rollingTrades, vwapTrade{price: price, volume: volume, timestamp: now})
		c.rollingPV += price * volume
		c.rollingVolume += volume
		c.evictRollingLocked(now)
	}
}

// CurrentVWAP returns the full-period VWAP, 0 before the first trade.
func (c *VWAPCalculator) CurrentVWAP() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentVWAP
}

// RollingVWAP returns the five-minute VWAP, 0 when the window is empty.
func (c *VWAPCalculator) RollingVWAP() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rollingVolume <= 0 {
		return 0
	}
	return c.rollingPV / c.rollingVolume
}

// evictRollingLocked drops trades older than the rolling window, subtracting
// their contribution from the accumulators.
func (c *VWAPCalculator) evictRollingLocked(now time.Time) {
	cutoff := now.Add(-rollingWindow)
	i := 0
	for ; i < len(c.rollingTrades); i++ {
		t := c.rollingTrades[i]
		if !t.timestamp.Before(cutoff) {
			break
		}
		c.rollingPV -= t.price * t.volume
		c.rollingVolume -= t.volume
	}
	if i > 0 {
		c.rollingTrades = c.rollingTrades[i:]
	}
}

// ChildOrderParams computes the limit price and size of the next child order
// for a VWAP parent, and whether one should be placed at all.
func (c *VWAPCalculator) ChildOrderParams(parent *Order, remainingQuantity, targetVWAP float64) ChildOrderParams {
	var params ChildOrderParams

	if parent == nil || remainingQuantity <= 0 || targetVWAP <= 0 {
		return params
	}

	now := time.Now()
	if now.Before(parent.ExecutionStart) || now.After(parent.ExecutionEnd) {
		return params
	}
	timeRemaining := parent.ExecutionEnd.Sub(now).Seconds()
	if timeRemaining <= 0 {
		return params
	}

	c.mu.Lock()
	currentVWAP := c.currentVWAP
	rollingVolume := c.rollingVolume
	c.mu.Unlock()

	params.Quantity = optimalQuantity(remainingQuantity, timeRemaining, currentVWAP, targetVWAP, rollingVolume)

	deviation := (currentVWAP - targetVWAP) / targetVWAP

	if parent.Side == Buy {
		switch {
		case currentVWAP <= targetVWAP:
			params.LimitPrice = targetVWAP
		case deviation <= 0.01:
			// Market VWAP is slightly above target; shade the quote below
			// target and wait for the market to come in.
			params.LimitPrice = targetVWAP * 0.999
		default:
			return params
		}
	} else {
		switch {
		case currentVWAP >= targetVWAP:
			params.LimitPrice = targetVWAP
		case deviation >= -0.01:
			params.LimitPrice = targetVWAP * 1.001
		default:
			return params
		}
	}

	// Quote gate: either enough time has passed since the last child, or the
	// price has moved enough to justify re-quoting.
	timeSinceLast := now.Sub(parent.LastChildTime)
	priceChange := math.Abs(params.LimitPrice-parent.LastChildPrice) / targetVWAP
	params.ShouldPlace = timeSinceLast >= 30*time.Second || priceChange >= 0.001

	return params
}

// optimalQuantity sizes a child slice: the per-minute pace of the remaining
// quantity, scaled by recent volume and by how far the market VWAP sits from
// target.
func optimalQuantity(remaining, timeRemainingSeconds, currentVWAP, targetVWAP, rollingVolume float64) float64 {
	base := remaining / (timeRemainingSeconds / 60.0)

	volumeFactor := rollingVolume / 1000.0
	if volumeFactor < 0.5 {
		volumeFactor = 0.5
	} else if volumeFactor > 2.0 {
		volumeFactor = 2.0
	}

	deviationFactor := 1.0
	if math.Abs(currentVWAP-targetVWAP)/targetVWAP > 0.01 {
		deviationFactor = 1.5
	}

	quantity := base * volumeFactor * deviationFactor
	if quantity > remaining {
		return remaining
	}
	return quantity
}
