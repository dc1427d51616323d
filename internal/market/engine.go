// Package market samples price for a token mint from the AMM Client and
// derives trend/volatility signals over a rolling window. The Flywheel
// Scheduler treats it as an opaque oracle: it never looks inside a Signals
// or OptimalSignal value, only at the fields spec'd here.
package market

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nullseed/flywheel-engine/internal/amm"
)

// Sampling window sizes. Indicator thresholds (RSI overbought/oversold,
// volatility high-water mark) are not fixed by the spec this engine
// implements; these constants are a reasonable placeholder choice, not a
// tuned parameter, and are called out as such rather than invented with
// false precision.
const (
	rsiPeriod       = 14
	volatilityWindow = 20
	maxSamples       = 30 // ring buffer capacity, >= max(rsiPeriod, volatilityWindow)+1
	quoteProbeLamports = 1_000_000_000 // 1 SOL, used as the price probe amount
	fetchCacheTTL    = 5 * time.Second
)

// PriceSnapshot is the result of fetch_current.
type PriceSnapshot struct {
	Price       float64
	Change24h   float64
	SampledAt   time.Time
}

// Trend summarizes the rolling window's directional signal.
type Trend struct {
	Direction string // "up", "down", "flat"
	Strength  float64 // 0..100
	RSI       float64 // 0..100
}

// Volatility summarizes recent price dispersion.
type Volatility struct {
	Value  float64 // stddev of recent returns
	IsHigh bool
}

// Signals is the result of signals().
type Signals struct {
	Trend                    Trend
	Volatility               Volatility
	SuggestedPositionSizePct float64
}

// Action is optimal_signal's recommended action.
type Action string

const (
	ActionStrongBuy  Action = "strong_buy"
	ActionBuy        Action = "buy"
	ActionHold       Action = "hold"
	ActionSell       Action = "sell"
	ActionStrongSell Action = "strong_sell"
)

// OptimalSignal is the result of optimal_signal().
type OptimalSignal struct {
	Action     Action
	Confidence float64 // 0..100
	Reasons    []string
}

type sample struct {
	price float64
	at    time.Time
}

type window struct {
	mu      sync.Mutex
	samples []sample // ring buffer
	idx     int
	count   int

	cachedPrice *PriceSnapshot
}

func (w *window) push(s sample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.samples == nil {
		w.samples = make([]sample, maxSamples)
	}
	w.samples[w.idx%maxSamples] = s
	w.idx++
	if w.count < maxSamples {
		w.count++
	}
}

// ordered returns samples oldest-first.
func (w *window) ordered() []sample {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]sample, w.count)
	start := w.idx - w.count
	for i := 0; i < w.count; i++ {
		out[i] = w.samples[(start+i)%maxSamples]
	}
	return out
}

// Engine samples and derives signals for any number of mints concurrently.
type Engine struct {
	amm *amm.Client

	mu      sync.Mutex
	windows map[string]*window
}

// NewEngine builds a Engine backed by ammClient.
func NewEngine(ammClient *amm.Client) *Engine {
	return &Engine{amm: ammClient, windows: make(map[string]*window)}
}

func (e *Engine) windowFor(mint string) *window {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[mint]
	if !ok {
		w = &window{}
		e.windows[mint] = w
	}
	return w
}

// FetchCurrent returns the token's current SOL price and 24h change, sampling
// a fresh AMM quote unless a cached sample is still within fetchCacheTTL.
// Returns (nil, nil) if a quote is currently unavailable — this is the
// "Option" of spec section 4.6, not an error.
func (e *Engine) FetchCurrent(ctx context.Context, mint string) (*PriceSnapshot, error) {
	w := e.windowFor(mint)

	w.mu.Lock()
	cached := w.cachedPrice
	w.mu.Unlock()
	if cached != nil && time.Since(cached.SampledAt) < fetchCacheTTL {
		return cached, nil
	}

	q, err := e.amm.Quote(ctx, amm.SOLMint, mint, quoteProbeLamports, 100, "buy")
	if err != nil {
		log.Warn().Err(err).Str("mint", mint).Msg("market: quote unavailable")
		return nil, nil
	}

	inAtomic := q.InAmountAtomic()
	outAtomic := q.OutAmountAtomic()
	if outAtomic == 0 {
		return nil, nil
	}
	price := float64(inAtomic) / float64(outAtomic)
	now := time.Now()

	w.push(sample{price: price, at: now})

	snapshot := &PriceSnapshot{
		Price:     price,
		Change24h: change24h(w.ordered(), now),
		SampledAt: now,
	}

	w.mu.Lock()
	w.cachedPrice = snapshot
	w.mu.Unlock()

	return snapshot, nil
}

func change24h(samples []sample, now time.Time) float64 {
	if len(samples) < 2 {
		return 0
	}
	cutoff := now.Add(-24 * time.Hour)
	base := samples[0]
	for _, s := range samples {
		if s.at.Before(cutoff) {
			base = s
			continue
		}
		break
	}
	latest := samples[len(samples)-1]
	if base.price == 0 {
		return 0
	}
	return (latest.price - base.price) / base.price * 100
}

// Signals computes trend/volatility/position-size signals over the rolling
// window. It samples a fresh price first so the window stays warm even for
// tokens Signals is called on more often than FetchCurrent.
func (e *Engine) Signals(ctx context.Context, mint string) (*Signals, error) {
	if _, err := e.FetchCurrent(ctx, mint); err != nil {
		return nil, err
	}
	w := e.windowFor(mint)
	samples := w.ordered()
	if len(samples) < 2 {
		return &Signals{
			Trend:                    Trend{Direction: "flat", Strength: 0, RSI: 50},
			Volatility:               Volatility{Value: 0, IsHigh: false},
			SuggestedPositionSizePct: 0,
		}, nil
	}

	prices := make([]float64, len(samples))
	for i, s := range samples {
		prices[i] = s.price
	}

	rsi := computeRSI(prices, rsiPeriod)
	direction, strength := trendFrom(prices, rsi)
	vol, isHigh := computeVolatility(prices, volatilityWindow)

	suggested := suggestedPositionSize(strength, isHigh)

	return &Signals{
		Trend:                    Trend{Direction: direction, Strength: strength, RSI: rsi},
		Volatility:               Volatility{Value: vol, IsHigh: isHigh},
		SuggestedPositionSizePct: suggested,
	}, nil
}

// OptimalSignal derives a single recommended action from Signals, in the
// spirit of a classic RSI/volatility overlay: oversold + low volatility
// favors buying, overbought + high volatility favors selling.
func (e *Engine) OptimalSignal(ctx context.Context, mint string) (*OptimalSignal, error) {
	sig, err := e.Signals(ctx, mint)
	if err != nil {
		return nil, err
	}

	var reasons []string
	confidence := 50.0
	action := ActionHold

	switch {
	case sig.Trend.RSI <= 30 && !sig.Volatility.IsHigh:
		action = ActionStrongBuy
		confidence = 80
		reasons = append(reasons, fmt.Sprintf("rsi %.1f indicates oversold", sig.Trend.RSI))
	case sig.Trend.RSI <= 40:
		action = ActionBuy
		confidence = 65
		reasons = append(reasons, fmt.Sprintf("rsi %.1f below neutral band", sig.Trend.RSI))
	case sig.Trend.RSI >= 70 && sig.Volatility.IsHigh:
		action = ActionStrongSell
		confidence = 80
		reasons = append(reasons, fmt.Sprintf("rsi %.1f indicates overbought", sig.Trend.RSI))
	case sig.Trend.RSI >= 60:
		action = ActionSell
		confidence = 65
		reasons = append(reasons, fmt.Sprintf("rsi %.1f above neutral band", sig.Trend.RSI))
	default:
		reasons = append(reasons, fmt.Sprintf("rsi %.1f within neutral band", sig.Trend.RSI))
	}

	if sig.Volatility.IsHigh {
		reasons = append(reasons, fmt.Sprintf("volatility %.4f above threshold", sig.Volatility.Value))
		confidence -= 10
	}
	if sig.Trend.Direction == "up" && (action == ActionBuy || action == ActionStrongBuy) {
		confidence += 5
		reasons = append(reasons, "trend direction confirms")
	}
	if sig.Trend.Direction == "down" && (action == ActionSell || action == ActionStrongSell) {
		confidence += 5
		reasons = append(reasons, "trend direction confirms")
	}

	confidence = math.Max(0, math.Min(100, confidence))

	return &OptimalSignal{Action: action, Confidence: confidence, Reasons: reasons}, nil
}

// computeRSI is the textbook Wilder RSI over the trailing period samples in
// prices (oldest-first). Returns 50 (neutral) if there isn't enough history.
func computeRSI(prices []float64, period int) float64 {
	if len(prices) < 2 {
		return 50
	}
	start := 0
	if len(prices) > period+1 {
		start = len(prices) - (period + 1)
	}
	window := prices[start:]

	var gainSum, lossSum float64
	n := 0
	for i := 1; i < len(window); i++ {
		delta := window[i] - window[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum += -delta
		}
		n++
	}
	if n == 0 {
		return 50
	}
	avgGain := gainSum / float64(n)
	avgLoss := lossSum / float64(n)
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

func trendFrom(prices []float64, rsi float64) (string, float64) {
	first := prices[0]
	last := prices[len(prices)-1]
	if first == 0 {
		return "flat", 0
	}
	pctChange := (last - first) / first * 100
	strength := math.Min(100, math.Abs(pctChange)*10)

	switch {
	case pctChange > 0.5:
		return "up", strength
	case pctChange < -0.5:
		return "down", strength
	default:
		return "flat", strength
	}
}

// computeVolatility is the stddev of simple returns over the trailing
// volatilityWindow samples. isHigh fires above a fixed 2% stddev
// placeholder threshold.
func computeVolatility(prices []float64, period int) (float64, bool) {
	start := 0
	if len(prices) > period+1 {
		start = len(prices) - (period + 1)
	}
	window := prices[start:]
	if len(window) < 2 {
		return 0, false
	}

	returns := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		if window[i-1] == 0 {
			continue
		}
		returns = append(returns, (window[i]-window[i-1])/window[i-1])
	}
	if len(returns) == 0 {
		return 0, false
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	stddev := math.Sqrt(variance)

	const highVolThreshold = 0.02
	return stddev, stddev > highVolThreshold
}

func suggestedPositionSize(trendStrength float64, highVol bool) float64 {
	base := 10 + trendStrength*0.3
	if highVol {
		base *= 0.5
	}
	return math.Max(1, math.Min(50, base))
}
