package flywheel

import (
	"context"
	"fmt"
	"time"

	"github.com/nullseed/flywheel-engine/internal/market"
)

// condition is a classification of current market behavior for the Dynamic
// algorithm's condition table. Spec section 4.8 gives the trade/buyback/
// reserve table per condition but not the detection rule itself; this maps
// market.Signals onto the five conditions using the same RSI/volatility
// primitives internal/market already exposes, documented here rather than
// invented as a separate indicator.
type condition string

const (
	conditionPump              condition = "pump"
	conditionDump              condition = "dump"
	conditionRanging           condition = "ranging"
	conditionNormal            condition = "normal"
	conditionExtremeVolatility condition = "extreme_volatility"
)

func classify(sig *market.Signals) condition {
	if sig.Volatility.IsHigh && sig.Trend.RSI > 40 && sig.Trend.RSI < 60 {
		return conditionExtremeVolatility
	}
	if sig.Trend.RSI >= 70 {
		return conditionPump
	}
	if sig.Trend.RSI <= 30 {
		return conditionDump
	}
	if sig.Trend.Direction == "flat" || sig.Trend.Strength < 1 {
		return conditionRanging
	}
	return conditionNormal
}

func isAdverse(c condition) bool {
	return c == conditionDump || c == conditionExtremeVolatility
}

func isFavorable(c condition) bool {
	return c == conditionNormal || c == conditionPump || c == conditionRanging
}

// DynamicAlgorithm trades by current market condition with reserve/buyback
// percentages tuned per condition, deploying a slice of the reserve on a
// transition out of an adverse condition. Grounded on
// internal/trading/executor.go's balance-check-then-trade shape; the
// condition classification and reserve-deployment bookkeeping are this
// module's own addition, since the teacher has no equivalent regime-switch.
type DynamicAlgorithm struct{}

func (a *DynamicAlgorithm) Run(ctx context.Context, env *TradeEnv) (bool, error) {
	signals, err := env.Scheduler.engine.Signals(ctx, env.Token.Mint)
	if err != nil {
		return false, fmt.Errorf("signals: %w", err)
	}
	if signals == nil {
		return false, nil
	}
	cur := classify(signals)

	prev := condition(env.State.DynamicCondition)
	transitioned := isAdverse(prev) && isFavorable(cur)

	switch cur {
	case conditionExtremeVolatility:
		env.State.DynamicCondition = string(cur)
		return false, nil

	case conditionPump:
		return a.tradePump(ctx, env, transitioned, cur)

	case conditionDump:
		return a.tradeBuy(ctx, env, 0, env.Config.ReservePctAdverse, "twap", transitioned, cur)

	case conditionRanging:
		return a.tradeBuy(ctx, env, 100-env.Config.ReservePctNormal, env.Config.ReservePctNormal, "vwap", transitioned, cur)

	default: // normal
		return a.tradeBuy(ctx, env, 100-env.Config.ReservePctNormal, env.Config.ReservePctNormal, "instant", transitioned, cur)
	}
}

func (a *DynamicAlgorithm) tradePump(ctx context.Context, env *TradeEnv, transitioned bool, cur condition) (bool, error) {
	tokenAtomic, err := env.Scheduler.OpsTokenBalance(ctx, env.OpsWallet.Address, env.Token.Mint)
	if err != nil {
		return false, fmt.Errorf("ops token balance: %w", err)
	}
	sellAtomic := float64(tokenAtomic) * 0.90
	if sellAtomic < 1 {
		env.State.DynamicCondition = string(cur)
		return false, nil
	}
	_, err = env.Scheduler.ExecuteTrade(ctx, env.Token, env.OpsWallet.Address, env.Token.Mint, uint64(sellAtomic), env.Config.SlippageBps, "sell")
	env.State.DynamicCondition = string(cur)
	if err != nil {
		return true, fmt.Errorf("dynamic pump sell: %w", err)
	}
	return true, nil
}

func (a *DynamicAlgorithm) tradeBuy(ctx context.Context, env *TradeEnv, buybackPct, reservePct float64, execMode string, transitioned bool, cur condition) (bool, error) {
	gated, err := a.executionGated(env, execMode)
	if err != nil {
		return false, err
	}
	if gated {
		env.State.DynamicCondition = string(cur)
		return false, nil
	}

	opsLamports, err := env.Scheduler.chain.GetBalance(ctx, env.OpsWallet.Address)
	if err != nil {
		return false, fmt.Errorf("ops balance: %w", err)
	}
	opsSOL := float64(opsLamports) / lamportsPerSOL

	buyback := buybackPct
	if cur == conditionDump && env.Config.BoostFlag {
		buyback = 80
	} else if cur == conditionDump {
		buyback = 70
	}

	amount := opsSOL * buyback / 100
	if transitioned && opsSOL*reservePct/100 >= 0.01 {
		amount += opsSOL * reservePct / 100 * 0.5
	}
	if amount < env.Config.MinBuySOL {
		env.State.DynamicCondition = string(cur)
		return false, nil
	}
	if amount > env.Config.MaxBuySOL {
		amount = env.Config.MaxBuySOL
	}
	if opsSOL < amount {
		env.State.DynamicCondition = string(cur)
		return false, nil
	}

	_, err = env.Scheduler.ExecuteTrade(ctx, env.Token, env.OpsWallet.Address, env.Token.Mint, uint64(amount*lamportsPerSOL), env.Config.SlippageBps, "buy")
	env.State.DynamicCondition = string(cur)
	if err != nil {
		return true, fmt.Errorf("dynamic buy: %w", err)
	}
	return true, nil
}

// executionGated reports whether a twap/vwap-mode trade should be skipped
// this tick because its interval hasn't elapsed since the last trade.
func (a *DynamicAlgorithm) executionGated(env *TradeEnv, execMode string) (bool, error) {
	if env.State.LastTradeAt == nil {
		return false, nil
	}
	switch execMode {
	case "twap":
		interval := time.Duration(env.Config.TWAPIntervalSec) * time.Second
		return interval > 0 && time.Since(*env.State.LastTradeAt) < interval, nil
	case "vwap":
		window := time.Duration(env.Config.VWAPWindowSec) * time.Second
		return window > 0 && time.Since(*env.State.LastTradeAt) < window, nil
	default:
		return false, nil
	}
}
