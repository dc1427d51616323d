package flywheel

import (
	"context"
	"fmt"
	"time"

	"github.com/nullseed/flywheel-engine/internal/market"
)

// SmartAlgorithm trades off the Price/Signal Engine's optimal_signal, with a
// per-token cooldown and a high-volatility-without-conviction hold rule.
// Grounded on internal/trading/executor.go's signal-gated dispatch,
// generalized from Telegram-message signals to market.Engine's oracle.
type SmartAlgorithm struct {
	Cooldown time.Duration
}

func (a *SmartAlgorithm) Run(ctx context.Context, env *TradeEnv) (bool, error) {
	if env.State.LastTradeAt != nil && time.Since(*env.State.LastTradeAt) < a.Cooldown {
		return false, nil
	}

	signal, err := env.Scheduler.engine.OptimalSignal(ctx, env.Token.Mint)
	if err != nil {
		return false, fmt.Errorf("optimal signal: %w", err)
	}
	if signal == nil {
		// No signal data; fall back to Simple for this tick.
		return (&SimpleAlgorithm{}).Run(ctx, env)
	}

	signals, err := env.Scheduler.engine.Signals(ctx, env.Token.Mint)
	if err != nil {
		return false, fmt.Errorf("signals: %w", err)
	}

	isStrong := signal.Action == market.ActionStrongBuy || signal.Action == market.ActionStrongSell
	minConfidence := 50.0
	if isStrong {
		minConfidence = 40.0
	}
	if signal.Confidence < minConfidence {
		return false, nil
	}
	if signals != nil && signals.Volatility.IsHigh && !isStrong {
		env.State.LastCheckResult = "high_volatility"
		return false, nil
	}

	opsLamports, err := env.Scheduler.chain.GetBalance(ctx, env.OpsWallet.Address)
	if err != nil {
		return false, fmt.Errorf("ops balance: %w", err)
	}
	opsSOL := float64(opsLamports) / lamportsPerSOL

	switch signal.Action {
	case market.ActionBuy, market.ActionStrongBuy:
		sizePct := signals.SuggestedPositionSizePct
		amount := opsSOL * sizePct / 100
		if amount < env.Config.MinBuySOL {
			amount = env.Config.MinBuySOL
		}
		if amount > env.Config.MaxBuySOL {
			amount = env.Config.MaxBuySOL
		}
		if opsSOL < amount {
			return false, nil
		}
		_, err := env.Scheduler.ExecuteTrade(ctx, env.Token, env.OpsWallet.Address, env.Token.Mint, uint64(amount*lamportsPerSOL), env.Config.SlippageBps, "buy")
		if err != nil {
			return true, fmt.Errorf("smart buy: %w", err)
		}
		return true, nil

	case market.ActionSell, market.ActionStrongSell:
		tokenAtomic, err := env.Scheduler.OpsTokenBalance(ctx, env.OpsWallet.Address, env.Token.Mint)
		if err != nil {
			return false, fmt.Errorf("ops token balance: %w", err)
		}
		sellAtomic := float64(tokenAtomic) * signals.SuggestedPositionSizePct / 100
		capAtomic := float64(tokenAtomic) * 0.40
		if sellAtomic > capAtomic {
			sellAtomic = capAtomic
		}
		if sellAtomic < 1 {
			return false, nil
		}
		_, err = env.Scheduler.ExecuteTrade(ctx, env.Token, env.OpsWallet.Address, env.Token.Mint, uint64(sellAtomic), env.Config.SlippageBps, "sell")
		if err != nil {
			return true, fmt.Errorf("smart sell: %w", err)
		}
		return true, nil

	default:
		return false, nil
	}
}
