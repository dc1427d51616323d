package flywheel

import (
	"context"
	"fmt"
)

const rebalanceMaxTokenSellPct = 0.20

// RebalanceAlgorithm keeps ops holdings near a target SOL/token split,
// trading only when the current split drifts beyond a threshold. Grounded on
// internal/trading/executor.go's balance-then-quote-then-trade shape,
// generalized from a fixed allocation to a configurable target.
type RebalanceAlgorithm struct{}

func (a *RebalanceAlgorithm) Run(ctx context.Context, env *TradeEnv) (bool, error) {
	opsLamports, err := env.Scheduler.chain.GetBalance(ctx, env.OpsWallet.Address)
	if err != nil {
		return false, fmt.Errorf("ops balance: %w", err)
	}
	opsSOL := float64(opsLamports) / lamportsPerSOL

	tokenAtomic, err := env.Scheduler.OpsTokenBalance(ctx, env.OpsWallet.Address, env.Token.Mint)
	if err != nil {
		return false, fmt.Errorf("ops token balance: %w", err)
	}
	opsTokens := float64(tokenAtomic)

	// Reference quote: how many atomic token units does 1 SOL buy right now.
	refQuote, err := env.Scheduler.Quote(ctx, env.Token.Mint, lamportsPerSOL, env.Config.SlippageBps, "buy")
	if err != nil {
		return false, fmt.Errorf("reference quote: %w", err)
	}
	tokensPerSOL := float64(refQuote.OutAmountAtomic())
	if tokensPerSOL <= 0 {
		return false, nil
	}

	totalValueSOL := opsSOL + opsTokens/tokensPerSOL
	if totalValueSOL <= 0 {
		return false, nil
	}
	currentSOLPct := opsSOL / totalValueSOL * 100

	drift := currentSOLPct - env.Config.TargetSOLPct
	if drift < 0 {
		drift = -drift
	}
	if drift < env.Config.ThresholdPct {
		return false, nil
	}

	if currentSOLPct > env.Config.TargetSOLPct {
		excessSOL := (currentSOLPct - env.Config.TargetSOLPct) / 100 * totalValueSOL
		amount := excessSOL * 0.5
		if amount > env.Config.MaxBuySOL {
			amount = env.Config.MaxBuySOL
		}
		if amount < env.Config.MinBuySOL {
			return false, nil
		}
		_, err := env.Scheduler.ExecuteTrade(ctx, env.Token, env.OpsWallet.Address, env.Token.Mint, uint64(amount*lamportsPerSOL), env.Config.SlippageBps, "buy")
		if err != nil {
			return true, fmt.Errorf("rebalance buy: %w", err)
		}
		return true, nil
	}

	excessValueSOL := (env.Config.TargetSOLPct - currentSOLPct) / 100 * totalValueSOL
	sellAtomic := excessValueSOL * 0.5 * tokensPerSOL
	sellCap := opsTokens * rebalanceMaxTokenSellPct
	if sellAtomic > sellCap {
		sellAtomic = sellCap
	}
	if sellAtomic < 1 {
		return false, nil
	}
	_, err = env.Scheduler.ExecuteTrade(ctx, env.Token, env.OpsWallet.Address, env.Token.Mint, uint64(sellAtomic), env.Config.SlippageBps, "sell")
	if err != nil {
		return true, fmt.Errorf("rebalance sell: %w", err)
	}
	return true, nil
}
