package flywheel

import (
	"context"
	"fmt"

	"github.com/nullseed/flywheel-engine/internal/store"
)

// SimpleAlgorithm rotates BuysPerCycle buys then SellsPerCycle sells, the
// baseline algorithm every newly-launched token starts on. Grounded on
// internal/trading/executor.go's executeBuy/executeSell dispatch, generalized
// from a single entry/exit signal into a self-driven cycle.
type SimpleAlgorithm struct {
	BuysPerCycle  int
	SellsPerCycle int
}

func (a *SimpleAlgorithm) cycles() (int, int) {
	buys, sells := a.BuysPerCycle, a.SellsPerCycle
	if buys <= 0 {
		buys = 5
	}
	if sells <= 0 {
		sells = 5
	}
	return buys, sells
}

func (a *SimpleAlgorithm) Run(ctx context.Context, env *TradeEnv) (bool, error) {
	buysPerCycle, sellsPerCycle := a.cycles()

	opsLamports, err := env.Scheduler.chain.GetBalance(ctx, env.OpsWallet.Address)
	if err != nil {
		return false, fmt.Errorf("ops balance: %w", err)
	}
	opsSOL := float64(opsLamports) / lamportsPerSOL

	if env.State.Phase == store.PhaseSell {
		return a.runSell(ctx, env, sellsPerCycle)
	}
	return a.runBuy(ctx, env, opsSOL, buysPerCycle, sellsPerCycle)
}

func (a *SimpleAlgorithm) runBuy(ctx context.Context, env *TradeEnv, opsSOL float64, buysPerCycle, sellsPerCycle int) (bool, error) {
	if opsSOL < env.Config.MinBuySOL+0.01 {
		return false, nil
	}
	solAmount := RandomSOLAmount(env.Config.MinBuySOL, env.Config.MaxBuySOL)
	lamports := uint64(solAmount * lamportsPerSOL)

	_, err := env.Scheduler.ExecuteTrade(ctx, env.Token, env.OpsWallet.Address, env.Token.Mint, lamports, env.Config.SlippageBps, "buy")
	if err != nil {
		return true, fmt.Errorf("buy: %w", err)
	}

	env.State.BuyCount++
	if env.State.BuyCount >= buysPerCycle {
		tokenBalance, err := env.Scheduler.OpsTokenBalance(ctx, env.OpsWallet.Address, env.Token.Mint)
		if err != nil {
			return true, fmt.Errorf("snapshot token balance: %w", err)
		}
		env.State.SellPhaseTokenSnapshot = float64(tokenBalance)
		env.State.SellAmountPerTx = float64(tokenBalance) / float64(sellsPerCycle)
		env.State.Phase = store.PhaseSell
		env.State.BuyCount = 0
	}
	return true, nil
}

func (a *SimpleAlgorithm) runSell(ctx context.Context, env *TradeEnv, sellsPerCycle int) (bool, error) {
	tokenBalance, err := env.Scheduler.OpsTokenBalance(ctx, env.OpsWallet.Address, env.Token.Mint)
	if err != nil {
		return false, fmt.Errorf("token balance: %w", err)
	}

	sellAmount := env.State.SellAmountPerTx
	if float64(tokenBalance) < sellAmount {
		sellAmount = float64(tokenBalance)
	}
	if sellAmount < 1 || tokenBalance == 0 {
		env.State.Phase = store.PhaseBuy
		env.State.SellCount = 0
		return false, nil
	}

	_, err = env.Scheduler.ExecuteTrade(ctx, env.Token, env.OpsWallet.Address, env.Token.Mint, uint64(sellAmount), env.Config.SlippageBps, "sell")
	if err != nil {
		return true, fmt.Errorf("sell: %w", err)
	}

	env.State.SellCount++
	if env.State.SellCount >= sellsPerCycle {
		env.State.Phase = store.PhaseBuy
		env.State.SellCount = 0
	}
	return true, nil
}
