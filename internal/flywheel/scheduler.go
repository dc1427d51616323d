// Package flywheel drives the per-token buy/sell cycle: a periodic scheduler
// that dispatches each eligible token to one of several trading algorithms,
// sharing a single quote/sign/send/record trade path across all of them.
package flywheel

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nullseed/flywheel-engine/internal/amm"
	"github.com/nullseed/flywheel-engine/internal/chain"
	"github.com/nullseed/flywheel-engine/internal/market"
	"github.com/nullseed/flywheel-engine/internal/notify"
	"github.com/nullseed/flywheel-engine/internal/store"
	"github.com/nullseed/flywheel-engine/internal/txexec"
)

const lamportsPerSOL = 1_000_000_000

// Config tunes scheduler cadence and the fee-collection preflight; cmd/engine
// fills it from the config file's flywheel section (interval_min /
// max_trades_per_minute / inter_token_delay_ms / dev_wallet_min_reserve_sol /
// min_fee_threshold_sol / platform_fee_percent / smart_mode_cooldown_ms).
type Config struct {
	TickInterval        time.Duration
	MaxTradesPerTick    int
	InterTokenDelay     time.Duration
	DevWalletMinReserve float64
	MinFeeThreshold     float64
	PlatformFeePct      float64
	PlatformOpsWallet   string
	SmartModeCooldown   time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 60 * time.Second
	}
	if c.MaxTradesPerTick <= 0 {
		c.MaxTradesPerTick = 30
	}
	if c.InterTokenDelay <= 0 {
		c.InterTokenDelay = 500 * time.Millisecond
	}
	if c.DevWalletMinReserve <= 0 {
		c.DevWalletMinReserve = 0.01
	}
	if c.MinFeeThreshold <= 0 {
		c.MinFeeThreshold = 0.01
	}
	if c.PlatformFeePct <= 0 {
		c.PlatformFeePct = 10
	}
	if c.SmartModeCooldown <= 0 {
		c.SmartModeCooldown = 5 * time.Minute
	}
	return c
}

// Algorithm decides and executes at most one trade for a token on its tick.
// Implementations call back into the Scheduler's shared quote/sign/send/
// record path rather than touching the AMM or Tx Executor directly.
type Algorithm interface {
	// Run attempts one trade for env's token. It returns whether a trade was
	// attempted (consuming the tick's trade budget regardless of success).
	Run(ctx context.Context, env *TradeEnv) (traded bool, err error)
}

// TradeEnv is the mutable context an Algorithm operates on for one token.
type TradeEnv struct {
	Scheduler *Scheduler
	Token     *store.Token
	Config    *store.TokenConfig
	State     *store.FlywheelState
	DevWallet *store.Wallet
	OpsWallet *store.Wallet
}

// Scheduler is the periodic flywheel job of spec section 4.8.
type Scheduler struct {
	store    store.Store
	chain    *chain.RPCClient
	amm      *amm.Client
	executor *txexec.Executor
	engine   *market.Engine
	notifier notify.Notifier
	cfg      Config

	algorithms map[store.Algorithm]Algorithm

	// selfSignWallet, if set, makes ExecuteTrade sign locally with this
	// wallet instead of delegating through Custody. Only the platform token
	// loop's own dedicated Scheduler instance sets this.
	selfSignWallet *chain.Wallet

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// UseSelfSignWallet switches ExecuteTrade to local signing with wallet. Used
// only by internal/platformloop, which runs this Scheduler scoped to a
// single token with no Custody Client in the picture.
func (s *Scheduler) UseSelfSignWallet(wallet *chain.Wallet) {
	s.selfSignWallet = wallet
}

// Reconfigure updates tick cadence and per-tick trade budget for Admin
// Control's restart_scheduler. Zero values leave the current setting
// unchanged. The new tick interval only takes effect the next time Start
// builds its ticker, so callers restart the loop (Stop then Start) after
// calling this.
func (s *Scheduler) Reconfigure(tickInterval time.Duration, maxTradesPerTick int) {
	if tickInterval > 0 {
		s.cfg.TickInterval = tickInterval
	}
	if maxTradesPerTick > 0 {
		s.cfg.MaxTradesPerTick = maxTradesPerTick
	}
}

// NewScheduler builds a Scheduler with the spec's four concretely-specified
// algorithms wired in. turbo_lite and twap_vwap share simple/rebalance's
// decision logic respectively (see DESIGN.md — spec section 4.8 gives no
// distinct rule set for them, only naming them in the algorithm enum) and
// transaction_reactive tokens are never dispatched here; they're driven by
// the Reactive Engine calling ExecuteTrade directly.
func NewScheduler(st store.Store, rpc *chain.RPCClient, ammClient *amm.Client, executor *txexec.Executor, engine *market.Engine, notifier notify.Notifier, cfg Config) *Scheduler {
	s := &Scheduler{
		store:    st,
		chain:    rpc,
		amm:      ammClient,
		executor: executor,
		engine:   engine,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
	}
	s.algorithms = map[store.Algorithm]Algorithm{
		store.AlgoSimple:    &SimpleAlgorithm{},
		store.AlgoTurboLite: &SimpleAlgorithm{BuysPerCycle: 5, SellsPerCycle: 5},
		store.AlgoRebalance: &RebalanceAlgorithm{},
		store.AlgoTWAPVWAP:  &RebalanceAlgorithm{},
		store.AlgoSmart:     &SmartAlgorithm{Cooldown: s.cfg.SmartModeCooldown},
		store.AlgoDynamic:   &DynamicAlgorithm{},
	}
	return s
}

// Start launches the tick loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop signals the tick loop to exit and waits for the in-flight tick.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: fee preflight + at most one trade per
// eligible token, up to the tick's trade budget.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		log.Debug().Msg("flywheel: tick already in progress, skipping")
		return
	}
	defer s.running.Store(false)

	tokens, err := s.store.TokensEligibleForFlywheel(ctx)
	if err != nil {
		log.Error().Err(err).Msg("flywheel: list eligible tokens")
		return
	}

	budget := s.cfg.MaxTradesPerTick
	for i, t := range tokens {
		if budget <= 0 {
			log.Info().Int("tokens_skipped", len(tokens)-i).Msg("flywheel: trade budget exhausted for this tick")
			break
		}
		traded := s.processToken(ctx, t)
		if traded {
			budget--
		}
		if i < len(tokens)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.InterTokenDelay):
			}
		}
	}
}

func (s *Scheduler) processToken(ctx context.Context, t *store.Token) bool {
	cfg, err := s.store.GetTokenConfig(ctx, t.ID)
	if err != nil || cfg == nil {
		log.Warn().Err(err).Int64("token_id", t.ID).Msg("flywheel: missing token config")
		return false
	}
	if cfg.Algorithm == store.AlgoTransactionReactive {
		return false
	}

	devWallet, err := s.store.GetWallet(ctx, t.DevWalletID)
	if err != nil {
		log.Warn().Err(err).Int64("token_id", t.ID).Msg("flywheel: dev wallet lookup")
	}
	opsWallet, err := s.store.GetWallet(ctx, t.OpsWalletID)
	if err != nil || opsWallet == nil {
		log.Error().Err(err).Int64("token_id", t.ID).Msg("flywheel: ops wallet lookup")
		return false
	}

	if devWallet != nil {
		s.feeCollectionPreflight(ctx, t, cfg, devWallet, opsWallet)
	}

	state, err := s.store.GetFlywheelState(ctx, t.ID)
	if err != nil {
		log.Error().Err(err).Int64("token_id", t.ID).Msg("flywheel: state hydrate")
		return false
	}
	if state == nil {
		state = &store.FlywheelState{TokenID: t.ID, Phase: store.PhaseBuy}
		if err := s.store.UpsertFlywheelState(ctx, state); err != nil {
			log.Error().Err(err).Int64("token_id", t.ID).Msg("flywheel: state insert")
			return false
		}
	}

	algo, ok := s.algorithms[cfg.Algorithm]
	if !ok {
		log.Warn().Str("algorithm", string(cfg.Algorithm)).Int64("token_id", t.ID).Msg("flywheel: no algorithm registered")
		return false
	}

	env := &TradeEnv{Scheduler: s, Token: t, Config: cfg, State: state, DevWallet: devWallet, OpsWallet: opsWallet}
	now := time.Now()
	state.LastCheckedAt = &now

	traded, err := algo.Run(ctx, env)
	if err != nil {
		state.LastCheckResult = err.Error()
		state.ConsecutiveFailures++
		log.Warn().Err(err).Int64("token_id", t.ID).Str("algorithm", string(cfg.Algorithm)).Msg("flywheel: algorithm run failed")
	} else {
		state.ConsecutiveFailures = 0
		if traded {
			state.LastCheckResult = "traded"
			tradedAt := time.Now()
			state.LastTradeAt = &tradedAt
		} else {
			state.LastCheckResult = "no_trade"
		}
	}

	if err := s.store.UpsertFlywheelState(ctx, state); err != nil {
		log.Error().Err(err).Int64("token_id", t.ID).Msg("flywheel: state persist")
	}
	return traded
}

// feeCollectionPreflight transfers the dev wallet's transferable SOL balance
// to the platform and token ops wallets, split by PlatformFeePct. Failures
// here are logged, never abort the trade step.
func (s *Scheduler) feeCollectionPreflight(ctx context.Context, t *store.Token, cfg *store.TokenConfig, devWallet, opsWallet *store.Wallet) {
	lamports, err := s.chain.GetBalance(ctx, devWallet.Address)
	if err != nil {
		log.Warn().Err(err).Int64("token_id", t.ID).Msg("flywheel: fee preflight balance read")
		return
	}
	balanceSOL := float64(lamports) / lamportsPerSOL
	transferable := balanceSOL - s.cfg.DevWalletMinReserve
	if transferable < s.cfg.MinFeeThreshold {
		return
	}

	platformCut := transferable * s.cfg.PlatformFeePct / 100
	tokenCut := transferable - platformCut

	if s.cfg.PlatformOpsWallet != "" && platformCut >= 0.001 {
		if err := s.transferSOL(ctx, devWallet.Address, s.cfg.PlatformOpsWallet, platformCut); err != nil {
			log.Warn().Err(err).Int64("token_id", t.ID).Msg("flywheel: platform fee transfer failed")
		}
	}
	if tokenCut >= 0.001 {
		if err := s.transferSOL(ctx, devWallet.Address, opsWallet.Address, tokenCut); err != nil {
			log.Warn().Err(err).Int64("token_id", t.ID).Msg("flywheel: ops fee transfer failed")
		}
	}
}

func (s *Scheduler) transferSOL(ctx context.Context, from, to string, amountSOL float64) error {
	bh, err := s.chain.GetLatestBlockhash(ctx, "confirmed")
	if err != nil {
		return fmt.Errorf("get blockhash: %w", err)
	}
	lamports := uint64(amountSOL * lamportsPerSOL)
	unsignedTx, err := chain.BuildSystemTransfer(bh.Value.Blockhash, from, to, lamports)
	if err != nil {
		return fmt.Errorf("build transfer: %w", err)
	}
	result := s.executor.Send(ctx, txexec.Request{
		Mode:          txexec.ModeDelegatedSignThenBroadcast,
		WalletAddress: from,
		TxBase64:      unsignedTx,
	})
	if !result.Success {
		return result.Err
	}
	return nil
}

// Quote fetches a swap quote. side is "buy" (SOL->token) or "sell".
func (s *Scheduler) Quote(ctx context.Context, mint string, amountAtomic uint64, slippageBps int, side string) (*amm.Quote, error) {
	if side == "buy" {
		return s.amm.Quote(ctx, amm.SOLMint, mint, amountAtomic, slippageBps, side)
	}
	return s.amm.Quote(ctx, mint, amm.SOLMint, amountAtomic, slippageBps, side)
}

// ExecuteTrade quotes, signs, sends, and records a trade against walletAddress,
// the shared path every algorithm and the Reactive Engine dispatch through.
func (s *Scheduler) ExecuteTrade(ctx context.Context, t *store.Token, walletAddress, mint string, amountAtomic uint64, slippageBps int, side string) (string, error) {
	quote, err := s.Quote(ctx, mint, amountAtomic, slippageBps, side)
	if err != nil {
		return "", fmt.Errorf("quote: %w", err)
	}

	swapTx, err := s.amm.SwapTx(ctx, walletAddress, quote)
	if err != nil {
		return "", fmt.Errorf("build swap tx: %w", err)
	}

	mode := txexec.ModeDelegatedSignThenBroadcast
	var localWallet *chain.Wallet
	if s.selfSignWallet != nil {
		mode = txexec.ModeSelfSigned
		localWallet = s.selfSignWallet
	}
	result := s.executor.Send(ctx, txexec.Request{
		Mode:          mode,
		WalletAddress: walletAddress,
		Wallet:        localWallet,
		TxBase64:      swapTx.SerializedTxBase64,
	})

	txType := store.TxBuy
	if side != "buy" {
		txType = store.TxSell
	}
	amountSOL := float64(quote.InAmountAtomic()) / lamportsPerSOL
	if side != "buy" {
		amountSOL = float64(quote.OutAmountAtomic()) / lamportsPerSOL
	}

	status := store.TxConfirmed
	if !result.Success {
		status = store.TxFailed
	}
	if _, err := s.store.InsertTransaction(ctx, &store.TransactionRecord{
		TokenID:   t.ID,
		Type:      txType,
		Amount:    amountSOL,
		Signature: result.Signature,
		Status:    status,
	}); err != nil {
		log.Warn().Err(err).Int64("token_id", t.ID).Msg("flywheel: record transaction")
	}

	if !result.Success {
		return "", result.Err
	}
	return result.Signature, nil
}

// OpsLamportBalance reads a wallet's SOL balance, in lamports. Exported so
// the Reactive Engine can size a response trade against live ops balance
// without reaching into the Scheduler's unexported chain client.
func (s *Scheduler) OpsLamportBalance(ctx context.Context, walletAddress string) (uint64, error) {
	return s.chain.GetBalance(ctx, walletAddress)
}

// OpsTokenBalance sums atomic token-account balances for ops wallet's mint.
func (s *Scheduler) OpsTokenBalance(ctx context.Context, opsWallet, mint string) (uint64, error) {
	accounts, err := s.chain.GetTokenAccountsByOwner(ctx, opsWallet, mint)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, a := range accounts {
		total += a.Amount
	}
	return total, nil
}

// RandomSOLAmount picks a uniform-random SOL amount in [min, max].
func RandomSOLAmount(min, max float64) float64 {
	if max <= min {
		return min
	}
	return min + rand.Float64()*(max-min)
}
