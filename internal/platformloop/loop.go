// Package platformloop runs the platform's own token through the same
// Simple buy/sell cycle as any managed token, but entirely self-signed on
// env-configured local keypairs — no Custody Client, no platform-fee split
// on its claims. It is a singleton: one mint, one dev wallet, one ops
// wallet.
package platformloop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nullseed/flywheel-engine/internal/amm"
	"github.com/nullseed/flywheel-engine/internal/chain"
	"github.com/nullseed/flywheel-engine/internal/flywheel"
	"github.com/nullseed/flywheel-engine/internal/store"
	"github.com/nullseed/flywheel-engine/internal/txexec"
)

const lamportsPerSOL = 1_000_000_000

// Config is filled by cmd/engine from the config file's platform section
// (token_mint, tick_interval_sec, claim_interval_min, reserve_sol,
// min_buy_sol, max_buy_sol, slippage_bps); the two private keys come from
// the environment variables named by dev_private_key_env and
// ops_private_key_env.
type Config struct {
	Mint             string
	DevPrivateKeyB58 string
	OpsPrivateKeyB58 string
	TickInterval     time.Duration
	ClaimInterval    time.Duration
	ReserveSOL       float64
	MinBuySOL        float64
	MaxBuySOL        float64
	SlippageBps      int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 60 * time.Second
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 60 * time.Minute
	}
	if c.ReserveSOL <= 0 {
		c.ReserveSOL = 0.01
	}
	if c.MinBuySOL <= 0 {
		c.MinBuySOL = 0.02
	}
	if c.MaxBuySOL <= 0 {
		c.MaxBuySOL = 0.1
	}
	if c.SlippageBps <= 0 {
		c.SlippageBps = 300
	}
	return c
}

// Loop is the platform token singleton.
type Loop struct {
	store    store.Store
	chain    *chain.RPCClient
	amm      *amm.Client
	executor *txexec.Executor
	cfg      Config

	devWallet *chain.Wallet
	opsWallet *chain.Wallet
	token     *store.Token
	algo      *flywheel.SimpleAlgorithm
	scheduler *flywheel.Scheduler

	tickRunning  atomic.Bool
	claimRunning atomic.Bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// NewLoop builds the platform Loop, creating its token/wallet/config rows on
// first run if they don't already exist.
func NewLoop(ctx context.Context, st store.Store, rpc *chain.RPCClient, ammClient *amm.Client, executor *txexec.Executor, cfg Config) (*Loop, error) {
	cfg = cfg.withDefaults()

	devWallet, err := chain.NewWallet(cfg.DevPrivateKeyB58)
	if err != nil {
		return nil, fmt.Errorf("platform dev wallet: %w", err)
	}
	opsWallet, err := chain.NewWallet(cfg.OpsPrivateKeyB58)
	if err != nil {
		return nil, fmt.Errorf("platform ops wallet: %w", err)
	}

	token, err := ensurePlatformToken(ctx, st, cfg, devWallet.Address(), opsWallet.Address())
	if err != nil {
		return nil, fmt.Errorf("ensure platform token: %w", err)
	}

	// A dedicated Scheduler instance scoped to this one token, switched to
	// self-signed mode so ExecuteTrade signs with the local ops keypair
	// instead of delegating through Custody.
	sched := flywheel.NewScheduler(st, rpc, ammClient, executor, nil, nil, flywheel.Config{})
	sched.UseSelfSignWallet(opsWallet)

	return &Loop{
		store:     st,
		chain:     rpc,
		amm:       ammClient,
		executor:  executor,
		cfg:       cfg,
		devWallet: devWallet,
		opsWallet: opsWallet,
		token:     token,
		algo:      &flywheel.SimpleAlgorithm{BuysPerCycle: 5, SellsPerCycle: 5},
		scheduler: sched,
	}, nil
}

func ensurePlatformToken(ctx context.Context, st store.Store, cfg Config, devAddr, opsAddr string) (*store.Token, error) {
	existing, err := st.GetTokenByMint(ctx, cfg.Mint)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	devWallet := &store.Wallet{Address: devAddr, Type: store.WalletDev}
	if _, err := st.CreateWallet(ctx, devWallet); err != nil {
		return nil, fmt.Errorf("create dev wallet: %w", err)
	}
	opsWallet := &store.Wallet{Address: opsAddr, Type: store.WalletOps}
	if _, err := st.CreateWallet(ctx, opsWallet); err != nil {
		return nil, fmt.Errorf("create ops wallet: %w", err)
	}

	token := &store.Token{
		Mint:        cfg.Mint,
		Name:        "Platform Token",
		Source:      store.SourcePlatform,
		DevWalletID: devWallet.ID,
		OpsWalletID: opsWallet.ID,
		Active:      true,
	}
	id, err := st.CreateToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	token.ID = id

	tokenCfg := &store.TokenConfig{
		TokenID:          id,
		Algorithm:        store.AlgoSimple,
		MinBuySOL:        cfg.MinBuySOL,
		MaxBuySOL:        cfg.MaxBuySOL,
		SlippageBps:      cfg.SlippageBps,
		FlywheelActive:   true,
		AutoClaimEnabled: true,
		FeeThresholdSOL:  cfg.ReserveSOL,
	}
	if err := st.UpsertTokenConfig(ctx, tokenCfg); err != nil {
		return nil, fmt.Errorf("upsert token config: %w", err)
	}
	return token, nil
}

// Reconfigure updates tick and claim cadence for Admin Control's
// restart_scheduler. Zero values leave the current setting unchanged;
// callers restart the loop (Stop then Start) for a new interval to take
// effect.
func (l *Loop) Reconfigure(tickInterval, claimInterval time.Duration) {
	if tickInterval > 0 {
		l.cfg.TickInterval = tickInterval
	}
	if claimInterval > 0 {
		l.cfg.ClaimInterval = claimInterval
	}
}

// Start launches the trading tick loop and the claim loop.
func (l *Loop) Start(ctx context.Context) {
	l.stopCh = make(chan struct{})
	l.wg.Add(2)
	go l.loop(ctx, l.cfg.TickInterval, l.Tick)
	go l.loop(ctx, l.cfg.ClaimInterval, l.Claim)
}

// Stop signals both loops to exit and waits for in-flight work.
func (l *Loop) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

func (l *Loop) loop(ctx context.Context, interval time.Duration, run func(context.Context)) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

// Tick runs one Simple-algorithm trade for the platform token, self-signed
// by the local ops keypair.
func (l *Loop) Tick(ctx context.Context) {
	if !l.tickRunning.CompareAndSwap(false, true) {
		log.Debug().Msg("platform loop: tick already in progress, skipping")
		return
	}
	defer l.tickRunning.Store(false)

	cfg, err := l.store.GetTokenConfig(ctx, l.token.ID)
	if err != nil || cfg == nil {
		log.Error().Err(err).Msg("platform loop: missing token config")
		return
	}
	state, err := l.store.GetFlywheelState(ctx, l.token.ID)
	if err != nil {
		log.Error().Err(err).Msg("platform loop: state hydrate")
		return
	}
	if state == nil {
		state = &store.FlywheelState{TokenID: l.token.ID, Phase: store.PhaseBuy}
	}

	opsWalletRow := &store.Wallet{Address: l.opsWallet.Address(), Type: store.WalletOps}
	env := &flywheel.TradeEnv{
		Scheduler: l.scheduler,
		Token:     l.token,
		Config:    cfg,
		State:     state,
		OpsWallet: opsWalletRow,
	}

	now := time.Now()
	state.LastCheckedAt = &now
	traded, err := l.algo.Run(ctx, env)
	if err != nil {
		state.LastCheckResult = err.Error()
		state.ConsecutiveFailures++
		log.Warn().Err(err).Msg("platform loop: trade failed")
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
	if err := l.store.UpsertFlywheelState(ctx, state); err != nil {
		log.Error().Err(err).Msg("platform loop: state persist")
	}
}

// Claim runs the platform token's own fee-claim cycle: request claim
// transactions from the AMM, self-sign and send them with the dev wallet,
// diff the dev wallet's balance to find the claimed amount, subtract the
// reserve, and sweep the remainder straight to the ops wallet — no
// platform-fee split, unlike internal/claim's per-token cycle. Grounded
// directly on internal/claim.Scheduler's claimToken/transferSOL, simplified
// for a single self-signed wallet pair.
func (l *Loop) Claim(ctx context.Context) {
	if !l.claimRunning.CompareAndSwap(false, true) {
		log.Debug().Msg("platform loop: claim already in progress, skipping")
		return
	}
	defer l.claimRunning.Store(false)

	before, err := l.chain.GetBalance(ctx, l.devWallet.Address())
	if err != nil {
		log.Warn().Err(err).Msg("platform loop: pre-claim balance")
		return
	}

	txs, err := l.amm.ClaimTxs(ctx, l.devWallet.Address(), []string{l.token.Mint})
	if err != nil {
		log.Warn().Err(err).Msg("platform loop: build claim txs")
		return
	}
	if len(txs) == 0 {
		return
	}

	record := &store.ClaimRecord{TokenID: l.token.ID, StartedAt: time.Now()}
	var lastSig string
	for _, txBase64 := range txs {
		result := l.executor.Send(ctx, txexec.Request{
			Mode:     txexec.ModeSelfSigned,
			Wallet:   l.devWallet,
			TxBase64: txBase64,
		})
		if !result.Success {
			log.Warn().Err(result.Err).Msg("platform loop: claim send failed")
			return
		}
		lastSig = result.Signature
	}
	record.Signature = lastSig

	after, err := l.chain.GetBalance(ctx, l.devWallet.Address())
	if err != nil {
		log.Warn().Err(err).Msg("platform loop: post-claim balance")
		return
	}
	if after <= before {
		l.recordClaim(ctx, record, 0)
		return
	}

	claimedSOL := float64(after-before) / lamportsPerSOL
	transferable := claimedSOL - l.cfg.ReserveSOL
	if transferable >= 0.001 {
		if err := l.transferSOL(ctx, transferable); err != nil {
			log.Warn().Err(err).Msg("platform loop: sweep to ops failed")
		}
	}
	l.recordClaim(ctx, record, claimedSOL)
}

func (l *Loop) recordClaim(ctx context.Context, record *store.ClaimRecord, totalSOL float64) {
	record.TotalAmount = totalSOL
	record.PlatformFeeAmount = 0
	record.UserShareAmount = totalSOL - l.cfg.ReserveSOL
	if record.UserShareAmount < 0 {
		record.UserShareAmount = 0
	}
	now := time.Now()
	record.CompletedAt = &now
	if _, err := l.store.InsertClaim(ctx, record); err != nil {
		log.Warn().Err(err).Msg("platform loop: record claim")
	}
}

func (l *Loop) transferSOL(ctx context.Context, amountSOL float64) error {
	bh, err := l.chain.GetLatestBlockhash(ctx, "confirmed")
	if err != nil {
		return fmt.Errorf("get blockhash: %w", err)
	}
	lamports := uint64(amountSOL * lamportsPerSOL)
	unsignedTx, err := chain.BuildSystemTransfer(bh.Value.Blockhash, l.devWallet.Address(), l.opsWallet.Address(), lamports)
	if err != nil {
		return fmt.Errorf("build transfer: %w", err)
	}
	result := l.executor.Send(ctx, txexec.Request{
		Mode:     txexec.ModeSelfSigned,
		Wallet:   l.devWallet,
		TxBase64: unsignedTx,
	})
	if !result.Success {
		return result.Err
	}
	return nil
}
