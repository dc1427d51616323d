// Package claim drives the fast and slow fee-claim cadences: read
// claimable positions from the AMM, claim them through the dev wallet,
// split the proceeds between the platform and the token's ops wallet, and
// record the result.
package claim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nullseed/flywheel-engine/internal/amm"
	"github.com/nullseed/flywheel-engine/internal/chain"
	"github.com/nullseed/flywheel-engine/internal/store"
	"github.com/nullseed/flywheel-engine/internal/txexec"
)

const lamportsPerSOL = 1_000_000_000

// Config tunes both cadences; cmd/engine fills it from the config file's
// claim section (fast_interval_sec / fast_threshold_sol / slow_interval_min /
// slow_max_tokens / reserve_sol / platform_fee_percent).
type Config struct {
	FastInterval      time.Duration
	FastThreshold     float64
	SlowInterval      time.Duration
	SlowMaxTokens     int
	ReserveSOL        float64
	PlatformFeePct    float64
	PlatformOpsWallet string
}

func (c Config) withDefaults() Config {
	if c.FastInterval <= 0 {
		c.FastInterval = 30 * time.Second
	}
	if c.FastThreshold <= 0 {
		c.FastThreshold = 0.15
	}
	if c.SlowInterval <= 0 {
		c.SlowInterval = 60 * time.Minute
	}
	if c.SlowMaxTokens <= 0 {
		c.SlowMaxTokens = 100
	}
	if c.ReserveSOL <= 0 {
		c.ReserveSOL = 0.01
	}
	if c.PlatformFeePct <= 0 {
		c.PlatformFeePct = 10
	}
	return c
}

// Scheduler runs the fast and slow claim cycles of spec section 4.9 as two
// independent ticker loops, each with its own single-slot running guard so a
// slow overrun never blocks the fast cycle or vice versa.
type Scheduler struct {
	store    store.Store
	chain    *chain.RPCClient
	amm      *amm.Client
	executor *txexec.Executor
	cfg      Config

	fastRunning atomic.Bool
	slowRunning atomic.Bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewScheduler builds a claim Scheduler.
func NewScheduler(st store.Store, rpc *chain.RPCClient, ammClient *amm.Client, executor *txexec.Executor, cfg Config) *Scheduler {
	return &Scheduler{store: st, chain: rpc, amm: ammClient, executor: executor, cfg: cfg.withDefaults()}
}

// ReconfigureFast updates the fast cycle's cadence and claim threshold for
// Admin Control's restart_scheduler. Zero values leave the current setting
// unchanged; callers restart the loop (Stop then Start) for a new interval
// to take effect.
func (s *Scheduler) ReconfigureFast(interval time.Duration, threshold float64) {
	if interval > 0 {
		s.cfg.FastInterval = interval
	}
	if threshold > 0 {
		s.cfg.FastThreshold = threshold
	}
}

// ReconfigureSlow updates the slow cycle's cadence and per-cycle token cap.
func (s *Scheduler) ReconfigureSlow(interval time.Duration, maxTokens int) {
	if interval > 0 {
		s.cfg.SlowInterval = interval
	}
	if maxTokens > 0 {
		s.cfg.SlowMaxTokens = maxTokens
	}
}

// Start launches both cadence loops in background goroutines.
func (s *Scheduler) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.wg.Add(2)
	go s.loop(ctx, s.cfg.FastInterval, s.FastCycle)
	go s.loop(ctx, s.cfg.SlowInterval, s.SlowCycle)
}

// Stop signals both loops to exit and waits for in-flight cycles.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, run func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

// FastCycle claims every auto-claim-enabled token whose claimable balance is
// at least FastThreshold, with no per-cycle token cap.
func (s *Scheduler) FastCycle(ctx context.Context) {
	if !s.fastRunning.CompareAndSwap(false, true) {
		log.Debug().Msg("claim: fast cycle already in progress, skipping")
		return
	}
	defer s.fastRunning.Store(false)

	tokens, err := s.store.TokensEligibleForAutoClaim(ctx)
	if err != nil {
		log.Error().Err(err).Msg("claim: list eligible tokens (fast)")
		return
	}
	for _, t := range tokens {
		positions, err := s.claimablePositionsFor(ctx, t)
		if err != nil {
			log.Warn().Err(err).Int64("token_id", t.ID).Msg("claim: claimable positions lookup (fast)")
			continue
		}
		if positions < s.cfg.FastThreshold {
			continue
		}
		if err := s.claimToken(ctx, t); err != nil {
			log.Warn().Err(err).Int64("token_id", t.ID).Msg("claim: fast cycle claim failed")
		}
	}
}

// SlowCycle claims a bounded batch of auto-claim-enabled tokens against each
// token's own fee_threshold_sol rather than the fast cycle's fixed floor.
func (s *Scheduler) SlowCycle(ctx context.Context) {
	if !s.slowRunning.CompareAndSwap(false, true) {
		log.Debug().Msg("claim: slow cycle already in progress, skipping")
		return
	}
	defer s.slowRunning.Store(false)

	tokens, err := s.store.TokensEligibleForAutoClaim(ctx)
	if err != nil {
		log.Error().Err(err).Msg("claim: list eligible tokens (slow)")
		return
	}

	claimed := 0
	for _, t := range tokens {
		if claimed >= s.cfg.SlowMaxTokens {
			log.Info().Int("tokens_remaining", len(tokens)-claimed).Msg("claim: slow cycle batch cap reached")
			break
		}
		cfg, err := s.store.GetTokenConfig(ctx, t.ID)
		if err != nil || cfg == nil {
			continue
		}
		threshold := cfg.FeeThresholdSOL
		if threshold <= 0 {
			threshold = 0.01
		}
		positions, err := s.claimablePositionsFor(ctx, t)
		if err != nil {
			log.Warn().Err(err).Int64("token_id", t.ID).Msg("claim: claimable positions lookup (slow)")
			continue
		}
		if positions < threshold {
			continue
		}
		if err := s.claimToken(ctx, t); err != nil {
			log.Warn().Err(err).Int64("token_id", t.ID).Msg("claim: slow cycle claim failed")
			continue
		}
		claimed++
	}
}

func (s *Scheduler) claimablePositionsFor(ctx context.Context, t *store.Token) (float64, error) {
	devWallet, err := s.store.GetWallet(ctx, t.DevWalletID)
	if err != nil || devWallet == nil {
		return 0, fmt.Errorf("dev wallet lookup: %w", err)
	}
	positions, err := s.amm.ClaimablePositions(ctx, devWallet.Address)
	if err != nil {
		return 0, fmt.Errorf("claimable positions: %w", err)
	}
	var total float64
	for _, p := range positions {
		if p.Mint == t.Mint {
			total += p.ClaimableAmtSOL
		}
	}
	return total, nil
}

// claimToken runs the claim protocol of spec section 4.9: request claim
// transactions, send each with the dev wallet, then split and distribute the
// resulting balance increase.
func (s *Scheduler) claimToken(ctx context.Context, t *store.Token) error {
	devWallet, err := s.store.GetWallet(ctx, t.DevWalletID)
	if err != nil || devWallet == nil {
		return fmt.Errorf("dev wallet lookup: %w", err)
	}
	opsWallet, err := s.store.GetWallet(ctx, t.OpsWalletID)
	if err != nil || opsWallet == nil {
		return fmt.Errorf("ops wallet lookup: %w", err)
	}

	before, err := s.chain.GetBalance(ctx, devWallet.Address)
	if err != nil {
		return fmt.Errorf("pre-claim balance: %w", err)
	}

	txs, err := s.amm.ClaimTxs(ctx, devWallet.Address, []string{t.Mint})
	if err != nil {
		return fmt.Errorf("build claim txs: %w", err)
	}
	if len(txs) == 0 {
		return nil
	}

	record := &store.ClaimRecord{TokenID: t.ID, StartedAt: time.Now()}
	var lastSig string
	for _, txBase64 := range txs {
		result := s.executor.Send(ctx, txexec.Request{
			Mode:          txexec.ModeDelegatedSignThenBroadcast,
			WalletAddress: devWallet.Address,
			TxBase64:      txBase64,
		})
		if !result.Success {
			return fmt.Errorf("claim send: %w", result.Err)
		}
		lastSig = result.Signature
	}
	record.Signature = lastSig

	after, err := s.chain.GetBalance(ctx, devWallet.Address)
	if err != nil {
		return fmt.Errorf("post-claim balance: %w", err)
	}
	if after <= before {
		s.recordClaim(ctx, record, 0, 0)
		return nil
	}
	claimedLamports := after - before

	return s.splitAndTransfer(ctx, t, devWallet, opsWallet, claimedLamports, record)
}

// splitAndTransfer applies the reserve/platform-fee/user-share split of spec
// section 4.9. The platform token skips the platform-fee split entirely —
// its own ops wallet receives the full transferable amount.
func (s *Scheduler) splitAndTransfer(ctx context.Context, t *store.Token, devWallet, opsWallet *store.Wallet, claimedLamports uint64, record *store.ClaimRecord) error {
	claimedSOL := float64(claimedLamports) / lamportsPerSOL
	reserve := s.cfg.ReserveSOL
	transferable := claimedSOL - reserve
	if transferable <= 0 {
		s.recordClaim(ctx, record, claimedSOL, 0)
		return nil
	}

	if t.Source == store.SourcePlatform {
		if transferable >= 0.001 {
			if err := s.transferSOL(ctx, devWallet.Address, opsWallet.Address, transferable); err != nil {
				log.Warn().Err(err).Int64("token_id", t.ID).Msg("claim: platform-token transfer failed")
			}
		}
		s.recordClaim(ctx, record, claimedSOL, 0)
		return nil
	}

	platformFee := transferable * s.cfg.PlatformFeePct / 100
	userShare := transferable - platformFee

	if s.cfg.PlatformOpsWallet != "" && platformFee >= 0.001 {
		if err := s.transferSOL(ctx, devWallet.Address, s.cfg.PlatformOpsWallet, platformFee); err != nil {
			log.Warn().Err(err).Int64("token_id", t.ID).Msg("claim: platform fee transfer failed")
		}
	}
	if userShare >= 0.001 {
		if err := s.transferSOL(ctx, devWallet.Address, opsWallet.Address, userShare); err != nil {
			log.Warn().Err(err).Int64("token_id", t.ID).Msg("claim: user share transfer failed")
		}
	}

	s.recordClaim(ctx, record, claimedSOL, platformFee)
	return nil
}

func (s *Scheduler) recordClaim(ctx context.Context, record *store.ClaimRecord, totalSOL, platformFeeSOL float64) {
	record.TotalAmount = totalSOL
	record.PlatformFeeAmount = platformFeeSOL
	record.UserShareAmount = totalSOL - platformFeeSOL - s.cfg.ReserveSOL
	if record.UserShareAmount < 0 {
		record.UserShareAmount = 0
	}
	now := time.Now()
	record.CompletedAt = &now
	if _, err := s.store.InsertClaim(ctx, record); err != nil {
		log.Warn().Err(err).Int64("token_id", record.TokenID).Msg("claim: record persist")
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
