// Package deposit watches pending token launches for their triggering SOL
// deposit, hands off to the bonding-curve launcher, and handles expiry and
// refund.
package deposit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nullseed/flywheel-engine/internal/amm"
	"github.com/nullseed/flywheel-engine/internal/chain"
	"github.com/nullseed/flywheel-engine/internal/custody"
	"github.com/nullseed/flywheel-engine/internal/notify"
	"github.com/nullseed/flywheel-engine/internal/store"
	"github.com/nullseed/flywheel-engine/internal/txexec"
)

const (
	lamportsPerSOL = 1_000_000_000

	defaultMinDepositSOL  = 0.1
	defaultMaxRetries     = 3
	defaultRentReserveSOL = 0.001
	defaultHistoryLimit   = 20
	dustThresholdSOL      = 0.001
)

// Config tunes the watcher's poll cadence and defaults. cmd/engine fills
// PollInterval, MaxRetries and RentReserveSOL from the config file's deposit
// section (poll_interval_sec / max_launch_retries / rent_reserve_sol);
// MinDepositSOL and HistoryLimit keep their defaults.
type Config struct {
	PollInterval   time.Duration
	MinDepositSOL  float64
	MaxRetries     int
	RentReserveSOL float64
	HistoryLimit   int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.MinDepositSOL <= 0 {
		c.MinDepositSOL = defaultMinDepositSOL
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RentReserveSOL <= 0 {
		c.RentReserveSOL = defaultRentReserveSOL
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	return c
}

// Watcher is the periodic deposit-polling job of spec section 4.7.
type Watcher struct {
	store    store.Store
	chain    *chain.RPCClient
	amm      *amm.Client
	custody  *custody.Client
	executor *txexec.Executor
	notifier notify.Notifier
	cfg      Config

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher builds a Watcher. cfg's zero values fall back to spec defaults.
func NewWatcher(st store.Store, rpc *chain.RPCClient, ammClient *amm.Client, custodyClient *custody.Client, executor *txexec.Executor, notifier notify.Notifier, cfg Config) *Watcher {
	return &Watcher{
		store:    st,
		chain:    rpc,
		amm:      ammClient,
		custody:  custodyClient,
		executor: executor,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
	}
}

// Start launches the poll loop in a background goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.stopCh = make(chan struct{})
	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop signals the poll loop to exit and waits for the in-flight tick, if
// any, to finish.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one poll cycle. A single is_running guard prevents overlapping
// ticks within this process; the optimistic store-level claim handles
// multiple process instances.
func (w *Watcher) Tick(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		log.Debug().Msg("deposit watcher: tick already in progress, skipping")
		return
	}
	defer w.running.Store(false)

	launches, err := w.store.PendingLaunchesInStatus(ctx, []store.LaunchStatus{
		store.LaunchAwaitingDeposit, store.LaunchRetryPending,
	})
	if err != nil {
		log.Error().Err(err).Msg("deposit watcher: list pending launches")
		return
	}

	for _, l := range launches {
		w.processLaunch(ctx, l)
	}
}

func (w *Watcher) processLaunch(ctx context.Context, l *store.PendingLaunch) {
	now := time.Now()

	if l.Status == store.LaunchRetryPending {
		if now.Sub(l.UpdatedAt) < w.cfg.PollInterval {
			return
		}
		w.attemptLaunch(ctx, l)
		return
	}

	if now.After(l.ExpiresAt) || now.Equal(l.ExpiresAt) {
		w.handleExpiry(ctx, l)
		return
	}

	lamports, err := w.chain.GetBalance(ctx, l.DepositAddress)
	if err != nil {
		log.Warn().Err(err).Str("address", l.DepositAddress).Msg("deposit watcher: get balance")
		return
	}
	balanceSOL := float64(lamports) / lamportsPerSOL

	minDeposit := l.MinDepositSOL
	if minDeposit < w.cfg.MinDepositSOL {
		minDeposit = w.cfg.MinDepositSOL
	}
	if balanceSOL < minDeposit {
		return
	}

	claimed, err := w.store.ClaimLaunchStatus(ctx, l.ID, store.LaunchAwaitingDeposit, store.LaunchLaunching)
	if err != nil {
		log.Error().Err(err).Int64("launch_id", l.ID).Msg("deposit watcher: claim launch status")
		return
	}
	if !claimed {
		return // another worker won the race
	}
	l.Status = store.LaunchLaunching

	w.attemptLaunch(ctx, l)
}

func (w *Watcher) attemptLaunch(ctx context.Context, l *store.PendingLaunch) {
	opsAddr, _, err := w.custody.CreateWallet(ctx)
	if err != nil {
		w.recordLaunchFailure(ctx, l, fmt.Errorf("create ops wallet: %w", err))
		return
	}

	result, err := w.amm.LaunchToken(ctx, amm.LaunchRequest{
		Name:      l.TokenName,
		Symbol:    l.TokenSymbol,
		Image:     l.TokenImage,
		DevWallet: l.DepositAddress,
		OpsWallet: opsAddr,
	})
	if err != nil {
		w.recordLaunchFailure(ctx, l, fmt.Errorf("launch token: %w", err))
		return
	}

	if err := w.completeLaunch(ctx, l, result, opsAddr); err != nil {
		w.recordLaunchFailure(ctx, l, fmt.Errorf("persist launched token: %w", err))
		return
	}

	log.Info().Int64("launch_id", l.ID).Str("mint", result.Mint).Msg("deposit watcher: launch completed")
	w.notifier.Notify(ctx, l.OwnerID, "launch", fmt.Sprintf("%s (%s) launched successfully", l.TokenName, l.TokenSymbol))
}

func (w *Watcher) completeLaunch(ctx context.Context, l *store.PendingLaunch, result *amm.LaunchResult, opsAddr string) error {
	devWallet := &store.Wallet{Address: l.DepositAddress, Type: store.WalletDev}
	if existing, err := w.store.GetWalletByAddress(ctx, l.DepositAddress); err == nil && existing != nil {
		devWallet = existing
	} else if _, err := w.store.CreateWallet(ctx, devWallet); err != nil {
		return fmt.Errorf("create dev wallet record: %w", err)
	}

	opsWallet := &store.Wallet{Address: opsAddr, Type: store.WalletOps}
	if _, err := w.store.CreateWallet(ctx, opsWallet); err != nil {
		return fmt.Errorf("create ops wallet record: %w", err)
	}

	token := &store.Token{
		Mint:        result.Mint,
		Name:        l.TokenName,
		Symbol:      l.TokenSymbol,
		Decimals:    result.Decimals,
		Image:       l.TokenImage,
		Source:      store.SourceLaunched,
		OwnerID:     l.OwnerID,
		DevWalletID: devWallet.ID,
		OpsWalletID: opsWallet.ID,
		Active:      true,
	}
	tokenID, err := w.store.CreateToken(ctx, token)
	if err != nil {
		return fmt.Errorf("create token: %w", err)
	}

	cfg := &store.TokenConfig{
		TokenID:             tokenID,
		Algorithm:           store.AlgoSimple,
		MinBuySOL:           0.01,
		MaxBuySOL:           0.05,
		SlippageBps:         500,
		BuyIntervalSec:      60,
		FlywheelActive:      true,
		AutoClaimEnabled:    true,
		MarketMakingEnabled: true,
		FeeThresholdSOL:     0.01,
	}
	if err := w.store.UpsertTokenConfig(ctx, cfg); err != nil {
		return fmt.Errorf("create token config: %w", err)
	}

	if err := w.store.UpsertFlywheelState(ctx, &store.FlywheelState{TokenID: tokenID, Phase: store.PhaseBuy}); err != nil {
		return fmt.Errorf("create flywheel state: %w", err)
	}

	l.Status = store.LaunchCompleted
	if err := w.store.UpdatePendingLaunch(ctx, l); err != nil {
		return fmt.Errorf("update pending launch: %w", err)
	}

	if _, err := w.store.InsertAuditEvent(ctx, &store.AuditEvent{
		TokenID:    tokenID,
		LaunchID:   l.ID,
		Kind:       "launch_completed",
		DetailJSON: fmt.Sprintf(`{"mint":%q}`, result.Mint),
	}); err != nil {
		log.Warn().Err(err).Msg("deposit watcher: insert launch_completed audit event")
	}

	return nil
}

func (w *Watcher) recordLaunchFailure(ctx context.Context, l *store.PendingLaunch, cause error) {
	log.Warn().Err(cause).Int64("launch_id", l.ID).Int("retry_count", l.RetryCount).Msg("deposit watcher: launch attempt failed")
	l.RetryCount++
	l.LastError = cause.Error()

	if l.RetryCount < w.cfg.MaxRetries {
		l.Status = store.LaunchRetryPending
	} else {
		l.Status = store.LaunchFailed
	}
	if err := w.store.UpdatePendingLaunch(ctx, l); err != nil {
		log.Error().Err(err).Int64("launch_id", l.ID).Msg("deposit watcher: persist launch failure")
	}

	if l.Status == store.LaunchFailed {
		w.refund(ctx, l)
	}
}

func (w *Watcher) handleExpiry(ctx context.Context, l *store.PendingLaunch) {
	lamports, err := w.chain.GetBalance(ctx, l.DepositAddress)
	if err != nil {
		log.Warn().Err(err).Str("address", l.DepositAddress).Msg("deposit watcher: get balance for expiry")
		return
	}
	balanceSOL := float64(lamports) / lamportsPerSOL

	l.Status = store.LaunchExpired
	if err := w.store.UpdatePendingLaunch(ctx, l); err != nil {
		log.Error().Err(err).Int64("launch_id", l.ID).Msg("deposit watcher: persist expiry")
		return
	}

	if balanceSOL > dustThresholdSOL {
		w.refund(ctx, l)
	} else {
		w.notifier.Notify(ctx, l.OwnerID, "launch", fmt.Sprintf("%s launch expired: no deposit received", l.TokenName))
	}

	if _, err := w.store.InsertAuditEvent(ctx, &store.AuditEvent{LaunchID: l.ID, Kind: "launch_expired"}); err != nil {
		log.Warn().Err(err).Msg("deposit watcher: insert launch_expired audit event")
	}
}

func (w *Watcher) refund(ctx context.Context, l *store.PendingLaunch) {
	funder, err := chain.FindOriginalFunder(ctx, w.chain, l.DepositAddress, w.cfg.HistoryLimit)
	if err != nil || funder == "" {
		log.Warn().Err(err).Int64("launch_id", l.ID).Msg("deposit watcher: could not find original funder, manual refund required")
		l.LastError = "refund failed: original funder not found, manual refund required"
		w.store.UpdatePendingLaunch(ctx, l)
		return
	}

	lamports, err := w.chain.GetBalance(ctx, l.DepositAddress)
	if err != nil {
		log.Warn().Err(err).Msg("deposit watcher: get balance for refund")
		return
	}
	reserve := uint64(w.cfg.RentReserveSOL * lamportsPerSOL)
	if lamports <= reserve {
		log.Warn().Int64("launch_id", l.ID).Msg("deposit watcher: balance below rent reserve, nothing to refund")
		return
	}
	refundLamports := lamports - reserve

	bh, err := w.chain.GetLatestBlockhash(ctx, "confirmed")
	if err != nil {
		log.Warn().Err(err).Msg("deposit watcher: get blockhash for refund")
		return
	}

	unsignedTx, err := chain.BuildSystemTransfer(bh.Value.Blockhash, l.DepositAddress, funder, refundLamports)
	if err != nil {
		log.Error().Err(err).Msg("deposit watcher: build refund transfer")
		return
	}

	result := w.executor.Send(ctx, txexec.Request{
		Mode:          txexec.ModeDelegatedSignThenBroadcast,
		WalletAddress: l.DepositAddress,
		TxBase64:      unsignedTx,
	})

	if !result.Success {
		l.LastError = fmt.Sprintf("refund failed: %v", result.Err)
		w.store.UpdatePendingLaunch(ctx, l)
		log.Error().Err(result.Err).Int64("launch_id", l.ID).Msg("deposit watcher: refund transaction failed")
		return
	}

	l.Status = store.LaunchRefunded
	w.store.UpdatePendingLaunch(ctx, l)
	w.notifier.Notify(ctx, l.OwnerID, "launch", fmt.Sprintf("%s launch refunded: %.4f SOL returned", l.TokenName, float64(refundLamports)/lamportsPerSOL))

	if _, err := w.store.InsertAuditEvent(ctx, &store.AuditEvent{LaunchID: l.ID, Kind: "refund_issued", DetailJSON: fmt.Sprintf(`{"signature":%q}`, result.Signature)}); err != nil {
		log.Warn().Err(err).Msg("deposit watcher: insert refund_issued audit event")
	}
}
