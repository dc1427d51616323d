// Package reactive consumes webhook-reported swap events and dispatches
// opposite-side counter-trades against tokens configured for it, sharing the
// Flywheel Scheduler's quote/sign/send/record path.
package reactive

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nullseed/flywheel-engine/internal/flywheel"
	"github.com/nullseed/flywheel-engine/internal/store"
	"github.com/nullseed/flywheel-engine/internal/webhook"
)

const (
	dedupCapacity  = 4000
	cacheTTL       = 60 * time.Second
	lamportsPerSOL = 1_000_000_000
)

// dedupSet is a bounded, process-local record of already-processed
// signatures. When it grows past dedupCapacity the oldest half is dropped,
// per spec section 4.10's dedup rule — it is a size bound, not an LRU.
type dedupSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

func newDedupSet() *dedupSet {
	return &dedupSet{seen: make(map[string]struct{})}
}

// seenOrAdd reports whether signature was already processed; if not, it
// records it and returns false.
func (d *dedupSet) seenOrAdd(signature string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[signature]; ok {
		return true
	}
	d.seen[signature] = struct{}{}
	d.order = append(d.order, signature)
	if len(d.order) > dedupCapacity {
		half := len(d.order) / 2
		for _, sig := range d.order[:half] {
			delete(d.seen, sig)
		}
		d.order = append([]string(nil), d.order[half:]...)
	}
	return false
}

// cache is the mint -> trigger-config lookup, refreshed from Store every
// cacheTTL. The per-event mint lookup reads whatever snapshot the last
// refresh produced rather than querying Store; dispatch still reads the
// token and its config from Store before trading.
type cache struct {
	mu      sync.RWMutex
	entries map[string]*store.ReactiveCacheEntry
}

func newCache() *cache {
	return &cache{entries: make(map[string]*store.ReactiveCacheEntry)}
}

func (c *cache) get(mint string) (*store.ReactiveCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[mint]
	return e, ok
}

func (c *cache) replace(entries []*store.ReactiveCacheEntry) {
	next := make(map[string]*store.ReactiveCacheEntry, len(entries))
	for _, e := range entries {
		next[e.Mint] = e
	}
	c.mu.Lock()
	c.entries = next
	c.mu.Unlock()
}

// Engine is the Reactive Engine of spec section 4.10. It implements
// webhook.Processor.
type Engine struct {
	store     store.Store
	scheduler *flywheel.Scheduler

	dedup *dedupSet
	cache *cache

	cooldownMu sync.Mutex
	lastTrade  map[int64]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine builds a reactive Engine. Call RefreshCache once before serving
// traffic and StartCacheRefresh to keep it current.
func NewEngine(st store.Store, scheduler *flywheel.Scheduler) *Engine {
	return &Engine{
		store:     st,
		scheduler: scheduler,
		dedup:     newDedupSet(),
		cache:     newCache(),
		lastTrade: make(map[int64]time.Time),
	}
}

// RefreshCache reloads the mint -> trigger-config cache from Store.
func (e *Engine) RefreshCache(ctx context.Context) error {
	entries, err := e.store.TokensEligibleForReactive(ctx)
	if err != nil {
		return err
	}
	e.cache.replace(entries)
	return nil
}

// StartCacheRefresh runs RefreshCache on a cacheTTL ticker until Stop.
func (e *Engine) StartCacheRefresh(ctx context.Context) {
	e.stopCh = make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(cacheTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				if err := e.RefreshCache(ctx); err != nil {
					log.Warn().Err(err).Msg("reactive: cache refresh failed")
				}
			}
		}
	}()
}

// Stop halts the cache-refresh loop.
func (e *Engine) Stop() {
	if e.stopCh != nil {
		close(e.stopCh)
		e.wg.Wait()
	}
}

// parsedSwap is the (mint, sol_amount, trade_type) triple extracted from a
// webhook.SwapEvent.
type parsedSwap struct {
	mint      string
	solAmount float64
	isBuy     bool // true if the observed trade was SOL->token
}

// Process runs the per-event pipeline of spec section 4.10. It never
// returns an error; failures at any stage are a skip, logged at debug/warn.
func (e *Engine) Process(event webhook.SwapEvent) {
	if event.Signature == "" {
		return
	}
	if e.dedup.seenOrAdd(event.Signature) {
		return
	}

	switch event.Type {
	case "SWAP", "BUY", "SELL":
	default:
		return
	}

	swap, ok := parseSwap(event)
	if !ok {
		return
	}

	entry, ok := e.cache.get(swap.mint)
	if !ok {
		return
	}

	if isSelfTransaction(event, entry.OpsWalletAddr) {
		return
	}

	if swap.solAmount < entry.MinTriggerSOL {
		return
	}

	if e.underCooldown(entry.TokenID, entry.CooldownMs) {
		return
	}

	e.dispatch(context.Background(), entry, swap)
}

// parseSwap extracts (mint, sol_amount, is_buy), preferring the provider's
// structured events.swap block and falling back to token/native transfer
// lists, then raw account balance deltas.
func parseSwap(event webhook.SwapEvent) (parsedSwap, bool) {
	if s := event.Events.Swap; s != nil {
		if s.NativeInput != nil && s.NativeInput.Amount != "" {
			lamports, _ := strconv.ParseUint(s.NativeInput.Amount, 10, 64)
			mint := ""
			if len(s.TokenOutputs) > 0 {
				mint = s.TokenOutputs[0].Mint
			}
			if mint != "" {
				return parsedSwap{mint: mint, solAmount: float64(lamports) / lamportsPerSOL, isBuy: true}, true
			}
		}
		if s.NativeOutput != nil && s.NativeOutput.Amount != "" {
			lamports, _ := strconv.ParseUint(s.NativeOutput.Amount, 10, 64)
			mint := ""
			if len(s.TokenInputs) > 0 {
				mint = s.TokenInputs[0].Mint
			}
			if mint != "" {
				return parsedSwap{mint: mint, solAmount: float64(lamports) / lamportsPerSOL, isBuy: false}, true
			}
		}
	}

	mint := ""
	for _, tt := range event.TokenTransfers {
		if tt.Mint != "" {
			mint = tt.Mint
			break
		}
	}
	if mint == "" {
		return parsedSwap{}, false
	}

	var maxDelta uint64
	for _, nt := range event.NativeTransfers {
		if nt.Amount > maxDelta {
			maxDelta = nt.Amount
		}
	}
	if maxDelta > 0 {
		return parsedSwap{mint: mint, solAmount: float64(maxDelta) / lamportsPerSOL, isBuy: true}, true
	}

	var maxAbs int64
	for _, ad := range event.AccountData {
		delta := ad.NativeBalanceChange
		if delta < 0 {
			delta = -delta
		}
		if delta > maxAbs {
			maxAbs = delta
		}
	}
	if maxAbs == 0 {
		return parsedSwap{}, false
	}
	return parsedSwap{mint: mint, solAmount: float64(maxAbs) / lamportsPerSOL, isBuy: true}, true
}

// isSelfTransaction reports whether the event originated from the token's
// own ops wallet, which must never trigger a counter-trade against itself.
func isSelfTransaction(event webhook.SwapEvent, opsWallet string) bool {
	if event.FeePayer == opsWallet {
		return true
	}
	for _, nt := range event.NativeTransfers {
		if nt.FromUserAccount == opsWallet {
			return true
		}
	}
	for _, tt := range event.TokenTransfers {
		if tt.FromUserAccount == opsWallet {
			return true
		}
	}
	return false
}

func (e *Engine) underCooldown(tokenID int64, cooldownMs int64) bool {
	e.cooldownMu.Lock()
	defer e.cooldownMu.Unlock()
	last, ok := e.lastTrade[tokenID]
	if !ok {
		return false
	}
	return time.Since(last) < time.Duration(cooldownMs)*time.Millisecond
}

func (e *Engine) markTraded(tokenID int64) {
	e.cooldownMu.Lock()
	e.lastTrade[tokenID] = time.Now()
	e.cooldownMu.Unlock()
}

// dispatch computes the opposite-side counter-trade size and executes it
// through the Flywheel Scheduler's shared trade path.
func (e *Engine) dispatch(ctx context.Context, entry *store.ReactiveCacheEntry, swap parsedSwap) {
	token, err := e.store.GetTokenByMint(ctx, swap.mint)
	if err != nil || token == nil {
		log.Warn().Err(err).Str("mint", swap.mint).Msg("reactive: token lookup")
		return
	}
	cfg, err := e.store.GetTokenConfig(ctx, token.ID)
	if err != nil || cfg == nil {
		log.Warn().Err(err).Int64("token_id", token.ID).Msg("reactive: config lookup")
		return
	}

	responseSOL := swap.solAmount * entry.ScalePct / 100

	opsLamports, err := e.scheduler.OpsLamportBalance(ctx, entry.OpsWalletAddr)
	if err != nil {
		log.Warn().Err(err).Int64("token_id", token.ID).Msg("reactive: ops balance")
		return
	}
	opsSOL := float64(opsLamports) / lamportsPerSOL
	maxResponseSOL := opsSOL * entry.MaxResponsePct / 100
	if responseSOL > maxResponseSOL {
		responseSOL = maxResponseSOL
	}
	if responseSOL < cfg.MinBuySOL {
		return
	}

	e.markTraded(token.ID)

	// Opposite side: an observed buy gets a sell response, and vice versa.
	if swap.isBuy {
		tokenAtomic, err := e.scheduler.OpsTokenBalance(ctx, entry.OpsWalletAddr, swap.mint)
		if err != nil {
			log.Warn().Err(err).Int64("token_id", token.ID).Msg("reactive: ops token balance")
			return
		}
		quote, err := e.scheduler.Quote(ctx, swap.mint, lamportsPerSOL, cfg.SlippageBps, "sell")
		if err != nil {
			log.Warn().Err(err).Int64("token_id", token.ID).Msg("reactive: sell reference quote")
			return
		}
		tokensPerSOL := float64(quote.OutAmountAtomic())
		if tokensPerSOL <= 0 {
			return
		}
		sellAtomic := uint64(responseSOL * tokensPerSOL)
		if sellAtomic > tokenAtomic {
			sellAtomic = tokenAtomic
		}
		if sellAtomic < 1 {
			return
		}
		if _, err := e.scheduler.ExecuteTrade(ctx, token, entry.OpsWalletAddr, swap.mint, sellAtomic, cfg.SlippageBps, "sell"); err != nil {
			log.Warn().Err(err).Int64("token_id", token.ID).Msg("reactive: counter-sell failed")
		}
		return
	}

	lamports := uint64(responseSOL * lamportsPerSOL)
	if _, err := e.scheduler.ExecuteTrade(ctx, token, entry.OpsWalletAddr, swap.mint, lamports, cfg.SlippageBps, "buy"); err != nil {
		log.Warn().Err(err).Int64("token_id", token.ID).Msg("reactive: counter-buy failed")
	}
}
