package chain

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// CachedBlockhash holds a blockhash snapshot with its fetch time.
type CachedBlockhash struct {
	Hash                 string
	LastValidBlockHeight uint64
	FetchedAt            time.Time
}

// BlockhashCache is a double-buffered, background-refreshed blockhash cache
// used by the Tx Executor's self-signed mode so a fresh blockhash is always
// available without a synchronous RPC round trip on the hot path.
type BlockhashCache struct {
	current atomic.Pointer[CachedBlockhash]
	next    atomic.Pointer[CachedBlockhash]

	rpc      *RPCClient
	ttl      time.Duration
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup

	hits   atomic.Int64
	misses atomic.Int64
}

// NewBlockhashCache builds a cache refreshed every interval with entries
// considered fresh for ttl.
func NewBlockhashCache(rpc *RPCClient, refreshInterval, ttl time.Duration) *BlockhashCache {
	return &BlockhashCache{
		rpc:      rpc,
		interval: refreshInterval,
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
}

// Start performs the initial synchronous fetch and launches the background
// prefetch loop.
func (c *BlockhashCache) Start() error {
	if err := c.fetchAndRotate(); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.prefetchLoop()

	log.Info().
		Dur("interval", c.interval).
		Dur("ttl", c.ttl).
		Msg("blockhash cache started")

	return nil
}

// Stop halts the background refresh and waits for it to exit.
func (c *BlockhashCache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// GetWithHeight returns the cached blockhash and its last valid block
// height, falling back to a synchronous fetch if both buffers are stale.
func (c *BlockhashCache) GetWithHeight() (string, uint64, error) {
	cached := c.current.Load()
	if cached != nil && time.Since(cached.FetchedAt) < c.ttl {
		c.hits.Add(1)
		return cached.Hash, cached.LastValidBlockHeight, nil
	}

	next := c.next.Load()
	if next != nil && time.Since(next.FetchedAt) < c.ttl {
		c.hits.Add(1)
		return next.Hash, next.LastValidBlockHeight, nil
	}

	c.misses.Add(1)
	log.Warn().Msg("blockhash cache miss, forcing sync refresh")

	if err := c.fetchAndRotate(); err != nil {
		return "", 0, err
	}
	cached = c.current.Load()
	return cached.Hash, cached.LastValidBlockHeight, nil
}

// HitRate returns the cache hit percentage.
func (c *BlockhashCache) HitRate() float64 {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	if total == 0 {
		return 100.0
	}
	return float64(hits) / float64(total) * 100
}

func (c *BlockhashCache) prefetchLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.fetchAndRotate(); err != nil {
				log.Warn().Err(err).Msg("blockhash prefetch failed")
			}
		}
	}
}

func (c *BlockhashCache) fetchAndRotate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := c.rpc.GetLatestBlockhash(ctx, "confirmed")
	if err != nil {
		return err
	}

	newHash := &CachedBlockhash{
		Hash:                 result.Value.Blockhash,
		LastValidBlockHeight: result.Value.LastValidBlockHeight,
		FetchedAt:            time.Now(),
	}

	current := c.current.Load()
	c.current.Store(c.next.Load())
	c.next.Store(newHash)

	if current == nil {
		c.current.Store(newHash)
	}

	log.Debug().
		Uint64("height", result.Value.LastValidBlockHeight).
		Float64("hitRate", c.HitRate()).
		Msg("blockhash prefetched")

	return nil
}
