package store

import (
	"context"
	"time"
)

// Store is the persistence boundary every scheduler goes through. Nothing
// outside this package writes to another component's state directly.
type Store interface {
	// Tokens
	CreateToken(ctx context.Context, t *Token) (int64, error)
	GetToken(ctx context.Context, id int64) (*Token, error)
	GetTokenByMint(ctx context.Context, mint string) (*Token, error)
	UpdateToken(ctx context.Context, t *Token) error
	SetTokenActive(ctx context.Context, id int64, active bool) error
	ListNonPlatformTokens(ctx context.Context) ([]*Token, error)

	// Wallets
	CreateWallet(ctx context.Context, w *Wallet) (int64, error)
	GetWallet(ctx context.Context, id int64) (*Wallet, error)
	GetWalletByAddress(ctx context.Context, address string) (*Wallet, error)

	// TokenConfig
	GetTokenConfig(ctx context.Context, tokenID int64) (*TokenConfig, error)
	UpsertTokenConfig(ctx context.Context, c *TokenConfig) error

	// FlywheelState
	GetFlywheelState(ctx context.Context, tokenID int64) (*FlywheelState, error)
	UpsertFlywheelState(ctx context.Context, s *FlywheelState) error

	// Eligibility queries
	TokensEligibleForFlywheel(ctx context.Context) ([]*Token, error)
	TokensEligibleForAutoClaim(ctx context.Context) ([]*Token, error)
	TokensEligibleForReactive(ctx context.Context) ([]*ReactiveCacheEntry, error)

	// PendingLaunch
	CreatePendingLaunch(ctx context.Context, p *PendingLaunch) (int64, error)
	GetPendingLaunch(ctx context.Context, id int64) (*PendingLaunch, error)
	PendingLaunchesInStatus(ctx context.Context, statuses []LaunchStatus) ([]*PendingLaunch, error)
	HasAwaitingDepositForAddress(ctx context.Context, depositAddress string) (bool, error)
	// ClaimLaunchStatus performs the optimistic "update where id=X and
	// status=from set status=to" transition; claimed=false means another
	// worker already won the race, not an error.
	ClaimLaunchStatus(ctx context.Context, id int64, from, to LaunchStatus) (claimed bool, err error)
	UpdatePendingLaunch(ctx context.Context, p *PendingLaunch) error

	// Append-only history
	InsertTransaction(ctx context.Context, t *TransactionRecord) (int64, error)
	InsertClaim(ctx context.Context, c *ClaimRecord) (int64, error)
	InsertAuditEvent(ctx context.Context, e *AuditEvent) (int64, error)

	// BalanceSnapshot (optional cache)
	UpsertBalanceSnapshot(ctx context.Context, b *BalanceSnapshot) error
	GetBalanceSnapshot(ctx context.Context, tokenID int64) (*BalanceSnapshot, error)

	Close() error
}

// ReactiveCacheEntry is the per-mint trigger configuration the Reactive
// Engine refreshes from Store every 60s.
type ReactiveCacheEntry struct {
	TokenID        int64
	Mint           string
	OpsWalletAddr  string
	MinTriggerSOL  float64
	ScalePct       float64
	MaxResponsePct float64
	CooldownMs     int64
}

// Now returns the current wall-clock time; a seam so tests can construct
// deterministic fixtures without reaching for time.Now directly.
func Now() time.Time { return time.Now() }
