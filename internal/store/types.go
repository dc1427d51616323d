// Package store persists every entity in the data model: tokens, wallets,
// per-token configuration, flywheel/claim state, pending launches, and
// append-only transaction/claim/audit history.
package store

import "time"

// TokenSource classifies how a Token entered the platform.
type TokenSource string

const (
	SourceLaunched   TokenSource = "launched"
	SourceRegistered TokenSource = "registered"
	SourceMMOnly     TokenSource = "mm_only"
	SourcePlatform   TokenSource = "platform"
)

// WalletType distinguishes a token's two wallet roles.
type WalletType string

const (
	WalletDev WalletType = "dev"
	WalletOps WalletType = "ops"
)

// Algorithm selects a TokenConfig's flywheel strategy.
type Algorithm string

const (
	AlgoSimple             Algorithm = "simple"
	AlgoRebalance          Algorithm = "rebalance"
	AlgoSmart              Algorithm = "smart"
	AlgoTurboLite          Algorithm = "turbo_lite"
	AlgoTWAPVWAP           Algorithm = "twap_vwap"
	AlgoDynamic            Algorithm = "dynamic"
	AlgoTransactionReactive Algorithm = "transaction_reactive"
)

// Phase is a FlywheelState's current buy/sell half-cycle.
type Phase string

const (
	PhaseBuy  Phase = "buy"
	PhaseSell Phase = "sell"
)

// LaunchStatus is a PendingLaunch's lifecycle status.
type LaunchStatus string

const (
	LaunchAwaitingDeposit LaunchStatus = "awaiting_deposit"
	LaunchLaunching       LaunchStatus = "launching"
	LaunchCompleted       LaunchStatus = "completed"
	LaunchFailed          LaunchStatus = "failed"
	LaunchExpired         LaunchStatus = "expired"
	LaunchRefunded        LaunchStatus = "refunded"
	LaunchRetryPending    LaunchStatus = "retry_pending"
	LaunchCancelled       LaunchStatus = "cancelled"
)

// TxType categorizes a TransactionRecord.
type TxType string

const (
	TxBuy      TxType = "buy"
	TxSell     TxType = "sell"
	TxTransfer TxType = "transfer"
	TxClaim    TxType = "claim"
	TxInfo     TxType = "info"
)

// TxStatus is a TransactionRecord's confirmation status.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Token is a registered or launched bonding-curve token under management.
type Token struct {
	ID          int64
	Mint        string
	Name        string
	Symbol      string
	Decimals    int
	Image       string
	Source      TokenSource
	OwnerID     string
	DevWalletID int64
	OpsWalletID int64
	Active      bool
	Suspended   bool
	SuspendReason string
	Verified    bool

	DailyTradeLimitSOL float64
	MaxPositionSizeSOL float64
	RiskLevel          string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Wallet is a custody-backed address used as a token's dev or ops wallet.
type Wallet struct {
	ID            int64
	Address       string
	Type          WalletType
	CustodyHandle string
}

// TokenConfig is per-token trading tuning, owner-mutable via Admin Control.
type TokenConfig struct {
	TokenID int64

	Algorithm      Algorithm
	MinBuySOL      float64
	MaxBuySOL      float64
	MaxSellTokens  float64
	SlippageBps    int
	BuyIntervalSec int

	FlywheelActive      bool
	AutoClaimEnabled    bool
	MarketMakingEnabled bool
	FeeThresholdSOL     float64

	ReactiveEnabled bool
	MinTriggerSOL   float64
	ScalePct        float64
	MaxResponsePct  float64
	CooldownMs      int64

	TargetSOLPct   float64
	TargetTokenPct float64
	ThresholdPct   float64

	TWAPIntervalSec int
	VWAPWindowSec   int

	ReservePctNormal  float64
	ReservePctAdverse float64
	BoostFlag         bool
}

// Valid checks the config invariants named in spec section 3.
func (c *TokenConfig) Valid() error {
	if c.MinBuySOL > c.MaxBuySOL {
		return errInvalid("min_buy must be <= max_buy")
	}
	if c.TargetSOLPct+c.TargetTokenPct > 100 {
		return errInvalid("allocation percentages must sum to <= 100")
	}
	if c.CooldownMs < 0 {
		return errInvalid("cooldown must be >= 0")
	}
	if c.SlippageBps < 1 || c.SlippageBps > 5000 {
		return errInvalid("slippage_bps must be in [1, 5000]")
	}
	return nil
}

type invalidConfigError string

func (e invalidConfigError) Error() string { return string(e) }

func errInvalid(msg string) error { return invalidConfigError(msg) }

// FlywheelState is a token's live buy/sell cycle state.
type FlywheelState struct {
	TokenID int64

	Phase                  Phase
	BuyCount               int
	SellCount              int
	SellPhaseTokenSnapshot float64
	SellAmountPerTx        float64

	LastTradeAt         *time.Time
	LastCheckedAt       *time.Time
	LastCheckResult     string
	ConsecutiveFailures int
	PausedUntil         *time.Time

	// DynamicCondition is the Dynamic algorithm's last classified market
	// condition, persisted so it can detect a transition out of an adverse
	// condition on the next tick.
	DynamicCondition string
}

// PendingLaunch tracks a deposit-triggered token launch from onboarding
// through completion, failure, expiry, or refund.
type PendingLaunch struct {
	ID      int64
	OwnerID string

	TokenName   string
	TokenSymbol string
	TokenImage  string

	DepositAddress string
	MinDepositSOL  float64

	Status     LaunchStatus
	RetryCount int
	ExpiresAt  time.Time
	LastError  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TransactionRecord is an append-only log entry for any on-chain action.
type TransactionRecord struct {
	ID        int64
	TokenID   int64
	Type      TxType
	Amount    float64
	Signature string
	Status    TxStatus
	Timestamp time.Time
}

// ClaimRecord is an append-only log entry for one fee claim + split.
type ClaimRecord struct {
	ID                int64
	TokenID           int64
	TotalAmount       float64
	PlatformFeeAmount float64
	UserShareAmount   float64
	Signature         string
	StartedAt         time.Time
	CompletedAt       *time.Time
}

// BalanceSnapshot is an optional cache of a token's wallet balances.
type BalanceSnapshot struct {
	TokenID       int64
	DevSOL        float64
	OpsSOL        float64
	DevTokens     float64
	OpsTokens     float64
	ClaimableSOL  float64
	SOLPriceUSD   float64
	UpdatedAt     time.Time
}

// AuditEvent is an append-only record of a lifecycle transition.
type AuditEvent struct {
	ID        int64
	TokenID   int64
	LaunchID  int64
	Kind      string
	DetailJSON string
	Timestamp time.Time
}
