package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the modernc.org/sqlite-backed Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) a WAL-mode SQLite database at path and
// creates the schema if it does not already exist.
func Open(path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	log.Info().Str("path", path).Msg("store initialized")
	return &SQLiteStore{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		address TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		custody_handle TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS tokens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mint TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		symbol TEXT NOT NULL,
		decimals INTEGER NOT NULL DEFAULT 6,
		image TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		owner_id TEXT NOT NULL DEFAULT '',
		dev_wallet_id INTEGER NOT NULL,
		ops_wallet_id INTEGER NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		suspended INTEGER NOT NULL DEFAULT 0,
		suspend_reason TEXT NOT NULL DEFAULT '',
		verified INTEGER NOT NULL DEFAULT 0,
		daily_trade_limit_sol REAL NOT NULL DEFAULT 0,
		max_position_size_sol REAL NOT NULL DEFAULT 0,
		risk_level TEXT NOT NULL DEFAULT 'normal',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS token_configs (
		token_id INTEGER PRIMARY KEY REFERENCES tokens(id),
		algorithm TEXT NOT NULL DEFAULT 'simple',
		min_buy_sol REAL NOT NULL DEFAULT 0.01,
		max_buy_sol REAL NOT NULL DEFAULT 0.05,
		max_sell_tokens REAL NOT NULL DEFAULT 0,
		slippage_bps INTEGER NOT NULL DEFAULT 500,
		buy_interval_sec INTEGER NOT NULL DEFAULT 60,
		flywheel_active INTEGER NOT NULL DEFAULT 1,
		auto_claim_enabled INTEGER NOT NULL DEFAULT 1,
		market_making_enabled INTEGER NOT NULL DEFAULT 1,
		fee_threshold_sol REAL NOT NULL DEFAULT 0.01,
		reactive_enabled INTEGER NOT NULL DEFAULT 0,
		min_trigger_sol REAL NOT NULL DEFAULT 0.2,
		scale_pct REAL NOT NULL DEFAULT 50,
		max_response_pct REAL NOT NULL DEFAULT 30,
		cooldown_ms INTEGER NOT NULL DEFAULT 30000,
		target_sol_pct REAL NOT NULL DEFAULT 50,
		target_token_pct REAL NOT NULL DEFAULT 50,
		threshold_pct REAL NOT NULL DEFAULT 5,
		twap_interval_sec INTEGER NOT NULL DEFAULT 0,
		vwap_window_sec INTEGER NOT NULL DEFAULT 0,
		reserve_pct_normal REAL NOT NULL DEFAULT 0,
		reserve_pct_adverse REAL NOT NULL DEFAULT 0,
		boost_flag INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS flywheel_states (
		token_id INTEGER PRIMARY KEY REFERENCES tokens(id),
		phase TEXT NOT NULL DEFAULT 'buy',
		buy_count INTEGER NOT NULL DEFAULT 0,
		sell_count INTEGER NOT NULL DEFAULT 0,
		sell_phase_token_snapshot REAL NOT NULL DEFAULT 0,
		sell_amount_per_tx REAL NOT NULL DEFAULT 0,
		last_trade_at INTEGER,
		last_checked_at INTEGER,
		last_check_result TEXT NOT NULL DEFAULT '',
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		paused_until INTEGER,
		dynamic_condition TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS pending_launches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL DEFAULT '',
		token_name TEXT NOT NULL,
		token_symbol TEXT NOT NULL,
		token_image TEXT NOT NULL DEFAULT '',
		deposit_address TEXT NOT NULL,
		min_deposit_sol REAL NOT NULL DEFAULT 0.1,
		status TEXT NOT NULL DEFAULT 'awaiting_deposit',
		retry_count INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_launches_status ON pending_launches(status);
	CREATE INDEX IF NOT EXISTS idx_pending_launches_deposit_addr ON pending_launches(deposit_address);

	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		amount REAL NOT NULL DEFAULT 0,
		signature TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_token ON transactions(token_id);

	CREATE TABLE IF NOT EXISTS claims (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token_id INTEGER NOT NULL,
		total_amount REAL NOT NULL,
		platform_fee_amount REAL NOT NULL,
		user_share_amount REAL NOT NULL,
		signature TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token_id INTEGER NOT NULL DEFAULT 0,
		launch_id INTEGER NOT NULL DEFAULT 0,
		kind TEXT NOT NULL,
		detail_json TEXT NOT NULL DEFAULT '{}',
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_events_kind ON audit_events(kind);

	CREATE TABLE IF NOT EXISTS balance_snapshots (
		token_id INTEGER PRIMARY KEY REFERENCES tokens(id),
		dev_sol REAL NOT NULL DEFAULT 0,
		ops_sol REAL NOT NULL DEFAULT 0,
		dev_tokens REAL NOT NULL DEFAULT 0,
		ops_tokens REAL NOT NULL DEFAULT 0,
		claimable_sol REAL NOT NULL DEFAULT 0,
		sol_price_usd REAL NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timePtrFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0)
	return &t
}

// ---- Tokens ----

func (s *SQLiteStore) CreateToken(ctx context.Context, t *Token) (int64, error) {
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (mint, name, symbol, decimals, image, source, owner_id, dev_wallet_id, ops_wallet_id,
			active, suspended, suspend_reason, verified, daily_trade_limit_sol, max_position_size_sol, risk_level,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Mint, t.Name, t.Symbol, t.Decimals, t.Image, string(t.Source), t.OwnerID, t.DevWalletID, t.OpsWalletID,
		boolToInt(t.Active), boolToInt(t.Suspended), t.SuspendReason, boolToInt(t.Verified),
		t.DailyTradeLimitSOL, t.MaxPositionSizeSOL, t.RiskLevel, now.Unix(), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("insert token: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	t.ID = id
	return id, nil
}

const tokenSelectCols = `id, mint, name, symbol, decimals, image, source, owner_id, dev_wallet_id, ops_wallet_id,
	active, suspended, suspend_reason, verified, daily_trade_limit_sol, max_position_size_sol, risk_level,
	created_at, updated_at`

func scanToken(row interface{ Scan(...interface{}) error }) (*Token, error) {
	var t Token
	var source string
	var active, suspended, verified int
	var createdAt, updatedAt int64
	if err := row.Scan(&t.ID, &t.Mint, &t.Name, &t.Symbol, &t.Decimals, &t.Image, &source, &t.OwnerID,
		&t.DevWalletID, &t.OpsWalletID, &active, &suspended, &t.SuspendReason, &verified,
		&t.DailyTradeLimitSOL, &t.MaxPositionSizeSOL, &t.RiskLevel, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Source = TokenSource(source)
	t.Active = active != 0
	t.Suspended = suspended != 0
	t.Verified = verified != 0
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return &t, nil
}

func (s *SQLiteStore) GetToken(ctx context.Context, id int64) (*Token, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tokenSelectCols+` FROM tokens WHERE id = ?`, id)
	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *SQLiteStore) GetTokenByMint(ctx context.Context, mint string) (*Token, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tokenSelectCols+` FROM tokens WHERE mint = ?`, mint)
	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *SQLiteStore) UpdateToken(ctx context.Context, t *Token) error {
	t.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE tokens SET name=?, symbol=?, decimals=?, image=?, source=?, owner_id=?, dev_wallet_id=?, ops_wallet_id=?,
			active=?, suspended=?, suspend_reason=?, verified=?, daily_trade_limit_sol=?, max_position_size_sol=?,
			risk_level=?, updated_at=?
		WHERE id=?`,
		t.Name, t.Symbol, t.Decimals, t.Image, string(t.Source), t.OwnerID, t.DevWalletID, t.OpsWalletID,
		boolToInt(t.Active), boolToInt(t.Suspended), t.SuspendReason, boolToInt(t.Verified),
		t.DailyTradeLimitSOL, t.MaxPositionSizeSOL, t.RiskLevel, t.UpdatedAt.Unix(), t.ID)
	return err
}

func (s *SQLiteStore) SetTokenActive(ctx context.Context, id int64, active bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tokens SET active=?, updated_at=? WHERE id=?`, boolToInt(active), time.Now().Unix(), id)
	return err
}

// ListNonPlatformTokens returns every token that isn't the platform's own,
// for Admin Control's bulk_suspend.
func (s *SQLiteStore) ListNonPlatformTokens(ctx context.Context) ([]*Token, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tokenSelectCols+` FROM tokens WHERE source != ?`, string(SourcePlatform))
	if err != nil {
		return nil, fmt.Errorf("list non-platform tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// ---- Wallets ----

func (s *SQLiteStore) CreateWallet(ctx context.Context, w *Wallet) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO wallets (address, type, custody_handle) VALUES (?, ?, ?)`,
		w.Address, string(w.Type), w.CustodyHandle)
	if err != nil {
		return 0, fmt.Errorf("insert wallet: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	w.ID = id
	return id, nil
}

func (s *SQLiteStore) GetWallet(ctx context.Context, id int64) (*Wallet, error) {
	var w Wallet
	var typ string
	err := s.db.QueryRowContext(ctx, `SELECT id, address, type, custody_handle FROM wallets WHERE id=?`, id).
		Scan(&w.ID, &w.Address, &typ, &w.CustodyHandle)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.Type = WalletType(typ)
	return &w, nil
}

func (s *SQLiteStore) GetWalletByAddress(ctx context.Context, address string) (*Wallet, error) {
	var w Wallet
	var typ string
	err := s.db.QueryRowContext(ctx, `SELECT id, address, type, custody_handle FROM wallets WHERE address=?`, address).
		Scan(&w.ID, &w.Address, &typ, &w.CustodyHandle)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.Type = WalletType(typ)
	return &w, nil
}

// ---- TokenConfig ----

const configCols = `token_id, algorithm, min_buy_sol, max_buy_sol, max_sell_tokens, slippage_bps, buy_interval_sec,
	flywheel_active, auto_claim_enabled, market_making_enabled, fee_threshold_sol, reactive_enabled,
	min_trigger_sol, scale_pct, max_response_pct, cooldown_ms, target_sol_pct, target_token_pct, threshold_pct,
	twap_interval_sec, vwap_window_sec, reserve_pct_normal, reserve_pct_adverse, boost_flag`

func (s *SQLiteStore) GetTokenConfig(ctx context.Context, tokenID int64) (*TokenConfig, error) {
	var c TokenConfig
	var algo string
	var flywheelActive, autoClaim, mmEnabled, reactiveEnabled, boostFlag int
	err := s.db.QueryRowContext(ctx, `SELECT `+configCols+` FROM token_configs WHERE token_id=?`, tokenID).Scan(
		&c.TokenID, &algo, &c.MinBuySOL, &c.MaxBuySOL, &c.MaxSellTokens, &c.SlippageBps, &c.BuyIntervalSec,
		&flywheelActive, &autoClaim, &mmEnabled, &c.FeeThresholdSOL, &reactiveEnabled,
		&c.MinTriggerSOL, &c.ScalePct, &c.MaxResponsePct, &c.CooldownMs, &c.TargetSOLPct, &c.TargetTokenPct, &c.ThresholdPct,
		&c.TWAPIntervalSec, &c.VWAPWindowSec, &c.ReservePctNormal, &c.ReservePctAdverse, &boostFlag)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Algorithm = Algorithm(algo)
	c.FlywheelActive = flywheelActive != 0
	c.AutoClaimEnabled = autoClaim != 0
	c.MarketMakingEnabled = mmEnabled != 0
	c.ReactiveEnabled = reactiveEnabled != 0
	c.BoostFlag = boostFlag != 0
	return &c, nil
}

func (s *SQLiteStore) UpsertTokenConfig(ctx context.Context, c *TokenConfig) error {
	if err := c.Valid(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_configs (`+configCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token_id) DO UPDATE SET
			algorithm=excluded.algorithm, min_buy_sol=excluded.min_buy_sol, max_buy_sol=excluded.max_buy_sol,
			max_sell_tokens=excluded.max_sell_tokens, slippage_bps=excluded.slippage_bps,
			buy_interval_sec=excluded.buy_interval_sec, flywheel_active=excluded.flywheel_active,
			auto_claim_enabled=excluded.auto_claim_enabled, market_making_enabled=excluded.market_making_enabled,
			fee_threshold_sol=excluded.fee_threshold_sol, reactive_enabled=excluded.reactive_enabled,
			min_trigger_sol=excluded.min_trigger_sol, scale_pct=excluded.scale_pct,
			max_response_pct=excluded.max_response_pct, cooldown_ms=excluded.cooldown_ms,
			target_sol_pct=excluded.target_sol_pct, target_token_pct=excluded.target_token_pct,
			threshold_pct=excluded.threshold_pct, twap_interval_sec=excluded.twap_interval_sec,
			vwap_window_sec=excluded.vwap_window_sec, reserve_pct_normal=excluded.reserve_pct_normal,
			reserve_pct_adverse=excluded.reserve_pct_adverse, boost_flag=excluded.boost_flag`,
		c.TokenID, string(c.Algorithm), c.MinBuySOL, c.MaxBuySOL, c.MaxSellTokens, c.SlippageBps, c.BuyIntervalSec,
		boolToInt(c.FlywheelActive), boolToInt(c.AutoClaimEnabled), boolToInt(c.MarketMakingEnabled), c.FeeThresholdSOL,
		boolToInt(c.ReactiveEnabled), c.MinTriggerSOL, c.ScalePct, c.MaxResponsePct, c.CooldownMs,
		c.TargetSOLPct, c.TargetTokenPct, c.ThresholdPct, c.TWAPIntervalSec, c.VWAPWindowSec,
		c.ReservePctNormal, c.ReservePctAdverse, boolToInt(c.BoostFlag))
	return err
}

// ---- FlywheelState ----

func (s *SQLiteStore) GetFlywheelState(ctx context.Context, tokenID int64) (*FlywheelState, error) {
	var st FlywheelState
	var phase string
	var lastTradeAt, lastCheckedAt, pausedUntil sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT token_id, phase, buy_count, sell_count, sell_phase_token_snapshot, sell_amount_per_tx,
			last_trade_at, last_checked_at, last_check_result, consecutive_failures, paused_until, dynamic_condition
		FROM flywheel_states WHERE token_id=?`, tokenID).Scan(
		&st.TokenID, &phase, &st.BuyCount, &st.SellCount, &st.SellPhaseTokenSnapshot, &st.SellAmountPerTx,
		&lastTradeAt, &lastCheckedAt, &st.LastCheckResult, &st.ConsecutiveFailures, &pausedUntil, &st.DynamicCondition)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.Phase = Phase(phase)
	st.LastTradeAt = timePtrFromNull(lastTradeAt)
	st.LastCheckedAt = timePtrFromNull(lastCheckedAt)
	st.PausedUntil = timePtrFromNull(pausedUntil)
	return &st, nil
}

func (s *SQLiteStore) UpsertFlywheelState(ctx context.Context, st *FlywheelState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flywheel_states (token_id, phase, buy_count, sell_count, sell_phase_token_snapshot,
			sell_amount_per_tx, last_trade_at, last_checked_at, last_check_result, consecutive_failures, paused_until,
			dynamic_condition)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token_id) DO UPDATE SET
			phase=excluded.phase, buy_count=excluded.buy_count, sell_count=excluded.sell_count,
			sell_phase_token_snapshot=excluded.sell_phase_token_snapshot, sell_amount_per_tx=excluded.sell_amount_per_tx,
			last_trade_at=excluded.last_trade_at, last_checked_at=excluded.last_checked_at,
			last_check_result=excluded.last_check_result, consecutive_failures=excluded.consecutive_failures,
			paused_until=excluded.paused_until, dynamic_condition=excluded.dynamic_condition`,
		st.TokenID, string(st.Phase), st.BuyCount, st.SellCount, st.SellPhaseTokenSnapshot, st.SellAmountPerTx,
		unixPtr(st.LastTradeAt), unixPtr(st.LastCheckedAt), st.LastCheckResult, st.ConsecutiveFailures, unixPtr(st.PausedUntil),
		st.DynamicCondition)
	return err
}

// ---- Eligibility queries ----

func (s *SQLiteStore) TokensEligibleForFlywheel(ctx context.Context) ([]*Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tokenSelectCols+` FROM tokens t
		JOIN token_configs c ON c.token_id = t.id
		WHERE t.active=1 AND t.suspended=0 AND c.flywheel_active=1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTokens(rows)
}

func (s *SQLiteStore) TokensEligibleForAutoClaim(ctx context.Context) ([]*Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tokenSelectCols+` FROM tokens t
		JOIN token_configs c ON c.token_id = t.id
		WHERE t.active=1 AND t.suspended=0 AND c.auto_claim_enabled=1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTokens(rows)
}

func scanTokens(rows *sql.Rows) ([]*Token, error) {
	var tokens []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *SQLiteStore) TokensEligibleForReactive(ctx context.Context) ([]*ReactiveCacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.mint, w.address, c.min_trigger_sol, c.scale_pct, c.max_response_pct, c.cooldown_ms
		FROM tokens t
		JOIN token_configs c ON c.token_id = t.id
		JOIN wallets w ON w.id = t.ops_wallet_id
		WHERE t.active=1 AND t.suspended=0 AND c.flywheel_active=1 AND c.reactive_enabled=1
			AND c.algorithm='transaction_reactive'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*ReactiveCacheEntry
	for rows.Next() {
		var e ReactiveCacheEntry
		if err := rows.Scan(&e.TokenID, &e.Mint, &e.OpsWalletAddr, &e.MinTriggerSOL, &e.ScalePct, &e.MaxResponsePct, &e.CooldownMs); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ---- PendingLaunch ----

const launchCols = `id, owner_id, token_name, token_symbol, token_image, deposit_address, min_deposit_sol,
	status, retry_count, expires_at, last_error, created_at, updated_at`

func scanLaunch(row interface{ Scan(...interface{}) error }) (*PendingLaunch, error) {
	var p PendingLaunch
	var status string
	var expiresAt, createdAt, updatedAt int64
	if err := row.Scan(&p.ID, &p.OwnerID, &p.TokenName, &p.TokenSymbol, &p.TokenImage, &p.DepositAddress,
		&p.MinDepositSOL, &status, &p.RetryCount, &expiresAt, &p.LastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Status = LaunchStatus(status)
	p.ExpiresAt = time.Unix(expiresAt, 0)
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

func (s *SQLiteStore) CreatePendingLaunch(ctx context.Context, p *PendingLaunch) (int64, error) {
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Status == "" {
		p.Status = LaunchAwaitingDeposit
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_launches (owner_id, token_name, token_symbol, token_image, deposit_address,
			min_deposit_sol, status, retry_count, expires_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.OwnerID, p.TokenName, p.TokenSymbol, p.TokenImage, p.DepositAddress, p.MinDepositSOL,
		string(p.Status), p.RetryCount, p.ExpiresAt.Unix(), p.LastError, now.Unix(), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("insert pending launch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	p.ID = id
	return id, nil
}

func (s *SQLiteStore) GetPendingLaunch(ctx context.Context, id int64) (*PendingLaunch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+launchCols+` FROM pending_launches WHERE id=?`, id)
	p, err := scanLaunch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *SQLiteStore) PendingLaunchesInStatus(ctx context.Context, statuses []LaunchStatus) ([]*PendingLaunch, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	query := `SELECT ` + launchCols + ` FROM pending_launches WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var launches []*PendingLaunch
	for rows.Next() {
		p, err := scanLaunch(rows)
		if err != nil {
			return nil, err
		}
		launches = append(launches, p)
	}
	return launches, rows.Err()
}

func (s *SQLiteStore) HasAwaitingDepositForAddress(ctx context.Context, depositAddress string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_launches WHERE deposit_address=? AND status='awaiting_deposit'`,
		depositAddress).Scan(&count)
	return count > 0, err
}

// ClaimLaunchStatus is the optimistic compare-and-set transition: it updates
// the row only if its current status still matches from, returning
// claimed=false (not an error) if another worker already moved it.
func (s *SQLiteStore) ClaimLaunchStatus(ctx context.Context, id int64, from, to LaunchStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_launches SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(to), time.Now().Unix(), id, string(from))
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *SQLiteStore) UpdatePendingLaunch(ctx context.Context, p *PendingLaunch) error {
	p.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_launches SET status=?, retry_count=?, last_error=?, updated_at=? WHERE id=?`,
		string(p.Status), p.RetryCount, p.LastError, p.UpdatedAt.Unix(), p.ID)
	return err
}

// ---- Append-only history ----

func (s *SQLiteStore) InsertTransaction(ctx context.Context, t *TransactionRecord) (int64, error) {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (token_id, type, amount, signature, status, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.TokenID, string(t.Type), t.Amount, t.Signature, string(t.Status), t.Timestamp.Unix())
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	t.ID = id
	return id, nil
}

func (s *SQLiteStore) InsertClaim(ctx context.Context, c *ClaimRecord) (int64, error) {
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO claims (token_id, total_amount, platform_fee_amount, user_share_amount, signature,
			started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.TokenID, c.TotalAmount, c.PlatformFeeAmount, c.UserShareAmount, c.Signature,
		c.StartedAt.Unix(), unixPtr(c.CompletedAt))
	if err != nil {
		return 0, fmt.Errorf("insert claim: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	c.ID = id
	return id, nil
}

func (s *SQLiteStore) InsertAuditEvent(ctx context.Context, e *AuditEvent) (int64, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.DetailJSON == "" {
		e.DetailJSON = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (token_id, launch_id, kind, detail_json, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		e.TokenID, e.LaunchID, e.Kind, e.DetailJSON, e.Timestamp.Unix())
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

// ---- BalanceSnapshot ----

func (s *SQLiteStore) UpsertBalanceSnapshot(ctx context.Context, b *BalanceSnapshot) error {
	b.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balance_snapshots (token_id, dev_sol, ops_sol, dev_tokens, ops_tokens, claimable_sol,
			sol_price_usd, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token_id) DO UPDATE SET
			dev_sol=excluded.dev_sol, ops_sol=excluded.ops_sol, dev_tokens=excluded.dev_tokens,
			ops_tokens=excluded.ops_tokens, claimable_sol=excluded.claimable_sol,
			sol_price_usd=excluded.sol_price_usd, updated_at=excluded.updated_at`,
		b.TokenID, b.DevSOL, b.OpsSOL, b.DevTokens, b.OpsTokens, b.ClaimableSOL, b.SOLPriceUSD, b.UpdatedAt.Unix())
	return err
}

func (s *SQLiteStore) GetBalanceSnapshot(ctx context.Context, tokenID int64) (*BalanceSnapshot, error) {
	var b BalanceSnapshot
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT token_id, dev_sol, ops_sol, dev_tokens, ops_tokens, claimable_sol, sol_price_usd, updated_at
		FROM balance_snapshots WHERE token_id=?`, tokenID).Scan(
		&b.TokenID, &b.DevSOL, &b.OpsSOL, &b.DevTokens, &b.OpsTokens, &b.ClaimableSOL, &b.SOLPriceUSD, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.UpdatedAt = time.Unix(updatedAt, 0)
	return &b, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
