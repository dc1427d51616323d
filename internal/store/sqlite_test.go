package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetToken(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	devWallet := &Wallet{Address: "Dev1", Type: WalletDev}
	opsWallet := &Wallet{Address: "Ops1", Type: WalletOps}
	if _, err := s.CreateWallet(ctx, devWallet); err != nil {
		t.Fatalf("create dev wallet: %v", err)
	}
	if _, err := s.CreateWallet(ctx, opsWallet); err != nil {
		t.Fatalf("create ops wallet: %v", err)
	}

	token := &Token{
		Mint:        "Mint1111",
		Name:        "Test Token",
		Symbol:      "TEST",
		Decimals:    6,
		Source:      SourceLaunched,
		DevWalletID: devWallet.ID,
		OpsWalletID: opsWallet.ID,
		Active:      true,
	}
	id, err := s.CreateToken(ctx, token)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	fetched, err := s.GetToken(ctx, id)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if fetched == nil {
		t.Fatal("expected token, got nil")
	}
	if fetched.Mint != "Mint1111" || fetched.Symbol != "TEST" {
		t.Errorf("unexpected token: %+v", fetched)
	}

	byMint, err := s.GetTokenByMint(ctx, "Mint1111")
	if err != nil {
		t.Fatalf("get token by mint: %v", err)
	}
	if byMint == nil || byMint.ID != id {
		t.Errorf("expected token by mint to match id %d, got %+v", id, byMint)
	}

	missing, err := s.GetToken(ctx, 999999)
	if err != nil {
		t.Fatalf("get missing token: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing token, got %+v", missing)
	}
}

func TestUpsertTokenConfigRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cfg := &TokenConfig{
		TokenID:     1,
		Algorithm:   AlgoSimple,
		MinBuySOL:   0.05,
		MaxBuySOL:   0.01, // invalid: min > max
		SlippageBps: 500,
	}
	if err := s.UpsertTokenConfig(ctx, cfg); err == nil {
		t.Fatal("expected validation error for min_buy > max_buy")
	}

	cfg.MaxBuySOL = 0.1
	if err := s.UpsertTokenConfig(ctx, cfg); err != nil {
		t.Fatalf("expected valid config to upsert cleanly: %v", err)
	}

	fetched, err := s.GetTokenConfig(ctx, 1)
	if err != nil {
		t.Fatalf("get token config: %v", err)
	}
	if fetched == nil || fetched.MaxBuySOL != 0.1 {
		t.Errorf("unexpected config: %+v", fetched)
	}
}

func TestFlywheelStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().Truncate(time.Second)
	st := &FlywheelState{
		TokenID:     1,
		Phase:       PhaseBuy,
		BuyCount:    3,
		LastTradeAt: &now,
	}
	if err := s.UpsertFlywheelState(ctx, st); err != nil {
		t.Fatalf("upsert flywheel state: %v", err)
	}

	fetched, err := s.GetFlywheelState(ctx, 1)
	if err != nil {
		t.Fatalf("get flywheel state: %v", err)
	}
	if fetched.BuyCount != 3 || fetched.Phase != PhaseBuy {
		t.Errorf("unexpected state: %+v", fetched)
	}
	if fetched.LastTradeAt == nil || !fetched.LastTradeAt.Equal(now) {
		t.Errorf("expected LastTradeAt %v, got %v", now, fetched.LastTradeAt)
	}

	st.Phase = PhaseSell
	st.SellCount = 1
	if err := s.UpsertFlywheelState(ctx, st); err != nil {
		t.Fatalf("re-upsert flywheel state: %v", err)
	}
	fetched, err = s.GetFlywheelState(ctx, 1)
	if err != nil {
		t.Fatalf("get flywheel state after update: %v", err)
	}
	if fetched.Phase != PhaseSell || fetched.SellCount != 1 {
		t.Errorf("expected updated state, got %+v", fetched)
	}
}

func TestClaimLaunchStatusOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	launch := &PendingLaunch{
		TokenName:      "Foo",
		TokenSymbol:    "FOO",
		DepositAddress: "Deposit1",
		MinDepositSOL:  0.1,
		Status:         LaunchAwaitingDeposit,
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	id, err := s.CreatePendingLaunch(ctx, launch)
	if err != nil {
		t.Fatalf("create pending launch: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	results := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			claimed, err := s.ClaimLaunchStatus(ctx, id, LaunchAwaitingDeposit, LaunchLaunching)
			if err != nil {
				t.Errorf("claim launch status: %v", err)
				return
			}
			results[idx] = claimed
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, r := range results {
		if r {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly 1 winner, got %d", wins)
	}

	fetched, err := s.GetPendingLaunch(ctx, id)
	if err != nil {
		t.Fatalf("get pending launch: %v", err)
	}
	if fetched.Status != LaunchLaunching {
		t.Errorf("expected status launching, got %s", fetched.Status)
	}

	// A second transition from the now-stale "from" status must fail.
	claimed, err := s.ClaimLaunchStatus(ctx, id, LaunchAwaitingDeposit, LaunchLaunching)
	if err != nil {
		t.Fatalf("claim launch status again: %v", err)
	}
	if claimed {
		t.Error("expected second claim attempt from stale status to fail")
	}
}

func TestPendingLaunchesInStatusAndAwaitingDepositLookup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	l1 := &PendingLaunch{TokenName: "A", TokenSymbol: "A", DepositAddress: "AddrA", MinDepositSOL: 0.1, Status: LaunchAwaitingDeposit, ExpiresAt: time.Now().Add(time.Hour)}
	l2 := &PendingLaunch{TokenName: "B", TokenSymbol: "B", DepositAddress: "AddrB", MinDepositSOL: 0.1, Status: LaunchCompleted, ExpiresAt: time.Now().Add(time.Hour)}
	if _, err := s.CreatePendingLaunch(ctx, l1); err != nil {
		t.Fatalf("create l1: %v", err)
	}
	if _, err := s.CreatePendingLaunch(ctx, l2); err != nil {
		t.Fatalf("create l2: %v", err)
	}

	has, err := s.HasAwaitingDepositForAddress(ctx, "AddrA")
	if err != nil {
		t.Fatalf("has awaiting deposit: %v", err)
	}
	if !has {
		t.Error("expected AddrA to have an awaiting-deposit launch")
	}

	has, err = s.HasAwaitingDepositForAddress(ctx, "AddrB")
	if err != nil {
		t.Fatalf("has awaiting deposit: %v", err)
	}
	if has {
		t.Error("expected AddrB to have no awaiting-deposit launch")
	}

	awaiting, err := s.PendingLaunchesInStatus(ctx, []LaunchStatus{LaunchAwaitingDeposit, LaunchRetryPending})
	if err != nil {
		t.Fatalf("pending launches in status: %v", err)
	}
	if len(awaiting) != 1 || awaiting[0].DepositAddress != "AddrA" {
		t.Errorf("expected only AddrA awaiting, got %+v", awaiting)
	}
}

func TestAppendOnlyHistoryInserts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	txID, err := s.InsertTransaction(ctx, &TransactionRecord{TokenID: 1, Type: TxBuy, Amount: 0.05, Status: TxConfirmed})
	if err != nil {
		t.Fatalf("insert transaction: %v", err)
	}
	if txID == 0 {
		t.Error("expected non-zero transaction id")
	}

	claimID, err := s.InsertClaim(ctx, &ClaimRecord{TokenID: 1, TotalAmount: 1.0, PlatformFeeAmount: 0.1, UserShareAmount: 0.9})
	if err != nil {
		t.Fatalf("insert claim: %v", err)
	}
	if claimID == 0 {
		t.Error("expected non-zero claim id")
	}

	eventID, err := s.InsertAuditEvent(ctx, &AuditEvent{TokenID: 1, Kind: "suspend", DetailJSON: `{"reason":"manual"}`})
	if err != nil {
		t.Fatalf("insert audit event: %v", err)
	}
	if eventID == 0 {
		t.Error("expected non-zero audit event id")
	}
}

func TestBalanceSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	snap := &BalanceSnapshot{TokenID: 1, DevSOL: 1.5, OpsSOL: 2.5, ClaimableSOL: 0.3}
	if err := s.UpsertBalanceSnapshot(ctx, snap); err != nil {
		t.Fatalf("upsert balance snapshot: %v", err)
	}

	fetched, err := s.GetBalanceSnapshot(ctx, 1)
	if err != nil {
		t.Fatalf("get balance snapshot: %v", err)
	}
	if fetched.DevSOL != 1.5 || fetched.ClaimableSOL != 0.3 {
		t.Errorf("unexpected snapshot: %+v", fetched)
	}
}

func TestTokensEligibleForReactive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	opsWallet := &Wallet{Address: "OpsReactive", Type: WalletOps}
	if _, err := s.CreateWallet(ctx, opsWallet); err != nil {
		t.Fatalf("create ops wallet: %v", err)
	}
	devWallet := &Wallet{Address: "DevReactive", Type: WalletDev}
	if _, err := s.CreateWallet(ctx, devWallet); err != nil {
		t.Fatalf("create dev wallet: %v", err)
	}

	token := &Token{Mint: "ReactiveMint", Name: "R", Symbol: "R", Source: SourceLaunched, DevWalletID: devWallet.ID, OpsWalletID: opsWallet.ID, Active: true}
	tokenID, err := s.CreateToken(ctx, token)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	cfg := &TokenConfig{
		TokenID:         tokenID,
		Algorithm:       AlgoTransactionReactive,
		MinBuySOL:       0.01,
		MaxBuySOL:       0.05,
		SlippageBps:     500,
		FlywheelActive:  true,
		ReactiveEnabled: true,
		MinTriggerSOL:   0.2,
		ScalePct:        50,
		MaxResponsePct:  30,
		CooldownMs:      30000,
	}
	if err := s.UpsertTokenConfig(ctx, cfg); err != nil {
		t.Fatalf("upsert config: %v", err)
	}

	entries, err := s.TokensEligibleForReactive(ctx)
	if err != nil {
		t.Fatalf("tokens eligible for reactive: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 reactive entry, got %d", len(entries))
	}
	if entries[0].Mint != "ReactiveMint" || entries[0].OpsWalletAddr != "OpsReactive" {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
	if entries[0].MinTriggerSOL != 0.2 {
		t.Errorf("expected min trigger 0.2, got %f", entries[0].MinTriggerSOL)
	}
}
