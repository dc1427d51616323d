package deposit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/nullseed/flywheel-engine/internal/amm"
	"github.com/nullseed/flywheel-engine/internal/chain"
	"github.com/nullseed/flywheel-engine/internal/custody"
	"github.com/nullseed/flywheel-engine/internal/notify"
	"github.com/nullseed/flywheel-engine/internal/store"
	"github.com/nullseed/flywheel-engine/internal/txexec"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func rpcServer(t *testing.T, balanceLamports uint64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chain.Request
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "getBalance":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","result":{"value":%d},"id":1}`, balanceLamports)
		case "getLatestBlockhash":
			fmt.Fprint(w, `{"jsonrpc":"2.0","result":{"value":{"blockhash":"11111111111111111111111111111111","lastValidBlockHeight":1}},"id":1}`)
		case "sendTransaction":
			fmt.Fprint(w, `{"jsonrpc":"2.0","result":"RefundSig1","id":1}`)
		case "getSignatureStatuses":
			fmt.Fprint(w, `{"jsonrpc":"2.0","result":{"value":[{"slot":1,"confirmationStatus":"confirmed"}]},"id":1}`)
		case "getSignaturesForAddress":
			fmt.Fprint(w, `{"jsonrpc":"2.0","result":[{"signature":"Sig1","slot":1}],"id":1}`)
		case "getTransaction":
			fmt.Fprint(w, `{"jsonrpc":"2.0","result":{"slot":1,"meta":{"err":null},"transaction":{"message":{"instructions":[{"program":"system","parsed":{"type":"transfer","info":{"source":"7batUQBvsRaCKLvrofVtyxcu86q1q5pqNHNXVggDNyym","destination":"DU6EHZsLm2sv6vFqPnBjUJCufaXzkqx4ZRZmwjQwJrjr","lamports":500000000}}}]}}},"id":1}`)
		default:
			fmt.Fprint(w, `{"jsonrpc":"2.0","result":{},"id":1}`)
		}
	}))
}

func TestProcessLaunchCompletesOnSufficientDeposit(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	rpcTS := rpcServer(t, 200_000_000) // 0.2 SOL, above default 0.1 min
	defer rpcTS.Close()

	custodyTS := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"address":"OpsWallet1","custodyHandle":"handle-1"}`)
	}))
	defer custodyTS.Close()

	ammTS := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"mint":"NewMint1","decimals":6,"poolAddress":"Pool1"}`)
	}))
	defer ammTS.Close()

	rpc := chain.NewRPCClient(rpcTS.URL, rpcTS.URL, "")
	ammClient := amm.NewClient(ammTS.URL, nil)
	custodyClient := custody.NewClient(custodyTS.URL, "token")
	executor := txexec.NewExecutor(rpc, custodyClient, nil)

	launch := &store.PendingLaunch{
		OwnerID:        "owner1",
		TokenName:      "Foo",
		TokenSymbol:    "FOO",
		DepositAddress: "Deposit1",
		MinDepositSOL:  0.1,
		Status:         store.LaunchAwaitingDeposit,
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	id, err := st.CreatePendingLaunch(ctx, launch)
	if err != nil {
		t.Fatalf("create pending launch: %v", err)
	}

	w := NewWatcher(st, rpc, ammClient, custodyClient, executor, notify.NopNotifier{}, Config{})
	w.Tick(ctx)

	updated, err := st.GetPendingLaunch(ctx, id)
	if err != nil {
		t.Fatalf("get pending launch: %v", err)
	}
	if updated.Status != store.LaunchCompleted {
		t.Fatalf("expected completed, got %s (last_error=%s)", updated.Status, updated.LastError)
	}

	token, err := st.GetTokenByMint(ctx, "NewMint1")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if token == nil {
		t.Fatal("expected launched token to exist")
	}
	if !token.Active || token.Source != store.SourceLaunched {
		t.Errorf("unexpected token: %+v", token)
	}

	cfg, err := st.GetTokenConfig(ctx, token.ID)
	if err != nil {
		t.Fatalf("get token config: %v", err)
	}
	if cfg == nil || !cfg.FlywheelActive || cfg.Algorithm != store.AlgoSimple {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestProcessLaunchSkipsBelowMinimumDeposit(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	rpcTS := rpcServer(t, 1_000_000) // 0.001 SOL, below the 0.1 min
	defer rpcTS.Close()

	rpc := chain.NewRPCClient(rpcTS.URL, rpcTS.URL, "")
	ammClient := amm.NewClient("http://unused", nil)
	custodyClient := custody.NewClient("http://unused", "token")
	executor := txexec.NewExecutor(rpc, custodyClient, nil)

	launch := &store.PendingLaunch{
		OwnerID:        "owner1",
		TokenName:      "Foo",
		TokenSymbol:    "FOO",
		DepositAddress: "Deposit1",
		MinDepositSOL:  0.1,
		Status:         store.LaunchAwaitingDeposit,
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	id, _ := st.CreatePendingLaunch(ctx, launch)

	w := NewWatcher(st, rpc, ammClient, custodyClient, executor, notify.NopNotifier{}, Config{})
	w.Tick(ctx)

	updated, _ := st.GetPendingLaunch(ctx, id)
	if updated.Status != store.LaunchAwaitingDeposit {
		t.Errorf("expected still awaiting deposit, got %s", updated.Status)
	}
}

func TestHandleExpiryWithDustMarksExpiredNoRefund(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	rpcTS := rpcServer(t, 0)
	defer rpcTS.Close()

	rpc := chain.NewRPCClient(rpcTS.URL, rpcTS.URL, "")
	ammClient := amm.NewClient("http://unused", nil)
	custodyClient := custody.NewClient("http://unused", "token")
	executor := txexec.NewExecutor(rpc, custodyClient, nil)

	launch := &store.PendingLaunch{
		OwnerID:        "owner1",
		TokenName:      "Foo",
		TokenSymbol:    "FOO",
		DepositAddress: "Deposit1",
		MinDepositSOL:  0.1,
		Status:         store.LaunchAwaitingDeposit,
		ExpiresAt:      time.Now().Add(-time.Minute),
	}
	id, _ := st.CreatePendingLaunch(ctx, launch)

	w := NewWatcher(st, rpc, ammClient, custodyClient, executor, notify.NopNotifier{}, Config{})
	w.Tick(ctx)

	updated, _ := st.GetPendingLaunch(ctx, id)
	if updated.Status != store.LaunchExpired {
		t.Errorf("expected expired, got %s", updated.Status)
	}
}

func TestHandleExpiryWithDepositTriggersRefund(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	rpcTS := rpcServer(t, 500_000_000) // 0.5 SOL left in the dev wallet
	defer rpcTS.Close()

	custodyTS := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"signedTransaction":"c2lnbmVk"}`)
	}))
	defer custodyTS.Close()

	rpc := chain.NewRPCClient(rpcTS.URL, rpcTS.URL, "")
	ammClient := amm.NewClient("http://unused", nil)
	custodyClient := custody.NewClient(custodyTS.URL, "token")
	executor := txexec.NewExecutor(rpc, custodyClient, nil)

	launch := &store.PendingLaunch{
		OwnerID:        "owner1",
		TokenName:      "Foo",
		TokenSymbol:    "FOO",
		DepositAddress: "DU6EHZsLm2sv6vFqPnBjUJCufaXzkqx4ZRZmwjQwJrjr",
		MinDepositSOL:  0.1,
		Status:         store.LaunchAwaitingDeposit,
		ExpiresAt:      time.Now().Add(-time.Minute),
	}
	id, _ := st.CreatePendingLaunch(ctx, launch)

	w := NewWatcher(st, rpc, ammClient, custodyClient, executor, notify.NopNotifier{}, Config{})
	w.Tick(ctx)

	updated, err := st.GetPendingLaunch(ctx, id)
	if err != nil {
		t.Fatalf("get pending launch: %v", err)
	}
	if updated.Status != store.LaunchRefunded {
		t.Fatalf("expected refunded, got %s (last_error=%s)", updated.Status, updated.LastError)
	}
}
