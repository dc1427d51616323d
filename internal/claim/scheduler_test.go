package claim

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/nullseed/flywheel-engine/internal/amm"
	"github.com/nullseed/flywheel-engine/internal/chain"
	"github.com/nullseed/flywheel-engine/internal/custody"
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

// chainServer mocks getBalance as a sequence of responses (first call returns
// balances[0], second balances[1], ...), counting sendTransaction calls so
// tests can assert how many signed transactions were actually broadcast.
func chainServer(t *testing.T, balances []uint64, sendCount *int64) *httptest.Server {
	t.Helper()
	call := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")

		switch req.Method {
		case "getBalance":
			idx := call
			if idx >= len(balances) {
				idx = len(balances) - 1
			}
			call++
			fmt.Fprintf(w, `{"jsonrpc":"2.0","result":{"value":%d},"id":1}`, balances[idx])
		case "getLatestBlockhash":
			fmt.Fprint(w, `{"jsonrpc":"2.0","result":{"value":{"blockhash":"11111111111111111111111111111111","lastValidBlockHeight":1}},"id":1}`)
		case "sendTransaction":
			atomic.AddInt64(sendCount, 1)
			fmt.Fprint(w, `{"jsonrpc":"2.0","result":"Sig1","id":1}`)
		case "getSignatureStatuses":
			fmt.Fprint(w, `{"jsonrpc":"2.0","result":{"value":[{"slot":1,"confirmationStatus":"confirmed"}]},"id":1}`)
		default:
			fmt.Fprint(w, `{"jsonrpc":"2.0","result":{},"id":1}`)
		}
	}))
}

func ammServer(t *testing.T, claimableSOL float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet:
			fmt.Fprintf(w, `[{"mint":"Mint1","symbol":"TST","claimableAmountSol":%f}]`, claimableSOL)
		case r.URL.Path == "/claim":
			fmt.Fprint(w, `{"transactions":["dW5zaWduZWQ="]}`)
		default:
			fmt.Fprint(w, `{}`)
		}
	}))
}

func custodySignServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"signedTransaction":"c2lnbmVk"}`)
	}))
}

func seedToken(t *testing.T, st *store.SQLiteStore, source store.TokenSource, cfg *store.TokenConfig) *store.Token {
	t.Helper()
	ctx := context.Background()

	dev := &store.Wallet{Address: "5EdYzaq7YoRuSw47gk2Qv1pdn57J8GfgDG4eTMJxjik2", Type: store.WalletDev}
	ops := &store.Wallet{Address: "7z1FoCUbWpNJYkqyESAWCkj2tcDx6KrwszHLEz4PBTKK", Type: store.WalletOps}
	if _, err := st.CreateWallet(ctx, dev); err != nil {
		t.Fatalf("create dev wallet: %v", err)
	}
	if _, err := st.CreateWallet(ctx, ops); err != nil {
		t.Fatalf("create ops wallet: %v", err)
	}

	token := &store.Token{
		Mint:        "Mint1",
		Name:        "Test",
		Symbol:      "TST",
		Decimals:    6,
		Source:      source,
		DevWalletID: dev.ID,
		OpsWalletID: ops.ID,
		Active:      true,
	}
	id, err := st.CreateToken(ctx, token)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	token.ID = id

	cfg.TokenID = id
	cfg.AutoClaimEnabled = true
	if err := st.UpsertTokenConfig(ctx, cfg); err != nil {
		t.Fatalf("upsert config: %v", err)
	}
	return token
}

func buildScheduler(t *testing.T, st *store.SQLiteStore, chainTS, ammTS, custodyTS *httptest.Server, cfg Config) *Scheduler {
	t.Helper()
	rpc := chain.NewRPCClient(chainTS.URL, chainTS.URL, "")
	ammClient := amm.NewClient(ammTS.URL, nil)
	custodyClient := custody.NewClient(custodyTS.URL, "token")
	executor := txexec.NewExecutor(rpc, custodyClient, nil)
	return NewScheduler(st, rpc, ammClient, executor, cfg)
}

func TestFastCycleSkipsBelowThreshold(t *testing.T) {
	st := newTestStore(t)
	var sendCount int64
	chainTS := chainServer(t, []uint64{1_000_000_000}, &sendCount)
	defer chainTS.Close()
	ammTS := ammServer(t, 0.05) // below default 0.15 threshold
	defer ammTS.Close()
	custodyTS := custodySignServer(t)
	defer custodyTS.Close()

	seedToken(t, st, store.SourceRegistered, &store.TokenConfig{SlippageBps: 500})
	sched := buildScheduler(t, st, chainTS, ammTS, custodyTS, Config{})
	sched.FastCycle(context.Background())

	if got := atomic.LoadInt64(&sendCount); got != 0 {
		t.Errorf("expected no transactions sent below fast-claim threshold, got %d", got)
	}
}

func TestFastCycleClaimsAboveThresholdAndSplitsFee(t *testing.T) {
	st := newTestStore(t)
	var sendCount int64
	// pre-claim 1.0 SOL, post-claim 1.2 SOL -> claimed 0.2 SOL.
	chainTS := chainServer(t, []uint64{1_000_000_000, 1_200_000_000}, &sendCount)
	defer chainTS.Close()
	ammTS := ammServer(t, 0.2)
	defer ammTS.Close()
	custodyTS := custodySignServer(t)
	defer custodyTS.Close()

	seedToken(t, st, store.SourceRegistered, &store.TokenConfig{SlippageBps: 500})
	sched := buildScheduler(t, st, chainTS, ammTS, custodyTS, Config{PlatformOpsWallet: "DzGcA74XWFuCjjdv93UXPL3vGJwRoYEg6j99dhGu3zv1"})
	sched.FastCycle(context.Background())

	// transferable = 0.2 - 0.01 reserve = 0.19; platform fee 10% = 0.019,
	// user share 0.171 -- both above the 0.001 SOL dust floor, so 1 claim tx
	// + 2 split transfers = 3 broadcasts.
	if got := atomic.LoadInt64(&sendCount); got != 3 {
		t.Errorf("expected 3 transactions (claim + platform fee + user share), got %d", got)
	}
}

func TestPlatformTokenSkipsFeeSplit(t *testing.T) {
	st := newTestStore(t)
	var sendCount int64
	chainTS := chainServer(t, []uint64{1_000_000_000, 1_200_000_000}, &sendCount)
	defer chainTS.Close()
	ammTS := ammServer(t, 0.2)
	defer ammTS.Close()
	custodyTS := custodySignServer(t)
	defer custodyTS.Close()

	token := seedToken(t, st, store.SourcePlatform, &store.TokenConfig{SlippageBps: 500})
	sched := buildScheduler(t, st, chainTS, ammTS, custodyTS, Config{PlatformOpsWallet: "DzGcA74XWFuCjjdv93UXPL3vGJwRoYEg6j99dhGu3zv1"})

	if err := sched.claimToken(context.Background(), token); err != nil {
		t.Fatalf("claimToken: %v", err)
	}

	// claim tx + a single 100%-of-transferable transfer to ops, no platform
	// fee transfer.
	if got := atomic.LoadInt64(&sendCount); got != 2 {
		t.Errorf("expected 2 transactions (claim + ops transfer, no fee split), got %d", got)
	}
}
