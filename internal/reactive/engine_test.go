package reactive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nullseed/flywheel-engine/internal/amm"
	"github.com/nullseed/flywheel-engine/internal/chain"
	"github.com/nullseed/flywheel-engine/internal/custody"
	"github.com/nullseed/flywheel-engine/internal/flywheel"
	"github.com/nullseed/flywheel-engine/internal/store"
	"github.com/nullseed/flywheel-engine/internal/txexec"
	"github.com/nullseed/flywheel-engine/internal/webhook"
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

func chainServer(t *testing.T, opsLamports uint64, opsTokenAtomic uint64, sendCount *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")

		switch req.Method {
		case "getBalance":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","result":{"value":%d},"id":1}`, opsLamports)
		case "getLatestBlockhash":
			fmt.Fprint(w, `{"jsonrpc":"2.0","result":{"value":{"blockhash":"11111111111111111111111111111111","lastValidBlockHeight":1}},"id":1}`)
		case "sendTransaction":
			if sendCount != nil {
				atomic.AddInt64(sendCount, 1)
			}
			fmt.Fprint(w, `{"jsonrpc":"2.0","result":"Sig1","id":1}`)
		case "getSignatureStatuses":
			fmt.Fprint(w, `{"jsonrpc":"2.0","result":{"value":[{"slot":1,"confirmationStatus":"confirmed"}]},"id":1}`)
		case "getTokenAccountsByOwner":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","result":{"value":[{"pubkey":"Acct1","account":{"data":{"parsed":{"info":{"tokenAmount":{"amount":"%d","decimals":6}}}}}}]},"id":1}`, opsTokenAtomic)
		default:
			fmt.Fprint(w, `{"jsonrpc":"2.0","result":{},"id":1}`)
		}
	}))
}

func ammServer(t *testing.T, tokensPerSOL uint64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/quote":
			in := r.URL.Query().Get("amount")
			fmt.Fprintf(w, `{"inputMint":"%s","outputMint":"mint","inAmount":"%s","outAmount":"%d","priceImpactPct":"0"}`, amm.SOLMint, in, tokensPerSOL)
		case r.URL.Path == "/swap":
			fmt.Fprint(w, `{"swapTransaction":"dW5zaWduZWQ=","lastValidBlockHeight":1}`)
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

func seedReactiveToken(t *testing.T, st *store.SQLiteStore) (*store.Token, *store.Wallet) {
	t.Helper()
	ctx := context.Background()

	dev := &store.Wallet{Address: "Dev1", Type: store.WalletDev}
	ops := &store.Wallet{Address: "Ops1", Type: store.WalletOps}
	if _, err := st.CreateWallet(ctx, dev); err != nil {
		t.Fatalf("create dev wallet: %v", err)
	}
	if _, err := st.CreateWallet(ctx, ops); err != nil {
		t.Fatalf("create ops wallet: %v", err)
	}

	token := &store.Token{
		Mint: "Mint1", Name: "Test", Symbol: "TST", Decimals: 6,
		Source: store.SourceRegistered, DevWalletID: dev.ID, OpsWalletID: ops.ID, Active: true,
	}
	id, err := st.CreateToken(ctx, token)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	token.ID = id

	cfg := &store.TokenConfig{
		TokenID:         id,
		Algorithm:       store.AlgoTransactionReactive,
		MinBuySOL:       0.01,
		MaxBuySOL:       0.05,
		SlippageBps:     500,
		FlywheelActive:  true,
		ReactiveEnabled: true,
		MinTriggerSOL:   0.1,
		ScalePct:        50,
		MaxResponsePct:  20,
		CooldownMs:      60_000,
	}
	if err := st.UpsertTokenConfig(ctx, cfg); err != nil {
		t.Fatalf("upsert config: %v", err)
	}
	return token, ops
}

func buildEngine(t *testing.T, st *store.SQLiteStore, chainTS, ammTS, custodyTS *httptest.Server) *Engine {
	t.Helper()
	rpc := chain.NewRPCClient(chainTS.URL, chainTS.URL, "")
	ammClient := amm.NewClient(ammTS.URL, nil)
	custodyClient := custody.NewClient(custodyTS.URL, "token")
	executor := txexec.NewExecutor(rpc, custodyClient, nil)
	sched := flywheel.NewScheduler(st, rpc, ammClient, executor, nil, nil, flywheel.Config{})
	e := NewEngine(st, sched)
	if err := e.RefreshCache(context.Background()); err != nil {
		t.Fatalf("refresh cache: %v", err)
	}
	return e
}

func buyEvent(sig string, lamports uint64) webhook.SwapEvent {
	return webhook.SwapEvent{
		Signature: sig,
		Type:      "SWAP",
		FeePayer:  "SomeTrader",
		Events: webhook.EventsBlock{
			Swap: &webhook.SwapDetail{
				NativeInput:  &webhook.NativeAmount{Account: "SomeTrader", Amount: fmt.Sprintf("%d", lamports)},
				TokenOutputs: []webhook.TokenAmount{{Mint: "Mint1", TokenAmount: 1000, UserAccount: "SomeTrader"}},
			},
		},
	}
}

func TestProcessDedupsSignature(t *testing.T) {
	st := newTestStore(t)
	var sendCount int64
	chainTS := chainServer(t, 1_000_000_000, 500_000_000, &sendCount)
	defer chainTS.Close()
	ammTS := ammServer(t, 5_000_000)
	defer ammTS.Close()
	custodyTS := custodySignServer(t)
	defer custodyTS.Close()

	seedReactiveToken(t, st)
	e := buildEngine(t, st, chainTS, ammTS, custodyTS)

	event := buyEvent("Sig1", 200_000_000) // 0.2 SOL, above the 0.1 trigger
	e.Process(event)
	time.Sleep(20 * time.Millisecond)
	e.Process(event) // duplicate signature, must not trade twice

	if got := atomic.LoadInt64(&sendCount); got != 1 {
		t.Errorf("expected exactly 1 broadcast despite duplicate event, got %d", got)
	}
}

func TestProcessSkipsSelfTransaction(t *testing.T) {
	st := newTestStore(t)
	var sendCount int64
	chainTS := chainServer(t, 1_000_000_000, 500_000_000, &sendCount)
	defer chainTS.Close()
	ammTS := ammServer(t, 5_000_000)
	defer ammTS.Close()
	custodyTS := custodySignServer(t)
	defer custodyTS.Close()

	seedReactiveToken(t, st)
	e := buildEngine(t, st, chainTS, ammTS, custodyTS)

	event := buyEvent("Sig1", 200_000_000)
	event.FeePayer = "Ops1" // the token's own ops wallet
	e.Process(event)

	if got := atomic.LoadInt64(&sendCount); got != 0 {
		t.Errorf("expected self-transaction to be filtered, got %d broadcasts", got)
	}
}

func TestProcessSkipsBelowTriggerThreshold(t *testing.T) {
	st := newTestStore(t)
	var sendCount int64
	chainTS := chainServer(t, 1_000_000_000, 500_000_000, &sendCount)
	defer chainTS.Close()
	ammTS := ammServer(t, 5_000_000)
	defer ammTS.Close()
	custodyTS := custodySignServer(t)
	defer custodyTS.Close()

	seedReactiveToken(t, st)
	e := buildEngine(t, st, chainTS, ammTS, custodyTS)

	event := buyEvent("Sig1", 50_000_000) // 0.05 SOL, below the 0.1 trigger
	e.Process(event)

	if got := atomic.LoadInt64(&sendCount); got != 0 {
		t.Errorf("expected below-threshold event to be skipped, got %d broadcasts", got)
	}
}

func TestProcessDispatchesCounterSellOnObservedBuy(t *testing.T) {
	st := newTestStore(t)
	var sendCount int64
	chainTS := chainServer(t, 1_000_000_000, 500_000_000, &sendCount)
	defer chainTS.Close()
	ammTS := ammServer(t, 5_000_000)
	defer ammTS.Close()
	custodyTS := custodySignServer(t)
	defer custodyTS.Close()

	seedReactiveToken(t, st)
	e := buildEngine(t, st, chainTS, ammTS, custodyTS)

	event := buyEvent("Sig1", 200_000_000) // 0.2 SOL observed buy
	e.Process(event)

	if got := atomic.LoadInt64(&sendCount); got != 1 {
		t.Errorf("expected one counter-trade broadcast, got %d", got)
	}
}

func TestProcessRespectsCooldown(t *testing.T) {
	st := newTestStore(t)
	var sendCount int64
	chainTS := chainServer(t, 1_000_000_000, 500_000_000, &sendCount)
	defer chainTS.Close()
	ammTS := ammServer(t, 5_000_000)
	defer ammTS.Close()
	custodyTS := custodySignServer(t)
	defer custodyTS.Close()

	seedReactiveToken(t, st)
	e := buildEngine(t, st, chainTS, ammTS, custodyTS)

	e.Process(buyEvent("Sig1", 200_000_000))
	e.Process(buyEvent("Sig2", 200_000_000)) // distinct signature, but within cooldown

	if got := atomic.LoadInt64(&sendCount); got != 1 {
		t.Errorf("expected cooldown to suppress the second trade, got %d broadcasts", got)
	}
}
