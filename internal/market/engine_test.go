package market

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/nullseed/flywheel-engine/internal/amm"
)

// quoteServer returns quotes whose price increases each call, driving RSI up.
func quoteServer(t *testing.T, priceFn func(call int) (in, out uint64)) *httptest.Server {
	t.Helper()
	var calls atomic.Int64
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		in, out := priceFn(n)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"inputMint":"%s","outputMint":"mint","inAmount":"%s","outAmount":"%s","priceImpactPct":"0"}`,
			amm.SOLMint, strconv.FormatUint(in, 10), strconv.FormatUint(out, 10))
	}))
}

func TestFetchCurrentCachesWithinTTL(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"inputMint":"%s","outputMint":"mint","inAmount":"1000000000","outAmount":"500000000"}`, amm.SOLMint)
	}))
	defer ts.Close()

	client := amm.NewClient(ts.URL, nil)
	engine := NewEngine(client)

	snap1, err := engine.FetchCurrent(context.Background(), "mint")
	if err != nil {
		t.Fatalf("fetch current: %v", err)
	}
	if snap1 == nil {
		t.Fatal("expected snapshot")
	}
	if snap1.Price != 2.0 {
		t.Errorf("expected price 2.0, got %f", snap1.Price)
	}

	snap2, err := engine.FetchCurrent(context.Background(), "mint")
	if err != nil {
		t.Fatalf("fetch current again: %v", err)
	}
	if snap2.SampledAt != snap1.SampledAt {
		t.Error("expected cached snapshot within TTL")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls.Load())
	}
}

func TestSignalsRisingPriceProducesUptrend(t *testing.T) {
	ts := quoteServer(t, func(call int) (uint64, uint64) {
		// price = in/out; shrink "out" each call so price rises monotonically.
		out := uint64(1_000_000_000 - call*10_000_000)
		return 1_000_000_000, out
	})
	defer ts.Close()

	client := amm.NewClient(ts.URL, nil)
	engine := NewEngine(client)

	var sig *Signals
	for i := 0; i < 20; i++ {
		w := engine.windowFor("mint")
		w.mu.Lock()
		w.cachedPrice = nil
		w.mu.Unlock()
		var err error
		sig, err = engine.Signals(context.Background(), "mint")
		if err != nil {
			t.Fatalf("signals: %v", err)
		}
	}

	if sig.Trend.Direction != "up" {
		t.Errorf("expected uptrend, got %s (rsi=%.1f)", sig.Trend.Direction, sig.Trend.RSI)
	}
	if sig.Trend.RSI <= 50 {
		t.Errorf("expected RSI above neutral for a monotonic uptrend, got %.1f", sig.Trend.RSI)
	}
}

func TestOptimalSignalHoldsWithInsufficientHistory(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"inputMint":"%s","outputMint":"mint","inAmount":"1000000000","outAmount":"500000000"}`, amm.SOLMint)
	}))
	defer ts.Close()

	client := amm.NewClient(ts.URL, nil)
	engine := NewEngine(client)

	sig, err := engine.OptimalSignal(context.Background(), "mint")
	if err != nil {
		t.Fatalf("optimal signal: %v", err)
	}
	if sig.Action != ActionHold {
		t.Errorf("expected hold with a single sample, got %s", sig.Action)
	}
	if len(sig.Reasons) == 0 {
		t.Error("expected at least one reason")
	}
}

func TestFetchCurrentReturnsNilOnQuoteFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := amm.NewClient(ts.URL, nil)
	engine := NewEngine(client)

	snap, err := engine.FetchCurrent(context.Background(), "mint")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if snap != nil {
		t.Errorf("expected nil snapshot on quote failure, got %+v", snap)
	}
}
