package amm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestQuoteIsBuy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"inputMint":"`+SOLMint+`","outputMint":"Mint1","inAmount":"1000000","outAmount":"500000","priceImpactPct":"0.01"}`)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, nil)
	quote, err := client.Quote(context.Background(), SOLMint, "Mint1", 1_000_000, 100, "buy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !quote.IsBuy() {
		t.Error("expected IsBuy to be true when input is SOL")
	}
	if quote.OutAmountAtomic() != 500000 {
		t.Errorf("expected 500000, got %d", quote.OutAmountAtomic())
	}
}

func TestSwapTxRoundTripsRawQuote(t *testing.T) {
	var received string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/swap" {
			body := make([]byte, r.ContentLength)
			r.Body.Read(body)
			received = string(body)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"swapTransaction":"dGVzdA==","lastValidBlockHeight":123}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"inputMint":"Mint1","outputMint":"`+SOLMint+`","inAmount":"1","outAmount":"1","priceImpactPct":"0"}`)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, []string{"key1", "key2"})
	quote, err := client.Quote(context.Background(), "Mint1", SOLMint, 1, 100, "sell")
	if err != nil {
		t.Fatalf("quote error: %v", err)
	}
	result, err := client.SwapTx(context.Background(), "Wallet1", quote)
	if err != nil {
		t.Fatalf("swap error: %v", err)
	}
	if result.LastValidBlockHeight != 123 {
		t.Errorf("expected height 123, got %d", result.LastValidBlockHeight)
	}
	if received == "" {
		t.Error("expected swap request body to be captured")
	}
}

func TestClaimablePositions(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"mint":"Mint1","symbol":"FOO","claimableAmountSol":0.2}]`)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, nil)
	positions, err := client.ClaimablePositions(context.Background(), "Wallet1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 1 || positions[0].ClaimableAmtSOL != 0.2 {
		t.Errorf("unexpected positions: %+v", positions)
	}
}
