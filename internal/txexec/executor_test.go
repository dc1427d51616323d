package txexec

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nullseed/flywheel-engine/internal/chain"
	"github.com/nullseed/flywheel-engine/internal/custody"
)

func TestSendDelegatedSignThenBroadcastConfirms(t *testing.T) {
	custodyTS := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"signedTransaction":"c2lnbmVk"}`)
	}))
	defer custodyTS.Close()

	rpcTS := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chain.Request
		decodeJSON(r, &req)
		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "sendTransaction":
			fmt.Fprint(w, `{"jsonrpc":"2.0","result":"Sig123","id":1}`)
		case "getSignatureStatuses":
			fmt.Fprint(w, `{"jsonrpc":"2.0","result":{"value":[{"slot":1,"confirmationStatus":"confirmed"}]},"id":1}`)
		default:
			fmt.Fprint(w, `{"jsonrpc":"2.0","result":{},"id":1}`)
		}
	}))
	defer rpcTS.Close()

	rpc := chain.NewRPCClient(rpcTS.URL, rpcTS.URL, "")
	custodyClient := custody.NewClient(custodyTS.URL, "token")
	exec := NewExecutor(rpc, custodyClient, nil)

	result := exec.Send(context.Background(), Request{
		Mode:          ModeDelegatedSignThenBroadcast,
		WalletAddress: "Wallet1",
		TxBase64:      "dW5zaWduZWQ=",
	})
	if !result.Success {
		t.Fatalf("expected success, got error: %v", result.Err)
	}
	if result.Signature != "Sig123" {
		t.Errorf("expected Sig123, got %s", result.Signature)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
}

func TestSendRetriesRetryableThenFails(t *testing.T) {
	calls := 0
	rpcTS := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","error":{"code":-1,"message":"blockhash not found"},"id":1}`)
	}))
	defer rpcTS.Close()

	custodyTS := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"signedTransaction":"c2lnbmVk"}`)
	}))
	defer custodyTS.Close()

	rpc := chain.NewRPCClient(rpcTS.URL, rpcTS.URL, "")
	custodyClient := custody.NewClient(custodyTS.URL, "token")
	exec := NewExecutor(rpc, custodyClient, nil)

	result := exec.Send(context.Background(), Request{
		Mode:          ModeDelegatedSignThenBroadcast,
		WalletAddress: "Wallet1",
		TxBase64:      "dW5zaWduZWQ=",
		MaxRetries:    2,
	})
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", result.Attempts)
	}
	if result.ErrKind != chain.KindStaleBlockhash {
		t.Errorf("expected stale blockhash classification, got %v", result.ErrKind)
	}
}

func TestSendRetriesSimulationFailedThenFails(t *testing.T) {
	calls := 0
	rpcTS := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","error":{"code":-32002,"message":"Transaction simulation failed: Error processing Instruction 0"},"id":1}`)
	}))
	defer rpcTS.Close()

	custodyTS := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"signedTransaction":"c2lnbmVk"}`)
	}))
	defer custodyTS.Close()

	rpc := chain.NewRPCClient(rpcTS.URL, rpcTS.URL, "")
	custodyClient := custody.NewClient(custodyTS.URL, "token")
	exec := NewExecutor(rpc, custodyClient, nil)

	result := exec.Send(context.Background(), Request{
		Mode:          ModeDelegatedSignThenBroadcast,
		WalletAddress: "Wallet1",
		TxBase64:      "dW5zaWduZWQ=",
		MaxRetries:    2,
	})
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Attempts != 2 {
		t.Errorf("expected a simulation-failed attempt to be retried, got %d attempts", result.Attempts)
	}
	if result.ErrKind != chain.KindTransientNetwork {
		t.Errorf("expected simulation failure classified retryable (transient_network), got %v", result.ErrKind)
	}
}

func TestSendFatalStopsImmediately(t *testing.T) {
	custodyTS := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer custodyTS.Close()

	rpc := chain.NewRPCClient("http://unused", "http://unused", "")
	custodyClient := custody.NewClient(custodyTS.URL, "bad-token")
	exec := NewExecutor(rpc, custodyClient, nil)

	result := exec.Send(context.Background(), Request{
		Mode:          ModeDelegatedSignThenBroadcast,
		WalletAddress: "Wallet1",
		TxBase64:      "dW5zaWduZWQ=",
		MaxRetries:    3,
	})
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Attempts != 1 {
		t.Errorf("expected a single attempt for a non-retryable failure, got %d", result.Attempts)
	}
}

func decodeJSON(r *http.Request, out interface{}) {
	_ = json.NewDecoder(r.Body).Decode(out)
}
