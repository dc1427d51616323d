package custody

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSignSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("expected bearer token, got %s", r.Header.Get("Authorization"))
		}
		var req signRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.WalletAddress != "Wallet1" {
			t.Errorf("expected Wallet1, got %s", req.WalletAddress)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"signedTransaction":"signed-base64"}`)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "test-token")
	signed, err := client.Sign(context.Background(), "Wallet1", "unsigned-base64")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signed != "signed-base64" {
		t.Errorf("expected signed-base64, got %s", signed)
	}
}

func TestSignUnauthorizedIsNotRetryable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "bad-token")
	_, err := client.Sign(context.Background(), "Wallet1", "unsigned-base64")
	if err == nil {
		t.Fatal("expected error")
	}
	custodyErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if custodyErr.Kind != KindNotAuthorized {
		t.Errorf("expected KindNotAuthorized, got %v", custodyErr.Kind)
	}
	if custodyErr.Retryable() {
		t.Error("expected NotAuthorized to be non-retryable")
	}
}

func TestCreateWalletSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"address":"NewWallet1","custodyHandle":"handle-1"}`)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "test-token")
	address, handle, err := client.CreateWallet(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if address != "NewWallet1" || handle != "handle-1" {
		t.Errorf("unexpected result: address=%s handle=%s", address, handle)
	}
}

func TestSignAndSendUpstreamUnavailableIsRetryable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "token")
	_, err := client.SignAndSend(context.Background(), "Wallet1", "unsigned-base64")
	custodyErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if !custodyErr.Retryable() {
		t.Error("expected UpstreamUnavailable to be retryable")
	}
}
