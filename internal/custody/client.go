// Package custody wraps the delegated-signing HSM-like service: given a
// wallet address and an unsigned transaction it returns a signed transaction
// or broadcasts directly. No private key material ever enters this process.
package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

// Kind classifies a custody failure for the Tx Executor's retry policy.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotAuthorized
	KindWalletNotFound
	KindInvalidTransaction
	KindUpstreamUnavailable
)

// Error is a classified custody-service failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
}

func (e *Error) Error() string { return e.Message }

// Retryable reports whether the Tx Executor should retry this failure.
func (e *Error) Retryable() bool { return e.Kind == KindUpstreamUnavailable }

// clientPool is an HTTP/2-pooled round-robin set of clients, the same
// connection-pooling shape used for outbound AMM calls.
type clientPool struct {
	clients []*http.Client
	idx     int
}

func newClientPool(size int, timeout time.Duration) *clientPool {
	pool := &clientPool{clients: make([]*http.Client, size)}
	for i := 0; i < size; i++ {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		http2.ConfigureTransport(transport)
		pool.clients[i] = &http.Client{Transport: transport, Timeout: timeout}
	}
	return pool
}

func (p *clientPool) get() *http.Client {
	c := p.clients[p.idx%len(p.clients)]
	p.idx++
	return c
}

// Client is the custody service HTTP client.
type Client struct {
	baseURL string
	token   string
	pool    *clientPool
}

// NewClient builds a custody client against baseURL, authenticating every
// request with a bearer token.
func NewClient(baseURL, bearerToken string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   bearerToken,
		pool:    newClientPool(4, 15*time.Second),
	}
}

type signRequest struct {
	WalletAddress string `json:"walletAddress"`
	Transaction   string `json:"transaction"`
}

type signResponse struct {
	SignedTransaction string `json:"signedTransaction"`
	Signature         string `json:"signature"`
}

// Sign returns the input transaction with the wallet's signature applied.
// The caller is responsible for the blockhash and fee payer before calling
// Sign — custody MUST NOT mutate either.
func (c *Client) Sign(ctx context.Context, walletAddress, txBase64 string) (string, error) {
	resp, err := c.post(ctx, "/v1/sign", signRequest{WalletAddress: walletAddress, Transaction: txBase64})
	if err != nil {
		return "", err
	}
	var out signResponse
	if err := json.NewDecoder(resp).Decode(&out); err != nil {
		return "", fmt.Errorf("decode sign response: %w", err)
	}
	return out.SignedTransaction, nil
}

// SignAndSend has custody sign and broadcast; the caller polls status.
func (c *Client) SignAndSend(ctx context.Context, walletAddress, txBase64 string) (string, error) {
	resp, err := c.post(ctx, "/v1/sign-and-send", signRequest{WalletAddress: walletAddress, Transaction: txBase64})
	if err != nil {
		return "", err
	}
	var out signResponse
	if err := json.NewDecoder(resp).Decode(&out); err != nil {
		return "", fmt.Errorf("decode sign-and-send response: %w", err)
	}
	return out.Signature, nil
}

type createWalletResponse struct {
	Address       string `json:"address"`
	CustodyHandle string `json:"custodyHandle"`
}

// CreateWallet provisions a new custody-held wallet, used by the Deposit
// Watcher to mint a token's ops wallet at launch time.
func (c *Client) CreateWallet(ctx context.Context) (address, custodyHandle string, err error) {
	resp, err := c.post(ctx, "/v1/wallets", struct{}{})
	if err != nil {
		return "", "", err
	}
	var out createWalletResponse
	if err := json.NewDecoder(resp).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode create-wallet response: %w", err)
	}
	return out.Address, out.CustodyHandle, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (io.Reader, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	client := c.pool.get()
	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindUpstreamUnavailable, Message: fmt.Sprintf("custody request: %v", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		kind := statusToKind(resp.StatusCode)
		log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("custody request failed")
		return nil, &Error{Kind: kind, StatusCode: resp.StatusCode, Message: fmt.Sprintf("custody %s failed (%d): %s", path, resp.StatusCode, string(respBody))}
	}

	return bytes.NewReader(respBody), nil
}

func statusToKind(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindNotAuthorized
	case status == http.StatusNotFound:
		return KindWalletNotFound
	case status == http.StatusBadRequest:
		return KindInvalidTransaction
	case status >= 500:
		return KindUpstreamUnavailable
	default:
		return KindUnknown
	}
}
