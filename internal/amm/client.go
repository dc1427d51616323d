// Package amm wraps the bonding-curve/AMM service: quotes, swap-transaction
// generation, claimable-fee positions, claim-transaction generation, and
// token metadata. Side (buy/sell) is implicit in mint ordering — callers
// never pass an explicit side upstream.
package amm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

// SOLMint is the wrapped-SOL mint address used to tell buy from sell.
const SOLMint = "So11111111111111111111111111111111111111112"

type clientPool struct {
	clients []*http.Client
	idx     uint32
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
	log.Info().Int("poolSize", size).Msg("amm HTTP/2 client pool initialized")
	return pool
}

func (p *clientPool) get() *http.Client {
	idx := atomic.AddUint32(&p.idx, 1)
	return p.clients[idx%uint32(len(p.clients))]
}

// Client is the AMM/bonding-curve HTTP client.
type Client struct {
	baseURL string
	pool    *clientPool
	apiKeys []string
	keyIdx  atomic.Uint32
}

// NewClient builds an AMM client rotating across apiKeys on every request.
func NewClient(baseURL string, apiKeys []string) *Client {
	if len(apiKeys) == 0 {
		apiKeys = []string{""}
	}
	return &Client{
		baseURL: baseURL,
		pool:    newClientPool(4, 15*time.Second),
		apiKeys: apiKeys,
	}
}

func (c *Client) nextAPIKey() string {
	idx := c.keyIdx.Add(1) % uint32(len(c.apiKeys))
	return c.apiKeys[idx]
}

// Quote is the parsed quote plus the opaque blob swap_tx needs back.
// Components MUST pass Raw back to SwapTx without inspecting it.
type Quote struct {
	Raw            json.RawMessage `json:"-"`
	InputMint      string          `json:"inputMint"`
	OutputMint     string          `json:"outputMint"`
	InAmount       string          `json:"inAmount"`
	OutAmount      string          `json:"outAmount"`
	PriceImpactPct string          `json:"priceImpactPct"`
	FeeAmount      string          `json:"feeAmount"`
}

// IsBuy reports whether this quote represents a SOL->token trade.
func (q *Quote) IsBuy() bool { return q.InputMint == SOLMint }

// InAmountAtomic parses InAmount as an integer atomic unit count.
func (q *Quote) InAmountAtomic() uint64 {
	v, _ := strconv.ParseUint(q.InAmount, 10, 64)
	return v
}

// OutAmountAtomic parses OutAmount as an integer atomic unit count.
func (q *Quote) OutAmountAtomic() uint64 {
	v, _ := strconv.ParseUint(q.OutAmount, 10, 64)
	return v
}

// Quote fetches a swap quote. side is accepted for caller clarity but never
// transmitted upstream — it is implicit in (inputMint, outputMint) ordering.
func (c *Client) Quote(ctx context.Context, inputMint, outputMint string, amountAtomic uint64, slippageBps int, side string) (*Quote, error) {
	_ = side

	url := fmt.Sprintf("%s/quote?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d",
		c.baseURL, inputMint, outputMint, amountAtomic, slippageBps)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.nextAPIKey())

	resp, err := c.pool.get().Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read quote body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote failed (%d): %s", resp.StatusCode, string(raw))
	}

	var quote Quote
	if err := json.Unmarshal(raw, &quote); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}
	quote.Raw = raw
	return &quote, nil
}

// SwapTxResult is a swap transaction ready for the Tx Executor.
type SwapTxResult struct {
	SerializedTxBase64   string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// SwapTx builds the swap transaction for a previously fetched quote.
func (c *Client) SwapTx(ctx context.Context, walletAddress string, raw *Quote) (*SwapTxResult, error) {
	reqBody := struct {
		QuoteResponse           json.RawMessage `json:"quoteResponse"`
		UserPublicKey           string          `json:"userPublicKey"`
		WrapAndUnwrapSol        bool            `json:"wrapAndUnwrapSol"`
		DynamicComputeUnitLimit bool            `json:"dynamicComputeUnitLimit"`
	}{
		QuoteResponse:           raw.Raw,
		UserPublicKey:           walletAddress,
		WrapAndUnwrapSol:        true,
		DynamicComputeUnitLimit: true,
	}

	var result SwapTxResult
	if err := c.post(ctx, "/swap", reqBody, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// TokenMetadataResult is best-effort token display metadata.
type TokenMetadataResult struct {
	Name    *string `json:"name"`
	Symbol  *string `json:"symbol"`
	Image   *string `json:"image"`
	Creator *string `json:"creator"`
}

// TokenMetadata fetches best-effort display metadata for a mint. Secondary
// data like this MUST NOT block primary trade operations — callers should
// treat errors here as non-fatal.
func (c *Client) TokenMetadata(ctx context.Context, mint string) (*TokenMetadataResult, error) {
	var result TokenMetadataResult
	if err := c.get(ctx, fmt.Sprintf("/token/%s/metadata", mint), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// LifetimeFeesResult is the all-time fee accrual for a mint.
type LifetimeFeesResult struct {
	TotalSOL   float64 `json:"totalSol"`
	CreatorSOL float64 `json:"creatorSol"`
	TotalUSD   float64 `json:"totalUsd"`
	CreatorUSD float64 `json:"creatorUsd"`
}

// LifetimeFees fetches all-time accrued fees for a mint.
func (c *Client) LifetimeFees(ctx context.Context, mint string) (*LifetimeFeesResult, error) {
	var result LifetimeFeesResult
	if err := c.get(ctx, fmt.Sprintf("/token/%s/fees", mint), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ClaimablePosition is one mint with an outstanding claimable fee balance.
type ClaimablePosition struct {
	Mint            string  `json:"mint"`
	Symbol          string  `json:"symbol"`
	ClaimableAmtSOL float64 `json:"claimableAmountSol"`
	LastClaimTime   *int64  `json:"lastClaimTime"`
}

// ClaimablePositions lists every mint with an outstanding claim for wallet.
func (c *Client) ClaimablePositions(ctx context.Context, wallet string) ([]ClaimablePosition, error) {
	var result []ClaimablePosition
	if err := c.get(ctx, fmt.Sprintf("/positions/%s/claimable", wallet), &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ClaimTxs builds one or more claim transactions for the given mints; the
// platform may batch several mints into more than one transaction.
func (c *Client) ClaimTxs(ctx context.Context, wallet string, mints []string) ([]string, error) {
	reqBody := struct {
		Wallet string   `json:"wallet"`
		Mints  []string `json:"mints"`
	}{Wallet: wallet, Mints: mints}

	var result struct {
		Transactions []string `json:"transactions"`
	}
	if err := c.post(ctx, "/claim", reqBody, &result); err != nil {
		return nil, err
	}
	return result.Transactions, nil
}

// LaunchRequest describes a new bonding-curve token to mint.
type LaunchRequest struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Image       string `json:"image"`
	DevWallet   string `json:"devWallet"`
	OpsWallet   string `json:"opsWallet"`
}

// LaunchResult is the bonding-curve service's response to a launch request.
type LaunchResult struct {
	Mint      string `json:"mint"`
	Decimals  int    `json:"decimals"`
	PoolAddr  string `json:"poolAddress"`
}

// LaunchToken mints a new bonding-curve token. This is the "external Token
// Launcher" of the deposit-launch flow — modeled as another AMM-service
// endpoint rather than a separate client, since launching is itself a
// bonding-curve operation.
func (c *Client) LaunchToken(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	var result LaunchResult
	if err := c.post(ctx, "/launch", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.nextAPIKey())

	resp, err := c.pool.get().Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed (%d): %s", path, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.nextAPIKey())

	resp, err := c.pool.get().Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed (%d): %s", path, resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
