// Package txexec is the unified sign/broadcast/confirm/retry routine that
// every scheduler calls through — flywheel trades, claim payouts, deposit
// refunds, and the platform token loop all go through one Executor.
package txexec

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nullseed/flywheel-engine/internal/chain"
	"github.com/nullseed/flywheel-engine/internal/custody"
)

// Mode selects which of the three sign/broadcast paths an attempt uses.
type Mode int

const (
	// ModeSelfSigned signs locally with a chain.Wallet — platform loop only.
	ModeSelfSigned Mode = iota
	// ModeDelegatedSignThenBroadcast has custody sign, then this process
	// broadcasts via the Chain Client.
	ModeDelegatedSignThenBroadcast
	// ModeDelegatedSignAndSend has custody both sign and broadcast.
	ModeDelegatedSignAndSend
)

var backoff = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}

const (
	defaultMaxRetries  = 3
	confirmPollEvery   = 2 * time.Second
	confirmPollTimeout = 60 * time.Second
)

// Result is the outcome of Send, mirroring spec section 4.4's Success/Failed
// contract.
type Result struct {
	Success    bool
	Signature  string
	Attempts   int
	Err        error
	ErrKind    chain.Kind
}

// Request describes one transaction to execute.
type Request struct {
	Mode          Mode
	WalletAddress string // custody-held wallet address, for delegated modes
	Wallet        *chain.Wallet // local signer, for ModeSelfSigned
	TxBase64      string // unsigned, serialized transaction (blockhash/fee payer already set)
	MaxRetries    int    // 0 = defaultMaxRetries
}

// Executor composes the Chain and Custody clients into the three sign modes
// of spec section 4.4, with shared retry/backoff and error classification.
type Executor struct {
	chain       *chain.RPCClient
	custody     *custody.Client
	blockhashes *chain.BlockhashCache
}

// NewExecutor builds an Executor. blockhashes is stored but none of the send
// paths reads it, so nil is accepted.
func NewExecutor(rpc *chain.RPCClient, custodyClient *custody.Client, blockhashes *chain.BlockhashCache) *Executor {
	return &Executor{chain: rpc, custody: custodyClient, blockhashes: blockhashes}
}

// Send executes req, making at most MaxRetries attempts in all and retrying
// only retryable failures, with the [2s, 5s, 10s] backoff schedule.
func (e *Executor) Send(ctx context.Context, req Request) Result {
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	var lastErr error
	var lastKind chain.Kind
	attempts := 0

	for attempt := 1; attempt <= maxRetries; attempt++ {
		attempts = attempt
		sig, err := e.attempt(ctx, req)
		if err == nil {
			return Result{Success: true, Signature: sig, Attempts: attempt}
		}

		classified := chain.ClassifyError(err)
		lastErr = err
		lastKind = classified.Kind

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("kind", classified.Kind.String()).
			Msg("tx executor attempt failed")

		if !classified.Kind.Retryable() || attempt == maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return Result{Success: false, Err: ctx.Err(), Attempts: attempt, ErrKind: chain.KindFatal}
		case <-time.After(backoff[min(attempt-1, len(backoff)-1)]):
		}
	}

	return Result{Success: false, Err: lastErr, Attempts: attempts, ErrKind: lastKind}
}

func (e *Executor) attempt(ctx context.Context, req Request) (string, error) {
	switch req.Mode {
	case ModeSelfSigned:
		return e.sendSelfSigned(ctx, req)
	case ModeDelegatedSignThenBroadcast:
		return e.sendDelegatedSignThenBroadcast(ctx, req)
	case ModeDelegatedSignAndSend:
		return e.sendDelegatedSignAndSend(ctx, req)
	default:
		return "", fmt.Errorf("unknown executor mode: %d", req.Mode)
	}
}

func (e *Executor) sendSelfSigned(ctx context.Context, req Request) (string, error) {
	if req.Wallet == nil {
		return "", fmt.Errorf("self-signed mode requires a wallet")
	}
	msg, err := base64.StdEncoding.DecodeString(req.TxBase64)
	if err != nil {
		return "", fmt.Errorf("decode transaction: %w", err)
	}
	signedTx, err := req.Wallet.SignTransaction(msg)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := e.chain.SendRawTx(ctx, signedTx, chain.SendOpts{SkipPreflight: true, MaxRetries: 5})
	if err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return e.confirm(ctx, sig)
}

func (e *Executor) sendDelegatedSignThenBroadcast(ctx context.Context, req Request) (string, error) {
	signedTx, err := e.custody.Sign(ctx, req.WalletAddress, req.TxBase64)
	if err != nil {
		return "", fmt.Errorf("custody sign: %w", err)
	}

	sig, err := e.chain.SendRawTx(ctx, signedTx, chain.SendOpts{SkipPreflight: true, MaxRetries: 5})
	if err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return e.confirm(ctx, sig)
}

func (e *Executor) sendDelegatedSignAndSend(ctx context.Context, req Request) (string, error) {
	sig, err := e.custody.SignAndSend(ctx, req.WalletAddress, req.TxBase64)
	if err != nil {
		return "", fmt.Errorf("custody sign-and-send: %w", err)
	}
	return e.confirm(ctx, sig)
}

// confirm polls GetSignatureStatuses every 2s up to a 60s ceiling. It never
// resends — the caller is responsible for deciding whether to retry with a
// fresh blockhash after a confirmation timeout.
func (e *Executor) confirm(ctx context.Context, signature string) (string, error) {
	deadline := time.Now().Add(confirmPollTimeout)
	ticker := time.NewTicker(confirmPollEvery)
	defer ticker.Stop()

	for {
		statuses, err := e.chain.GetSignatureStatuses(ctx, []string{signature})
		if err == nil && len(statuses) > 0 && statuses[0] != nil {
			status := statuses[0]
			if status.Err != nil {
				return "", fmt.Errorf("custom program error: on-chain failure for %s: %v", signature, status.Err)
			}
			if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
				return signature, nil
			}
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("not confirmed: timed out waiting for %s", signature)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
