// Package admin implements spec section 4.12's Admin Control surface: a
// nonce + signed-payload-hash auth flow in front of suspend/bulk_suspend/
// update_limits/restart_scheduler mutations. Interface only — invariants
// live in the authentication and the Token/TokenConfig mutations
// themselves, not in any trading logic.
package admin

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"
)

// errMalformedMessage is returned by ParseMessage for anything not in the
// exact format Message produces.
var errMalformedMessage = fmt.Errorf("malformed auth message")

const (
	mutationWindow = 5 * time.Minute
	readWindow     = 10 * time.Minute
)

// NonceEntry is one issued, single-use auth challenge.
type NonceEntry struct {
	Nonce      string
	Action     string
	ConfigHash string
	IssuedAt   time.Time
	Used       bool
}

// Message is the canonical signed string: action, nonce, unix timestamp,
// and the payload hash, in a fixed order so client and server derive the
// identical bytes.
func Message(action, nonce string, timestamp int64, configHash string) string {
	return fmt.Sprintf("action=%s;nonce=%s;timestamp=%d;configHash=%s", action, nonce, timestamp, configHash)
}

// ParseMessage extracts (action, nonce, timestamp, configHash) from a
// message in the exact format Message produces.
func ParseMessage(message string) (action, nonce string, timestamp int64, configHash string, err error) {
	fields := make(map[string]string)
	for _, part := range strings.Split(message, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return "", "", 0, "", errMalformedMessage
		}
		fields[kv[0]] = kv[1]
	}
	action, nonce, configHash = fields["action"], fields["nonce"], fields["configHash"]
	if action == "" || nonce == "" || configHash == "" || fields["timestamp"] == "" {
		return "", "", 0, "", errMalformedMessage
	}
	if _, err := fmt.Sscanf(fields["timestamp"], "%d", &timestamp); err != nil {
		return "", "", 0, "", errMalformedMessage
	}
	return action, nonce, timestamp, configHash, nil
}

// HashPayload returns the hex SHA-256 digest of an arbitrary request
// payload, standard library only — no ecosystem hashing library in the
// pack does anything crypto/sha256 doesn't for a payload-integrity check.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// NonceStore issues and verifies single-use auth nonces, in-memory only —
// restarting the process invalidates all outstanding challenges, which is
// the correct behavior for a short-lived (≤10 min) recency window.
type NonceStore struct {
	mu      sync.Mutex
	entries map[string]*NonceEntry
}

// NewNonceStore builds an empty NonceStore.
func NewNonceStore() *NonceStore {
	return &NonceStore{entries: make(map[string]*NonceEntry)}
}

// Issue generates a fresh nonce for action over payload, returning the
// challenge the client must sign.
func (s *NonceStore) Issue(action string, payload []byte) (*NonceEntry, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	entry := &NonceEntry{
		Nonce:      hex.EncodeToString(buf),
		Action:     action,
		ConfigHash: HashPayload(payload),
		IssuedAt:   time.Now(),
	}
	s.mu.Lock()
	s.entries[entry.Nonce] = entry
	s.mu.Unlock()
	return entry, nil
}

// Consume marks nonce used and returns its entry, or an error if it is
// unknown, already used, or outside window of its issue time.
func (s *NonceStore) Consume(nonce string, window time.Duration) (*NonceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[nonce]
	if !ok {
		return nil, fmt.Errorf("unknown nonce")
	}
	if entry.Used {
		return nil, fmt.Errorf("nonce already used")
	}
	if time.Since(entry.IssuedAt) > window {
		return nil, fmt.Errorf("nonce expired")
	}
	entry.Used = true
	return entry, nil
}

// VerifyRequest is the {message, signature, publicKey, payload} bundle
// every mutation and read-session request carries.
type VerifyRequest struct {
	Message   string
	Signature string // base58-encoded ed25519 signature over Message
	PublicKey string // base58-encoded ed25519 public key
	Payload   []byte
}

// Verify checks the request's signature against adminPubKey, re-derives the
// payload hash, and consumes the nonce carried inside req.Message.
// expectedAction is the action the caller's route handles — a mismatch
// against the message's own action field is tamper evidence, not just a bad
// signature. adminPubKey is the base58 ed25519 public key Admin Control is
// configured to trust (ADMIN_VERIFY_PUBKEY); a request signed by any other
// keypair, however validly, is rejected — otherwise an attacker could simply
// generate their own keypair and sign a self-issued challenge with it.
func Verify(store *NonceStore, expectedAction string, adminPubKey string, req VerifyRequest, isMutation bool) error {
	action, nonce, timestamp, configHash, err := ParseMessage(req.Message)
	if err != nil {
		return err
	}
	if action != expectedAction {
		return fmt.Errorf("message was signed for a different action")
	}

	entry, err := store.Consume(nonce, windowFor(isMutation))
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	if entry.Action != action {
		return fmt.Errorf("nonce was issued for a different action")
	}
	if configHash != entry.ConfigHash || timestamp != entry.IssuedAt.Unix() {
		return fmt.Errorf("signed message does not match the issued challenge")
	}

	wantHash := HashPayload(req.Payload)
	if wantHash != entry.ConfigHash {
		return fmt.Errorf("payload does not match the hash committed at nonce issuance")
	}

	if adminPubKey == "" {
		return fmt.Errorf("admin verify key is not configured")
	}
	if req.PublicKey != adminPubKey {
		return fmt.Errorf("public key is not authorized for admin operations")
	}

	pubKey, err := base58.Decode(req.PublicKey)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key")
	}
	sig, err := base58.Decode(req.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature encoding")
	}
	if !ed25519.Verify(ed25519.PublicKey(pubKey), []byte(req.Message), sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

func windowFor(isMutation bool) time.Duration {
	if isMutation {
		return mutationWindow
	}
	return readWindow
}
