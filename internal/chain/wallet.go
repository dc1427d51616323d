package chain

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// Wallet is a local ed25519 keypair used only by the self-signed Tx Executor
// mode (the platform token loop). Every other signing path goes through the
// custody client, which never hands a private key to this process.
type Wallet struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	address    string
}

// NewWallet builds a Wallet from a base58-encoded ed25519 seed or keypair.
func NewWallet(privateKeyBase58 string) (*Wallet, error) {
	privateKeyBytes, err := base58.Decode(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}

	var privateKey ed25519.PrivateKey
	switch len(privateKeyBytes) {
	case ed25519.PrivateKeySize:
		privateKey = ed25519.PrivateKey(privateKeyBytes)
	case ed25519.SeedSize:
		privateKey = ed25519.NewKeyFromSeed(privateKeyBytes)
	default:
		return nil, fmt.Errorf("invalid private key length: %d (expected %d or %d)", len(privateKeyBytes), ed25519.SeedSize, ed25519.PrivateKeySize)
	}

	publicKey := privateKey.Public().(ed25519.PublicKey)
	address := base58.Encode(publicKey)

	log.Info().Str("address", address).Msg("platform wallet loaded")

	return &Wallet{
		privateKey: privateKey,
		publicKey:  publicKey,
		address:    address,
	}, nil
}

// Address returns the wallet's base58 public key.
func (w *Wallet) Address() string { return w.address }

// Sign signs an arbitrary message with the wallet's private key.
func (w *Wallet) Sign(message []byte) []byte {
	return ed25519.Sign(w.privateKey, message)
}

// SignTransaction signs a serialized transaction message and returns the
// base64-encoded signature-prefixed transaction ready for SendRawTx.
func (w *Wallet) SignTransaction(serializedTx []byte) (string, error) {
	signature := w.Sign(serializedTx)
	signed := append(compactU16(1), signature...)
	signed = append(signed, serializedTx...)
	return base64.StdEncoding.EncodeToString(signed), nil
}
