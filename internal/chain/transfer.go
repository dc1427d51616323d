package chain

import (
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"
)

// SystemProgramID is the Solana System Program's address (the base58
// encoding of the all-zero public key).
const SystemProgramID = "11111111111111111111111111111111"

const systemTransferInstructionIndex uint32 = 2

// BuildSystemTransfer serializes an unsigned legacy Solana transaction
// message carrying a single System Program transfer instruction from one
// account to another. The result is the base64-encoded message ready for
// Wallet.SignTransaction (self-signed mode) or the Custody Client's Sign
// call (delegated mode) — neither of which inspects its contents, only
// signs and prepends/returns a signature over it.
func BuildSystemTransfer(recentBlockhashBase58, fromBase58, toBase58 string, lamports uint64) (string, error) {
	from, err := base58.Decode(fromBase58)
	if err != nil {
		return "", fmt.Errorf("decode from address: %w", err)
	}
	to, err := base58.Decode(toBase58)
	if err != nil {
		return "", fmt.Errorf("decode to address: %w", err)
	}
	program, err := base58.Decode(SystemProgramID)
	if err != nil {
		return "", fmt.Errorf("decode system program id: %w", err)
	}
	blockhash, err := base58.Decode(recentBlockhashBase58)
	if err != nil {
		return "", fmt.Errorf("decode blockhash: %w", err)
	}
	if len(from) != 32 || len(to) != 32 || len(program) != 32 || len(blockhash) != 32 {
		return "", fmt.Errorf("expected 32-byte addresses/blockhash, got from=%d to=%d program=%d blockhash=%d",
			len(from), len(to), len(program), len(blockhash))
	}

	var msg []byte

	// Message header: 1 required signature (from), 0 readonly signed
	// accounts, 1 readonly unsigned account (the program).
	msg = append(msg, 1, 0, 1)

	// Account keys: [from (signer, writable), to (writable), program (readonly)].
	msg = append(msg, compactU16(3)...)
	msg = append(msg, from...)
	msg = append(msg, to...)
	msg = append(msg, program...)

	// Recent blockhash.
	msg = append(msg, blockhash...)

	// Instructions: one System Program transfer.
	instructionData := make([]byte, 12)
	putUint32LE(instructionData[0:4], systemTransferInstructionIndex)
	putUint64LE(instructionData[4:12], lamports)

	msg = append(msg, compactU16(1)...) // one instruction
	msg = append(msg, 2)                // programIdIndex: account key index 2
	msg = append(msg, compactU16(2)...) // instruction touches 2 accounts
	msg = append(msg, 0, 1)             // account indices: from, to
	msg = append(msg, compactU16(len(instructionData))...)
	msg = append(msg, instructionData...)

	return base64.StdEncoding.EncodeToString(msg), nil
}

// compactU16 encodes n using Solana's shortvec (7-bit little-endian groups
// with a continuation bit), the same varint scheme used throughout the
// wire format for account/instruction counts.
func compactU16(n int) []byte {
	var out []byte
	v := uint32(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			out = append(out, b)
			break
		}
		out = append(out, b|0x80)
	}
	return out
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}
