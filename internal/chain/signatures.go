package chain

import "context"

// SignatureInfo is one entry of getSignaturesForAddress.
type SignatureInfo struct {
	Signature string      `json:"signature"`
	Slot      uint64      `json:"slot"`
	Err       interface{} `json:"err"`
	BlockTime *int64      `json:"blockTime"`
}

// GetSignaturesForAddress returns the most recent signatures involving an
// address, newest first. Used by the deposit watcher's original-funder scan.
func (c *RPCClient) GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]SignatureInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	req := Request{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getSignaturesForAddress",
		Params: []interface{}{
			address,
			map[string]interface{}{"limit": limit},
		},
	}

	var result []SignatureInfo
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// SystemTransfer is a parsed system-program transfer instruction.
type SystemTransfer struct {
	Source      string
	Destination string
	Lamports    uint64
}

// Transaction is the subset of getTransaction's jsonParsed encoding needed to
// recover system-program transfers.
type Transaction struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      struct {
		Err interface{} `json:"err"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			Instructions []struct {
				Program string `json:"program"`
				Parsed  struct {
					Type string `json:"type"`
					Info struct {
						Source      string `json:"source"`
						Destination string `json:"destination"`
						Lamports    uint64 `json:"lamports"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

// GetTransaction fetches a transaction in jsonParsed encoding at confirmed
// commitment, returning nil if not found.
func (c *RPCClient) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	req := Request{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTransaction",
		Params: []interface{}{
			signature,
			map[string]interface{}{
				"encoding":                       "jsonParsed",
				"commitment":                     "confirmed",
				"maxSupportedTransactionVersion": 0,
			},
		},
	}

	var result *Transaction
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// SystemTransfers extracts every system-program transfer instruction from a
// parsed transaction.
func (tx *Transaction) SystemTransfers() []SystemTransfer {
	var transfers []SystemTransfer
	for _, ix := range tx.Transaction.Message.Instructions {
		if ix.Program != "system" || ix.Parsed.Type != "transfer" {
			continue
		}
		transfers = append(transfers, SystemTransfer{
			Source:      ix.Parsed.Info.Source,
			Destination: ix.Parsed.Info.Destination,
			Lamports:    ix.Parsed.Info.Lamports,
		})
	}
	return transfers
}

// FindOriginalFunder scans signatures newest-first and returns the source of
// the first system-program transfer into destination with lamports > 0.
// Returns ("", nil) if none is found in the given history window.
func FindOriginalFunder(ctx context.Context, client *RPCClient, destination string, historyLimit int) (string, error) {
	sigs, err := client.GetSignaturesForAddress(ctx, destination, historyLimit)
	if err != nil {
		return "", err
	}

	for _, sig := range sigs {
		tx, err := client.GetTransaction(ctx, sig.Signature)
		if err != nil || tx == nil {
			continue
		}
		for _, t := range tx.SystemTransfers() {
			if t.Destination == destination && t.Lamports > 0 {
				return t.Source, nil
			}
		}
	}
	return "", nil
}
