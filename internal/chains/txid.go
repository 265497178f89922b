package chains

import (
	"encoding/hex"
	"strings"

	"github.com/gagliardetto/solana-go"

	"pixelforge/internal/apperr"
	"pixelforge/pkg/auth"
)

// NormalizeTxID validates the id format for the chain and returns its
// canonical form: lowercase 0x-prefixed hex for EVM, base58 as given for Solana.
func NormalizeTxID(chain auth.ChainType, txID string) (string, error) {
	txID = strings.TrimSpace(txID)
	if txID == "" {
		return "", apperr.New(apperr.Validation, "transaction id is required")
	}

	if auth.IsEVMChain(chain) {
		lower := strings.ToLower(txID)
		if !strings.HasPrefix(lower, "0x") || len(lower) != 66 {
			return "", apperr.New(apperr.Validation, "%s transaction hash must be 0x followed by 64 hex characters", chain)
		}
		if _, err := hex.DecodeString(lower[2:]); err != nil {
			return "", apperr.New(apperr.Validation, "%s transaction hash is not hex", chain)
		}
		return lower, nil
	}

	if chain == auth.ChainSolana {
		if _, err := solana.SignatureFromBase58(txID); err != nil {
			return "", apperr.Wrap(apperr.Validation, err, "solana transaction signature must be a base58 64-byte signature")
		}
		return txID, nil
	}

	return "", apperr.New(apperr.Validation, "unsupported chain %q", chain)
}

// ClaimKey is the durable dedup key of an on-chain payment.
func ClaimKey(chain auth.ChainType, normalizedTxID string) string {
	return "crypto:" + string(chain) + ":" + normalizedTxID
}
