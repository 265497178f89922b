package testutil

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"pixelforge/pkg/auth"
)

// EVMWallet signs login challenges the way browser wallets do (EIP-191).
type EVMWallet struct {
	key *ecdsa.PrivateKey
}

// NewEVMWallet generates a fresh key.
func NewEVMWallet() (*EVMWallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &EVMWallet{key: key}, nil
}

// Address returns the lowercase 0x address.
func (w *EVMWallet) Address() string {
	return strings.ToLower(crypto.PubkeyToAddress(w.key.PublicKey).Hex())
}

// SignMessage returns a 65-byte personal_sign signature with V in {27,28}.
func (w *EVMWallet) SignMessage(message string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), w.key)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// LoginMessage builds and signs a fresh challenge for nonce.
func (w *EVMWallet) LoginMessage(nonce string) (message, signature string, err error) {
	message = auth.GenerateWalletAuthMessage(nonce)
	signature, err = w.SignMessage(message)
	return message, signature, err
}
