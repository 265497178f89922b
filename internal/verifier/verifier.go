// Package verifier checks that an on-chain transaction paid the configured
// receiving wallet. It has no side effects: crediting and dedup are the
// caller's job.
package verifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"pixelforge/internal/apperr"
	"pixelforge/internal/chains"
	"pixelforge/internal/config"
	"pixelforge/pkg/auth"
)

// Claim is a user's assertion that they paid.
type Claim struct {
	Chain  auth.ChainType
	TxID   string
	Wallet string
	// Amount in whole units of Asset, as a decimal string.
	Amount string
	// Asset is "USDC" (default), "native" or the chain's native symbol.
	Asset string
	// Proof is a signature by Wallet over auth.GenerateClaimMessage(TxID).
	// Only needed when Wallet is not the account's linked wallet.
	Proof WalletProof
}

type WalletProof struct {
	Message   string
	Signature string
}

// Prepared is a claim that passed the offline checks, with every field in
// its canonical form.
type Prepared struct {
	Network  chains.Network
	TxID     string
	Wallet   string
	Amount   decimal.Decimal
	Asset    chains.Asset
	ClaimKey string
}

type Result struct {
	Valid         bool
	Chain         auth.ChainType
	TxID          string
	Asset         chains.Asset
	Claimed       decimal.Decimal
	ActualAmount  decimal.Decimal
	Payer         string
	Confirmations uint64
}

// Clients resolves the RPC client of a chain. *chains.Registry implements it.
type Clients interface {
	Client(chain auth.ChainType) (chains.Client, bool)
}

type Verifier struct {
	clients Clients
	chains  map[auth.ChainType]config.Chain
}

func New(clients Clients, cfg *config.Config) *Verifier {
	return &Verifier{clients: clients, chains: cfg.Chains}
}

// Verify runs Prepare and Check.
func (v *Verifier) Verify(ctx context.Context, claim Claim) (*Result, error) {
	p, err := v.Prepare(claim)
	if err != nil {
		return nil, err
	}
	return v.Check(ctx, p)
}

// Prepare validates the claim without touching the network.
func (v *Verifier) Prepare(claim Claim) (*Prepared, error) {
	chain := auth.ChainType(strings.ToLower(strings.TrimSpace(string(claim.Chain))))
	cfgChain, ok := v.chains[chain]
	if !ok || !cfgChain.Enabled() {
		return nil, apperr.New(apperr.Validation, "chain %q is not configured", claim.Chain)
	}
	if _, ok := v.clients.Client(chain); !ok {
		return nil, apperr.New(apperr.Validation, "chain %q is not configured", claim.Chain)
	}
	network, ok := chains.NetworkFor(chain)
	if !ok {
		return nil, apperr.New(apperr.Validation, "unsupported chain %q", claim.Chain)
	}

	txID, err := chains.NormalizeTxID(chain, claim.TxID)
	if err != nil {
		return nil, err
	}

	wallet, err := auth.NormalizeAddress(chain, claim.Wallet)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "invalid wallet address")
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(claim.Amount))
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "invalid amount %q", claim.Amount)
	}
	if !amount.IsPositive() {
		return nil, apperr.New(apperr.Validation, "amount must be positive")
	}

	asset, err := chains.ParseAsset(network, strings.TrimSpace(claim.Asset))
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "invalid asset")
	}
	if asset == chains.AssetNative && !cfgChain.NativeCreditsPerUnit.IsPositive() {
		return nil, apperr.New(apperr.Validation, "%s payments are not accepted on %s", network.NativeSymbol, chain)
	}
	if decimals := network.Decimals(asset); !amount.Equal(amount.Truncate(decimals)) {
		return nil, apperr.New(apperr.Validation, "amount has more than %d decimals", decimals)
	}

	return &Prepared{
		Network:  network,
		TxID:     txID,
		Wallet:   wallet,
		Amount:   amount,
		Asset:    asset,
		ClaimKey: chains.ClaimKey(chain, txID),
	}, nil
}

// Check looks the transaction up and matches it against the claim.
func (v *Verifier) Check(ctx context.Context, p *Prepared) (*Result, error) {
	chain := p.Network.Name
	client, ok := v.clients.Client(chain)
	if !ok {
		return nil, apperr.New(apperr.Validation, "chain %q is not configured", chain)
	}
	receiving, err := auth.NormalizeAddress(chain, v.chains[chain].ReceivingWallet)
	if err != nil {
		return nil, apperr.Wrap(apperr.Config, err, "%s receiving wallet", chain)
	}

	info, err := client.Transaction(ctx, p.TxID)
	if err != nil {
		return nil, err
	}
	if !info.Succeeded {
		return nil, apperr.New(apperr.Validation, "transaction %s failed on chain", p.TxID)
	}
	if info.Confirmations < p.Network.Confirmations {
		return nil, apperr.New(apperr.NotFoundOnChain, "transaction has %d of %d confirmations", info.Confirmations, p.Network.Confirmations)
	}

	var toReceiver []chains.Transfer
	for _, tr := range info.Transfers {
		if tr.Asset == p.Asset && tr.To == receiving {
			toReceiver = append(toReceiver, tr)
		}
	}
	if len(toReceiver) == 0 {
		return nil, apperr.New(apperr.WrongDestination, "no %s transfer to the receiving wallet in %s", p.Asset, p.TxID)
	}

	actual := decimal.Zero
	for _, tr := range toReceiver {
		if tr.From != p.Wallet {
			return nil, apperr.New(apperr.WrongPayer, "transfer was sent by %s, not the claimed wallet", tr.From)
		}
		actual = actual.Add(tr.Amount)
	}

	if actual.Add(p.Network.Tolerance(p.Asset, p.Amount)).LessThan(p.Amount) {
		return nil, apperr.New(apperr.InsufficientAmount, "claimed %s %s but received %s", p.Amount, p.Asset, actual)
	}

	return &Result{
		Valid:         true,
		Chain:         chain,
		TxID:          p.TxID,
		Asset:         p.Asset,
		Claimed:       p.Amount,
		ActualAmount:  actual,
		Payer:         p.Wallet,
		Confirmations: info.Confirmations,
	}, nil
}

// String is used in logs.
func (p *Prepared) String() string {
	return fmt.Sprintf("%s %s %s from %s", p.ClaimKey, p.Amount, p.Asset, p.Wallet)
}
