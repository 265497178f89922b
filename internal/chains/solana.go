package chains

import (
	"context"
	"errors"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"pixelforge/internal/apperr"
)

// SolanaBackend is the subset of *rpc.Client used here.
type SolanaBackend interface {
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// SolanaClient reads payments at finalized commitment, so a transaction the
// node returns already has the required confirmation.
type SolanaClient struct {
	network Network
	backend SolanaBackend
	rpc     *caller
}

func NewSolanaClient(network Network, backend SolanaBackend, opts Options) *SolanaClient {
	return &SolanaClient{
		network: network,
		backend: backend,
		rpc: newCaller(string(network.Name), opts, func(err error) bool {
			return errors.Is(err, rpc.ErrNotFound)
		}),
	}
}

func (c *SolanaClient) Network() Network { return c.network }

func (c *SolanaClient) Transaction(ctx context.Context, txID string) (*TxInfo, error) {
	sig, err := solana.SignatureFromBase58(txID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "invalid solana signature")
	}

	maxVersion := uint64(0)
	res, err := call(ctx, c.rpc, "getTransaction", func(ctx context.Context) (*rpc.GetTransactionResult, error) {
		out, err := c.backend.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentFinalized,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		if err == nil && (out == nil || out.Transaction == nil || out.Meta == nil) {
			return nil, rpc.ErrNotFound
		}
		return out, err
	})
	if err != nil {
		return nil, err
	}

	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "decode solana transaction %s", txID)
	}

	keys := make([]solana.PublicKey, 0, len(tx.Message.AccountKeys)+len(res.Meta.LoadedAddresses.Writable)+len(res.Meta.LoadedAddresses.ReadOnly))
	keys = append(keys, tx.Message.AccountKeys...)
	keys = append(keys, res.Meta.LoadedAddresses.Writable...)
	keys = append(keys, res.Meta.LoadedAddresses.ReadOnly...)

	info := &TxInfo{
		TxID:          txID,
		Succeeded:     res.Meta.Err == nil,
		Confirmations: c.network.Confirmations,
	}
	if len(keys) > 0 {
		info.Signer = keys[0].String()
	}
	if info.Succeeded {
		info.Transfers = solanaTransfers(c.network, keys, res.Meta)
	}
	return info, nil
}

// solanaTransfers derives transfers from balance deltas. The fee payer is
// the sender of native SOL; token senders are the owners whose USDC balance
// dropped.
func solanaTransfers(network Network, keys []solana.PublicKey, meta *rpc.TransactionMeta) []Transfer {
	if meta == nil || len(keys) == 0 {
		return nil
	}
	feePayer := keys[0].String()
	var out []Transfer

	for i := 1; i < len(keys) && i < len(meta.PreBalances) && i < len(meta.PostBalances); i++ {
		pre, post := meta.PreBalances[i], meta.PostBalances[i]
		if post <= pre {
			continue
		}
		delta := new(big.Int).SetUint64(post - pre)
		out = append(out, Transfer{
			Asset:  AssetNative,
			From:   feePayer,
			To:     keys[i].String(),
			Amount: decimal.NewFromBigInt(delta, -network.NativeDecimals),
		})
	}

	deltas := tokenDeltas(network.USDCContract, meta.PreTokenBalances, meta.PostTokenBalances)
	sender := feePayer
	largestOut := decimal.Zero
	for owner, d := range deltas {
		if d.IsNegative() && d.Abs().GreaterThan(largestOut) {
			largestOut = d.Abs()
			sender = owner
		}
	}
	for owner, d := range deltas {
		if !d.IsPositive() {
			continue
		}
		out = append(out, Transfer{
			Asset:  AssetUSDC,
			From:   sender,
			To:     owner,
			Amount: d.Shift(-network.USDCDecimals),
		})
	}
	return out
}

// tokenDeltas sums post minus pre base-unit balances of mint per owner.
func tokenDeltas(mint string, pre, post []rpc.TokenBalance) map[string]decimal.Decimal {
	deltas := make(map[string]decimal.Decimal)
	add := func(balances []rpc.TokenBalance, sign int64) {
		for _, b := range balances {
			if b.Mint.String() != mint || b.Owner == nil || b.UiTokenAmount == nil {
				continue
			}
			amount, err := decimal.NewFromString(b.UiTokenAmount.Amount)
			if err != nil {
				continue
			}
			owner := b.Owner.String()
			deltas[owner] = deltas[owner].Add(amount.Mul(decimal.NewFromInt(sign)))
		}
	}
	add(pre, -1)
	add(post, 1)
	return deltas
}
