package chains

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"pixelforge/internal/apperr"
)

// EVMBackend is the subset of *ethclient.Client used here.
type EVMBackend interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var erc20TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

const erc721BalanceABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var erc721ABI = mustABI(erc721BalanceABI)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// EVMClient reads payments from an EVM JSON-RPC node.
type EVMClient struct {
	network Network
	backend EVMBackend
	signer  types.Signer
	rpc     *caller
}

func NewEVMClient(network Network, backend EVMBackend, opts Options) *EVMClient {
	return &EVMClient{
		network: network,
		backend: backend,
		signer:  types.LatestSignerForChainID(big.NewInt(network.ChainID)),
		rpc: newCaller(string(network.Name), opts, func(err error) bool {
			return errors.Is(err, ethereum.NotFound)
		}),
	}
}

func (c *EVMClient) Network() Network { return c.network }

func (c *EVMClient) Transaction(ctx context.Context, txID string) (*TxInfo, error) {
	hash := common.HexToHash(txID)

	receipt, err := call(ctx, c.rpc, "eth_getTransactionReceipt", func(ctx context.Context) (*types.Receipt, error) {
		return c.backend.TransactionReceipt(ctx, hash)
	})
	if err != nil {
		return nil, err
	}

	tx, err := call(ctx, c.rpc, "eth_getTransactionByHash", func(ctx context.Context) (*types.Transaction, error) {
		tx, pending, err := c.backend.TransactionByHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		if pending {
			return nil, ethereum.NotFound
		}
		return tx, nil
	})
	if err != nil {
		return nil, err
	}

	head, err := call(ctx, c.rpc, "eth_blockNumber", func(ctx context.Context) (uint64, error) {
		return c.backend.BlockNumber(ctx)
	})
	if err != nil {
		return nil, err
	}

	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "recover sender of %s", txID)
	}

	info := &TxInfo{
		TxID:      strings.ToLower(hash.Hex()),
		Signer:    addressKey(from),
		Succeeded: receipt.Status == types.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil && head >= receipt.BlockNumber.Uint64() {
		// The inclusion block is the first confirmation.
		info.Confirmations = head - receipt.BlockNumber.Uint64() + 1
	}
	if info.Succeeded {
		info.Transfers = evmTransfers(c.network, from, tx, receipt)
	}
	return info, nil
}

// ERC721Balance returns balanceOf(owner) on an ERC-721 contract.
func (c *EVMClient) ERC721Balance(ctx context.Context, contract, owner string) (*big.Int, error) {
	if !common.IsHexAddress(contract) || !common.IsHexAddress(owner) {
		return nil, apperr.New(apperr.Validation, "invalid contract or owner address")
	}
	data, err := erc721ABI.Pack("balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	to := common.HexToAddress(contract)

	out, err := call(ctx, c.rpc, "eth_call", func(ctx context.Context) ([]byte, error) {
		return c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	})
	if err != nil {
		return nil, err
	}

	values, err := erc721ABI.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return nil, apperr.Wrap(apperr.Validation, err, "%s does not look like an ERC-721 contract", contract)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, apperr.New(apperr.Validation, "unexpected balanceOf result from %s", contract)
	}
	return balance, nil
}

// evmTransfers extracts the native value transfer and USDC Transfer events.
func evmTransfers(network Network, from common.Address, tx *types.Transaction, receipt *types.Receipt) []Transfer {
	var out []Transfer

	if tx.To() != nil && tx.Value() != nil && tx.Value().Sign() > 0 {
		out = append(out, Transfer{
			Asset:  AssetNative,
			From:   addressKey(from),
			To:     addressKey(*tx.To()),
			Amount: decimal.NewFromBigInt(tx.Value(), -network.NativeDecimals),
		})
	}

	usdc := common.HexToAddress(network.USDCContract)
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Removed || lg.Address != usdc {
			continue
		}
		if len(lg.Topics) != 3 || lg.Topics[0] != erc20TransferTopic || len(lg.Data) != 32 {
			continue
		}
		out = append(out, Transfer{
			Asset:  AssetUSDC,
			From:   addressKey(common.BytesToAddress(lg.Topics[1].Bytes())),
			To:     addressKey(common.BytesToAddress(lg.Topics[2].Bytes())),
			Amount: decimal.NewFromBigInt(new(big.Int).SetBytes(lg.Data), -network.USDCDecimals),
		})
	}
	return out
}

func addressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}
