package chains

import (
	"fmt"

	"github.com/shopspring/decimal"

	"pixelforge/pkg/auth"
)

// Asset is the kind of value moved by a transfer.
type Asset string

const (
	AssetUSDC   Asset = "USDC"
	AssetNative Asset = "NATIVE"
)

// ParseAsset accepts "usdc", "native" and the native symbol of the chain.
// An empty string means USDC.
func ParseAsset(network Network, raw string) (Asset, error) {
	switch raw {
	case "", "USDC", "usdc":
		return AssetUSDC, nil
	case "NATIVE", "native", network.NativeSymbol:
		return AssetNative, nil
	}
	return "", fmt.Errorf("unsupported asset %q on %s", raw, network.Name)
}

// Network holds the static facts of a supported chain.
type Network struct {
	Name        auth.ChainType
	ChainID     int64 // zero for Solana
	DisplayName string

	NativeSymbol   string
	NativeDecimals int32

	// USDCContract is the ERC-20 address (lowercase) or the SPL mint.
	USDCContract string
	USDCDecimals int32

	// Confirmations is the block depth required before a transfer counts,
	// counting the inclusion block as one.
	// Solana uses the finalized commitment instead and reports 1 once final.
	Confirmations uint64
	// ToleranceBps per asset, in basis points of the claimed amount.
	ToleranceBps map[Asset]int64
}

func (n Network) IsEVM() bool {
	return auth.IsEVMChain(n.Name)
}

// Tolerance returns the absolute shortfall accepted for a claimed amount.
func (n Network) Tolerance(asset Asset, claimed decimal.Decimal) decimal.Decimal {
	bps := n.ToleranceBps[asset]
	if bps <= 0 {
		return decimal.Zero
	}
	return claimed.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(10_000))
}

// Decimals returns the base-unit exponent of an asset on this network.
func (n Network) Decimals(asset Asset) int32 {
	if asset == AssetNative {
		return n.NativeDecimals
	}
	return n.USDCDecimals
}

const (
	// USDC amounts are exact on every chain.
	usdcToleranceBps = 0
	// Wallet UIs round 18 (or 9) decimal native amounts for display.
	nativeToleranceBps = 10
)

var defaultTolerance = map[Asset]int64{
	AssetUSDC:   usdcToleranceBps,
	AssetNative: nativeToleranceBps,
}

// Networks is the registry of supported chains.
var Networks = map[auth.ChainType]Network{
	auth.ChainEthereum: {
		Name:           auth.ChainEthereum,
		ChainID:        1,
		DisplayName:    "Ethereum Mainnet",
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
		USDCContract:   "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		USDCDecimals:   6,
		Confirmations:  12,
		ToleranceBps:   defaultTolerance,
	},
	auth.ChainPolygon: {
		Name:           auth.ChainPolygon,
		ChainID:        137,
		DisplayName:    "Polygon PoS",
		NativeSymbol:   "POL",
		NativeDecimals: 18,
		USDCContract:   "0x3c499c542cef5e3811e1192ce70d8cc03d5c3359",
		USDCDecimals:   6,
		Confirmations:  64,
		ToleranceBps:   defaultTolerance,
	},
	auth.ChainArbitrum: {
		Name:           auth.ChainArbitrum,
		ChainID:        42161,
		DisplayName:    "Arbitrum One",
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
		USDCContract:   "0xaf88d065e77c8cc2239327c5edb3a432268e5831",
		USDCDecimals:   6,
		Confirmations:  10,
		ToleranceBps:   defaultTolerance,
	},
	auth.ChainOptimism: {
		Name:           auth.ChainOptimism,
		ChainID:        10,
		DisplayName:    "OP Mainnet",
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
		USDCContract:   "0x0b2c639c533813f4aa9d7837caf62653d097ff85",
		USDCDecimals:   6,
		Confirmations:  10,
		ToleranceBps:   defaultTolerance,
	},
	auth.ChainBase: {
		Name:           auth.ChainBase,
		ChainID:        8453,
		DisplayName:    "Base",
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
		USDCContract:   "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		USDCDecimals:   6,
		Confirmations:  10,
		ToleranceBps:   defaultTolerance,
	},
	auth.ChainSolana: {
		Name:           auth.ChainSolana,
		DisplayName:    "Solana",
		NativeSymbol:   "SOL",
		NativeDecimals: 9,
		USDCContract:   "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		USDCDecimals:   6,
		Confirmations:  1,
		ToleranceBps:   defaultTolerance,
	},
}

// NetworkFor returns the registry entry for a chain name.
func NetworkFor(chain auth.ChainType) (Network, bool) {
	n, ok := Networks[chain]
	return n, ok
}
