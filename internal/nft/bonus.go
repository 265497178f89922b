// Package nft grants a one-time credit bonus to holders of configured
// ERC-721 collections.
package nft

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"pixelforge/internal/apperr"
	"pixelforge/internal/config"
	"pixelforge/internal/ledger"
	"pixelforge/pkg/auth"
	"pixelforge/pkg/cache"
	"pixelforge/pkg/logging"
)

// BalanceReader is satisfied by *chains.EVMClient.
type BalanceReader interface {
	ERC721Balance(ctx context.Context, contract, owner string) (*big.Int, error)
}

// ReaderFunc resolves the reader of a chain.
type ReaderFunc func(chain auth.ChainType) (BalanceReader, bool)

type Crediter interface {
	CreditPayment(ctx context.Context, rec ledger.PaymentRecord, reason ledger.Reason) (int64, error)
}

type Linker interface {
	LinkNFTCollection(ctx context.Context, userID string, chain auth.ChainType, contract string) (bool, error)
}

type BonusResult struct {
	Chain          auth.ChainType `json:"chain"`
	Contract       string         `json:"contract"`
	TokensHeld     int64          `json:"tokensHeld"`
	CreditsAdded   int64          `json:"creditsAdded"`
	AlreadyClaimed bool           `json:"alreadyClaimed"`
	Linked         bool           `json:"linked"`
}

type Service struct {
	readers     ReaderFunc
	collections map[string]config.NFTCollection
	bonus       int64
	ledger      Crediter
	users       Linker
	holdings    *cache.Cache[int64]
	logger      logging.Logger
}

// NewService caches holdings for five minutes; hooks receive cache results.
func NewService(cfg *config.Config, readers ReaderFunc, l Crediter, users Linker, hooks cache.MetricsHooks, logger logging.Logger) *Service {
	collections := make(map[string]config.NFTCollection, len(cfg.NFTCollections))
	for _, c := range cfg.NFTCollections {
		collections[collectionKey(c.Chain, c.Contract)] = c
	}
	return &Service{
		readers:     readers,
		collections: collections,
		bonus:       cfg.NFTBonusCredits,
		ledger:      l,
		users:       users,
		holdings: cache.New[int64](cache.Options{
			TTL:                  5 * time.Minute,
			StaleWhileRevalidate: time.Minute,
			MaxEntries:           10_000,
		}, hooks),
		logger: logger,
	}
}

// Holdings returns how many tokens of the collection the wallet owns.
func (s *Service) Holdings(ctx context.Context, chain auth.ChainType, contract, wallet string) (int64, error) {
	reader, ok := s.readers(chain)
	if !ok {
		return 0, apperr.New(apperr.Validation, "chain %q is not configured", chain)
	}
	key := collectionKey(chain, contract) + ":" + wallet
	count, _, err := s.holdings.Get(ctx, key, func(ctx context.Context, _ string) (int64, bool, error) {
		bal, err := reader.ERC721Balance(ctx, contract, wallet)
		if err != nil {
			return 0, false, err
		}
		if !bal.IsInt64() {
			return 0, true, nil
		}
		return bal.Int64(), true, nil
	})
	return count, err
}

// ClaimBonus links the collection to the user and credits the bonus once
// per (collection, wallet).
func (s *Service) ClaimBonus(ctx context.Context, userID, wallet string, walletChain auth.ChainType, chain auth.ChainType, contract string) (*BonusResult, error) {
	chain = auth.ChainType(strings.ToLower(string(chain)))
	contract = strings.ToLower(strings.TrimSpace(contract))
	if _, ok := s.collections[collectionKey(chain, contract)]; !ok {
		return nil, apperr.New(apperr.Validation, "collection %s on %s is not eligible", contract, chain)
	}
	if wallet == "" || !auth.IsEVMChain(walletChain) {
		return nil, apperr.New(apperr.Forbidden, "an EVM wallet must be linked to claim the NFT bonus")
	}

	count, err := s.Holdings(ctx, chain, contract, wallet)
	if err != nil {
		return nil, err
	}
	if count < 1 {
		return nil, apperr.New(apperr.Forbidden, "wallet holds no token of %s", contract)
	}

	res := &BonusResult{Chain: chain, Contract: contract, TokensHeld: count}
	res.Linked, err = s.users.LinkNFTCollection(ctx, userID, chain, contract)
	if err != nil {
		return nil, err
	}
	if s.bonus <= 0 {
		return res, nil
	}

	claimKey := fmt.Sprintf("nft:%s:%s:%s", chain, contract, wallet)
	_, err = s.ledger.CreditPayment(ctx, ledger.PaymentRecord{
		ClaimKey: claimKey,
		Provider: ledger.ProviderNFTBonus,
		Chain:    string(chain),
		TxID:     contract,
		Payer:    wallet,
		Amount:   "0",
		Credits:  s.bonus,
		UserID:   userID,
	}, ledger.ReasonNFTBonus)
	switch {
	case apperr.IsKind(err, apperr.AlreadyClaimed):
		res.AlreadyClaimed = true
		return res, nil
	case err != nil:
		return nil, err
	}

	res.CreditsAdded = s.bonus
	s.logger.WithFields(logging.Fields{
		"user_id":  userID,
		"chain":    chain,
		"contract": contract,
		"credits":  s.bonus,
	}).Info("NFT holder bonus granted")
	return res, nil
}

func collectionKey(chain auth.ChainType, contract string) string {
	return string(chain) + ":" + strings.ToLower(contract)
}
