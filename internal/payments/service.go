// Package payments runs the crypto claim flow: reserve the claim key,
// verify on chain, credit once, then commit the reservation.
package payments

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"pixelforge/internal/apperr"
	"pixelforge/internal/chains"
	"pixelforge/internal/config"
	"pixelforge/internal/dedup"
	"pixelforge/internal/ledger"
	"pixelforge/internal/users"
	"pixelforge/internal/verifier"
	"pixelforge/pkg/auth"
	"pixelforge/pkg/logging"
)

type Verifier interface {
	Prepare(claim verifier.Claim) (*verifier.Prepared, error)
	Check(ctx context.Context, p *verifier.Prepared) (*verifier.Result, error)
}

type Reserver interface {
	Reserve(ctx context.Context, claimKey string) (*dedup.Reservation, bool, error)
}

type Ledger interface {
	CreditPayment(ctx context.Context, rec ledger.PaymentRecord, reason ledger.Reason) (int64, error)
	PaymentByClaimKey(ctx context.Context, claimKey string) (*ledger.PaymentRecord, error)
	Balance(ctx context.Context, userID string) (int64, error)
}

type UserLookup interface {
	FindByID(ctx context.Context, id string) (*users.User, error)
}

// Outcome is the 200 response of a claim. AlreadyClaimed outcomes carry the
// earlier payment record when it was credited to the same user.
type Outcome struct {
	Valid          bool                  `json:"valid"`
	AlreadyClaimed bool                  `json:"alreadyClaimed"`
	Chain          string                `json:"chain"`
	TxID           string                `json:"txId"`
	Asset          string                `json:"asset"`
	ActualAmount   string                `json:"actualAmount,omitempty"`
	Payer          string                `json:"payer,omitempty"`
	Confirmations  uint64                `json:"confirmations,omitempty"`
	CreditsAdded   int64                 `json:"creditsAdded"`
	Balance        int64                 `json:"balance"`
	Payment        *ledger.PaymentRecord `json:"payment,omitempty"`
}

type Service struct {
	verifier Verifier
	guard    Reserver
	ledger   Ledger
	users    UserLookup
	cfg      *config.Config
	logger   logging.Logger
	results  *prometheus.CounterVec
}

type Option func(*Service)

// WithMetrics wires payment_verifications_total{chain,result}.
func WithMetrics(results *prometheus.CounterVec) Option {
	return func(s *Service) { s.results = results }
}

func NewService(v Verifier, guard Reserver, l Ledger, u UserLookup, cfg *config.Config, logger logging.Logger, opts ...Option) *Service {
	s := &Service{verifier: v, guard: guard, ledger: l, users: u, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Claim credits userID for an on-chain payment at most once per
// transaction. Retryable failures release the reservation so the same
// claim can be submitted again.
func (s *Service) Claim(ctx context.Context, userID string, claim verifier.Claim) (out *Outcome, err error) {
	chain := string(claim.Chain)
	defer func() { s.observe(chain, err, out) }()

	p, err := s.verifier.Prepare(claim)
	if err != nil {
		return nil, err
	}
	chain = string(p.Network.Name)
	log := s.logger.WithFields(logging.Fields{
		"user_id":   userID,
		"chain":     chain,
		"tx_id":     p.TxID,
		"asset":     p.Asset,
		"amount":    p.Amount.String(),
		"claim_key": p.ClaimKey,
	})

	if err := s.checkWalletOwnership(ctx, userID, p, claim.Proof); err != nil {
		if apperr.IsKind(err, apperr.InvalidSignature) || apperr.IsKind(err, apperr.Forbidden) {
			log.WithError(err).WithFields(logging.Fields{
				"suspicious": true,
				"wallet":     p.Wallet,
			}).Warn("Rejected payment claim for unowned wallet")
		}
		return nil, err
	}
	credits := s.creditsFor(p)
	if credits <= 0 {
		return nil, apperr.New(apperr.Validation, "%s %s is below the smallest purchasable credit", p.Amount, p.Asset)
	}

	res, claimed, err := s.guard.Reserve(ctx, p.ClaimKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "reserve claim")
	}
	if claimed {
		log.Info("Payment already claimed")
		return s.priorOutcome(ctx, userID, p)
	}

	result, err := s.verifier.Check(ctx, p)
	if err != nil {
		_ = res.Release(ctx)
		if apperr.IsSuspicious(err) {
			log.WithError(err).WithFields(logging.Fields{
				"suspicious": true,
				"wallet":     p.Wallet,
			}).Warn("Rejected payment claim")
		} else {
			log.WithError(err).Info("Payment verification failed")
		}
		return nil, err
	}

	balance, err := s.ledger.CreditPayment(ctx, ledger.PaymentRecord{
		ClaimKey: p.ClaimKey,
		Provider: ledger.ProviderCrypto,
		Chain:    chain,
		TxID:     p.TxID,
		Payer:    result.Payer,
		Asset:    string(p.Asset),
		Amount:   p.Amount.String(),
		Credits:  credits,
		UserID:   userID,
	}, ledger.ReasonCryptoPayment)
	if apperr.IsKind(err, apperr.AlreadyClaimed) {
		// The durable record outran the cache, e.g. after a cache flush.
		_ = res.Commit(ctx)
		return s.priorOutcome(ctx, userID, p)
	}
	if err != nil {
		_ = res.Release(ctx)
		return nil, err
	}
	_ = res.Commit(ctx)

	log.WithFields(logging.Fields{
		"credits_added": credits,
		"actual_amount": result.ActualAmount.String(),
		"confirmations": result.Confirmations,
	}).Info("Credited crypto payment")

	return &Outcome{
		Valid:         true,
		Chain:         chain,
		TxID:          p.TxID,
		Asset:         string(p.Asset),
		ActualAmount:  result.ActualAmount.String(),
		Payer:         result.Payer,
		Confirmations: result.Confirmations,
		CreditsAdded:  credits,
		Balance:       balance,
	}, nil
}

// creditsFor prices the claimed amount, floored to whole credits. The
// claimed amount is what Check proved was paid, within tolerance.
func (s *Service) creditsFor(p *verifier.Prepared) int64 {
	var rate decimal.Decimal
	switch p.Asset {
	case chains.AssetUSDC:
		rate = decimal.NewFromInt(s.cfg.CreditsPerUSD)
	case chains.AssetNative:
		rate = s.cfg.Chains[p.Network.Name].NativeCreditsPerUnit
	}
	return p.Amount.Mul(rate).Floor().IntPart()
}

// checkWalletOwnership accepts a claim only for a wallet the caller
// controls: the wallet linked at sign-in, or one that signed a claim
// message for this transaction.
func (s *Service) checkWalletOwnership(ctx context.Context, userID string, p *verifier.Prepared, proof verifier.WalletProof) error {
	if proof.Signature != "" {
		return verifyClaimProof(p, proof)
	}
	if s.users == nil {
		return apperr.New(apperr.Forbidden, "wallet %s is not linked to this account", p.Wallet)
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.WalletAddress == "" {
		return apperr.New(apperr.Forbidden, "wallet %s is not linked to this account; sign a claim message for the transaction", p.Wallet)
	}
	linked := auth.ChainType(user.WalletChain)
	if auth.IsEVMChain(linked) != p.Network.IsEVM() || user.WalletAddress != p.Wallet {
		return apperr.New(apperr.Forbidden, "wallet %s is not the wallet of this account", p.Wallet)
	}
	return nil
}

func verifyClaimProof(p *verifier.Prepared, proof verifier.WalletProof) error {
	named, ok := auth.ClaimMessageTxID(proof.Message)
	if !ok {
		return apperr.New(apperr.Validation, "wallet proof is not a payment claim message")
	}
	txID, err := chains.NormalizeTxID(p.Network.Name, named)
	if err != nil || txID != p.TxID {
		return apperr.New(apperr.Forbidden, "wallet proof was signed for another transaction")
	}
	_, err = auth.VerifyWalletAuth(auth.WalletMessage{
		Chain:     p.Network.Name,
		Address:   p.Wallet,
		Message:   proof.Message,
		Signature: proof.Signature,
	})
	if errors.Is(err, auth.ErrInvalidSignature) {
		return apperr.Wrap(apperr.InvalidSignature, err, "wallet proof does not match %s", p.Wallet)
	}
	if err != nil {
		return apperr.Wrap(apperr.Validation, err, "invalid wallet proof")
	}
	return nil
}

func (s *Service) priorOutcome(ctx context.Context, userID string, p *verifier.Prepared) (*Outcome, error) {
	out := &Outcome{
		AlreadyClaimed: true,
		Chain:          string(p.Network.Name),
		TxID:           p.TxID,
		Asset:          string(p.Asset),
	}
	prior, err := s.ledger.PaymentByClaimKey(ctx, p.ClaimKey)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		out.Valid = true
		out.Payer = prior.Payer
		if prior.UserID == userID {
			out.Payment = prior
		}
	}
	if balance, err := s.ledger.Balance(ctx, userID); err == nil {
		out.Balance = balance
	}
	return out, nil
}

func (s *Service) observe(chain string, err error, out *Outcome) {
	if s.results == nil {
		return
	}
	result := "credited"
	switch {
	case err != nil:
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			result = string(appErr.Kind)
		} else {
			result = "error"
		}
	case out != nil && out.AlreadyClaimed:
		result = "already_claimed"
	}
	if !auth.IsValidChainType(chain) {
		chain = "unknown"
	}
	s.results.WithLabelValues(chain, result).Inc()
}
