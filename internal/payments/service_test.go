package payments

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelforge/internal/apperr"
	"pixelforge/internal/chains"
	"pixelforge/internal/config"
	"pixelforge/internal/dedup"
	"pixelforge/internal/ledger"
	"pixelforge/internal/users"
	"pixelforge/internal/verifier"
	"pixelforge/pkg/auth"
	authtest "pixelforge/pkg/testutil"
)

const (
	userID    = "6f1c2b1e-8a8f-4c55-9d55-0d7b2f0f4a11"
	otherUser = "0d7b2f0f-4a11-4c55-9d55-6f1c2b1e8a8f"
	thirdUser = "9a9a9a9a-1111-4c55-9d55-6f1c2b1e8a8f"
	receiving = "0x742d35cc6634c0532925a3b844bc454e4438f44e"
	payer     = "0x1111111111111111111111111111111111111111"
)

var polygonTx = "0x" + strings.Repeat("cd", 32)

type fakeChain struct {
	mu    sync.Mutex
	info  *chains.TxInfo
	err   error
	calls atomic.Int32
}

func (f *fakeChain) Network() chains.Network { return chains.Networks[auth.ChainPolygon] }

func (f *fakeChain) Transaction(context.Context, string) (*chains.TxInfo, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info, f.err
}

func (f *fakeChain) set(info *chains.TxInfo, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info, f.err = info, err
}

type clients map[auth.ChainType]chains.Client

func (c clients) Client(chain auth.ChainType) (chains.Client, bool) {
	cl, ok := c[chain]
	return cl, ok
}

type memLedger struct {
	mu       sync.Mutex
	records  map[string]ledger.PaymentRecord
	balances map[string]int64
	failNext error
}

func newMemLedger() *memLedger {
	return &memLedger{records: map[string]ledger.PaymentRecord{}, balances: map[string]int64{}}
}

func (m *memLedger) CreditPayment(_ context.Context, rec ledger.PaymentRecord, _ ledger.Reason) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return 0, err
	}
	if _, ok := m.records[rec.ClaimKey]; ok {
		return 0, apperr.New(apperr.AlreadyClaimed, "claimed")
	}
	m.records[rec.ClaimKey] = rec
	m.balances[rec.UserID] += rec.Credits
	return m.balances[rec.UserID], nil
}

func (m *memLedger) PaymentByClaimKey(_ context.Context, key string) (*ledger.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *memLedger) ClaimExists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[key]
	return ok, nil
}

func (m *memLedger) Balance(_ context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[id], nil
}

type userMap map[string]*users.User

func (u userMap) FindByID(_ context.Context, id string) (*users.User, error) {
	if user, ok := u[id]; ok {
		return user, nil
	}
	return nil, apperr.New(apperr.UserNotFound, "user not found")
}

type fixture struct {
	svc     *Service
	chain   *fakeChain
	ledger  *memLedger
	redis   *miniredis.Miniredis
	guard   *dedup.Guard
	results *prometheus.CounterVec
	users   userMap
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		CreditsPerUSD: 10,
		Chains: map[auth.ChainType]config.Chain{
			auth.ChainPolygon: {
				Name:                 auth.ChainPolygon,
				RPCURL:               "http://polygon.invalid",
				ReceivingWallet:      receiving,
				NativeCreditsPerUnit: decimal.NewFromInt(3),
			},
		},
	}

	f := &fixture{
		chain:   &fakeChain{},
		ledger:  newMemLedger(),
		redis:   mr,
		results: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "payment_verifications_total"}, []string{"chain", "result"}),
		users: userMap{
			userID:    {ID: userID, WalletChain: string(auth.ChainPolygon), WalletAddress: payer},
			otherUser: {ID: otherUser},
			thirdUser: {ID: thirdUser},
		},
	}
	v := verifier.New(clients{auth.ChainPolygon: f.chain}, cfg)
	f.guard = dedup.NewGuard(dedup.NewRedisCache(rdb), f.ledger, logger)
	f.svc = NewService(v, f.guard, f.ledger, f.users, cfg, logger, WithMetrics(f.results))
	return f
}

func paid(amount string) *chains.TxInfo {
	return paidFrom(payer, amount)
}

func paidFrom(from, amount string) *chains.TxInfo {
	return &chains.TxInfo{
		TxID:          polygonTx,
		Signer:        from,
		Succeeded:     true,
		Confirmations: 100,
		Transfers: []chains.Transfer{
			{Asset: chains.AssetUSDC, From: from, To: receiving, Amount: decimal.RequireFromString(amount)},
		},
	}
}

// signedClaim is a claim for w's payment carrying w's signature over the tx.
func signedClaim(t *testing.T, w *authtest.EVMWallet, txID, amount string) verifier.Claim {
	t.Helper()
	msg := auth.GenerateClaimMessage(txID)
	sig, err := w.SignMessage(msg)
	require.NoError(t, err)
	claim := usdcClaim(amount)
	claim.Wallet = w.Address()
	claim.Proof = verifier.WalletProof{Message: msg, Signature: sig}
	return claim
}

func usdcClaim(amount string) verifier.Claim {
	return verifier.Claim{Chain: auth.ChainPolygon, TxID: polygonTx, Wallet: payer, Amount: amount, Asset: "USDC"}
}

func TestClaim_Polygon10USDCThenAlreadyClaimed(t *testing.T) {
	f := newFixture(t)
	f.chain.set(paid("10"), nil)
	ctx := context.Background()

	out, err := f.svc.Claim(ctx, userID, usdcClaim("10"))
	require.NoError(t, err)
	assert.True(t, out.Valid)
	assert.False(t, out.AlreadyClaimed)
	assert.Equal(t, int64(100), out.CreditsAdded)
	assert.Equal(t, int64(100), out.Balance)
	assert.Equal(t, payer, out.Payer)
	assert.Equal(t, "10", out.ActualAmount)

	again, err := f.svc.Claim(ctx, userID, usdcClaim("10"))
	require.NoError(t, err)
	assert.True(t, again.AlreadyClaimed)
	assert.Zero(t, again.CreditsAdded)
	assert.Equal(t, int64(100), again.Balance)
	require.NotNil(t, again.Payment)
	assert.Equal(t, "crypto:polygon:"+polygonTx, again.Payment.ClaimKey)

	assert.Equal(t, int32(1), f.chain.calls.Load(), "resubmission must not hit the RPC")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.results.WithLabelValues("polygon", "credited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.results.WithLabelValues("polygon", "already_claimed")))
}

func TestClaim_UnlinkedWalletIsForbidden(t *testing.T) {
	f := newFixture(t)
	f.chain.set(paid("10"), nil)
	ctx := context.Background()

	// otherUser signed in by email and names the payer's wallet.
	_, err := f.svc.Claim(ctx, otherUser, usdcClaim("10"))
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))
	assert.Zero(t, f.chain.calls.Load())
	assert.Empty(t, f.ledger.records)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.results.WithLabelValues("polygon", "forbidden")))

	// The payer is unaffected.
	out, err := f.svc.Claim(ctx, userID, usdcClaim("10"))
	require.NoError(t, err)
	assert.False(t, out.AlreadyClaimed)
	assert.Equal(t, int64(100), out.CreditsAdded)
	assert.Equal(t, userID, f.ledger.records["crypto:polygon:"+polygonTx].UserID)
}

func TestClaim_SignedProofForUnlinkedWallet(t *testing.T) {
	w, err := authtest.NewEVMWallet()
	require.NoError(t, err)
	stranger, err := authtest.NewEVMWallet()
	require.NoError(t, err)
	otherTx := "0x" + strings.Repeat("ef", 32)

	t.Run("signature over the tx credits", func(t *testing.T) {
		f := newFixture(t)
		f.chain.set(paidFrom(w.Address(), "10"), nil)

		out, err := f.svc.Claim(context.Background(), otherUser, signedClaim(t, w, polygonTx, "10"))
		require.NoError(t, err)
		assert.Equal(t, int64(100), out.CreditsAdded)
		assert.Equal(t, w.Address(), out.Payer)
	})

	t.Run("signature for another tx", func(t *testing.T) {
		f := newFixture(t)
		f.chain.set(paidFrom(w.Address(), "10"), nil)
		claim := signedClaim(t, w, otherTx, "10")
		claim.TxID = polygonTx

		_, err := f.svc.Claim(context.Background(), otherUser, claim)
		assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))
		assert.Zero(t, f.chain.calls.Load())
	})

	t.Run("signature by another key", func(t *testing.T) {
		f := newFixture(t)
		f.chain.set(paidFrom(w.Address(), "10"), nil)
		claim := signedClaim(t, stranger, polygonTx, "10")
		claim.Wallet = w.Address()

		_, err := f.svc.Claim(context.Background(), otherUser, claim)
		assert.Equal(t, apperr.InvalidSignature, apperr.KindOf(err))
		assert.Empty(t, f.ledger.records)
	})

	t.Run("login challenge is not a claim proof", func(t *testing.T) {
		f := newFixture(t)
		f.chain.set(paidFrom(w.Address(), "10"), nil)
		msg := auth.GenerateWalletAuthMessage("nonce")
		sig, err := w.SignMessage(msg)
		require.NoError(t, err)
		claim := usdcClaim("10")
		claim.Wallet = w.Address()
		claim.Proof = verifier.WalletProof{Message: msg, Signature: sig}

		_, err = f.svc.Claim(context.Background(), otherUser, claim)
		assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	})

	t.Run("second account sees no record", func(t *testing.T) {
		f := newFixture(t)
		f.chain.set(paidFrom(w.Address(), "10"), nil)
		ctx := context.Background()

		_, err := f.svc.Claim(ctx, otherUser, signedClaim(t, w, polygonTx, "10"))
		require.NoError(t, err)

		out, err := f.svc.Claim(ctx, thirdUser, signedClaim(t, w, polygonTx, "10"))
		require.NoError(t, err)
		assert.True(t, out.AlreadyClaimed)
		assert.Nil(t, out.Payment, "another user's payment record must not leak")
		assert.Zero(t, f.ledger.balances[thirdUser])
	})
}

func TestClaim_InFlightReservationIsNotValid(t *testing.T) {
	f := newFixture(t)
	f.chain.set(paid("10"), nil)
	ctx := context.Background()

	held, claimed, err := f.guard.Reserve(ctx, "crypto:polygon:"+polygonTx)
	require.NoError(t, err)
	require.False(t, claimed)
	defer func() { _ = held.Release(ctx) }()

	out, err := f.svc.Claim(ctx, userID, usdcClaim("10"))
	require.NoError(t, err)
	assert.True(t, out.AlreadyClaimed)
	assert.False(t, out.Valid, "no payment record exists yet")
	assert.Nil(t, out.Payment)
	assert.Zero(t, f.chain.calls.Load())
}

func TestClaim_ConcurrentDoubleClaimCreditsOnce(t *testing.T) {
	f := newFixture(t)
	f.chain.set(paid("10"), nil)

	const workers = 12
	var wg sync.WaitGroup
	var credited atomic.Int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.Claim(context.Background(), userID, usdcClaim("10"))
			if err == nil && out.CreditsAdded > 0 {
				credited.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), credited.Load())
	assert.Len(t, f.ledger.records, 1)
	assert.Equal(t, int64(100), f.ledger.balances[userID])
}

func TestClaim_InsufficientAmount(t *testing.T) {
	f := newFixture(t)
	f.chain.set(paid("3"), nil)

	_, err := f.svc.Claim(context.Background(), userID, usdcClaim("5"))
	assert.Equal(t, apperr.InsufficientAmount, apperr.KindOf(err))
	assert.Empty(t, f.ledger.records)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.results.WithLabelValues("polygon", "insufficient_amount")))

	// A rejected claim releases the key; an honest resubmission still works.
	f.chain.set(paid("5"), nil)
	out, err := f.svc.Claim(context.Background(), userID, usdcClaim("5"))
	require.NoError(t, err)
	assert.Equal(t, int64(50), out.CreditsAdded)
}

func TestClaim_NotYetConfirmedIsRetryable(t *testing.T) {
	f := newFixture(t)
	info := paid("10")
	info.Confirmations = 3
	f.chain.set(info, nil)

	_, err := f.svc.Claim(context.Background(), userID, usdcClaim("10"))
	assert.Equal(t, apperr.NotFoundOnChain, apperr.KindOf(err))
	assert.True(t, apperr.IsRetryable(err))

	f.chain.set(paid("10"), nil)
	out, err := f.svc.Claim(context.Background(), userID, usdcClaim("10"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), out.CreditsAdded)
}

func TestClaim_CacheLossFallsBackToDurableRecord(t *testing.T) {
	f := newFixture(t)
	f.chain.set(paid("10"), nil)
	ctx := context.Background()

	_, err := f.svc.Claim(ctx, userID, usdcClaim("10"))
	require.NoError(t, err)
	f.redis.FlushAll()

	out, err := f.svc.Claim(ctx, userID, usdcClaim("10"))
	require.NoError(t, err)
	assert.True(t, out.AlreadyClaimed)
	assert.Len(t, f.ledger.records, 1)
}

func TestClaim_LedgerFailureReleasesReservation(t *testing.T) {
	f := newFixture(t)
	f.chain.set(paid("10"), nil)
	f.ledger.failNext = errors.New("connection reset")

	_, err := f.svc.Claim(context.Background(), userID, usdcClaim("10"))
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.results.WithLabelValues("polygon", "error")))

	out, err := f.svc.Claim(context.Background(), userID, usdcClaim("10"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), out.CreditsAdded)
}

func TestClaim_NativeUsesChainRate(t *testing.T) {
	f := newFixture(t)
	f.chain.set(&chains.TxInfo{
		TxID: polygonTx, Signer: payer, Succeeded: true, Confirmations: 100,
		Transfers: []chains.Transfer{
			{Asset: chains.AssetNative, From: payer, To: receiving, Amount: decimal.RequireFromString("2.5")},
		},
	}, nil)

	claim := usdcClaim("2.5")
	claim.Asset = "native"
	out, err := f.svc.Claim(context.Background(), userID, claim)
	require.NoError(t, err)
	// 2.5 POL at 3 credits each, floored.
	assert.Equal(t, int64(7), out.CreditsAdded)
}

func TestClaim_TooSmallForOneCredit(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Claim(context.Background(), userID, usdcClaim("0.05"))
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	assert.Zero(t, f.chain.calls.Load())
}

func TestClaim_WalletMustBelongToAccount(t *testing.T) {
	f := newFixture(t)
	f.users[userID] = &users.User{ID: userID, WalletChain: "base", WalletAddress: "0x3333333333333333333333333333333333333333"}
	f.chain.set(paid("10"), nil)

	_, err := f.svc.Claim(context.Background(), userID, usdcClaim("10"))
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))
	assert.Zero(t, f.chain.calls.Load())
}

func TestClaim_UnknownChainLabel(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Claim(context.Background(), userID, verifier.Claim{Chain: "dogecoin", TxID: "x", Wallet: payer, Amount: "1"})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.results.WithLabelValues("unknown", "validation")))
}
