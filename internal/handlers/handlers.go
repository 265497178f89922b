// Package handlers is the HTTP surface of paymaster.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	stripego "github.com/stripe/stripe-go/v82"

	"pixelforge/internal/apperr"
	"pixelforge/internal/config"
	"pixelforge/internal/ledger"
	"pixelforge/internal/nft"
	"pixelforge/internal/payments"
	"pixelforge/internal/stripe"
	"pixelforge/internal/users"
	"pixelforge/internal/verifier"
	"pixelforge/pkg/auth"
	"pixelforge/pkg/ctxkeys"
	"pixelforge/pkg/logging"
	"pixelforge/pkg/middleware"
)

type UserStore interface {
	FindByID(ctx context.Context, id string) (*users.User, error)
	FindByEmail(ctx context.Context, email string) (*users.User, error)
	CreateWithEmail(ctx context.Context, email, passwordHash string) (*users.User, error)
	FindOrCreateByWallet(ctx context.Context, chain auth.ChainType, wallet string) (*users.User, bool, error)
	NFTCollections(ctx context.Context, userID string) ([]users.NFTCollection, error)
	RecordGeneration(ctx context.Context, g users.Generation) error
	Generations(ctx context.Context, userID string, limit int) ([]users.Generation, error)
}

type Ledger interface {
	Debit(ctx context.Context, userID string, amount int64, reason ledger.Reason, ref ledger.Reference) (int64, error)
	Refund(ctx context.Context, userID string, amount int64, generationID string) (int64, error)
	Payments(ctx context.Context, userID string, limit int) ([]ledger.PaymentRecord, error)
	History(ctx context.Context, userID string, limit int) ([]ledger.Entry, error)
}

type PaymentClaimer interface {
	Claim(ctx context.Context, userID string, claim verifier.Claim) (*payments.Outcome, error)
}

type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type BonusClaimer interface {
	ClaimBonus(ctx context.Context, userID, wallet string, walletChain, chain auth.ChainType, contract string) (*nft.BonusResult, error)
}

type Checkout interface {
	CreateCreditCheckout(ctx context.Context, userID, email string, pack config.CreditPack) (*stripego.CheckoutSession, error)
}

type WebhookProcessor interface {
	Handle(ctx context.Context, rawBody []byte, sigHeader string, hints stripe.Hints) (*stripe.Ack, error)
}

// Deps are the collaborators of the handlers. Nil optional services answer
// their routes with a config error.
type Deps struct {
	Config   *config.Config
	Logger   logging.Logger
	Users    UserStore
	Ledger   Ledger
	Payments PaymentClaimer
	Images   ImageGenerator
	NFT      BonusClaimer
	Checkout Checkout
	Webhooks WebhookProcessor
}

type Handlers struct {
	cfg      *config.Config
	logger   logging.Logger
	users    UserStore
	ledger   Ledger
	payments PaymentClaimer
	images   ImageGenerator
	nft      BonusClaimer
	checkout Checkout
	webhooks WebhookProcessor
}

func New(d Deps) *Handlers {
	return &Handlers{
		cfg:      d.Config,
		logger:   d.Logger,
		users:    d.Users,
		ledger:   d.Ledger,
		payments: d.Payments,
		images:   d.Images,
		nft:      d.NFT,
		checkout: d.Checkout,
		webhooks: d.Webhooks,
	}
}

// RegisterRoutes mounts every endpoint on router. /health and /metrics are
// mounted by server.SetupServiceRouter.
func (h *Handlers) RegisterRoutes(router gin.IRouter) {
	secret := h.cfg.JWTSecret

	authGroup := router.Group("/auth")
	{
		authGroup.POST("/signup", h.Signup)
		authGroup.POST("/login", h.Login)
		authGroup.GET("/wallet/challenge", h.WalletChallenge)
		authGroup.POST("/wallet", h.WalletLogin)
		authGroup.POST("/refresh", h.Refresh)
	}

	router.POST("/stripe/webhook", auth.OptionalJWTMiddleware(secret), h.StripeWebhook)

	protected := router.Group("/", auth.JWTAuthMiddleware(secret))
	{
		protected.POST("/payments/verify", h.VerifyPayment)
		protected.GET("/payments/claim-message", h.ClaimMessage)
		protected.GET("/users/me", h.GetMe)
		protected.GET("/users/:id", h.GetUser)
		protected.POST("/generate", h.Generate)
		protected.POST("/nft/bonus", h.ClaimNFTBonus)
		protected.POST("/stripe/checkout", h.CreateCheckout)
	}

	if h.cfg.ServiceToken != "" {
		internal := router.Group("/internal", auth.ServiceAuthMiddleware(h.cfg.ServiceToken))
		internal.GET("/users/:id/ledger", h.GetLedgerHistory)
	}
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

// writeError maps err to its status. Unclassified errors are logged and
// answered with a generic message.
func (h *Handlers) writeError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		middleware.GetContextLogger(c, h.logger).WithError(err).Error("Request failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{
			Error: "internal error",
			Kind:  string(apperr.Internal),
		})
		return
	}

	status := apperr.HTTPStatus(appErr.Kind)
	if status >= http.StatusInternalServerError {
		middleware.GetContextLogger(c, h.logger).WithError(err).Error("Request failed")
	}
	c.AbortWithStatusJSON(status, errorResponse{
		Error:     appErr.Error(),
		Kind:      string(appErr.Kind),
		Retryable: apperr.IsRetryable(err),
	})
}

func (h *Handlers) badRequest(c *gin.Context, err error) {
	h.writeError(c, apperr.Wrap(apperr.Validation, err, "invalid request body"))
}

func currentUserID(c *gin.Context) string {
	return c.GetString(string(ctxkeys.KeyUserID))
}
