package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pixelforge/internal/apperr"
	"pixelforge/internal/stripe"
	"pixelforge/pkg/auth"
)

type nftBonusRequest struct {
	Chain    string `json:"chain" binding:"required"`
	Contract string `json:"contract" binding:"required"`
}

type checkoutRequest struct {
	Pack string `json:"pack" binding:"required"`
}

// ClaimNFTBonus credits the one-time bonus for a collection held by the
// caller's wallet.
func (h *Handlers) ClaimNFTBonus(c *gin.Context) {
	if h.nft == nil {
		h.writeError(c, apperr.New(apperr.Config, "nft bonus is not configured"))
		return
	}
	var req nftBonusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	user, err := h.users.FindByID(ctx, currentUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	res, err := h.nft.ClaimBonus(ctx, user.ID, user.WalletAddress, auth.ChainType(user.WalletChain),
		auth.ChainType(strings.ToLower(req.Chain)), req.Contract)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CreateCheckout opens a Stripe Checkout Session for a configured pack.
func (h *Handlers) CreateCheckout(c *gin.Context) {
	if h.checkout == nil {
		h.writeError(c, apperr.New(apperr.Config, "stripe is not configured"))
		return
	}
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	pack, ok := h.cfg.CreditPack(req.Pack)
	if !ok {
		h.writeError(c, apperr.New(apperr.Validation, "unknown credit pack %q", req.Pack))
		return
	}

	ctx := c.Request.Context()
	user, err := h.users.FindByID(ctx, currentUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	sess, err := h.checkout.CreateCreditCheckout(ctx, user.ID, user.Email, pack)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": sess.ID,
		"url":       sess.URL,
		"credits":   pack.Credits,
	})
}

// StripeWebhook needs the untouched body for the signature check. Errors
// are non-2xx so Stripe redelivers.
func (h *Handlers) StripeWebhook(c *gin.Context) {
	if h.webhooks == nil {
		h.writeError(c, apperr.New(apperr.Config, "stripe webhook is not configured"))
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.badRequest(c, err)
		return
	}

	ack, err := h.webhooks.Handle(c.Request.Context(), body, c.GetHeader("Stripe-Signature"), stripe.Hints{
		SessionUserID: currentUserID(c),
		RequestUserID: c.Query("user_id"),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}
