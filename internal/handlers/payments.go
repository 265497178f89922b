package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"pixelforge/internal/apperr"
	"pixelforge/internal/verifier"
	"pixelforge/pkg/auth"
)

type verifyPaymentRequest struct {
	Chain  string `json:"chain" binding:"required"`
	TxID   string `json:"txId" binding:"required"`
	Wallet string `json:"wallet" binding:"required"`
	// Amount accepts 10, 10.5 and "10.5".
	Amount *decimal.Decimal `json:"amount" binding:"required"`
	Asset  string           `json:"asset"`
	// WalletMessage and WalletSignature prove control of a wallet that is
	// not linked to the account. See ClaimMessage.
	WalletMessage   string `json:"walletMessage"`
	WalletSignature string `json:"walletSignature"`
}

// VerifyPayment claims an on-chain payment for the caller. Not-yet-confirmed
// transactions answer 202 so the client polls again.
func (h *Handlers) VerifyPayment(c *gin.Context) {
	if h.payments == nil {
		h.writeError(c, apperr.New(apperr.Config, "crypto payments are not configured"))
		return
	}
	var req verifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	out, err := h.payments.Claim(c.Request.Context(), currentUserID(c), verifier.Claim{
		Chain:  auth.ChainType(req.Chain),
		TxID:   req.TxID,
		Wallet: req.Wallet,
		Amount: req.Amount.String(),
		Asset:  req.Asset,
		Proof:  verifier.WalletProof{Message: req.WalletMessage, Signature: req.WalletSignature},
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ClaimMessage returns the message a wallet signs to claim txId from an
// account it is not linked to.
func (h *Handlers) ClaimMessage(c *gin.Context) {
	txID := c.Query("txId")
	if txID == "" {
		h.writeError(c, apperr.New(apperr.Validation, "txId is required"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": auth.GenerateClaimMessage(txID)})
}
