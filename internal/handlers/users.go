package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pixelforge/internal/apperr"
	"pixelforge/internal/ledger"
	"pixelforge/internal/users"
)

const profileHistoryLimit = 50

type profileResponse struct {
	*users.User
	NFTCollections []users.NFTCollection  `json:"nftCollections"`
	Payments       []ledger.PaymentRecord `json:"payments"`
	Generations    []users.Generation     `json:"generations"`
}

func (h *Handlers) GetMe(c *gin.Context) {
	h.writeProfile(c, currentUserID(c))
}

// GetUser serves only the caller's own profile.
func (h *Handlers) GetUser(c *gin.Context) {
	id := c.Param("id")
	if id != currentUserID(c) {
		h.writeError(c, apperr.New(apperr.Forbidden, "cannot read another user's profile"))
		return
	}
	h.writeProfile(c, id)
}

func (h *Handlers) writeProfile(c *gin.Context, userID string) {
	ctx := c.Request.Context()
	user, err := h.users.FindByID(ctx, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	collections, err := h.users.NFTCollections(ctx, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	payments, err := h.ledger.Payments(ctx, userID, profileHistoryLimit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	generations, err := h.users.Generations(ctx, userID, profileHistoryLimit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if payments == nil {
		payments = []ledger.PaymentRecord{}
	}

	c.JSON(http.StatusOK, profileResponse{
		User:           user,
		NFTCollections: collections,
		Payments:       payments,
		Generations:    generations,
	})
}

// GetLedgerHistory is the operator view of a user's balance changes.
func (h *Handlers) GetLedgerHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.ledger.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"userId": c.Param("id"), "entries": entries})
}
