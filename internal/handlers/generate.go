package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"pixelforge/internal/apperr"
	"pixelforge/internal/imagegen"
	"pixelforge/internal/ledger"
	"pixelforge/internal/users"
	"pixelforge/pkg/logging"
	"pixelforge/pkg/middleware"
)

type generateRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

type generateResponse struct {
	GenerationID string `json:"generationId"`
	ImageURL     string `json:"imageUrl"`
	CreditsSpent int64  `json:"creditsSpent"`
	Balance      int64  `json:"balance"`
}

// Generate debits the generation cost, calls the image API and refunds the
// debit when the call fails.
func (h *Handlers) Generate(c *gin.Context) {
	if h.images == nil {
		h.writeError(c, apperr.New(apperr.Config, "image generation is not configured"))
		return
	}
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	prompt, err := imagegen.ValidatePrompt(req.Prompt)
	if err != nil {
		h.writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	userID := currentUserID(c)
	cost := h.cfg.GenerationCostCredits
	genID := uuid.New().String()
	log := middleware.GetContextLogger(c, h.logger).WithFields(logging.Fields{
		"user_id":       userID,
		"generation_id": genID,
	})

	balance, err := h.ledger.Debit(ctx, userID, cost, ledger.ReasonGeneration, ledger.Reference{Type: "generation", ID: genID})
	if err != nil {
		h.writeError(c, err)
		return
	}

	imageURL, genErr := h.images.Generate(ctx, prompt)
	if genErr != nil {
		// The client may be gone; the refund must still land.
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		status := users.GenerationRefunded
		if _, err := h.ledger.Refund(bg, userID, cost, genID); err != nil {
			status = users.GenerationFailed
			log.WithError(err).Error("Failed to refund generation")
		}
		h.recordGeneration(bg, log, users.Generation{
			ID: genID, UserID: userID, Prompt: prompt, CreditsSpent: cost, Status: status, Error: genErr.Error(),
		})
		log.WithError(genErr).Warn("Image generation failed")
		h.writeError(c, genErr)
		return
	}

	h.recordGeneration(ctx, log, users.Generation{
		ID: genID, UserID: userID, Prompt: prompt, ImageURL: imageURL, CreditsSpent: cost, Status: users.GenerationCompleted,
	})
	c.JSON(http.StatusOK, generateResponse{
		GenerationID: genID,
		ImageURL:     imageURL,
		CreditsSpent: cost,
		Balance:      balance,
	})
}

func (h *Handlers) recordGeneration(ctx context.Context, log logging.Entry, g users.Generation) {
	if err := h.users.RecordGeneration(ctx, g); err != nil {
		log.WithError(err).Warn("Failed to record generation")
	}
}
