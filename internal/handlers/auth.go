package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"pixelforge/internal/apperr"
	"pixelforge/internal/users"
	"pixelforge/pkg/auth"
	"pixelforge/pkg/logging"
	"pixelforge/pkg/middleware"
)

type credentialsRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type walletLoginRequest struct {
	Chain     string `json:"chain"`
	Address   string `json:"address" binding:"required"`
	Message   string `json:"message" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type authResponse struct {
	User         *users.User `json:"user"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken,omitempty"`
	Created      bool        `json:"created,omitempty"`
}

func (h *Handlers) Signup(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		h.writeError(c, apperr.Wrap(apperr.Validation, err, "invalid password"))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	user, err := h.users.CreateWithEmail(c.Request.Context(), req.Email, hash)
	if err != nil {
		h.writeError(c, err)
		return
	}

	middleware.GetContextLogger(c, h.logger).WithField("user_id", user.ID).Info("User signed up")
	h.issueTokens(c, http.StatusCreated, user, true)
}

func (h *Handlers) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	user, err := h.users.FindByEmail(c.Request.Context(), req.Email)
	if err != nil && !apperr.IsKind(err, apperr.UserNotFound) {
		h.writeError(c, err)
		return
	}
	if user == nil || user.PasswordHash == "" || !auth.CheckPassword(req.Password, user.PasswordHash) {
		h.writeError(c, apperr.New(apperr.Unauthenticated, "invalid email or password"))
		return
	}
	h.issueTokens(c, http.StatusOK, user, false)
}

// WalletChallenge returns the message the wallet must sign within five minutes.
func (h *Handlers) WalletChallenge(c *gin.Context) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": auth.GenerateWalletAuthMessage(hex.EncodeToString(nonce))})
}

func (h *Handlers) WalletLogin(c *gin.Context) {
	var req walletLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	chain := auth.ChainType(req.Chain)
	if chain == "" {
		chain = auth.ChainEthereum
	}
	if !auth.IsValidChainType(string(chain)) {
		h.writeError(c, apperr.New(apperr.Validation, "unsupported chain %q", req.Chain))
		return
	}

	if !auth.IsLoginMessage(req.Message) {
		h.writeError(c, apperr.New(apperr.Validation, "message is not a login challenge"))
		return
	}

	wallet, err := auth.VerifyWalletAuth(auth.WalletMessage{
		Chain:     chain,
		Address:   req.Address,
		Message:   req.Message,
		Signature: req.Signature,
	})
	if errors.Is(err, auth.ErrInvalidSignature) {
		middleware.GetContextLogger(c, h.logger).WithFields(logging.Fields{
			"chain":      chain,
			"address":    req.Address,
			"suspicious": true,
		}).Warn("Wallet login with invalid signature")
		h.writeError(c, apperr.Wrap(apperr.InvalidSignature, err, "wallet signature does not match"))
		return
	}
	if err != nil {
		h.writeError(c, apperr.Wrap(apperr.Validation, err, "invalid wallet login"))
		return
	}

	user, created, err := h.users.FindOrCreateByWallet(c.Request.Context(), chain, wallet)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if created {
		middleware.GetContextLogger(c, h.logger).WithFields(logging.Fields{
			"user_id": user.ID,
			"chain":   chain,
		}).Info("Created wallet user")
	}
	h.issueTokens(c, http.StatusOK, user, created)
}

// Refresh exchanges a refresh token for a new access token.
func (h *Handlers) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	claims, err := auth.ValidateRefreshToken(req.RefreshToken, h.cfg.JWTSecret)
	if errors.Is(err, auth.ErrInvalidTokenType) {
		h.writeError(c, apperr.Wrap(apperr.InvalidTokenType, err, "a refresh token is required"))
		return
	}
	if err != nil {
		h.writeError(c, apperr.Wrap(apperr.Unauthenticated, err, "invalid refresh token"))
		return
	}

	user, err := h.users.FindByID(c.Request.Context(), claims.UserID)
	if apperr.IsKind(err, apperr.UserNotFound) {
		h.writeError(c, apperr.New(apperr.Unauthenticated, "account no longer exists"))
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	access, err := auth.GenerateAccessToken(identity(user), h.cfg.JWTSecret)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accessToken": access})
}

func (h *Handlers) issueTokens(c *gin.Context, status int, user *users.User, created bool) {
	id := identity(user)
	access, err := auth.GenerateAccessToken(id, h.cfg.JWTSecret)
	if err != nil {
		h.writeError(c, err)
		return
	}
	refresh, err := auth.GenerateRefreshToken(id, h.cfg.JWTSecret)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(status, authResponse{User: user, AccessToken: access, RefreshToken: refresh, Created: created})
}

func identity(u *users.User) auth.Identity {
	return auth.Identity{UserID: u.ID, Email: u.Email, WalletAddress: u.WalletAddress}
}
