// Package users stores accounts and the per-user records shown on the
// profile: linked NFT collections and generation history.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"pixelforge/internal/apperr"
	"pixelforge/pkg/auth"
)

type User struct {
	ID                 string    `json:"id"`
	WalletAddress      string    `json:"walletAddress,omitempty"`
	WalletChain        string    `json:"walletChain,omitempty"`
	Email              string    `json:"email,omitempty"`
	PasswordHash       string    `json:"-"`
	StripeCustomerID   string    `json:"-"`
	Credits            int64     `json:"credits"`
	TotalCreditsEarned int64     `json:"totalCreditsEarned"`
	TotalCreditsSpent  int64     `json:"totalCreditsSpent"`
	CreatedAt          time.Time `json:"createdAt"`
}

type NFTCollection struct {
	Chain           string    `json:"chain"`
	ContractAddress string    `json:"contractAddress"`
	VerifiedAt      time.Time `json:"verifiedAt"`
}

const (
	GenerationCompleted = "completed"
	GenerationFailed    = "failed"
	GenerationRefunded  = "refunded"
)

type Generation struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Prompt       string    `json:"prompt"`
	ImageURL     string    `json:"imageUrl,omitempty"`
	CreditsSpent int64     `json:"creditsSpent"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const userColumns = `id, COALESCE(wallet_address, ''), COALESCE(wallet_chain, ''), COALESCE(email, ''),
	COALESCE(password_hash, ''), COALESCE(stripe_customer_id, ''),
	credits, total_credits_earned, total_credits_spent, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.WalletAddress, &u.WalletChain, &u.Email, &u.PasswordHash, &u.StripeCustomerID,
		&u.Credits, &u.TotalCreditsEarned, &u.TotalCreditsSpent, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) findOne(ctx context.Context, where string, arg any) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM paymaster.users WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.UserNotFound, "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.New(apperr.UserNotFound, "user not found")
	}
	return s.findOne(ctx, `id = $1`, id)
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, apperr.New(apperr.UserNotFound, "user not found")
	}
	return s.findOne(ctx, `email = $1`, email)
}

// FindByWallet expects the storage form from auth.NormalizeAddress.
func (s *Store) FindByWallet(ctx context.Context, wallet string) (*User, error) {
	if wallet == "" {
		return nil, apperr.New(apperr.UserNotFound, "user not found")
	}
	return s.findOne(ctx, `wallet_address = $1`, wallet)
}

func (s *Store) FindByStripeCustomer(ctx context.Context, customerID string) (*User, error) {
	if customerID == "" {
		return nil, apperr.New(apperr.UserNotFound, "user not found")
	}
	return s.findOne(ctx, `stripe_customer_id = $1`, customerID)
}

// CreateWithEmail registers an email account. A taken email is a Conflict.
func (s *Store) CreateWithEmail(ctx context.Context, email, passwordHash string) (*User, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperr.New(apperr.Validation, "a valid email is required")
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		INSERT INTO paymaster.users (id, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING `+userColumns,
		uuid.New().String(), email, passwordHash))
	if isUniqueViolation(err) {
		return nil, apperr.New(apperr.Conflict, "email is already registered")
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// FindOrCreateByWallet returns the account owning the wallet, creating it
// on first login.
func (s *Store) FindOrCreateByWallet(ctx context.Context, chain auth.ChainType, wallet string) (*User, bool, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		INSERT INTO paymaster.users (id, wallet_address, wallet_chain)
		VALUES ($1, $2, $3)
		ON CONFLICT (wallet_address) DO NOTHING
		RETURNING `+userColumns,
		uuid.New().String(), wallet, string(chain)))
	if err == nil {
		return u, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("create wallet user: %w", err)
	}
	u, err = s.FindByWallet(ctx, wallet)
	return u, false, err
}

// LinkStripeCustomer stores the customer id on first sight. An existing
// different id is left in place.
func (s *Store) LinkStripeCustomer(ctx context.Context, userID, customerID string) error {
	if customerID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE paymaster.users
		SET stripe_customer_id = $2, updated_at = NOW()
		WHERE id = $1 AND stripe_customer_id IS NULL
	`, userID, customerID)
	if isUniqueViolation(err) {
		return apperr.New(apperr.Conflict, "stripe customer %s is linked to another user", customerID)
	}
	if err != nil {
		return fmt.Errorf("link stripe customer: %w", err)
	}
	return nil
}

// LinkNFTCollection records a verified holding. It reports false when the
// collection was already linked.
func (s *Store) LinkNFTCollection(ctx context.Context, userID string, chain auth.ChainType, contract string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO paymaster.user_nft_collections (user_id, chain, contract_address)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, chain, contract_address) DO NOTHING
	`, userID, string(chain), contract)
	if err != nil {
		return false, fmt.Errorf("link nft collection: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) NFTCollections(ctx context.Context, userID string) ([]NFTCollection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chain, contract_address, verified_at
		FROM paymaster.user_nft_collections
		WHERE user_id = $1
		ORDER BY verified_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query nft collections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []NFTCollection{}
	for rows.Next() {
		var c NFTCollection
		if err := rows.Scan(&c.Chain, &c.ContractAddress, &c.VerifiedAt); err != nil {
			return nil, fmt.Errorf("scan nft collection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) RecordGeneration(ctx context.Context, g Generation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paymaster.generations (id, user_id, prompt, image_url, credits_spent, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, g.ID, g.UserID, g.Prompt, g.ImageURL, g.CreditsSpent, g.Status, g.Error)
	if err != nil {
		return fmt.Errorf("record generation: %w", err)
	}
	return nil
}

func (s *Store) Generations(ctx context.Context, userID string, limit int) ([]Generation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, prompt, image_url, credits_spent, status, error, created_at
		FROM paymaster.generations
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query generations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Generation{}
	for rows.Next() {
		var g Generation
		if err := rows.Scan(&g.ID, &g.UserID, &g.Prompt, &g.ImageURL, &g.CreditsSpent, &g.Status, &g.Error, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
