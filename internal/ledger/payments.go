package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pixelforge/internal/apperr"
)

const (
	ProviderCrypto   = "crypto"
	ProviderStripe   = "stripe"
	ProviderNFTBonus = "nft_bonus"
)

// PaymentRecord is one credited payment. ClaimKey is unique across all
// providers.
type PaymentRecord struct {
	ID        string    `json:"id"`
	ClaimKey  string    `json:"claimKey"`
	Provider  string    `json:"provider"`
	Chain     string    `json:"chain,omitempty"`
	TxID      string    `json:"txId"`
	Payer     string    `json:"payer,omitempty"`
	Asset     string    `json:"asset,omitempty"`
	Amount    string    `json:"amount"`
	Credits   int64     `json:"credits"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreditPayment records the payment and credits rec.Credits in one
// transaction. A claim key that already exists yields AlreadyClaimed and
// leaves the balance untouched.
func (l *Ledger) CreditPayment(ctx context.Context, rec PaymentRecord, reason Reason) (int64, error) {
	if rec.ClaimKey == "" {
		return 0, apperr.New(apperr.Validation, "claim key is required")
	}
	if err := validate(rec.UserID, rec.Credits); err != nil {
		return 0, err
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Amount == "" {
		rec.Amount = "0"
	}

	var entry Entry
	err := l.inTx(ctx, "credit_payment", func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `
			INSERT INTO paymaster.payment_records (
				id, claim_key, provider, chain, tx_id, payer, asset, amount, credits, user_id, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
			ON CONFLICT (claim_key) DO NOTHING
			RETURNING id
		`, rec.ID, rec.ClaimKey, rec.Provider, rec.Chain, rec.TxID, rec.Payer, rec.Asset, rec.Amount, rec.Credits, rec.UserID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.AlreadyClaimed, "%s was already credited", rec.ClaimKey)
		}
		if err != nil {
			return fmt.Errorf("insert payment record: %w", err)
		}

		entry, err = creditTx(ctx, tx, rec.UserID, rec.Credits, reason, Reference{Type: rec.Provider, ID: rec.ClaimKey})
		return err
	})
	if err != nil {
		return 0, err
	}
	l.committed(ctx, entry)
	return entry.BalanceAfter, nil
}

// ClaimExists reports whether a payment with claimKey was recorded.
func (l *Ledger) ClaimExists(ctx context.Context, claimKey string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM paymaster.payment_records WHERE claim_key = $1)`, claimKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check payment record: %w", err)
	}
	return exists, nil
}

// PaymentByClaimKey returns the recorded payment, or nil if there is none.
func (l *Ledger) PaymentByClaimKey(ctx context.Context, claimKey string) (*PaymentRecord, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, claim_key, provider, chain, tx_id, payer, asset, amount, credits, user_id, created_at
		FROM paymaster.payment_records
		WHERE claim_key = $1
	`, claimKey)
	rec, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment record: %w", err)
	}
	return rec, nil
}

// Payments returns a user's payments, newest first.
func (l *Ledger) Payments(ctx context.Context, userID string, limit int) ([]PaymentRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, claim_key, provider, chain, tx_id, payer, asset, amount, credits, user_id, created_at
		FROM paymaster.payment_records
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PaymentRecord
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(s scanner) (*PaymentRecord, error) {
	var rec PaymentRecord
	if err := s.Scan(&rec.ID, &rec.ClaimKey, &rec.Provider, &rec.Chain, &rec.TxID, &rec.Payer,
		&rec.Asset, &rec.Amount, &rec.Credits, &rec.UserID, &rec.CreatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}
