// Package ledger owns user balances. Every balance change is a single
// conditional UPDATE plus an append to ledger_entries, in one transaction.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"pixelforge/internal/apperr"
	"pixelforge/pkg/logging"
)

type Reason string

const (
	ReasonCryptoPayment Reason = "crypto_payment"
	ReasonStripePayment Reason = "stripe_payment"
	ReasonNFTBonus      Reason = "nft_bonus"
	ReasonGeneration    Reason = "generation"
	ReasonRefund        Reason = "refund"
)

// Reference points a ledger entry at the object that caused it.
type Reference struct {
	Type string
	ID   string
}

type Entry struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Delta         int64     `json:"delta"`
	BalanceAfter  int64     `json:"balanceAfter"`
	Reason        Reason    `json:"reason"`
	ReferenceType string    `json:"referenceType,omitempty"`
	ReferenceID   string    `json:"referenceId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Publisher receives committed entries. Delivery is best effort.
type Publisher interface {
	PublishEntry(ctx context.Context, entry Entry)
}

type Ledger struct {
	db        *sql.DB
	logger    logging.Logger
	publisher Publisher
	granted   *prometheus.CounterVec
	debited   *prometheus.CounterVec
	queries   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

type Option func(*Ledger)

// WithPublisher streams committed entries, e.g. to Kafka.
func WithPublisher(p Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithMetrics wires credits_granted_total{source} and credits_debited_total{reason}.
func WithMetrics(granted, debited *prometheus.CounterVec) Option {
	return func(l *Ledger) {
		l.granted = granted
		l.debited = debited
	}
}

// WithDatabaseMetrics wires the counters from MetricsCollector.CreateDatabaseMetrics.
func WithDatabaseMetrics(queries *prometheus.CounterVec, duration *prometheus.HistogramVec) Option {
	return func(l *Ledger) {
		l.queries = queries
		l.duration = duration
	}
}

func New(db *sql.DB, logger logging.Logger, opts ...Option) *Ledger {
	l := &Ledger{db: db, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Credit adds amount to the user's balance and earned total.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, reason Reason, ref Reference) (int64, error) {
	if err := validate(userID, amount); err != nil {
		return 0, err
	}

	var entry Entry
	err := l.inTx(ctx, "credit", func(tx *sql.Tx) error {
		var err error
		entry, err = creditTx(ctx, tx, userID, amount, reason, ref)
		return err
	})
	if err != nil {
		return 0, err
	}
	l.committed(ctx, entry)
	return entry.BalanceAfter, nil
}

// Refund returns credits spent on a generation.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int64, generationID string) (int64, error) {
	return l.Credit(ctx, userID, amount, ReasonRefund, Reference{Type: "generation", ID: generationID})
}

// Debit removes amount only if the balance covers it. On failure the
// balance is unchanged and the error is InsufficientCredits or UserNotFound.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, reason Reason, ref Reference) (int64, error) {
	if err := validate(userID, amount); err != nil {
		return 0, err
	}

	var entry Entry
	err := l.inTx(ctx, "debit", func(tx *sql.Tx) error {
		var balance int64
		err := tx.QueryRowContext(ctx, `
			UPDATE paymaster.users
			SET credits = credits - $2,
			    total_credits_spent = total_credits_spent + $2,
			    updated_at = NOW()
			WHERE id = $1 AND credits >= $2
			RETURNING credits
		`, userID, amount).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM paymaster.users WHERE id = $1)`, userID,
			).Scan(&exists); err != nil {
				return fmt.Errorf("check user: %w", err)
			}
			if !exists {
				return apperr.New(apperr.UserNotFound, "user %s not found", userID)
			}
			return apperr.New(apperr.InsufficientCredits, "balance is below %d credits", amount)
		}
		if err != nil {
			return fmt.Errorf("debit credits: %w", err)
		}

		entry, err = insertEntry(ctx, tx, userID, -amount, balance, reason, ref)
		return err
	})
	if err != nil {
		return 0, err
	}
	l.committed(ctx, entry)
	return entry.BalanceAfter, nil
}

// Balance returns the current balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return 0, apperr.New(apperr.UserNotFound, "user %s not found", userID)
	}
	var balance int64
	err := l.db.QueryRowContext(ctx, `SELECT credits FROM paymaster.users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.New(apperr.UserNotFound, "user %s not found", userID)
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// History returns the newest entries first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, apperr.New(apperr.UserNotFound, "user %s not found", userID)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, delta, balance_after, reason, reference_type, reference_id, created_at
		FROM paymaster.ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.BalanceAfter, &e.Reason, &e.ReferenceType, &e.ReferenceID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *Ledger) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	start := time.Now()
	defer func() {
		if l.queries != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			l.queries.WithLabelValues(op, status).Inc()
		}
		if l.duration != nil {
			l.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}
	}()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", op, err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", op, err)
	}
	return nil
}

func (l *Ledger) committed(ctx context.Context, entry Entry) {
	if entry.Delta > 0 && l.granted != nil {
		l.granted.WithLabelValues(string(entry.Reason)).Add(float64(entry.Delta))
	}
	if entry.Delta < 0 && l.debited != nil {
		l.debited.WithLabelValues(string(entry.Reason)).Add(float64(-entry.Delta))
	}
	l.logger.WithFields(logging.Fields{
		"user_id":       entry.UserID,
		"delta":         entry.Delta,
		"balance_after": entry.BalanceAfter,
		"reason":        entry.Reason,
		"reference_id":  entry.ReferenceID,
	}).Info("Ledger entry committed")
	if l.publisher != nil {
		l.publisher.PublishEntry(ctx, entry)
	}
}

func creditTx(ctx context.Context, tx *sql.Tx, userID string, amount int64, reason Reason, ref Reference) (Entry, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `
		UPDATE paymaster.users
		SET credits = credits + $2,
		    total_credits_earned = total_credits_earned + $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING credits
	`, userID, amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, apperr.New(apperr.UserNotFound, "user %s not found", userID)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("credit credits: %w", err)
	}
	return insertEntry(ctx, tx, userID, amount, balance, reason, ref)
}

func insertEntry(ctx context.Context, tx *sql.Tx, userID string, delta, balance int64, reason Reason, ref Reference) (Entry, error) {
	entry := Entry{
		ID:            uuid.New().String(),
		UserID:        userID,
		Delta:         delta,
		BalanceAfter:  balance,
		Reason:        reason,
		ReferenceType: ref.Type,
		ReferenceID:   ref.ID,
		CreatedAt:     time.Now().UTC(),
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO paymaster.ledger_entries (
			id, user_id, delta, balance_after, reason, reference_type, reference_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.UserID, entry.Delta, entry.BalanceAfter, string(entry.Reason), entry.ReferenceType, entry.ReferenceID, entry.CreatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	return entry, nil
}

func validate(userID string, amount int64) error {
	if amount <= 0 {
		return apperr.New(apperr.Validation, "amount must be positive, got %d", amount)
	}
	if _, err := uuid.Parse(userID); err != nil {
		return apperr.New(apperr.UserNotFound, "user %s not found", userID)
	}
	return nil
}
