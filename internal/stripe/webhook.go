package stripe

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stripe/stripe-go/v82"

	"pixelforge/internal/apperr"
	"pixelforge/internal/ledger"
	"pixelforge/internal/users"
	"pixelforge/pkg/auth"
	"pixelforge/pkg/logging"
)

const providerStripe = "stripe"

// EventVerifier checks the signature and decodes the event.
type EventVerifier interface {
	ConstructEvent(payload []byte, signature string) (*stripe.Event, error)
}

// CustomerDirectory resolves a Stripe customer id to its email.
type CustomerDirectory interface {
	CustomerEmail(ctx context.Context, customerID string) (string, error)
}

type UserStore interface {
	FindByID(ctx context.Context, id string) (*users.User, error)
	FindByEmail(ctx context.Context, email string) (*users.User, error)
	FindByWallet(ctx context.Context, wallet string) (*users.User, error)
	FindByStripeCustomer(ctx context.Context, customerID string) (*users.User, error)
	LinkStripeCustomer(ctx context.Context, userID, customerID string) error
}

type Crediter interface {
	CreditPayment(ctx context.Context, rec ledger.PaymentRecord, reason ledger.Reason) (int64, error)
}

// Hints carry user ids known from outside the event payload.
type Hints struct {
	SessionUserID string
	RequestUserID string
}

// Ack is the outcome of one delivery. Any non-error result is answered 200.
type Ack struct {
	EventID        string `json:"eventId"`
	EventType      string `json:"eventType"`
	Duplicate      bool   `json:"duplicate,omitempty"`
	Ignored        bool   `json:"ignored,omitempty"`
	AlreadyClaimed bool   `json:"alreadyClaimed,omitempty"`
	UserID         string `json:"userId,omitempty"`
	CreditsAdded   int64  `json:"creditsAdded,omitempty"`
	Balance        int64  `json:"balance,omitempty"`
}

type WebhookHandler struct {
	events        EventVerifier
	customers     CustomerDirectory
	db            *sql.DB
	users         UserStore
	ledger        Crediter
	creditsPerUSD int64
	logger        logging.Logger
	processed     *prometheus.CounterVec
}

type WebhookConfig struct {
	Events        EventVerifier
	Customers     CustomerDirectory
	DB            *sql.DB
	Users         UserStore
	Ledger        Crediter
	CreditsPerUSD int64
	Logger        logging.Logger
	// Processed is webhook_events_total{type,result}; optional.
	Processed *prometheus.CounterVec
}

func NewWebhookHandler(cfg WebhookConfig) *WebhookHandler {
	return &WebhookHandler{
		events:        cfg.Events,
		customers:     cfg.Customers,
		db:            cfg.DB,
		users:         cfg.Users,
		ledger:        cfg.Ledger,
		creditsPerUSD: cfg.CreditsPerUSD,
		logger:        cfg.Logger,
		processed:     cfg.Processed,
	}
}

// Handle verifies and applies one webhook delivery. Errors leave the event
// unmarked so Stripe's retry runs it again; the claim key keeps that safe.
func (h *WebhookHandler) Handle(ctx context.Context, rawBody []byte, sigHeader string, hints Hints) (*Ack, error) {
	event, err := h.events.ConstructEvent(rawBody, sigHeader)
	if err != nil {
		h.observe("unknown", string(apperr.KindOf(err)))
		if apperr.IsKind(err, apperr.InvalidSignature) {
			h.logger.WithError(err).WithField("suspicious", true).Warn("Rejected Stripe webhook with invalid signature")
		}
		return nil, err
	}

	eventType := string(event.Type)
	ack := &Ack{EventID: event.ID, EventType: eventType}
	log := h.logger.WithFields(logging.Fields{"event_id": event.ID, "event_type": eventType})

	seen, err := h.alreadyProcessed(ctx, event.ID)
	if err != nil {
		h.observe(eventType, "error")
		return nil, err
	}
	if seen {
		log.Info("Stripe webhook already processed")
		ack.Duplicate = true
		h.observe(eventType, "duplicate")
		return ack, nil
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		err = h.handleCheckout(ctx, event, hints, ack)
	case "invoice.paid", "invoice.payment_succeeded":
		err = h.handleInvoice(ctx, event, hints, ack)
	default:
		ack.Ignored = true
	}
	if err != nil {
		log.WithError(err).Error("Failed to process Stripe webhook")
		h.observe(eventType, string(apperr.KindOf(err)))
		return nil, err
	}

	if err := h.markProcessed(ctx, event.ID, eventType); err != nil {
		// The credit is committed; a retry hits the claim key.
		log.WithError(err).Warn("Failed to mark Stripe webhook processed")
	}

	result := "credited"
	switch {
	case ack.Ignored:
		result = "ignored"
	case ack.AlreadyClaimed:
		result = "already_claimed"
	case ack.CreditsAdded == 0:
		result = "linked"
	}
	h.observe(eventType, result)
	log.WithFields(logging.Fields{
		"user_id":       ack.UserID,
		"credits_added": ack.CreditsAdded,
		"result":        result,
	}).Info("Processed Stripe webhook")
	return ack, nil
}

func (h *WebhookHandler) handleCheckout(ctx context.Context, event *stripe.Event, hints Hints, ack *Ack) error {
	sess, err := CheckoutSessionFromEvent(event)
	if err != nil {
		return err
	}

	customerID := ""
	if sess.Customer != nil {
		customerID = sess.Customer.ID
	}
	email := sess.CustomerEmail
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		email = sess.CustomerDetails.Email
	}
	metadata := withReference(sess.Metadata, sess.ClientReferenceID)

	switch sess.Mode {
	case stripe.CheckoutSessionModeSubscription:
		// Invoices grant subscription credits; the session only links.
		user, err := h.resolveUser(ctx, hints, metadata, email, customerID)
		if err != nil {
			return err
		}
		ack.UserID = user.ID
		return h.users.LinkStripeCustomer(ctx, user.ID, customerID)
	case stripe.CheckoutSessionModePayment:
	default:
		ack.Ignored = true
		return nil
	}

	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		ack.Ignored = true
		return nil
	}

	credits := h.creditsFor(metadata, sess.AmountTotal)
	if credits <= 0 {
		ack.Ignored = true
		return nil
	}

	user, err := h.resolveUser(ctx, hints, metadata, email, customerID)
	if err != nil {
		return err
	}
	ack.UserID = user.ID
	if err := h.users.LinkStripeCustomer(ctx, user.ID, customerID); err != nil && !apperr.IsKind(err, apperr.Conflict) {
		return err
	}

	return h.credit(ctx, ack, ledger.PaymentRecord{
		ClaimKey: "stripe:checkout:" + sess.ID,
		Provider: ledger.ProviderStripe,
		TxID:     sess.ID,
		Payer:    customerID,
		Asset:    strings.ToUpper(string(sess.Currency)),
		Amount:   centsString(sess.AmountTotal),
		Credits:  credits,
		UserID:   user.ID,
	})
}

func (h *WebhookHandler) handleInvoice(ctx context.Context, event *stripe.Event, hints Hints, ack *Ack) error {
	inv, err := InvoiceFromEvent(event)
	if err != nil {
		return err
	}
	if inv.AmountPaid <= 0 {
		ack.Ignored = true
		return nil
	}

	customerID := ""
	if inv.Customer != nil {
		customerID = inv.Customer.ID
	}
	credits := h.creditsFor(inv.Metadata, inv.AmountPaid)
	if credits <= 0 {
		ack.Ignored = true
		return nil
	}

	user, err := h.resolveUser(ctx, hints, withReference(inv.Metadata, ""), inv.CustomerEmail, customerID)
	if err != nil {
		return err
	}
	ack.UserID = user.ID
	if err := h.users.LinkStripeCustomer(ctx, user.ID, customerID); err != nil && !apperr.IsKind(err, apperr.Conflict) {
		return err
	}

	return h.credit(ctx, ack, ledger.PaymentRecord{
		ClaimKey: "stripe:invoice:" + inv.ID,
		Provider: ledger.ProviderStripe,
		TxID:     inv.ID,
		Payer:    customerID,
		Asset:    strings.ToUpper(string(inv.Currency)),
		Amount:   centsString(inv.AmountPaid),
		Credits:  credits,
		UserID:   user.ID,
	})
}

func (h *WebhookHandler) credit(ctx context.Context, ack *Ack, rec ledger.PaymentRecord) error {
	balance, err := h.ledger.CreditPayment(ctx, rec, ledger.ReasonStripePayment)
	if apperr.IsKind(err, apperr.AlreadyClaimed) {
		ack.AlreadyClaimed = true
		return nil
	}
	if err != nil {
		return err
	}
	ack.CreditsAdded = rec.Credits
	ack.Balance = balance
	return nil
}

// resolveUser walks the sources from most to least trusted. Lookups that
// miss fall through; other errors abort so the delivery is retried.
func (h *WebhookHandler) resolveUser(ctx context.Context, hints Hints, metadata map[string]string, email, customerID string) (*users.User, error) {
	type lookup struct {
		source string
		value  string
		find   func(context.Context, string) (*users.User, error)
	}
	lookups := []lookup{
		{"session", hints.SessionUserID, h.users.FindByID},
		{"request", hints.RequestUserID, h.users.FindByID},
		{"metadata_user_id", metadata["user_id"], h.users.FindByID},
		{"client_reference_id", metadata["client_reference_id"], h.users.FindByID},
		{"metadata_wallet", normalizeWallet(metadata["wallet_address"]), h.users.FindByWallet},
		{"metadata_email", metadata["email"], h.users.FindByEmail},
		{"customer_email", email, h.users.FindByEmail},
		{"stripe_customer", customerID, h.users.FindByStripeCustomer},
	}

	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		user, err := l.find(ctx, l.value)
		if err == nil {
			h.logger.WithFields(logging.Fields{"user_id": user.ID, "source": l.source}).Debug("Resolved Stripe webhook user")
			return user, nil
		}
		if !apperr.IsKind(err, apperr.UserNotFound) {
			return nil, err
		}
	}

	if customerID != "" && h.customers != nil {
		custEmail, err := h.customers.CustomerEmail(ctx, customerID)
		if err != nil {
			return nil, err
		}
		if custEmail != "" {
			user, err := h.users.FindByEmail(ctx, custEmail)
			if err == nil {
				return user, nil
			}
			if !apperr.IsKind(err, apperr.UserNotFound) {
				return nil, err
			}
		}
	}
	return nil, apperr.New(apperr.UserNotFound, "no user matches the stripe payment")
}

// creditsFor prefers explicit metadata and falls back to the paid amount.
func (h *WebhookHandler) creditsFor(metadata map[string]string, amountCents int64) int64 {
	if raw := metadata["credits"]; raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return amountCents * h.creditsPerUSD / 100
}

func (h *WebhookHandler) alreadyProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := h.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM paymaster.webhook_events
			WHERE provider = $1 AND event_id = $2
		)
	`, providerStripe, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return exists, nil
}

func (h *WebhookHandler) markProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO paymaster.webhook_events (provider, event_id, event_type, processed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (provider, event_id) DO NOTHING
	`, providerStripe, eventID, eventType)
	if err != nil {
		return fmt.Errorf("mark webhook event: %w", err)
	}
	return nil
}

func (h *WebhookHandler) observe(eventType, result string) {
	if h.processed != nil {
		h.processed.WithLabelValues(eventType, result).Inc()
	}
}

func withReference(metadata map[string]string, clientReferenceID string) map[string]string {
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = strings.TrimSpace(v)
	}
	if clientReferenceID != "" {
		out["client_reference_id"] = clientReferenceID
	}
	return out
}

func normalizeWallet(wallet string) string {
	if wallet == "" {
		return ""
	}
	for _, chain := range []auth.ChainType{auth.ChainEthereum, auth.ChainSolana} {
		if addr, err := auth.NormalizeAddress(chain, wallet); err == nil {
			return addr
		}
	}
	return ""
}

func centsString(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
