// Package stripe wraps the Stripe SDK for credit checkout and the signed
// webhook that grants purchased credits.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/webhook"

	"pixelforge/internal/apperr"
	"pixelforge/internal/config"
	"pixelforge/pkg/logging"
)

type Client struct {
	secretKey     string
	webhookSecret string
	successURL    string
	cancelURL     string
	logger        logging.Logger
}

type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Logger        logging.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.SecretKey != "" {
		stripe.Key = cfg.SecretKey
	}
	return &Client{
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
		logger:        cfg.Logger,
	}
}

// CheckoutEnabled reports whether API calls can be made.
func (c *Client) CheckoutEnabled() bool {
	return c.secretKey != ""
}

func (c *Client) WebhookEnabled() bool {
	return c.webhookSecret != ""
}

// ConstructEvent verifies the Stripe-Signature header against the raw body
// and the default five minute tolerance.
func (c *Client) ConstructEvent(payload []byte, signature string) (*stripe.Event, error) {
	if !c.WebhookEnabled() {
		return nil, apperr.New(apperr.Config, "stripe webhook secret is not configured")
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidSignature, err, "stripe webhook signature")
	}
	return &event, nil
}

// CreateCreditCheckout opens a one-off payment session for a credit pack.
// The webhook reads user_id and credits back from the session metadata.
func (c *Client) CreateCreditCheckout(ctx context.Context, userID, email string, pack config.CreditPack) (*stripe.CheckoutSession, error) {
	if !c.CheckoutEnabled() {
		return nil, apperr.New(apperr.Config, "stripe is not configured")
	}
	if pack.PriceCents <= 0 || pack.Credits <= 0 {
		return nil, apperr.New(apperr.Validation, "credit pack %q is not purchasable", pack.ID)
	}

	metadata := map[string]string{
		"user_id": userID,
		"credits": strconv.FormatInt(pack.Credits, 10),
		"pack_id": pack.ID,
	}
	name := pack.Description
	if name == "" {
		name = fmt.Sprintf("%d credits", pack.Credits)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(userID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(string(stripe.CurrencyUSD)),
					UnitAmount: stripe.Int64(pack.PriceCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(name),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(c.successURL),
		CancelURL:  stripe.String(c.cancelURL),
		Metadata:   metadata,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	params.Context = ctx

	sess, err := session.New(params)
	if err != nil {
		return nil, apperr.Wrap(apperr.Upstream, err, "create checkout session")
	}

	c.logger.WithFields(logging.Fields{
		"session_id": sess.ID,
		"user_id":    userID,
		"pack_id":    pack.ID,
		"credits":    pack.Credits,
	}).Info("Created Stripe checkout session")
	return sess, nil
}

// CustomerEmail looks up the email on a Stripe customer.
func (c *Client) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	if !c.CheckoutEnabled() || customerID == "" {
		return "", nil
	}
	params := &stripe.CustomerParams{}
	params.Context = ctx
	cust, err := customer.Get(customerID, params)
	if err != nil {
		return "", apperr.Wrap(apperr.Upstream, err, "get stripe customer %s", customerID)
	}
	if cust.Deleted {
		return "", nil
	}
	return cust.Email, nil
}

// CheckoutSessionFromEvent extracts the checkout session from a webhook event.
func CheckoutSessionFromEvent(event *stripe.Event) (*stripe.CheckoutSession, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "parse checkout session")
	}
	return &sess, nil
}

// InvoiceFromEvent extracts the invoice from a webhook event.
func InvoiceFromEvent(event *stripe.Event) (*stripe.Invoice, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "parse invoice")
	}
	return &inv, nil
}
