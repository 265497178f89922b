package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"pixelforge/internal/apperr"
	"pixelforge/internal/ledger"
	"pixelforge/internal/users"
)

const (
	testSecret = "whsec_unit_test"
	testUserID = "6f1c2b1e-8a8f-4c55-9d55-0d7b2f0f4a11"
)

type fakeUsers struct {
	byID       map[string]*users.User
	byEmail    map[string]*users.User
	byCustomer map[string]*users.User
	linked     map[string]string
}

func newFakeUsers(u *users.User) *fakeUsers {
	f := &fakeUsers{
		byID:       map[string]*users.User{u.ID: u},
		byEmail:    map[string]*users.User{},
		byCustomer: map[string]*users.User{},
		linked:     map[string]string{},
	}
	if u.Email != "" {
		f.byEmail[u.Email] = u
	}
	return f
}

func lookup(m map[string]*users.User, key string) (*users.User, error) {
	if u, ok := m[key]; ok {
		return u, nil
	}
	return nil, apperr.New(apperr.UserNotFound, "user not found")
}

func (f *fakeUsers) FindByID(_ context.Context, id string) (*users.User, error) {
	return lookup(f.byID, id)
}
func (f *fakeUsers) FindByEmail(_ context.Context, email string) (*users.User, error) {
	return lookup(f.byEmail, email)
}
func (f *fakeUsers) FindByWallet(_ context.Context, wallet string) (*users.User, error) {
	return lookup(nil, wallet)
}
func (f *fakeUsers) FindByStripeCustomer(_ context.Context, id string) (*users.User, error) {
	return lookup(f.byCustomer, id)
}
func (f *fakeUsers) LinkStripeCustomer(_ context.Context, userID, customerID string) error {
	if customerID != "" {
		f.linked[userID] = customerID
	}
	return nil
}

type fakeLedger struct {
	claimed map[string]bool
	records []ledger.PaymentRecord
	balance int64
}

func (f *fakeLedger) CreditPayment(_ context.Context, rec ledger.PaymentRecord, reason ledger.Reason) (int64, error) {
	if reason != ledger.ReasonStripePayment {
		return 0, fmt.Errorf("unexpected reason %s", reason)
	}
	if f.claimed[rec.ClaimKey] {
		return 0, apperr.New(apperr.AlreadyClaimed, "claimed")
	}
	f.claimed[rec.ClaimKey] = true
	f.records = append(f.records, rec)
	f.balance += rec.Credits
	return f.balance, nil
}

type fakeCustomers map[string]string

func (f fakeCustomers) CustomerEmail(_ context.Context, id string) (string, error) {
	return f[id], nil
}

type harness struct {
	handler   *WebhookHandler
	mock      sqlmock.Sqlmock
	users     *fakeUsers
	ledger    *fakeLedger
	processed *prometheus.CounterVec
}

func newHarness(t *testing.T, customers fakeCustomers) *harness {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	h := &harness{
		mock:      mock,
		users:     newFakeUsers(&users.User{ID: testUserID, Email: "ada@example.com"}),
		ledger:    &fakeLedger{claimed: map[string]bool{}},
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhook_events_total"}, []string{"type", "result"}),
	}
	h.handler = NewWebhookHandler(WebhookConfig{
		Events:        NewClient(Config{WebhookSecret: testSecret, Logger: logger}),
		Customers:     customers,
		DB:            db,
		Users:         h.users,
		Ledger:        h.ledger,
		CreditsPerUSD: 10,
		Logger:        logger,
		Processed:     h.processed,
	})
	return h
}

func (h *harness) expectFresh(eventID, eventType string) {
	h.mock.ExpectQuery(`FROM paymaster.webhook_events`).
		WithArgs("stripe", eventID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	h.mock.ExpectExec(`INSERT INTO paymaster.webhook_events`).
		WithArgs("stripe", eventID, eventType).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func stripeSignatureHeader(payload []byte, secret string, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func eventBody(id, eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"data":{"object":%s}}`, id, eventType, object))
}

func signed(body []byte) string {
	return stripeSignatureHeader(body, testSecret, time.Now().Unix())
}

const paidSession = `{"id":"cs_test_1","object":"checkout.session","mode":"payment","payment_status":"paid",
	"amount_total":1000,"currency":"usd","customer":"cus_1","metadata":{"user_id":"` + testUserID + `","credits":"120"}}`

func TestHandle_CheckoutCreditsMetadataAmount(t *testing.T) {
	h := newHarness(t, nil)
	body := eventBody("evt_1", "checkout.session.completed", paidSession)
	h.expectFresh("evt_1", "checkout.session.completed")

	ack, err := h.handler.Handle(context.Background(), body, signed(body), Hints{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if ack.CreditsAdded != 120 || ack.UserID != testUserID || ack.Duplicate {
		t.Fatalf("ack = %+v", ack)
	}
	rec := h.ledger.records[0]
	if rec.ClaimKey != "stripe:checkout:cs_test_1" || rec.Amount != "10.00" || rec.Asset != "USD" {
		t.Fatalf("record = %+v", rec)
	}
	if h.users.linked[testUserID] != "cus_1" {
		t.Fatalf("customer not linked: %v", h.users.linked)
	}
	if got := testutil.ToFloat64(h.processed.WithLabelValues("checkout.session.completed", "credited")); got != 1 {
		t.Fatalf("credited metric = %v", got)
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestHandle_CheckoutFallsBackToAmount(t *testing.T) {
	h := newHarness(t, nil)
	session := `{"id":"cs_test_2","mode":"payment","payment_status":"paid","amount_total":2550,
		"currency":"usd","client_reference_id":"` + testUserID + `"}`
	body := eventBody("evt_2", "checkout.session.completed", session)
	h.expectFresh("evt_2", "checkout.session.completed")

	ack, err := h.handler.Handle(context.Background(), body, signed(body), Hints{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	// 2550 cents at 10 credits per dollar, floored.
	if ack.CreditsAdded != 255 {
		t.Fatalf("credits = %d, want 255", ack.CreditsAdded)
	}
}

func TestHandle_InvalidSignatureNeverCredits(t *testing.T) {
	h := newHarness(t, nil)
	body := eventBody("evt_3", "checkout.session.completed", paidSession)

	cases := map[string]string{
		"wrong secret": stripeSignatureHeader(body, "whsec_other", time.Now().Unix()),
		"stale":        stripeSignatureHeader(body, testSecret, time.Now().Add(-10*time.Minute).Unix()),
		"garbage":      "t=123,v1=deadbeef",
		"missing":      "",
	}
	for name, sig := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.handler.Handle(context.Background(), body, sig, Hints{})
			if apperr.KindOf(err) != apperr.InvalidSignature {
				t.Fatalf("err = %v, want invalid_signature", err)
			}
		})
	}
	if len(h.ledger.records) != 0 {
		t.Fatalf("credited %d records on bad signatures", len(h.ledger.records))
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestHandle_TamperedBodyRejected(t *testing.T) {
	h := newHarness(t, nil)
	body := eventBody("evt_4", "checkout.session.completed", paidSession)
	sig := signed(body)
	tampered := eventBody("evt_4", "checkout.session.completed",
		`{"id":"cs_test_1","mode":"payment","payment_status":"paid","amount_total":100000,"currency":"usd"}`)

	if _, err := h.handler.Handle(context.Background(), tampered, sig, Hints{}); apperr.KindOf(err) != apperr.InvalidSignature {
		t.Fatalf("err = %v, want invalid_signature", err)
	}
}

func TestHandle_MissingSecretIsConfigError(t *testing.T) {
	h := newHarness(t, nil)
	h.handler.events = NewClient(Config{Logger: logrus.New()})
	body := eventBody("evt_5", "checkout.session.completed", paidSession)

	_, err := h.handler.Handle(context.Background(), body, signed(body), Hints{})
	if apperr.KindOf(err) != apperr.Config {
		t.Fatalf("err = %v, want config", err)
	}
}

func TestHandle_ReplayedEventIsDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	body := eventBody("evt_6", "checkout.session.completed", paidSession)
	h.mock.ExpectQuery(`FROM paymaster.webhook_events`).
		WithArgs("stripe", "evt_6").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ack, err := h.handler.Handle(context.Background(), body, signed(body), Hints{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !ack.Duplicate || ack.CreditsAdded != 0 || len(h.ledger.records) != 0 {
		t.Fatalf("ack = %+v records = %d", ack, len(h.ledger.records))
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestHandle_InvoiceEventsCreditOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.users.byCustomer["cus_7"] = h.users.byID[testUserID]
	invoice := `{"id":"in_7","object":"invoice","amount_paid":500,"currency":"usd","customer":"cus_7"}`

	paid := eventBody("evt_7a", "invoice.paid", invoice)
	h.expectFresh("evt_7a", "invoice.paid")
	ack, err := h.handler.Handle(context.Background(), paid, signed(paid), Hints{})
	if err != nil || ack.CreditsAdded != 50 {
		t.Fatalf("invoice.paid = %+v, %v", ack, err)
	}

	succeeded := eventBody("evt_7b", "invoice.payment_succeeded", invoice)
	h.expectFresh("evt_7b", "invoice.payment_succeeded")
	ack, err = h.handler.Handle(context.Background(), succeeded, signed(succeeded), Hints{})
	if err != nil {
		t.Fatalf("invoice.payment_succeeded: %v", err)
	}
	if !ack.AlreadyClaimed || ack.CreditsAdded != 0 {
		t.Fatalf("second invoice event = %+v", ack)
	}
	if len(h.ledger.records) != 1 || h.ledger.records[0].ClaimKey != "stripe:invoice:in_7" {
		t.Fatalf("records = %+v", h.ledger.records)
	}
}

func TestHandle_ZeroInvoiceIgnored(t *testing.T) {
	h := newHarness(t, nil)
	body := eventBody("evt_8", "invoice.paid", `{"id":"in_8","amount_paid":0,"customer":"cus_8"}`)
	h.expectFresh("evt_8", "invoice.paid")

	ack, err := h.handler.Handle(context.Background(), body, signed(body), Hints{})
	if err != nil || !ack.Ignored {
		t.Fatalf("ack = %+v, %v", ack, err)
	}
}

func TestHandle_SubscriptionCheckoutOnlyLinks(t *testing.T) {
	h := newHarness(t, nil)
	session := `{"id":"cs_sub","mode":"subscription","payment_status":"paid","amount_total":900,
		"customer":"cus_sub","customer_details":{"email":"ada@example.com"}}`
	body := eventBody("evt_9", "checkout.session.completed", session)
	h.expectFresh("evt_9", "checkout.session.completed")

	ack, err := h.handler.Handle(context.Background(), body, signed(body), Hints{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if ack.CreditsAdded != 0 || len(h.ledger.records) != 0 {
		t.Fatalf("subscription checkout credited: %+v", ack)
	}
	if h.users.linked[testUserID] != "cus_sub" {
		t.Fatalf("linked = %v", h.users.linked)
	}
}

func TestHandle_UserResolutionOrder(t *testing.T) {
	other := &users.User{ID: "0d7b2f0f-4a11-4c55-9d55-6f1c2b1e8a8f", Email: "grace@example.com"}

	t.Run("session hint wins over metadata", func(t *testing.T) {
		h := newHarness(t, nil)
		h.users.byID[other.ID] = other
		body := eventBody("evt_10", "checkout.session.completed", paidSession)
		h.expectFresh("evt_10", "checkout.session.completed")

		ack, err := h.handler.Handle(context.Background(), body, signed(body), Hints{SessionUserID: other.ID})
		if err != nil || ack.UserID != other.ID {
			t.Fatalf("ack = %+v, %v", ack, err)
		}
	})

	t.Run("stripe customer email lookup", func(t *testing.T) {
		h := newHarness(t, fakeCustomers{"cus_lookup": "ada@example.com"})
		session := `{"id":"cs_lookup","mode":"payment","payment_status":"paid","amount_total":100,"customer":"cus_lookup"}`
		body := eventBody("evt_11", "checkout.session.completed", session)
		h.expectFresh("evt_11", "checkout.session.completed")

		ack, err := h.handler.Handle(context.Background(), body, signed(body), Hints{})
		if err != nil || ack.UserID != testUserID {
			t.Fatalf("ack = %+v, %v", ack, err)
		}
	})

	t.Run("unresolved user is not found", func(t *testing.T) {
		h := newHarness(t, nil)
		session := `{"id":"cs_nobody","mode":"payment","payment_status":"paid","amount_total":100,"customer_email":"nobody@example.com"}`
		body := eventBody("evt_12", "checkout.session.completed", session)
		h.mock.ExpectQuery(`FROM paymaster.webhook_events`).
			WithArgs("stripe", "evt_12").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, err := h.handler.Handle(context.Background(), body, signed(body), Hints{})
		if apperr.KindOf(err) != apperr.UserNotFound {
			t.Fatalf("err = %v, want user_not_found", err)
		}
		if err := h.mock.ExpectationsWereMet(); err != nil {
			t.Fatal(err)
		}
	})
}

func TestHandle_UnhandledTypeAcked(t *testing.T) {
	h := newHarness(t, nil)
	body := eventBody("evt_13", "customer.created", `{"id":"cus_13"}`)
	h.expectFresh("evt_13", "customer.created")

	ack, err := h.handler.Handle(context.Background(), body, signed(body), Hints{})
	if err != nil || !ack.Ignored {
		t.Fatalf("ack = %+v, %v", ack, err)
	}
}
