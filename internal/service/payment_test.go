package service_test

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"stripe-checkout-service/internal/client"
	"stripe-checkout-service/internal/config"
	"stripe-checkout-service/internal/errs"
	"stripe-checkout-service/internal/model"
	"stripe-checkout-service/internal/repository"
	"stripe-checkout-service/internal/service"
)

const (
	testUserID      = "user-42"
	testFrontendURL = "https://shop.example.com"
)

// --- Stub Stripe client ---

type stubStripe struct {
	createCalls    int
	lastParams     *stripe.CheckoutSessionParams
	createResult   *stripe.CheckoutSession
	createErr      error
	retrieveCalls  int
	retrieveResult *stripe.CheckoutSession
	retrieveErr    error
}

func (s *stubStripe) CreateCheckoutSession(_ context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.createCalls++
	s.lastParams = params
	if s.createErr != nil {
		return nil, s.createErr
	}
	return s.createResult, nil
}

func (s *stubStripe) RetrieveCheckoutSession(_ context.Context, _ string) (*stripe.CheckoutSession, error) {
	s.retrieveCalls++
	if s.retrieveErr != nil {
		return nil, s.retrieveErr
	}
	return s.retrieveResult, nil
}

func (s *stubStripe) ConstructWebhookEvent(_ []byte, _ string) (stripe.Event, error) {
	return stripe.Event{}, nil
}

// --- Helpers ---

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Order{}, &model.OrderItem{}, &model.Payment{}, &model.WebhookEvent{}))
	return db
}

func newService(db *gorm.DB, sc client.StripeClient) service.PaymentService {
	return service.NewPaymentService(
		db, sc, testFrontendURL,
		repository.NewOrderRepository(db),
		repository.NewPaymentRepository(db),
		zap.NewNop(),
	)
}

func seedOrder(t *testing.T, db *gorm.DB, opts ...func(*model.Order)) *model.Order {
	t.Helper()
	order := &model.Order{
		ID:            uuid.NewString(),
		UserID:        testUserID,
		OrderNumber:   "ORD-" + uuid.NewString()[:8],
		ShippingEmail: "buyer@example.com",
		ShippingCost:  decimal.RequireFromString("5.00"),
		Total:         decimal.RequireFromString("44.98"),
		PaymentStatus: model.OrderPaymentUnpaid,
		Status:        model.OrderStatusPending,
		Items: []model.OrderItem{
			{ProductName: "Linen Shirt", Size: "M", Color: "Blue", Price: decimal.RequireFromString("19.99"), Quantity: 2},
		},
	}
	for _, opt := range opts {
		opt(order)
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func seedPayment(t *testing.T, db *gorm.DB, orderID, sessionID string) *model.Payment {
	t.Helper()
	payment := &model.Payment{
		ID:                      uuid.NewString(),
		OrderID:                 orderID,
		StripePaymentIntentID:   "temp_" + sessionID,
		StripeCheckoutSessionID: sessionID,
		Amount:                  decimal.RequireFromString("44.98"),
		Currency:                "USD",
		Status:                  model.PaymentPending,
	}
	require.NoError(t, db.Create(payment).Error)
	return payment
}

func checkoutSession(id string) *stripe.CheckoutSession {
	return &stripe.CheckoutSession{
		ID:            id,
		URL:           "https://checkout.stripe.com/c/pay/" + id,
		PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid,
	}
}

// --- CreateCheckoutSession ---

func TestCreateCheckoutSessionOrderNotFound(t *testing.T) {
	db := newTestDB(t)
	stub := &stubStripe{}
	svc := newService(db, stub)

	_, _, err := svc.CreateCheckoutSession(context.Background(), uuid.NewString(), testUserID)
	assert.True(t, errs.IsNotFound(err))
	assert.Zero(t, stub.createCalls)
}

func TestCreateCheckoutSessionWrongUser(t *testing.T) {
	db := newTestDB(t)
	stub := &stubStripe{}
	svc := newService(db, stub)
	order := seedOrder(t, db)

	_, _, err := svc.CreateCheckoutSession(context.Background(), order.ID, "someone-else")
	assert.True(t, errs.IsNotFound(err))
}

func TestCreateCheckoutSessionAlreadyPaid(t *testing.T) {
	db := newTestDB(t)
	stub := &stubStripe{}
	svc := newService(db, stub)
	order := seedOrder(t, db, func(o *model.Order) {
		o.PaymentStatus = model.OrderPaymentPaid
		o.Status = model.OrderStatusProcessing
	})

	_, _, err := svc.CreateCheckoutSession(context.Background(), order.ID, testUserID)
	assert.True(t, errs.IsValidation(err))
	assert.Zero(t, stub.createCalls, "no remote call for a paid order")
}

func TestCreateCheckoutSessionHappyPath(t *testing.T) {
	db := newTestDB(t)
	stub := &stubStripe{createResult: checkoutSession("cs_100")}
	svc := newService(db, stub)
	order := seedOrder(t, db)

	payment, url, err := svc.CreateCheckoutSession(context.Background(), order.ID, testUserID)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_100", url)
	assert.Equal(t, model.PaymentPending, payment.Status)
	assert.Equal(t, "cs_100", payment.StripeCheckoutSessionID)
	assert.Equal(t, "temp_cs_100", payment.StripePaymentIntentID, "placeholder until the webhook reports the intent")
	assert.True(t, payment.Amount.Equal(order.Total))

	params := stub.lastParams
	require.NotNil(t, params)
	assert.Equal(t, order.ID, params.Metadata["order_id"])
	assert.Equal(t, order.OrderNumber, params.Metadata["order_number"])
	assert.Equal(t, order.ID, *params.ClientReferenceID)
	assert.Equal(t, "buyer@example.com", *params.CustomerEmail)
	assert.Equal(t, string(stripe.CheckoutSessionModePayment), *params.Mode)
	assert.Equal(t, testFrontendURL+"/orders/"+order.ID+"?payment=success", *params.SuccessURL)
	assert.Equal(t, testFrontendURL+"/orders/"+order.ID+"?payment=cancelled", *params.CancelURL)

	var count int64
	require.NoError(t, db.Model(&model.Payment{}).Where("order_id = ?", order.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestCreateCheckoutSessionLineItems(t *testing.T) {
	db := newTestDB(t)
	stub := &stubStripe{createResult: checkoutSession("cs_101")}
	svc := newService(db, stub)
	order := seedOrder(t, db)

	_, _, err := svc.CreateCheckoutSession(context.Background(), order.ID, testUserID)
	require.NoError(t, err)

	items := stub.lastParams.LineItems
	require.Len(t, items, 2)

	assert.EqualValues(t, 1999, *items[0].PriceData.UnitAmount, "19.99 converts to 1999 minor units")
	assert.EqualValues(t, 2, *items[0].Quantity)
	assert.Equal(t, "Linen Shirt", *items[0].PriceData.ProductData.Name)
	assert.Equal(t, "Size: M, Color: Blue", *items[0].PriceData.ProductData.Description)

	assert.Equal(t, "Shipping", *items[1].PriceData.ProductData.Name)
	assert.EqualValues(t, 500, *items[1].PriceData.UnitAmount)
	assert.EqualValues(t, 1, *items[1].Quantity)
}

func TestCreateCheckoutSessionNoShippingLineWhenFree(t *testing.T) {
	db := newTestDB(t)
	stub := &stubStripe{createResult: checkoutSession("cs_102")}
	svc := newService(db, stub)
	order := seedOrder(t, db, func(o *model.Order) {
		o.ShippingCost = decimal.Zero
		o.Items = []model.OrderItem{
			{ProductName: "Mug", Price: decimal.RequireFromString("8.50"), Quantity: 1},
		}
	})

	_, _, err := svc.CreateCheckoutSession(context.Background(), order.ID, testUserID)
	require.NoError(t, err)

	items := stub.lastParams.LineItems
	require.Len(t, items, 1)
	assert.EqualValues(t, 850, *items[0].PriceData.UnitAmount)
	assert.Equal(t, "Size: N/A, Color: N/A", *items[0].PriceData.ProductData.Description)
}

func TestCreateCheckoutSessionIdempotentReentry(t *testing.T) {
	db := newTestDB(t)
	stub := &stubStripe{createResult: checkoutSession("cs_200")}
	svc := newService(db, stub)
	order := seedOrder(t, db)

	first, firstURL, err := svc.CreateCheckoutSession(context.Background(), order.ID, testUserID)
	require.NoError(t, err)
	require.Equal(t, 1, stub.createCalls)

	// the remote session is still live and unpaid
	stub.retrieveResult = checkoutSession("cs_200")

	second, secondURL, err := svc.CreateCheckoutSession(context.Background(), order.ID, testUserID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same payment record handed back")
	assert.Equal(t, firstURL, secondURL)
	assert.Equal(t, 1, stub.createCalls, "no duplicate remote session")
}

func TestCreateCheckoutSessionReplacesExpiredSession(t *testing.T) {
	db := newTestDB(t)
	stub := &stubStripe{
		createResult: checkoutSession("cs_301"),
		retrieveErr:  &stripe.Error{Msg: "No such checkout session"},
	}
	svc := newService(db, stub)
	order := seedOrder(t, db)
	stale := seedPayment(t, db, order.ID, "cs_300")

	payment, _, err := svc.CreateCheckoutSession(context.Background(), order.ID, testUserID)
	require.NoError(t, err)
	assert.NotEqual(t, stale.ID, payment.ID)
	assert.Equal(t, "cs_301", payment.StripeCheckoutSessionID)

	var payments []model.Payment
	require.NoError(t, db.Where("order_id = ?", order.ID).Find(&payments).Error)
	require.Len(t, payments, 1, "stale payment deleted, exactly one new pending record")
	assert.Equal(t, model.PaymentPending, payments[0].Status)
}

func TestCreateCheckoutSessionStripeFailure(t *testing.T) {
	db := newTestDB(t)
	stub := &stubStripe{createErr: &stripe.Error{Msg: "Your card was declined."}}
	svc := newService(db, stub)
	order := seedOrder(t, db)

	_, _, err := svc.CreateCheckoutSession(context.Background(), order.ID, testUserID)
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
	assert.Contains(t, err.Error(), "Your card was declined.")

	var count int64
	require.NoError(t, db.Model(&model.Payment{}).Where("order_id = ?", order.ID).Count(&count).Error)
	assert.Zero(t, count, "no payment row without a remote session")
}

// --- HandleCheckoutSessionCompleted ---

func TestHandleCheckoutSessionCompleted(t *testing.T) {
	db := newTestDB(t)
	svc := newService(db, &stubStripe{})
	order := seedOrder(t, db)
	payment := seedPayment(t, db, order.ID, "cs_400")

	sess := &stripe.CheckoutSession{
		ID:            "cs_400",
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_400"},
		Metadata:      map[string]string{"order_id": order.ID},
	}
	require.NoError(t, svc.HandleCheckoutSessionCompleted(context.Background(), sess))

	var gotPayment model.Payment
	require.NoError(t, db.First(&gotPayment, "id = ?", payment.ID).Error)
	assert.Equal(t, model.PaymentSucceeded, gotPayment.Status)
	assert.Equal(t, "pi_400", gotPayment.StripePaymentIntentID, "temp placeholder replaced")

	var gotOrder model.Order
	require.NoError(t, db.First(&gotOrder, "id = ?", order.ID).Error)
	assert.Equal(t, model.OrderPaymentPaid, gotOrder.PaymentStatus)
	assert.Equal(t, model.OrderStatusProcessing, gotOrder.Status)
}

func TestHandleCheckoutSessionCompletedMissingOrderID(t *testing.T) {
	db := newTestDB(t)
	svc := newService(db, &stubStripe{})
	order := seedOrder(t, db)
	seedPayment(t, db, order.ID, "cs_401")

	err := svc.HandleCheckoutSessionCompleted(context.Background(), &stripe.CheckoutSession{ID: "cs_401"})
	assert.ErrorIs(t, err, errs.ErrMalformedEvent)

	// nothing mutated
	var gotOrder model.Order
	require.NoError(t, db.First(&gotOrder, "id = ?", order.ID).Error)
	assert.Equal(t, model.OrderPaymentUnpaid, gotOrder.PaymentStatus)

	var gotPayment model.Payment
	require.NoError(t, db.First(&gotPayment, "order_id = ?", order.ID).Error)
	assert.Equal(t, model.PaymentPending, gotPayment.Status)
}

func TestHandleCheckoutSessionCompletedUnknownOrder(t *testing.T) {
	db := newTestDB(t)
	svc := newService(db, &stubStripe{})

	sess := &stripe.CheckoutSession{
		ID:       "cs_402",
		Metadata: map[string]string{"order_id": uuid.NewString()},
	}
	err := svc.HandleCheckoutSessionCompleted(context.Background(), sess)
	assert.True(t, errs.IsNotFound(err))
}

func TestHandleCheckoutSessionCompletedPaymentMismatchRollsBack(t *testing.T) {
	db := newTestDB(t)
	svc := newService(db, &stubStripe{})
	order := seedOrder(t, db)
	payment := seedPayment(t, db, order.ID, "cs_403")

	// session id matches no payment row: the transaction must leave both
	// records untouched
	sess := &stripe.CheckoutSession{
		ID:       "cs_999",
		Metadata: map[string]string{"order_id": order.ID},
	}
	err := svc.HandleCheckoutSessionCompleted(context.Background(), sess)
	assert.True(t, errs.IsNotFound(err))

	var gotOrder model.Order
	require.NoError(t, db.First(&gotOrder, "id = ?", order.ID).Error)
	assert.Equal(t, model.OrderPaymentUnpaid, gotOrder.PaymentStatus)
	assert.Equal(t, model.OrderStatusPending, gotOrder.Status)

	var gotPayment model.Payment
	require.NoError(t, db.First(&gotPayment, "id = ?", payment.ID).Error)
	assert.Equal(t, model.PaymentPending, gotPayment.Status)
}

// --- HandlePaymentIntentFailed ---

func TestHandlePaymentIntentFailed(t *testing.T) {
	db := newTestDB(t)
	svc := newService(db, &stubStripe{})
	order := seedOrder(t, db)
	payment := seedPayment(t, db, order.ID, "cs_500")
	require.NoError(t, db.Model(payment).Update("stripe_payment_intent_id", "pi_500").Error)

	intent := &stripe.PaymentIntent{
		ID:               "pi_500",
		LastPaymentError: &stripe.Error{Msg: "Your card has insufficient funds."},
	}
	require.NoError(t, svc.HandlePaymentIntentFailed(context.Background(), intent))

	var got model.Payment
	require.NoError(t, db.First(&got, "id = ?", payment.ID).Error)
	assert.Equal(t, model.PaymentFailed, got.Status)
	assert.Equal(t, "Your card has insufficient funds.", got.ErrorMessage)
}

func TestHandlePaymentIntentFailedGenericMessage(t *testing.T) {
	db := newTestDB(t)
	svc := newService(db, &stubStripe{})
	order := seedOrder(t, db)
	payment := seedPayment(t, db, order.ID, "cs_501")
	require.NoError(t, db.Model(payment).Update("stripe_payment_intent_id", "pi_501").Error)

	require.NoError(t, svc.HandlePaymentIntentFailed(context.Background(), &stripe.PaymentIntent{ID: "pi_501"}))

	var got model.Payment
	require.NoError(t, db.First(&got, "id = ?", payment.ID).Error)
	assert.Equal(t, "Payment failed", got.ErrorMessage)
}

func TestHandlePaymentIntentFailedUnknownIntent(t *testing.T) {
	db := newTestDB(t)
	svc := newService(db, &stubStripe{})

	err := svc.HandlePaymentIntentFailed(context.Background(), &stripe.PaymentIntent{ID: "pi_ghost"})
	assert.True(t, errs.IsNotFound(err))
}

// --- GetPaymentByOrder ---

func TestGetPaymentByOrder(t *testing.T) {
	db := newTestDB(t)
	svc := newService(db, &stubStripe{})
	order := seedOrder(t, db)
	payment := seedPayment(t, db, order.ID, "cs_600")

	got, err := svc.GetPaymentByOrder(context.Background(), order.ID, testUserID)
	require.NoError(t, err)
	assert.Equal(t, payment.ID, got.ID)

	_, err = svc.GetPaymentByOrder(context.Background(), order.ID, "someone-else")
	assert.True(t, errs.IsNotFound(err))
}

func TestGetPaymentByOrderNoPayment(t *testing.T) {
	db := newTestDB(t)
	svc := newService(db, &stubStripe{})
	order := seedOrder(t, db)

	_, err := svc.GetPaymentByOrder(context.Background(), order.ID, testUserID)
	assert.True(t, errs.IsNotFound(err))
}

// --- VerifyWebhookSignature (real client, real signature scheme) ---

func TestVerifyWebhookSignature(t *testing.T) {
	db := newTestDB(t)
	const secret = "whsec_test_secret"
	sc := client.NewStripeClient(&config.Stripe{SecretKey: "sk_test_123", WebhookSecret: secret})
	svc := service.NewPaymentService(
		db, sc, testFrontendURL,
		repository.NewOrderRepository(db),
		repository.NewPaymentRepository(db),
		zap.NewNop(),
	)

	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session"}}}`)
	now := time.Now()

	header := fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(webhook.ComputeSignature(now, payload, secret)))
	event, err := svc.VerifyWebhookSignature(payload, header)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)

	tampered := fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(webhook.ComputeSignature(now, payload, "whsec_other")))
	_, err = svc.VerifyWebhookSignature(payload, tampered)
	assert.True(t, errs.IsValidation(err), "tampered signature must be a validation failure")

	_, err = svc.VerifyWebhookSignature(payload, "not-a-signature-header")
	assert.True(t, errs.IsValidation(err))
}
