package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"stripe-checkout-service/internal/client"
	"stripe-checkout-service/internal/errs"
	"stripe-checkout-service/internal/model"
	"stripe-checkout-service/internal/repository"
)

type PaymentService interface {
	CreateCheckoutSession(ctx context.Context, orderID, userID string) (*model.Payment, string, error)
	GetPaymentByOrder(ctx context.Context, orderID, userID string) (*model.Payment, error)
	VerifyWebhookSignature(payload []byte, sigHeader string) (stripe.Event, error)
	HandleCheckoutSessionCompleted(ctx context.Context, session *stripe.CheckoutSession) error
	HandlePaymentIntentFailed(ctx context.Context, intent *stripe.PaymentIntent) error
}

type paymentServiceImpl struct {
	db           *gorm.DB
	stripeClient client.StripeClient
	frontendURL  string
	orderRepo    repository.OrderRepository
	paymentRepo  repository.PaymentRepository
	logger       *zap.Logger
}

func NewPaymentService(
	db *gorm.DB,
	stripeClient client.StripeClient,
	frontendURL string,
	orderRepo repository.OrderRepository,
	paymentRepo repository.PaymentRepository,
	logger *zap.Logger,
) PaymentService {
	return &paymentServiceImpl{
		db:           db,
		stripeClient: stripeClient,
		frontendURL:  frontendURL,
		orderRepo:    orderRepo,
		paymentRepo:  paymentRepo,
		logger:       logger,
	}
}

// CreateCheckoutSession creates a hosted Stripe Checkout session for the
// order and records a pending payment mirroring it. When an earlier
// session is still live the existing payment and URL are returned
// instead of creating a duplicate.
func (s *paymentServiceImpl) CreateCheckoutSession(ctx context.Context, orderID, userID string) (*model.Payment, string, error) {
	order, err := s.orderRepo.FindByIDAndUser(ctx, orderID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", fmt.Errorf("%w: order not found", errs.ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("load order: %w", err)
	}

	if order.PaymentStatus == model.OrderPaymentPaid {
		return nil, "", fmt.Errorf("%w: order is already paid", errs.ErrValidation)
	}

	existing, err := s.paymentRepo.FindActiveByOrder(ctx, order.ID)
	if err != nil {
		return nil, "", fmt.Errorf("load active payment: %w", err)
	}

	if existing != nil && existing.StripeCheckoutSessionID != "" {
		sess, err := s.stripeClient.RetrieveCheckoutSession(ctx, existing.StripeCheckoutSessionID)
		if err == nil {
			if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
				return existing, sess.URL, nil
			}
		} else {
			// session expired or became invalid; discard the stale
			// record and create a fresh one below
			if err := s.paymentRepo.Delete(ctx, existing); err != nil {
				return nil, "", fmt.Errorf("delete stale payment: %w", err)
			}
		}
	}

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems:          checkoutLineItems(order),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:         stripe.String(fmt.Sprintf("%s/orders/%s?payment=success", s.frontendURL, order.ID)),
		CancelURL:          stripe.String(fmt.Sprintf("%s/orders/%s?payment=cancelled", s.frontendURL, order.ID)),
		ClientReferenceID:  stripe.String(order.ID),
		Metadata: map[string]string{
			"order_id":     order.ID,
			"order_number": order.OrderNumber,
		},
	}
	if order.ShippingEmail != "" {
		params.CustomerEmail = stripe.String(order.ShippingEmail)
	}

	sess, err := s.stripeClient.CreateCheckoutSession(ctx, params)
	if err != nil {
		s.logger.Error("stripe checkout session create failed",
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
		return nil, "", fmt.Errorf("%w: payment service error: %s", errs.ErrValidation, stripeErrorMessage(err))
	}

	// The session has not produced a payment intent yet in most cases;
	// store a placeholder until the completion webhook reports the real
	// one.
	intentID := ""
	if sess.PaymentIntent != nil {
		intentID = sess.PaymentIntent.ID
	}
	if intentID == "" {
		intentID = "temp_" + sess.ID
	}

	payment := &model.Payment{
		ID:                      uuid.NewString(),
		OrderID:                 order.ID,
		StripePaymentIntentID:   intentID,
		StripeCheckoutSessionID: sess.ID,
		Amount:                  order.Total,
		Currency:                "USD",
		Status:                  model.PaymentPending,
	}

	// Known race: the active-payment check above and this delete+insert
	// are separate steps, so two concurrent calls for the same order can
	// each create a remote session. The stale one is discarded on the
	// next attempt; tolerated rather than prevented.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.paymentRepo.DeletePendingByOrder(ctx, tx, order.ID); err != nil {
			return fmt.Errorf("delete pending payments: %w", err)
		}
		if err := s.paymentRepo.Create(ctx, tx, payment); err != nil {
			return fmt.Errorf("store payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("created checkout session",
		zap.String("order_number", order.OrderNumber),
		zap.String("session_id", sess.ID),
	)

	return payment, sess.URL, nil
}

// HandleCheckoutSessionCompleted reconciles a completed checkout session
// into local state: payment succeeded, order paid and processing, in one
// transaction with the order locked before the payment. The returned
// error carries a kind for the caller to log; webhook deliveries are
// acknowledged regardless.
func (s *paymentServiceImpl) HandleCheckoutSessionCompleted(ctx context.Context, session *stripe.CheckoutSession) error {
	orderID := session.Metadata["order_id"]
	if orderID == "" {
		return fmt.Errorf("%w: no order_id in session metadata", errs.ErrMalformedEvent)
	}

	intentID := ""
	if session.PaymentIntent != nil {
		intentID = session.PaymentIntent.ID
	}

	var orderNumber string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.orderRepo.FindForUpdate(ctx, tx, orderID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: order %s for session %s", errs.ErrNotFound, orderID, session.ID)
		}
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		orderNumber = order.OrderNumber

		// matched by session id: the stored intent id may still be the
		// temp_ placeholder
		payment, err := s.paymentRepo.FindBySessionForUpdate(ctx, tx, order.ID, session.ID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: payment for session %s", errs.ErrNotFound, session.ID)
		}
		if err != nil {
			return fmt.Errorf("lock payment: %w", err)
		}

		if intentID != "" {
			payment.StripePaymentIntentID = intentID
		}
		payment.Status = model.PaymentSucceeded
		if err := s.paymentRepo.Update(ctx, tx, payment, "stripe_payment_intent_id", "status"); err != nil {
			return fmt.Errorf("update payment: %w", err)
		}

		if err := s.orderRepo.MarkPaid(ctx, tx, order.ID); err != nil {
			return fmt.Errorf("mark order paid: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("payment succeeded", zap.String("order_number", orderNumber))
	return nil
}

// HandlePaymentIntentFailed marks the matching payment as failed with
// the processor's error message.
func (s *paymentServiceImpl) HandlePaymentIntentFailed(ctx context.Context, intent *stripe.PaymentIntent) error {
	payment, err := s.paymentRepo.FindByIntentID(ctx, intent.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: payment for intent %s", errs.ErrNotFound, intent.ID)
	}
	if err != nil {
		return fmt.Errorf("load payment: %w", err)
	}

	message := "Payment failed"
	if intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "" {
		message = intent.LastPaymentError.Msg
	}

	payment.MarkAsFailed(message)
	if err := s.paymentRepo.Update(ctx, nil, payment, "status", "error_message"); err != nil {
		return fmt.Errorf("update payment: %w", err)
	}

	s.logger.Info("payment failed",
		zap.String("order_id", payment.OrderID),
		zap.String("reason", message),
	)
	return nil
}

func (s *paymentServiceImpl) GetPaymentByOrder(ctx context.Context, orderID, userID string) (*model.Payment, error) {
	order, err := s.orderRepo.FindByIDAndUser(ctx, orderID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: order not found", errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}

	payment, err := s.paymentRepo.FindByOrder(ctx, order.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: payment not found", errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}

	return payment, nil
}

// VerifyWebhookSignature authenticates a webhook delivery against the
// signing secret. Malformed payloads and signature mismatches both come
// back as validation errors.
func (s *paymentServiceImpl) VerifyWebhookSignature(payload []byte, sigHeader string) (stripe.Event, error) {
	event, err := s.stripeClient.ConstructWebhookEvent(payload, sigHeader)
	if err != nil {
		s.logger.Error("webhook verification failed", zap.Error(err))
		return stripe.Event{}, fmt.Errorf("%w: invalid webhook: %v", errs.ErrValidation, err)
	}
	return event, nil
}

// checkoutLineItems maps order items onto Stripe line items, converting
// unit prices to minor currency units, plus a synthetic Shipping item
// when the order carries a shipping cost.
func checkoutLineItems(order *model.Order) []*stripe.CheckoutSessionLineItemParams {
	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(order.Items)+1)
	for _, item := range order.Items {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String("usd"),
				UnitAmount: stripe.Int64(minorUnits(item.Price)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(item.ProductName),
					Description: stripe.String(variantDescription(item)),
				},
			},
			Quantity: stripe.Int64(item.Quantity),
		})
	}

	if order.ShippingCost.IsPositive() {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String("usd"),
				UnitAmount: stripe.Int64(minorUnits(order.ShippingCost)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Shipping"),
				},
			},
			Quantity: stripe.Int64(1),
		})
	}

	return lineItems
}

func variantDescription(item model.OrderItem) string {
	size, color := item.Size, item.Color
	if size == "" {
		size = "N/A"
	}
	if color == "" {
		color = "N/A"
	}
	return fmt.Sprintf("Size: %s, Color: %s", size, color)
}

func minorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).IntPart()
}

// stripeErrorMessage extracts the processor's own message when the error
// is a Stripe API error.
func stripeErrorMessage(err error) string {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Msg != "" {
		return stripeErr.Msg
	}
	return err.Error()
}
