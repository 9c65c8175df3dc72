package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/stripe/stripe-go/v78"
	"go.uber.org/zap"

	"stripe-checkout-service/internal/dto"
	"stripe-checkout-service/internal/errs"
	"stripe-checkout-service/internal/repository"
	"stripe-checkout-service/internal/service"
)

const maxWebhookBody = int64(65536)

type PaymentHandler struct {
	paymentService service.PaymentService
	webhookEvents  repository.WebhookEventRepository
	logger         *zap.Logger
}

func NewPaymentHandler(paymentService service.PaymentService, webhookEvents repository.WebhookEventRepository, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
		webhookEvents:  webhookEvents,
		logger:         logger,
	}
}

func userIDFromContext(c echo.Context) (string, error) {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	return userID, nil
}

func (h *PaymentHandler) CreateCheckoutSession(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := userIDFromContext(c)
	if err != nil {
		return err
	}

	payment, checkoutURL, err := h.paymentService.CreateCheckoutSession(ctx, c.Param("orderID"), userID)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, &dto.CheckoutResponse{
		PaymentID:   payment.ID,
		OrderID:     payment.OrderID,
		Status:      payment.Status,
		CheckoutURL: checkoutURL,
	})
}

func (h *PaymentHandler) GetPayment(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := userIDFromContext(c)
	if err != nil {
		return err
	}

	payment, err := h.paymentService.GetPaymentByOrder(ctx, c.Param("orderID"), userID)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, &dto.PaymentResponse{
		ID:           payment.ID,
		OrderID:      payment.OrderID,
		Amount:       payment.Amount.StringFixed(2),
		Currency:     payment.Currency,
		Status:       payment.Status,
		ErrorMessage: payment.ErrorMessage,
	})
}

// StripeWebhook receives signed event deliveries. Once the signature
// verifies the delivery is always acknowledged with 200; reconciliation
// failures are logged with their kind so Stripe does not redeliver
// events we cannot process anyway.
func (h *PaymentHandler) StripeWebhook(c echo.Context) error {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxWebhookBody)

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	event, err := h.paymentService.VerifyWebhookSignature(body, req.Header.Get("Stripe-Signature"))
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	ctx := req.Context()

	seen, err := h.webhookEvents.Exists(ctx, event.ID)
	if err != nil {
		h.logger.Error("webhook dedup lookup failed", zap.String("event_id", event.ID), zap.Error(err))
	}
	if seen {
		return c.NoContent(http.StatusOK)
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			h.logger.Error("decode checkout session event",
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
			break
		}
		if err := h.paymentService.HandleCheckoutSessionCompleted(ctx, &sess); err != nil {
			h.logger.Error("checkout session reconciliation failed",
				zap.String("event_id", event.ID),
				zap.String("kind", errKind(err)),
				zap.Error(err),
			)
		}
	case "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			h.logger.Error("decode payment intent event",
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
			break
		}
		if err := h.paymentService.HandlePaymentIntentFailed(ctx, &intent); err != nil {
			h.logger.Error("payment failure reconciliation failed",
				zap.String("event_id", event.ID),
				zap.String("kind", errKind(err)),
				zap.Error(err),
			)
		}
	default:
		h.logger.Debug("ignoring webhook event", zap.String("type", string(event.Type)))
	}

	if err := h.webhookEvents.MarkProcessed(ctx, event.ID, string(event.Type)); err != nil {
		h.logger.Error("mark webhook processed", zap.String("event_id", event.ID), zap.Error(err))
	}

	return c.NoContent(http.StatusOK)
}

func httpError(err error) error {
	switch {
	case errs.IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errs.IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return err
	}
}

func errKind(err error) string {
	switch {
	case errs.IsNotFound(err):
		return "not_found"
	case errors.Is(err, errs.ErrMalformedEvent):
		return "malformed_event"
	case errs.IsValidation(err):
		return "validation"
	default:
		return "transient"
	}
}
