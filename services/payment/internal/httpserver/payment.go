package httpserver

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/bonebuddy/pkg/logging"
	middleware "github.com/Skotchmaster/bonebuddy/pkg/middleware/auth"
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/service"
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/transport"
)

const (
	SignatureHeader = "X-Razorpay-Signature"
	maxWebhookBody  = 1 << 20
)

type PaymentHTTP struct {
	Svc *service.PaymentService
}

func (h *PaymentHTTP) CreateOrder(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "payment.create_order")

	userID := middleware.UserID(c)
	if userID == "" {
		l.Warn("create_order_error", "status", 401, "reason", "missing user")
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	var req transport.CreateOrderRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("create_order_error", "status", 400, "reason", "invalid body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	order, err := h.Svc.CreateOrder(ctx, userID, req)
	if err != nil {
		return ErrorResponse(l, "create_order_error", err)
	}

	l.Info("create_order_success", "payment_id", order.PaymentRecordID)
	return c.JSON(http.StatusCreated, order)
}

func (h *PaymentHTTP) Verify(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "payment.verify")

	userID := middleware.UserID(c)
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	var req transport.VerifyRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("verify_error", "status", 400, "reason", "invalid body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	p, err := h.Svc.VerifyPayment(ctx, userID, req)
	if err != nil {
		return ErrorResponse(l, "verify_error", err)
	}

	l.Info("verify_success", "payment_id", p.ID)
	return c.JSON(http.StatusOK, p)
}

func (h *PaymentHTTP) Get(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "payment.get")

	p, err := h.Svc.GetPayment(ctx, middleware.UserID(c), middleware.Role(c), c.Param("id"))
	if err != nil {
		return ErrorResponse(l, "get_payment_error", err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *PaymentHTTP) List(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "payment.list")

	page, _ := strconv.Atoi(c.QueryParam("page"))
	size, _ := strconv.Atoi(c.QueryParam("size"))

	res, err := h.Svc.ListPayments(ctx, middleware.UserID(c), page, size)
	if err != nil {
		return ErrorResponse(l, "list_payments_error", err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *PaymentHTTP) Refund(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "payment.refund")

	var req transport.RefundRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			l.Warn("refund_error", "status", 400, "reason", "invalid body", "error", err)
			return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
		}
	}

	p, err := h.Svc.Refund(ctx, middleware.UserID(c), middleware.Role(c), c.Param("id"), req.Amount)
	if err != nil {
		return ErrorResponse(l, "refund_error", err)
	}

	if p.RefundPending() {
		l.Warn("refund_pending", "status", 202, "payment_id", p.ID, "amount", p.RefundedAmount)
		return c.JSON(http.StatusAccepted, transport.RefundResponse{Payment: p, RefundPending: true})
	}
	l.Info("refund_success", "payment_id", p.ID, "amount", p.RefundedAmount)
	return c.JSON(http.StatusOK, transport.RefundResponse{Payment: p})
}

// Webhook is called by the gateway, not by users; the body signature is the
// only authentication.
func (h *PaymentHTTP) Webhook(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "payment.webhook")

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		l.Warn("webhook_error", "status", 400, "reason", "unreadable body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	if err := h.Svc.HandleWebhook(ctx, body, c.Request().Header.Get(SignatureHeader)); err != nil {
		return ErrorResponse(l, "webhook_error", err)
	}
	return c.NoContent(http.StatusOK)
}

// ErrorResponse maps service errors onto HTTP errors and logs them under msg.
func ErrorResponse(l *slog.Logger, msg string, err error) error {
	switch {
	case errors.Is(err, service.ErrValidation):
		l.Warn(msg, "status", 400, "reason", "validation", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrSignatureMismatch):
		l.Warn(msg, "status", 400, "reason", "signature mismatch")
		return echo.NewHTTPError(http.StatusBadRequest, "signature mismatch")
	case errors.Is(err, service.ErrForbidden):
		l.Warn(msg, "status", 403, "reason", "forbidden", "error", err)
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	case errors.Is(err, service.ErrNotFound):
		l.Warn(msg, "status", 404, "reason", "not found", "error", err)
		return echo.NewHTTPError(http.StatusNotFound, "payment not found")
	case errors.Is(err, service.ErrConflict), errors.Is(err, service.ErrInvalidState):
		l.Warn(msg, "status", 409, "reason", "state", "error", err)
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrGatewayRejected):
		l.Warn(msg, "status", 502, "reason", "gateway rejected", "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, withRecord(err, echo.Map{"message": "payment gateway rejected the request"}))
	case errors.Is(err, service.ErrGatewayUnavailable):
		l.Warn(msg, "status", 503, "reason", "gateway unavailable", "error", err)
		return echo.NewHTTPError(http.StatusServiceUnavailable, withRecord(err, echo.Map{
			"message":   "payment gateway unavailable, retry later",
			"retryable": true,
		}))
	default:
		l.Error(msg, "status", 500, "reason", "internal error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func withRecord(err error, body echo.Map) echo.Map {
	var oe *service.OrderError
	if errors.As(err, &oe) {
		body["payment_record_id"] = oe.PaymentRecordID
	}
	return body
}
