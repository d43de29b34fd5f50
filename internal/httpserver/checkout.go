package httpserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"imobilerepair/internal/domain"
	"imobilerepair/internal/logging"
	"imobilerepair/internal/payment"
	"imobilerepair/internal/service/checkout"
	"imobilerepair/internal/service/settlement"
)

type checkoutResponse struct {
	URL       string `json:"url"`
	OrderID   string `json:"orderId"`
	SessionID string `json:"sessionId"`
}

type confirmResponse struct {
	Paid   bool   `json:"paid"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (h *handlers) startCheckout(c *gin.Context) {
	var in checkout.StartInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := h.checkout.Start(c.Request.Context(), in)
	if err != nil {
		logger := logging.From(c, h.logger)
		switch {
		case errors.Is(err, checkout.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, checkout.ErrTotalMismatch):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		case errors.Is(err, checkout.ErrPaymentNotConfigured):
			logger.Error("checkout rejected: payment provider not configured")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "payment provider is not configured"})
		case errors.Is(err, checkout.ErrSessionCreate):
			c.JSON(http.StatusBadGateway, gin.H{"error": "could not start payment, please try again"})
		default:
			logger.Error("checkout failed", "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusCreated, checkoutResponse{URL: res.RedirectURL, OrderID: res.OrderID, SessionID: res.SessionID})
}

func (h *handlers) confirmCheckout(c *gin.Context) {
	orderID := c.Query("order_id")
	sessionID := c.Query("session_id")

	res, err := h.settlement.ConfirmFromClient(c.Request.Context(), orderID, sessionID)
	if err != nil {
		logger := logging.From(c, h.logger)
		switch {
		case errors.Is(err, settlement.ErrMissingParams):
			c.JSON(http.StatusBadRequest, confirmResponse{Error: err.Error()})
		case errors.Is(err, settlement.ErrSessionMismatch):
			c.JSON(http.StatusBadRequest, confirmResponse{Error: "session does not belong to this order"})
		case errors.Is(err, domain.ErrNotFound):
			c.JSON(http.StatusNotFound, confirmResponse{Error: "order not found"})
		case errors.Is(err, settlement.ErrOrderCancelled):
			c.JSON(http.StatusConflict, confirmResponse{Status: string(domain.OrderStatusCancelled), Error: "order was cancelled"})
		case errors.Is(err, settlement.ErrPaymentNotConfigured):
			logger.Error("confirmation rejected: payment provider not configured")
			c.JSON(http.StatusInternalServerError, confirmResponse{Error: "payment provider is not configured"})
		case errors.Is(err, settlement.ErrProviderLookup):
			logger.Warn("payment session lookup failed", "err", err)
			c.JSON(http.StatusBadGateway, confirmResponse{Error: "could not verify payment, please retry"})
		default:
			logger.Error("payment confirmation failed", "err", err)
			c.JSON(http.StatusInternalServerError, confirmResponse{Error: "internal error"})
		}
		return
	}

	resp := confirmResponse{Paid: res.Outcome == settlement.OutcomeSettled || res.Outcome == settlement.OutcomeAlreadySettled}
	if res.Order != nil {
		resp.Status = res.Order.Status.String()
	}
	c.JSON(http.StatusOK, resp)
}

const maxWebhookBody = 1 << 20

// webhook reads the body exactly once; the signature covers these bytes as sent.
func (h *handlers) webhook(c *gin.Context) {
	payload, err := readLimited(c, maxWebhookBody)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	res, err := h.settlement.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		logger := logging.From(c, h.logger)
		switch {
		case errors.Is(err, payment.ErrInvalidSignature), errors.Is(err, payment.ErrInvalidPayload):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook"})
		case errors.Is(err, settlement.ErrPaymentNotConfigured), errors.Is(err, payment.ErrWebhookNotConfigured):
			logger.Error("webhook rejected: payment provider not configured", "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook is not configured"})
		// The provider retrying these would not change the answer.
		case errors.Is(err, settlement.ErrSessionMismatch):
			c.JSON(http.StatusOK, gin.H{"received": true, "outcome": "rejected"})
		case errors.Is(err, settlement.ErrOrderCancelled):
			c.JSON(http.StatusOK, gin.H{"received": true, "outcome": "order_cancelled"})
		case errors.Is(err, domain.ErrNotFound):
			logger.Warn("webhook for unknown order", "err", err)
			c.JSON(http.StatusOK, gin.H{"received": true, "outcome": "unknown_order"})
		default:
			logger.Error("webhook processing failed", "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": string(res.Outcome)})
}
