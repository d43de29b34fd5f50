package httpserver

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"imobilerepair/internal/domain"
	"imobilerepair/internal/logging"
	orderrepo "imobilerepair/internal/repository/order"
	"imobilerepair/internal/service/admin"
)

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *handlers) listOrders(c *gin.Context) {
	var f orderrepo.ListFilter
	if raw := c.Query("status"); raw != "" {
		st, err := domain.ParseOrderStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		f.Status = st
	}
	var err error
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return
	}
	if f.Offset, err = queryInt(c, "offset"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be an integer"})
		return
	}

	f = f.Normalize()
	orders, total, err := h.orders.List(c.Request.Context(), f)
	if err != nil {
		h.storeError(c, err)
		return
	}
	resp := orderListResponse{Orders: make([]orderResponse, 0, len(orders)), Total: total, Limit: f.Limit, Offset: f.Offset}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, toOrderResponse(o))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) getOrder(c *gin.Context) {
	o, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(*o))
}

func (h *handlers) updateOrderStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status required"})
		return
	}
	st, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	o, err := h.orders.UpdateStatus(c.Request.Context(), c.Param("id"), st)
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(*o))
}

func (h *handlers) deleteOrder(c *gin.Context) {
	if err := h.orders.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password required"})
		return
	}
	token, expiresAt, err := h.admin.Login(c.Request.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, admin.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	case errors.Is(err, admin.ErrNotConfigured):
		logging.From(c, h.logger).Error("admin login is not configured")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "admin access is not configured"})
		return
	case err != nil:
		logging.From(c, h.logger).Error("admin login failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_at":   expiresAt,
	})
}

func (h *handlers) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logging.From(c, h.logger).Error("order store failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func readLimited(c *gin.Context, limit int64) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
}
