package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"alamor/internal/service"
)

// SubscriptionHandler serves subscription documents to VPN clients.
type SubscriptionHandler struct {
	purchases *service.PurchaseService
	logger    *zap.Logger
}

func NewSubscriptionHandler(purchases *service.PurchaseService, logger *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{purchases: purchases, logger: logger}
}

// Serve answers GET /sub/:token with the base64 config list.
func (h *SubscriptionHandler) Serve(c echo.Context) error {
	token := c.Param("token")
	if token == "" {
		return c.String(http.StatusNotFound, "Not found")
	}

	body, err := h.purchases.Subscription(c.Request().Context(), token)
	switch {
	case err == nil:
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, service.ErrPurchaseInactive):
		return c.String(http.StatusNotFound, "Subscription not found")
	default:
		h.logger.Error("Subscription lookup failed", zap.Error(err))
		return c.String(http.StatusInternalServerError, "Internal error")
	}

	c.Response().Header().Set("Profile-Title", "alamor")
	c.Response().Header().Set("Profile-Update-Interval", "12")
	return c.String(http.StatusOK, body)
}
