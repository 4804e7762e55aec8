package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"alamor/internal/models"
	"alamor/internal/pkg/utils"
	"alamor/internal/service"
)

// PurchaseHandler serves provisioning and purchase management.
type PurchaseHandler struct {
	purchases *service.PurchaseService
	logger    *zap.Logger
}

func NewPurchaseHandler(purchases *service.PurchaseService, logger *zap.Logger) *PurchaseHandler {
	return &PurchaseHandler{purchases: purchases, logger: logger}
}

// Provision approves a paid order.
// POST /api/provision
func (h *PurchaseHandler) Provision(c echo.Context) error {
	var req models.ProvisionRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body", nil)
	}

	target, err := targetOf(req.ServerID, req.ProfileID)
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}

	approval, err := h.purchases.Approve(c.Request().Context(), service.ApproveRequest{
		PaymentRef:   req.PaymentRef,
		UserID:       req.UserID,
		Target:       target,
		PlanID:       req.PlanID,
		QuotaGB:      req.VolumeGB,
		DurationDays: req.DurationDays,
	})
	if err != nil {
		h.logger.Warn("Provisioning request failed",
			zap.String("payment_ref", req.PaymentRef),
			zap.Stringer("target", target),
			zap.Error(err))
		return failure(c, err, nil)
	}
	if approval.Duplicate {
		return successResponse(c, "Already provisioned", approval)
	}
	return successResponse(c, "Successful", approval)
}

// Get returns one purchase with its configs.
// GET /api/purchases/:id
func (h *PurchaseHandler) Get(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	approval, err := h.purchases.Get(c.Request().Context(), id)
	if err != nil {
		return failure(c, err, nil)
	}
	return successResponse(c, "Successful", approval)
}

// ListByUser returns a user's purchases.
// GET /api/users/:user_id/purchases
func (h *PurchaseHandler) ListByUser(c echo.Context) error {
	userID := utils.ParseInt64(c.Param("user_id"), 0)
	if userID == 0 {
		return errorResponse(c, http.StatusBadRequest, "invalid user_id", nil)
	}
	list, err := h.purchases.ListByUser(c.Request().Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list purchases", zap.Int64("user_id", userID), zap.Error(err))
		return failure(c, err, nil)
	}
	return successResponse(c, "Successful", list)
}

// ResetTraffic zeroes the usage of a purchase.
// POST /api/purchases/:id/reset
func (h *PurchaseHandler) ResetTraffic(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	out, err := h.purchases.ResetTraffic(c.Request().Context(), id)
	if err != nil {
		return failure(c, err, out)
	}
	return successResponse(c, "Traffic reset", out)
}

// Renew extends a purchase.
// POST /api/purchases/:id/renew
func (h *PurchaseHandler) Renew(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	var req models.RenewRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body", nil)
	}
	out, err := h.purchases.Renew(c.Request().Context(), id, req.ExtraGB, req.ExtraDays)
	if err != nil {
		return failure(c, err, out)
	}
	return successResponse(c, "Renewed", out)
}

// Revoke deletes the clients of a purchase.
// DELETE /api/purchases/:id
func (h *PurchaseHandler) Revoke(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	out, err := h.purchases.Revoke(c.Request().Context(), id)
	if err != nil {
		return failure(c, err, out)
	}
	return successResponse(c, "Revoked", out)
}

// ClientIPs lists recorded source addresses.
// GET /api/purchases/:id/ips
func (h *PurchaseHandler) ClientIPs(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	list, out, err := h.purchases.ClientIPs(c.Request().Context(), id)
	if err != nil {
		return failure(c, err, out)
	}
	return successResponse(c, "Successful", map[string]interface{}{"clients": list, "outcome": out})
}

// ClearClientIPs forgets recorded source addresses.
// DELETE /api/purchases/:id/ips
func (h *PurchaseHandler) ClearClientIPs(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	out, err := h.purchases.ClearClientIPs(c.Request().Context(), id)
	if err != nil {
		return failure(c, err, out)
	}
	return successResponse(c, "IPs cleared", out)
}

// Usage returns traffic records.
// GET /api/purchases/:id/usage
func (h *PurchaseHandler) Usage(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	list, out, err := h.purchases.Usage(c.Request().Context(), id)
	if err != nil {
		return failure(c, err, out)
	}
	return successResponse(c, "Successful", map[string]interface{}{"clients": list, "outcome": out})
}
