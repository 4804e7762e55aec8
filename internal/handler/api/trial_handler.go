package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"alamor/internal/models"
	"alamor/internal/pkg/utils"
	"alamor/internal/service"
)

// TrialHandler serves the free test account.
type TrialHandler struct {
	trials *service.TrialService
	logger *zap.Logger
}

func NewTrialHandler(trials *service.TrialService, logger *zap.Logger) *TrialHandler {
	return &TrialHandler{trials: trials, logger: logger}
}

// Claim provisions the free test for a user.
// POST /api/free-test
func (h *TrialHandler) Claim(c echo.Context) error {
	var req models.FreeTestRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body", nil)
	}
	target, err := targetOf(req.ServerID, req.ProfileID)
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	approval, err := h.trials.Claim(c.Request().Context(), req.UserID, target)
	if err != nil {
		h.logger.Warn("Free test request failed", zap.Int64("user_id", req.UserID), zap.Error(err))
		return failure(c, err, nil)
	}
	return successResponse(c, "Successful", approval)
}

// Status reports whether a user took the free test.
// GET /api/users/:user_id/free-test
func (h *TrialHandler) Status(c echo.Context) error {
	userID := utils.ParseInt64(c.Param("user_id"), 0)
	if userID == 0 {
		return errorResponse(c, http.StatusBadRequest, "invalid user_id", nil)
	}
	used, err := h.trials.Used(c.Request().Context(), userID)
	if err != nil {
		return failure(c, err, nil)
	}
	return successResponse(c, "Successful", map[string]bool{"used": used})
}

// Reset lets a user claim the free test again.
// DELETE /api/users/:user_id/free-test
func (h *TrialHandler) Reset(c echo.Context) error {
	userID := utils.ParseInt64(c.Param("user_id"), 0)
	if userID == 0 {
		return errorResponse(c, http.StatusBadRequest, "invalid user_id", nil)
	}
	if err := h.trials.Reset(c.Request().Context(), userID); err != nil {
		return failure(c, err, nil)
	}
	return successResponse(c, "Free test reset", nil)
}
