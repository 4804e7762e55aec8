package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"alamor/internal/models"
	"alamor/internal/service"
)

// ServerHandler serves the server, inbound, profile and plan catalog.
type ServerHandler struct {
	catalog *service.CatalogService
	logger  *zap.Logger
}

func NewServerHandler(catalog *service.CatalogService, logger *zap.Logger) *ServerHandler {
	return &ServerHandler{catalog: catalog, logger: logger}
}

// List returns every server.
// GET /api/servers
func (h *ServerHandler) List(c echo.Context) error {
	servers, err := h.catalog.Servers(c.Request().Context())
	if err != nil {
		h.logger.Error("Failed to list servers", zap.Error(err))
		return failure(c, err, nil)
	}
	return successResponse(c, "Successful", servers)
}

// Add registers a server.
// POST /api/servers
func (h *ServerHandler) Add(c echo.Context) error {
	var req models.ServerRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body", nil)
	}
	server := &models.Server{
		Name:                   req.Name,
		PanelURL:               req.PanelURL,
		Username:               req.Username,
		Password:               req.Password,
		PanelType:              req.PanelType,
		SubscriptionBaseURL:    req.SubscriptionBaseURL,
		SubscriptionPathPrefix: req.SubscriptionPathPrefix,
	}
	if err := h.catalog.AddServer(c.Request().Context(), server); err != nil {
		h.logger.Warn("Failed to add server", zap.String("name", req.Name), zap.Error(err))
		return failure(c, err, nil)
	}
	return successResponse(c, "Server added", server)
}

// SetActive toggles a server.
// PUT /api/servers/:id/active
func (h *ServerHandler) SetActive(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	var req models.ActiveRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body", nil)
	}
	if err := h.catalog.SetServerActive(c.Request().Context(), id, req.Active); err != nil {
		return failure(c, err, nil)
	}
	return successResponse(c, "Updated", nil)
}

// Delete removes a server.
// DELETE /api/servers/:id
func (h *ServerHandler) Delete(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	if err := h.catalog.DeleteServer(c.Request().Context(), id); err != nil {
		return failure(c, err, nil)
	}
	return successResponse(c, "Deleted", nil)
}

// Inbounds lists the inbounds on a server's panel.
// GET /api/servers/:id/inbounds
func (h *ServerHandler) Inbounds(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	inbounds, err := h.catalog.ServerInbounds(c.Request().Context(), id)
	if err != nil {
		return failure(c, err, nil)
	}
	return successResponse(c, "Successful", inbounds)
}

// SelectInbounds sets the inbounds sold on a server.
// PUT /api/servers/:id/inbounds
func (h *ServerHandler) SelectInbounds(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	var req models.SelectInboundsRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body", nil)
	}
	selected := make([]models.ServerInbound, 0, len(req.Inbounds))
	for _, in := range req.Inbounds {
		selected = append(selected, models.ServerInbound{InboundID: in.InboundID, Remark: in.Remark})
	}
	rows, err := h.catalog.SelectInbounds(c.Request().Context(), id, selected)
	if err != nil {
		return failure(c, err, nil)
	}
	return successResponse(c, "Inbounds updated", rows)
}

// Onlines lists connected client emails.
// GET /api/servers/:id/onlines
func (h *ServerHandler) Onlines(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	emails, err := h.catalog.OnlineClients(c.Request().Context(), id)
	if err != nil {
		return failure(c, err, nil)
	}
	return successResponse(c, "Successful", emails)
}

// ResetTraffic zeroes the usage of every inbound on a server.
// POST /api/servers/:id/reset-traffic
func (h *ServerHandler) ResetTraffic(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	if err := h.catalog.ResetServerTraffic(c.Request().Context(), id); err != nil {
		return failure(c, err, nil)
	}
	return successResponse(c, "Traffic reset", nil)
}

// ResetInboundTraffic zeroes the usage of every client on one inbound.
// POST /api/servers/:id/inbounds/:inbound_id/reset-traffic
func (h *ServerHandler) ResetInboundTraffic(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	inboundID, err := idParam(c, "inbound_id")
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	if err := h.catalog.ResetInboundTraffic(c.Request().Context(), id, int(inboundID)); err != nil {
		return failure(c, err, nil)
	}
	return successResponse(c, "Traffic reset", nil)
}

// Profiles lists profiles.
// GET /api/profiles?active=true
func (h *ServerHandler) Profiles(c echo.Context) error {
	profiles, err := h.catalog.Profiles(c.Request().Context(), activeOnly(c))
	if err != nil {
		h.logger.Error("Failed to list profiles", zap.Error(err))
		return failure(c, err, nil)
	}
	return successResponse(c, "Successful", profiles)
}

// SetProfileActive toggles a profile.
// PUT /api/profiles/:id/active
func (h *ServerHandler) SetProfileActive(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	var req models.ActiveRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body", nil)
	}
	if err := h.catalog.SetProfileActive(c.Request().Context(), id, req.Active); err != nil {
		return failure(c, err, nil)
	}
	return successResponse(c, "Updated", nil)
}

// DeleteProfile removes a profile.
// DELETE /api/profiles/:id
func (h *ServerHandler) DeleteProfile(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	if err := h.catalog.DeleteProfile(c.Request().Context(), id); err != nil {
		return failure(c, err, nil)
	}
	return successResponse(c, "Deleted", nil)
}

// Plans lists plans, cheapest first.
// GET /api/plans?active=true
func (h *ServerHandler) Plans(c echo.Context) error {
	plans, err := h.catalog.Plans(c.Request().Context(), activeOnly(c))
	if err != nil {
		h.logger.Error("Failed to list plans", zap.Error(err))
		return failure(c, err, nil)
	}
	return successResponse(c, "Successful", plans)
}

// AddPlan creates a plan.
// POST /api/plans
func (h *ServerHandler) AddPlan(c echo.Context) error {
	var req models.PlanRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body", nil)
	}
	plan := &models.Plan{
		Name:         req.Name,
		PlanType:     req.PlanType,
		VolumeGB:     req.VolumeGB,
		DurationDays: req.DurationDays,
		Price:        req.Price,
		PerGBPrice:   req.PerGBPrice,
	}
	if err := h.catalog.AddPlan(c.Request().Context(), plan); err != nil {
		h.logger.Warn("Failed to add plan", zap.String("name", req.Name), zap.Error(err))
		return failure(c, err, nil)
	}
	return successResponse(c, "Plan added", plan)
}

// SetPlanActive toggles a plan.
// PUT /api/plans/:id/active
func (h *ServerHandler) SetPlanActive(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	var req models.ActiveRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body", nil)
	}
	if err := h.catalog.SetPlanActive(c.Request().Context(), id, req.Active); err != nil {
		return failure(c, err, nil)
	}
	return successResponse(c, "Updated", nil)
}

// AddProfile creates a profile.
// POST /api/profiles
func (h *ServerHandler) AddProfile(c echo.Context) error {
	var req models.ProfileRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body", nil)
	}
	profile := &models.Profile{Name: req.Name, Description: req.Description}
	if err := h.catalog.CreateProfile(c.Request().Context(), profile); err != nil {
		return failure(c, err, nil)
	}
	return successResponse(c, "Profile added", profile)
}

// SetProfileInbounds sets the inbounds bundled in a profile.
// PUT /api/profiles/:id/inbounds
func (h *ServerHandler) SetProfileInbounds(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	}
	var req models.ProfileInboundsRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body", nil)
	}
	rows, err := h.catalog.SetProfileInbounds(c.Request().Context(), id, req.ServerInboundIDs)
	if err != nil {
		return failure(c, err, nil)
	}
	return successResponse(c, "Profile updated", rows)
}
