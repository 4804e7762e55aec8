package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"alamor/internal/models"
	"alamor/internal/panel"
	"alamor/internal/provision"
	"alamor/internal/service"
)

const msgRetryLater = "Service is temporarily unavailable, please retry later"

func successResponse(c echo.Context, msg string, obj interface{}) error {
	return c.JSON(http.StatusOK, models.APIResponse{
		Status: true,
		Msg:    msg,
		Obj:    obj,
	})
}

func errorResponse(c echo.Context, status int, msg string, obj interface{}) error {
	return c.JSON(status, models.APIResponse{
		Status: false,
		Msg:    msg,
		Obj:    obj,
	})
}

// failure maps a service error onto the envelope. obj carries partial
// results, such as a management outcome, when there are any.
func failure(c echo.Context, err error, obj interface{}) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errorResponse(c, http.StatusNotFound, "Not found", nil)
	case errors.Is(err, service.ErrInvalidRequest):
		return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, service.ErrInProgress):
		return errorResponse(c, http.StatusConflict, "Approval for this payment is already running", nil)
	case errors.Is(err, service.ErrFreeTrialUsed):
		return errorResponse(c, http.StatusConflict, "Free test already used", nil)
	case errors.Is(err, service.ErrPurchaseInactive):
		return errorResponse(c, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, provision.ErrNoResult):
		return errorResponse(c, http.StatusServiceUnavailable, msgRetryLater, nil)
	case errors.Is(err, service.ErrNothingApplied), errors.Is(err, panel.ErrUnavailable):
		return errorResponse(c, http.StatusBadGateway, "Panel unavailable", obj)
	}
	return errorResponse(c, http.StatusInternalServerError, "Internal error", nil)
}

// targetOf picks the provisioning target of a request. Exactly one of
// serverID and profileID must be set.
func targetOf(serverID, profileID uint) (provision.TargetSet, error) {
	switch {
	case serverID != 0 && profileID != 0:
		return provision.TargetSet{}, errors.New("set either server_id or profile_id, not both")
	case serverID != 0:
		return provision.ServerTargets(serverID), nil
	case profileID != 0:
		return provision.ProfileTargets(profileID), nil
	}
	return provision.TargetSet{}, errors.New("server_id or profile_id is required")
}

// activeOnly reads the ?active= filter of list endpoints.
func activeOnly(c echo.Context) bool {
	v, _ := strconv.ParseBool(c.QueryParam("active"))
	return v
}

func idParam(c echo.Context, name string) (uint, error) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		return 0, errors.New("invalid " + name)
	}
	return uint(v), nil
}
