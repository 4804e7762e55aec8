package router

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"alamor/internal/handler"
	"alamor/internal/handler/api"
	"alamor/internal/middleware"
	"alamor/internal/service"
)

// Services bundles what the HTTP layer serves.
type Services struct {
	Purchases *service.PurchaseService
	Catalog   *service.CatalogService
	Trials    *service.TrialService
}

// Setup configures all routes for the Echo server.
func Setup(e *echo.Echo, svc *Services, logger *zap.Logger, apiKey string) {
	// Global middleware
	e.Use(echomw.Recover())
	e.Use(middleware.CORS())

	purchaseHandler := api.NewPurchaseHandler(svc.Purchases, logger)
	serverHandler := api.NewServerHandler(svc.Catalog, logger)
	trialHandler := api.NewTrialHandler(svc.Trials, logger)
	subscriptionHandler := handler.NewSubscriptionHandler(svc.Purchases, logger)

	apiGroup := e.Group("/api")
	apiGroup.Use(middleware.APIAuth(apiKey))
	apiGroup.Use(middleware.RequestLogger(logger))

	apiGroup.POST("/provision", purchaseHandler.Provision)
	apiGroup.GET("/purchases/:id", purchaseHandler.Get)
	apiGroup.DELETE("/purchases/:id", purchaseHandler.Revoke)
	apiGroup.POST("/purchases/:id/reset", purchaseHandler.ResetTraffic)
	apiGroup.POST("/purchases/:id/renew", purchaseHandler.Renew)
	apiGroup.GET("/purchases/:id/ips", purchaseHandler.ClientIPs)
	apiGroup.DELETE("/purchases/:id/ips", purchaseHandler.ClearClientIPs)
	apiGroup.GET("/purchases/:id/usage", purchaseHandler.Usage)
	apiGroup.GET("/users/:user_id/purchases", purchaseHandler.ListByUser)

	apiGroup.POST("/free-test", trialHandler.Claim)
	apiGroup.GET("/users/:user_id/free-test", trialHandler.Status)
	apiGroup.DELETE("/users/:user_id/free-test", trialHandler.Reset)

	apiGroup.GET("/servers", serverHandler.List)
	apiGroup.POST("/servers", serverHandler.Add)
	apiGroup.DELETE("/servers/:id", serverHandler.Delete)
	apiGroup.PUT("/servers/:id/active", serverHandler.SetActive)
	apiGroup.GET("/servers/:id/inbounds", serverHandler.Inbounds)
	apiGroup.PUT("/servers/:id/inbounds", serverHandler.SelectInbounds)
	apiGroup.GET("/servers/:id/onlines", serverHandler.Onlines)
	apiGroup.POST("/servers/:id/reset-traffic", serverHandler.ResetTraffic)
	apiGroup.POST("/servers/:id/inbounds/:inbound_id/reset-traffic", serverHandler.ResetInboundTraffic)

	apiGroup.GET("/profiles", serverHandler.Profiles)
	apiGroup.POST("/profiles", serverHandler.AddProfile)
	apiGroup.DELETE("/profiles/:id", serverHandler.DeleteProfile)
	apiGroup.PUT("/profiles/:id/active", serverHandler.SetProfileActive)
	apiGroup.PUT("/profiles/:id/inbounds", serverHandler.SetProfileInbounds)

	apiGroup.GET("/plans", serverHandler.Plans)
	apiGroup.POST("/plans", serverHandler.AddPlan)
	apiGroup.PUT("/plans/:id/active", serverHandler.SetPlanActive)

	// Subscription endpoint
	e.GET("/sub/:token", subscriptionHandler.Serve)

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
}
