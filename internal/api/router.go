package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Router wraps the Gin engine with the billing handlers.
type Router struct {
	engine  *gin.Engine
	handler *Handler
}

// NewRouter creates the API router. adminKey guards the station admin
// endpoints; an empty key leaves them open, which is only sensible in debug.
func NewRouter(handler *Handler, adminKey string, debug bool) *Router {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	r := &Router{
		engine:  engine,
		handler: handler,
	}

	r.setupRoutes(adminKey)

	return r
}

func (r *Router) setupRoutes(adminKey string) {
	r.engine.GET("/health", r.handler.HealthCheck)

	// Captive portal entry point. Routers send devices here with
	// ?station=<id>&mac=<mac>&ip=<ip>.
	r.engine.GET("/portal/connect", r.handler.PortalConnect)

	v1 := r.engine.Group("/api/v1")
	{
		v1.GET("/plans", r.handler.ListPlans)

		purchases := v1.Group("/purchases")
		{
			purchases.POST("", r.handler.CreatePurchase)
			purchases.GET("/:id", r.handler.GetPurchase)
		}

		v1.POST("/payments/callback", r.handler.PaymentCallback)
		v1.GET("/devices/status", r.handler.DeviceStatus)

		admin := v1.Group("")
		admin.Use(adminKeyMiddleware(adminKey))
		{
			admin.POST("/devices/revoke", r.handler.RevokeDevice)

			stations := admin.Group("/stations")
			{
				stations.POST("", r.handler.RegisterStation)
				stations.GET("", r.handler.ListStations)
				stations.GET("/:id", r.handler.GetStation)
				stations.GET("/:id/config", r.handler.StationConfig)
				stations.PUT("/:id/enabled", r.handler.SetStationEnabled)
				stations.DELETE("/:id", r.handler.DeleteStation)
			}

			admin.GET("/stats", r.handler.GetStats)
		}
	}
}

// Engine returns the underlying Gin engine.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}
