// Package api provides the HTTP surface: the captive portal entry point,
// purchase endpoints, the gateway callback, and station administration.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/alvn-cpu/mikrotikv2/internal/common"
	"github.com/alvn-cpu/mikrotikv2/internal/db"
	"github.com/alvn-cpu/mikrotikv2/internal/gateway"
	"github.com/alvn-cpu/mikrotikv2/internal/payment"
	"github.com/alvn-cpu/mikrotikv2/internal/plan"
	"github.com/alvn-cpu/mikrotikv2/internal/portal"
	"github.com/alvn-cpu/mikrotikv2/internal/session"
	"github.com/alvn-cpu/mikrotikv2/internal/station"
)

// Handler contains all HTTP handlers for the API.
type Handler struct {
	plans     plan.Catalog
	stations  *station.Registry
	orch      *payment.Orchestrator
	sessions  *session.Manager
	portalCtx portal.Context
	stats     StatsSource
	logger    *zap.Logger
}

// StatsSource supplies aggregate totals for the admin stats endpoint.
type StatsSource interface {
	GetStats() (*db.Stats, error)
}

// NewHandler creates an API handler. stats and logger may be nil.
func NewHandler(plans plan.Catalog, stations *station.Registry, orch *payment.Orchestrator, sessions *session.Manager, portalCtx portal.Context, stats StatsSource, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		plans:     plans,
		stations:  stations,
		orch:      orch,
		sessions:  sessions,
		portalCtx: portalCtx,
		stats:     stats,
		logger:    logger,
	}
}

// HealthCheck returns the service health status.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// PortalConnect is where the captive portal lands a freshly associated
// device. It answers with the station, the plan catalog and the device's
// current access so the portal can render either a paywall or a countdown.
func (h *Handler) PortalConnect(c *gin.Context) {
	stationID := c.Query("station")
	mac := c.Query("mac")

	st, err := h.stations.Lookup(stationID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	var status *session.DeviceStatus
	if mac != "" {
		status, err = h.sessions.Status(mac, st.ID)
		if err != nil {
			h.renderError(c, err)
			return
		}
	} else {
		status = &session.DeviceStatus{Active: false}
	}

	c.JSON(http.StatusOK, gin.H{
		"station": gin.H{
			"id":   st.ID,
			"name": st.Name,
			"payment_destination": gin.H{
				"type":    st.Destination.Type,
				"account": st.Destination.AccountNumber,
				"name":    st.Destination.AccountName,
			},
		},
		"plans":  h.plans.List(),
		"device": status,
	})
}

// ListPlans returns the plan catalog.
func (h *Handler) ListPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": h.plans.List()})
}

// PurchaseRequest starts a payment for a device.
type PurchaseRequest struct {
	StationID string `json:"station_id" binding:"required"`
	Device    string `json:"device" binding:"required"`
	PlanID    string `json:"plan_id" binding:"required"`
	Phone     string `json:"phone" binding:"required"`
}

// CreatePurchase initiates an STK push purchase.
func (h *Handler) CreatePurchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tx, err := h.orch.Initiate(c.Request.Context(), req.StationID, req.Device, req.PlanID, req.Phone)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, purchaseView(tx))
}

// GetPurchase returns the purchaser-visible status of a transaction.
func (h *Handler) GetPurchase(c *gin.Context) {
	tx, err := h.orch.Status(c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, purchaseView(tx))
}

func purchaseView(tx *payment.Transaction) gin.H {
	v := gin.H{
		"purchase_id": tx.ID,
		"station_id":  tx.StationID,
		"plan_id":     tx.PlanID,
		"amount_kes":  tx.AmountKES,
		"status":      tx.PublicStatus(),
		"created_at":  tx.CreatedAt.Format(time.RFC3339),
	}
	if tx.Reason != "" {
		v["reason"] = tx.Reason
	}
	return v
}

// callbackPayload is the gateway's STK push result delivery.
type callbackPayload struct {
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        string `json:"ResultCode"`
	ResultDesc        string `json:"ResultDescription"`
}

// PaymentCallback settles a transaction from the gateway's confirmation. The
// gateway retries on non-2xx, so an unknown reference answers 404 and a
// replay answers 200.
func (h *Handler) PaymentCallback(c *gin.Context) {
	var payload callbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if payload.CheckoutRequestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing CheckoutRequestID"})
		return
	}

	outcome := gateway.OutcomeFailure
	if payload.ResultCode == "0" {
		outcome = gateway.OutcomeSuccess
	}

	if err := h.orch.HandleCallback(c.Request.Context(), payload.CheckoutRequestID, outcome); err != nil {
		h.logger.Warn("callback rejected",
			zap.String("gateway_ref", payload.CheckoutRequestID),
			zap.Error(err))
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ResultCode": "0", "ResultDescription": "accepted"})
}

// DeviceStatus reports a device's remaining access at a station.
func (h *Handler) DeviceStatus(c *gin.Context) {
	stationID := c.Query("station")
	mac := c.Query("mac")
	if stationID == "" || mac == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "station and mac are required"})
		return
	}

	status, err := h.sessions.Status(mac, stationID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// RevokeRequest identifies a device to cut off.
type RevokeRequest struct {
	StationID string `json:"station_id" binding:"required"`
	Device    string `json:"device" binding:"required"`
}

// RevokeDevice cuts a device's access immediately.
func (h *Handler) RevokeDevice(c *gin.Context) {
	var req RevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.sessions.Revoke(c.Request.Context(), req.Device, req.StationID); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// RegisterStationRequest describes a new hotspot station.
type RegisterStationRequest struct {
	Name        string `json:"name" binding:"required"`
	Host        string `json:"host"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	DestType    string `json:"dest_type" binding:"required"`
	DestAccount string `json:"dest_account" binding:"required"`
	DestName    string `json:"dest_name"`
}

// RegisterStation allocates a network block and secret for a new station.
func (h *Handler) RegisterStation(c *gin.Context) {
	var req RegisterStationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	st, err := h.stations.Register(station.RegisterInput{
		Name:     req.Name,
		Host:     req.Host,
		Username: req.Username,
		Password: req.Password,
		Destination: station.PaymentDestination{
			Type:          station.DestinationType(req.DestType),
			AccountNumber: req.DestAccount,
			AccountName:   req.DestName,
		},
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, stationView(st, true))
}

// ListStations returns all registered stations.
func (h *Handler) ListStations(c *gin.Context) {
	stations := h.stations.List()
	views := make([]gin.H, 0, len(stations))
	for _, st := range stations {
		views = append(views, stationView(st, false))
	}
	c.JSON(http.StatusOK, gin.H{"stations": views, "count": len(views)})
}

// GetStation returns one station by id.
func (h *Handler) GetStation(c *gin.Context) {
	st, err := h.stations.Lookup(c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, stationView(st, false))
}

// StationConfig returns the router provisioning payload for a station: the
// RouterOS import script plus the captive-portal redirect target. Pass
// ?format=script to download the bare .rsc instead.
func (h *Handler) StationConfig(c *gin.Context) {
	st, err := h.stations.Lookup(c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	baseURL := portal.ResolveBaseURL(h.portalCtx)
	script := station.RouterConfigScript(st, baseURL)

	if c.Query("format") == "script" {
		c.Header("Content-Disposition", "attachment; filename="+st.Name+".rsc")
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(script))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"station_id":     st.ID,
		"network":        st.NetworkCIDR,
		"script":         script,
		"login_redirect": station.LoginRedirect(st, baseURL),
	})
}

// SetStationEnabled toggles a station in or out of service.
func (h *Handler) SetStationEnabled(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.stations.SetEnabled(c.Param("id"), *req.Enabled); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// DeleteStation decommissions a station. Its network block and secret go
// into quarantine before any reuse.
func (h *Handler) DeleteStation(c *gin.Context) {
	if err := h.stations.Deallocate(c.Param("id")); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// GetStats returns aggregate revenue and account totals.
func (h *Handler) GetStats(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stats not available"})
		return
	}
	stats, err := h.stats.GetStats()
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// The shared secret only appears in the registration response, where the
// operator needs it once to configure the router.
func stationView(st *station.Station, withSecret bool) gin.H {
	v := gin.H{
		"id":           st.ID,
		"name":         st.Name,
		"network_cidr": st.NetworkCIDR,
		"enabled":      st.Enabled,
		"dest_type":    st.Destination.Type,
		"dest_account": st.Destination.AccountNumber,
		"created_at":   st.CreatedAt.Format(time.RFC3339),
	}
	if withSecret {
		v["shared_secret"] = st.SharedSecret
	}
	return v
}

func (h *Handler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, common.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, common.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, common.ErrResourceExhausted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
