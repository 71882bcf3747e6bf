// README: Driver handlers: registration, availability, location pings and nearby search.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"cabcore/internal/http/middleware"
	"cabcore/internal/modules/dispatch"
	"cabcore/internal/types"
)

type DriverHandler struct {
	drivers *dispatch.Service
}

func NewDriverHandler(drivers *dispatch.Service) *DriverHandler {
	return &DriverHandler{drivers: drivers}
}

type registerReq struct {
	VehicleClass string `json:"vehicle_class" binding:"required"`
	Capacity     int    `json:"capacity" binding:"required,min=1"`
}

type statusReq struct {
	Status string `json:"status" binding:"required"`
}

func (h *DriverHandler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "vehicle_class and capacity are required")
		return
	}
	d, err := h.drivers.Register(c.Request.Context(), dispatch.RegisterCommand{
		DriverID: types.ID(middleware.CallerUID(c)),
		Class:    types.ParseVehicleClass(req.VehicleClass),
		Capacity: req.Capacity,
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

func (h *DriverHandler) Me(c *gin.Context) {
	d, err := h.drivers.Get(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

func (h *DriverHandler) UpdateLocation(c *gin.Context) {
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "lat and lng are required")
		return
	}
	err := h.drivers.UpdateLocation(c.Request.Context(), types.ID(middleware.CallerUID(c)), types.Point{Lat: *req.Lat, Lng: *req.Lng})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetStatus toggles availability. BUSY is owned by the ride lifecycle and
// cannot be set by hand.
func (h *DriverHandler) SetStatus(c *gin.Context) {
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "status is required")
		return
	}
	status := dispatch.DriverStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if status != dispatch.StatusAvailable && status != dispatch.StatusOffline {
		writeError(c, http.StatusBadRequest, "status must be AVAILABLE or OFFLINE")
		return
	}
	if err := h.drivers.SetStatus(c.Request.Context(), types.ID(middleware.CallerUID(c)), status); err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": status})
}

// Nearby lists available drivers around lat/lng, nearest first.
func (h *DriverHandler) Nearby(c *gin.Context) {
	center, ok := centerParam(c)
	if !ok {
		return
	}
	var radius float64
	if c.Query("radius_km") != "" {
		if radius, ok = queryFloat(c, "radius_km"); !ok {
			writeError(c, http.StatusBadRequest, "radius_km must be a number")
			return
		}
	}
	found, err := h.drivers.Nearby(c.Request.Context(), dispatch.Query{
		Center:   center,
		RadiusKm: radius,
		Class:    types.ParseVehicleClass(c.Query("vehicle_class")),
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	if found == nil {
		found = []dispatch.Candidate{}
	}
	writeJSON(c, http.StatusOK, gin.H{"drivers": found, "total": len(found)})
}

func (h *DriverHandler) Nearest(c *gin.Context) {
	center, ok := centerParam(c)
	if !ok {
		return
	}
	d, err := h.drivers.Nearest(c.Request.Context(), center, types.ParseVehicleClass(c.Query("vehicle_class")))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	if d == nil {
		writeError(c, http.StatusNotFound, "no available driver nearby")
		return
	}
	writeJSON(c, http.StatusOK, d)
}

func centerParam(c *gin.Context) (types.Point, bool) {
	lat, okLat := queryFloat(c, "lat")
	lng, okLng := queryFloat(c, "lng")
	p := types.Point{Lat: lat, Lng: lng}
	if !okLat || !okLng || !p.Valid() {
		writeError(c, http.StatusBadRequest, "valid lat and lng are required")
		return types.Point{}, false
	}
	return p, true
}
