// README: Fare estimate and route/ETA endpoints.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cabcore/internal/modules/fare"
	"cabcore/internal/modules/geo"
	"cabcore/internal/types"
)

type FareHandler struct {
	fares *fare.Engine
	now   func() time.Time
}

// NewFareHandler takes the clock used for route ETAs; it should already be in
// the service's time zone.
func NewFareHandler(fares *fare.Engine, now func() time.Time) *FareHandler {
	if now == nil {
		now = time.Now
	}
	return &FareHandler{fares: fares, now: now}
}

type estimateReq struct {
	VehicleClass string   `json:"vehicle_class" binding:"required"`
	Pickup       pointReq `json:"pickup"`
	Dropoff      pointReq `json:"dropoff"`
	PromoCode    string   `json:"promo_code"`
}

func (h *FareHandler) Estimate(c *gin.Context) {
	var req estimateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	est, err := h.fares.EstimateTrip(c.Request.Context(), fare.TripQuote{
		Class:     types.ParseVehicleClass(req.VehicleClass),
		Pickup:    req.Pickup.point(),
		Dropoff:   req.Dropoff.point(),
		PromoCode: req.PromoCode,
	})
	if err != nil {
		writeFareError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, est)
}

// Route estimates distance, duration and a straight-line polyline between
// from_lat/from_lng and to_lat/to_lng.
func (h *FareHandler) Route(c *gin.Context) {
	fromLat, ok1 := queryFloat(c, "from_lat")
	fromLng, ok2 := queryFloat(c, "from_lng")
	toLat, ok3 := queryFloat(c, "to_lat")
	toLng, ok4 := queryFloat(c, "to_lng")
	from := types.Point{Lat: fromLat, Lng: fromLng}
	to := types.Point{Lat: toLat, Lng: toLng}
	if !ok1 || !ok2 || !ok3 || !ok4 || !from.Valid() || !to.Valid() {
		writeError(c, http.StatusBadRequest, "valid from_lat, from_lng, to_lat and to_lng are required")
		return
	}
	class := types.ParseVehicleClass(c.DefaultQuery("vehicle_class", string(types.VehicleSedan)))
	writeJSON(c, http.StatusOK, geo.EstimateRoute(from, to, class, h.now()))
}
