// README: Ride handlers: booking, lifecycle transitions, ratings, tracking, history and invoices.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"cabcore/internal/http/middleware"
	"cabcore/internal/infra"
	"cabcore/internal/modules/fare"
	"cabcore/internal/modules/ride"
	"cabcore/internal/types"
)

type RideHandler struct {
	rides   *ride.Service
	billing *fare.Billing
}

func NewRideHandler(rides *ride.Service, billing *fare.Billing) *RideHandler {
	return &RideHandler{rides: rides, billing: billing}
}

type bookReq struct {
	VehicleClass string   `json:"vehicle_class" binding:"required"`
	Pickup       pointReq `json:"pickup"`
	Dropoff      pointReq `json:"dropoff"`
}

type startReq struct {
	StartCode string `json:"start_code" binding:"required"`
}

type cancelReq struct {
	Reason string `json:"reason"`
}

type rateReq struct {
	Rating   decimal.Decimal `json:"rating"`
	Feedback string          `json:"feedback"`
}

type locationReq struct {
	Lat *float64 `json:"lat" binding:"required"`
	Lng *float64 `json:"lng" binding:"required"`
}

// Book creates a ride for the calling customer.
func (h *RideHandler) Book(c *gin.Context) {
	var req bookReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	r, err := h.rides.Book(c.Request.Context(), ride.BookCommand{
		CustomerID: types.ID(middleware.CallerUID(c)),
		Class:      types.ParseVehicleClass(req.VehicleClass),
		Pickup:     req.Pickup.location(),
		Dropoff:    req.Dropoff.location(),
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}

func (h *RideHandler) Get(c *gin.Context) {
	r, ok := h.visibleRide(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, redact(c, *r))
}

func (h *RideHandler) Accept(c *gin.Context) {
	r, err := h.rides.Accept(c.Request.Context(), ride.AcceptCommand{
		RideID:   types.ID(c.Param("id")),
		DriverID: types.ID(middleware.CallerUID(c)),
	})
	h.respond(c, r, err)
}

func (h *RideHandler) Arrive(c *gin.Context) {
	r, err := h.rides.Arrive(c.Request.Context(), ride.DriverCommand{
		RideID:   types.ID(c.Param("id")),
		DriverID: types.ID(middleware.CallerUID(c)),
	})
	h.respond(c, r, err)
}

func (h *RideHandler) Start(c *gin.Context) {
	var req startReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "start_code is required")
		return
	}
	r, err := h.rides.Start(c.Request.Context(), ride.StartCommand{
		RideID:   types.ID(c.Param("id")),
		DriverID: types.ID(middleware.CallerUID(c)),
		Code:     req.StartCode,
	})
	h.respond(c, r, err)
}

func (h *RideHandler) Complete(c *gin.Context) {
	r, err := h.rides.Complete(c.Request.Context(), ride.DriverCommand{
		RideID:   types.ID(c.Param("id")),
		DriverID: types.ID(middleware.CallerUID(c)),
	})
	h.respond(c, r, err)
}

// Cancel maps the caller's role to the cancelling actor; operators cancel as system.
func (h *RideHandler) Cancel(c *gin.Context) {
	var req cancelReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	var actor ride.Actor
	switch role := middleware.CallerRole(c); {
	case role == infra.RoleCustomer:
		actor = ride.ActorCustomer
	case role == infra.RoleDriver:
		actor = ride.ActorDriver
	case privileged(role):
		actor = ride.ActorSystem
	default:
		writeRideError(c, errForbidden)
		return
	}
	r, err := h.rides.Cancel(c.Request.Context(), ride.CancelCommand{
		RideID:  types.ID(c.Param("id")),
		Actor:   actor,
		ActorID: types.ID(middleware.CallerUID(c)),
		Reason:  req.Reason,
	})
	h.respond(c, r, err)
}

func (h *RideHandler) Rate(c *gin.Context) {
	var req rateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	var role ride.Role
	switch middleware.CallerRole(c) {
	case infra.RoleCustomer:
		role = ride.RoleCustomer
	case infra.RoleDriver:
		role = ride.RoleDriver
	default:
		writeRideError(c, errForbidden)
		return
	}
	err := h.rides.Rate(c.Request.Context(), ride.RateCommand{
		RideID:   types.ID(c.Param("id")),
		Role:     role,
		RaterID:  types.ID(middleware.CallerUID(c)),
		Rating:   req.Rating,
		Feedback: req.Feedback,
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdateLocation records a ping from the assigned driver. System callers may
// report on behalf of any driver.
func (h *RideHandler) UpdateLocation(c *gin.Context) {
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "lat and lng are required")
		return
	}
	cmd := ride.LocationCommand{
		RideID: types.ID(c.Param("id")),
		Point:  types.Point{Lat: *req.Lat, Lng: *req.Lng},
	}
	if middleware.CallerRole(c) == infra.RoleDriver {
		cmd.DriverID = types.ID(middleware.CallerUID(c))
	}
	p, err := h.rides.UpdateLocation(c.Request.Context(), cmd)
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, p)
}

func (h *RideHandler) Track(c *gin.Context) {
	r, ok := h.visibleRide(c)
	if !ok {
		return
	}
	points, err := h.rides.Track(c.Request.Context(), r.ID)
	if err != nil {
		writeRideError(c, err)
		return
	}
	if points == nil {
		points = []ride.TrackPoint{}
	}
	writeJSON(c, http.StatusOK, gin.H{"ride_id": r.ID, "points": points})
}

func (h *RideHandler) Invoice(c *gin.Context) {
	r, ok := h.visibleRide(c)
	if !ok {
		return
	}
	inv, err := h.billing.InvoiceForRide(c.Request.Context(), r.ID)
	if err != nil {
		writeFareError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, inv)
}

// History pages through the caller's own rides, newest first.
func (h *RideHandler) History(c *gin.Context) {
	page, size, ok := pageParams(c)
	if !ok {
		writeError(c, http.StatusBadRequest, "page and size must be integers")
		return
	}
	uid := types.ID(middleware.CallerUID(c))
	var (
		res ride.Page
		err error
	)
	switch middleware.CallerRole(c) {
	case infra.RoleCustomer:
		res, err = h.rides.CustomerHistory(c.Request.Context(), uid, page, size)
	case infra.RoleDriver:
		res, err = h.rides.DriverHistory(c.Request.Context(), uid, page, size)
	default:
		err = errForbidden
	}
	if err != nil {
		writeRideError(c, err)
		return
	}
	for i := range res.Items {
		res.Items[i] = redact(c, res.Items[i])
	}
	writeJSON(c, http.StatusOK, res)
}

func (h *RideHandler) Active(c *gin.Context) {
	rides, err := h.rides.Active(c.Request.Context())
	if err != nil {
		writeRideError(c, err)
		return
	}
	for i := range rides {
		rides[i].StartCode = ""
	}
	writeJSON(c, http.StatusOK, gin.H{"rides": rides, "total": len(rides)})
}

// Open lists rides awaiting a driver, optionally for one vehicle_class.
func (h *RideHandler) Open(c *gin.Context) {
	var class types.VehicleClass
	if v := c.Query("vehicle_class"); v != "" {
		if class = types.ParseVehicleClass(v); !class.Known() {
			writeError(c, http.StatusBadRequest, "unknown vehicle_class")
			return
		}
	}
	rides, err := h.rides.Open(c.Request.Context(), class)
	if err != nil {
		writeRideError(c, err)
		return
	}
	for i := range rides {
		rides[i].StartCode = ""
	}
	writeJSON(c, http.StatusOK, gin.H{"rides": rides, "total": len(rides)})
}

func (h *RideHandler) respond(c *gin.Context, r *ride.Ride, err error) {
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, redact(c, *r))
}

// visibleRide loads the ride named in the path and writes 403/404 itself.
func (h *RideHandler) visibleRide(c *gin.Context) (*ride.Ride, bool) {
	r, err := h.rides.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeRideError(c, err)
		return nil, false
	}
	if !canView(c, r) {
		writeRideError(c, errForbidden)
		return nil, false
	}
	return r, true
}

