// README: Base handler utilities (JSON helpers, error mapping, caller checks).
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"cabcore/internal/http/middleware"
	"cabcore/internal/infra"
	"cabcore/internal/modules/dispatch"
	"cabcore/internal/modules/fare"
	"cabcore/internal/modules/ride"
	"cabcore/internal/types"
)

var errForbidden = errors.New("forbidden")

type errorResponse struct {
	Error string `json:"error"`
}

type pointReq struct {
	Lat     *float64 `json:"lat" binding:"required"`
	Lng     *float64 `json:"lng" binding:"required"`
	Address string   `json:"address"`
}

func (p pointReq) point() types.Point {
	return types.Point{Lat: *p.Lat, Lng: *p.Lng}
}

func (p pointReq) location() types.Location {
	return types.Location{Point: p.point(), Address: p.Address}
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeRideError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, ride.ErrValidation):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, ride.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ride.ErrInvalidState), errors.Is(err, ride.ErrConflict):
		writeError(c, http.StatusConflict, err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func writeDispatchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dispatch.ErrValidation):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func writeFareError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, fare.ErrInvalidQuote):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, fare.ErrNotFound), errors.Is(err, fare.ErrPaymentNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, fare.ErrNotPayer):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, fare.ErrPaymentState):
		writeError(c, http.StatusConflict, err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func privileged(role string) bool {
	return role == infra.RoleAdmin || role == infra.RoleSystem
}

// canView reports whether the caller is a party to r or an operator.
func canView(c *gin.Context, r *ride.Ride) bool {
	uid := types.ID(middleware.CallerUID(c))
	switch middleware.CallerRole(c) {
	case infra.RoleCustomer:
		return r.CustomerID == uid
	case infra.RoleDriver:
		return r.AssignedTo(uid)
	case infra.RoleAdmin, infra.RoleSystem:
		return true
	}
	return false
}

// redact hides the start code from everyone but the ride's customer.
func redact(c *gin.Context, r ride.Ride) ride.Ride {
	if middleware.CallerRole(c) != infra.RoleCustomer || r.CustomerID != types.ID(middleware.CallerUID(c)) {
		r.StartCode = ""
	}
	return r
}

func pageParams(c *gin.Context) (int, int, bool) {
	page, err := queryInt(c, "page", 0)
	if err != nil {
		return 0, 0, false
	}
	size, err := queryInt(c, "size", ride.DefaultPageSize)
	if err != nil {
		return 0, 0, false
	}
	return page, size, true
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func queryFloat(c *gin.Context, key string) (float64, bool) {
	f, err := strconv.ParseFloat(c.Query(key), 64)
	return f, err == nil
}
