// README: API gateway; registers gin routes and delegates to module services.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"cabcore/internal/http/handlers"
	"cabcore/internal/http/middleware"
	"cabcore/internal/infra"
	"cabcore/internal/modules/dispatch"
	"cabcore/internal/modules/fare"
	"cabcore/internal/modules/ride"
)

type ServerDeps struct {
	Rides    *ride.Service
	Drivers  *dispatch.Service
	Fares    *fare.Engine
	Billing  *fare.Billing
	Live     *handlers.LiveHandler
	Verifier infra.TokenVerifier
	Log      logrus.FieldLogger
	// Now is the clock for route ETAs; defaults to time.Now.
	Now func() time.Time
}

type Server struct {
	rides    *handlers.RideHandler
	drivers  *handlers.DriverHandler
	fares    *handlers.FareHandler
	billing  *handlers.BillingHandler
	live     *handlers.LiveHandler
	verifier infra.TokenVerifier
	log      logrus.FieldLogger
}

func NewServer(deps ServerDeps) *Server {
	live := deps.Live
	if live == nil {
		live = handlers.NewLiveHandler(deps.Rides, deps.Log)
	}
	return &Server{
		rides:    handlers.NewRideHandler(deps.Rides, deps.Billing),
		drivers:  handlers.NewDriverHandler(deps.Drivers),
		fares:    handlers.NewFareHandler(deps.Fares, deps.Now),
		billing:  handlers.NewBillingHandler(deps.Billing),
		live:     live,
		verifier: deps.Verifier,
		log:      deps.Log,
	}
}

func (s *Server) Routes() http.Handler {
	r := gin.New()
	r.Use(middleware.Recovery(s.log), middleware.Logging(s.log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api", middleware.Auth(s.verifier))
	customer := middleware.RequireRole(infra.RoleCustomer)
	driver := middleware.RequireRole(infra.RoleDriver)
	operator := middleware.RequireRole(infra.RoleAdmin, infra.RoleSystem)

	api.POST("/rides", customer, s.rides.Book)
	api.GET("/rides/:id", s.rides.Get)
	api.POST("/rides/:id/accept", driver, s.rides.Accept)
	api.POST("/rides/:id/arrive", driver, s.rides.Arrive)
	api.POST("/rides/:id/start", driver, s.rides.Start)
	api.POST("/rides/:id/complete", driver, s.rides.Complete)
	api.POST("/rides/:id/cancel", s.rides.Cancel)
	api.POST("/rides/:id/rate", middleware.RequireRole(infra.RoleCustomer, infra.RoleDriver), s.rides.Rate)
	api.POST("/rides/:id/location", middleware.RequireRole(infra.RoleDriver, infra.RoleSystem), s.rides.UpdateLocation)
	api.GET("/rides/:id/track", s.rides.Track)
	api.GET("/rides/:id/invoice", s.rides.Invoice)
	api.GET("/rides/:id/live", s.live.Serve)
	api.GET("/me/rides", s.rides.History)
	api.GET("/open-rides", driver, s.rides.Open)
	api.GET("/admin/rides/active", operator, s.rides.Active)

	api.POST("/drivers/me", driver, s.drivers.Register)
	api.GET("/drivers/me", driver, s.drivers.Me)
	api.PUT("/drivers/me/location", driver, s.drivers.UpdateLocation)
	api.PUT("/drivers/me/status", driver, s.drivers.SetStatus)
	api.GET("/drivers/nearby", s.drivers.Nearby)
	api.GET("/drivers/nearest", s.drivers.Nearest)

	api.POST("/fares/estimate", s.fares.Estimate)
	api.GET("/routes/estimate", s.fares.Route)

	api.POST("/payments", customer, s.billing.Pay)
	api.GET("/payments/:txn", s.billing.Payment)
	api.POST("/payments/:txn/refund", operator, s.billing.Refund)
	api.GET("/me/invoices", customer, s.billing.Invoices)

	return r
}
