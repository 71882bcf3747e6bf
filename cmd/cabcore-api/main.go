// README: Entry point; loads config, wires stores and services, runs the event outbox and the HTTP server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"cabcore/internal/config"
	httptransport "cabcore/internal/http"
	"cabcore/internal/http/handlers"
	"cabcore/internal/infra"
	"cabcore/internal/logging"
	"cabcore/internal/modules/coordination"
	"cabcore/internal/modules/dispatch"
	"cabcore/internal/modules/fare"
	"cabcore/internal/modules/ride"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		logrus.WithError(err).Fatal("init logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init token verifier")
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer dbPool.Close()

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		log.WithError(err).Fatal("connect redis")
	}
	defer redisClient.Close()

	fareCfg := fare.DefaultConfig()
	fareCfg.Currency = cfg.Fare.Currency
	var promos fare.PromoLookup = fare.NewPGPromoStore(dbPool)
	if cfg.Fare.TablePath != "" {
		if fareCfg, err = fare.LoadConfig(cfg.Fare.TablePath, fareCfg); err != nil {
			log.WithError(err).Fatal("load fare table")
		}
		if len(fareCfg.Promos) > 0 {
			promos = fare.NewStaticPromos(fareCfg.Promos...)
		}
	}
	fares := fare.NewEngine(fareCfg, promos, fare.WithLocation(cfg.Location))
	billing := fare.NewBilling(fare.NewPGInvoiceStore(dbPool), fares.Currency(), fare.WithBillingLogger(log))

	drivers := dispatch.NewService(dispatch.NewRedisStore(redisClient), log,
		dispatch.WithDefaultRadius(cfg.Dispatch.RadiusKm),
		dispatch.WithMaxResults(cfg.Dispatch.MaxResults))

	var distance coordination.DistanceSource = coordination.GeoDistance{}
	if cfg.MapsAPIKey != "" {
		maps, err := coordination.NewMapsDistance(cfg.MapsAPIKey)
		if err != nil {
			log.WithError(err).Fatal("init maps client")
		}
		distance = maps
	}

	// The live hub needs the ride service, which needs the coordinator, which
	// needs the outbox; the hub is attached to the fan-out once it exists.
	publishers := coordination.FanoutPublisher{}
	var mq *infra.RabbitMQ
	if cfg.Events.AMQPURL != "" {
		if mq, err = infra.DialRabbitMQ(ctx, cfg.Events.AMQPURL, cfg.Events.Exchange, log); err != nil {
			log.WithError(err).Fatal("connect rabbitmq")
		}
		go mq.Watch(ctx)
		publishers = append(publishers, coordination.NewAMQPPublisher(mq, cfg.Events.Exchange))
	} else {
		log.Warn("CAB_AMQP_URL not set; ride events are only logged")
		publishers = append(publishers, coordination.NewLogPublisher(log))
	}
	live := &lateLive{}
	publishers = append(publishers, live)

	outbox := coordination.NewOutbox(publishers, cfg.Events.QueueSize, cfg.Events.PublishTimeout, log)
	go outbox.Run()

	coord := coordination.NewCoordinator(
		coordination.NewLocal(drivers, fares, billing, distance),
		outbox,
		log,
		coordination.WithTimeout(cfg.CollaboratorTimeout),
	)
	rides := ride.NewService(ride.NewPGStore(dbPool), fares, coord, log)
	live.hub = handlers.NewLiveHandler(rides, log)

	api := httptransport.NewServer(httptransport.ServerDeps{
		Rides:    rides,
		Drivers:  drivers,
		Fares:    fares,
		Billing:  billing,
		Live:     live.hub,
		Verifier: verifier,
		Log:      log,
		Now:      func() time.Time { return time.Now().In(cfg.Location) },
	})
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.Routes(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown")
	}
	if err := outbox.Close(shutdownCtx); err != nil {
		log.WithError(err).Error("event outbox did not drain")
	}
	if mq != nil {
		if err := mq.Close(); err != nil {
			log.WithError(err).Warn("close rabbitmq")
		}
	}
}

func newVerifier(ctx context.Context, cfg config.Config) (infra.TokenVerifier, error) {
	if cfg.Auth.Mode == config.AuthModeFirebase {
		return infra.NewFirebaseVerifier(ctx, cfg.Auth.FirebaseProjectID, cfg.Auth.FirebaseCredentials)
	}
	return infra.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
}

// lateLive forwards to the live hub once it has been built.
type lateLive struct {
	hub *handlers.LiveHandler
}

func (l *lateLive) Publish(ctx context.Context, e coordination.Event) error {
	if l.hub == nil {
		return nil
	}
	return l.hub.Publish(ctx, e)
}
