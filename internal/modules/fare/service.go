// README: Fare engine computes itemized estimates and the post-trip fare.
package fare

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cabcore/internal/modules/geo"
	"cabcore/internal/types"
)

var hundred = decimal.NewFromInt(100)

type Engine struct {
	cfg    Config
	promos PromoLookup
	now    func() time.Time
	loc    *time.Location
}

type Option func(*Engine)

// WithClock pins the engine clock, used when a quote carries no time.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocation sets the zone in which surge windows are evaluated. Without
// it the quote time is used in its own zone.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// NewEngine prices with cfg. When promos is nil the fixtures in cfg.Promos
// are used.
func NewEngine(cfg Config, promos PromoLookup, opts ...Option) *Engine {
	if promos == nil {
		promos = NewStaticPromos(cfg.Promos...)
	}
	e := &Engine{cfg: cfg, promos: promos, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Currency() string { return e.cfg.Currency }

// Estimate prices a quote. Each monetary step is rounded half-up to cents
// before it feeds the next one.
func (e *Engine) Estimate(ctx context.Context, q Quote) (Breakdown, error) {
	if q.DistanceKm.IsNegative() || q.DurationMinutes < 0 {
		return Breakdown{}, ErrInvalidQuote
	}
	at := q.At
	if at.IsZero() {
		at = e.now()
	}
	if e.loc != nil {
		at = at.In(e.loc)
	}

	r := e.cfg.RateFor(q.Class)
	b := Breakdown{
		Class:          q.Class,
		Currency:       e.cfg.Currency,
		BaseFare:       r.Base,
		DistanceCharge: types.RoundHalfUp(q.DistanceKm.Mul(r.PerKm)),
		TimeCharge:     types.RoundHalfUp(decimal.NewFromInt(int64(q.DurationMinutes)).Mul(r.PerMin)),
		SurgeCharge:    decimal.Zero,
		Discount:       decimal.Zero,
	}

	b.SurgeMultiplier = decimal.NewFromFloat(geo.SurgeMultiplier(at))
	fare := b.BaseFare.Add(b.DistanceCharge).Add(b.TimeCharge)
	if b.SurgeMultiplier.GreaterThan(decimal.NewFromInt(1)) {
		b.SurgeCharge = types.RoundHalfUp(fare.Mul(b.SurgeMultiplier.Sub(decimal.NewFromInt(1))))
	}
	gross := fare.Add(b.SurgeCharge)

	if code := strings.TrimSpace(q.PromoCode); code != "" {
		discount, applied, err := e.discount(ctx, code, gross, at)
		if err != nil {
			return Breakdown{}, err
		}
		b.Discount = discount
		if applied {
			b.PromoCode = strings.ToUpper(code)
		}
	}

	b.Subtotal = gross.Sub(b.Discount)
	if b.Subtotal.IsNegative() {
		b.Subtotal = decimal.Zero
	}
	b.Tax = types.RoundHalfUp(b.Subtotal.Mul(e.cfg.TaxRate))
	b.Total = types.RoundHalfUp(b.Subtotal.Add(b.Tax))
	return b, nil
}

func (e *Engine) discount(ctx context.Context, code string, amount decimal.Decimal, at time.Time) (decimal.Decimal, bool, error) {
	p, ok, err := e.promos.Lookup(ctx, code)
	if err != nil {
		return decimal.Zero, false, err
	}
	if !ok || !p.Applies(amount, at) {
		return decimal.Zero, false, nil
	}

	var d decimal.Decimal
	switch p.Type {
	case DiscountPercentage:
		d = types.RoundHalfUp(amount.Mul(p.Value).Div(hundred))
	case DiscountFlat:
		d = p.Value
	default:
		return decimal.Zero, false, nil
	}
	if p.MaxDiscount.Valid && d.GreaterThan(p.MaxDiscount.Decimal) {
		d = p.MaxDiscount.Decimal
	}
	return d, true, nil
}

// EstimateTrip prices a pickup/dropoff pair: distance is the road-corrected
// great-circle distance and duration is two minutes per kilometre.
func (e *Engine) EstimateTrip(ctx context.Context, q TripQuote) (Estimate, error) {
	if !q.Pickup.Valid() || !q.Dropoff.Valid() {
		return Estimate{}, ErrInvalidQuote
	}
	distance := types.RoundHalfUp(decimal.NewFromFloat(geo.GreatCircleKm(q.Pickup, q.Dropoff)))
	minutes := int(distance.Mul(decimal.NewFromInt(2)).IntPart())

	b, err := e.Estimate(ctx, Quote{
		Class:           q.Class,
		DistanceKm:      distance,
		DurationMinutes: minutes,
		PromoCode:       q.PromoCode,
		At:              q.At,
	})
	if err != nil {
		return Estimate{}, err
	}
	return Estimate{Breakdown: b, DistanceKm: distance, DurationMinutes: minutes}, nil
}

// PostTrip is the completion fare: base + km rate + minute rate of the
// PostTrip row, with no surge, promo or tax.
func (e *Engine) PostTrip(distanceKm decimal.Decimal, minutes int) decimal.Decimal {
	r := e.cfg.PostTrip
	return types.RoundHalfUp(r.Base.
		Add(distanceKm.Mul(r.PerKm)).
		Add(decimal.NewFromInt(int64(minutes)).Mul(r.PerMin)))
}
