package fare

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cabcore/internal/modules/geo"
	"cabcore/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestEngine_Estimate(t *testing.T) {
	// Off-peak: 14:00. Peak: 09:00. Night: 23:00.
	offPeak := time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)
	peak := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	night := time.Date(2026, 2, 10, 23, 0, 0, 0, time.UTC)
	expired := offPeak.Add(-time.Hour)
	future := offPeak.Add(24 * time.Hour)

	promos := NewStaticPromos(
		Promo{Code: "TENOFF", Type: DiscountPercentage, Value: d("10"), MaxDiscount: decimal.NewNullDecimal(d("15")), MinOrderValue: decimal.NewNullDecimal(d("100")), Active: true},
		Promo{Code: "BIGSPEND", Type: DiscountPercentage, Value: d("10"), MinOrderValue: decimal.NewNullDecimal(d("300")), Active: true},
		Promo{Code: "OLD", Type: DiscountFlat, Value: d("20"), ValidUntil: &expired, Active: true},
		Promo{Code: "SOON", Type: DiscountFlat, Value: d("20"), ValidUntil: &future, Active: true},
		Promo{Code: "OFF", Type: DiscountFlat, Value: d("20"), Active: false},
		Promo{Code: "FLAT50", Type: DiscountFlat, Value: d("50"), MaxDiscount: decimal.NewNullDecimal(d("40")), Active: true},
		Promo{Code: "FREE", Type: DiscountFlat, Value: d("100"), Active: true},
	)
	e := NewEngine(DefaultConfig(), promos)

	tests := []struct {
		name  string
		quote Quote
		want  Breakdown
	}{
		{
			name:  "sedan off-peak no promo",
			quote: Quote{Class: types.VehicleSedan, DistanceKm: d("10"), DurationMinutes: 20, At: offPeak},
			want: Breakdown{DistanceCharge: d("140"), TimeCharge: d("30"), SurgeCharge: d("0"),
				Discount: d("0"), Subtotal: d("230"), Tax: d("11.50"), Total: d("241.50")},
		},
		{
			name:  "sedan peak surge 1.5",
			quote: Quote{Class: types.VehicleSedan, DistanceKm: d("10"), DurationMinutes: 20, At: peak},
			want: Breakdown{DistanceCharge: d("140"), TimeCharge: d("30"), SurgeCharge: d("115"),
				Discount: d("0"), Subtotal: d("345"), Tax: d("17.25"), Total: d("362.25")},
		},
		{
			name:  "sedan night surge 1.2",
			quote: Quote{Class: types.VehicleSedan, DistanceKm: d("10"), DurationMinutes: 20, At: night},
			want: Breakdown{DistanceCharge: d("140"), TimeCharge: d("30"), SurgeCharge: d("46"),
				Discount: d("0"), Subtotal: d("276"), Tax: d("13.80"), Total: d("289.80")},
		},
		{
			name:  "percentage promo capped at max discount",
			quote: Quote{Class: types.VehicleSedan, DistanceKm: d("10"), DurationMinutes: 20, PromoCode: "tenoff", At: offPeak},
			want: Breakdown{DistanceCharge: d("140"), TimeCharge: d("30"), SurgeCharge: d("0"),
				Discount: d("15"), Subtotal: d("215"), Tax: d("10.75"), Total: d("225.75")},
		},
		{
			name:  "promo below minimum order",
			quote: Quote{Class: types.VehicleSedan, DistanceKm: d("10"), DurationMinutes: 20, PromoCode: "BIGSPEND", At: offPeak},
			want: Breakdown{DistanceCharge: d("140"), TimeCharge: d("30"), SurgeCharge: d("0"),
				Discount: d("0"), Subtotal: d("230"), Tax: d("11.50"), Total: d("241.50")},
		},
		{
			name:  "expired promo",
			quote: Quote{Class: types.VehicleSedan, DistanceKm: d("10"), DurationMinutes: 20, PromoCode: "OLD", At: offPeak},
			want: Breakdown{DistanceCharge: d("140"), TimeCharge: d("30"), SurgeCharge: d("0"),
				Discount: d("0"), Subtotal: d("230"), Tax: d("11.50"), Total: d("241.50")},
		},
		{
			name:  "promo with future expiry",
			quote: Quote{Class: types.VehicleSedan, DistanceKm: d("10"), DurationMinutes: 20, PromoCode: "SOON", At: offPeak},
			want: Breakdown{DistanceCharge: d("140"), TimeCharge: d("30"), SurgeCharge: d("0"),
				Discount: d("20"), Subtotal: d("210"), Tax: d("10.50"), Total: d("220.50")},
		},
		{
			name:  "inactive promo",
			quote: Quote{Class: types.VehicleSedan, DistanceKm: d("10"), DurationMinutes: 20, PromoCode: "OFF", At: offPeak},
			want: Breakdown{DistanceCharge: d("140"), TimeCharge: d("30"), SurgeCharge: d("0"),
				Discount: d("0"), Subtotal: d("230"), Tax: d("11.50"), Total: d("241.50")},
		},
		{
			name:  "unknown promo",
			quote: Quote{Class: types.VehicleSedan, DistanceKm: d("10"), DurationMinutes: 20, PromoCode: "NOPE", At: offPeak},
			want: Breakdown{DistanceCharge: d("140"), TimeCharge: d("30"), SurgeCharge: d("0"),
				Discount: d("0"), Subtotal: d("230"), Tax: d("11.50"), Total: d("241.50")},
		},
		{
			name:  "flat promo capped",
			quote: Quote{Class: types.VehicleSedan, DistanceKm: d("10"), DurationMinutes: 20, PromoCode: "FLAT50", At: offPeak},
			want: Breakdown{DistanceCharge: d("140"), TimeCharge: d("30"), SurgeCharge: d("0"),
				Discount: d("40"), Subtotal: d("190"), Tax: d("9.50"), Total: d("199.50")},
		},
		{
			name:  "discount larger than fare clamps subtotal to zero",
			quote: Quote{Class: types.VehicleMini, DistanceKm: d("1"), DurationMinutes: 1, PromoCode: "FREE", At: offPeak},
			want: Breakdown{DistanceCharge: d("10"), TimeCharge: d("1"), SurgeCharge: d("0"),
				Discount: d("100"), Subtotal: d("0"), Tax: d("0"), Total: d("0")},
		},
		{
			name:  "unknown class uses default row",
			quote: Quote{Class: "AUTO", DistanceKm: d("10"), DurationMinutes: 20, At: offPeak},
			want: Breakdown{DistanceCharge: d("120"), TimeCharge: d("30"), SurgeCharge: d("0"),
				Discount: d("0"), Subtotal: d("200"), Tax: d("10"), Total: d("210")},
		},
		{
			name:  "charges rounded half-up before tax",
			quote: Quote{Class: types.VehicleSedan, DistanceKm: d("1.234"), DurationMinutes: 3, At: offPeak},
			// 1.234 * 14 = 17.276 -> 17.28; 60 + 17.28 + 4.5 = 81.78; tax 4.089 -> 4.09
			want: Breakdown{DistanceCharge: d("17.28"), TimeCharge: d("4.5"), SurgeCharge: d("0"),
				Discount: d("0"), Subtotal: d("81.78"), Tax: d("4.09"), Total: d("85.87")},
		},
		{
			name:  "surge charge rounded half-up",
			quote: Quote{Class: types.VehicleMini, DistanceKm: d("1.333"), DurationMinutes: 1, At: night},
			// 40 + 13.33 + 1 = 54.33; * 0.2 = 10.866 -> 10.87
			want: Breakdown{DistanceCharge: d("13.33"), TimeCharge: d("1"), SurgeCharge: d("10.87"),
				Discount: d("0"), Subtotal: d("65.20"), Tax: d("3.26"), Total: d("68.46")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Estimate(context.Background(), tt.quote)
			if err != nil {
				t.Fatalf("Estimate() error = %v", err)
			}
			check := func(field string, got, want decimal.Decimal) {
				t.Helper()
				if !got.Equal(want) {
					t.Errorf("%s = %s, want %s", field, got, want)
				}
			}
			check("DistanceCharge", got.DistanceCharge, tt.want.DistanceCharge)
			check("TimeCharge", got.TimeCharge, tt.want.TimeCharge)
			check("SurgeCharge", got.SurgeCharge, tt.want.SurgeCharge)
			check("Discount", got.Discount, tt.want.Discount)
			check("Subtotal", got.Subtotal, tt.want.Subtotal)
			check("Tax", got.Tax, tt.want.Tax)
			check("Total", got.Total, tt.want.Total)
		})
	}
}

func TestEngine_Estimate_SurgeMultiplierReported(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	b, err := e.Estimate(context.Background(), Quote{
		Class:      types.VehicleSUV,
		DistanceKm: d("2"),
		At:         time.Date(2026, 2, 10, 18, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !b.SurgeMultiplier.Equal(d("1.5")) {
		t.Errorf("SurgeMultiplier = %s, want 1.5", b.SurgeMultiplier)
	}
	if !b.BaseFare.Equal(d("80")) {
		t.Errorf("BaseFare = %s, want 80", b.BaseFare)
	}
}

func TestEngine_Estimate_AppliedPromoCodeRecorded(t *testing.T) {
	e := NewEngine(DefaultConfig(), NewStaticPromos(Promo{Code: "RIDE5", Type: DiscountFlat, Value: d("5"), Active: true}))
	b, err := e.Estimate(context.Background(), Quote{
		Class: types.VehicleMini, DistanceKm: d("3"), PromoCode: " ride5 ",
		At: time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	if b.PromoCode != "RIDE5" || !b.Discount.Equal(d("5")) {
		t.Errorf("promo not applied: code=%q discount=%s", b.PromoCode, b.Discount)
	}
}

type failingPromos struct{}

func (failingPromos) Lookup(context.Context, string) (Promo, bool, error) {
	return Promo{}, false, errors.New("promo store down")
}

func TestEngine_Estimate_PromoLookupError(t *testing.T) {
	e := NewEngine(DefaultConfig(), failingPromos{})
	_, err := e.Estimate(context.Background(), Quote{Class: types.VehicleMini, DistanceKm: d("3"), PromoCode: "X"})
	if err == nil {
		t.Fatal("expected lookup error to propagate")
	}
	// Without a code the store is never consulted.
	if _, err := e.Estimate(context.Background(), Quote{Class: types.VehicleMini, DistanceKm: d("3")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEngine_Estimate_RejectsNegativeInputs(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	if _, err := e.Estimate(context.Background(), Quote{DistanceKm: d("-1")}); !errors.Is(err, ErrInvalidQuote) {
		t.Errorf("negative distance: got %v", err)
	}
	if _, err := e.Estimate(context.Background(), Quote{DurationMinutes: -3}); !errors.Is(err, ErrInvalidQuote) {
		t.Errorf("negative duration: got %v", err)
	}
}

func TestEngine_Estimate_UsesClockWhenQuoteHasNoTime(t *testing.T) {
	clock := func() time.Time { return time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC) }
	e := NewEngine(DefaultConfig(), nil, WithClock(clock))
	b, err := e.Estimate(context.Background(), Quote{Class: types.VehicleSedan, DistanceKm: d("10"), DurationMinutes: 20})
	if err != nil {
		t.Fatal(err)
	}
	if !b.SurgeCharge.Equal(d("115")) {
		t.Errorf("expected peak surge from clock, got %s", b.SurgeCharge)
	}
}

func TestEngine_EstimateTrip(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	at := time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)
	pickup := types.Point{Lat: 12.9716, Lng: 77.5946}
	dropoff := types.Point{Lat: 12.9352, Lng: 77.6245}

	est, err := e.EstimateTrip(context.Background(), TripQuote{Class: types.VehicleSedan, Pickup: pickup, Dropoff: dropoff, At: at})
	if err != nil {
		t.Fatal(err)
	}
	wantKm := types.RoundHalfUp(decimal.NewFromFloat(geo.GreatCircleKm(pickup, dropoff)))
	if !est.DistanceKm.Equal(wantKm) {
		t.Errorf("DistanceKm = %s, want %s", est.DistanceKm, wantKm)
	}
	if want := int(wantKm.Mul(decimal.NewFromInt(2)).IntPart()); est.DurationMinutes != want {
		t.Errorf("DurationMinutes = %d, want %d", est.DurationMinutes, want)
	}
	if !est.DistanceCharge.Equal(types.RoundHalfUp(wantKm.Mul(d("14")))) {
		t.Errorf("DistanceCharge = %s", est.DistanceCharge)
	}
}

func TestEngine_EstimateTrip_SamePoint(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	p := types.Point{Lat: 12.9716, Lng: 77.5946}
	est, err := e.EstimateTrip(context.Background(), TripQuote{
		Class: types.VehicleSedan, Pickup: p, Dropoff: p,
		At: time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !est.Total.Equal(d("63")) || est.DurationMinutes != 0 {
		t.Errorf("got total=%s minutes=%d, want 63 and 0", est.Total, est.DurationMinutes)
	}
}

func TestEngine_EstimateTrip_InvalidGeometry(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	_, err := e.EstimateTrip(context.Background(), TripQuote{
		Pickup:  types.Point{Lat: 95, Lng: 0},
		Dropoff: types.Point{Lat: 0, Lng: 0},
	})
	if !errors.Is(err, ErrInvalidQuote) {
		t.Fatalf("expected ErrInvalidQuote, got %v", err)
	}
}

func TestEngine_PostTrip(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	tests := []struct {
		km      string
		minutes int
		want    string
	}{
		{"5.0", 12, "149"},
		{"0", 0, "50"},
		{"3.37", 7, "114.55"},
	}
	for _, tt := range tests {
		if got := e.PostTrip(d(tt.km), tt.minutes); !got.Equal(d(tt.want)) {
			t.Errorf("PostTrip(%s, %d) = %s, want %s", tt.km, tt.minutes, got, tt.want)
		}
	}
}
