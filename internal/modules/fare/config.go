// README: Injected fare configuration (rate table, tax, post-trip formula, promo fixtures).
package fare

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"cabcore/internal/types"
)

type Config struct {
	Currency string
	Rates    map[types.VehicleClass]Rate
	// Default applies to classes missing from Rates.
	Default Rate
	TaxRate decimal.Decimal
	// PostTrip is the flat formula charged on completion (no surge, no promo).
	PostTrip Rate
	Promos   []Promo
}

func DefaultConfig() Config {
	return Config{
		Currency: "INR",
		Rates: map[types.VehicleClass]Rate{
			types.VehicleMini:    rate("40", "10", "1.0"),
			types.VehicleSedan:   rate("60", "14", "1.5"),
			types.VehicleSUV:     rate("80", "18", "2.0"),
			types.VehiclePremium: rate("120", "25", "3.0"),
		},
		Default:  rate("50", "12", "1.5"),
		TaxRate:  decimal.RequireFromString("0.05"),
		PostTrip: rate("50", "15", "2"),
	}
}

func rate(base, perKm, perMin string) Rate {
	return Rate{
		Base:   decimal.RequireFromString(base),
		PerKm:  decimal.RequireFromString(perKm),
		PerMin: decimal.RequireFromString(perMin),
	}
}

// RateFor returns the class row or the default row.
func (c Config) RateFor(class types.VehicleClass) Rate {
	if r, ok := c.Rates[class]; ok {
		return r
	}
	return c.Default
}

type fileRate struct {
	Base   string `yaml:"base"`
	PerKm  string `yaml:"per_km"`
	PerMin string `yaml:"per_min"`
}

type filePromo struct {
	Code          string `yaml:"code"`
	Description   string `yaml:"description"`
	Type          string `yaml:"type"`
	Value         string `yaml:"value"`
	MaxDiscount   string `yaml:"max_discount"`
	MinOrderValue string `yaml:"min_order_value"`
	ValidUntil    string `yaml:"valid_until"`
	Active        *bool  `yaml:"active"`
}

type fileConfig struct {
	Currency string              `yaml:"currency"`
	TaxRate  string              `yaml:"tax_rate"`
	Default  *fileRate           `yaml:"default"`
	PostTrip *fileRate           `yaml:"post_trip"`
	Rates    map[string]fileRate `yaml:"rates"`
	Promos   []filePromo         `yaml:"promos"`
}

// LoadConfig reads a YAML rate table over base. Fields absent from the file
// keep the base values.
func LoadConfig(path string, base Config) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read fare table: %w", err)
	}
	return ParseConfig(raw, base)
}

func ParseConfig(raw []byte, base Config) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return Config{}, fmt.Errorf("parse fare table: %w", err)
	}

	cfg := base
	cfg.Rates = make(map[types.VehicleClass]Rate, len(base.Rates))
	for class, r := range base.Rates {
		cfg.Rates[class] = r
	}
	cfg.Promos = append([]Promo(nil), base.Promos...)
	if fc.Currency != "" {
		cfg.Currency = fc.Currency
	}
	if fc.TaxRate != "" {
		d, err := decimal.NewFromString(fc.TaxRate)
		if err != nil {
			return Config{}, fmt.Errorf("tax_rate: %w", err)
		}
		cfg.TaxRate = d
	}
	if fc.Default != nil {
		r, err := fc.Default.toRate()
		if err != nil {
			return Config{}, fmt.Errorf("default: %w", err)
		}
		cfg.Default = r
	}
	if fc.PostTrip != nil {
		r, err := fc.PostTrip.toRate()
		if err != nil {
			return Config{}, fmt.Errorf("post_trip: %w", err)
		}
		cfg.PostTrip = r
	}
	for name, fr := range fc.Rates {
		r, err := fr.toRate()
		if err != nil {
			return Config{}, fmt.Errorf("rates.%s: %w", name, err)
		}
		cfg.Rates[types.ParseVehicleClass(name)] = r
	}
	for i, fp := range fc.Promos {
		p, err := fp.toPromo()
		if err != nil {
			return Config{}, fmt.Errorf("promos[%d]: %w", i, err)
		}
		cfg.Promos = append(cfg.Promos, p)
	}
	return cfg, nil
}

func (fr fileRate) toRate() (Rate, error) {
	var r Rate
	var err error
	if r.Base, err = decimal.NewFromString(fr.Base); err != nil {
		return Rate{}, fmt.Errorf("base: %w", err)
	}
	if r.PerKm, err = decimal.NewFromString(fr.PerKm); err != nil {
		return Rate{}, fmt.Errorf("per_km: %w", err)
	}
	if r.PerMin, err = decimal.NewFromString(fr.PerMin); err != nil {
		return Rate{}, fmt.Errorf("per_min: %w", err)
	}
	return r, nil
}

func (fp filePromo) toPromo() (Promo, error) {
	p := Promo{
		Code:        strings.ToUpper(strings.TrimSpace(fp.Code)),
		Description: fp.Description,
		Type:        DiscountType(strings.ToUpper(fp.Type)),
		Active:      fp.Active == nil || *fp.Active,
	}
	if p.Code == "" {
		return Promo{}, fmt.Errorf("code is required")
	}
	if p.Type != DiscountPercentage && p.Type != DiscountFlat {
		return Promo{}, fmt.Errorf("unknown discount type %q", fp.Type)
	}
	v, err := decimal.NewFromString(fp.Value)
	if err != nil {
		return Promo{}, fmt.Errorf("value: %w", err)
	}
	p.Value = v
	if fp.MaxDiscount != "" {
		d, err := decimal.NewFromString(fp.MaxDiscount)
		if err != nil {
			return Promo{}, fmt.Errorf("max_discount: %w", err)
		}
		p.MaxDiscount = decimal.NewNullDecimal(d)
	}
	if fp.MinOrderValue != "" {
		d, err := decimal.NewFromString(fp.MinOrderValue)
		if err != nil {
			return Promo{}, fmt.Errorf("min_order_value: %w", err)
		}
		p.MinOrderValue = decimal.NewNullDecimal(d)
	}
	if fp.ValidUntil != "" {
		t, err := time.Parse(time.RFC3339, fp.ValidUntil)
		if err != nil {
			return Promo{}, fmt.Errorf("valid_until: %w", err)
		}
		p.ValidUntil = &t
	}
	return p, nil
}
