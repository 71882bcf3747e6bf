// README: Vehicle classes drive both fare rates and the dispatch filter.
package types

import "strings"

type VehicleClass string

const (
	VehicleMini    VehicleClass = "MINI"
	VehicleSedan   VehicleClass = "SEDAN"
	VehicleSUV     VehicleClass = "SUV"
	VehiclePremium VehicleClass = "PREMIUM"
)

// ParseVehicleClass normalises user input. Unknown classes are kept as-is so
// that rate lookups can fall back to the default row.
func ParseVehicleClass(s string) VehicleClass {
	return VehicleClass(strings.ToUpper(strings.TrimSpace(s)))
}

func (c VehicleClass) Known() bool {
	switch c {
	case VehicleMini, VehicleSedan, VehicleSUV, VehiclePremium:
		return true
	}
	return false
}
