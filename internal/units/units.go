// Package units provides shared constants and validation for distance units
package units

import "strings"

// Unit constants
const (
	Metres = "m"
	Feet   = "ft"
	Yards  = "yd"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{Metres, Feet, Yards}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertDistance converts a distance in metres to the target units.
// Estimated distances are always stored in metres.
func ConvertDistance(metres float64, targetUnits string) float64 {
	switch targetUnits {
	case Feet:
		return metres * 3.280839895
	case Yards:
		return metres * 1.0936132983
	default:
		return metres
	}
}
