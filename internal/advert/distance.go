package advert

import "math"

// PathLossExponent is the log-distance model exponent used for indoor
// estimates.
const PathLossExponent = 2.5

// EstimateDistance returns the distance in metres implied by rssi given the
// beacon's calibrated power at one metre. It returns false when either value
// is unusable.
func EstimateDistance(rssi int, measuredPower int8) (float64, bool) {
	if rssi == 0 || rssi >= 127 || measuredPower == 0 {
		return 0, false
	}
	return math.Pow(10, float64(int(measuredPower)-rssi)/(10*PathLossExponent)), true
}
