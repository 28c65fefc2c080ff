package beacon

import (
	"slices"
)

// Warning names a degraded condition. The system keeps running while a
// warning is active.
type Warning string

const (
	WarningBluetoothOff       Warning = "Bluetooth off"
	WarningLocationDisabled   Warning = "Location disabled in settings"
	WarningLocationNotAlways  Warning = "Location permission not set to always"
	WarningBluetoothDenied    Warning = "Bluetooth permission denied"
	WarningNotificationDenied Warning = "Notification permission denied"
)

// warningPriority orders warnings from most to least severe.
var warningPriority = []Warning{
	WarningBluetoothOff,
	WarningLocationDisabled,
	WarningLocationNotAlways,
	WarningBluetoothDenied,
	WarningNotificationDenied,
}

func warningRank(w Warning) int {
	if i := slices.Index(warningPriority, w); i >= 0 {
		return i
	}
	return len(warningPriority)
}

// Warnings is a deduplicated set of active warnings. It is not safe for
// concurrent use; the coordinator guards it.
type Warnings struct {
	active map[Warning]struct{}
}

func NewWarnings() *Warnings {
	return &Warnings{active: make(map[Warning]struct{})}
}

// Raise adds w and reports whether it was newly added.
func (ws *Warnings) Raise(w Warning) bool {
	if _, ok := ws.active[w]; ok {
		return false
	}
	ws.active[w] = struct{}{}
	return true
}

// Clear removes w and reports whether it was present.
func (ws *Warnings) Clear(w Warning) bool {
	if _, ok := ws.active[w]; !ok {
		return false
	}
	delete(ws.active, w)
	return true
}

func (ws *Warnings) Has(w Warning) bool {
	_, ok := ws.active[w]
	return ok
}

// List returns the active warnings, most severe first. Unranked warnings
// sort last by name.
func (ws *Warnings) List() []Warning {
	out := make([]Warning, 0, len(ws.active))
	for w := range ws.active {
		out = append(out, w)
	}
	slices.SortFunc(out, func(a, b Warning) int {
		if ra, rb := warningRank(a), warningRank(b); ra != rb {
			return ra - rb
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	return out
}

// Top returns the most severe active warning.
func (ws *Warnings) Top() (Warning, bool) {
	l := ws.List()
	if len(l) == 0 {
		return "", false
	}
	return l[0], true
}

// Authorization is the host's permission state as last reported.
type Authorization struct {
	LocationServicesEnabled bool `json:"location_services_enabled"`
	LocationAlways          bool `json:"location_always"`
	BluetoothAllowed        bool `json:"bluetooth_allowed"`
	NotificationsAllowed    bool `json:"notifications_allowed"`
}

// FullAuthorization grants everything; hosts without a permission model
// report it.
func FullAuthorization() Authorization {
	return Authorization{
		LocationServicesEnabled: true,
		LocationAlways:          true,
		BluetoothAllowed:        true,
		NotificationsAllowed:    true,
	}
}

// warnings returns the warnings implied by a, and the ones it rules out.
func (a Authorization) warnings() (raise, clear []Warning) {
	set := func(cond bool, w Warning) {
		if cond {
			raise = append(raise, w)
		} else {
			clear = append(clear, w)
		}
	}
	set(!a.LocationServicesEnabled, WarningLocationDisabled)
	// "not always" only makes sense with location services on
	if a.LocationServicesEnabled {
		set(!a.LocationAlways, WarningLocationNotAlways)
	}
	set(!a.BluetoothAllowed, WarningBluetoothDenied)
	set(!a.NotificationsAllowed, WarningNotificationDenied)
	return raise, clear
}
