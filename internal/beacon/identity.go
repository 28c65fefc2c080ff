package beacon

import (
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/proximity.report/internal/advert"
	"github.com/banshee-data/proximity.report/internal/overflow"
)

// Defaults for Options.
const (
	DefaultSettleDelay      = 100 * time.Millisecond
	DefaultRotationInterval = 60 * time.Second
	DefaultMeasuredPower    = -59
)

// Identity is the beacon code this device transmits.
type Identity struct {
	Major         uint16        `json:"major"`
	Minor         uint16        `json:"minor"`
	ProximityID   uuid.NullUUID `json:"proximity_id"`
	MeasuredPower int8          `json:"measured_power"`
}

// IBeacon returns the foreground advertisement for the identity. A missing
// proximity id is sent as the nil UUID.
func (id Identity) IBeacon() advert.IBeacon {
	return advert.IBeacon{
		ProximityID:   id.ProximityID.UUID,
		Major:         id.Major,
		Minor:         id.Minor,
		MeasuredPower: id.MeasuredPower,
	}
}

// Payload returns the overflow payload for the identity.
func (id Identity) Payload() []byte {
	return overflow.EncodeMajorMinor(id.Major, id.Minor)
}

// Options tune the overflow layout and the coordinator timing.
type Options struct {
	MatchingByte              byte `json:"matching_byte"`
	SlotCount                 int  `json:"slot_count"`
	PositionByteOffset        int  `json:"position_byte_offset"`
	IgnoreUnverifiedPositions bool `json:"ignore_unverified_positions"`
	// SettleDelay separates the overflow advertisement from the foreground
	// override. Zero selects DefaultSettleDelay.
	SettleDelay time.Duration `json:"settle_delay"`
	// RotationInterval moves the occupied slot while backgrounded. Zero
	// disables rotation.
	RotationInterval time.Duration `json:"rotation_interval"`
}

// DefaultOptions returns the reference protocol settings.
func DefaultOptions() Options {
	layout := overflow.DefaultLayout()
	return Options{
		MatchingByte:       overflow.DefaultMatchingByte,
		SlotCount:          layout.SlotCount,
		PositionByteOffset: layout.PositionByteOffset,
		SettleDelay:        DefaultSettleDelay,
		RotationInterval:   DefaultRotationInterval,
	}
}

// Layout returns the overflow layout described by o.
func (o Options) Layout() overflow.Layout {
	return overflow.Layout{
		SlotCount:                 o.SlotCount,
		PositionByteOffset:        o.PositionByteOffset,
		IgnoreUnverifiedPositions: o.IgnoreUnverifiedPositions,
	}
}

func (o Options) settleDelay() time.Duration {
	if o.SettleDelay <= 0 {
		return DefaultSettleDelay
	}
	return o.SettleDelay
}
