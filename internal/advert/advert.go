// Package advert parses and builds the BLE advertising data structures that
// carry overflow frames and iBeacon payloads.
package advert

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/banshee-data/proximity.report/internal/overflow"
)

// AD types used by this package [Core Spec Supplement, Part A, 1].
const (
	TypeFlags            = 0x01
	TypeCompleteName     = 0x09
	TypeManufacturerData = 0xFF
)

const (
	// AppleCompanyID is the Bluetooth SIG company identifier carried ahead of
	// both the overflow area and iBeacon payloads.
	AppleCompanyID = 0x004C

	overflowAreaType = 0x01
	iBeaconType      = 0x02
	iBeaconLength    = 0x15
)

var (
	ErrTruncated        = errors.New("advertising data truncated")
	ErrNotOverflowArea  = errors.New("no overflow area in advertisement")
	ErrNotIBeacon       = errors.New("no iBeacon in advertisement")
	ErrStructureTooLong = errors.New("advertising data structure too long")
)

// Structure is one length-type-value element of advertising data.
type Structure struct {
	Type byte
	Data []byte
}

// Parse splits raw advertising data into its structures. A zero length
// byte terminates the data early, as controllers pad with zeros.
func Parse(raw []byte) ([]Structure, error) {
	var out []Structure
	for i := 0; i < len(raw); {
		n := int(raw[i])
		if n == 0 {
			break
		}
		if i+1+n > len(raw) {
			return out, fmt.Errorf("%w: structure at %d wants %d bytes, %d left", ErrTruncated, i, n, len(raw)-i-1)
		}
		out = append(out, Structure{Type: raw[i+1], Data: raw[i+2 : i+1+n]})
		i += 1 + n
	}
	return out, nil
}

// Build serialises structures back into advertising data.
func Build(structures ...Structure) ([]byte, error) {
	var out []byte
	for _, s := range structures {
		if len(s.Data)+1 > math.MaxUint8 {
			return nil, fmt.Errorf("%w: type %#02x with %d bytes", ErrStructureTooLong, s.Type, len(s.Data))
		}
		out = append(out, byte(len(s.Data)+1), s.Type)
		out = append(out, s.Data...)
	}
	return out, nil
}

// ManufacturerData returns the payload of every manufacturer specific
// structure whose company id matches, with the id stripped.
func ManufacturerData(structures []Structure, companyID uint16) [][]byte {
	var out [][]byte
	for _, s := range structures {
		if s.Type != TypeManufacturerData || len(s.Data) < 2 {
			continue
		}
		if binary.LittleEndian.Uint16(s.Data[:2]) != companyID {
			continue
		}
		out = append(out, s.Data[2:])
	}
	return out
}

// ManufacturerStructure builds a manufacturer specific structure for companyID.
func ManufacturerStructure(companyID uint16, payload []byte) Structure {
	data := make([]byte, 2, 2+len(payload))
	binary.LittleEndian.PutUint16(data, companyID)
	return Structure{Type: TypeManufacturerData, Data: append(data, payload...)}
}

// OverflowAreaData returns the manufacturer data body for frame.
func OverflowAreaData(frame overflow.Frame) []byte {
	return append([]byte{overflowAreaType}, frame[:]...)
}

// WrapOverflowArea returns raw advertising data carrying frame.
func WrapOverflowArea(frame overflow.Frame) []byte {
	raw, _ := Build(ManufacturerStructure(AppleCompanyID, OverflowAreaData(frame)))
	return raw
}

// OverflowArea extracts the 16-byte overflow area from raw advertising data.
func OverflowArea(raw []byte) (overflow.Frame, error) {
	var f overflow.Frame
	structures, err := Parse(raw)
	if err != nil && len(structures) == 0 {
		return f, err
	}
	for _, body := range ManufacturerData(structures, AppleCompanyID) {
		if frame, ok := OverflowAreaFromManufacturerData(body); ok {
			return frame, nil
		}
	}
	return f, ErrNotOverflowArea
}

// OverflowAreaFromManufacturerData decodes an Apple manufacturer data body
// (company id already stripped).
func OverflowAreaFromManufacturerData(body []byte) (overflow.Frame, bool) {
	var f overflow.Frame
	if len(body) < 1+overflow.FrameSize || body[0] != overflowAreaType {
		return f, false
	}
	copy(f[:], body[1:1+overflow.FrameSize])
	return f, true
}

// IBeacon is the foreground native advertisement.
type IBeacon struct {
	ProximityID   uuid.UUID
	Major         uint16
	Minor         uint16
	MeasuredPower int8
}

// IBeaconData returns the manufacturer data body for b.
func IBeaconData(b IBeacon) []byte {
	body := make([]byte, 0, 2+iBeaconLength)
	body = append(body, iBeaconType, iBeaconLength)
	body = append(body, b.ProximityID[:]...)
	body = binary.BigEndian.AppendUint16(body, b.Major)
	body = binary.BigEndian.AppendUint16(body, b.Minor)
	return append(body, byte(b.MeasuredPower))
}

// EncodeIBeacon returns flags plus iBeacon manufacturer data.
func EncodeIBeacon(b IBeacon) []byte {
	raw, _ := Build(
		Structure{Type: TypeFlags, Data: []byte{0x06}},
		ManufacturerStructure(AppleCompanyID, IBeaconData(b)),
	)
	return raw
}

// ParseIBeacon extracts an iBeacon from raw advertising data.
func ParseIBeacon(raw []byte) (IBeacon, error) {
	structures, err := Parse(raw)
	if err != nil && len(structures) == 0 {
		return IBeacon{}, err
	}
	for _, body := range ManufacturerData(structures, AppleCompanyID) {
		if b, ok := IBeaconFromManufacturerData(body); ok {
			return b, nil
		}
	}
	return IBeacon{}, ErrNotIBeacon
}

// IBeaconFromManufacturerData decodes an Apple manufacturer data body
// (company id already stripped).
func IBeaconFromManufacturerData(body []byte) (IBeacon, bool) {
	if len(body) < 2+iBeaconLength || body[0] != iBeaconType || body[1] != iBeaconLength {
		return IBeacon{}, false
	}
	var b IBeacon
	copy(b.ProximityID[:], body[2:18])
	b.Major = binary.BigEndian.Uint16(body[18:20])
	b.Minor = binary.BigEndian.Uint16(body[20:22])
	b.MeasuredPower = int8(body[22])
	return b, true
}
