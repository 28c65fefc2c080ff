package overflow

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/banshee-data/proximity.report/internal/monitoring"
)

const (
	// FrameSize is the number of bytes in the overflow area.
	FrameSize = 16

	// DefaultMatchingByte marks a slot as carrying our payload.
	DefaultMatchingByte = 0xAA

	// DefaultSlotCount splits the frame into two 8-byte slots.
	DefaultSlotCount = 2

	// DefaultPositionByteOffset keeps bit 69 of the overflow area clear when
	// two slots are used. That bit set within a few cm of a phone triggers a
	// watch pairing prompt on the receiver.
	DefaultPositionByteOffset = 1
)

// Frame is one overflow area advertisement.
type Frame [FrameSize]byte

func (f Frame) String() string {
	return strings.ToUpper(hex.EncodeToString(f[:]))
}

// Layout fixes how a frame is split into slots.
type Layout struct {
	SlotCount          int
	PositionByteOffset int
	// IgnoreUnverifiedPositions drops matches in slots not yet observed to be
	// clean for the sending peer. Only useful when peers rotate their slot
	// in the background; otherwise no slot is ever verified.
	IgnoreUnverifiedPositions bool
}

// DefaultLayout returns the two-slot layout with a one byte offset.
func DefaultLayout() Layout {
	return Layout{
		SlotCount:          DefaultSlotCount,
		PositionByteOffset: DefaultPositionByteOffset,
	}
}

// Validate reports whether the layout can be used to build frames.
func (l Layout) Validate() error {
	if l.SlotCount <= 0 || FrameSize%l.SlotCount != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSlotCount, l.SlotCount)
	}
	if l.PositionByteOffset < 0 || l.PositionByteOffset >= FrameSize {
		return fmt.Errorf("%w: %d", ErrInvalidOffset, l.PositionByteOffset)
	}
	return nil
}

// SlotWidth is the number of bytes in each slot, matching byte included.
func (l Layout) SlotWidth() int {
	return FrameSize / l.SlotCount
}

// StartByte returns the frame index of the matching byte for slot.
func (l Layout) StartByte(slot int) int {
	return l.SlotWidth()*slot + l.PositionByteOffset
}

// index maps the i'th byte of slot onto the frame, wrapping past the end.
func (l Layout) index(slot, i int) int {
	return (l.StartByte(slot) + i) % FrameSize
}

// Codec shifts payloads into slots and extracts them again.
type Codec struct {
	layout Layout
	ledger *Ledger
}

// NewCodec returns a Codec for layout. ledger may be nil, in which case
// decoding never consults or records slot pollution.
func NewCodec(layout Layout, ledger *Ledger) (*Codec, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return &Codec{layout: layout, ledger: ledger}, nil
}

// Layout returns the codec's slot layout.
func (c *Codec) Layout() Layout { return c.layout }

// Ledger returns the pollution ledger consulted by Decode, if any.
func (c *Codec) Ledger() *Ledger { return c.ledger }

// Encode returns a zero frame carrying matchingByte and payload in slot.
func (c *Codec) Encode(matchingByte byte, payload []byte, slot int) (Frame, error) {
	var f Frame
	if slot < 0 || slot >= c.layout.SlotCount {
		return f, fmt.Errorf("%w: %d of %d", ErrSlotOutOfRange, slot, c.layout.SlotCount)
	}
	if len(payload)+1 > c.layout.SlotWidth() {
		return f, fmt.Errorf("%w: %d bytes, slot width %d", ErrPayloadTooLarge, len(payload), c.layout.SlotWidth())
	}

	f[c.layout.index(slot, 0)] = matchingByte
	for i, b := range payload {
		f[c.layout.index(slot, i+1)] = b
	}
	return f, nil
}

// Match is the result of a successful slot search.
type Match struct {
	Payload []byte
	Slot    int
	// Contended is set when a later slot also starts with the matching
	// byte. The first slot still wins.
	Contended bool
}

// Decode returns the payload carried by frame, if any. See DecodeMatch.
func (c *Codec) Decode(frame Frame, matchingByte byte, payloadSize int, peerID string) ([]byte, bool) {
	m, ok := c.DecodeMatch(frame, matchingByte, payloadSize, peerID)
	if !ok {
		return nil, false
	}
	return m.Payload, true
}

// DecodeMatch searches the slots in order for matchingByte and returns the
// payloadSize bytes that follow the first hit.
//
// With a non-empty peerID the ledger is consulted for the matched slot: a
// polluted slot is discarded, as is an unverified one when the layout
// ignores unverified positions. Every other slot is then classified for the
// peer: unpolluted if every byte of the slot is zero, polluted otherwise.
// A frame with no match leaves the ledger untouched.
func (c *Codec) DecodeMatch(frame Frame, matchingByte byte, payloadSize int, peerID string) (Match, bool) {
	if payloadSize < 0 || payloadSize+1 > c.layout.SlotWidth() {
		return Match{}, false
	}
	monitoring.Debugf("searching for pattern match in overflow area advertisement %s", frame)

	found := -1
	var m Match
	for slot := 0; slot < c.layout.SlotCount; slot++ {
		if frame[c.layout.index(slot, 0)] != matchingByte {
			continue
		}
		if found >= 0 {
			m.Contended = true
			break
		}
		found = slot
	}
	if found < 0 {
		return Match{}, false
	}

	m.Slot = found
	m.Payload = make([]byte, payloadSize)
	for i := range m.Payload {
		m.Payload[i] = frame[c.layout.index(found, i+1)]
	}
	if m.Contended {
		monitoring.Logf("overflow area %s has more than one slot starting with %#02x; using slot %d", frame, matchingByte, found)
	}

	if peerID == "" || c.ledger == nil {
		return m, true
	}

	keep := true
	switch c.ledger.Status(peerID, found) {
	case Unknown:
		if c.layout.IgnoreUnverifiedPositions {
			monitoring.Debugf("position %d in the overflow area has not been verified unpolluted yet for device %s; ignoring detection", found, peerID)
			keep = false
		}
	case Polluted:
		monitoring.Logf("position %d in the overflow area is known to be polluted for device %s; ignoring detection", found, peerID)
		keep = false
	}

	updates := make(map[int]PositionStatus, c.layout.SlotCount-1)
	for slot := 0; slot < c.layout.SlotCount; slot++ {
		if slot == found {
			continue
		}
		if c.slotIsZero(frame, slot) {
			updates[slot] = Unpolluted
		} else {
			updates[slot] = Polluted
		}
	}
	c.ledger.Update(peerID, updates)

	if !keep {
		return Match{}, false
	}
	return m, true
}

func (c *Codec) slotIsZero(frame Frame, slot int) bool {
	for i := 0; i < c.layout.SlotWidth(); i++ {
		if frame[c.layout.index(slot, i)] != 0 {
			return false
		}
	}
	return true
}
