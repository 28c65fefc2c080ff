// Package overflow encodes a beacon identity into one of several slots of
// the 16-byte BLE overflow area and decodes it back, learning per peer which
// slots are shared with unrelated broadcasters.
//
// A frame is split into SlotCount equal slots. Each slot begins with a
// matching byte followed by the payload; every other byte is zero. Slot 0
// starts PositionByteOffset bytes into the frame, shifting the whole slot
// grid, and the last slot wraps around to byte 0 when the offset is non-zero.
//
// Slots that do not carry our payload must be all zero. When a peer's frame
// shows non-zero bytes in a slot we did not match, another app is sharing
// those bits and the slot is recorded as polluted in the Ledger.
package overflow
