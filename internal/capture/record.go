package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/proximity.report/internal/radio"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

// LinkType is the pcap link type discoveries are written with (LINKTYPE_USER0).
const LinkType = layers.LinkType(147)

const snapLen = 65535

var (
	ErrPeerIDTooLong = errors.New("peer id longer than 255 bytes")
	ErrShortRecord   = errors.New("capture record truncated")
	ErrLinkType      = errors.New("unexpected pcap link type")
)

// MarshalDiscovery encodes d in the capture record layout.
func MarshalDiscovery(d radio.Discovery) ([]byte, error) {
	if len(d.PeerID) > 255 {
		return nil, ErrPeerIDTooLong
	}
	rssi := d.RSSI
	if rssi < -128 {
		rssi = -128
	} else if rssi > 127 {
		rssi = 127
	}
	buf := make([]byte, 0, 2+len(d.PeerID)+len(d.Data))
	buf = append(buf, byte(len(d.PeerID)))
	buf = append(buf, d.PeerID...)
	buf = append(buf, byte(int8(rssi)))
	buf = append(buf, d.Data...)
	return buf, nil
}

// UnmarshalDiscovery decodes a capture record. At is left zero.
func UnmarshalDiscovery(b []byte) (radio.Discovery, error) {
	if len(b) < 1 {
		return radio.Discovery{}, ErrShortRecord
	}
	n := int(b[0])
	if len(b) < 2+n {
		return radio.Discovery{}, ErrShortRecord
	}
	data := make([]byte, len(b)-2-n)
	copy(data, b[2+n:])
	return radio.Discovery{
		PeerID: string(b[1 : 1+n]),
		RSSI:   int(int8(b[1+n])),
		Data:   data,
	}, nil
}

// Recorder appends discoveries to a pcap stream. Safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	w     *pcapgo.Writer
	clock timeutil.Clock
	count int
}

// NewRecorder writes the pcap file header to w.
func NewRecorder(w io.Writer, clock timeutil.Clock) (*Recorder, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, LinkType); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Recorder{w: pw, clock: clock}, nil
}

// Record writes one discovery. A zero At is stamped with the clock.
// Timestamps are stored with microsecond resolution.
func (r *Recorder) Record(d radio.Discovery) error {
	payload, err := MarshalDiscovery(d)
	if err != nil {
		return err
	}
	at := d.At
	if at.IsZero() {
		at = r.clock.Now()
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     at,
		CaptureLength: len(payload),
		Length:        len(payload),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.w.WritePacket(ci, payload); err != nil {
		return fmt.Errorf("failed to write capture record: %w", err)
	}
	r.count++
	return nil
}

// Count returns the number of records written.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// ReadAll decodes every discovery in a capture stream.
func ReadAll(src io.Reader) ([]radio.Discovery, error) {
	var out []radio.Discovery
	err := each(src, func(d radio.Discovery) error {
		out = append(out, d)
		return nil
	})
	return out, err
}

func each(src io.Reader, fn func(radio.Discovery) error) error {
	reader, err := pcapgo.NewReader(src)
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	if reader.LinkType() != LinkType {
		return fmt.Errorf("%w: %v", ErrLinkType, reader.LinkType())
	}

	packetSource := gopacket.NewPacketSource(reader, gopacket.DecodePayload)
	packetSource.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	for index := 1; ; index++ {
		packet, err := packetSource.NextPacket()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", index, err)
		}
		app := packet.ApplicationLayer()
		if app == nil {
			continue
		}
		d, err := UnmarshalDiscovery(app.Payload())
		if err != nil {
			return fmt.Errorf("record %d: %w", index, err)
		}
		d.At = packet.Metadata().Timestamp.In(time.UTC)
		if err := fn(d); err != nil {
			return err
		}
	}
}
