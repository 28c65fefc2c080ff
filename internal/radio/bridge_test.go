package radio

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/proximity.report/internal/advert"
	"github.com/banshee-data/proximity.report/internal/overflow"
	"github.com/banshee-data/proximity.report/internal/serialmux"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBridgeTranslatesLines(t *testing.T) {
	var frame overflow.Frame
	frame[1] = 0xAA
	apple := serialmux.AdvertiseCommand(advert.WrapOverflowArea(frame))
	other := serialmux.AdvertiseCommand([]byte{0x04, 0xFF, 0x06, 0x00, 0x01})

	port := serialmux.NewTestableSerialPort()
	port.AddReadData([]byte(strings.Join([]string{
		"PWR ON",
		"PWR ON",
		"OK SCAN",
		"RX 11:22:33:44:55:66 -70 " + strings.TrimPrefix(other, "ADV "),
		"RX 11:22:33:44:55:66 -58 " + strings.TrimPrefix(apple, "ADV "),
		"RX garbage",
		"PWR OFF",
	}, "\n") + "\n"))
	mux := serialmux.NewSerialMux(port)

	clock := timeutil.NewMockClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	b := NewBridge(mux, clock)
	defer b.Close()

	require.NoError(t, b.Scan(DefaultScanFilter()))
	require.NoError(t, mux.Monitor(context.Background()))

	ev := nextEvent(t, b.Events())
	assert.Equal(t, PowerEvent(true), ev)

	ev = nextEvent(t, b.Events())
	require.Equal(t, EventDiscovery, ev.Kind)
	assert.Equal(t, "11:22:33:44:55:66", ev.Discovery.PeerID)
	assert.Equal(t, -58, ev.Discovery.RSSI)
	assert.Equal(t, clock.Now(), ev.Discovery.At)
	got, err := advert.OverflowArea(ev.Discovery.Data)
	require.NoError(t, err)
	assert.Equal(t, frame, got)

	ev = nextEvent(t, b.Events())
	assert.Equal(t, PowerEvent(false), ev)
	assert.False(t, b.Powered())
}

func TestBridgeCommands(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	b := NewBridge(serialmux.NewSerialMux(port), nil)
	defer b.Close()

	frame, err := mustCodec(t).Encode(overflow.DefaultMatchingByte, overflow.EncodeMajorMinor(1, 4242), 0)
	require.NoError(t, err)

	require.NoError(t, b.Advertise(frame))
	require.NoError(t, b.StopAdvertise())
	require.NoError(t, b.AdvertiseForeground(advert.IBeacon{ProximityID: uuid.Nil, Major: 1, Minor: 2, MeasuredPower: -59}))
	require.NoError(t, b.Scan(ScanFilter{}))
	require.NoError(t, b.StopScan())

	lines := strings.Split(strings.TrimSpace(string(port.GetWrittenData())), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "ADV 14FF4C000100AA0001109200000000000000000000", lines[0])
	assert.Equal(t, "ADV OFF", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "ADV 020106"), lines[2])
	assert.Equal(t, "SCAN ON", lines[3])
	assert.Equal(t, "SCAN OFF", lines[4])
}

func TestBridgeClosed(t *testing.T) {
	b := NewDisabled()
	assert.False(t, b.Powered())
	require.NoError(t, b.Advertise(overflow.Frame{}))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, ok := <-b.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, b.Scan(ScanFilter{}), ErrClosed)
}

func mustCodec(t *testing.T) *overflow.Codec {
	t.Helper()
	c, err := overflow.NewCodec(overflow.DefaultLayout(), nil)
	require.NoError(t, err)
	return c
}
