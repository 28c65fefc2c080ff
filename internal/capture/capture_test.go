package capture

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/proximity.report/internal/advert"
	"github.com/banshee-data/proximity.report/internal/overflow"
	"github.com/banshee-data/proximity.report/internal/radio"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func overflowDiscovery(peer string, rssi int, at time.Time) radio.Discovery {
	var frame overflow.Frame
	frame[1] = 0xAA
	frame[3] = 0x01
	frame[4] = 0x10
	frame[5] = 0x92
	return radio.Discovery{PeerID: peer, Data: advert.WrapOverflowArea(frame), RSSI: rssi, At: at}
}

func TestMarshalDiscovery(t *testing.T) {
	d := radio.Discovery{PeerID: "ab", RSSI: -60, Data: []byte{1, 2, 3}}
	b, err := MarshalDiscovery(d)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 'a', 'b', 0xC4, 1, 2, 3}, b)

	got, err := UnmarshalDiscovery(b)
	require.NoError(t, err)
	if diff := cmp.Diff(d, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalDiscovery_ClampsRSSI(t *testing.T) {
	b, err := MarshalDiscovery(radio.Discovery{RSSI: -300})
	require.NoError(t, err)
	got, err := UnmarshalDiscovery(b)
	require.NoError(t, err)
	assert.Equal(t, -128, got.RSSI)
}

func TestMarshalDiscovery_LongPeerID(t *testing.T) {
	_, err := MarshalDiscovery(radio.Discovery{PeerID: strings.Repeat("x", 256)})
	assert.ErrorIs(t, err, ErrPeerIDTooLong)
}

func TestUnmarshalDiscovery_Short(t *testing.T) {
	for _, b := range [][]byte{nil, {3, 'a'}, {1, 'a'}} {
		_, err := UnmarshalDiscovery(b)
		assert.ErrorIs(t, err, ErrShortRecord, "% x", b)
	}
}

func TestRecorder_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	clock := timeutil.NewMockClock(t0)
	rec, err := NewRecorder(&buf, clock)
	require.NoError(t, err)

	want := []radio.Discovery{
		overflowDiscovery("peer-a", -61, t0.Add(time.Second)),
		overflowDiscovery("peer-b", -72, time.Time{}),
	}
	for _, d := range want {
		require.NoError(t, rec.Record(d))
	}
	assert.Equal(t, 2, rec.Count())

	got, err := ReadAll(&buf)
	require.NoError(t, err)
	want[1].At = t0
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ReadAll mismatch (-want +got):\n%s", diff)
	}
}

func TestReadAll_WrongLinkType(t *testing.T) {
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(snapLen, layers.LinkTypeEthernet))

	_, err := ReadAll(&buf)
	assert.ErrorIs(t, err, ErrLinkType)
}

func TestReadAll_Empty(t *testing.T) {
	var buf bytes.Buffer
	_, err := NewRecorder(&buf, nil)
	require.NoError(t, err)

	got, err := ReadAll(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func writeCapture(t *testing.T, ds ...radio.Discovery) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	rec, err := NewRecorder(&buf, nil)
	require.NoError(t, err)
	for _, d := range ds {
		require.NoError(t, rec.Record(d))
	}
	return &buf
}

func TestReplay_Unpaced(t *testing.T) {
	buf := writeCapture(t,
		overflowDiscovery("peer-a", -61, t0),
		overflowDiscovery("peer-a", -62, t0.Add(time.Minute)),
	)
	fake := radio.NewFake(true)

	n, err := Replay(context.Background(), buf, fake, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ev := <-fake.Events()
	assert.Equal(t, radio.EventDiscovery, ev.Kind)
	assert.Equal(t, -61, ev.Discovery.RSSI)
	assert.Equal(t, t0, ev.Discovery.At)
	ev = <-fake.Events()
	assert.Equal(t, -62, ev.Discovery.RSSI)
}

func TestReplay_PacedAndRestamped(t *testing.T) {
	buf := writeCapture(t,
		overflowDiscovery("peer-a", -61, t0),
		overflowDiscovery("peer-a", -62, t0.Add(10*time.Second)),
	)
	fake := radio.NewFake(true)
	start := t0.Add(time.Hour)
	clock := timeutil.NewMockClock(start)

	done := make(chan error, 1)
	go func() {
		_, err := Replay(context.Background(), buf, fake, ReplayOptions{Speed: 2, Clock: clock, Restamp: true})
		done <- err
	}()

	ev := <-fake.Events()
	assert.Equal(t, start, ev.Discovery.At)

	require.Eventually(t, func() bool { return clock.PendingTimers() == 1 }, time.Second, time.Millisecond)
	clock.Advance(4 * time.Second)
	select {
	case <-fake.Events():
		t.Fatal("second discovery injected before its gap elapsed")
	default:
	}
	clock.Advance(time.Second)

	require.NoError(t, <-done)
	ev = <-fake.Events()
	assert.Equal(t, start.Add(5*time.Second), ev.Discovery.At)
}

func TestReplay_Cancelled(t *testing.T) {
	buf := writeCapture(t,
		overflowDiscovery("peer-a", -61, t0),
		overflowDiscovery("peer-a", -62, t0.Add(time.Hour)),
	)
	fake := radio.NewFake(true)
	clock := timeutil.NewMockClock(t0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := Replay(ctx, buf, fake, ReplayOptions{Speed: 1, Clock: clock})
		done <- err
	}()
	require.Eventually(t, func() bool { return clock.PendingTimers() == 1 }, time.Second, time.Millisecond)
	cancel()

	err := <-done
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestTap_RecordsDiscoveries(t *testing.T) {
	var buf bytes.Buffer
	rec, err := NewRecorder(&buf, nil)
	require.NoError(t, err)

	fake := radio.NewFake(false)
	tap := NewTap(fake, rec)

	fake.SetPowered(true)
	fake.Inject(overflowDiscovery("peer-a", -61, t0))

	ev := <-tap.Events()
	assert.Equal(t, radio.EventPower, ev.Kind)
	ev = <-tap.Events()
	assert.Equal(t, radio.EventDiscovery, ev.Kind)

	require.NoError(t, tap.Advertise(overflow.Frame{}))
	assert.Equal(t, 1, fake.Count(radio.OpAdvertise))

	require.NoError(t, tap.Close())
	_, ok := <-tap.Events()
	assert.False(t, ok)

	got, err := ReadAll(&buf)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "peer-a", got[0].PeerID)
}
