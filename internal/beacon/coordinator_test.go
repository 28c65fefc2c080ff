package beacon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/proximity.report/internal/advert"
	"github.com/banshee-data/proximity.report/internal/overflow"
	"github.com/banshee-data/proximity.report/internal/radio"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

var testProximityID = uuid.MustParse("2f234454-cf6d-4a0f-adf2-f4911ba9ffa6")

var referenceFrame = overflow.Frame{0, 0xAA, 0x00, 0x01, 0x10, 0x92}

type recordingSink struct {
	mu         sync.Mutex
	detections []DetectionEvent
	raised     []Warning
	cleared    []Warning
}

func (s *recordingSink) Detected(ev DetectionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detections = append(s.detections, ev)
}

func (s *recordingSink) WarningRaised(w Warning) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raised = append(s.raised, w)
}

func (s *recordingSink) WarningCleared(w Warning) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, w)
}

func (s *recordingSink) Detections() []DetectionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DetectionEvent(nil), s.detections...)
}

func (s *recordingSink) Raised() []Warning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Warning(nil), s.raised...)
}

func (s *recordingSink) Cleared() []Warning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Warning(nil), s.cleared...)
}

type fixture struct {
	c     *Coordinator
	radio *radio.Fake
	clock *timeutil.MockClock
	sink  *recordingSink
}

func newFixture(t *testing.T, powered bool) *fixture {
	t.Helper()
	f := &fixture{
		radio: radio.NewFake(powered),
		clock: timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		sink:  &recordingSink{},
	}
	f.c = New(Config{Radio: f.radio, Sink: f.sink, Clock: f.clock, LocalPeerID: "self"})
	t.Cleanup(f.c.Close)
	return f
}

func testIdentity() Identity {
	return Identity{
		Major:         1,
		Minor:         4242,
		ProximityID:   uuid.NullUUID{UUID: testProximityID, Valid: true},
		MeasuredPower: -59,
	}
}

func (f *fixture) configure(t *testing.T) {
	t.Helper()
	require.NoError(t, f.c.Configure(testIdentity(), DefaultOptions()))
}

func TestStartTxWithoutConfigure(t *testing.T) {
	f := newFixture(t, true)

	err := f.c.StartTx()
	require.ErrorIs(t, err, ErrConfigurationMissing)
	assert.Empty(t, f.radio.Calls())

	s := f.c.State()
	assert.False(t, s.TxEnabled)
	assert.False(t, s.Initialized)
	assert.Equal(t, ModeUninitialized, s.Mode)
}

func TestStartTxForegroundOverride(t *testing.T) {
	f := newFixture(t, true)
	f.configure(t)

	require.NoError(t, f.c.StartTx())
	calls := f.radio.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, radio.OpAdvertise, calls[0].Op)
	assert.Equal(t, referenceFrame, calls[0].Frame)

	f.clock.Advance(99 * time.Millisecond)
	assert.Equal(t, 0, f.radio.Count(radio.OpAdvertiseForeground))

	f.clock.Advance(time.Millisecond)
	assert.Equal(t, []string{radio.OpAdvertise, radio.OpStopAdvertise, radio.OpAdvertiseForeground}, f.radio.Ops())
	calls = f.radio.Calls()
	assert.Equal(t, testIdentity().IBeacon(), calls[2].IBeacon)

	s := f.c.State()
	assert.True(t, s.TxStarted)
	assert.Equal(t, ModeTransmittingForeground, s.Mode)
	assert.False(t, s.Rotating)
}

func TestRetryOnPower(t *testing.T) {
	f := newFixture(t, false)
	f.configure(t)

	require.ErrorIs(t, f.c.StartTx(), ErrRadioNotReady)
	s := f.c.State()
	assert.True(t, s.TxEnabled)
	assert.False(t, s.TxStarted)
	assert.Empty(t, f.radio.Calls())
	assert.Equal(t, []Warning{WarningBluetoothOff}, f.c.Warnings())

	f.c.RadioPowerChanged(true)
	s = f.c.State()
	assert.True(t, s.TxStarted)
	assert.Equal(t, 1, f.radio.Count(radio.OpAdvertise))
	assert.Empty(t, f.c.Warnings())
	assert.Equal(t, []Warning{WarningBluetoothOff}, f.sink.Raised())
	assert.Equal(t, []Warning{WarningBluetoothOff}, f.sink.Cleared())
}

func TestRunDeliversPowerEvents(t *testing.T) {
	f := newFixture(t, false)
	f.configure(t)
	require.ErrorIs(t, f.c.StartTx(), ErrRadioNotReady)
	require.ErrorIs(t, f.c.StartScanning(), ErrRadioNotReady)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.c.Run(ctx) }()

	f.radio.SetPowered(true)
	require.Eventually(t, func() bool {
		s := f.c.State()
		return s.TxStarted && s.ScanStarted
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunEndsWhenRadioCloses(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.radio.Close())
	assert.ErrorIs(t, f.c.Run(context.Background()), radio.ErrClosed)
}

func TestStopTxIdempotent(t *testing.T) {
	f := newFixture(t, true)
	f.configure(t)

	require.NoError(t, f.c.StopTx())
	assert.Empty(t, f.radio.Calls(), "stopping an unstarted transmission must not touch the radio")

	require.NoError(t, f.c.StartTx())
	f.radio.ResetCalls()

	require.NoError(t, f.c.StopTx())
	first := f.c.State()
	require.NoError(t, f.c.StopTx())
	assert.Equal(t, first, f.c.State())
	assert.Equal(t, []string{radio.OpStopAdvertise}, f.radio.Ops())

	// the pending override was cancelled
	f.clock.Advance(time.Second)
	assert.Equal(t, 0, f.radio.Count(radio.OpAdvertiseForeground))
}

func TestStopTxWhileBackgrounded(t *testing.T) {
	f := newFixture(t, true)
	f.configure(t)
	f.c.AppLifecycleChanged(false)
	require.NoError(t, f.c.StartTx())
	assert.True(t, f.c.State().Rotating)

	require.NoError(t, f.c.StopTx())
	s := f.c.State()
	assert.False(t, s.TxStarted)
	assert.False(t, s.Rotating)
	assert.Equal(t, 1, f.radio.Count(radio.OpStopAdvertise))
}

func TestStopScanningIdempotent(t *testing.T) {
	f := newFixture(t, true)

	require.NoError(t, f.c.StopScanning())
	assert.Empty(t, f.radio.Calls())

	require.NoError(t, f.c.StartScanning())
	assert.Equal(t, ModeScanningOnly, f.c.State().Mode)
	calls := f.radio.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, radio.DefaultScanFilter(), calls[0].Filter)

	require.NoError(t, f.c.StopScanning())
	first := f.c.State()
	require.NoError(t, f.c.StopScanning())
	assert.Equal(t, first, f.c.State())
	assert.Equal(t, 1, f.radio.Count(radio.OpStopScan))
	assert.Equal(t, ModeIdle, f.c.State().Mode)
}

func TestStopScanningWhilePoweredOff(t *testing.T) {
	f := newFixture(t, false)

	require.ErrorIs(t, f.c.StartScanning(), ErrRadioNotReady)
	s := f.c.State()
	assert.True(t, s.ScanEnabled)
	assert.False(t, s.ScanStarted)

	require.NoError(t, f.c.StopScanning())
	assert.Equal(t, []string{radio.OpStopScan}, f.radio.Ops())

	// no longer enabled, so power-on does not start it
	f.c.RadioPowerChanged(true)
	assert.Equal(t, 0, f.radio.Count(radio.OpScan))
}

func TestScanRetryOnPower(t *testing.T) {
	f := newFixture(t, false)
	require.ErrorIs(t, f.c.StartScanning(), ErrRadioNotReady)

	f.c.RadioPowerChanged(true)
	assert.True(t, f.c.State().ScanStarted)
	assert.Equal(t, 1, f.radio.Count(radio.OpScan))
}

func TestPowerOffDropsStartedOperations(t *testing.T) {
	f := newFixture(t, true)
	f.configure(t)
	require.NoError(t, f.c.StartTx())
	require.NoError(t, f.c.StartScanning())

	f.c.RadioPowerChanged(false)
	f.c.RadioPowerChanged(false)
	s := f.c.State()
	assert.True(t, s.TxEnabled)
	assert.False(t, s.TxStarted)
	assert.True(t, s.ScanEnabled)
	assert.False(t, s.ScanStarted)
	assert.Equal(t, []Warning{WarningBluetoothOff}, f.sink.Raised())

	// the override scheduled before power loss must not fire
	f.clock.Advance(time.Second)
	assert.Equal(t, 0, f.radio.Count(radio.OpAdvertiseForeground))
}

func TestSettleSkippedWhenBackgrounded(t *testing.T) {
	f := newFixture(t, true)
	f.configure(t)

	require.NoError(t, f.c.StartTx())
	f.clock.Advance(50 * time.Millisecond)
	f.c.AppLifecycleChanged(false)
	f.clock.Advance(time.Second)

	assert.Equal(t, 0, f.radio.Count(radio.OpAdvertiseForeground))
	assert.Equal(t, []string{radio.OpAdvertise, radio.OpAdvertise}, f.radio.Ops())
	assert.Equal(t, ModeTransmittingBackground, f.c.State().Mode)
}

func TestSettleSkippedAfterQuickLifecycleFlip(t *testing.T) {
	f := newFixture(t, true)
	f.configure(t)

	require.NoError(t, f.c.StartTx())
	f.c.AppLifecycleChanged(false)
	f.c.AppLifecycleChanged(true)
	f.clock.Advance(100 * time.Millisecond)

	// only the override scheduled by the latest foreground runs
	assert.Equal(t, 1, f.radio.Count(radio.OpAdvertiseForeground))
}

func TestRotationOnlyWhileBackgrounded(t *testing.T) {
	f := newFixture(t, true)
	f.configure(t)
	require.NoError(t, f.c.StartTx())
	assert.False(t, f.c.State().Rotating)

	f.c.AppLifecycleChanged(false)
	require.True(t, f.c.State().Rotating)

	f.clock.Advance(DefaultRotationInterval)
	require.Eventually(t, func() bool { return f.c.State().Slot == 1 }, 2*time.Second, 5*time.Millisecond)

	calls := f.radio.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, radio.OpAdvertise, last.Op)
	want, err := f.c.codec.Encode(overflow.DefaultMatchingByte, testIdentity().Payload(), 1)
	require.NoError(t, err)
	assert.Equal(t, want, last.Frame)

	f.c.AppLifecycleChanged(true)
	s := f.c.State()
	assert.False(t, s.Rotating)
	assert.Equal(t, 1, s.Slot, "slot stays pinned in the foreground")

	f.c.RotateSlot()
	assert.Equal(t, 1, f.c.State().Slot)
}

func TestStaleSettleCallbackAfterRestart(t *testing.T) {
	f := newFixture(t, true)
	f.configure(t)
	require.NoError(t, f.c.StartTx())

	// a callback that fired but had not taken the lock before StopTx
	f.c.mu.Lock()
	stale := f.c.epoch
	f.c.mu.Unlock()

	require.NoError(t, f.c.StopTx())
	require.NoError(t, f.c.StartTx())
	f.c.applyOverride(stale)
	assert.Equal(t, 0, f.radio.Count(radio.OpAdvertiseForeground))

	f.c.mu.Lock()
	pending := f.c.settle != nil
	f.c.mu.Unlock()
	assert.True(t, pending, "the restarted override is still scheduled")

	f.clock.Advance(DefaultSettleDelay)
	assert.Equal(t, 1, f.radio.Count(radio.OpAdvertiseForeground))
}

func TestRotationFromReplacedTickerIgnored(t *testing.T) {
	f := newFixture(t, true)
	f.configure(t)
	require.NoError(t, f.c.StartTx())
	f.c.AppLifecycleChanged(false)

	f.c.mu.Lock()
	old := f.c.rotateStop
	f.c.mu.Unlock()
	require.NotNil(t, old)

	f.c.AppLifecycleChanged(true)
	f.c.AppLifecycleChanged(false)
	f.c.rotate(old)
	assert.Equal(t, 0, f.c.State().Slot)

	f.c.mu.Lock()
	current := f.c.rotateStop
	f.c.mu.Unlock()
	f.c.rotate(current)
	assert.Equal(t, 1, f.c.State().Slot)
}

func TestRotationDisabled(t *testing.T) {
	f := newFixture(t, true)
	opts := DefaultOptions()
	opts.RotationInterval = 0
	require.NoError(t, f.c.Configure(testIdentity(), opts))

	f.c.AppLifecycleChanged(false)
	require.NoError(t, f.c.StartTx())
	assert.False(t, f.c.State().Rotating)
}

func TestForegroundRetriesTransmit(t *testing.T) {
	f := newFixture(t, true)
	f.configure(t)
	f.radio.FailNext(radio.OpAdvertise, assert.AnError)

	require.ErrorIs(t, f.c.StartTx(), assert.AnError)
	assert.False(t, f.c.State().TxStarted)

	f.c.AppLifecycleChanged(false)
	f.c.AppLifecycleChanged(true)
	assert.True(t, f.c.State().TxStarted)
}

func TestConfigureWhileTransmitting(t *testing.T) {
	f := newFixture(t, true)
	f.configure(t)
	require.NoError(t, f.c.StartTx())
	f.clock.Advance(time.Second)
	f.radio.ResetCalls()

	id := testIdentity()
	id.Minor = 7
	require.NoError(t, f.c.Configure(id, DefaultOptions()))

	calls := f.radio.Calls()
	require.Len(t, calls, 1)
	major, minor, ok := overflow.DecodeMajorMinor(calls[0].Frame[2:6])
	require.True(t, ok)
	assert.Equal(t, uint16(1), major)
	assert.Equal(t, uint16(7), minor)

	f.clock.Advance(time.Second)
	calls = f.radio.Calls()
	assert.Equal(t, uint16(7), calls[len(calls)-1].IBeacon.Minor)
}

func TestConfigureRejectsBadLayout(t *testing.T) {
	f := newFixture(t, true)
	opts := DefaultOptions()
	opts.SlotCount = 3
	assert.ErrorIs(t, f.c.Configure(testIdentity(), opts), overflow.ErrInvalidSlotCount)

	opts = DefaultOptions()
	opts.SlotCount = 4
	assert.ErrorIs(t, f.c.Configure(testIdentity(), opts), overflow.ErrPayloadTooLarge)

	opts = DefaultOptions()
	opts.MatchingByte = 0
	assert.ErrorIs(t, f.c.Configure(testIdentity(), opts), overflow.ErrZeroMatchingByte)
	_, ok := f.c.Identity()
	assert.False(t, ok)
}

func TestWarningPriority(t *testing.T) {
	f := newFixture(t, false)
	f.c.UpdateAuthorization(Authorization{})
	f.c.RadioPowerChanged(false)

	assert.Equal(t, []Warning{
		WarningBluetoothOff,
		WarningLocationDisabled,
		WarningBluetoothDenied,
		WarningNotificationDenied,
	}, f.c.Warnings())
	top, ok := f.c.TopWarning()
	require.True(t, ok)
	assert.Equal(t, WarningBluetoothOff, top)

	f.c.RadioPowerChanged(true)
	f.c.UpdateAuthorization(Authorization{LocationServicesEnabled: true, BluetoothAllowed: true})
	assert.Equal(t, []Warning{WarningLocationNotAlways, WarningNotificationDenied}, f.c.Warnings())

	f.c.UpdateAuthorization(FullAuthorization())
	assert.Empty(t, f.c.Warnings())
	_, ok = f.c.TopWarning()
	assert.False(t, ok)
}

func discovery(peer string, data []byte, rssi int) radio.Discovery {
	return radio.Discovery{PeerID: peer, Data: data, RSSI: rssi}
}

func TestHandleDiscoveryOverflow(t *testing.T) {
	f := newFixture(t, true)
	f.configure(t)

	// not scanning yet
	f.c.HandleDiscovery(discovery("peer-a", advert.WrapOverflowArea(referenceFrame), -60))
	assert.Empty(t, f.sink.Detections())

	require.NoError(t, f.c.StartScanning())
	f.c.HandleDiscovery(discovery("peer-a", advert.WrapOverflowArea(referenceFrame), -60))

	got := f.sink.Detections()
	require.Len(t, got, 1)
	assert.Equal(t, DetectionEvent{
		Kind:   OverflowFrame,
		Major:  1,
		Minor:  4242,
		RSSI:   -60,
		PeerID: "peer-a",
		Slot:   0,
		At:     f.clock.Now(),
	}, got[0])
	assert.Equal(t, overflow.Unpolluted, f.c.Ledger().Status("peer-a", 1))
	assert.Equal(t, overflow.Unknown, f.c.Ledger().Status("peer-a", 0))
}

func TestHandleDiscoveryIgnored(t *testing.T) {
	f := newFixture(t, true)
	f.configure(t)
	require.NoError(t, f.c.StartScanning())

	f.c.HandleDiscovery(discovery("self", advert.WrapOverflowArea(referenceFrame), -60))
	f.c.HandleDiscovery(discovery("peer-b", []byte{0x02, 0x01, 0x06}, -60))
	f.c.HandleDiscovery(discovery("peer-b", advert.WrapOverflowArea(overflow.Frame{}), -60))

	f.c.Ledger().SetStatus("peer-c", 0, overflow.Polluted)
	f.c.HandleDiscovery(discovery("peer-c", advert.WrapOverflowArea(referenceFrame), -60))

	assert.Empty(t, f.sink.Detections())
}

func TestHandleDiscoveryUnverifiedGating(t *testing.T) {
	f := newFixture(t, true)
	opts := DefaultOptions()
	opts.IgnoreUnverifiedPositions = true
	require.NoError(t, f.c.Configure(testIdentity(), opts))
	require.NoError(t, f.c.StartScanning())

	f.c.HandleDiscovery(discovery("peer-a", advert.WrapOverflowArea(referenceFrame), -60))
	assert.Empty(t, f.sink.Detections())

	// slot 1 was seen empty, so it is trusted once the peer rotates there
	slot1, err := f.c.codec.Encode(overflow.DefaultMatchingByte, testIdentity().Payload(), 1)
	require.NoError(t, err)
	f.c.HandleDiscovery(discovery("peer-a", advert.WrapOverflowArea(slot1), -60))
	got := f.sink.Detections()
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Slot)

	f.c.HandleDiscovery(discovery("peer-a", advert.WrapOverflowArea(referenceFrame), -60))
	got = f.sink.Detections()
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[1].Slot)
}

func TestHandleDiscoveryIBeacon(t *testing.T) {
	f := newFixture(t, true)
	f.configure(t)
	require.NoError(t, f.c.StartScanning())

	match := advert.EncodeIBeacon(advert.IBeacon{ProximityID: testProximityID, Major: 3, Minor: 9, MeasuredPower: -59})
	other := advert.EncodeIBeacon(advert.IBeacon{ProximityID: uuid.New(), Major: 3, Minor: 9, MeasuredPower: -59})

	f.c.HandleDiscovery(discovery("peer-d", other, -59))
	f.c.HandleDiscovery(discovery("peer-d", match, -59))

	got := f.sink.Detections()
	require.Len(t, got, 1)
	assert.Equal(t, NativeProtocol, got[0].Kind)
	assert.Equal(t, uint16(3), got[0].Major)
	assert.Equal(t, uint16(9), got[0].Minor)
	assert.Equal(t, testProximityID, got[0].ProximityID.UUID)
	require.NotNil(t, got[0].Distance)
	assert.InDelta(t, 1.0, *got[0].Distance, 1e-9)
}

func TestKeepaliveStartsOnInitialize(t *testing.T) {
	host := &ProcessHost{}
	ka := NewKeepalive(host, nil, timeutil.NewMockClock(time.Unix(0, 0)))
	c := New(Config{Radio: radio.NewFake(true), Keepalive: ka})

	require.NoError(t, c.StartScanning())
	assert.True(t, ka.Running())
	assert.Equal(t, 1, host.OpenTasks())

	// initialization happens once
	require.NoError(t, c.StartScanning())
	assert.Equal(t, 1, host.OpenTasks())

	c.Close()
	assert.False(t, ka.Running())
	assert.Equal(t, 0, host.OpenTasks())
}

func TestCoordinatorConcurrentUse(t *testing.T) {
	f := newFixture(t, true)
	f.configure(t)
	require.NoError(t, f.c.StartScanning())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				switch (i + j) % 5 {
				case 0:
					_ = f.c.StartTx()
				case 1:
					_ = f.c.StopTx()
				case 2:
					f.c.AppLifecycleChanged(j%2 == 0)
				case 3:
					f.c.HandleDiscovery(discovery("peer-x", advert.WrapOverflowArea(referenceFrame), -70))
				case 4:
					_ = f.c.State()
				}
			}
		}(i)
	}
	wg.Wait()
}
