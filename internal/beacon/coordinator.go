// Package beacon arbitrates between transmitting the overflow area frame,
// transmitting the foreground iBeacon and scanning, driven by radio power and
// application lifecycle changes.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/proximity.report/internal/advert"
	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/overflow"
	"github.com/banshee-data/proximity.report/internal/radio"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

var (
	ErrConfigurationMissing = errors.New("beacon identity not configured")
	ErrRadioNotReady        = errors.New("radio not powered on")
)

// Config wires a Coordinator to its collaborators. Only Radio is required.
type Config struct {
	Radio  radio.Radio
	Sink   Sink
	Clock  timeutil.Clock
	Ledger overflow.LedgerOptions
	// LocalPeerID is this device's own address as seen by the scanner.
	// Discoveries from it are ignored.
	LocalPeerID string
	Keepalive   *Keepalive
}

// Coordinator owns the transmit and scan state. All methods are safe for
// concurrent use.
type Coordinator struct {
	radio       radio.Radio
	sink        Sink
	clock       timeutil.Clock
	ledger      *overflow.Ledger
	localPeerID string
	keepalive   *Keepalive

	initOnce sync.Once

	mu       sync.Mutex
	identity *Identity
	opts     Options
	codec    *overflow.Codec
	state    State
	warnings *Warnings
	// epoch changes whenever a pending foreground override is cancelled;
	// a settle callback carrying an older epoch does nothing.
	epoch      uint64
	settle     timeutil.Timer
	rotation   timeutil.Ticker
	rotateStop chan struct{}
	foreground bool
	pending    []func()
}

// New returns a Coordinator using DefaultOptions until Configure is called.
func New(cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Sink == nil {
		cfg.Sink = SinkFuncs{}
	}
	if cfg.Ledger.Clock == nil {
		cfg.Ledger.Clock = cfg.Clock
	}
	ledger := overflow.NewLedger(cfg.Ledger)
	opts := DefaultOptions()
	codec, err := overflow.NewCodec(opts.Layout(), ledger)
	if err != nil {
		panic(err)
	}
	return &Coordinator{
		radio:       cfg.Radio,
		sink:        cfg.Sink,
		clock:       cfg.Clock,
		ledger:      ledger,
		localPeerID: cfg.LocalPeerID,
		keepalive:   cfg.Keepalive,
		opts:        opts,
		codec:       codec,
		state:       State{Active: true},
		warnings:    NewWarnings(),
	}
}

// lock and unlock bracket every state change. Sink calls queued while the
// lock is held run after it is released.
func (c *Coordinator) lock() { c.mu.Lock() }

func (c *Coordinator) unlock() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, f := range pending {
		f()
	}
}

func (c *Coordinator) initialize() {
	c.lock()
	c.state.Initialized = true
	c.state.Powered = c.radio.Powered()
	if !c.state.Powered {
		c.raiseLocked(WarningBluetoothOff)
	}
	c.unlock()
	if c.keepalive != nil {
		c.keepalive.Start()
	}
}

// Configure sets the identity and options. It may be called again at any
// time; a running transmission switches to the new frame.
func (c *Coordinator) Configure(id Identity, opts Options) error {
	if opts.MatchingByte == 0 {
		return fmt.Errorf("configure overflow payload: %w", overflow.ErrZeroMatchingByte)
	}
	codec, err := overflow.NewCodec(opts.Layout(), c.ledger)
	if err != nil {
		return fmt.Errorf("configure overflow layout: %w", err)
	}
	if _, err := codec.Encode(opts.MatchingByte, id.Payload(), 0); err != nil {
		return fmt.Errorf("configure overflow payload: %w", err)
	}

	c.lock()
	defer c.unlock()
	c.identity = &id
	c.opts = opts
	c.codec = codec
	if c.state.Slot >= opts.SlotCount {
		c.state.Slot = 0
	}
	if c.state.TxStarted {
		if err := c.advertiseOverflowLocked(); err != nil {
			monitoring.Logf("Cannot re-advertise after configure: %v", err)
			return nil
		}
		if c.state.Active {
			c.scheduleOverrideLocked()
		}
	}
	return nil
}

// StartTx enables transmission. With the radio off the intent is kept and
// ErrRadioNotReady returned; the next power-on starts it.
func (c *Coordinator) StartTx() error {
	c.lock()
	configured := c.identity != nil
	c.unlock()
	if !configured {
		monitoring.Logf("Configure not called. Cannot transmit")
		return ErrConfigurationMissing
	}
	c.initOnce.Do(c.initialize)

	c.lock()
	defer c.unlock()
	c.state.TxEnabled = true
	return c.startTxLocked()
}

func (c *Coordinator) startTxLocked() error {
	if c.identity == nil {
		return ErrConfigurationMissing
	}
	if !c.state.Powered {
		monitoring.Logf("Cannot start transmitting with bluetooth powered off")
		c.state.TxStarted = false
		return ErrRadioNotReady
	}

	// the overflow frame always goes out first, even in the foreground,
	// since it cannot be set once backgrounded.
	if c.state.TxStarted || c.foreground {
		if err := c.radio.StopAdvertise(); err != nil {
			monitoring.Logf("stop previous advertisement: %v", err)
		}
		c.foreground = false
	}
	if err := c.advertiseOverflowLocked(); err != nil {
		c.state.TxStarted = false
		return err
	}
	c.state.TxStarted = true

	if c.state.Active {
		c.scheduleOverrideLocked()
	} else {
		c.startRotationLocked()
	}
	return nil
}

func (c *Coordinator) advertiseOverflowLocked() error {
	frame, err := c.codec.Encode(c.opts.MatchingByte, c.identity.Payload(), c.state.Slot)
	if err != nil {
		return fmt.Errorf("encode overflow frame: %w", err)
	}
	if err := c.radio.Advertise(frame); err != nil {
		return fmt.Errorf("advertise overflow frame: %w", err)
	}
	c.foreground = false
	monitoring.Debugf("advertising overflow area %s in slot %d", frame, c.state.Slot)
	return nil
}

func (c *Coordinator) scheduleOverrideLocked() {
	c.cancelSettleLocked()
	epoch := c.epoch
	c.settle = c.clock.AfterFunc(c.opts.settleDelay(), func() {
		c.applyOverride(epoch)
	})
}

func (c *Coordinator) cancelSettleLocked() {
	c.epoch++
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
}

// applyOverride replaces the overflow advertisement with the iBeacon once
// the settle delay has passed, unless anything changed in the meantime.
func (c *Coordinator) applyOverride(epoch uint64) {
	c.lock()
	defer c.unlock()
	if epoch != c.epoch || !c.state.Active || !c.state.TxEnabled || !c.state.TxStarted || !c.state.Powered {
		monitoring.Debugf("skipping foreground advertisement: state changed during settle delay")
		return
	}
	c.settle = nil
	if err := c.radio.StopAdvertise(); err != nil {
		monitoring.Logf("stop overflow advertisement: %v", err)
	}
	if err := c.radio.AdvertiseForeground(c.identity.IBeacon()); err != nil {
		monitoring.Logf("foreground advertisement failed: %v", err)
		return
	}
	c.foreground = true
}

// StopTx disables transmission. Calling it when not transmitting issues no
// radio call.
func (c *Coordinator) StopTx() error {
	c.lock()
	defer c.unlock()
	c.state.TxEnabled = false
	c.cancelSettleLocked()
	c.stopRotationLocked()
	if !c.state.TxStarted && !c.foreground {
		return nil
	}
	c.state.TxStarted = false
	c.foreground = false
	if err := c.radio.StopAdvertise(); err != nil {
		return fmt.Errorf("stop advertising: %w", err)
	}
	return nil
}

// StartScanning enables scanning. With the radio off the intent is kept and
// ErrRadioNotReady returned; the next power-on starts it.
func (c *Coordinator) StartScanning() error {
	c.initOnce.Do(c.initialize)

	c.lock()
	defer c.unlock()
	c.state.ScanEnabled = true
	return c.startScanLocked()
}

func (c *Coordinator) startScanLocked() error {
	if !c.state.Powered {
		monitoring.Logf("Cannot start scanning yet, radio is not powered on")
		c.state.ScanStarted = false
		return ErrRadioNotReady
	}
	if err := c.radio.Scan(radio.DefaultScanFilter()); err != nil {
		c.state.ScanStarted = false
		return fmt.Errorf("start scan: %w", err)
	}
	c.state.ScanStarted = true
	return nil
}

// StopScanning disables scanning regardless of power state. A second call
// issues no radio call.
func (c *Coordinator) StopScanning() error {
	c.lock()
	defer c.unlock()
	if !c.state.ScanEnabled && !c.state.ScanStarted {
		return nil
	}
	c.state.ScanEnabled = false
	c.state.ScanStarted = false
	if err := c.radio.StopScan(); err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	return nil
}

// RadioPowerChanged records a power transition. Power-on retries any
// enabled operation that has not started.
func (c *Coordinator) RadioPowerChanged(on bool) {
	monitoring.Logf("Bluetooth power state changed to %t", on)
	c.lock()
	defer c.unlock()
	c.state.Powered = on
	if !on {
		// the radio dropped whatever it was doing
		c.state.TxStarted = false
		c.state.ScanStarted = false
		c.foreground = false
		c.cancelSettleLocked()
		c.stopRotationLocked()
		c.raiseLocked(WarningBluetoothOff)
		return
	}
	c.clearLocked(WarningBluetoothOff)
	if c.state.ScanEnabled && !c.state.ScanStarted {
		if err := c.startScanLocked(); err != nil {
			monitoring.Logf("retry scan after power on: %v", err)
		}
	}
	if c.state.TxEnabled && !c.state.TxStarted {
		if err := c.startTxLocked(); err != nil {
			monitoring.Logf("retry transmit after power on: %v", err)
		}
	}
}

// AppLifecycleChanged records a foreground (active) or background
// transition.
func (c *Coordinator) AppLifecycleChanged(active bool) {
	c.lock()
	defer c.unlock()
	if c.state.Active == active {
		return
	}
	c.state.Active = active
	c.cancelSettleLocked()

	if !active {
		if c.state.TxStarted {
			if err := c.advertiseOverflowLocked(); err != nil {
				monitoring.Logf("re-advertise overflow frame on background: %v", err)
			}
			c.startRotationLocked()
		}
		return
	}

	c.stopRotationLocked()
	switch {
	case c.state.TxEnabled && !c.state.TxStarted:
		if err := c.startTxLocked(); err != nil {
			monitoring.Logf("retry transmit on foreground: %v", err)
		}
	case c.state.TxStarted:
		// overflow first, then the override, as on a fresh start
		if err := c.advertiseOverflowLocked(); err != nil {
			monitoring.Logf("re-advertise overflow frame on foreground: %v", err)
			return
		}
		c.scheduleOverrideLocked()
	}
}

func (c *Coordinator) startRotationLocked() {
	if c.rotation != nil || c.opts.RotationInterval <= 0 || c.opts.SlotCount < 2 {
		return
	}
	ticker := c.clock.NewTicker(c.opts.RotationInterval)
	stop := make(chan struct{})
	c.rotation, c.rotateStop = ticker, stop
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				c.rotate(stop)
			}
		}
	}()
}

func (c *Coordinator) stopRotationLocked() {
	if c.rotation == nil {
		return
	}
	c.rotation.Stop()
	close(c.rotateStop)
	c.rotation, c.rotateStop = nil, nil
}

// RotateSlot moves the overflow frame to the next slot. It does nothing
// while foregrounded or not transmitting, where the slot stays pinned.
func (c *Coordinator) RotateSlot() { c.rotate(nil) }

// rotate advances the slot. A non-nil stop ties the call to the rotation
// ticker that owns it, and the call is dropped once that ticker is gone.
func (c *Coordinator) rotate(stop chan struct{}) {
	c.lock()
	defer c.unlock()
	if stop != nil && stop != c.rotateStop {
		monitoring.Debugf("skipping rotation from a stopped ticker")
		return
	}
	if c.state.Active || !c.state.TxStarted || c.opts.SlotCount < 2 {
		return
	}
	c.state.Slot = (c.state.Slot + 1) % c.opts.SlotCount
	if err := c.advertiseOverflowLocked(); err != nil {
		monitoring.Logf("rotate overflow slot: %v", err)
	}
}

// UpdateAuthorization raises or clears the permission warnings.
func (c *Coordinator) UpdateAuthorization(a Authorization) {
	raise, clear := a.warnings()
	c.lock()
	defer c.unlock()
	for _, w := range raise {
		c.raiseLocked(w)
	}
	for _, w := range clear {
		c.clearLocked(w)
	}
}

func (c *Coordinator) raiseLocked(w Warning) {
	if c.warnings.Raise(w) {
		monitoring.Logf("warning raised: %s", w)
		c.pending = append(c.pending, func() { c.sink.WarningRaised(w) })
	}
}

func (c *Coordinator) clearLocked(w Warning) {
	if c.warnings.Clear(w) {
		monitoring.Logf("warning cleared: %s", w)
		c.pending = append(c.pending, func() { c.sink.WarningCleared(w) })
	}
}

// Warnings returns the active warnings, most severe first.
func (c *Coordinator) Warnings() []Warning {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warnings.List()
}

// TopWarning returns the most severe active warning.
func (c *Coordinator) TopWarning() (Warning, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warnings.Top()
}

// HandleDiscovery decodes a scanned advertisement and reports accepted
// detections to the sink.
func (c *Coordinator) HandleDiscovery(d radio.Discovery) {
	c.mu.Lock()
	scanning := c.state.ScanStarted
	codec, opts := c.codec, c.opts
	var identity Identity
	configured := c.identity != nil
	if configured {
		identity = *c.identity
	}
	c.mu.Unlock()

	if !scanning || (c.localPeerID != "" && d.PeerID == c.localPeerID) {
		return
	}
	at := d.At
	if at.IsZero() {
		at = c.clock.Now()
	}

	if ib, err := advert.ParseIBeacon(d.Data); err == nil {
		if !configured || !identity.ProximityID.Valid || ib.ProximityID != identity.ProximityID.UUID {
			return
		}
		ev := DetectionEvent{
			Kind:        NativeProtocol,
			Major:       ib.Major,
			Minor:       ib.Minor,
			RSSI:        d.RSSI,
			ProximityID: identity.ProximityID,
			PeerID:      d.PeerID,
			Slot:        -1,
			At:          at,
		}
		if dist, ok := advert.EstimateDistance(d.RSSI, ib.MeasuredPower); ok {
			ev.Distance = &dist
		}
		monitoring.Logf("I just read iBeacon advert with major: %d minor: %d", ev.Major, ev.Minor)
		c.sink.Detected(ev)
		return
	}

	frame, err := advert.OverflowArea(d.Data)
	if err != nil {
		return
	}
	m, ok := codec.DecodeMatch(frame, opts.MatchingByte, overflow.PayloadSize, d.PeerID)
	if !ok {
		return
	}
	major, minor, ok := overflow.DecodeMajorMinor(m.Payload)
	if !ok {
		return
	}
	monitoring.Logf("I just read overflow area advert with major: %d minor: %d", major, minor)
	c.sink.Detected(DetectionEvent{
		Kind:   OverflowFrame,
		Major:  major,
		Minor:  minor,
		RSSI:   d.RSSI,
		PeerID: d.PeerID,
		Slot:   m.Slot,
		At:     at,
	})
}

// Run delivers radio events to the coordinator until ctx is done or the
// radio's event channel closes.
func (c *Coordinator) Run(ctx context.Context) error {
	events := c.radio.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return radio.ErrClosed
			}
			switch ev.Kind {
			case radio.EventPower:
				c.RadioPowerChanged(ev.Powered)
			case radio.EventDiscovery:
				c.HandleDiscovery(ev.Discovery)
			}
		}
	}
}

// State returns a copy of the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.Configured = c.identity != nil
	s.Rotating = c.rotation != nil
	s.Mode = s.mode()
	return s
}

// Identity returns the configured identity.
func (c *Coordinator) Identity() (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return Identity{}, false
	}
	return *c.identity, true
}

// Options returns the active options.
func (c *Coordinator) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// Ledger returns the pollution ledger shared by every configured codec.
func (c *Coordinator) Ledger() *overflow.Ledger { return c.ledger }

// Close stops timers and the keepalive loop. The radio is left to its
// owner.
func (c *Coordinator) Close() {
	c.lock()
	c.cancelSettleLocked()
	c.stopRotationLocked()
	c.unlock()
	if c.keepalive != nil {
		c.keepalive.Stop()
	}
}
