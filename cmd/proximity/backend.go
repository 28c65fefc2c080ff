package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/banshee-data/proximity.report/internal/advert"
	"github.com/banshee-data/proximity.report/internal/beacon"
	"github.com/banshee-data/proximity.report/internal/capture"
	"github.com/banshee-data/proximity.report/internal/config"
	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/overflow"
	"github.com/banshee-data/proximity.report/internal/radio"
	"github.com/banshee-data/proximity.report/internal/radio/hostradio"
	"github.com/banshee-data/proximity.report/internal/serialmux"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

// Radio backends selectable with -radio.
const (
	backendBridge   = "bridge"
	backendHost     = "host"
	backendMock     = "mock"
	backendDisabled = "disabled"
	backendReplay   = "replay"
)

// mockPeerAddress is the peer the mock bridge reports hearing.
const mockPeerAddress = "02:00:00:00:00:01"

// backend is an opened radio plus the serial mux behind it, if any.
type backend struct {
	radio radio.Radio
	mux   serialmux.SerialMuxInterface
	// replay is set for the replay backend; the caller feeds it.
	replay *radio.Fake
}

type backendOptions struct {
	kind      string
	port      string
	serial    serialmux.PortOptions
	mockMajor uint16
	mockMinor uint16
	mockEvery time.Duration
	matching  byte
	layout    overflow.Layout
	clock     timeutil.Clock
}

// mockLine returns an RX line carrying an overflow frame for major/minor
// in slot 0.
func mockLine(o backendOptions) ([]byte, error) {
	codec, err := overflow.NewCodec(o.layout, nil)
	if err != nil {
		return nil, err
	}
	frame, err := codec.Encode(o.matching, overflow.EncodeMajorMinor(o.mockMajor, o.mockMinor), 0)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("RX %s -60 %X\n", mockPeerAddress, advert.WrapOverflowArea(frame))), nil
}

func openBackend(o backendOptions) (*backend, error) {
	switch o.kind {
	case backendBridge:
		mux, err := serialmux.NewRealSerialMux(o.port, o.serial)
		if err != nil {
			return nil, fmt.Errorf("failed to open bridge on %s: %w", o.port, err)
		}
		return &backend{radio: radio.NewBridge(mux, o.clock), mux: mux}, nil
	case backendMock:
		line, err := mockLine(o)
		if err != nil {
			return nil, fmt.Errorf("failed to build mock line: %w", err)
		}
		mux := serialmux.NewMockSerialMux(line, o.mockEvery)
		return &backend{radio: radio.NewBridge(mux, o.clock), mux: mux}, nil
	case backendDisabled:
		mux := serialmux.NewDisabledSerialMux()
		return &backend{radio: radio.NewBridge(mux, o.clock), mux: mux}, nil
	case backendHost:
		r := hostradio.New(bluetooth.DefaultAdapter, o.clock)
		if err := r.Enable(); err != nil {
			// the radio stays usable and reports power off
			monitoring.Logf("failed to enable bluetooth adapter: %v", err)
		}
		return &backend{radio: r}, nil
	case backendReplay:
		fake := radio.NewFake(true)
		return &backend{radio: fake, replay: fake}, nil
	}
	return nil, fmt.Errorf("unknown radio backend %q", o.kind)
}

// startReplay feeds path into the replay radio in the background.
func startReplay(ctx context.Context, wg *sync.WaitGroup, fake *radio.Fake, path string, speed float64, clock timeutil.Clock) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open replay file: %w", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer f.Close()
		n, err := capture.Replay(ctx, f, fake, capture.ReplayOptions{Speed: speed, Clock: clock, Restamp: true})
		if err != nil && err != context.Canceled {
			monitoring.Logf("replay stopped after %d discoveries: %v", n, err)
			return
		}
		monitoring.Logf("replay finished: %d discoveries", n)
	}()
	return nil
}

func backendOptionsFromConfig(cfg *config.BeaconConfig, kind, port string, clock timeutil.Clock) backendOptions {
	opts := cfg.Options()
	return backendOptions{
		kind:      kind,
		port:      port,
		serial:    cfg.GetSerial(),
		mockMajor: cfg.GetMajor(),
		mockMinor: 1,
		mockEvery: time.Second,
		matching:  opts.MatchingByte,
		layout:    opts.Layout(),
		clock:     clock,
	}
}

// startOnBoot applies the configured tx/scan intents. A powered-off radio
// is not an error; the coordinator retries at power-on.
func startOnBoot(coord *beacon.Coordinator, cfg *config.BeaconConfig) {
	if cfg.GetTxOnStart() {
		if err := coord.StartTx(); err != nil {
			monitoring.Logf("transmit not started yet: %v", err)
		}
	}
	if cfg.GetScanOnStart() {
		if err := coord.StartScanning(); err != nil {
			monitoring.Logf("scanning not started yet: %v", err)
		}
	}
}
