package config

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/proximity.report/internal/beacon"
	"github.com/banshee-data/proximity.report/internal/overflow"
	"github.com/banshee-data/proximity.report/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical beacon defaults file.
const DefaultConfigPath = "config/beacon.defaults.json"

// BeaconConfig is the on-disk configuration of the daemon. Every field is
// optional; the Get* methods supply defaults for anything unset.
type BeaconConfig struct {
	// Identity. A missing minor is chosen at random on startup.
	Major         *int    `json:"major,omitempty"`
	Minor         *int    `json:"minor,omitempty"`
	ProximityID   *string `json:"proximity_id,omitempty"`
	MeasuredPower *int    `json:"measured_power,omitempty"`

	// Overflow layout
	MatchingByte              *int  `json:"matching_byte,omitempty"`
	SlotCount                 *int  `json:"slot_count,omitempty"`
	PositionByteOffset        *int  `json:"position_byte_offset,omitempty"`
	IgnoreUnverifiedPositions *bool `json:"ignore_unverified_positions,omitempty"`

	// Timing, as duration strings like "100ms"
	SettleDelay      *string `json:"settle_delay,omitempty"`
	RotationInterval *string `json:"rotation_interval,omitempty"`

	// Ledger bounds
	LedgerMaxPeers *int    `json:"ledger_max_peers,omitempty"`
	LedgerPeerTTL  *string `json:"ledger_peer_ttl,omitempty"`

	TxOnStart   *bool `json:"tx_on_start,omitempty"`
	ScanOnStart *bool `json:"scan_on_start,omitempty"`

	Serial *serialmux.PortOptions `json:"serial,omitempty"`
}

func ptrInt(v int) *int          { return &v }
func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }

// EmptyBeaconConfig returns a BeaconConfig with all fields nil.
func EmptyBeaconConfig() *BeaconConfig {
	return &BeaconConfig{}
}

// maxConfigBytes bounds config files read by LoadBeaconConfig.
const maxConfigBytes = 1 << 20

// LoadBeaconConfig reads a JSON beacon config. Fields left out keep their
// nil value and fall back to defaults in the getters.
func LoadBeaconConfig(path string) (*BeaconConfig, error) {
	path = filepath.Clean(path)
	if filepath.Ext(path) != ".json" {
		return nil, fmt.Errorf("config %s: want a .json file", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if info, err := f.Stat(); err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	} else if info.Size() > maxConfigBytes {
		return nil, fmt.Errorf("config %s is too large (%d bytes, max %d)", path, info.Size(), maxConfigBytes)
	}

	cfg := EmptyBeaconConfig()
	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory
// or the nearest parent holding it, so tests can call it from any package.
// It panics when no copy loads.
func MustLoadDefaultConfig() *BeaconConfig {
	dir, err := os.Getwd()
	if err != nil {
		panic(err)
	}
	for {
		if cfg, err := LoadBeaconConfig(filepath.Join(dir, DefaultConfigPath)); err == nil {
			return cfg
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			panic("config: no loadable " + DefaultConfigPath + " above the working directory")
		}
		dir = parent
	}
}

func validDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", name, *v)
	}
	return nil
}

func validUint16(name string, v *int) error {
	if v != nil && (*v < 0 || *v > 0xFFFF) {
		return fmt.Errorf("%s must be between 0 and 65535, got %d", name, *v)
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *BeaconConfig) Validate() error {
	if err := validUint16("major", c.Major); err != nil {
		return err
	}
	if err := validUint16("minor", c.Minor); err != nil {
		return err
	}
	if c.ProximityID != nil && *c.ProximityID != "" {
		if _, err := uuid.Parse(*c.ProximityID); err != nil {
			return fmt.Errorf("invalid proximity_id '%s': %w", *c.ProximityID, err)
		}
	}
	if c.MeasuredPower != nil && (*c.MeasuredPower < -128 || *c.MeasuredPower > 127) {
		return fmt.Errorf("measured_power must fit in a signed byte, got %d", *c.MeasuredPower)
	}
	if c.MatchingByte != nil && (*c.MatchingByte < 1 || *c.MatchingByte > 0xFF) {
		return fmt.Errorf("matching_byte must be between 1 and 255, got %d", *c.MatchingByte)
	}
	if err := c.Options().Layout().Validate(); err != nil {
		return err
	}
	if err := validDuration("settle_delay", c.SettleDelay); err != nil {
		return err
	}
	if err := validDuration("rotation_interval", c.RotationInterval); err != nil {
		return err
	}
	if c.LedgerPeerTTL != nil && *c.LedgerPeerTTL != "" {
		if _, err := time.ParseDuration(*c.LedgerPeerTTL); err != nil {
			return fmt.Errorf("invalid ledger_peer_ttl '%s': %w", *c.LedgerPeerTTL, err)
		}
	}
	if c.LedgerMaxPeers != nil && *c.LedgerMaxPeers < 1 {
		return fmt.Errorf("ledger_max_peers must be positive, got %d", *c.LedgerMaxPeers)
	}
	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("invalid serial options: %w", err)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetMajor returns the major value or the default of 1.
func (c *BeaconConfig) GetMajor() uint16 {
	if c.Major == nil {
		return 1
	}
	return uint16(*c.Major)
}

// GetMinor returns the configured minor, or a random one in 1..9999.
func (c *BeaconConfig) GetMinor() uint16 {
	if c.Minor == nil {
		return uint16(rand.IntN(9999) + 1)
	}
	return uint16(*c.Minor)
}

// GetProximityID returns the proximity UUID, if one is configured.
func (c *BeaconConfig) GetProximityID() uuid.NullUUID {
	if c.ProximityID == nil || *c.ProximityID == "" {
		return uuid.NullUUID{}
	}
	id, err := uuid.Parse(*c.ProximityID)
	if err != nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: id, Valid: true}
}

func (c *BeaconConfig) GetMeasuredPower() int8 {
	if c.MeasuredPower == nil {
		return beacon.DefaultMeasuredPower
	}
	return int8(*c.MeasuredPower)
}

func (c *BeaconConfig) GetMatchingByte() byte {
	if c.MatchingByte == nil {
		return overflow.DefaultMatchingByte
	}
	return byte(*c.MatchingByte)
}

func (c *BeaconConfig) GetSlotCount() int {
	if c.SlotCount == nil {
		return overflow.DefaultSlotCount
	}
	return *c.SlotCount
}

func (c *BeaconConfig) GetPositionByteOffset() int {
	if c.PositionByteOffset == nil {
		return overflow.DefaultPositionByteOffset
	}
	return *c.PositionByteOffset
}

func (c *BeaconConfig) GetIgnoreUnverifiedPositions() bool {
	if c.IgnoreUnverifiedPositions == nil {
		return false
	}
	return *c.IgnoreUnverifiedPositions
}

func (c *BeaconConfig) GetSettleDelay() time.Duration {
	return durationOr(c.SettleDelay, beacon.DefaultSettleDelay)
}

// GetRotationInterval returns the slot rotation interval; "0s" disables
// rotation.
func (c *BeaconConfig) GetRotationInterval() time.Duration {
	return durationOr(c.RotationInterval, beacon.DefaultRotationInterval)
}

func (c *BeaconConfig) GetLedgerMaxPeers() int {
	if c.LedgerMaxPeers == nil {
		return overflow.DefaultMaxPeers
	}
	return *c.LedgerMaxPeers
}

// GetLedgerPeerTTL returns the per-peer TTL; a negative value disables
// expiry.
func (c *BeaconConfig) GetLedgerPeerTTL() time.Duration {
	return durationOr(c.LedgerPeerTTL, overflow.DefaultPeerTTL)
}

func (c *BeaconConfig) GetTxOnStart() bool {
	if c.TxOnStart == nil {
		return true
	}
	return *c.TxOnStart
}

func (c *BeaconConfig) GetScanOnStart() bool {
	if c.ScanOnStart == nil {
		return true
	}
	return *c.ScanOnStart
}

// GetSerial returns the bridge serial options.
func (c *BeaconConfig) GetSerial() serialmux.PortOptions {
	if c.Serial == nil {
		return serialmux.PortOptions{}
	}
	return *c.Serial
}

// Identity builds the beacon identity. Call it once: an unset minor is
// randomised on every call.
func (c *BeaconConfig) Identity() beacon.Identity {
	return beacon.Identity{
		Major:         c.GetMajor(),
		Minor:         c.GetMinor(),
		ProximityID:   c.GetProximityID(),
		MeasuredPower: c.GetMeasuredPower(),
	}
}

// Options builds the coordinator options.
func (c *BeaconConfig) Options() beacon.Options {
	return beacon.Options{
		MatchingByte:              c.GetMatchingByte(),
		SlotCount:                 c.GetSlotCount(),
		PositionByteOffset:        c.GetPositionByteOffset(),
		IgnoreUnverifiedPositions: c.GetIgnoreUnverifiedPositions(),
		SettleDelay:               c.GetSettleDelay(),
		RotationInterval:          c.GetRotationInterval(),
	}
}

// LedgerOptions builds the pollution ledger bounds.
func (c *BeaconConfig) LedgerOptions() overflow.LedgerOptions {
	return overflow.LedgerOptions{
		MaxPeers: c.GetLedgerMaxPeers(),
		TTL:      c.GetLedgerPeerTTL(),
	}
}
