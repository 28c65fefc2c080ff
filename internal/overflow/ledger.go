package overflow

import (
	"sort"
	"sync"
	"time"

	"tailscale.com/util/lru"

	"github.com/banshee-data/proximity.report/internal/timeutil"
)

// PositionStatus is what we know about a slot as seen from one peer.
type PositionStatus int

const (
	Unknown PositionStatus = iota
	Unpolluted
	Polluted
)

func (s PositionStatus) String() string {
	switch s {
	case Unpolluted:
		return "unpolluted"
	case Polluted:
		return "polluted"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in JSON output.
func (s PositionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	DefaultMaxPeers = 1024
	DefaultPeerTTL  = 5 * time.Minute
)

// LedgerOptions bound the ledger's memory use.
type LedgerOptions struct {
	// MaxPeers caps the number of peers tracked; the least recently updated
	// peer is evicted first. Zero means DefaultMaxPeers.
	MaxPeers int
	// TTL forgets a peer that has not been updated for this long. Zero
	// means DefaultPeerTTL; negative disables expiry.
	TTL   time.Duration
	Clock timeutil.Clock
}

type peerSlots struct {
	slots    map[int]PositionStatus
	lastSeen time.Time
}

// Ledger records, per peer and slot, whether the slot has been seen
// polluted by another broadcaster. It is safe for concurrent use; all slot
// updates for one frame are applied under a single lock.
type Ledger struct {
	mu    sync.Mutex
	peers lru.Cache[string, *peerSlots]
	ttl   time.Duration
	clock timeutil.Clock
}

// NewLedger returns an empty ledger.
func NewLedger(opts LedgerOptions) *Ledger {
	l := &Ledger{ttl: opts.TTL, clock: opts.Clock}
	l.peers.MaxEntries = opts.MaxPeers
	if l.peers.MaxEntries <= 0 {
		l.peers.MaxEntries = DefaultMaxPeers
	}
	if l.ttl == 0 {
		l.ttl = DefaultPeerTTL
	}
	if l.clock == nil {
		l.clock = timeutil.RealClock{}
	}
	return l
}

func (l *Ledger) expired(p *peerSlots, now time.Time) bool {
	return l.ttl > 0 && now.Sub(p.lastSeen) >= l.ttl
}

// lookup returns the live entry for peerID. Caller holds l.mu.
func (l *Ledger) lookup(peerID string, now time.Time) (*peerSlots, bool) {
	p, ok := l.peers.PeekOk(peerID)
	if !ok {
		return nil, false
	}
	if l.expired(p, now) {
		l.peers.Delete(peerID)
		return nil, false
	}
	return p, true
}

// Status returns the recorded status of slot for peerID, Unknown if never
// observed or if the peer has expired.
func (l *Ledger) Status(peerID string, slot int) PositionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.lookup(peerID, l.clock.Now())
	if !ok {
		return Unknown
	}
	return p.slots[slot]
}

// SetStatus records status for a single slot.
func (l *Ledger) SetStatus(peerID string, slot int, status PositionStatus) {
	l.Update(peerID, map[int]PositionStatus{slot: status})
}

// Update records several slot statuses for peerID at once and refreshes
// the peer's last-seen time.
func (l *Ledger) Update(peerID string, updates map[int]PositionStatus) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.lookup(peerID, now)
	if !ok {
		p = &peerSlots{slots: make(map[int]PositionStatus, len(updates))}
	}
	for slot, status := range updates {
		p.slots[slot] = status
	}
	p.lastSeen = now
	l.peers.Set(peerID, p)
}

// Len returns the number of peers currently tracked, expired ones included
// until the next Purge.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peers.Len()
}

// Purge drops expired peers and returns how many were removed.
func (l *Ledger) Purge() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var stale []string
	l.peers.ForEach(func(id string, p *peerSlots) {
		if l.expired(p, now) {
			stale = append(stale, id)
		}
	})
	for _, id := range stale {
		l.peers.Delete(id)
	}
	return len(stale)
}

// Reset forgets every peer and returns how many were removed.
func (l *Ledger) Reset() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ids []string
	l.peers.ForEach(func(id string, _ *peerSlots) {
		ids = append(ids, id)
	})
	for _, id := range ids {
		l.peers.Delete(id)
	}
	return len(ids)
}

// PeerStatus is a copy of one peer's ledger entry.
type PeerStatus struct {
	PeerID   string                 `json:"peer_id"`
	Slots    map[int]PositionStatus `json:"slots"`
	LastSeen time.Time              `json:"last_seen"`
}

// Snapshot returns a copy of all live entries sorted by peer id.
func (l *Ledger) Snapshot() []PeerStatus {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []PeerStatus
	l.peers.ForEach(func(id string, p *peerSlots) {
		if l.expired(p, now) {
			return
		}
		slots := make(map[int]PositionStatus, len(p.slots))
		for k, v := range p.slots {
			slots[k] = v
		}
		out = append(out, PeerStatus{PeerID: id, Slots: slots, LastSeen: p.lastSeen})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}
