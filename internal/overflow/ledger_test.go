package overflow

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/proximity.report/internal/timeutil"
)

func TestLedger_DefaultsToUnknown(t *testing.T) {
	l := NewLedger(LedgerOptions{})
	assert.Equal(t, Unknown, l.Status("nobody", 0))

	l.SetStatus("peer", 1, Polluted)
	assert.Equal(t, Polluted, l.Status("peer", 1))
	assert.Equal(t, Unknown, l.Status("peer", 0))
}

func TestLedger_EvictsLeastRecentlyUpdated(t *testing.T) {
	l := NewLedger(LedgerOptions{MaxPeers: 2})

	l.SetStatus("a", 0, Unpolluted)
	l.SetStatus("b", 0, Unpolluted)
	l.SetStatus("a", 1, Polluted)
	l.SetStatus("c", 0, Polluted)

	assert.Equal(t, 2, l.Len())
	assert.Equal(t, Unknown, l.Status("b", 0), "b was the oldest peer")
	assert.Equal(t, Polluted, l.Status("a", 1))
	assert.Equal(t, Polluted, l.Status("c", 0))
}

func TestLedger_TTL(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewLedger(LedgerOptions{TTL: time.Minute, Clock: clock})

	l.SetStatus("a", 0, Polluted)
	l.SetStatus("b", 0, Polluted)

	clock.Advance(40 * time.Second)
	l.SetStatus("b", 1, Unpolluted)

	clock.Advance(30 * time.Second)
	assert.Equal(t, Unknown, l.Status("a", 0), "a expired")
	assert.Equal(t, Polluted, l.Status("b", 0), "b was refreshed")

	clock.Advance(time.Minute)
	assert.Equal(t, 1, l.Purge())
	assert.Equal(t, 0, l.Len())
}

func TestLedger_Reset(t *testing.T) {
	l := NewLedger(LedgerOptions{})
	l.SetStatus("a", 0, Polluted)
	l.SetStatus("b", 1, Unpolluted)

	assert.Equal(t, 2, l.Reset())
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, Unknown, l.Status("a", 0))
	assert.Equal(t, 0, l.Reset())
}

func TestLedger_Snapshot(t *testing.T) {
	l := NewLedger(LedgerOptions{})
	l.Update("b", map[int]PositionStatus{0: Unpolluted, 1: Polluted})
	l.SetStatus("a", 1, Unpolluted)

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].PeerID)
	assert.Equal(t, map[int]PositionStatus{0: Unpolluted, 1: Polluted}, snap[1].Slots)

	// snapshots are copies
	snap[1].Slots[0] = Polluted
	assert.Equal(t, Unpolluted, l.Status("b", 0))
}

func TestLedger_ConcurrentDecodes(t *testing.T) {
	l := NewLedger(LedgerOptions{})
	c, err := NewCodec(Layout{SlotCount: 4}, l)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		peer := fmt.Sprintf("peer-%d", p)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				frame, _ := c.Encode(0xAA, []byte{1, 2, 3}, i%4)
				c.Decode(frame, 0xAA, 3, peer)
			}
		}()
	}
	wg.Wait()

	for p := 0; p < 8; p++ {
		peer := fmt.Sprintf("peer-%d", p)
		for slot := 0; slot < 4; slot++ {
			assert.Equal(t, Unpolluted, l.Status(peer, slot), "%s slot %d", peer, slot)
		}
	}
}

func TestPositionStatus_String(t *testing.T) {
	assert.Equal(t, "unknown", Unknown.String())
	assert.Equal(t, "unpolluted", Unpolluted.String())
	assert.Equal(t, "polluted", Polluted.String())
	b, err := Polluted.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "polluted", string(b))
}
