package advert

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/proximity.report/internal/overflow"
)

func TestOverflowArea_RoundTrip(t *testing.T) {
	frame := overflow.Frame{0, 0xAA, 0x00, 0x01, 0x10, 0x92}
	raw := WrapOverflowArea(frame)

	assert.Equal(t, []byte{20, 0xFF, 0x4C, 0x00, 0x01}, raw[:5])
	require.Len(t, raw, 21)

	got, err := OverflowArea(raw)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestOverflowArea_AmongOtherStructures(t *testing.T) {
	frame := overflow.Frame{15: 0x01}
	raw, err := Build(
		Structure{Type: TypeFlags, Data: []byte{0x06}},
		Structure{Type: TypeCompleteName, Data: []byte("phone")},
		ManufacturerStructure(0x0059, []byte{1, 2, 3}),
		ManufacturerStructure(AppleCompanyID, OverflowAreaData(frame)),
	)
	require.NoError(t, err)

	got, err := OverflowArea(append(raw, 0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestOverflowArea_Missing(t *testing.T) {
	_, err := OverflowArea(EncodeIBeacon(IBeacon{Major: 1}))
	assert.ErrorIs(t, err, ErrNotOverflowArea)

	_, err = OverflowArea([]byte{5, 0xFF, 0x4C})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestIBeacon_RoundTrip(t *testing.T) {
	want := IBeacon{
		ProximityID:   uuid.MustParse("2F234454-CF6D-4A0F-ADF2-F4911BA9FFA6"),
		Major:         1,
		Minor:         4242,
		MeasuredPower: -59,
	}
	raw := EncodeIBeacon(want)

	got, err := ParseIBeacon(raw)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("iBeacon mismatch (-want +got):\n%s", diff)
	}

	_, err = ParseIBeacon(WrapOverflowArea(overflow.Frame{}))
	assert.ErrorIs(t, err, ErrNotIBeacon)
}

func TestParse(t *testing.T) {
	structures, err := Parse([]byte{2, 0x01, 0x06, 3, 0x09, 'h', 'i', 0})
	require.NoError(t, err)
	want := []Structure{
		{Type: TypeFlags, Data: []byte{0x06}},
		{Type: TypeCompleteName, Data: []byte("hi")},
	}
	if diff := cmp.Diff(want, structures); diff != "" {
		t.Errorf("structures mismatch (-want +got):\n%s", diff)
	}

	_, err = Build(Structure{Type: 1, Data: make([]byte, 255)})
	assert.ErrorIs(t, err, ErrStructureTooLong)
}

func TestEstimateDistance(t *testing.T) {
	d, ok := EstimateDistance(-59, -59)
	require.True(t, ok)
	assert.InDelta(t, 1.0, d, 1e-9)

	d, ok = EstimateDistance(-84, -59)
	require.True(t, ok)
	assert.InDelta(t, 10.0, d, 1e-9)

	_, ok = EstimateDistance(0, -59)
	assert.False(t, ok)
	_, ok = EstimateDistance(-70, 0)
	assert.False(t, ok)
}
