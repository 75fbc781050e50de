package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryRoundTripAllOwnerCounts(t *testing.T) {
	t.Parallel()

	for owners := uint8(0); owners <= MaxOwners; owners++ {
		for mask := 0; mask < 1<<7; mask++ {
			h := VehicleHistory{
				Accident:    mask&1 != 0,
				FrameDamage: mask&2 != 0,
				Salvage:     mask&4 != 0,
				Lemon:       mask&8 != 0,
				Theft:       mask&16 != 0,
				Owners:      owners,
				Fleet:       mask&32 != 0,
				Rental:      mask&64 != 0,
			}
			packed, err := h.Pack()
			require.NoError(t, err)

			got := UnpackHistory(packed)
			require.Equal(t, h, got)

			repacked, err := got.Pack()
			require.NoError(t, err)
			require.Equal(t, packed, repacked)
		}
	}
}

func TestHistoryBitLayout(t *testing.T) {
	t.Parallel()

	packed, err := VehicleHistory{Accident: true}.Pack()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x8000), packed)

	packed, err = VehicleHistory{Owners: 15}.Pack()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0780), packed)

	packed, err = VehicleHistory{Rental: true}.Pack()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0020), packed)

	b, err := VehicleHistory{Accident: true, Rental: true}.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80, 0x20}, b)
}

func TestHistoryRejectsOwnerOverflow(t *testing.T) {
	t.Parallel()

	_, err := VehicleHistory{Owners: 16}.Pack()
	require.Error(t, err)
}
