package record

import (
	"encoding/binary"
	"fmt"
)

// MaxOwners is the largest owner count the 4-bit history field can hold.
const MaxOwners = 15

// Bit positions inside the packed 16-bit word, most significant first:
// accident, frame damage, salvage, lemon, theft, owners (4 bits), fleet,
// rental. The low five bits are always zero.
const (
	bitAccident    = 15
	bitFrameDamage = 14
	bitSalvage     = 13
	bitLemon       = 12
	bitTheft       = 11
	ownersShift    = 7
	ownersMask     = 0xF
	bitFleet       = 6
	bitRental      = 5
)

// VehicleHistory carries the title and usage flags reported for a vehicle.
type VehicleHistory struct {
	Accident    bool
	FrameDamage bool
	Salvage     bool
	Lemon       bool
	Theft       bool
	Owners      uint8
	Fleet       bool
	Rental      bool
}

// Validate rejects owner counts that do not fit in four bits.
func (h VehicleHistory) Validate() error {
	if h.Owners > MaxOwners {
		return fmt.Errorf("owner count %d exceeds %d", h.Owners, MaxOwners)
	}
	return nil
}

// Pack encodes the history into its stored integer form.
func (h VehicleHistory) Pack() (uint16, error) {
	if err := h.Validate(); err != nil {
		return 0, err
	}
	var v uint16
	v |= flag(h.Accident, bitAccident)
	v |= flag(h.FrameDamage, bitFrameDamage)
	v |= flag(h.Salvage, bitSalvage)
	v |= flag(h.Lemon, bitLemon)
	v |= flag(h.Theft, bitTheft)
	v |= uint16(h.Owners&ownersMask) << ownersShift
	v |= flag(h.Fleet, bitFleet)
	v |= flag(h.Rental, bitRental)
	return v, nil
}

// Bytes returns the packed word as two big-endian bytes.
func (h VehicleHistory) Bytes() ([]byte, error) {
	v, err := h.Pack()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, v)
	return out, nil
}

// UnpackHistory decodes a packed history word.
func UnpackHistory(v uint16) VehicleHistory {
	return VehicleHistory{
		Accident:    isSet(v, bitAccident),
		FrameDamage: isSet(v, bitFrameDamage),
		Salvage:     isSet(v, bitSalvage),
		Lemon:       isSet(v, bitLemon),
		Theft:       isSet(v, bitTheft),
		Owners:      uint8((v >> ownersShift) & ownersMask),
		Fleet:       isSet(v, bitFleet),
		Rental:      isSet(v, bitRental),
	}
}

func flag(b bool, bit uint) uint16 {
	if !b {
		return 0
	}
	return 1 << bit
}

func isSet(v uint16, bit uint) bool {
	return v&(1<<bit) != 0
}
