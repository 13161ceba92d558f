// Package flashdevice simulates a sector-erase NVM device such as STM32
// internal flash: a write can only clear bits (1 -> 0) relative to what is
// already on the device — setting a bit back to 1 requires an intervening
// erase. The declared write and erase granularities are not checked here;
// the device.Device wrapping this backend enforces them.
package flashdevice

import (
	"github.com/boljen/go-bitmap"
	nvmstore "github.com/mdiepart/nvmstore"
)

// Device is an in-memory simulation of sector-erase flash.
type Device struct {
	data      []byte
	writeSize uint32
	eraseSize uint32

	// dirty has one bit per erase-granule. It is set the first time a
	// granule is written after being erased, and cleared by Erase. It
	// exists purely for diagnostics (see Dirty); the bit-clear-only
	// invariant itself is enforced directly against the stored bytes in
	// Write, the same way real flash enforces it in hardware.
	dirty bitmap.Bitmap
}

// New creates a simulated flash device of size bytes, with the given write
// and erase granularities. The device starts fully erased (all 0xFF).
func New(size, writeSize, eraseSize uint32) *Device {
	data := make([]byte, size)
	for i := range data {
		data[i] = 0xFF
	}
	numGranules := (int(size) + int(eraseSize) - 1) / int(eraseSize)
	return &Device{
		data:      data,
		writeSize: writeSize,
		eraseSize: eraseSize,
		dirty:     bitmap.NewSlice(numGranules),
	}
}

func (d *Device) Read(address uint32, data []byte) error {
	copy(data, d.data[address:int(address)+len(data)])
	return nil
}

// Write clears bits in-place, the way real NOR/NAND flash does. If data
// would require setting a bit that currently reads 0 back to 1, the write
// is rejected with ErrInvalid: the caller tried to write without erasing
// first, which on real hardware would just silently fail to take effect
// and leave stale bits behind.
func (d *Device) Write(address uint32, data []byte) error {
	for i, b := range data {
		existing := d.data[int(address)+i]
		if b&^existing != 0 {
			return nvmstore.ErrInvalid.WithMessage(
				"write would set a bit without an intervening erase")
		}
	}

	for i, b := range data {
		d.data[int(address)+i] = b
	}
	d.markDirty(address, uint32(len(data)))
	return nil
}

func (d *Device) Erase(address uint32, size uint32) error {
	for i := address; i < address+size; i++ {
		d.data[i] = 0xFF
	}

	first := int(address / d.eraseSize)
	last := int((address + size - 1) / d.eraseSize)
	for g := first; g <= last; g++ {
		d.dirty.Set(g, false)
	}
	return nil
}

func (d *Device) Sync() error {
	return nil
}

func (d *Device) markDirty(address, length uint32) {
	if length == 0 {
		return
	}
	first := int(address / d.eraseSize)
	last := int((address + length - 1) / d.eraseSize)
	for g := first; g <= last; g++ {
		d.dirty.Set(g, true)
	}
}

// Dirty reports whether the erase-granule containing address has been
// written to since its last erase. Used by diagnostic tooling to show
// which sectors would need an erase before reuse.
func (d *Device) Dirty(address uint32) bool {
	return d.dirty.Get(int(address / d.eraseSize))
}
