// Package memdevice provides an in-memory NVM device backend with no
// flash-specific write constraints. It is primarily a test fixture for the
// access and settings layers, which care about address translation and
// framing, not flash physics; see device/flashdevice for a backend that
// enforces bit-clear-only writes.
package memdevice

import (
	"io"

	"github.com/xaionaro-go/bytesextra"
)

// Device is a plain read/write/erase-capable backend over a byte slice. All
// three operations always succeed as long as the request is within bounds;
// it never enforces hardware write-once-until-erase semantics.
type Device struct {
	stream io.ReadWriteSeeker
	size   uint32
}

// New creates a Device over backing. If backing is nil, a zero-filled
// buffer of size bytes is allocated.
func New(size uint32, backing []byte) *Device {
	if backing == nil {
		backing = make([]byte, size)
	}
	return &Device{stream: bytesextra.NewReadWriteSeeker(backing), size: size}
}

func (d *Device) Read(address uint32, data []byte) error {
	if _, err := d.stream.Seek(int64(address), io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(d.stream, data)
	return err
}

func (d *Device) Write(address uint32, data []byte) error {
	if _, err := d.stream.Seek(int64(address), io.SeekStart); err != nil {
		return err
	}
	_, err := d.stream.Write(data)
	return err
}

func (d *Device) Erase(address uint32, size uint32) error {
	filler := make([]byte, size)
	for i := range filler {
		filler[i] = 0xFF
	}
	return d.Write(address, filler)
}

func (d *Device) Sync() error {
	return nil
}
