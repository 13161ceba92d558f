// Package filedevice implements the POSIX-file NVM device emulation named
// in the settings store's backend contract: a plain file (or in-memory
// byte slice standing in for one, via bytesextra) that supports read and
// write but has no erase hook. The settings layer's writeStore fallback
// is what actually emulates erase for this backend, by overwriting the
// partition with 0xFF bytes.
package filedevice

import (
	"errors"
	"io"
	"os"

	nvmerrno "github.com/mdiepart/nvmstore/errors"
	"github.com/xaionaro-go/bytesextra"
)

// Device wraps an io.ReadWriteSeeker that behaves like a POSIX regular
// file: it has no erase granularity and no erase hook.
type Device struct {
	stream io.ReadWriteSeeker
	syncer interface{ Sync() error }
}

// Open wraps an existing *os.File as a filedevice.Device. Sync on the
// returned Device calls the file's own Sync.
func Open(f *os.File) *Device {
	return &Device{stream: f, syncer: f}
}

// NewInMemory wraps a byte slice as a filedevice.Device, for tests and for
// platforms that keep the "file" entirely in RAM. Sync is a no-op.
func NewInMemory(backing []byte) *Device {
	return &Device{stream: bytesextra.NewReadWriteSeeker(backing)}
}

func (d *Device) Read(address uint32, data []byte) error {
	if _, err := d.stream.Seek(int64(address), io.SeekStart); err != nil {
		return translateOSError(err)
	}
	if _, err := io.ReadFull(d.stream, data); err != nil {
		return translateOSError(err)
	}
	return nil
}

func (d *Device) Write(address uint32, data []byte) error {
	if _, err := d.stream.Seek(int64(address), io.SeekStart); err != nil {
		return translateOSError(err)
	}
	if _, err := d.stream.Write(data); err != nil {
		return translateOSError(err)
	}
	return nil
}

// translateOSError maps the handful of *os.File failures this backend can
// actually hit onto the POSIX errno taxonomy, so callers see the same
// vocabulary regardless of whether the partition lives on disk or in RAM.
func translateOSError(err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nvmerrno.NewFromError(nvmerrno.ENOENT, err)
	case errors.Is(err, os.ErrPermission):
		return nvmerrno.NewFromError(nvmerrno.EACCES, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return nvmerrno.NewFromError(nvmerrno.ENOSPC, err)
	default:
		return nvmerrno.NewFromError(nvmerrno.EIO, err)
	}
}

// Sync flushes the underlying file if one was provided via Open; for an
// in-memory device it is a no-op. Note that Device deliberately does not
// implement device.Eraser: POSIX files have no erase operation, and the
// settings layer's writeStore falls back to an explicit 0xFF overwrite
// when it observes ErrNotSupported from an erase attempt.
func (d *Device) Sync() error {
	if d.syncer == nil {
		return nil
	}
	return d.syncer.Sync()
}
