// Package device implements the NVM device layer: a uniform
// {read, write, erase, sync} vtable bound to a backend with declared write
// and erase granularity. It enforces alignment and delegates everything
// else to the backend.
package device

import (
	nvmstore "github.com/mdiepart/nvmstore"
)

// Info describes a device's capacity and access granularity. It is
// immutable once a Device is constructed.
type Info struct {
	// Name identifies the device for logging and diagnostics.
	Name string
	// WriteSize is the minimum write granularity in bytes. Must be >= 1.
	WriteSize uint32
	// EraseSize is the minimum erase granularity in bytes. Zero means the
	// device does not support erase.
	EraseSize uint32
	// TotalSize is the device's total addressable size in bytes.
	TotalSize uint32
}

// Reader is the mandatory capability every backend must implement.
// Address is device-absolute; reads carry no alignment restriction beyond
// whatever the backend itself imposes.
type Reader interface {
	Read(address uint32, data []byte) error
}

// Writer is an optional backend capability. On real flash, writes can only
// clear bits (1 -> 0); callers must ensure the target region is erased for
// the bits being set.
type Writer interface {
	Write(address uint32, data []byte) error
}

// Eraser is an optional backend capability.
type Eraser interface {
	Erase(address uint32, size uint32) error
}

// Syncer is an optional backend capability that flushes any state the
// backend deferred.
type Syncer interface {
	Sync() error
}

// Device binds an Info descriptor to a backend. It is constructed once at
// platform init and never mutated afterwards; the Read/Write/Erase/Sync
// methods enforce alignment before ever touching the backend.
type Device struct {
	Info    Info
	backend Reader
}

// New constructs a Device. backend must at least implement Reader; it may
// additionally implement Writer, Eraser, and/or Syncer.
func New(info Info, backend Reader) *Device {
	return &Device{Info: info, backend: backend}
}

// Read reads len(data) bytes starting at address, device-absolute.
func (d *Device) Read(address uint32, data []byte) error {
	return d.backend.Read(address, data)
}

// Write writes data at address. address and len(data) must both be
// multiples of Info.WriteSize, or ErrInvalid is returned without ever
// calling the backend. If the backend has no Write hook, ErrNotSupported
// is returned.
func (d *Device) Write(address uint32, data []byte) error {
	w, ok := d.backend.(Writer)
	if !ok {
		return nvmstore.ErrNotSupported
	}

	if d.Info.WriteSize == 0 {
		return nvmstore.ErrInvalid
	}
	if address%d.Info.WriteSize != 0 {
		return nvmstore.ErrInvalid.WithMessage("write address not write-size aligned")
	}
	if uint32(len(data))%d.Info.WriteSize != 0 {
		return nvmstore.ErrInvalid.WithMessage("write length not a multiple of write size")
	}

	return w.Write(address, data)
}

// Erase erases size bytes starting at address. Both must be multiples of
// Info.EraseSize, or ErrInvalid is returned without ever calling the
// backend. If the backend has no Erase hook, or EraseSize is zero,
// ErrNotSupported is returned.
func (d *Device) Erase(address uint32, size uint32) error {
	e, ok := d.backend.(Eraser)
	if !ok || d.Info.EraseSize == 0 {
		return nvmstore.ErrNotSupported
	}

	if address%d.Info.EraseSize != 0 {
		return nvmstore.ErrInvalid.WithMessage("erase address not erase-size aligned")
	}
	if size%d.Info.EraseSize != 0 {
		return nvmstore.ErrInvalid.WithMessage("erase size not a multiple of erase size")
	}

	return e.Erase(address, size)
}

// Sync flushes any state the backend deferred. ErrNotSupported if the
// backend has no Sync hook.
func (d *Device) Sync() error {
	s, ok := d.backend.(Syncer)
	if !ok {
		return nvmstore.ErrNotSupported
	}
	return s.Sync()
}
