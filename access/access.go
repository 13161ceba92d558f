// Package access implements the NVM access layer: a registry of named
// areas, each bound to a device and a list of partitions, that translates
// (area, partition, offset) into a device-absolute address with bounds
// checks. The settings layer is the only consumer; it never talks to a
// device directly.
package access

import (
	nvmstore "github.com/mdiepart/nvmstore"
	"github.com/mdiepart/nvmstore/device"
	"github.com/sirupsen/logrus"
)

// Partition is an immutable {offset, size} range within an area's address
// space, in bytes, relative to the area's base address.
type Partition struct {
	Offset uint32
	Size   uint32
}

// Area binds a device to a base address and a 1-indexed partition table.
// Areas are immutable once registered.
type Area struct {
	Name       string
	Dev        *device.Device
	BaseAddr   uint32
	Size       uint32
	Partitions []Partition
}

// Table is the process-wide registry of areas, indexed from 0. It is built
// once (see package config) and shared read-only afterwards.
type Table struct {
	areas []Area
	log   *logrus.Entry
}

// NewTable constructs a Table over the given areas. The slice is not
// copied defensively; callers must not mutate it afterwards.
func NewTable(areas []Area) *Table {
	return &Table{areas: areas, log: logrus.WithField("component", "access")}
}

// GetTable returns the full area slice backing this Table, for tooling
// that needs to enumerate every registered area.
func (t *Table) GetTable() []Area {
	return t.areas
}

// GetArea returns the descriptor for area index idx, or nil if idx is out
// of range.
func (t *Table) GetArea(idx int) *Area {
	if idx < 0 || idx >= len(t.areas) {
		return nil
	}
	return &t.areas[idx]
}

// GetPartition resolves partition part of area idx. part == 0 synthesizes
// the whole-device partition {0, device TotalSize}; part in [1, len(partitions)]
// returns the stored entry; anything else fails with ErrInvalid.
func (t *Table) GetPartition(idx int, part int) (Partition, error) {
	area := t.GetArea(idx)
	if area == nil {
		return Partition{}, nvmstore.ErrInvalid.WithMessage("no such area")
	}

	if part == 0 {
		return Partition{Offset: 0, Size: area.Dev.Info.TotalSize}, nil
	}
	if part < 0 || part > len(area.Partitions) {
		return Partition{}, nvmstore.ErrInvalid.WithMessage("no such partition")
	}
	return area.Partitions[part-1], nil
}

func (t *Table) resolve(idx, part int, offset uint32, length uint32) (*Area, uint32, error) {
	area := t.GetArea(idx)
	if area == nil {
		return nil, 0, nvmstore.ErrInvalid.WithMessage("no such area")
	}

	p, err := t.GetPartition(idx, part)
	if err != nil {
		return nil, 0, err
	}

	if uint64(offset)+uint64(length) > uint64(p.Size) {
		return nil, 0, nvmstore.ErrInvalid.WithMessage("access exceeds partition bounds")
	}

	address := area.BaseAddr + p.Offset + offset
	return area, address, nil
}

// Read reads len(data) bytes from (area, part, offset).
func (t *Table) Read(idx, part int, offset uint32, data []byte) error {
	area, address, err := t.resolve(idx, part, offset, uint32(len(data)))
	if err != nil {
		return err
	}
	return area.Dev.Read(address, data)
}

// Write writes data to (area, part, offset).
func (t *Table) Write(idx, part int, offset uint32, data []byte) error {
	area, address, err := t.resolve(idx, part, offset, uint32(len(data)))
	if err != nil {
		return err
	}
	return area.Dev.Write(address, data)
}

// Erase erases size bytes at (area, part, offset).
func (t *Table) Erase(idx, part int, offset uint32, size uint32) error {
	area, address, err := t.resolve(idx, part, offset, size)
	if err != nil {
		return err
	}
	t.log.WithFields(logrus.Fields{
		"area": idx, "partition": part, "offset": offset, "size": size,
	}).Debug("erasing partition range")
	return area.Dev.Erase(address, size)
}

// Sync flushes the device backing area idx.
func (t *Table) Sync(idx int) error {
	area := t.GetArea(idx)
	if area == nil {
		return nvmstore.ErrInvalid.WithMessage("no such area")
	}
	return area.Dev.Sync()
}
