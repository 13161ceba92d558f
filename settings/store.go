// Package settings implements the append-only, two-partition (A/B)
// settings log: parsing, validating, appending, and erasing frames, and
// choosing the newest valid copy on load.
package settings

import (
	"bytes"
	"encoding/binary"
	"errors"

	nvmstore "github.com/mdiepart/nvmstore"
	"github.com/mdiepart/nvmstore/access"
	"github.com/sirupsen/logrus"
)

// PartitionStatus is the tri-state a partition scan resolves to, per
// spec §4.9's state machine.
type PartitionStatus int8

const (
	StatusCorrupt PartitionStatus = -1
	StatusEmpty   PartitionStatus = 0
	StatusClean   PartitionStatus = 1
)

func (s PartitionStatus) String() string {
	switch s {
	case StatusClean:
		return "clean"
	case StatusEmpty:
		return "empty"
	default:
		return "corrupt"
	}
}

// Storage is a single-owner handle over the settings log spanning two
// partitions of one area. It is not safe for concurrent use; callers
// sharing a handle across goroutines must serialize with an external
// mutex.
type Storage struct {
	table *access.Table

	areaIdx      int
	partA, partB int

	partAOffset, partBOffset uint32
	partAStatus, partBStatus PartitionStatus

	latest      Frame
	initialized bool
	writeNeeded bool

	log *logrus.Entry
}

// New creates a zeroed Storage handle bound to table. Call Init before
// any Load or Save.
func New(table *access.Table) *Storage {
	return &Storage{
		table: table,
		log:   logrus.WithField("component", "settings"),
	}
}

// Init binds the handle to an area and its two storage partitions. It
// does not touch the device; the first Load performs the actual scan.
func (s *Storage) Init(areaIdx, partA, partB int) error {
	if _, err := s.table.GetPartition(areaIdx, partA); err != nil {
		return err
	}
	if _, err := s.table.GetPartition(areaIdx, partB); err != nil {
		return err
	}

	s.areaIdx = areaIdx
	s.partA = partA
	s.partB = partB
	s.latest = DefaultFrame()
	s.initialized = false
	s.writeNeeded = false
	return nil
}

// Load fills out with the current settings. On the first call after
// Init, it scans both partitions and picks the newest valid frame,
// falling back to compiled-in defaults if neither partition is usable.
// Subsequent calls just copy the cached frame.
func (s *Storage) Load(out *Record) error {
	if s.initialized {
		*out = s.latest.Record
		return nil
	}

	resA, err := findLatestValidStore(s.table, s.areaIdx, s.partA)
	if err != nil {
		return err
	}
	resB, err := findLatestValidStore(s.table, s.areaIdx, s.partB)
	if err != nil {
		return err
	}

	s.partAStatus = resA.Status
	s.partBStatus = resB.Status
	s.partAOffset = resA.FreeOffset
	s.partBOffset = resB.FreeOffset

	switch {
	case s.partAStatus == StatusClean && s.partBStatus == StatusClean:
		if resA.Frame.Counter >= resB.Frame.Counter {
			s.latest, s.writeNeeded = resA.Frame, resA.Stale
		} else {
			s.latest, s.writeNeeded = resB.Frame, resB.Stale
		}
	case s.partAStatus == StatusClean:
		s.latest, s.writeNeeded = resA.Frame, resA.Stale
	case s.partBStatus == StatusClean:
		s.latest, s.writeNeeded = resB.Frame, resB.Stale
	default:
		s.log.Warn("both settings partitions unusable, falling back to defaults")
		s.latest, s.writeNeeded = DefaultFrame(), true
	}

	s.log.WithFields(logrus.Fields{
		"part_a_status": s.partAStatus,
		"part_b_status": s.partBStatus,
		"counter":       s.latest.Counter,
		"write_needed":  s.writeNeeded,
	}).Debug("settings loaded")

	s.initialized = true
	*out = s.latest.Record
	return nil
}

// Save persists in, performing no physical write if it is byte-identical
// to the cached frame and no write was already pending. Writes alternate
// between partitions by the parity of the post-increment save counter:
// odd goes to B, even to A, so that consecutive saves never touch the
// same partition twice in a row.
func (s *Storage) Save(in Record) error {
	if !s.initialized {
		return nvmstore.ErrInvalid.WithMessage("Load must be called before Save")
	}

	changed := !bytes.Equal(s.latest.Record.Marshal(), in.Marshal())
	if changed || s.writeNeeded {
		s.latest.Record = in
		s.latest.Counter++
		s.writeNeeded = true
	}

	if !s.writeNeeded {
		return nil
	}

	var err error
	if s.latest.Counter%2 == 1 {
		err = s.writeStore(s.partB, &s.partBOffset, s.partBStatus == StatusCorrupt)
		if err == nil {
			s.partBStatus = StatusClean
		}
	} else {
		err = s.writeStore(s.partA, &s.partAOffset, s.partAStatus == StatusCorrupt)
		if err == nil {
			s.partAStatus = StatusClean
		}
	}
	if err != nil {
		return err
	}

	s.writeNeeded = false
	return nil
}

// writeStore writes the current latest frame into part at *offset,
// erasing first if requested or if the frame would not fit.
func (s *Storage) writeStore(part int, offset *uint32, erase bool) error {
	p, err := s.table.GetPartition(s.areaIdx, part)
	if err != nil {
		return err
	}

	frameBytes := s.latest.Encode()
	if uint64(*offset)+uint64(len(frameBytes)) > uint64(p.Size) {
		erase = true
	}

	if erase {
		eraseErr := s.table.Erase(s.areaIdx, part, 0, p.Size)
		switch {
		case errors.Is(eraseErr, nvmstore.ErrNotSupported):
			s.log.WithField("partition", part).Debug(
				"device has no erase hook, filling partition with 0xFF")
			if err := s.fillErased(part, p.Size); err != nil {
				return err
			}
		case eraseErr != nil:
			return eraseErr
		}
		*offset = 0
	}

	if err := s.table.Write(s.areaIdx, part, *offset, frameBytes); err != nil {
		return err
	}
	*offset += uint32(len(frameBytes))
	return nil
}

// fillErased emulates erase on a backend with no erase hook (a POSIX
// file) by overwriting the partition with 0xFF: as many full 4-byte
// writes as fit, then single-byte writes for the remainder.
func (s *Storage) fillErased(part int, size uint32) error {
	word := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	var i uint32
	for ; i+4 <= size; i += 4 {
		if err := s.table.Write(s.areaIdx, part, i, word); err != nil {
			return err
		}
	}
	for ; i < size; i++ {
		if err := s.table.Write(s.areaIdx, part, i, word[:1]); err != nil {
			return err
		}
	}
	return nil
}

// scanResult is the outcome of scanning one partition for its newest
// valid frame.
type scanResult struct {
	Status     PartitionStatus
	Frame      Frame
	FreeOffset uint32
	Stale      bool
}

// findLatestValidStore walks part from the end backwards, one corrupt
// tail frame at a time, until it finds a valid or stale frame, the
// partition turns out empty, or the whole chain is unusable.
func findLatestValidStore(table *access.Table, area, part int) (scanResult, error) {
	p, err := table.GetPartition(area, part)
	if err != nil {
		return scanResult{}, err
	}

	scanLimit := p.Size
	var freeOffset uint32
	firstPass := true

	for scanLimit > 0 {
		headerOffset, err := parsePartition(table, area, part, scanLimit)
		if err != nil {
			switch {
			case errors.Is(err, nvmstore.ErrNotFound):
				return scanResult{Status: StatusEmpty}, nil
			case errors.Is(err, nvmstore.ErrIllSequence):
				return scanResult{Status: StatusCorrupt}, nil
			default:
				return scanResult{}, err
			}
		}

		frame, integrity, length, err := readFrame(table, area, part, headerOffset)
		if err != nil {
			return scanResult{}, err
		}

		if firstPass {
			freeOffset = headerOffset + uint32(length)
			firstPass = false
		}

		switch integrity {
		case Valid, Stale:
			return scanResult{
				Status:     StatusClean,
				Frame:      frame,
				FreeOffset: freeOffset,
				Stale:      integrity == Stale,
			}, nil
		default: // Corrupt tail frame: back off and retry the frame before it.
			scanLimit = headerOffset
		}
	}

	return scanResult{Status: StatusCorrupt}, nil
}

// parsePartition walks part's frame chain starting at offset 0, looking
// for the first free slot (the first position holding the erased-flash
// sentinel magic). It returns the offset of the newest candidate frame's
// header, ErrNotFound if the partition is entirely empty, or
// ErrIllSequence if the chain is malformed. A chain that ends exactly at
// limit (as it does when a retry stops at a corrupt tail frame) yields the
// last header before limit.
func parsePartition(table *access.Table, area, part int, limit uint32) (uint32, error) {
	if limit == 0 {
		return 0, nvmstore.ErrIllSequence
	}

	var offset, prevOffset uint32
	var magic uint32

	for offset < limit {
		var buf [6]byte
		if err := table.Read(area, part, offset, buf[:]); err != nil {
			return 0, nvmstore.ErrIOFailed.Wrap(err)
		}

		magic = binary.LittleEndian.Uint32(buf[0:4])
		if magic != Magic {
			break
		}

		length := binary.LittleEndian.Uint16(buf[4:6])
		prevOffset = offset
		offset += uint32(length)
	}

	if magic == Magic && offset == limit && offset != prevOffset {
		return prevOffset, nil
	}
	if magic != erasedSentinel {
		return 0, nvmstore.ErrIllSequence
	}
	if offset == prevOffset {
		return 0, nvmstore.ErrNotFound
	}
	return prevOffset, nil
}

// readFrame reads the frame header at offset, then reads exactly as many
// more bytes as the header declares and decodes the result. A header
// declaring a length longer than this build's CurrentFrameSize is
// rejected with ErrTooLarge: it was written by firmware newer than this
// code, and misinterpreting it would silently corrupt settings.
func readFrame(table *access.Table, area, part int, offset uint32) (Frame, Integrity, uint16, error) {
	var header [headerSize]byte
	if err := table.Read(area, part, offset, header[:]); err != nil {
		return Frame{}, Corrupt, 0, nvmstore.ErrIOFailed.Wrap(err)
	}

	length := binary.LittleEndian.Uint16(header[4:6])
	if length > CurrentFrameSize {
		return Frame{}, Corrupt, 0, nvmstore.ErrTooLarge
	}
	if length < headerSize+crcSize {
		return Frame{}, Corrupt, length, nil
	}

	raw := make([]byte, length)
	copy(raw[:headerSize], header[:])
	if length > headerSize {
		if err := table.Read(area, part, offset+headerSize, raw[headerSize:]); err != nil {
			return Frame{}, Corrupt, 0, nvmstore.ErrIOFailed.Wrap(err)
		}
	}

	frame, integrity := DecodeFrame(raw)
	return frame, integrity, length, nil
}
