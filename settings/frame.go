package settings

import (
	"encoding/binary"

	"github.com/noxer/bytewriter"
)

// Magic identifies a live frame on disk: 'O', 'P', 'N', 'X' as a
// little-endian uint32. Erased flash reads as all-ones, so a leading
// 0xFFFFFFFF marks the start of the tail free region instead.
const Magic uint32 = 0x584E504F

const erasedSentinel uint32 = 0xFFFFFFFF

const (
	headerSize = 8 // magic(4) + length(2) + counter(2)
	crcSize    = 2
)

// CurrentFrameSize is the total on-disk size, in bytes, of a frame
// produced by this build: header + payload + trailing CRC. Frames found
// on disk with a smaller length are stale, forward-compatible records
// from older firmware; a larger length is rejected outright.
const CurrentFrameSize = headerSize + RecordSize + crcSize

// Integrity is the outcome of checking a frame read off disk.
type Integrity int8

const (
	Corrupt Integrity = 0
	Valid   Integrity = 1
	Stale   Integrity = -1
)

func (i Integrity) String() string {
	switch i {
	case Valid:
		return "valid"
	case Stale:
		return "stale"
	default:
		return "corrupt"
	}
}

// Frame is one on-disk settings record, decoded into memory.
type Frame struct {
	Counter uint16
	Record  Record
}

// DefaultFrame returns a frame built from the compiled-in default
// settings with counter 0, ready to be the seed of a brand new store.
func DefaultFrame() Frame {
	return Frame{Counter: 0, Record: DefaultRecord()}
}

// Encode serializes f into its current, full-length on-disk
// representation, recomputing length and CRC.
func (f Frame) Encode() []byte {
	buf := make([]byte, CurrentFrameSize)
	w := bytewriter.New(buf)

	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], Magic)
	binary.LittleEndian.PutUint16(header[4:6], uint16(CurrentFrameSize))
	binary.LittleEndian.PutUint16(header[6:8], f.Counter)

	w.Write(header[:])
	w.Write(f.Record.Marshal())

	crc := ComputeCRC(buf[:CurrentFrameSize-crcSize])
	binary.LittleEndian.PutUint16(buf[CurrentFrameSize-crcSize:], crc)

	return buf
}

// DecodeFrame interprets raw as a complete frame: raw must be exactly as
// long as the header's declared length (the caller is expected to have
// read the 2-byte length field first and then read exactly that many
// bytes). It returns Corrupt if the magic or CRC don't check out, or if
// the frame is longer than CurrentFrameSize.
//
// A frame shorter than the current build's frame size, but with a valid
// CRC over its own declared length, is Stale: its payload is decoded on
// top of a pre-filled set of defaults, so fields the on-disk record
// predates simply take their default value.
func DecodeFrame(raw []byte) (Frame, Integrity) {
	if len(raw) < headerSize+crcSize {
		return Frame{}, Corrupt
	}

	magic := binary.LittleEndian.Uint32(raw[0:4])
	length := binary.LittleEndian.Uint16(raw[4:6])
	counter := binary.LittleEndian.Uint16(raw[6:8])

	if magic != Magic || int(length) != len(raw) || length > CurrentFrameSize {
		return Frame{}, Corrupt
	}

	crcOffset := int(length) - crcSize
	storedCRC := binary.LittleEndian.Uint16(raw[crcOffset:])
	computedCRC := ComputeCRC(raw[:crcOffset])

	record := DefaultRecord()
	record.Unmarshal(raw[headerSize:crcOffset])

	frame := Frame{Counter: counter, Record: record}

	if storedCRC != computedCRC {
		return Frame{}, Corrupt
	}
	if length == CurrentFrameSize {
		return frame, Valid
	}
	return frame, Stale
}
