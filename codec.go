package nvstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Store header layout (little endian):
//
//	0:16  signature
//	16:20 size
//	20    format
//	21    state
//	22:24 reserved
const (
	storeHeaderSize = 24

	storeOffSize   = 16
	storeOffFormat = 20
	storeOffState  = 21

	storeFormatted = 0x5A
	storeHealthy   = 0xFE
	storeRetired   = 0x00
)

// Record header layout (little endian):
//
//	0     start marker
//	1:5   reserved
//	5:9   name size
//	9:13  data size
//	13:17 name offset id (unused)
//	17:21 flags
//	21:37 namespace
//	37    state
//	38    reserved
//	39:43 public key index
//	43:51 monotonic counter
//	51:67 timestamp
const (
	recordHeaderSize = 67
	recordAlignment  = 4

	offMarker    = 0
	offNameSize  = 5
	offDataSize  = 9
	offFlags     = 17
	offNamespace = 21
	offState     = 37
	offPubKey    = 39
	offCounter   = 43
	offTimestamp = 51

	startMarker   = 0xAA
	pendingMarker = 0x00
	erasedByte    = 0xFF
)

type recordState byte

// States only ever clear bits.
const (
	stateAdded        recordState = 0x3F
	stateInTransition recordState = stateAdded & 0xFE
	stateDeleted      recordState = stateInTransition & 0xFD
)

func (s recordState) String() string {
	switch s {
	case stateAdded:
		return "added"
	case stateInTransition:
		return "in-deleted-transition"
	case stateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%#02x)", byte(s))
	}
}

type regionState int

const (
	regionInvalid regionState = iota
	regionValid
	regionRaw
)

func (s regionState) String() string {
	switch s {
	case regionValid:
		return "valid"
	case regionRaw:
		return "raw"
	default:
		return "invalid"
	}
}

type storeHeader struct {
	Signature uuid.UUID
	Size      uint32
	Format    byte
	State     byte
}

func newStoreHeader(sig uuid.UUID, size uint32) storeHeader {
	return storeHeader{Signature: sig, Size: size, Format: storeFormatted, State: storeHealthy}
}

func (h storeHeader) encodeTo(buf []byte) {
	copy(buf[0:16], h.Signature[:])
	binary.LittleEndian.PutUint32(buf[storeOffSize:], h.Size)
	buf[storeOffFormat] = h.Format
	buf[storeOffState] = h.State
	buf[22] = 0
	buf[23] = 0
}

func decodeStoreHeader(buf []byte) storeHeader {
	var h storeHeader
	copy(h.Signature[:], buf[0:16])
	h.Size = binary.LittleEndian.Uint32(buf[storeOffSize:])
	h.Format = buf[storeOffFormat]
	h.State = buf[storeOffState]
	return h
}

// classifyRegion reports whether hdr (the first storeHeaderSize bytes of a
// region) is Valid, Raw or Invalid.
func classifyRegion(hdr []byte, sig uuid.UUID, size uint32) regionState {
	if isErased(hdr) {
		return regionRaw
	}
	h := decodeStoreHeader(hdr)
	if h.Signature == sig && h.Format == storeFormatted && h.State == storeHealthy && h.Size == size {
		return regionValid
	}
	return regionInvalid
}

func isErased(b []byte) bool {
	for _, c := range b {
		if c != erasedByte {
			return false
		}
	}
	return true
}

// Timestamp is the 16-byte calendar time stored with time-authenticated
// records.
type Timestamp struct {
	Year       uint16
	Month      uint8
	Day        uint8
	Hour       uint8
	Minute     uint8
	Second     uint8
	Nanosecond uint32
	TimeZone   int16
	Daylight   uint8
}

// TimestampOf converts t to a UTC Timestamp.
func TimestampOf(t time.Time) Timestamp {
	if t.IsZero() {
		return Timestamp{}
	}
	t = t.UTC()
	return Timestamp{
		Year:       uint16(t.Year()),
		Month:      uint8(t.Month()),
		Day:        uint8(t.Day()),
		Hour:       uint8(t.Hour()),
		Minute:     uint8(t.Minute()),
		Second:     uint8(t.Second()),
		Nanosecond: uint32(t.Nanosecond()),
	}
}

func (ts Timestamp) IsZero() bool {
	return ts == Timestamp{}
}

// Time converts ts to a time.Time, honouring the stored zone offset in minutes.
func (ts Timestamp) Time() time.Time {
	if ts.IsZero() {
		return time.Time{}
	}
	loc := time.UTC
	if ts.TimeZone != 0 && ts.TimeZone != 0x07FF {
		loc = time.FixedZone("", int(ts.TimeZone)*60)
	}
	return time.Date(int(ts.Year), time.Month(ts.Month), int(ts.Day),
		int(ts.Hour), int(ts.Minute), int(ts.Second), int(ts.Nanosecond), loc)
}

// After reports whether ts is strictly later than other.
func (ts Timestamp) After(other Timestamp) bool {
	return ts.Time().After(other.Time())
}

func (ts Timestamp) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:], ts.Year)
	buf[2] = ts.Month
	buf[3] = ts.Day
	buf[4] = ts.Hour
	buf[5] = ts.Minute
	buf[6] = ts.Second
	buf[7] = 0
	binary.LittleEndian.PutUint32(buf[8:], ts.Nanosecond)
	binary.LittleEndian.PutUint16(buf[12:], uint16(ts.TimeZone))
	buf[14] = ts.Daylight
	buf[15] = 0
}

func decodeTimestamp(buf []byte) Timestamp {
	return Timestamp{
		Year:       binary.LittleEndian.Uint16(buf[0:]),
		Month:      buf[2],
		Day:        buf[3],
		Hour:       buf[4],
		Minute:     buf[5],
		Second:     buf[6],
		Nanosecond: binary.LittleEndian.Uint32(buf[8:]),
		TimeZone:   int16(binary.LittleEndian.Uint16(buf[12:])),
		Daylight:   buf[14],
	}
}

type recordHeader struct {
	Marker      byte
	NameSize    uint32
	DataSize    uint32
	Flags       Flags
	Namespace   uuid.UUID
	State       recordState
	PubKeyIndex uint32
	Counter     uint64
	Timestamp   Timestamp
}

func (h *recordHeader) encodeTo(buf []byte) {
	buf[offMarker] = h.Marker
	binary.LittleEndian.PutUint32(buf[1:], 0)
	binary.LittleEndian.PutUint32(buf[offNameSize:], h.NameSize)
	binary.LittleEndian.PutUint32(buf[offDataSize:], h.DataSize)
	binary.LittleEndian.PutUint32(buf[13:], 0)
	binary.LittleEndian.PutUint32(buf[offFlags:], uint32(h.Flags))
	copy(buf[offNamespace:offNamespace+16], h.Namespace[:])
	buf[offState] = byte(h.State)
	buf[38] = 0
	binary.LittleEndian.PutUint32(buf[offPubKey:], h.PubKeyIndex)
	binary.LittleEndian.PutUint64(buf[offCounter:], h.Counter)
	h.Timestamp.encodeTo(buf[offTimestamp : offTimestamp+16])
}

func decodeRecordHeader(buf []byte) recordHeader {
	var h recordHeader
	h.Marker = buf[offMarker]
	h.NameSize = binary.LittleEndian.Uint32(buf[offNameSize:])
	h.DataSize = binary.LittleEndian.Uint32(buf[offDataSize:])
	h.Flags = Flags(binary.LittleEndian.Uint32(buf[offFlags:]))
	copy(h.Namespace[:], buf[offNamespace:offNamespace+16])
	h.State = recordState(buf[offState])
	h.PubKeyIndex = binary.LittleEndian.Uint32(buf[offPubKey:])
	h.Counter = binary.LittleEndian.Uint64(buf[offCounter:])
	h.Timestamp = decodeTimestamp(buf[offTimestamp : offTimestamp+16])
	return h
}

func padSize(n int) int {
	return (recordAlignment - n%recordAlignment) % recordAlignment
}

func alignUp(n int) int {
	return n + padSize(n)
}

func dataOffset(nameSize int) int {
	return recordHeaderSize + nameSize + padSize(nameSize)
}

// encodedSize is the number of arena bytes a record occupies.
func encodedSize(nameSize, dataSize int) int {
	return alignUp(dataOffset(nameSize) + dataSize + padSize(dataSize))
}

// encodeRecord lays out header, name and data. Padding and the
// alignment tail are erased bytes.
func encodeRecord(h recordHeader, name, data []byte) []byte {
	h.NameSize = uint32(len(name))
	h.DataSize = uint32(len(data))
	buf := bytes.Repeat([]byte{erasedByte}, encodedSize(len(name), len(data)))
	h.encodeTo(buf)
	copy(buf[recordHeaderSize:], name)
	copy(buf[dataOffset(len(name)):], data)
	return buf
}

// record is a bounds-checked view of one record inside an arena buffer.
// name and data alias the buffer.
type record struct {
	off  int
	size int
	hdr  recordHeader
	name []byte
	data []byte
}

// decodeRecord returns the record starting at off. ErrMalformed means no
// record starts there; ErrVolumeCorrupted means one does but its fields
// are inconsistent.
func decodeRecord(buf []byte, off int) (record, error) {
	if off < 0 || off+recordHeaderSize > len(buf) {
		return record{}, ErrMalformed
	}
	if buf[off] != startMarker {
		return record{}, ErrMalformed
	}
	h := decodeRecordHeader(buf[off:])
	if h.NameSize < 2 || h.NameSize%2 != 0 {
		return record{}, fmt.Errorf("%w: record at %d has name size %d", ErrVolumeCorrupted, off, h.NameSize)
	}
	if uint64(h.NameSize)+uint64(h.DataSize) > uint64(len(buf)) {
		return record{}, fmt.Errorf("%w: record at %d overruns arena", ErrVolumeCorrupted, off)
	}
	size := encodedSize(int(h.NameSize), int(h.DataSize))
	if off+size > len(buf) {
		return record{}, fmt.Errorf("%w: record at %d overruns arena", ErrVolumeCorrupted, off)
	}
	if h.Flags&^flagsMask != 0 || h.Flags&FlagAppend != 0 {
		return record{}, fmt.Errorf("%w: record at %d has flags %#x", ErrVolumeCorrupted, off, uint32(h.Flags))
	}
	switch h.State {
	case stateAdded, stateInTransition, stateDeleted:
	default:
		// a cleared state byte still means the record is gone
		if h.State&^stateDeleted != 0 {
			return record{}, fmt.Errorf("%w: record at %d has state %v", ErrVolumeCorrupted, off, h.State)
		}
	}
	nameStart := off + recordHeaderSize
	name := buf[nameStart : nameStart+int(h.NameSize)]
	if name[len(name)-1] != 0 || name[len(name)-2] != 0 {
		return record{}, fmt.Errorf("%w: record at %d has unterminated name", ErrVolumeCorrupted, off)
	}
	dataStart := off + dataOffset(int(h.NameSize))
	return record{
		off:  off,
		size: size,
		hdr:  h,
		name: name,
		data: buf[dataStart : dataStart+int(h.DataSize)],
	}, nil
}

func (r record) added() bool {
	return r.hdr.State == stateAdded
}

func (r record) inTransition() bool {
	return r.hdr.State == stateInTransition
}

func (r record) live() bool {
	return r.added() || r.inTransition()
}

func (r record) matches(name []byte, ns uuid.UUID) bool {
	return r.hdr.Namespace == ns && bytes.Equal(r.name, name)
}

func (r record) key() string {
	return string(r.hdr.Namespace[:]) + string(r.name)
}

func (r record) nameString() string {
	return decodeName(r.name)
}

// checkName rejects names that would not survive the trip through the
// NUL-terminated UTF-16 encoding.
func checkName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidParameter)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: name %q is not valid UTF-8", ErrInvalidParameter, name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: name %q contains NUL", ErrInvalidParameter, name)
	}
	return nil
}

// encodeName converts name to NUL-terminated UTF-16LE.
func encodeName(name string) []byte {
	units := utf16.Encode([]rune(name))
	buf := make([]byte, 2*len(units)+2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2*i:], u)
	}
	return buf
}

func decodeName(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u := binary.LittleEndian.Uint16(b[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}
