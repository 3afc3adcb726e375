package nvstore

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// mirror receives every committed mutation of a persistent arena.
type mirror interface {
	// writeAt copies b to arena offset off of the active region.
	writeAt(off int, b []byte) error
	// commit makes packed the new content of the arena, atomically with
	// respect to power loss.
	commit(packed []byte) error
}

// arena is a store header followed by a chain of records up to cursor.
// Everything after cursor is erased fill.
type arena struct {
	name       string
	buf        []byte
	cursor     int
	generation uint64

	// byte budgets per class; errorBudget is zero for arenas without an
	// error-record class
	commonBudget int
	errorBudget  int
	commonUsed   int
	errorUsed    int

	// dirty is the end of bytes written to the medium past cursor by an
	// append that never became discoverable.
	dirty int

	mirror mirror
}

func newArena(name string, sig uuid.UUID, size uint32, errorBudget uint32) *arena {
	buf := bytes.Repeat([]byte{erasedByte}, int(size))
	newStoreHeader(sig, size).encodeTo(buf)
	return &arena{
		name:         name,
		buf:          buf,
		cursor:       storeHeaderSize,
		commonBudget: int(size) - storeHeaderSize - int(errorBudget),
		errorBudget:  int(errorBudget),
	}
}

func (a *arena) decodeAt(off int) (record, error) {
	if off >= a.cursor {
		return record{}, ErrMalformed
	}
	return decodeRecord(a.buf[:a.cursor], off)
}

// walk calls fn for every record of the chain until fn returns false. A
// structurally damaged record ends the walk with its error.
func (a *arena) walk(fn func(r record) bool) error {
	return a.walkFrom(storeHeaderSize, fn)
}

func (a *arena) walkFrom(start int, fn func(r record) bool) error {
	for off := start; off < a.cursor; {
		r, err := a.decodeAt(off)
		if err == ErrMalformed {
			return nil
		}
		if err != nil {
			return err
		}
		if !fn(r) {
			return nil
		}
		off += r.size
	}
	return nil
}

func (a *arena) charge(flags Flags, size int) {
	if flags&FlagErrorRecord != 0 {
		a.errorUsed += size
	} else {
		a.commonUsed += size
	}
}

func (a *arena) fits(flags Flags, size int) bool {
	if a.cursor+size > len(a.buf) {
		return false
	}
	if flags&FlagErrorRecord != 0 {
		return a.errorUsed+size <= a.errorBudget
	}
	return a.commonUsed+size <= a.commonBudget
}

// liveBytes sums the sizes of live records of one class.
func (a *arena) liveBytes(errorClass bool) int {
	n := 0
	_ = a.walk(func(r record) bool {
		if r.live() && (r.hdr.Flags&FlagErrorRecord != 0) == errorClass {
			n += r.size
		}
		return true
	})
	return n
}

// setState moves the record at off towards s. States only clear bits, so
// the stored byte is ANDed with s; no write happens when nothing changes.
func (a *arena) setState(off int, s recordState) error {
	cur := recordState(a.buf[off+offState])
	next := cur & s
	if next == cur {
		return nil
	}
	if a.mirror != nil {
		if err := a.mirror.writeAt(off+offState, []byte{byte(next)}); err != nil {
			return err
		}
	}
	a.buf[off+offState] = byte(next)
	return nil
}

// appendRecord installs enc at the cursor and retires old (and any extra
// stale copies) following the crash-safe ordering:
//
//  1. body with a pending start marker
//  2. old record to in-deleted-transition
//  3. start marker
//  4. old records to deleted
//
// The in-memory arena only sees the new record after step 3 succeeded.
func (a *arena) appendRecord(enc []byte, old int, stale []int) (int, error) {
	off := a.cursor
	if a.mirror != nil {
		pending := append([]byte(nil), enc...)
		if a.dirty > off+len(pending) {
			pending = append(pending, bytes.Repeat([]byte{erasedByte}, a.dirty-off-len(pending))...)
		}
		pending[offMarker] = pendingMarker
		if end := off + len(pending); end > a.dirty {
			a.dirty = end
		}
		if err := a.mirror.writeAt(off, pending); err != nil {
			return 0, err
		}
		a.dirty = off + len(enc)
	}
	if old >= 0 {
		if err := a.setState(old, stateInTransition); err != nil {
			return 0, err
		}
	}
	if a.mirror != nil {
		if err := a.mirror.writeAt(off+offMarker, []byte{startMarker}); err != nil {
			return 0, err
		}
	}
	copy(a.buf[off:], enc)
	a.buf[off+offMarker] = startMarker
	a.cursor += len(enc)
	a.dirty = 0
	a.charge(decodeRecordHeader(enc).Flags, len(enc))

	for _, o := range append([]int{old}, stale...) {
		if o < 0 {
			continue
		}
		if err := a.setState(o, stateDeleted); err != nil {
			return off, err
		}
	}
	return off, nil
}

func (a *arena) String() string {
	return fmt.Sprintf("%s arena gen=%d cursor=%d/%d", a.name, a.generation, a.cursor, len(a.buf))
}
