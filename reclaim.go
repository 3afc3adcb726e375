package nvstore

import (
	"bytes"
)

type movedSpan struct {
	from, to, size int
}

// reclaim rebuilds the arena keeping only live records. ADDED records are
// copied first; an in-deleted-transition record is copied, promoted to
// ADDED, only when no copy of its key was kept already.
//
// Every offset in tracks that points into a kept record is rebased to the
// packed arena. Offsets inside dropped records are set to -1.
//
// For a mirrored arena the packed image is committed to the medium before
// the in-memory arena is replaced; on failure the arena is left untouched.
func (a *arena) reclaim(tracks ...*int) error {
	scratch := bytes.Repeat([]byte{erasedByte}, len(a.buf))
	copy(scratch, a.buf[:storeHeaderSize])

	var (
		moved      []movedSpan
		kept       = make(map[string]bool)
		pos        = storeHeaderSize
		commonUsed int
		errorUsed  int
	)
	keep := func(r record, promote bool) {
		copy(scratch[pos:], a.buf[r.off:r.off+r.size])
		if promote {
			scratch[pos+offState] = byte(stateAdded)
		}
		moved = append(moved, movedSpan{from: r.off, to: pos, size: r.size})
		kept[r.key()] = true
		if r.hdr.Flags&FlagErrorRecord != 0 {
			errorUsed += r.size
		} else {
			commonUsed += r.size
		}
		pos += r.size
	}

	err := a.walk(func(r record) bool {
		if r.added() {
			keep(r, false)
		}
		return true
	})
	if err != nil {
		return err
	}
	err = a.walk(func(r record) bool {
		if r.inTransition() && !kept[r.key()] {
			keep(r, true)
		}
		return true
	})
	if err != nil {
		return err
	}

	if a.mirror != nil {
		if err := a.mirror.commit(scratch); err != nil {
			return err
		}
	}

	a.buf = scratch
	a.cursor = pos
	a.commonUsed = commonUsed
	a.errorUsed = errorUsed
	a.dirty = 0
	a.generation++

	for _, t := range tracks {
		if t == nil || *t < 0 {
			continue
		}
		*t = rebase(moved, *t)
	}
	return nil
}

func rebase(moved []movedSpan, off int) int {
	for _, m := range moved {
		if off >= m.from && off < m.from+m.size {
			return m.to + off - m.from
		}
	}
	return -1
}
