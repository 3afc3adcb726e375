package nvstore

import (
	"fmt"

	"github.com/google/uuid"
)

type recordRef struct {
	arena *arena
	rec   record
}

// lookup is the result of find. current is the authoritative record: the
// ADDED one, or a lone in-deleted-transition one. inTransition is set only
// when both exist, so the update path can finish retiring it.
type lookup struct {
	current      *recordRef
	inTransition *recordRef
}

// visibility filters records by phase. A nil visibility accepts every record.
type visibility func(r record) bool

func (v visibility) accepts(r record) bool {
	return v == nil || v(r)
}

// find resolves (name, ns) against arenas in priority order. An empty name
// returns the first live record.
func find(arenas []*arena, name []byte, ns uuid.UUID, visible visibility) (lookup, error) {
	for _, a := range arenas {
		var added, trans *recordRef
		err := a.walk(func(r record) bool {
			if !r.live() || !visible.accepts(r) {
				return true
			}
			if len(name) == 0 {
				added = &recordRef{arena: a, rec: r}
				return false
			}
			if !r.matches(name, ns) {
				return true
			}
			if r.added() {
				if added == nil {
					added = &recordRef{arena: a, rec: r}
				}
			} else if trans == nil {
				trans = &recordRef{arena: a, rec: r}
			}
			return true
		})
		if err != nil {
			return lookup{}, err
		}
		if added != nil {
			return lookup{current: added, inTransition: trans}, nil
		}
		if trans != nil {
			return lookup{current: trans}, nil
		}
	}
	return lookup{}, nil
}

// findNext returns the live record following (name, ns) in enumeration
// order, or the first one when name is empty. In-transition records whose
// ADDED counterpart is also enumerated are skipped.
func findNext(arenas []*arena, name []byte, ns uuid.UUID, visible visibility) (*recordRef, error) {
	ai, start := 0, storeHeaderSize
	if len(name) != 0 {
		l, err := find(arenas, name, ns, visible)
		if err != nil {
			return nil, err
		}
		if l.current == nil {
			return nil, fmt.Errorf("%w: previous name %q not found", ErrInvalidParameter, decodeName(name))
		}
		for i, a := range arenas {
			if a == l.current.arena {
				ai = i
			}
		}
		start = l.current.rec.off + l.current.rec.size
	}

	for ; ai < len(arenas); ai, start = ai+1, storeHeaderSize {
		a := arenas[ai]
		var next *recordRef
		var ferr error
		err := a.walkFrom(start, func(r record) bool {
			if !r.live() || !visible.accepts(r) {
				return true
			}
			if r.inTransition() {
				l, err := find(arenas, r.name, r.hdr.Namespace, visible)
				if err != nil {
					ferr = err
					return false
				}
				if l.current != nil && l.current.rec.added() {
					return true
				}
			}
			next = &recordRef{arena: a, rec: r}
			return false
		})
		if err == nil {
			err = ferr
		}
		if err != nil {
			return nil, err
		}
		if next != nil {
			return next, nil
		}
	}
	return nil, ErrNotFound
}
