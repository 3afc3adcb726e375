package nvstore

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

func (s *Store) validateSet(name string, ns uuid.UUID, flags Flags) error {
	if err := checkName(name); err != nil {
		return err
	}
	switch {
	case ns == uuid.Nil:
		return fmt.Errorf("%w: missing namespace", ErrInvalidParameter)
	case flags&^flagsMask != 0:
		return fmt.Errorf("%w: reserved flags %#x", ErrInvalidParameter, uint32(flags&^flagsMask))
	case flags.Has(authMask):
		return fmt.Errorf("%w: both authentication variants", ErrInvalidParameter)
	case flags&FlagRuntimeAccess != 0 && flags&FlagSetupAccess == 0:
		return fmt.Errorf("%w: runtime access without setup access", ErrInvalidParameter)
	}
	if flags&FlagErrorRecord != 0 {
		if !flags.Has(FlagPersistent | FlagSetupAccess | FlagRuntimeAccess) {
			return fmt.Errorf("%w: error record must be persistent with setup and runtime access", ErrInvalidParameter)
		}
		if s.config.ErrorRecordStorageSize == 0 {
			return fmt.Errorf("%w: error record storage disabled", ErrInvalidParameter)
		}
	}
	return nil
}

// set is the update engine. Callers hold the lock.
func (s *Store) set(name string, ns uuid.UUID, flags Flags, data []byte) error {
	if err := s.validateSet(name, ns, flags); err != nil {
		return err
	}

	var auth AuthResult
	if flags&authMask != 0 {
		if s.verifier == nil {
			return fmt.Errorf("%w: no verifier for authenticated write", ErrSecurityViolation)
		}
		res, err := s.verifier.Verify(AuthRequest{Name: name, Namespace: ns, Flags: flags, Envelope: data})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSecurityViolation, err)
		}
		auth = res
		data = res.Data
	}

	encName := encodeName(name)
	l, err := find(s.arenas(), encName, ns, nil)
	if err != nil {
		return err
	}

	appendWrite := flags&FlagAppend != 0
	stored := flags &^ FlagAppend
	remove := stored&accessMask == 0 || (len(data) == 0 && !appendWrite)

	cur := l.current
	if cur == nil {
		if remove {
			return ErrNotFound
		}
		if len(data) == 0 {
			return nil
		}
		if s.env.SteadyState() && !stored.Has(FlagPersistent|FlagRuntimeAccess) {
			return fmt.Errorf("%w: only persistent runtime records can be created in steady state", ErrInvalidParameter)
		}
		return s.write(encName, ns, stored, data, auth, l)
	}

	r := cur.rec
	if s.env.SteadyState() && !r.hdr.Flags.Has(FlagPersistent|FlagRuntimeAccess) {
		return fmt.Errorf("%w: %q is not a persistent runtime record", ErrWriteProtected, name)
	}
	if stored&accessMask != 0 && stored != r.hdr.Flags {
		return fmt.Errorf("%w: flags %#x differ from stored %#x", ErrInvalidParameter, uint32(stored), uint32(r.hdr.Flags))
	}
	if stored&FlagCounterAuth != 0 && auth.Counter <= r.hdr.Counter {
		return fmt.Errorf("%w: counter %d not above %d", ErrSecurityViolation, auth.Counter, r.hdr.Counter)
	}
	ts := TimestampOf(auth.Timestamp)
	if stored&FlagTimeAuth != 0 {
		if !appendWrite && !ts.After(r.hdr.Timestamp) {
			return fmt.Errorf("%w: timestamp not later than stored", ErrSecurityViolation)
		}
		if appendWrite && !ts.After(r.hdr.Timestamp) {
			auth.Timestamp = r.hdr.Timestamp.Time()
		}
	}

	if remove {
		return s.remove(l)
	}
	if appendWrite {
		if len(data) == 0 {
			return nil
		}
		data = append(append(make([]byte, 0, len(r.data)+len(data)), r.data...), data...)
	} else if stored&authMask == 0 && bytes.Equal(r.data, data) {
		return nil
	}
	return s.write(encName, ns, stored, data, auth, l)
}

// remove moves the current record and any in-transition copy to DELETED.
func (s *Store) remove(l lookup) error {
	for _, ref := range []*recordRef{l.current, l.inTransition} {
		if ref == nil {
			continue
		}
		if err := ref.arena.setState(ref.rec.off, stateDeleted); err != nil {
			return err
		}
	}
	return nil
}

// write appends a new version of a record and retires the records of l.
// When the target arena is full it is reclaimed once and the append is
// retried against the packed arena.
func (s *Store) write(name []byte, ns uuid.UUID, flags Flags, data []byte, auth AuthResult, l lookup) error {
	limit := int(s.config.MaxRecordSize)
	if flags&FlagErrorRecord != 0 {
		limit = int(s.config.MaxErrorRecordSize)
	}
	if recordHeaderSize+len(name)+len(data) > limit {
		return fmt.Errorf("%w: record of %d bytes exceeds %d", ErrInvalidParameter, recordHeaderSize+len(name)+len(data), limit)
	}

	target := s.volatile
	if flags&FlagPersistent != 0 {
		target = s.nv
	}

	enc := encodeRecord(recordHeader{
		Marker:      startMarker,
		Flags:       flags,
		Namespace:   ns,
		State:       stateAdded,
		PubKeyIndex: auth.PubKeyIndex,
		Counter:     auth.Counter,
		Timestamp:   TimestampOf(auth.Timestamp),
	}, name, data)

	old, stale := -1, -1
	if l.current != nil {
		old = l.current.rec.off
	}
	if l.inTransition != nil {
		stale = l.inTransition.rec.off
	}

	if !target.fits(flags, len(enc)) {
		s.log.Debugf("set %q: %v full, reclaiming", decodeName(name), target)
		if err := target.reclaim(&old, &stale); err != nil {
			return fmt.Errorf("reclaim failed: %w", err)
		}
		s.reclaims++
		if !target.fits(flags, len(enc)) {
			return fmt.Errorf("%w: %d bytes do not fit %v", ErrOutOfResources, len(enc), target)
		}
	}

	var extra []int
	if stale >= 0 {
		extra = []int{stale}
	}
	_, err := target.appendRecord(enc, old, extra)
	return err
}
