package nvstore

import (
	"bytes"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RecoveryReport describes what Open found on the medium.
type RecoveryReport struct {
	ActiveRegion int
	// Formatted is set when no valid region existed and the medium was
	// initialised from scratch.
	Formatted bool
	// Recovered is set when corruption was found and the arena was
	// rewritten to the other region.
	Recovered bool
	// Retired counts in-deleted-transition records whose replacement was
	// already installed; their deletion was completed.
	Retired int
	// Dropped counts records discarded by the recovery pass.
	Dropped int
	// GarbageTail is set when bytes of an incomplete append followed the
	// last record.
	GarbageTail bool
	// Err combines every corruption finding.
	Err error
}

// regionPair owns the two ping-pong regions of the medium and the choice
// of the active one. It is the mirror of the persistent arena.
type regionPair struct {
	medium Medium
	base   uint32
	size   uint32
	active int
	log    *zap.SugaredLogger
}

func regionName(i int) string {
	return string(rune('A' + i))
}

func (p *regionPair) offset(i int) uint32 {
	return p.base + uint32(i)*p.size
}

func (p *regionPair) transfer(off uint32, buf []byte, dir Direction) error {
	if err := p.medium.Transfer(off, buf, dir); err != nil {
		return fmt.Errorf("%w: %s of %d bytes at %#x: %w", ErrDeviceError, dir, len(buf), off, err)
	}
	return nil
}

func (p *regionPair) writeAt(off int, b []byte) error {
	return p.transfer(p.offset(p.active)+uint32(off), b, Write)
}

// writeImage writes a whole region image, header last, so the region
// cannot become Valid before its body is complete.
func (p *regionPair) writeImage(i int, img []byte) error {
	base := p.offset(i)
	if err := p.transfer(base+storeHeaderSize, img[storeHeaderSize:], Write); err != nil {
		return err
	}
	return p.transfer(base, img[:storeHeaderSize], Write)
}

// retire invalidates the header of region i with a single state byte write.
func (p *regionPair) retire(i int) error {
	return p.transfer(p.offset(i)+storeOffState, []byte{storeRetired}, Write)
}

func (p *regionPair) erase(i int) error {
	return p.transfer(p.offset(i), bytes.Repeat([]byte{erasedByte}, int(p.size)), Write)
}

// commit writes packed to the inactive region and retires the active one.
// Power loss at any point leaves at least one Valid region holding the
// same live records.
func (p *regionPair) commit(packed []byte) error {
	prev, next := p.active, 1-p.active
	if err := p.writeImage(next, packed); err != nil {
		return err
	}
	if err := p.retire(prev); err != nil {
		// Both regions are Valid now and the next Open picks A.
		if next == 0 {
			p.active = next
			p.log.Warnf("reclaim: region %s kept valid after retire failure: %v", regionName(prev), err)
			return nil
		}
		return err
	}
	p.active = next
	p.log.Debugf("reclaim: active region %s -> %s", regionName(prev), regionName(next))
	return nil
}

// loadPersistent selects the active region, loads it into the persistent
// arena and runs the integrity checks, recovering if needed.
//
// A medium that cannot be read fails Open with ErrDeviceError and is never
// written: the unreadable region may be the only copy of the store. Only a
// medium whose two headers are erased is formatted.
func (s *Store) loadPersistent() error {
	cfg := s.config
	p := s.regions
	report := &s.report

	var states [2]regionState
	for i := range states {
		hdr := make([]byte, storeHeaderSize)
		if err := p.transfer(p.offset(i), hdr, Read); err != nil {
			return fmt.Errorf("region %s header: %w", regionName(i), err)
		}
		states[i] = classifyRegion(hdr, cfg.Signature, cfg.RegionSize)
	}

	switch {
	case states[0] == regionValid:
		p.active = 0
	case states[1] == regionValid:
		p.active = 1
	case states[0] == regionRaw && states[1] == regionRaw:
		return s.format()
	default:
		return s.recoverLost(states)
	}
	report.ActiveRegion = p.active

	a := newArena("persistent", cfg.Signature, cfg.RegionSize, cfg.ErrorRecordStorageSize)
	if err := p.transfer(p.offset(p.active), a.buf, Read); err != nil {
		return fmt.Errorf("region %s body: %w", regionName(p.active), err)
	}
	a.mirror = p
	s.nv = a

	if p.active == 0 && states[1] == regionValid {
		s.log.Infof("init: both regions valid, retiring region B")
		if err := p.retire(1); err != nil {
			report.Err = multierr.Append(report.Err, err)
		}
	}

	corrupt := s.scanPersistent()
	if corrupt {
		s.log.Warnf("init: region %s corrupted, recovering: %v", regionName(p.active), report.Err)
		if err := a.reclaim(); err != nil {
			return fmt.Errorf("failed to rewrite recovered arena: %w", err)
		}
		s.reclaims++
		report.Recovered = true
		report.ActiveRegion = p.active
		if err := s.checkManifest(); err != nil {
			return err
		}
	}
	return nil
}

// recoverLost handles a medium that once held a store but has no Valid
// region left. Nothing can be recovered from it: with a default-key
// manifest configured the defaults are lost, so the medium is erased and
// Open fails with ErrNotFound. Without one the recovery pass yields an
// empty store, reported as Recovered.
func (s *Store) recoverLost(states [2]regionState) error {
	report := &s.report
	report.Err = multierr.Append(report.Err,
		fmt.Errorf("%w: no valid region (A=%v B=%v)", ErrVolumeCorrupted, states[0], states[1]))
	s.log.Errorf("init: no valid region on a non-erased medium")

	if len(s.config.Defaults) > 0 {
		return s.eraseLost(s.config.Defaults[0])
	}
	a := newArena("persistent", s.config.Signature, s.config.RegionSize, s.config.ErrorRecordStorageSize)
	p := s.regions
	if err := p.writeImage(0, a.buf); err != nil {
		return err
	}
	if states[1] != regionRaw {
		if err := p.erase(1); err != nil {
			return err
		}
	}
	p.active = 0
	a.mirror = p
	s.nv = a
	report.Recovered = true
	report.ActiveRegion = 0
	return nil
}

// scanPersistent validates the record chain of the freshly loaded arena.
// It reports whether the arena needs a recovery pass.
func (s *Store) scanPersistent() bool {
	a := s.nv
	report := &s.report
	corrupt := false

	added := make(map[string]int)
	var transitions []record
	off := storeHeaderSize
	for off < len(a.buf) {
		r, err := decodeRecord(a.buf, off)
		if errors.Is(err, ErrMalformed) {
			break
		}
		if err != nil {
			report.Err = multierr.Append(report.Err, err)
			corrupt = true
			break
		}
		switch {
		case r.added():
			if prev, ok := added[r.key()]; ok {
				report.Err = multierr.Append(report.Err,
					fmt.Errorf("%w: %q added at %d and %d", ErrVolumeCorrupted, r.nameString(), prev, off))
				a.buf[prev+offState] = byte(stateDeleted)
				report.Dropped++
				corrupt = true
			}
			added[r.key()] = off
		case r.inTransition():
			transitions = append(transitions, r)
		}
		a.charge(r.hdr.Flags, r.size)
		off += r.size
	}
	a.cursor = off

	if !corrupt {
		for i := len(a.buf) - 1; i >= off; i-- {
			if a.buf[i] != erasedByte {
				a.dirty = i + 1
				report.GarbageTail = true
				break
			}
		}
	}
	if tail := a.buf[off:]; !isErased(tail) {
		if corrupt {
			report.Dropped++
		}
		copy(tail, bytes.Repeat([]byte{erasedByte}, len(tail)))
	}

	for _, r := range transitions {
		if _, ok := added[r.key()]; !ok {
			continue
		}
		if corrupt {
			a.buf[r.off+offState] = byte(stateDeleted)
		} else if err := a.setState(r.off, stateDeleted); err != nil {
			report.Err = multierr.Append(report.Err, err)
			continue
		}
		report.Retired++
	}
	return corrupt
}

// format builds a fresh persistent arena holding the default records and
// writes it to region A.
func (s *Store) format() error {
	cfg := s.config
	a := newArena("persistent", cfg.Signature, cfg.RegionSize, cfg.ErrorRecordStorageSize)
	for _, d := range cfg.Defaults {
		if d.Flags&FlagPersistent == 0 {
			return fmt.Errorf("%w: default record %q is not persistent", ErrInvalidParameter, d.Name)
		}
		enc := encodeRecord(recordHeader{
			Marker:    startMarker,
			Flags:     d.Flags &^ FlagAppend,
			Namespace: d.Namespace,
			State:     stateAdded,
		}, encodeName(d.Name), d.Data)
		if !a.fits(d.Flags, len(enc)) {
			return fmt.Errorf("%w: default records exceed the region", ErrOutOfResources)
		}
		if _, err := a.appendRecord(enc, -1, nil); err != nil {
			return err
		}
	}

	p := s.regions
	if err := p.writeImage(0, a.buf); err != nil {
		return err
	}
	p.active = 0
	a.mirror = p
	s.nv = a
	s.report.Formatted = true
	s.report.ActiveRegion = 0
	s.log.Infof("init: formatted region A with %d default records", len(cfg.Defaults))
	return nil
}

// checkManifest verifies that every default record survived recovery. A
// missing one leaves the medium erased rather than serving damaged data.
func (s *Store) checkManifest() error {
	for _, d := range s.config.Defaults {
		l, err := find([]*arena{s.nv}, encodeName(d.Name), d.Namespace, nil)
		if err == nil && l.current != nil {
			continue
		}
		return s.eraseLost(d)
	}
	return nil
}

func (s *Store) eraseLost(d DefaultRecord) error {
	s.log.Errorf("init: default record %s:%q lost, erasing medium", d.Namespace, d.Name)
	for i := 0; i < 2; i++ {
		if err := s.regions.erase(i); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: default record %s:%q missing after recovery", ErrNotFound, d.Namespace, d.Name)
}
