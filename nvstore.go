package nvstore

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Open opens a Store on m, loading the active persistent region or
// formatting the medium when it is erased.
func Open(m Medium, opts ...ConfOption) (*Store, error) {
	config, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}
	return open(m, config)
}

// OpenFile opens a Store on a memory-mapped image file, creating it
// erased when it does not exist.
func OpenFile(path string, opts ...ConfOption) (*Store, error) {
	config, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}
	size := int64(config.RegionBase) + 2*int64(config.RegionSize)
	m, err := OpenFileMedium(path, size, config.SyncWrites)
	if err != nil {
		return nil, err
	}
	s, err := open(m, config)
	if err != nil {
		m.Close()
		return nil, err
	}
	return s, nil
}

func open(m Medium, config *Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	env := config.Environment
	if env == nil {
		env = &Phase{}
	}
	locker := config.Locker
	if locker == nil {
		locker = &sync.Mutex{}
	}

	s := &Store{
		config:   config,
		log:      logger.Sugar().With("component", "nvstore"),
		env:      env,
		locker:   locker,
		verifier: config.Verifier,
		medium:   m,
		volatile: newArena("volatile", config.Signature, config.VolatileSize, 0),
	}
	s.regions = &regionPair{
		medium: m,
		base:   config.RegionBase,
		size:   config.RegionSize,
		log:    s.log,
	}

	if err := s.loadPersistent(); err != nil {
		return nil, fmt.Errorf("failed to load persistent store: %w", err)
	}
	s.log.Infof("opened: region %s active, %v", regionName(s.regions.active), s.nv)
	return s, nil
}

func (s *Store) arenas() []*arena {
	return []*arena{s.volatile, s.nv}
}

// lock takes the setup-phase lock. In steady state it is a no-op.
func (s *Store) lock() func() {
	if s.env.SteadyState() {
		return func() {}
	}
	s.locker.Lock()
	return s.locker.Unlock
}

// visibility hides records without runtime access once in steady state.
func (s *Store) visibility() visibility {
	if !s.env.SteadyState() {
		return nil
	}
	return func(r record) bool {
		return r.hdr.Flags&FlagRuntimeAccess != 0
	}
}

func (s *Store) get(name string, ns uuid.UUID) (record, error) {
	if err := checkName(name); err != nil {
		return record{}, err
	}
	if ns == uuid.Nil {
		return record{}, fmt.Errorf("%w: missing namespace", ErrInvalidParameter)
	}
	l, err := find(s.arenas(), encodeName(name), ns, s.visibility())
	if err != nil {
		return record{}, err
	}
	if l.current == nil {
		return record{}, ErrNotFound
	}
	return l.current.rec, nil
}

// Get returns the flags and a copy of the data of a record.
func (s *Store) Get(name string, ns uuid.UUID) (Flags, []byte, error) {
	defer s.lock()()

	r, err := s.get(name, ns)
	if err != nil {
		return 0, nil, err
	}
	return r.hdr.Flags, append([]byte(nil), r.data...), nil
}

// GetInto copies the data of a record into buf. When buf is too small the
// error is a *BufferTooSmallError carrying the data size.
func (s *Store) GetInto(name string, ns uuid.UUID, buf []byte) (Flags, int, error) {
	defer s.lock()()

	r, err := s.get(name, ns)
	if err != nil {
		return 0, 0, err
	}
	if len(buf) < len(r.data) {
		return r.hdr.Flags, 0, &BufferTooSmallError{Required: len(r.data)}
	}
	return r.hdr.Flags, copy(buf, r.data), nil
}

// Set creates, replaces, appends to or deletes a record. Empty data
// without FlagAppend, or flags without any access bit, delete it.
//
// A Set that fails with ErrDeviceError may still have made the new value
// durable.
func (s *Store) Set(name string, ns uuid.UUID, flags Flags, data []byte) error {
	defer s.lock()()

	return s.set(name, ns, flags, data)
}

func (s *Store) next(lastName string, lastNS uuid.UUID) (record, error) {
	var encName []byte
	if lastName != "" {
		if err := checkName(lastName); err != nil {
			return record{}, err
		}
		if lastNS == uuid.Nil {
			return record{}, fmt.Errorf("%w: missing namespace", ErrInvalidParameter)
		}
		encName = encodeName(lastName)
	}
	ref, err := findNext(s.arenas(), encName, lastNS, s.visibility())
	if err != nil {
		return record{}, err
	}
	return ref.rec, nil
}

// GetNext returns the key that follows (lastName, lastNS). An empty
// lastName starts the enumeration; ErrNotFound ends it.
func (s *Store) GetNext(lastName string, lastNS uuid.UUID) (string, uuid.UUID, error) {
	defer s.lock()()

	r, err := s.next(lastName, lastNS)
	if err != nil {
		return "", uuid.Nil, err
	}
	return r.nameString(), r.hdr.Namespace, nil
}

// GetNextName is GetNext writing the raw NUL-terminated UTF-16LE name
// into buf. It returns the number of bytes written.
func (s *Store) GetNextName(buf []byte, lastName string, lastNS uuid.UUID) (int, uuid.UUID, error) {
	defer s.lock()()

	r, err := s.next(lastName, lastNS)
	if err != nil {
		return 0, uuid.Nil, err
	}
	if len(buf) < len(r.name) {
		return 0, uuid.Nil, &BufferTooSmallError{Required: len(r.name)}
	}
	return copy(buf, r.name), r.hdr.Namespace, nil
}

// QueryInfo reports the storage budget of the class selected by flags.
func (s *Store) QueryInfo(flags Flags) (Info, error) {
	defer s.lock()()

	switch {
	case flags&^flagsMask != 0:
		return Info{}, fmt.Errorf("%w: reserved flags", ErrInvalidParameter)
	case flags&accessMask == 0:
		return Info{}, fmt.Errorf("%w: no access flags", ErrInvalidParameter)
	case flags&FlagRuntimeAccess != 0 && flags&FlagSetupAccess == 0:
		return Info{}, fmt.Errorf("%w: runtime access without setup access", ErrInvalidParameter)
	case flags.Has(authMask):
		return Info{}, fmt.Errorf("%w: both authentication variants", ErrInvalidParameter)
	case s.env.SteadyState() && flags&FlagRuntimeAccess == 0:
		return Info{}, fmt.Errorf("%w: setup-only class queried in steady state", ErrInvalidParameter)
	}

	if flags&FlagErrorRecord != 0 {
		if !flags.Has(FlagPersistent | FlagSetupAccess | FlagRuntimeAccess) {
			return Info{}, fmt.Errorf("%w: error records are persistent runtime records", ErrInvalidParameter)
		}
		if s.nv.errorBudget == 0 {
			return Info{}, fmt.Errorf("%w: error record storage disabled", ErrUnsupported)
		}
		return Info{
			MaxStorage:       uint64(s.nv.errorBudget),
			RemainingStorage: uint64(s.nv.errorBudget - s.nv.liveBytes(true)),
			MaxRecordSize:    uint64(s.config.MaxErrorRecordSize - recordHeaderSize),
		}, nil
	}

	a := s.volatile
	if flags&FlagPersistent != 0 {
		a = s.nv
	}
	return Info{
		MaxStorage:       uint64(a.commonBudget),
		RemainingStorage: uint64(a.commonBudget - a.liveBytes(false)),
		MaxRecordSize:    uint64(s.config.MaxRecordSize - recordHeaderSize),
	}, nil
}

// Stats returns the store counters.
func (s *Store) Stats() Stats {
	defer s.lock()()

	return Stats{
		Reclaims:             s.reclaims,
		PersistentGeneration: s.nv.generation,
		VolatileGeneration:   s.volatile.generation,
		PersistentCursor:     s.nv.cursor,
		VolatileCursor:       s.volatile.cursor,
		ActiveRegion:         s.regions.active,
	}
}

// Report returns what Open found on the medium.
func (s *Store) Report() RecoveryReport {
	defer s.lock()()

	return s.report
}

// Snapshot writes the image of the persistent arena to w.
func (s *Store) Snapshot(w io.Writer) error {
	defer s.lock()()

	if _, err := w.Write(s.nv.buf); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// Close closes the medium when it is closable.
func (s *Store) Close() error {
	defer s.lock()()

	if c, ok := s.medium.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("failed to close medium: %w", err)
		}
	}
	return nil
}
