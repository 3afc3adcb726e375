package nvstore

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Store is a persistent named-record store. It keeps a volatile arena that
// is rebuilt on every Open and a persistent arena mirrored onto one of two
// ping-pong regions of a Medium.
type Store struct {
	config   *Config
	log      *zap.SugaredLogger
	env      Environment
	locker   sync.Locker
	verifier Verifier

	volatile *arena
	nv       *arena
	regions  *regionPair
	medium   Medium

	reclaims int
	report   RecoveryReport
}

// Flags is the storage-class bitmask of a record.
type Flags uint32

const (
	// FlagPersistent records live in the persistent arena and survive power loss.
	FlagPersistent Flags = 0x01
	// FlagSetupAccess makes a record visible during the setup phase.
	FlagSetupAccess Flags = 0x02
	// FlagRuntimeAccess makes a record visible after the transition to steady state.
	FlagRuntimeAccess Flags = 0x04
	// FlagErrorRecord puts a record in the error-record class, which has its own budget.
	FlagErrorRecord Flags = 0x08
	// FlagCounterAuth marks a write authenticated by a monotonic counter.
	FlagCounterAuth Flags = 0x10
	// FlagTimeAuth marks a write authenticated by a timestamp.
	FlagTimeAuth Flags = 0x20
	// FlagAppend requests that data be appended to the stored value.
	FlagAppend Flags = 0x40

	flagsMask  = FlagPersistent | FlagSetupAccess | FlagRuntimeAccess | FlagErrorRecord | FlagCounterAuth | FlagTimeAuth | FlagAppend
	accessMask = FlagSetupAccess | FlagRuntimeAccess
	authMask   = FlagCounterAuth | FlagTimeAuth
)

// Has reports whether every bit of f2 is set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Info is the result of QueryInfo.
type Info struct {
	MaxStorage       uint64
	RemainingStorage uint64
	MaxRecordSize    uint64
}

// Stats reports counters maintained by the store.
type Stats struct {
	Reclaims             int
	PersistentGeneration uint64
	VolatileGeneration   uint64
	PersistentCursor     int
	VolatileCursor       int
	ActiveRegion         int
}

var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrNotFound          = errors.New("record not found")
	ErrBufferTooSmall    = errors.New("buffer too small")
	ErrOutOfResources    = errors.New("out of resources")
	ErrWriteProtected    = errors.New("write protected")
	ErrDeviceError       = errors.New("device error")
	ErrVolumeCorrupted   = errors.New("volume corrupted")
	ErrSecurityViolation = errors.New("security violation")
	ErrUnsupported       = errors.New("unsupported")

	// ErrMalformed is returned by the record decoder when no start marker is
	// present. It ends a record chain and is not a corruption.
	ErrMalformed = errors.New("malformed record")
)

// BufferTooSmallError is returned when a caller supplied buffer cannot hold
// the result. Required is the size needed.
type BufferTooSmallError struct {
	Required int
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("buffer too small: %d bytes required", e.Required)
}

func (e *BufferTooSmallError) Is(target error) bool {
	return target == ErrBufferTooSmall
}
