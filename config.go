package nvstore

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ConfOption func(*Config)

// Config is the configuration for a Store instance.
type Config struct {
	RegionSize             uint32
	RegionBase             uint32
	VolatileSize           uint32
	MaxRecordSize          uint32
	MaxErrorRecordSize     uint32
	ErrorRecordStorageSize uint32
	Signature              uuid.UUID
	Defaults               []DefaultRecord
	SyncWrites             bool

	Logger      *zap.Logger
	Verifier    Verifier
	Environment Environment
	Locker      sync.Locker
}

// DefaultRecord is an entry of the default-key manifest. Every default
// record is written when a medium is formatted and must still exist after
// a recovery pass.
type DefaultRecord struct {
	Namespace uuid.UUID
	Name      string
	Flags     Flags
	Data      []byte
}

const (
	// DefaultRegionSize is the default size of each ping-pong region.
	DefaultRegionSize = 0x10000
	// DefaultVolatileSize is the default size of the volatile arena.
	DefaultVolatileSize = 0x10000
	// DefaultMaxRecordSize is the default limit of header+name+data of a common record.
	DefaultMaxRecordSize = 0x400
	// DefaultMaxErrorRecordSize is the default limit of an error-class record.
	DefaultMaxErrorRecordSize = 0x1000
)

// DefaultSignature identifies a store formatted by this package.
var DefaultSignature = uuid.MustParse("aaf32c78-947b-439a-a180-2e144ec37792")

// RegionSize sets the size of each of the two persistent regions.
func RegionSize(size uint32) ConfOption {
	return func(c *Config) {
		c.RegionSize = size
	}
}

// RegionBase sets the medium offset of Region A. Region B follows it.
func RegionBase(base uint32) ConfOption {
	return func(c *Config) {
		c.RegionBase = base
	}
}

// VolatileSize sets the size of the volatile arena.
func VolatileSize(size uint32) ConfOption {
	return func(c *Config) {
		c.VolatileSize = size
	}
}

// MaxRecordSize sets the largest header+name+data size of a common record.
func MaxRecordSize(size uint32) ConfOption {
	return func(c *Config) {
		c.MaxRecordSize = size
	}
}

// MaxErrorRecordSize sets the largest size of an error-class record.
func MaxErrorRecordSize(size uint32) ConfOption {
	return func(c *Config) {
		c.MaxErrorRecordSize = size
	}
}

// ErrorRecordStorageSize reserves part of each persistent region for
// error-class records. Zero disables the class.
func ErrorRecordStorageSize(size uint32) ConfOption {
	return func(c *Config) {
		c.ErrorRecordStorageSize = size
	}
}

// Signature sets the namespace signature expected in region headers.
func Signature(sig uuid.UUID) ConfOption {
	return func(c *Config) {
		c.Signature = sig
	}
}

// Defaults sets the default-key manifest.
func Defaults(records ...DefaultRecord) ConfOption {
	return func(c *Config) {
		c.Defaults = append(c.Defaults, records...)
	}
}

// SyncWrites sets whether file-backed media flush every write.
func SyncWrites(sync bool) ConfOption {
	return func(c *Config) {
		c.SyncWrites = sync
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ConfOption {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithVerifier sets the collaborator that checks authenticated writes.
func WithVerifier(v Verifier) ConfOption {
	return func(c *Config) {
		c.Verifier = v
	}
}

// WithEnvironment sets the phase query.
func WithEnvironment(env Environment) ConfOption {
	return func(c *Config) {
		c.Environment = env
	}
}

// WithLocker sets the lock taken around every call during the setup phase.
func WithLocker(l sync.Locker) ConfOption {
	return func(c *Config) {
		c.Locker = l
	}
}

// newConfig applies opts to the default configuration and validates the
// result.
func newConfig(opts ...ConfOption) (*Config, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		RegionSize:         DefaultRegionSize,
		VolatileSize:       DefaultVolatileSize,
		MaxRecordSize:      DefaultMaxRecordSize,
		MaxErrorRecordSize: DefaultMaxErrorRecordSize,
		Signature:          DefaultSignature,
	}
}

func (c *Config) validate() error {
	minSize := uint32(storeHeaderSize + recordHeaderSize)
	if c.RegionSize < minSize || c.VolatileSize < minSize {
		return fmt.Errorf("%w: arena smaller than %d bytes", ErrInvalidParameter, minSize)
	}
	if c.RegionSize%recordAlignment != 0 || c.VolatileSize%recordAlignment != 0 {
		return fmt.Errorf("%w: arena size not %d-byte aligned", ErrInvalidParameter, recordAlignment)
	}
	if c.ErrorRecordStorageSize > c.RegionSize-storeHeaderSize {
		return fmt.Errorf("%w: error record storage exceeds region", ErrInvalidParameter)
	}
	if uint64(c.RegionBase)+2*uint64(c.RegionSize) > 1<<32 {
		return fmt.Errorf("%w: regions exceed 32-bit medium offsets", ErrInvalidParameter)
	}
	if c.MaxRecordSize <= recordHeaderSize || c.MaxErrorRecordSize <= recordHeaderSize {
		return fmt.Errorf("%w: max record size below header size", ErrInvalidParameter)
	}
	for _, d := range c.Defaults {
		if err := checkName(d.Name); err != nil {
			return fmt.Errorf("default record: %w", err)
		}
		if d.Namespace == uuid.Nil {
			return fmt.Errorf("%w: default record %q has no namespace", ErrInvalidParameter, d.Name)
		}
	}
	return nil
}
