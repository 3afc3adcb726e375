package nvstore

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
)

// Direction selects the direction of a Medium transfer.
type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// Medium is the byte-addressable non-volatile device behind the persistent
// arena. A transfer moves the whole buffer or fails; there are no partial
// transfers.
type Medium interface {
	Transfer(offset uint32, buf []byte, dir Direction) error
}

// ErrPowerLoss is returned by a MemMedium whose write budget is exhausted.
var ErrPowerLoss = errors.New("power lost")

// MemMedium is a Medium held in memory. It can simulate power loss by
// refusing every write after a given number of successful ones.
type MemMedium struct {
	mu        sync.Mutex
	data      []byte
	writes    int
	failAfter int
}

// NewMemMedium returns an erased medium of size bytes.
func NewMemMedium(size int) *MemMedium {
	return &MemMedium{data: bytes.Repeat([]byte{erasedByte}, size), failAfter: -1}
}

// NewMemMediumFrom returns a medium holding a copy of image.
func NewMemMediumFrom(image []byte) *MemMedium {
	return &MemMedium{data: append([]byte(nil), image...), failAfter: -1}
}

func (m *MemMedium) Transfer(offset uint32, buf []byte, dir Direction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := uint64(offset) + uint64(len(buf))
	if end > uint64(len(m.data)) {
		return fmt.Errorf("%s of %d bytes at %#x beyond medium size %#x", dir, len(buf), offset, len(m.data))
	}
	if dir == Read {
		copy(buf, m.data[offset:end])
		return nil
	}
	if m.failAfter == 0 {
		return ErrPowerLoss
	}
	if m.failAfter > 0 {
		m.failAfter--
	}
	copy(m.data[offset:end], buf)
	m.writes++
	return nil
}

// FailWritesAfter lets n more writes succeed; every later write fails with
// ErrPowerLoss. A negative n disables the failure.
func (m *MemMedium) FailWritesAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
}

// Writes returns the number of successful writes.
func (m *MemMedium) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Bytes returns a copy of the medium content.
func (m *MemMedium) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}
