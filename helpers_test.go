package nvstore

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testRegionSize = 0x1000

var (
	ns1 = uuid.MustParse("8be4df61-93ca-11d2-aa0d-00e098032b8c")
	ns2 = uuid.MustParse("d719b2cb-3d3a-4596-a3bc-dad00e67656f")

	nvFlags  = FlagPersistent | FlagSetupAccess | FlagRuntimeAccess
	volFlags = FlagSetupAccess | FlagRuntimeAccess
)

func newTestMedium() *MemMedium {
	return NewMemMedium(2 * testRegionSize)
}

func openMem(t *testing.T, m Medium, opts ...ConfOption) *Store {
	t.Helper()
	opts = append([]ConfOption{RegionSize(testRegionSize), VolatileSize(testRegionSize)}, opts...)
	s, err := Open(m, opts...)
	require.NoError(t, err)
	return s
}

// addRecord appends a record in the given state to a bare arena.
func addRecord(t *testing.T, a *arena, name string, ns uuid.UUID, flags Flags, data string, state recordState) int {
	t.Helper()
	enc := encodeRecord(recordHeader{
		Marker:    startMarker,
		Flags:     flags,
		Namespace: ns,
		State:     state,
	}, encodeName(name), []byte(data))
	require.True(t, a.fits(flags, len(enc)))
	off, err := a.appendRecord(enc, -1, nil)
	require.NoError(t, err)
	return off
}

// states lists the state of every record of a for (name, ns) in chain order.
func states(t *testing.T, a *arena, name string, ns uuid.UUID) []recordState {
	t.Helper()
	var out []recordState
	require.NoError(t, a.walk(func(r record) bool {
		if r.matches(encodeName(name), ns) {
			out = append(out, r.hdr.State)
		}
		return true
	}))
	return out
}

func countAdded(t *testing.T, s *Store, name string, ns uuid.UUID) int {
	t.Helper()
	n := 0
	for _, a := range s.arenas() {
		for _, st := range states(t, a, name, ns) {
			if st == stateAdded {
				n++
			}
		}
	}
	return n
}

// regionImage returns a copy of region i of m.
func regionImage(m *MemMedium, i int) []byte {
	b := m.Bytes()
	return b[i*testRegionSize : (i+1)*testRegionSize]
}

var errBusTimeout = errors.New("bus timeout")

// failReadMedium fails the read with index failAt (0-based) and passes
// every other transfer through.
type failReadMedium struct {
	*MemMedium
	failAt int
	reads  int
}

func (m *failReadMedium) Transfer(offset uint32, buf []byte, dir Direction) error {
	if dir == Read {
		n := m.reads
		m.reads++
		if n == m.failAt {
			return errBusTimeout
		}
	}
	return m.MemMedium.Transfer(offset, buf, dir)
}
