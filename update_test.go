package nvstore

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := openMem(t, newTestMedium())
	rng := rand.New(rand.NewSource(1))

	flagSets := []Flags{nvFlags, volFlags, FlagSetupAccess, FlagPersistent | FlagSetupAccess}
	for i := 0; i < 50; i++ {
		name := fmt.Sprintf("Var%03d", i)
		ns := uuid.New()
		flags := flagSets[i%len(flagSets)]
		data := make([]byte, 1+rng.Intn(64))
		rng.Read(data)

		set := flags
		if i%3 == 0 {
			set |= FlagAppend
		}
		require.NoError(t, s.Set(name, ns, set, data))

		gotFlags, got, err := s.Get(name, ns)
		require.NoError(t, err)
		assert.Equal(t, flags, gotFlags)
		assert.Equal(t, data, got)
	}
}

func TestSetValidation(t *testing.T) {
	s := openMem(t, newTestMedium())

	cases := []struct {
		name  string
		ns    uuid.UUID
		flags Flags
	}{
		{"", ns1, nvFlags},
		{"Foo", uuid.Nil, nvFlags},
		{"Foo", ns1, nvFlags | 0x100},
		{"Foo", ns1, FlagPersistent | FlagRuntimeAccess},
		{"Foo", ns1, nvFlags | FlagCounterAuth | FlagTimeAuth},
		{"Foo", ns1, FlagPersistent | FlagSetupAccess | FlagErrorRecord},
		// error class disabled by default
		{"HwErrRec0001", ns1, nvFlags | FlagErrorRecord},
	}
	for _, c := range cases {
		err := s.Set(c.name, c.ns, c.flags, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidParameter, "%q %#x", c.name, uint32(c.flags))
	}

	_, _, err := s.Get("", ns1)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, _, err = s.Get("Foo", uuid.Nil)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestNamesMustRoundTrip(t *testing.T) {
	s := openMem(t, newTestMedium())

	for _, name := range []string{"A\x00B", "Tail\x00", "\xffBad"} {
		assert.ErrorIs(t, s.Set(name, ns1, nvFlags, []byte("x")), ErrInvalidParameter, "%q", name)
		_, _, err := s.Get(name, ns1)
		assert.ErrorIs(t, err, ErrInvalidParameter, "%q", name)
		_, _, err = s.GetNext(name, ns1)
		assert.ErrorIs(t, err, ErrInvalidParameter, "%q", name)
	}

	require.NoError(t, s.Set("A", ns1, nvFlags, []byte("a")))
	require.NoError(t, s.Set("Zed", ns1, nvFlags, []byte("z")))
	require.NoError(t, s.Set("Über", ns1, volFlags, []byte("u")))

	var names []string
	it := s.Iterator()
	for it.Next() {
		name, _ := it.Key()
		names = append(names, name)
		_, _, err := it.Value()
		require.NoError(t, err)
	}
	require.NoError(t, it.Err())
	assert.ElementsMatch(t, []string{"A", "Zed", "Über"}, names)

	_, err := Open(newTestMedium(), RegionSize(testRegionSize), VolatileSize(testRegionSize),
		Defaults(DefaultRecord{Namespace: ns1, Name: "La\x00ng", Flags: nvFlags, Data: []byte("en")}))
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestDelete(t *testing.T) {
	s := openMem(t, newTestMedium())

	assert.ErrorIs(t, s.Set("Foo", ns1, nvFlags, nil), ErrNotFound)

	require.NoError(t, s.Set("Foo", ns1, nvFlags, []byte("bar")))
	require.NoError(t, s.Set("Foo", ns1, nvFlags, nil))
	_, _, err := s.Get("Foo", ns1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Set("Foo", ns1, nvFlags, nil), ErrNotFound)
	assert.Equal(t, []recordState{stateDeleted}, states(t, s.nv, "Foo", ns1))

	// no access flags also deletes, whatever the data
	require.NoError(t, s.Set("Bar", ns1, volFlags, []byte("x")))
	require.NoError(t, s.Set("Bar", ns1, 0, []byte("ignored")))
	_, _, err = s.Get("Bar", ns1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRetiresInTransitionCopy(t *testing.T) {
	s := openMem(t, newTestMedium())
	addRecord(t, s.nv, "Foo", ns1, nvFlags, "old", stateInTransition)
	addRecord(t, s.nv, "Foo", ns1, nvFlags, "new", stateAdded)

	require.NoError(t, s.Set("Foo", ns1, nvFlags, nil))
	assert.Equal(t, []recordState{stateDeleted, stateDeleted}, states(t, s.nv, "Foo", ns1))
}

func TestAppend(t *testing.T) {
	s := openMem(t, newTestMedium())

	// nothing to append to
	require.NoError(t, s.Set("Log", ns1, nvFlags|FlagAppend, nil))
	_, _, err := s.Get("Log", ns1)
	assert.ErrorIs(t, err, ErrNotFound)

	var want []byte
	for _, chunk := range []string{"a", "bc", "def", "ghij"} {
		require.NoError(t, s.Set("Log", ns1, nvFlags|FlagAppend, []byte(chunk)))
		want = append(want, chunk...)
	}
	flags, got, err := s.Get("Log", ns1)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, nvFlags, flags)
	assert.Equal(t, 1, countAdded(t, s, "Log", ns1))

	cursor := s.nv.cursor
	require.NoError(t, s.Set("Log", ns1, nvFlags|FlagAppend, nil))
	assert.Equal(t, cursor, s.nv.cursor)
	_, got, _ = s.Get("Log", ns1)
	assert.Equal(t, want, got)

	big := bytes.Repeat([]byte{1}, DefaultMaxRecordSize)
	assert.ErrorIs(t, s.Set("Log", ns1, nvFlags|FlagAppend, big), ErrInvalidParameter)
}

func TestFlagsFixedForKey(t *testing.T) {
	s := openMem(t, newTestMedium())
	require.NoError(t, s.Set("Foo", ns1, nvFlags, []byte("a")))
	assert.ErrorIs(t, s.Set("Foo", ns1, volFlags, []byte("b")), ErrInvalidParameter)
	assert.ErrorIs(t, s.Set("Foo", ns1, FlagPersistent|FlagSetupAccess, nil), ErrInvalidParameter)
	require.NoError(t, s.Set("Foo", ns1, nvFlags|FlagAppend, []byte("b")))
	_, got, err := s.Get("Foo", ns1)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(got))
}

func TestSetIdenticalIsNoop(t *testing.T) {
	m := newTestMedium()
	s := openMem(t, m)
	require.NoError(t, s.Set("Foo", ns1, nvFlags, []byte("bar")))
	writes, cursor := m.Writes(), s.nv.cursor

	require.NoError(t, s.Set("Foo", ns1, nvFlags, []byte("bar")))
	assert.Equal(t, writes, m.Writes())
	assert.Equal(t, cursor, s.nv.cursor)
}

func TestMaxRecordSize(t *testing.T) {
	s := openMem(t, newTestMedium(), MaxRecordSize(128))
	name := encodeName("Foo")
	fit := bytes.Repeat([]byte{7}, 128-recordHeaderSize-len(name))
	require.NoError(t, s.Set("Foo", ns1, nvFlags, fit))
	assert.ErrorIs(t, s.Set("Bar", ns1, nvFlags, append(fit, 0)), ErrInvalidParameter)

	info, err := s.QueryInfo(nvFlags)
	require.NoError(t, err)
	assert.Equal(t, uint64(128-recordHeaderSize), info.MaxRecordSize)
}

func TestReplaceStateTransitions(t *testing.T) {
	m := newTestMedium()
	s := openMem(t, m)
	require.NoError(t, s.Set("Foo", ns1, nvFlags, []byte("bar")))
	writes := m.Writes()

	require.NoError(t, s.Set("Foo", ns1, nvFlags, []byte("baz")))
	// body, old to in-transition, start marker, old to deleted
	assert.Equal(t, writes+4, m.Writes())
	assert.Equal(t, []recordState{stateDeleted, stateAdded}, states(t, s.nv, "Foo", ns1))

	_, got, err := s.Get("Foo", ns1)
	require.NoError(t, err)
	assert.Equal(t, "baz", string(got))
}

func TestScenarioReclaimOnFullArena(t *testing.T) {
	s := openMem(t, newTestMedium())
	require.NoError(t, s.Set("Foo", ns1, nvFlags, []byte("bar")))
	require.NoError(t, s.Set("Foo", ns1, nvFlags, []byte("baz")))

	s.nv.commonUsed = s.nv.commonBudget
	require.NoError(t, s.Set("Foo", ns1, nvFlags, []byte("qux")))

	st := s.Stats()
	assert.Equal(t, 1, st.Reclaims)
	assert.Equal(t, uint64(1), st.PersistentGeneration)
	assert.Equal(t, 1, st.ActiveRegion)
	assert.Equal(t, []recordState{stateDeleted, stateAdded}, states(t, s.nv, "Foo", ns1))
	_, got, err := s.Get("Foo", ns1)
	require.NoError(t, err)
	assert.Equal(t, "qux", string(got))
}

func TestOutOfResources(t *testing.T) {
	// room for two 80-byte records only
	s := openMem(t, newTestMedium(), RegionSize(256), VolatileSize(256))
	require.NoError(t, s.Set("Aaa", ns1, nvFlags, []byte("111")))
	require.NoError(t, s.Set("Bbb", ns1, nvFlags, []byte("222")))

	err := s.Set("Ccc", ns1, nvFlags, []byte("333"))
	assert.ErrorIs(t, err, ErrOutOfResources)
	assert.Equal(t, 1, s.Stats().Reclaims)

	// replacing still works once the old copy is reclaimed
	require.NoError(t, s.Set("Aaa", ns1, nvFlags, nil))
	require.NoError(t, s.Set("Ccc", ns1, nvFlags, []byte("333")))
	assert.Equal(t, 2, s.Stats().Reclaims)

	_, got, err := s.Get("Bbb", ns1)
	require.NoError(t, err)
	assert.Equal(t, "222", string(got))
}

func TestErrorRecordBudget(t *testing.T) {
	s := openMem(t, newTestMedium(), ErrorRecordStorageSize(180))
	errFlags := nvFlags | FlagErrorRecord

	require.NoError(t, s.Set("HwErr1", ns1, errFlags, []byte("e")))
	require.NoError(t, s.Set("HwErr2", ns1, errFlags, []byte("e")))
	assert.ErrorIs(t, s.Set("HwErr3", ns1, errFlags, []byte("e")), ErrOutOfResources)

	// the common budget is separate
	require.NoError(t, s.Set("Common", ns1, nvFlags, []byte("c")))

	info, err := s.QueryInfo(errFlags)
	require.NoError(t, err)
	assert.Equal(t, uint64(180), info.MaxStorage)
	assert.Less(t, info.RemainingStorage, uint64(80))
}

func TestAtMostOneAdded(t *testing.T) {
	s := openMem(t, newTestMedium(), RegionSize(1024), VolatileSize(1024))
	rng := rand.New(rand.NewSource(7))
	keys := []string{"K0", "K1", "K2", "K3"}
	live := map[string][]byte{}

	for i := 0; i < 400; i++ {
		k := keys[rng.Intn(len(keys))]
		var data []byte
		if rng.Intn(4) != 0 {
			data = []byte(fmt.Sprintf("v%d", i))
		}
		err := s.Set(k, ns1, nvFlags, data)
		switch {
		case data == nil && live[k] == nil:
			require.ErrorIs(t, err, ErrNotFound)
		default:
			require.NoError(t, err)
			live[k] = data
		}
		for _, key := range keys {
			require.LessOrEqual(t, countAdded(t, s, key, ns1), 1)
		}
	}
	assert.Greater(t, s.Stats().Reclaims, 0)

	for _, k := range keys {
		_, got, err := s.Get(k, ns1)
		if live[k] == nil {
			assert.ErrorIs(t, err, ErrNotFound)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, live[k], got)
	}
}

func TestReclaimPreservesStoreContent(t *testing.T) {
	s := openMem(t, newTestMedium())
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("K%d", i%7), ns1, nvFlags, []byte(fmt.Sprint(i))))
	}
	require.NoError(t, s.Set("K3", ns1, nvFlags, nil))

	before := map[string][]byte{}
	it := s.Iterator()
	for it.Next() {
		name, ns := it.Key()
		_, data, err := it.Value()
		require.NoError(t, err)
		before[ns.String()+name] = data
	}
	require.NoError(t, it.Err())
	free := len(s.nv.buf) - s.nv.cursor

	require.NoError(t, s.nv.reclaim())
	assert.Greater(t, len(s.nv.buf)-s.nv.cursor, free)

	for key, data := range before {
		name := key[len(ns1.String()):]
		_, got, err := s.Get(name, ns1)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
	_, _, err := s.Get("K3", ns1)
	assert.True(t, errors.Is(err, ErrNotFound))
}

type countingLocker struct {
	sync.Mutex
	locks int
}

func (l *countingLocker) Lock() {
	l.locks++
	l.Mutex.Lock()
}

func TestSteadyStatePolicy(t *testing.T) {
	phase := &Phase{}
	locker := &countingLocker{}
	s := openMem(t, newTestMedium(), WithEnvironment(phase), WithLocker(locker))

	require.NoError(t, s.Set("Boot", ns1, FlagPersistent|FlagSetupAccess, []byte("b")))
	require.NoError(t, s.Set("Run", ns1, nvFlags, []byte("r")))
	require.NoError(t, s.Set("Vol", ns1, volFlags, []byte("v")))
	assert.Equal(t, 3, locker.locks)

	phase.EnterSteadyState()

	_, _, err := s.Get("Boot", ns1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, got, err := s.Get("Run", ns1)
	require.NoError(t, err)
	assert.Equal(t, "r", string(got))

	assert.ErrorIs(t, s.Set("Boot", ns1, FlagPersistent|FlagSetupAccess, []byte("x")), ErrWriteProtected)
	assert.ErrorIs(t, s.Set("Vol", ns1, volFlags, []byte("x")), ErrWriteProtected)
	assert.ErrorIs(t, s.Set("New", ns1, volFlags, []byte("x")), ErrInvalidParameter)
	require.NoError(t, s.Set("New", ns1, nvFlags, []byte("n")))
	require.NoError(t, s.Set("Run", ns1, nvFlags, []byte("r2")))

	_, err = s.QueryInfo(FlagPersistent | FlagSetupAccess)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	var names []string
	it := s.Iterator()
	for it.Next() {
		name, _ := it.Key()
		names = append(names, name)
	}
	require.NoError(t, it.Err())
	assert.ElementsMatch(t, []string{"Vol", "Run", "New"}, names)

	assert.Equal(t, 3, locker.locks)
}

func TestReportTakesLock(t *testing.T) {
	locker := &countingLocker{}
	s := openMem(t, newTestMedium(), WithLocker(locker))
	s.Report()
	assert.Equal(t, 1, locker.locks)
}
