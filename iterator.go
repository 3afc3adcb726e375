package nvstore

import (
	"errors"

	"github.com/google/uuid"
)

// Iterator enumerates visible records with GetNext.
type Iterator struct {
	store *Store
	name  string
	ns    uuid.UUID
	err   error
}

// Iterator creates an iterator positioned before the first record.
func (s *Store) Iterator() *Iterator {
	return &Iterator{store: s}
}

// Next advances the iterator to the next record.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	name, ns, err := it.store.GetNext(it.name, it.ns)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			it.err = err
		}
		return false
	}
	it.name, it.ns = name, ns
	return true
}

// Key returns the name and namespace of the current record.
func (it *Iterator) Key() (string, uuid.UUID) {
	return it.name, it.ns
}

// Value returns the flags and data of the current record.
func (it *Iterator) Value() (Flags, []byte, error) {
	return it.store.Get(it.name, it.ns)
}

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}
