package engine

import "errors"

// Lookup-outcome errors, the Go rendition of the source's
// StorageEngineError taxonomy via errors.New/fmt.Errorf("%w") rather than
// a generated enum — Go has no equivalent of a derive-macro error enum, so
// sentinel values plus wrapping is the idiomatic substitute.
var (
	// ErrNotFoundInDB is returned by Get when no tier — active memtable,
	// immutable memtables, or any candidate SST — holds the key at all.
	ErrNotFoundInDB = errors.New("engine: key not found")

	// ErrKeyDeleted is returned by Get when the most recent record for a
	// key, wherever it was found, is a tombstone.
	ErrKeyDeleted = errors.New("engine: key was deleted")

	// ErrKeyNotFoundInAnySSTable is returned internally when the KeyRange
	// and Bloom-filter indices rule out every table.
	ErrKeyNotFoundInAnySSTable = errors.New("engine: key not found in any sstable")

	// ErrReservedKey is returned by Put/Delete/Update when the caller
	// supplies a key using the engine's own reserved sentinel prefix.
	ErrReservedKey = errors.New("engine: key uses the reserved internal prefix")

	// ErrClosed is returned by any call made after Close.
	ErrClosed = errors.New("engine: closed")
)
