// Package types holds the wire-level type aliases shared by every layer of
// the storage engine, mirroring the alias style of a typed key/value core.
package types

import "bytes"

// Key and Value are plain byte slices end to end; ordering is always
// bytes.Compare, never a locale-aware or type-specific comparison.
type Key = []byte
type Value = []byte

// reservedPrefix marks the key space set aside for the engine's own
// sentinel keys. User keys may never begin with this byte.
const reservedPrefix = 0x00

var (
	// HeadKey and TailKey are the reserved sentinel keys. The engine does
	// not write them; the value log's head and tail offsets are persisted
	// in the meta checkpoint instead, and recovery skips either key if it
	// meets one in the log.
	HeadKey = append([]byte{reservedPrefix}, "HEAD"...)
	TailKey = append([]byte{reservedPrefix}, "TAIL"...)
)

// IsReserved reports whether key is one of the engine's own sentinel keys
// and therefore must never be returned from, or accepted into, the public
// Put/Get/Delete surface.
func IsReserved(key Key) bool {
	return len(key) > 0 && key[0] == reservedPrefix
}

// Entry is one logical write: a key, its value (empty for a tombstone), the
// wall-clock time it was created, and whether it deletes the key.
type Entry struct {
	Key         Key
	Value       Value
	CreatedAt   uint64
	IsTombstone bool
}

// Less orders entries the same way the on-disk formats do: by key only.
func Less(a, b Key) bool {
	return bytes.Compare(a, b) < 0
}
