package offload

import "github.com/ttonchev/neo4j/pkg/pagecache"

// IDProvider allocates page ids for new offload entries. The generation
// pair is forwarded uninterpreted; the provider alone decides which page
// slots are safe to reuse under the tree's copy-on-write scheme.
type IDProvider interface {
	AcquireNewID(stableGeneration, unstableGeneration uint64) (uint64, error)
}

// IDValidator decides whether an offload id lies inside the currently
// addressable id space. The valid ceiling grows as pages are allocated,
// which is why the store does not track it itself.
type IDValidator interface {
	Valid(offloadID uint64) bool
}

// IDValidatorFunc adapts a plain function to an IDValidator.
type IDValidatorFunc func(offloadID uint64) bool

func (f IDValidatorFunc) Valid(offloadID uint64) bool {
	return f(offloadID)
}

// CursorFactory acquires page cursors in the requested locking mode.
// *pagecache.PagedFile is the production implementation.
type CursorFactory interface {
	Create(pageID uint64, mode pagecache.Mode) (pagecache.Cursor, error)
}

var _ CursorFactory = (*pagecache.PagedFile)(nil)

// Layout is the pluggable key/value serialization capability. The store
// never interprets key or value content, only their declared sizes.
type Layout[K, V any] interface {
	KeySize(key K) int
	ValueSize(value V) int
	WriteKey(cursor pagecache.Cursor, key K)
	WriteValue(cursor pagecache.Cursor, value V)
	ReadKey(cursor pagecache.Cursor, into *K, keySize int)
	ReadValue(cursor pagecache.Cursor, into *V, valueSize int)
}
