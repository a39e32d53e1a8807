package offload

import "github.com/ttonchev/neo4j/pkg/pagecache"

var _ Layout[[]byte, []byte] = BytesLayout{}

// BytesLayout treats keys and values as uninterpreted byte slices.
type BytesLayout struct{}

func (BytesLayout) KeySize(key []byte) int {
	return len(key)
}

func (BytesLayout) ValueSize(value []byte) int {
	return len(value)
}

func (BytesLayout) WriteKey(cursor pagecache.Cursor, key []byte) {
	cursor.PutBytes(key)
}

func (BytesLayout) WriteValue(cursor pagecache.Cursor, value []byte) {
	cursor.PutBytes(value)
}

func (BytesLayout) ReadKey(cursor pagecache.Cursor, into *[]byte, keySize int) {
	buf := make([]byte, keySize)
	cursor.GetBytes(buf)
	*into = buf
}

func (BytesLayout) ReadValue(cursor pagecache.Cursor, into *[]byte, valueSize int) {
	buf := make([]byte, valueSize)
	cursor.GetBytes(buf)
	*into = buf
}
