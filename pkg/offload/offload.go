// Package offload stores keys and values too large to fit inside a fixed
// size tree node in dedicated pages of the backing file. An offloaded entry
// is referenced from the node by its page id and laid out as
//
//	u32 keySize | u32 valueSize | key bytes | value bytes
//
// starting at the page's first byte. Reads are optimistic and retryable:
// a reader racing a concurrent writer loops until the page cache confirms a
// consistent snapshot, never decoding torn bytes as a key or value. Writes
// always target a freshly allocated page and hold exclusive access, so no
// retry applies to them.
package offload

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/ttonchev/neo4j/pkg/pagecache"
)

// fixed header fields reserved at the start of every offload page
const (
	sizeKeySize   = 4
	sizeValueSize = 4
)

// MaxEntrySize returns the largest combined key+value size one page of the
// given size can hold; the two fixed header fields claim the rest.
func MaxEntrySize(pageSize int) int {
	return pageSize - sizeKeySize - sizeValueSize
}

// Store reads and writes offloaded entries. K and V are opaque; all
// serialization goes through the injected Layout.
type Store[K, V any] struct {
	layout       Layout[K, V]
	idProvider   IDProvider
	cursors      CursorFactory
	idValidator  IDValidator
	maxEntrySize int
}

// New builds an offload store over the given collaborators. pageSize must
// leave room for at least the entry header.
func New[K, V any](
	layout Layout[K, V],
	idProvider IDProvider,
	cursors CursorFactory,
	idValidator IDValidator,
	pageSize int,
) (*Store[K, V], error) {
	if MaxEntrySize(pageSize) <= 0 {
		return nil, errors.Errorf(
			"page size %d leaves no room for an offload entry", pageSize,
		)
	}
	return &Store[K, V]{
		layout:       layout,
		idProvider:   idProvider,
		cursors:      cursors,
		idValidator:  idValidator,
		maxEntrySize: MaxEntrySize(pageSize),
	}, nil
}

// MaxEntrySize returns the largest entry this store can offload.
func (s *Store[K, V]) MaxEntrySize() int {
	return s.maxEntrySize
}

// ReadKey reads the key of the entry at offloadID into into.
func (s *Store[K, V]) ReadKey(offloadID uint64, into *K) error {
	if err := s.validateOffloadID(offloadID); err != nil {
		return err
	}

	cursor, err := s.cursors.Create(offloadID, pagecache.SharedRead)
	if err != nil {
		return errors.Wrapf(err, "failed to acquire read cursor on offload page %d", offloadID)
	}
	defer cursor.Close()

	for {
		if err := goToOffloadID(cursor, offloadID); err != nil {
			return err
		}

		keySize := int(cursor.GetInt())
		valueSize := int(cursor.GetInt())
		if s.keyValueSizeTooLarge(keySize, valueSize) || keySize < 0 || valueSize < 0 {
			readUnreliableKeyValueSize(cursor, keySize, valueSize)
		} else {
			s.layout.ReadKey(cursor, into, keySize)
		}

		retry, err := cursor.ShouldRetry()
		if err != nil {
			return errors.Wrapf(ErrTreeInconsistency,
				"offload page %d went away during read: %v", offloadID, err)
		}
		if !retry {
			break
		}
	}

	if err := checkOutOfBoundsAndClosed(cursor, offloadID); err != nil {
		return err
	}
	return surfaceCursorError(cursor)
}

// ReadValue reads the value of the entry at offloadID into into, skipping
// the key bytes that precede it on the page. An entry written key-only
// yields the layout's representation of a zero size value.
func (s *Store[K, V]) ReadValue(offloadID uint64, into *V) error {
	if err := s.validateOffloadID(offloadID); err != nil {
		return err
	}

	cursor, err := s.cursors.Create(offloadID, pagecache.SharedRead)
	if err != nil {
		return errors.Wrapf(err, "failed to acquire read cursor on offload page %d", offloadID)
	}
	defer cursor.Close()

	for {
		if err := goToOffloadID(cursor, offloadID); err != nil {
			return err
		}

		keySize := int(cursor.GetInt())
		valueSize := int(cursor.GetInt())
		if s.keyValueSizeTooLarge(keySize, valueSize) || keySize < 0 || valueSize < 0 {
			readUnreliableKeyValueSize(cursor, keySize, valueSize)
		} else {
			cursor.SetOffset(cursor.GetOffset() + keySize)
			s.layout.ReadValue(cursor, into, valueSize)
		}

		retry, err := cursor.ShouldRetry()
		if err != nil {
			return errors.Wrapf(ErrTreeInconsistency,
				"offload page %d went away during read: %v", offloadID, err)
		}
		if !retry {
			break
		}
	}

	if err := checkOutOfBoundsAndClosed(cursor, offloadID); err != nil {
		return err
	}
	return surfaceCursorError(cursor)
}

// ReadKeyValue reads both the key and the value of the entry at offloadID.
func (s *Store[K, V]) ReadKeyValue(offloadID uint64, key *K, value *V) error {
	if err := s.validateOffloadID(offloadID); err != nil {
		return err
	}

	cursor, err := s.cursors.Create(offloadID, pagecache.SharedRead)
	if err != nil {
		return errors.Wrapf(err, "failed to acquire read cursor on offload page %d", offloadID)
	}
	defer cursor.Close()

	for {
		if err := goToOffloadID(cursor, offloadID); err != nil {
			return err
		}

		keySize := int(cursor.GetInt())
		valueSize := int(cursor.GetInt())
		if s.keyValueSizeTooLarge(keySize, valueSize) || keySize < 0 || valueSize < 0 {
			readUnreliableKeyValueSize(cursor, keySize, valueSize)
		} else {
			s.layout.ReadKey(cursor, key, keySize)
			s.layout.ReadValue(cursor, value, valueSize)
		}

		retry, err := cursor.ShouldRetry()
		if err != nil {
			return errors.Wrapf(ErrTreeInconsistency,
				"offload page %d went away during read: %v", offloadID, err)
		}
		if !retry {
			break
		}
	}

	if err := checkOutOfBoundsAndClosed(cursor, offloadID); err != nil {
		return err
	}
	return surfaceCursorError(cursor)
}

// WriteKey offloads a key without a value (the value size field is written
// as zero) and returns the new offload id for storage in the referencing
// node. The generation pair is forwarded to the id provider untouched.
func (s *Store[K, V]) WriteKey(key K, stableGeneration, unstableGeneration uint64) (uint64, error) {
	keySize := s.layout.KeySize(key)
	if s.keyValueSizeTooLarge(keySize, 0) {
		return 0, errors.Wrapf(ErrEntryTooLarge,
			"keySize=%d, maxEntrySize=%d", keySize, s.maxEntrySize)
	}

	newID, err := s.acquireNewID(stableGeneration, unstableGeneration)
	if err != nil {
		return 0, err
	}

	cursor, err := s.cursors.Create(newID, pagecache.ExclusiveWrite)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to acquire write cursor on offload page %d", newID)
	}
	defer cursor.Close()

	if err := goToOffloadID(cursor, newID); err != nil {
		return 0, err
	}

	putKeyValueSize(cursor, keySize, 0)
	s.layout.WriteKey(cursor, key)
	if cursor.CheckAndClearBoundsFlag() {
		return 0, errors.Wrapf(ErrTreeInconsistency,
			"out of bounds write on offload page %d", newID)
	}
	return newID, nil
}

// WriteKeyValue offloads a key and a value as one entry and returns the new
// offload id.
func (s *Store[K, V]) WriteKeyValue(key K, value V, stableGeneration, unstableGeneration uint64) (uint64, error) {
	keySize := s.layout.KeySize(key)
	valueSize := s.layout.ValueSize(value)
	if s.keyValueSizeTooLarge(keySize, valueSize) {
		return 0, errors.Wrapf(ErrEntryTooLarge,
			"keySize=%d, valueSize=%d, maxEntrySize=%d", keySize, valueSize, s.maxEntrySize)
	}

	newID, err := s.acquireNewID(stableGeneration, unstableGeneration)
	if err != nil {
		return 0, err
	}

	cursor, err := s.cursors.Create(newID, pagecache.ExclusiveWrite)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to acquire write cursor on offload page %d", newID)
	}
	defer cursor.Close()

	if err := goToOffloadID(cursor, newID); err != nil {
		return 0, err
	}

	putKeyValueSize(cursor, keySize, valueSize)
	s.layout.WriteKey(cursor, key)
	s.layout.WriteValue(cursor, value)
	if cursor.CheckAndClearBoundsFlag() {
		return 0, errors.Wrapf(ErrTreeInconsistency,
			"out of bounds write on offload page %d", newID)
	}
	return newID, nil
}

// Free releases the page behind an offloaded entry. Reclamation semantics
// for offload pages are not defined yet, so this fails loudly instead of
// leaking silently.
func (s *Store[K, V]) Free(offloadID uint64) error {
	return errors.Wrapf(ErrFreeUnsupported, "offload id %d", offloadID)
}

func (s *Store[K, V]) acquireNewID(stableGeneration, unstableGeneration uint64) (uint64, error) {
	id, err := s.idProvider.AcquireNewID(stableGeneration, unstableGeneration)
	if err != nil {
		return 0, errors.Wrap(err, "failed to acquire new offload page id")
	}
	return id, nil
}

func (s *Store[K, V]) validateOffloadID(offloadID uint64) error {
	if !s.idValidator.Valid(offloadID) {
		return errors.Wrapf(ErrInvalidOffloadID, "offload id %d", offloadID)
	}
	return nil
}

// keyValueSizeTooLarge verifies each size and their sum against the page
// capacity independently, so a corrupted single field cannot slip through
// masked by the other check.
func (s *Store[K, V]) keyValueSizeTooLarge(keySize, valueSize int) bool {
	return keySize > s.maxEntrySize ||
		valueSize > s.maxEntrySize ||
		keySize+valueSize > s.maxEntrySize
}

func putKeyValueSize(cursor pagecache.Cursor, keySize, valueSize int) {
	cursor.PutInt(int32(keySize))
	cursor.PutInt(int32(valueSize))
}

func goToOffloadID(cursor pagecache.Cursor, offloadID uint64) error {
	if err := cursor.GoTo(offloadID); err != nil {
		return errors.Wrapf(err, "failed to go to offload page %d", offloadID)
	}
	return nil
}

// readUnreliableKeyValueSize records the implausible sizes as a soft cursor
// fault. A concurrent writer may be mid-mutation, so this is not failed
// immediately; the fault only survives if the final consistent snapshot
// still carried it.
func readUnreliableKeyValueSize(cursor pagecache.Cursor, keySize, valueSize int) {
	cursor.SetCursorError(fmt.Sprintf(
		"read unreliable key, id=%d, keySize=%d, valueSize=%d",
		cursor.PageID(), keySize, valueSize,
	))
}

// checkOutOfBoundsAndClosed raises a tree inconsistency when the cursor went
// out of bounds, which here means the page mapping is no longer valid and
// not merely that a snapshot was torn.
func checkOutOfBoundsAndClosed(cursor pagecache.Cursor, offloadID uint64) error {
	if cursor.CheckAndClearBoundsFlag() {
		return errors.Wrapf(ErrTreeInconsistency,
			"out of bounds access on offload page %d", offloadID)
	}
	return nil
}

// surfaceCursorError turns a soft cursor fault that survived the final
// consistent snapshot into a hard failure.
func surfaceCursorError(cursor pagecache.Cursor) error {
	if err := cursor.CheckAndClearCursorError(); err != nil {
		return errors.Wrap(ErrUnreliableRead, err.Error())
	}
	return nil
}
