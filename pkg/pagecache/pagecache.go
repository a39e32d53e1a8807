// Package pagecache provides optimistic, retryable page cursors on top of a
// pager. Readers never block writers: a shared-read cursor observes the live
// page bytes and detects torn snapshots through a per page sequence number,
// while an exclusive-write cursor holds the page latch for the duration of
// the write.
package pagecache

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/ttonchev/neo4j/pkg/pager"
)

// bin is the byte order used for all page level encodings.
var bin = binary.LittleEndian

var (
	ErrCursorClosed = errors.New("page cursor is closed")
	ErrFileClosed   = errors.New("paged file is closed")
)

// Mode selects the locking discipline of a cursor.
type Mode int

const (
	// SharedRead never blocks and may observe torn snapshots; callers must
	// loop on ShouldRetry until a consistent snapshot was read.
	SharedRead Mode = iota
	// ExclusiveWrite holds the page latch until the cursor is closed, so a
	// write is never observed as consistent while in flight.
	ExclusiveWrite
)

// Cursor is a movable window over a single page's bytes. Accessors never
// panic on bad offsets: an access past the page boundary sets a cursor local
// bounds flag instead and yields garbage, matching the torn read model.
type Cursor interface {
	// GoTo repositions the cursor at the start of the given page,
	// re-latching if the page changed.
	GoTo(pageID uint64) error
	// PageID returns the id of the current page.
	PageID() uint64

	GetInt() int32
	PutInt(v int32)
	GetBytes(dst []byte)
	PutBytes(src []byte)
	GetOffset() int
	SetOffset(offset int)

	// ShouldRetry reports whether the snapshot observed since the last GoTo
	// or retry may have been torn by a concurrent writer. When it returns
	// true it has already waited out any in-flight write, cleared the bounds
	// flag and cursor error, and rewound the offset for another pass. It
	// errors when the cursor or its file was closed underneath the caller.
	ShouldRetry() (bool, error)

	// CheckAndClearBoundsFlag reports and resets the out of bounds flag.
	CheckAndClearBoundsFlag() bool
	// SetCursorError records a soft fault to be surfaced by
	// CheckAndClearCursorError unless a later retry clears it.
	SetCursorError(msg string)
	CheckAndClearCursorError() error

	Close()
}

// New wraps a pager in a paged file serving cursors. The paged file owns the
// pager and closes it on Close.
func New(p *pager.Pager) *PagedFile {
	return &PagedFile{
		pager:   p,
		latches: map[uint64]*latch{},
	}
}

// PagedFile hands out cursors over the pages of a single pager.
type PagedFile struct {
	pager  *pager.Pager
	closed atomic.Bool

	mu      sync.Mutex
	latches map[uint64]*latch
}

// latch guards one page: mu serializes writers, seq is odd while a write is
// in flight and bumped again when it completes.
type latch struct {
	mu  sync.Mutex
	seq atomic.Uint64
}

// PageSize returns the underlying page size in bytes.
func (f *PagedFile) PageSize() int {
	return f.pager.PageSize()
}

// Create acquires a cursor on the given page in the given mode. Write
// cursors block until the page latch is free; read cursors never block.
func (f *PagedFile) Create(pageID uint64, mode Mode) (Cursor, error) {
	if f.closed.Load() {
		return nil, errors.WithStack(ErrFileClosed)
	}

	c := &pageCursor{file: f, mode: mode}
	if err := c.GoTo(pageID); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Flush forces all written pages to durable storage.
func (f *PagedFile) Flush() error {
	return f.pager.Flush()
}

// Close marks the file closed and closes the pager. Cursors still open
// observe the closure through their next ShouldRetry or GoTo.
func (f *PagedFile) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	return f.pager.Close()
}

func (f *PagedFile) latchFor(pageID uint64) *latch {
	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.latches[pageID]
	if !ok {
		l = &latch{}
		f.latches[pageID] = l
	}
	return l
}
