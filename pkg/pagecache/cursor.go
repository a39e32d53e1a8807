package pagecache

import (
	"runtime"

	"github.com/pkg/errors"
)

const sizeInt = 4

type pageCursor struct {
	file   *PagedFile
	mode   Mode
	latch  *latch
	pageID uint64
	data   []byte
	offset int

	// seen is the latch sequence the current read snapshot started at.
	seen   uint64
	oob    bool
	errMsg string
	closed bool
}

func (c *pageCursor) GoTo(pageID uint64) error {
	if c.closed {
		return errors.WithStack(ErrCursorClosed)
	}
	if c.file.closed.Load() {
		return errors.WithStack(ErrFileClosed)
	}

	data, err := c.file.pager.Page(pageID)
	if err != nil {
		return errors.Wrapf(err, "failed to go to page %d", pageID)
	}

	l := c.file.latchFor(pageID)
	if l != c.latch {
		c.releaseLatch()
		if c.mode == ExclusiveWrite {
			l.mu.Lock()
			l.seq.Add(1)
		}
		c.latch = l
	}

	c.pageID = pageID
	c.data = data
	c.offset = 0
	if c.mode == SharedRead {
		c.seen = c.latch.seq.Load()
	}
	return nil
}

func (c *pageCursor) PageID() uint64 {
	return c.pageID
}

func (c *pageCursor) GetInt() int32 {
	if !c.bounds(sizeInt) {
		return 0
	}
	v := int32(bin.Uint32(c.data[c.offset:]))
	c.offset += sizeInt
	return v
}

func (c *pageCursor) PutInt(v int32) {
	if !c.writable() || !c.bounds(sizeInt) {
		return
	}
	bin.PutUint32(c.data[c.offset:], uint32(v))
	c.offset += sizeInt
}

func (c *pageCursor) GetBytes(dst []byte) {
	if !c.bounds(len(dst)) {
		return
	}
	copy(dst, c.data[c.offset:c.offset+len(dst)])
	c.offset += len(dst)
}

func (c *pageCursor) PutBytes(src []byte) {
	if !c.writable() || !c.bounds(len(src)) {
		return
	}
	copy(c.data[c.offset:], src)
	c.offset += len(src)
}

func (c *pageCursor) GetOffset() int {
	return c.offset
}

func (c *pageCursor) SetOffset(offset int) {
	if offset < 0 {
		c.oob = true
		offset = 0
	}
	c.offset = offset
}

func (c *pageCursor) ShouldRetry() (bool, error) {
	if c.closed {
		return false, errors.WithStack(ErrCursorClosed)
	}
	if c.file.closed.Load() {
		return false, errors.WithStack(ErrFileClosed)
	}
	if c.mode == ExclusiveWrite {
		return false, nil
	}

	cur := c.latch.seq.Load()
	if cur == c.seen && cur&1 == 0 {
		return false, nil
	}

	// the snapshot was torn; wait out the in-flight write and re-arm for
	// another pass
	for {
		cur = c.latch.seq.Load()
		if cur&1 == 0 {
			break
		}
		runtime.Gosched()
	}
	c.seen = cur
	c.oob = false
	c.errMsg = ""
	c.offset = 0
	return true, nil
}

func (c *pageCursor) CheckAndClearBoundsFlag() bool {
	oob := c.oob
	c.oob = false
	return oob
}

func (c *pageCursor) SetCursorError(msg string) {
	c.errMsg = msg
}

func (c *pageCursor) CheckAndClearCursorError() error {
	if c.errMsg == "" {
		return nil
	}
	err := errors.New(c.errMsg)
	c.errMsg = ""
	return err
}

func (c *pageCursor) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.releaseLatch()
	c.data = nil
}

// bounds verifies that n more bytes fit the page at the current offset. A
// failed check sets the out of bounds flag and leaves the offset in place.
func (c *pageCursor) bounds(n int) bool {
	if c.closed || c.data == nil || c.offset+n > len(c.data) {
		c.oob = true
		return false
	}
	return true
}

func (c *pageCursor) writable() bool {
	if c.mode != ExclusiveWrite {
		c.oob = true
		return false
	}
	return true
}

func (c *pageCursor) releaseLatch() {
	if c.latch == nil {
		return
	}
	if c.mode == ExclusiveWrite {
		// publishes the write: bumps the sequence back to even
		c.latch.seq.Add(1)
		c.latch.mu.Unlock()
	}
	c.latch = nil
}
