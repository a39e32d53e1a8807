// Package pager manages a single backing file as an array of fixed size
// pages. Pages are memory mapped in segments that stay valid until the
// pager is closed, so byte windows handed out by Page can be retained by
// callers across later allocations.
package pager

import (
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/ttonchev/neo4j/util/helpers"
	"github.com/ttonchev/neo4j/util/logger"
)

// InMemoryFileName can be passed to Open for a heap backed pager without
// any file underneath. Useful for quick test setup.
const InMemoryFileName = ":memory:"

// growthPages is the minimum number of pages the backing file grows by.
const growthPages = 64

var log = logger.Component("pager")

var (
	ErrClosed         = errors.New("pager is closed")
	ErrReadOnly       = errors.New("pager is in read-only mode")
	ErrPageOutOfRange = errors.New("page id is out of allocated range")
)

// Open opens the named file as a paged file. pageSize must be a multiple of
// the OS page size so that every mapped segment starts on an aligned offset.
// Use InMemoryFileName for a heap backed instance.
func Open(fileName string, pageSize int, readOnly bool, mode os.FileMode) (*Pager, error) {
	if pageSize <= 0 {
		return nil, errors.Errorf("invalid page size %d", pageSize)
	}
	if fileName != InMemoryFileName && pageSize%os.Getpagesize() != 0 {
		// mapped segments start at multiples of pageSize, which must land
		// on an OS page boundary
		return nil, errors.Errorf(
			"page size %d must be a multiple of the OS page size %d",
			pageSize, os.Getpagesize(),
		)
	}

	p := &Pager{
		fileName: fileName,
		pageSize: pageSize,
		readOnly: readOnly,
	}

	if fileName == InMemoryFileName {
		return p, nil
	}

	flags := os.O_CREATE | os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}

	file, err := os.OpenFile(fileName, flags, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open paged file %s", fileName)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "failed to stat paged file %s", fileName)
	}

	size := info.Size()
	if size%int64(pageSize) != 0 {
		_ = file.Close()
		return nil, errors.Errorf(
			"file %s size %d is not a multiple of page size %d", fileName, size, pageSize,
		)
	}

	p.file = file
	p.count = uint64(size) / uint64(pageSize)
	p.mapped = p.count

	if size > 0 {
		prot := mmap.RDWR
		if readOnly {
			prot = mmap.RDONLY
		}
		m, err := mmap.MapRegion(file, int(size), prot, 0, 0)
		if err != nil {
			_ = file.Close()
			return nil, errors.Wrapf(err, "failed to map paged file %s", fileName)
		}
		p.segments = append(p.segments, segment{start: 0, pages: p.count, mem: m})
	}

	log.Debugf("opened paged file %s with %d pages of %d bytes", fileName, p.count, pageSize)
	return p, nil
}

// Pager provides page granular access to the backing file.
type Pager struct {
	mu       sync.RWMutex
	fileName string
	file     *os.File
	pageSize int
	readOnly bool
	closed   bool

	// count is the number of allocated pages, mapped the number of pages
	// covered by segments. mapped >= count; the surplus is reserved space
	// consumed by the next Alloc.
	count    uint64
	mapped   uint64
	segments []segment
}

type segment struct {
	start uint64
	pages uint64
	mem   mmap.MMap // nil for heap backed segments
	heap  []byte
}

func (s *segment) data() []byte {
	if s.mem != nil {
		return s.mem
	}
	return s.heap
}

// PageSize returns the fixed page size in bytes.
func (p *Pager) PageSize() int {
	return p.pageSize
}

// Count returns the number of allocated pages.
func (p *Pager) Count() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.count
}

// Alloc allocates n new pages and returns the id of the first one. The
// backing file grows and new space is mapped as an additional segment;
// previously returned page windows remain valid.
func (p *Pager) Alloc(n int) (uint64, error) {
	if n <= 0 {
		return 0, errors.Errorf("invalid page allocation count %d", n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errors.WithStack(ErrClosed)
	}
	if p.readOnly {
		return 0, errors.WithStack(ErrReadOnly)
	}

	need := p.count + uint64(n)
	if need > p.mapped {
		grow := helpers.Max(need-p.mapped, uint64(growthPages))
		if err := p.grow(grow); err != nil {
			return 0, err
		}
	}

	id := p.count
	p.count = need
	return id, nil
}

func (p *Pager) grow(pages uint64) error {
	offset := int64(p.mapped) * int64(p.pageSize)
	length := int(pages) * p.pageSize

	seg := segment{start: p.mapped, pages: pages}
	if p.file == nil {
		seg.heap = make([]byte, length)
	} else {
		if err := p.file.Truncate(offset + int64(length)); err != nil {
			return errors.Wrapf(err, "failed to grow paged file %s by %d pages", p.fileName, pages)
		}
		m, err := mmap.MapRegion(p.file, length, mmap.RDWR, 0, offset)
		if err != nil {
			return errors.Wrapf(err, "failed to map grown region of paged file %s", p.fileName)
		}
		seg.mem = m
	}

	p.segments = append(p.segments, seg)
	p.mapped += pages
	log.Debugf("grew paged file %s to %d mapped pages", p.fileName, p.mapped)
	return nil
}

// Page returns the byte window of the given page. The window aliases the
// mapped file and stays valid until Close.
func (p *Pager) Page(id uint64) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, errors.WithStack(ErrClosed)
	}
	if id >= p.count {
		return nil, errors.Wrapf(ErrPageOutOfRange, "page id %d, allocated %d", id, p.count)
	}

	for i := len(p.segments) - 1; i >= 0; i-- {
		seg := &p.segments[i]
		if id >= seg.start {
			off := int(id-seg.start) * p.pageSize
			return seg.data()[off : off+p.pageSize : off+p.pageSize], nil
		}
	}
	return nil, errors.Wrapf(ErrPageOutOfRange, "page id %d has no mapped segment", id)
}

// Flush forces mapped segments and file metadata to disk.
func (p *Pager) Flush() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return errors.WithStack(ErrClosed)
	}
	if p.file == nil || p.readOnly {
		return nil
	}

	for i := range p.segments {
		if p.segments[i].mem == nil {
			continue
		}
		if err := p.segments[i].mem.Flush(); err != nil {
			return errors.Wrapf(err, "failed to flush paged file %s", p.fileName)
		}
	}
	return errors.Wrapf(p.file.Sync(), "failed to sync paged file %s", p.fileName)
}

// Close flushes, unmaps all segments and truncates reserved-but-unallocated
// space off the end of the file. Page windows become invalid.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	for i := range p.segments {
		if p.segments[i].mem == nil {
			continue
		}
		if !p.readOnly {
			if err := p.segments[i].mem.Flush(); err != nil && firstErr == nil {
				firstErr = errors.Wrapf(err, "failed to flush paged file %s", p.fileName)
			}
		}
		if err := p.segments[i].mem.Unmap(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to unmap paged file %s", p.fileName)
		}
	}
	p.segments = nil

	if p.file != nil {
		if !p.readOnly {
			if err := p.file.Truncate(int64(p.count) * int64(p.pageSize)); err != nil && firstErr == nil {
				firstErr = errors.Wrapf(err, "failed to trim paged file %s", p.fileName)
			}
		}
		if err := p.file.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close paged file %s", p.fileName)
		}
	}

	log.Debugf("closed paged file %s", p.fileName)
	return firstErr
}
