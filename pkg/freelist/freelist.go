// Package freelist hands out page ids for offload writes under the tree's
// generational copy-on-write discipline. Fresh ids come straight from the
// pager; released ids are parked with the generation they were released at
// and become reusable only once that generation has gone stable.
package freelist

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/ttonchev/neo4j/pkg/offload"
	"github.com/ttonchev/neo4j/pkg/pager"
	"github.com/ttonchev/neo4j/util/logger"
)

// MinOffloadID is the smallest valid offload page id. Page 0 of the backing
// file belongs to the tree's own state and is never handed out.
const MinOffloadID = 1

var log = logger.Component("freelist")

var ErrUnknownID = errors.New("page id was never allocated")

var _ offload.IDProvider = (*List)(nil)

// Open builds an id provider over the given pager, reserving page 0 for the
// tree state if the file is empty. The list itself is not persisted; the
// tree's bootstrap rebuilds it.
func Open(p *pager.Pager) (*List, error) {
	if p.Count() == 0 {
		if _, err := p.Alloc(1); err != nil {
			return nil, errors.Wrap(err, "failed to reserve the tree state page")
		}
	}
	return &List{
		pager:    p,
		acquired: map[uint64]uint64{},
	}, nil
}

// List allocates generation stamped page ids.
type List struct {
	mu    sync.Mutex
	pager *pager.Pager

	// acquired records the unstable generation each live id was handed out
	// under, released parks ids until their stamp goes stable.
	acquired map[uint64]uint64
	released []release
}

type release struct {
	id         uint64
	generation uint64
}

// AcquireNewID returns a page id safe to write under the given generation
// pair: a released id whose stamp is at or below the stable generation if
// one exists, otherwise a freshly allocated page.
func (l *List) AcquireNewID(stableGeneration, unstableGeneration uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, r := range l.released {
		if r.generation <= stableGeneration {
			l.released = append(l.released[:i], l.released[i+1:]...)
			l.acquired[r.id] = unstableGeneration
			log.Debugf("reusing page %d released at generation %d", r.id, r.generation)
			return r.id, nil
		}
	}

	id, err := l.pager.Alloc(1)
	if err != nil {
		return 0, errors.Wrap(err, "failed to allocate a fresh page")
	}
	l.acquired[id] = unstableGeneration
	return id, nil
}

// Release parks an id for generation delayed reuse. It becomes acquirable
// once the given generation is at or below a caller's stable generation.
func (l *List) Release(id, generation uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.acquired[id]; !ok {
		return errors.Wrapf(ErrUnknownID, "page id %d", id)
	}
	delete(l.acquired, id)
	l.released = append(l.released, release{id: id, generation: generation})
	return nil
}

// AcquiredAt returns the unstable generation the id was last acquired under.
func (l *List) AcquiredAt(id uint64) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	gen, ok := l.acquired[id]
	return gen, ok
}

// LastAllocatedID returns the current ceiling of the id space.
func (l *List) LastAllocatedID() uint64 {
	return l.pager.Count() - 1
}

// Validator returns an offload id validator accepting ids in
// [MinOffloadID, LastAllocatedID]. The ceiling is re-read on every check
// since the id space grows as pages are allocated.
func (l *List) Validator() offload.IDValidator {
	return offload.IDValidatorFunc(func(id uint64) bool {
		return id >= MinOffloadID && id <= l.LastAllocatedID()
	})
}
