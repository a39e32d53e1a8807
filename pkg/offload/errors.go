package offload

import "github.com/pkg/errors"

var (
	// ErrInvalidOffloadID is returned when an offload id falls outside the
	// validator's accepted range. No page is touched in that case.
	ErrInvalidOffloadID = errors.New("offload id is outside of valid range")

	// ErrEntryTooLarge is returned by writes whose encoded key/value cannot
	// fit a single offload page. Rejected before any page id is acquired.
	ErrEntryTooLarge = errors.New("entry is too large for an offload page")

	// ErrUnreliableRead is returned when implausible size fields survived a
	// fully consistent page snapshot, which indicates corruption rather
	// than a torn read.
	ErrUnreliableRead = errors.New("unreliable read of offload page")

	// ErrTreeInconsistency is returned when a cursor went out of bounds or
	// was closed underneath a read, meaning the page mapping itself is no
	// longer valid.
	ErrTreeInconsistency = errors.New("tree structure inconsistency detected")

	// ErrFreeUnsupported is returned by Free until reclamation semantics
	// for offload pages are defined.
	ErrFreeUnsupported = errors.New("freeing offload pages is not supported")
)
