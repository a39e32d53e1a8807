package pagecache

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/ttonchev/neo4j/pkg/pager"
)

func newTestFile(t *testing.T, pages int) *PagedFile {
	t.Helper()

	p, err := pager.Open(pager.InMemoryFileName, 4096, false, 0)
	require.NoError(t, err)
	if pages > 0 {
		_, err = p.Alloc(pages)
		require.NoError(t, err)
	}

	f := New(p)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestCursor_WriteReadRoundTrip(t *testing.T) {
	f := newTestFile(t, 2)

	w, err := f.Create(1, ExclusiveWrite)
	require.NoError(t, err)
	w.PutInt(42)
	w.PutBytes([]byte("payload"))
	require.False(t, w.CheckAndClearBoundsFlag())
	w.Close()

	r, err := f.Create(1, SharedRead)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, int32(42), r.GetInt())
	buf := make([]byte, 7)
	r.GetBytes(buf)
	require.Equal(t, []byte("payload"), buf)

	retry, err := r.ShouldRetry()
	require.NoError(t, err)
	require.False(t, retry)
	require.False(t, r.CheckAndClearBoundsFlag())
}

func TestCursor_OffsetNavigation(t *testing.T) {
	f := newTestFile(t, 1)

	w, err := f.Create(0, ExclusiveWrite)
	require.NoError(t, err)
	w.PutInt(1)
	w.PutInt(2)
	w.SetOffset(4)
	require.Equal(t, 4, w.GetOffset())
	w.PutInt(3)
	w.Close()

	r, err := f.Create(0, SharedRead)
	require.NoError(t, err)
	defer r.Close()

	require.EqualValues(t, 0, r.PageID())
	require.Equal(t, int32(1), r.GetInt())
	require.Equal(t, int32(3), r.GetInt())
}

func TestCursor_PutOnReadCursorSetsBoundsFlag(t *testing.T) {
	f := newTestFile(t, 1)

	r, err := f.Create(0, SharedRead)
	require.NoError(t, err)
	defer r.Close()

	r.PutInt(1)
	require.True(t, r.CheckAndClearBoundsFlag())
	require.False(t, r.CheckAndClearBoundsFlag())
}

func TestCursor_OutOfBoundsAccess(t *testing.T) {
	f := newTestFile(t, 1)

	r, err := f.Create(0, SharedRead)
	require.NoError(t, err)
	defer r.Close()

	r.SetOffset(f.PageSize() - 2)
	require.Zero(t, r.GetInt())
	require.True(t, r.CheckAndClearBoundsFlag())

	r.SetOffset(-1)
	require.Equal(t, 0, r.GetOffset())
	require.True(t, r.CheckAndClearBoundsFlag())
}

func TestCursor_RetryOnConcurrentWrite(t *testing.T) {
	f := newTestFile(t, 1)

	w, err := f.Create(0, ExclusiveWrite)
	require.NoError(t, err)
	w.PutInt(1234)

	r, err := f.Create(0, SharedRead)
	require.NoError(t, err)
	defer r.Close()
	_ = r.GetInt() // unreliable while the write is in flight

	go func() {
		time.Sleep(20 * time.Millisecond)
		w.Close()
	}()

	retry, err := r.ShouldRetry()
	require.NoError(t, err)
	require.True(t, retry, "snapshot taken during a write must be retried")

	require.NoError(t, r.GoTo(0))
	require.Equal(t, int32(1234), r.GetInt())

	retry, err = r.ShouldRetry()
	require.NoError(t, err)
	require.False(t, retry)
}

func TestCursor_RetryClearsRecordedFaults(t *testing.T) {
	f := newTestFile(t, 1)

	r, err := f.Create(0, SharedRead)
	require.NoError(t, err)
	defer r.Close()

	r.SetCursorError("sizes looked torn")
	r.SetOffset(f.PageSize())
	_ = r.GetInt() // sets the bounds flag

	// a completed write moves the page sequence, arming a retry
	w, err := f.Create(0, ExclusiveWrite)
	require.NoError(t, err)
	w.PutInt(7)
	w.Close()

	retry, err := r.ShouldRetry()
	require.NoError(t, err)
	require.True(t, retry)
	require.False(t, r.CheckAndClearBoundsFlag())
	require.NoError(t, r.CheckAndClearCursorError())
}

func TestCursor_CursorErrorSurfacesOnce(t *testing.T) {
	f := newTestFile(t, 1)

	r, err := f.Create(0, SharedRead)
	require.NoError(t, err)
	defer r.Close()

	r.SetCursorError("read unreliable key, id=0, keySize=-1, valueSize=0")
	err = r.CheckAndClearCursorError()
	require.Error(t, err)
	require.Contains(t, err.Error(), "keySize=-1")
	require.NoError(t, r.CheckAndClearCursorError())
}

func TestCursor_WriteExclusivity(t *testing.T) {
	f := newTestFile(t, 1)

	w1, err := f.Create(0, ExclusiveWrite)
	require.NoError(t, err)

	acquired := make(chan error, 1)
	go func() {
		w2, err := f.Create(0, ExclusiveWrite)
		if err == nil {
			w2.Close()
		}
		acquired <- err
	}()

	select {
	case <-acquired:
		t.Fatal("second write cursor acquired while the first was held")
	case <-time.After(50 * time.Millisecond):
	}

	w1.Close()

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second write cursor never acquired after release")
	}
}

func TestCursor_ClosedCursor(t *testing.T) {
	f := newTestFile(t, 1)

	r, err := f.Create(0, SharedRead)
	require.NoError(t, err)
	r.Close()

	_, err = r.ShouldRetry()
	require.True(t, errors.Is(err, ErrCursorClosed))
	require.True(t, errors.Is(r.GoTo(0), ErrCursorClosed))
}

func TestCursor_ClosedFile(t *testing.T) {
	f := newTestFile(t, 1)

	r, err := f.Create(0, SharedRead)
	require.NoError(t, err)

	require.NoError(t, f.Close())

	_, err = r.ShouldRetry()
	require.True(t, errors.Is(err, ErrFileClosed))

	_, err = f.Create(0, SharedRead)
	require.True(t, errors.Is(err, ErrFileClosed))
}

func TestCursor_CreateOnMissingPage(t *testing.T) {
	f := newTestFile(t, 1)

	_, err := f.Create(5, SharedRead)
	require.Error(t, err)
	require.True(t, errors.Is(err, pager.ErrPageOutOfRange))
}
