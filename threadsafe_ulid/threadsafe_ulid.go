package threadsafe_ulid

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ThreadSafeUlid : ulid generator safe for concurrent callers. Monotonic
// entropy keeps ids generated within the same millisecond ordered.
type ThreadSafeUlid struct {
	safe safeMonotonicReader
}

func NewThreadSafeUlid() *ThreadSafeUlid {
	seed := time.Now().UnixNano()
	return &ThreadSafeUlid{
		safe: safeMonotonicReader{MonotonicReader: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)},
	}
}

func (u *ThreadSafeUlid) NewUlid() (ulid.ULID, error) {
	return ulid.New(ulid.Timestamp(time.Now()), &u.safe)
}

type safeMonotonicReader struct {
	mtx sync.Mutex
	ulid.MonotonicReader
}

func (r *safeMonotonicReader) MonotonicRead(ms uint64, p []byte) (err error) {
	r.mtx.Lock()
	err = r.MonotonicReader.MonotonicRead(ms, p)
	r.mtx.Unlock()
	return err
}
