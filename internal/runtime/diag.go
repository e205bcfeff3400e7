package runtime

import (
	"sync"
	"sync/atomic"
)

// diagBuffer keeps the tail of the child's stdout/stderr for diagnostics and
// counts everything written, so raw output counts toward the output limit.
type diagBuffer struct {
	mu    sync.Mutex
	data  []byte
	cap   int
	total atomic.Int64
}

func newDiagBuffer(cap int) *diagBuffer {
	return &diagBuffer{data: make([]byte, 0, cap), cap: cap}
}

func (b *diagBuffer) Write(p []byte) (int, error) {
	b.total.Add(int64(len(p)))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > b.cap {
		b.data = b.data[len(b.data)-b.cap:]
	}
	return len(p), nil
}

func (b *diagBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

func (b *diagBuffer) Total() int64 {
	return b.total.Load()
}
