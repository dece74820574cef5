package elbus

import (
	"sync"
)

// maxPooledBuffer caps the capacity of buffers returned to the pool (64KB).
const maxPooledBuffer = 65536

// bytesBuffer is a minimal append buffer used for frame encoding.
type bytesBuffer struct {
	data []byte
}

func (b *bytesBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *bytesBuffer) WriteByte(c byte) error {
	b.data = append(b.data, c)
	return nil
}

func (b *bytesBuffer) WriteString(s string) (int, error) {
	b.data = append(b.data, s...)
	return len(s), nil
}

func (b *bytesBuffer) Bytes() []byte {
	return b.data
}

func (b *bytesBuffer) Len() int {
	return len(b.data)
}

// Buffer pool for frame encoding in the connection writer.
var bytesBufferPool = sync.Pool{
	New: func() any {
		return &bytesBuffer{}
	},
}

// getBytesBuffer returns a pooled bytesBuffer.
func getBytesBuffer() *bytesBuffer {
	b := bytesBufferPool.Get().(*bytesBuffer)
	b.data = b.data[:0]
	return b
}

// putBytesBuffer returns a bytesBuffer to the pool.
func putBytesBuffer(b *bytesBuffer) {
	if b == nil {
		return
	}
	if cap(b.data) <= maxPooledBuffer {
		b.data = b.data[:0]
		bytesBufferPool.Put(b)
	}
}
