// Package buffer provides pooled heap buffers for fragment staging and
// read-only views of memory-mapped device buffers.
package buffer

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// PooledBuffer is a byte slice with an owner. Whoever holds it calls Release
// exactly once and must not touch Data afterwards.
type PooledBuffer interface {
	Data() []byte
	Len() int
	Cap() int
	Resize(int)
	Release()
}

const (
	smallSize = 4 * 1024        // Initial capacity of buffers from the small pool.
	bigSize   = 64 * 1024       // Requests from this size on use the big pool.
	maxKept   = 4 * 1024 * 1024 // Buffers that grew past this are left to the GC.
)

var (
	smallPool = sync.Pool{New: func() any { return &heapBuffer{buf: make([]byte, 0, smallSize)} }}
	bigPool   = sync.Pool{New: func() any { return &heapBuffer{buf: make([]byte, 0, bigSize)} }}
)

// Get returns a pooled buffer of length size. The contents are not zeroed.
func Get(size int) PooledBuffer {
	pool := &smallPool
	if size >= bigSize {
		pool = &bigPool
	}
	b := pool.Get().(*heapBuffer) //nolint:forcetypeassert
	if cap(b.buf) < size {
		b.buf = make([]byte, size)
	}
	b.buf = b.buf[:size]
	return b
}

type heapBuffer struct {
	buf []byte
}

func (b *heapBuffer) Data() []byte { return b.buf }
func (b *heapBuffer) Len() int     { return len(b.buf) }
func (b *heapBuffer) Cap() int     { return cap(b.buf) }

// Resize keeps the contents up to the new length and grows when needed.
func (b *heapBuffer) Resize(size int) {
	if size <= cap(b.buf) {
		b.buf = b.buf[:size]
		return
	}
	grown := make([]byte, size)
	copy(grown, b.buf)
	b.buf = grown
}

func (b *heapBuffer) Release() {
	if cap(b.buf) > maxKept {
		return
	}
	b.buf = b.buf[:0]
	if cap(b.buf) >= bigSize {
		bigPool.Put(b)
	} else {
		smallPool.Put(b)
	}
}

// mapping is a read-only view of a memory-mapped device buffer.
type mapping struct {
	region []byte
	buf    []byte
	onDone func() error
}

// GetMmap maps length bytes of file at offset. V4L2 returns page aligned
// offsets from VIDIOC_QUERYBUF, other offsets are aligned down internally and
// Data still starts at offset. onDone, if set, runs after the unmap.
func GetMmap(file *os.File, offset int64, length int, onDone func() error) (PooledBuffer, error) {
	page := int64(unix.Getpagesize())
	aligned := offset &^ (page - 1)
	delta := int(offset - aligned)

	region, err := unix.Mmap(int(file.Fd()), aligned, length+delta, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s at %d: %w", file.Name(), offset, err)
	}
	return &mapping{
		region: region,
		buf:    region[delta : delta+length : delta+length],
		onDone: onDone,
	}, nil
}

func (m *mapping) Data() []byte { return m.buf }
func (m *mapping) Len() int     { return len(m.buf) }
func (m *mapping) Cap() int     { return cap(m.buf) }

// Resize narrows or restores the view within the mapped length. A mapping
// cannot grow, so larger sizes panic.
func (m *mapping) Resize(size int) {
	if size > cap(m.buf) {
		panic(fmt.Sprintf("buffer: resize of %d byte mapping to %d", cap(m.buf), size))
	}
	m.buf = m.buf[:size]
}

// Release unmaps the region. Calling it again does nothing.
func (m *mapping) Release() {
	if m.region != nil {
		_ = unix.Munmap(m.region)
		m.region, m.buf = nil, nil
	}
	if m.onDone != nil {
		_ = m.onDone()
		m.onDone = nil
	}
}
