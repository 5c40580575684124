package rdma

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Buffer is a page-aligned, zeroed region suitable for memory registration.
// Bytes in it may be written by the fabric while the owner reads them, so
// access from Go goes through the word-atomic helpers below.
type Buffer struct {
	data []byte
	size int
}

// AllocBuffer maps an anonymous page-aligned buffer of at least size bytes.
// A size of zero is treated as one byte.
func AllocBuffer(size int) (*Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid buffer size %d", size)
	}

	if size == 0 {
		size = 1
	}

	pageSize := os.Getpagesize()
	mapped := (size + pageSize - 1) / pageSize * pageSize

	data, err := unix.Mmap(-1, 0, mapped, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate memory: %w", err)
	}

	return &Buffer{data: data, size: size}, nil
}

// Bytes returns the usable part of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.size]
}

// Len returns the requested size of the buffer.
func (b *Buffer) Len() int {
	return b.size
}

// Addr returns the virtual address of the first byte.
func (b *Buffer) Addr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&b.data[0])))
}

// LoadByte atomically reads the byte at off.
func (b *Buffer) LoadByte(off int) byte {
	return loadByte(b.data, off)
}

// StoreByte atomically writes the byte at off.
func (b *Buffer) StoreByte(off int, v byte) {
	storeByte(b.data, off, v)
}

// LoadUint64 atomically reads the 8-byte aligned word at off.
func (b *Buffer) LoadUint64(off int) uint64 {
	return atomic.LoadUint64(word64(b.data, off))
}

// Free unmaps the buffer. It is safe to call on a nil or freed buffer.
func (b *Buffer) Free() error {
	if b == nil || b.data == nil {
		return nil
	}

	err := unix.Munmap(b.data)
	b.data = nil
	b.size = 0

	return err
}

func bufferAddr(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}

	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

// word32 returns the aligned 32-bit word containing buf[off]. buf must start
// on a 4-byte boundary.
func word32(buf []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&buf[off&^3]))
}

// word64 returns the 64-bit word at buf[off]. off must be 8-byte aligned
// relative to an 8-byte aligned buf.
func word64(buf []byte, off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&buf[off]))
}

func loadByte(buf []byte, off int) byte {
	var w [4]byte

	binary.NativeEndian.PutUint32(w[:], atomic.LoadUint32(word32(buf, off)))

	return w[off&3]
}

func storeByte(buf []byte, off int, v byte) {
	p := word32(buf, off)

	for {
		old := atomic.LoadUint32(p)

		var w [4]byte

		binary.NativeEndian.PutUint32(w[:], old)
		w[off&3] = v

		if atomic.CompareAndSwapUint32(p, old, binary.NativeEndian.Uint32(w[:])) {
			return
		}
	}
}

// copyAtomic copies n bytes from src[soff:] to dst[doff:] without tearing
// the 32-bit words either side may be reading concurrently.
func copyAtomic(dst []byte, doff int, src []byte, soff int, n int) {
	i := 0

	if (doff|soff)&3 == 0 {
		for ; i+4 <= n; i += 4 {
			atomic.StoreUint32(word32(dst, doff+i), atomic.LoadUint32(word32(src, soff+i)))
		}
	}

	for ; i < n; i++ {
		storeByte(dst, doff+i, loadByte(src, soff+i))
	}
}
