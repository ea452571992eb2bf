// Package mmap maps files into shared process memory. It backs every
// persisted queue in tcpshm: the PTCP send buffer and, when shared-memory
// transport is in use, the two SPSC queue files.
package mmap

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ByteRegion is a shared (MAP_SHARED) mapping of an exact byte range of a
// file. The file is created and truncated to size if it doesn't already
// have that size.
type ByteRegion struct {
	data []byte
	file *os.File
}

// MapBytes creates (if create is true) or opens the file at path, ensures it
// is exactly size bytes, and maps it MAP_SHARED|PROT_READ|PROT_WRITE. fresh
// reports whether the file was empty before this call, i.e. whether this is
// a brand new queue rather than one recovered from a previous run.
func MapBytes(path string, size int, create bool) (region *ByteRegion, fresh bool, err error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("tcpshm: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("tcpshm: stat %s: %w", path, err)
	}
	fresh = fi.Size() == 0
	if fi.Size() != int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, false, fmt.Errorf("tcpshm: truncate %s: %w", path, err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("tcpshm: mmap %s: %w", path, err)
	}
	return &ByteRegion{data: data, file: f}, fresh, nil
}

// Bytes returns the mapped region.
func (r *ByteRegion) Bytes() []byte {
	return r.data
}

// Close msyncs the region, then unmaps and closes the backing file. Safe to
// call on a nil or already-closed region.
func (r *ByteRegion) Close() error {
	if r == nil || r.data == nil {
		return nil
	}
	syncErr := unix.Msync(r.data, unix.MS_SYNC)
	unmapErr := unix.Munmap(r.data)
	r.data = nil
	closeErr := r.file.Close()
	switch {
	case syncErr != nil:
		return fmt.Errorf("tcpshm: msync: %w", syncErr)
	case unmapErr != nil:
		return fmt.Errorf("tcpshm: munmap: %w", unmapErr)
	default:
		return closeErr
	}
}

// Region is a ByteRegion known to hold exactly one T.
type Region[T any] struct {
	br  *ByteRegion
	ptr *T
}

// MapPOD maps a file to hold exactly one T. T must be a plain-data struct:
// it is read and written through the raw bytes of the mapping, so it must
// not contain any Go pointers, slices, maps, interfaces or strings.
func MapPOD[T any](path string, create bool) (*Region[T], bool, error) {
	var zero T
	size := int(unsafe.Sizeof(zero))
	br, fresh, err := MapBytes(path, size, create)
	if err != nil {
		return nil, false, err
	}
	return &Region[T]{br: br, ptr: (*T)(unsafe.Pointer(&br.Bytes()[0]))}, fresh, nil
}

// Value returns the pointer into the mapping.
func (r *Region[T]) Value() *T { return r.ptr }

// Close msyncs and unmaps the region.
func (r *Region[T]) Close() error { return r.br.Close() }
