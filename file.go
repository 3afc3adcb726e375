package nvstore

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileMedium is a Medium backed by a memory-mapped image file.
type FileMedium struct {
	file *os.File
	data []byte
	sync bool
}

// OpenFileMedium maps path, creating or growing it to size bytes. Bytes
// added by growing the file are erased (0xFF).
func OpenFileMedium(path string, size int64, sync bool) (*FileMedium, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open medium file: %w", err)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat medium file: %w", err)
	}
	oldSize := fi.Size()
	if oldSize < size {
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to grow medium file: %w", err)
		}
	} else {
		size = oldSize
	}

	m := &FileMedium{file: file, sync: sync}
	if err := m.mmap(size); err != nil {
		file.Close()
		return nil, err
	}
	if oldSize < size {
		for i := oldSize; i < size; i++ {
			m.data[i] = erasedByte
		}
		if err := m.flush(int(oldSize), int(size)); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

func (m *FileMedium) mmap(size int64) error {
	if size == 0 {
		m.data = []byte{}
		return nil
	}
	data, err := unix.Mmap(int(m.file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("failed to mmap medium file: %w", err)
	}
	m.data = data
	return nil
}

func (m *FileMedium) Transfer(offset uint32, buf []byte, dir Direction) error {
	end := int(offset) + len(buf)
	if end > len(m.data) {
		return fmt.Errorf("%s of %d bytes at %#x beyond medium size %#x", dir, len(buf), offset, len(m.data))
	}
	if dir == Read {
		copy(buf, m.data[offset:end])
		return nil
	}
	copy(m.data[offset:end], buf)
	if m.sync {
		return m.flush(int(offset), end)
	}
	return nil
}

// flush writes back the pages covering [start, end).
func (m *FileMedium) flush(start, end int) error {
	if start >= end {
		return nil
	}
	page := unix.Getpagesize()
	start -= start % page
	if err := unix.Msync(m.data[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("failed to sync medium file: %w", err)
	}
	return nil
}

// Size returns the size of the mapped image.
func (m *FileMedium) Size() int {
	return len(m.data)
}

// Close unmaps and closes the image file.
func (m *FileMedium) Close() error {
	if m.data != nil && len(m.data) > 0 {
		if err := unix.Munmap(m.data); err != nil {
			return fmt.Errorf("failed to unmap medium file: %w", err)
		}
	}
	m.data = nil
	return m.file.Close()
}
