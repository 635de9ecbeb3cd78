//go:build unix

package logfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mappedBacking is a shared, writable mapping of the whole file. Writes land
// in the page cache directly, so force only has to msync.
type mappedBacking struct {
	fd   *os.File
	data []byte
}

func newMappedBacking(fd *os.File, size int) (*mappedBacking, error) {
	data, err := mmap(fd, size)
	if err != nil {
		return nil, err
	}
	return &mappedBacking{fd: fd, data: data}, nil
}

func mmap(fd *os.File, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmap %s: empty file", fd.Name())
	}
	data, err := unix.Mmap(int(fd.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", fd.Name(), err)
	}
	return data, nil
}

func (m *mappedBacking) region(off, n int) []byte { return m.data[off : off+n] }

func (m *mappedBacking) commit(off, n int) {}

func (m *mappedBacking) force(headerLen int) error {
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}

func (m *mappedBacking) grow(size int) error {
	if size <= len(m.data) {
		return nil
	}
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	if err := unix.Munmap(m.data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	m.data = nil
	if err := m.fd.Truncate(int64(size)); err != nil {
		return err
	}
	data, err := mmap(m.fd, size)
	if err != nil {
		return err
	}
	m.data = data
	return nil
}

func (m *mappedBacking) size() int { return len(m.data) }

func (m *mappedBacking) mapped() bool { return true }

func (m *mappedBacking) release() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}
