package driver

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultPath is where the kernel driver exposes its control device.
const DefaultPath = "/dev/zhpe"

// Device is a control channel. Each Write must carry exactly one request and
// must be followed by a Read of the matching response.
type Device interface {
	io.ReadWriteCloser
	// Mmap maps length bytes at the device offset off.
	Mmap(off int64, length int, prot int) ([]byte, error)
	// Munmap releases memory returned by Mmap.
	Munmap(b []byte) error
	// Name identifies the device in logs.
	Name() string
}

// FileDevice is a control channel backed by a character device.
type FileDevice struct {
	fd   int
	name string
}

// Open opens the character device at path.
func Open(path string) (*FileDevice, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrUnavailable, path, err)
	}
	return &FileDevice{fd: fd, name: path}, nil
}

func (d *FileDevice) Read(p []byte) (int, error) {
	n, err := unix.Read(d.fd, p)
	if err != nil {
		return 0, &os.PathError{Op: "read", Path: d.name, Err: err}
	}
	return n, nil
}

func (d *FileDevice) Write(p []byte) (int, error) {
	n, err := unix.Write(d.fd, p)
	if err != nil {
		return 0, &os.PathError{Op: "write", Path: d.name, Err: err}
	}
	return n, nil
}

func (d *FileDevice) Mmap(off int64, length int, prot int) ([]byte, error) {
	b, err := unix.Mmap(d.fd, off, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s offset 0x%x length %d: %w", d.name, off, length, err)
	}
	return b, nil
}

func (d *FileDevice) Munmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}

func (d *FileDevice) Name() string {
	return d.name
}

func (d *FileDevice) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
