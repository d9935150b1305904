// Package emu emulates the kernel side of the control channel. It serves
// the same request/response protocol as the character device and hands out
// anonymous shared memory for the shared attribute region, the register
// pages and the rings, so that the queue engine can run without the fabric
// hardware.
package emu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/zhpeq/driver"
	"github.com/slackhq/zhpeq/hw"
	"golang.org/x/sys/unix"
)

// region is memory the device hands out. fd backs extra mappings of the
// same pages.
type region struct {
	fd  int
	mem []byte
}

// Device is an in process [driver.Device].
type Device struct {
	l    *logrus.Logger
	opts optionValues

	mu       sync.Mutex
	closed   bool
	pageSize int64
	nextOff  int64
	regions  map[int64]region
	views    map[*byte][]byte
	queues   map[int64]driver.QueueInfo
	shared   driver.InitRsp
	response []byte
}

// New creates an emulated device and its shared attribute region.
func New(l *logrus.Logger, options ...Option) (_ *Device, err error) {
	opts := optionDefaults
	opts.apply(options)
	if err = opts.validate(); err != nil {
		return nil, err
	}

	d := &Device{
		l:        l,
		opts:     opts,
		pageSize: int64(os.Getpagesize()),
		regions:  make(map[int64]region),
		views:    make(map[*byte][]byte),
		queues:   make(map[int64]driver.QueueInfo),
	}
	d.nextOff = d.pageSize

	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	off, mem, err := d.allocRegion(uint64(d.pageSize))
	if err != nil {
		return nil, err
	}
	err = driver.EncodeShared(mem, uint64(off), driver.SharedData{
		DebugFlags: opts.debugFlags,
		Attr:       opts.attr,
	})
	if err != nil {
		return nil, fmt.Errorf("encode shared region: %w", err)
	}
	d.shared = driver.InitRsp{SharedOffset: uint64(off), SharedSize: uint64(len(mem))}

	return d, nil
}

func (d *Device) Name() string {
	return d.opts.name
}

// allocRegion maps a new page aligned region of at least size bytes.
func (d *Device) allocRegion(size uint64) (int64, []byte, error) {
	length := align(int64(size), d.pageSize)
	fd, err := unix.MemfdCreate("zhpeq-emu", unix.MFD_CLOEXEC)
	if err != nil {
		return 0, nil, fmt.Errorf("allocate emulated region: %w", err)
	}
	if err := unix.Ftruncate(fd, length); err != nil {
		_ = unix.Close(fd)
		return 0, nil, fmt.Errorf("size emulated region: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return 0, nil, fmt.Errorf("map emulated region: %w", err)
	}
	off := d.nextOff
	d.nextOff += length
	d.regions[off] = region{fd: fd, mem: mem}
	return off, mem, nil
}

func (d *Device) freeRegion(off int64) error {
	r, ok := d.regions[off]
	if !ok {
		return nil
	}
	delete(d.regions, off)
	return errors.Join(unix.Munmap(r.mem), unix.Close(r.fd))
}

// Write accepts exactly one request.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, os.ErrClosed
	}

	var hdr driver.Hdr
	if err := binary.Read(bytes.NewReader(p), binary.LittleEndian, &hdr); err != nil {
		return 0, unix.EINVAL
	}
	if hdr.Version != driver.Version {
		return 0, unix.EINVAL
	}

	var rsp driver.Message
	switch hdr.Opcode {
	case driver.OpInit:
		r := d.shared
		rsp = &r
	case driver.OpQAlloc:
		var req driver.QAllocReq
		if err := decode(p, &req); err != nil {
			return 0, err
		}
		r := driver.QAllocRsp{}
		r.Info, r.Status = d.qalloc(req.QLen)
		rsp = &r
	case driver.OpQFree:
		var req driver.QFreeReq
		if err := decode(p, &req); err != nil {
			return 0, err
		}
		r := driver.QFreeRsp{}
		r.Status = d.qfree(req.Info)
		rsp = &r
	default:
		d.l.WithField("opcode", hdr.Opcode).Warn("Emulated device received unknown opcode")
		return 0, unix.EINVAL
	}

	rh := rsp.Header()
	rh.Version = driver.Version
	rh.Opcode = hdr.Opcode | driver.OpResponse

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, rsp); err != nil {
		return 0, err
	}
	d.response = buf.Bytes()
	return len(p), nil
}

// Read returns the response to the last request.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, os.ErrClosed
	}
	if d.response == nil {
		return 0, io.EOF
	}
	n := copy(p, d.response)
	d.response = nil
	return n, nil
}

func (d *Device) qalloc(qlen uint32) (driver.QueueInfo, int32) {
	if qlen < 1 || qlen > d.opts.attr.MaxHWQLen {
		return driver.QueueInfo{}, -int32(unix.EINVAL)
	}
	if uint32(len(d.queues)) >= d.opts.attr.MaxTxQueues {
		return driver.QueueInfo{}, -int32(unix.ENOSPC)
	}

	info := driver.QueueInfo{
		QLen:  hw.RoundQueueLen(qlen),
		RSize: uint64(d.pageSize),
	}
	info.QSize = uint64(align(int64(hw.RingLen(info.QLen)), d.pageSize))

	var offs [3]int64
	for i, size := range []uint64{info.RSize, info.QSize, info.QSize} {
		off, _, err := d.allocRegion(size)
		if err != nil {
			d.l.WithError(err).Error("Emulated queue allocation failed")
			for _, o := range offs[:i] {
				_ = d.freeRegion(o)
			}
			return driver.QueueInfo{}, -int32(unix.ENOMEM)
		}
		offs[i] = off
	}
	info.RegOff, info.WQOff, info.CQOff = uint64(offs[0]), uint64(offs[1]), uint64(offs[2])
	d.queues[offs[0]] = info

	d.l.WithFields(logrus.Fields{
		"requested": qlen,
		"qlen":      info.QLen,
		"reg_off":   info.RegOff,
	}).Debug("Emulated queue allocated")

	return info, 0
}

func (d *Device) qfree(info driver.QueueInfo) int32 {
	known, ok := d.queues[int64(info.RegOff)]
	if !ok || known != info {
		return -int32(unix.EINVAL)
	}
	delete(d.queues, int64(info.RegOff))

	var errs []error
	for _, off := range []uint64{info.RegOff, info.WQOff, info.CQOff} {
		if err := d.freeRegion(int64(off)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		d.l.WithError(err).Error("Failed to release emulated queue memory")
		return -int32(unix.EIO)
	}
	return 0
}

// Mmap returns the region starting at off. Writable mappings share the
// device's own mapping, which stays owned by the device and is released by
// the matching free request or by Close. Any other prot gets a separate
// mapping with exactly that protection, which Munmap releases.
func (d *Device) Mmap(off int64, length int, prot int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.regions[off]
	if !ok {
		return nil, fmt.Errorf("mmap %s offset 0x%x: %w", d.opts.name, off, unix.EINVAL)
	}
	if length <= 0 || length > len(r.mem) {
		return nil, fmt.Errorf("mmap %s offset 0x%x length %d: %w", d.opts.name, off, length, unix.EINVAL)
	}
	if prot&unix.PROT_WRITE != 0 {
		return r.mem[:length:length], nil
	}

	view, err := unix.Mmap(r.fd, 0, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s offset 0x%x: %w", d.opts.name, off, err)
	}
	d.views[unsafe.SliceData(view)] = view
	return view, nil
}

// Munmap releases a mapping created by Mmap. Device owned memory is left
// alone.
func (d *Device) Munmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	view, ok := d.views[unsafe.SliceData(b)]
	if !ok {
		return nil
	}
	delete(d.views, unsafe.SliceData(b))
	return unix.Munmap(view)
}

// Close releases every region that is still allocated.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	for p, view := range d.views {
		if err := unix.Munmap(view); err != nil {
			errs = append(errs, fmt.Errorf("unmap view: %w", err))
		}
		delete(d.views, p)
	}
	for off := range d.regions {
		if err := d.freeRegion(off); err != nil {
			errs = append(errs, fmt.Errorf("unmap region 0x%x: %w", off, err))
		}
	}
	d.queues = nil
	return errors.Join(errs...)
}

func decode(p []byte, m driver.Message) error {
	if len(p) != binary.Size(m) {
		return unix.EINVAL
	}
	return binary.Read(bytes.NewReader(p), binary.LittleEndian, m)
}

func align(n, alignment int64) int64 {
	remainder := n % alignment
	if remainder == 0 {
		return n
	}
	return n + alignment - remainder
}
