// Package zhpeq is a user space queue engine for an RDMA style fabric.
//
// A process first performs the control handshake with [New] or [Init],
// which selects the backend the device reports. It then allocates a
// [Domain], one or more [Queue]s and registers memory as [KeyData]. Work is
// submitted by reserving ring slots, formatting one entry per slot and
// committing the range. Results are drained with [Queue.Poll].
package zhpeq

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/zhpeq/driver"
	"github.com/slackhq/zhpeq/hw"
	"golang.org/x/sys/unix"
)

// APIVersion is the only api version New accepts.
const APIVersion = 1

// Attributes are the device limits published during the handshake.
type Attributes = driver.Attributes

// Lib is the result of the control handshake. Everything else is created
// from it.
type Lib struct {
	l        *logrus.Logger
	dev      driver.Device
	shared   []byte
	sd       driver.SharedData
	backend  Backend
	metrics  *engineMetrics
	closeMu  sync.Mutex
	isClosed bool

	// cmdMu pairs each control request with its response.
	cmdMu sync.Mutex
}

var (
	initOnce sync.Once
	initLib  *Lib
	initErr  error
)

// Init performs the handshake once per process. Later calls return the
// result of the first call, including its error, without touching the
// device again.
func Init(l *logrus.Logger, apiVersion int, options ...Option) (*Lib, error) {
	initOnce.Do(func() {
		initLib, initErr = New(l, apiVersion, options...)
	})
	return initLib, initErr
}

// New opens the control channel, validates the versions and the shared
// attribute region, selects the registered backend for the identifier the
// device reports and initializes it.
func New(l *logrus.Logger, apiVersion int, options ...Option) (_ *Lib, err error) {
	opts := defaultOptions()
	opts.apply(options)

	lib := &Lib{
		l:   l,
		dev: opts.dev,
	}
	if lib.dev == nil {
		lib.dev, err = driver.Open(opts.path)
		if err != nil {
			return nil, err
		}
	}

	defer func() {
		if err != nil {
			_ = lib.Close()
		}
	}()

	if !expectedSaw(l, "api_version", APIVersion, uint64(apiVersion)) ||
		!expectedSaw(l, "sizeof(hw.WorkEntry)", hw.EntryLen, uint64(unsafe.Sizeof(hw.WorkEntry{}))) ||
		!expectedSaw(l, "sizeof(hw.CompletionEntry)", hw.EntryLen, uint64(unsafe.Sizeof(hw.CompletionEntry{}))) {
		return nil, ErrProtocolMismatch
	}

	lib.cmdMu.Lock()
	rsp, err := driver.Init(lib.dev)
	lib.cmdMu.Unlock()
	if err != nil {
		l.WithError(err).WithField("device", lib.dev.Name()).Error("Control channel init failed")
		return nil, err
	}

	lib.shared, err = lib.dev.Mmap(int64(rsp.SharedOffset), int(rsp.SharedSize), unix.PROT_READ)
	if err != nil {
		return nil, fmt.Errorf("map shared region: %w", err)
	}

	sd, err := driver.DecodeShared(lib.shared, rsp.SharedOffset, rsp.SharedSize)
	if err != nil {
		l.WithError(err).WithField("device", lib.dev.Name()).Error("Shared region failed validation")
		return nil, err
	}
	lib.sd = *sd

	lib.backend, err = opts.registry.Lookup(sd.Attr.Backend)
	if err != nil {
		l.WithError(err).Error("No usable backend")
		return nil, err
	}

	lib.metrics = newEngineMetrics(opts.metrics)

	if err = lib.backend.LibInit(lib); err != nil {
		return nil, fmt.Errorf("%s backend init: %w", BackendName(sd.Attr.Backend), err)
	}

	l.WithFields(logrus.Fields{
		"device":      lib.dev.Name(),
		"backend":     BackendName(sd.Attr.Backend),
		"max_hw_qlen": sd.Attr.MaxHWQLen,
		"max_dma_len": sd.Attr.MaxDMALen,
	}).Debug("zhpeq initialized")

	return lib, nil
}

// expectedSaw logs a mismatch between a required and an observed value.
func expectedSaw(l *logrus.Logger, what string, expected, saw uint64) bool {
	if expected == saw {
		return true
	}
	l.WithFields(logrus.Fields{
		"what":     what,
		"expected": expected,
		"saw":      saw,
	}).Error("Unexpected value")
	return false
}

// Attributes returns the device limits.
func (lib *Lib) Attributes() Attributes {
	return lib.sd.Attr
}

// DebugFlags returns the debug flags published by the device.
func (lib *Lib) DebugFlags() uint32 {
	return lib.sd.DebugFlags
}

// Backend returns the selected backend implementation.
func (lib *Lib) Backend() Backend {
	return lib.backend
}

func (lib *Lib) Logger() *logrus.Logger {
	return lib.l
}

// Device returns the control channel.
func (lib *Lib) Device() driver.Device {
	return lib.dev
}

// Close unmaps the shared region and closes the control channel. Domains
// and queues must be closed first.
func (lib *Lib) Close() error {
	lib.closeMu.Lock()
	defer lib.closeMu.Unlock()
	if lib.isClosed {
		return nil
	}
	lib.isClosed = true

	var errs []error
	if lib.shared != nil {
		if err := lib.dev.Munmap(lib.shared); err != nil {
			errs = append(errs, fmt.Errorf("unmap shared region: %w", err))
		}
		lib.shared = nil
	}
	if lib.dev != nil {
		if err := lib.dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close control channel: %w", err))
		}
	}
	return errors.Join(errs...)
}
