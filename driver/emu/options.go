package emu

import (
	"errors"

	"github.com/slackhq/zhpeq/driver"
	"github.com/slackhq/zhpeq/hw"
)

type optionValues struct {
	attr       driver.Attributes
	debugFlags uint32
	name       string
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.attr.MaxHWQLen < 2 || o.attr.MaxHWQLen > hw.MaxQueueLen {
		return errors.New("max hardware queue length must be between 2 and 65536")
	}
	if o.attr.MaxTxQueues == 0 {
		return errors.New("at least one queue is required")
	}
	if o.attr.MaxDMALen == 0 {
		return errors.New("max DMA length is required")
	}
	return nil
}

var optionDefaults = optionValues{
	attr: driver.Attributes{
		Backend:     driver.BackendLibfabric,
		MaxTxQueues: 1024,
		MaxRxQueues: 1024,
		MaxHWQLen:   hw.MaxQueueLen,
		MaxSWQLen:   hw.MaxQueueLen,
		MaxDMALen:   1 << 30,
	},
	name: "emulated",
}

// Option can be passed to [New] to influence the emulated device.
type Option func(*optionValues)

// WithBackend sets the backend identifier published in the shared region.
func WithBackend(id uint32) Option {
	return func(o *optionValues) { o.attr.Backend = id }
}

// WithMaxQueueLen sets the largest queue length a client may request.
func WithMaxQueueLen(hwLen, swLen uint32) Option {
	return func(o *optionValues) {
		o.attr.MaxHWQLen = hwLen
		o.attr.MaxSWQLen = swLen
	}
}

// WithMaxQueues limits how many queues may be allocated at the same time.
func WithMaxQueues(tx, rx uint32) Option {
	return func(o *optionValues) {
		o.attr.MaxTxQueues = tx
		o.attr.MaxRxQueues = rx
	}
}

// WithMaxDMALen sets the largest put or get transfer.
func WithMaxDMALen(n uint64) Option {
	return func(o *optionValues) { o.attr.MaxDMALen = n }
}

func WithDebugFlags(flags uint32) Option {
	return func(o *optionValues) { o.debugFlags = flags }
}

// WithName sets the name the device reports in logs.
func WithName(name string) Option {
	return func(o *optionValues) { o.name = name }
}
