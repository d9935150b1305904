package zhpeq

import (
	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/zhpeq/driver"
)

type optionValues struct {
	dev      driver.Device
	path     string
	registry *Registry
	metrics  metrics.Registry
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func defaultOptions() optionValues {
	return optionValues{
		path:     driver.DefaultPath,
		registry: defaultRegistry,
		metrics:  metrics.DefaultRegistry,
	}
}

// Option can be passed to [New] or [Init].
type Option func(*optionValues)

// WithDevice uses an already open control channel, such as the emulator,
// instead of opening the character device. The library takes ownership of
// dev and closes it in [Lib.Close] or when initialization fails.
func WithDevice(dev driver.Device) Option {
	return func(o *optionValues) { o.dev = dev }
}

// WithDevicePath sets the character device to open. Defaults to
// [driver.DefaultPath].
func WithDevicePath(path string) Option {
	return func(o *optionValues) { o.path = path }
}

// WithRegistry selects the backend implementations from r instead of the
// ones added with [RegisterBackend].
func WithRegistry(r *Registry) Option {
	return func(o *optionValues) { o.registry = r }
}

// WithMetricsRegistry records the queue metrics in r instead of
// metrics.DefaultRegistry.
func WithMetricsRegistry(r metrics.Registry) Option {
	return func(o *optionValues) { o.metrics = r }
}
