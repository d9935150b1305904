package zhpeq

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/zhpeq/config"
	"github.com/slackhq/zhpeq/driver"
	"github.com/slackhq/zhpeq/driver/emu"
	"github.com/slackhq/zhpeq/hw"
)

// EmulatedDevice is the driver.device value that selects the in process
// emulator instead of a character device.
const EmulatedDevice = "emulated"

// OpenDevice opens the control channel named by driver.device. The result
// is meant to be handed to [New] with [WithDevice].
func OpenDevice(l *logrus.Logger, c *config.C) (driver.Device, error) {
	path := c.GetString("driver.device", driver.DefaultPath)
	if path != EmulatedDevice {
		dev, err := driver.Open(path)
		if err != nil {
			return nil, err
		}
		return dev, nil
	}

	backend, err := parseBackend(c.GetString("driver.emulated.backend", "libfabric"))
	if err != nil {
		return nil, err
	}

	hwLen := c.GetSize("driver.emulated.max_hw_qlen", hw.MaxQueueLen)
	swLen := c.GetSize("driver.emulated.max_sw_qlen", hwLen)
	if hwLen > hw.MaxQueueLen || swLen > hw.MaxQueueLen {
		return nil, fmt.Errorf("driver.emulated queue lengths must not exceed %d", hw.MaxQueueLen)
	}

	dev, err := emu.New(l,
		emu.WithBackend(backend),
		emu.WithMaxQueueLen(uint32(hwLen), uint32(swLen)),
		emu.WithMaxQueues(
			c.GetUint32("driver.emulated.max_tx_queues", 1024),
			c.GetUint32("driver.emulated.max_rx_queues", 1024),
		),
		emu.WithMaxDMALen(c.GetSize("driver.emulated.max_dma_len", 1<<30)),
		emu.WithDebugFlags(c.GetUint32("driver.emulated.debug_flags", 0)),
	)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func parseBackend(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "zhpe":
		return BackendZHPE, nil
	case "libfabric", "fabric":
		return BackendLibfabric, nil
	}
	return 0, fmt.Errorf("driver.emulated.backend was not understood: %s", s)
}
