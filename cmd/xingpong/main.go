// Command xingpong measures put latency between two hosts by bouncing ring
// entries between them.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/zhpeq"
	_ "github.com/slackhq/zhpeq/backend/fabric"
	"github.com/slackhq/zhpeq/config"
	"github.com/slackhq/zhpeq/util"
)

const appName = "xingpong"

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	a, err := parseArgs(appName, os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if isUsage(err) {
			os.Exit(255)
		}
		os.Exit(1)
	}
	if a.version {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	l := logrus.New()
	l.Out = os.Stderr

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, l, a, os.Stdout); err != nil {
		util.LogWithContextIfNeeded("Benchmark failed", err, l)
		cancel()
		os.Exit(1)
	}
}

// loadConfig builds the configuration from -config, or from -dev alone.
func loadConfig(l *logrus.Logger, a *args) (*config.C, error) {
	c := config.NewC(l)
	if a.configPath != "" {
		if err := c.Load(a.configPath); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return c, nil
	}
	if a.devPath != "" {
		if err := c.LoadString(fmt.Sprintf("driver:\n  device: %q\n", a.devPath)); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func run(ctx context.Context, l *logrus.Logger, a *args, out io.Writer) error {
	c, err := loadConfig(l, a)
	if err != nil {
		return err
	}
	if err := zhpeq.ConfigLogger(l, c); err != nil {
		return util.NewContextualError("Failed to configure the logger", nil, err)
	}
	c.RegisterReloadCallback(func(c *config.C) {
		if err := zhpeq.ConfigLogger(l, c); err != nil {
			l.WithError(err).Error("Failed to reconfigure the logger")
		}
	})
	if a.configPath != "" {
		go c.CatchHUP(ctx)
	}

	if err := zhpeq.StartStats(l, c, metrics.DefaultRegistry, Build, false); err != nil {
		return util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	dev, err := zhpeq.OpenDevice(l, c)
	if err != nil {
		return util.NewContextualError("Failed to open device", logrus.Fields{"device": c.GetString("driver.device", "")}, err)
	}

	lib, err := zhpeq.Init(l, zhpeq.APIVersion, zhpeq.WithDevice(dev))
	if err != nil {
		return err
	}
	defer lib.Close()

	if a.client() {
		return runClient(ctx, lib, a, out)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", a.service))
	if err != nil {
		return util.NewContextualError("Failed to listen", logrus.Fields{"service": a.service}, err)
	}
	defer ln.Close()

	l.WithField("addr", ln.Addr()).Info("Waiting for benchmark clients")
	err = runServer(ctx, l, lib, a, ln, out)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
