package zhpeq

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/zhpeq/config"
)

// StartStats exports the metrics in r through the sink named by stats.type.
// With configTest set the sink is validated but nothing is started.
func StartStats(l *logrus.Logger, c *config.C, r metrics.Registry, buildVersion string, configTest bool) error {
	mType := c.GetString("stats.type", "")
	if mType == "" || mType == "none" {
		return nil
	}

	interval := c.GetDuration("stats.interval", 0)
	if interval <= 0 {
		return fmt.Errorf("stats.interval was an invalid duration: %s", c.GetString("stats.interval", ""))
	}

	var err error
	switch mType {
	case "graphite":
		err = startGraphiteStats(l, r, interval, c, configTest)
	case "prometheus":
		err = startPrometheusStats(l, r, interval, c, buildVersion, configTest)
	default:
		return fmt.Errorf("stats.type was not understood: %s", mType)
	}
	if err != nil {
		return err
	}

	if c.GetBool("stats.runtime", false) && !configTest {
		metrics.RegisterRuntimeMemStats(r)
		go metrics.CaptureRuntimeMemStats(r, interval)
	}

	return nil
}

func startGraphiteStats(l *logrus.Logger, r metrics.Registry, i time.Duration, c *config.C, configTest bool) error {
	proto := c.GetString("stats.protocol", "tcp")
	host := c.GetString("stats.host", "")
	if host == "" {
		return errors.New("stats.host can not be empty")
	}

	prefix := c.GetString("stats.prefix", "zhpeq")
	addr, err := net.ResolveTCPAddr(proto, host)
	if err != nil {
		return fmt.Errorf("error while setting up graphite sink: %w", err)
	}

	l.WithFields(logrus.Fields{"interval": i, "prefix": prefix, "addr": addr}).Info("Starting graphite")
	if !configTest {
		go graphite.Graphite(r, i, prefix, addr)
	}
	return nil
}

func startPrometheusStats(l *logrus.Logger, r metrics.Registry, i time.Duration, c *config.C, buildVersion string, configTest bool) error {
	namespace := c.GetString("stats.namespace", "")
	subsystem := c.GetString("stats.subsystem", "")

	listen := c.GetString("stats.listen", "")
	if listen == "" {
		return errors.New("stats.listen should not be empty")
	}

	path := c.GetString("stats.path", "/metrics")
	if path == "" {
		return errors.New("stats.path should not be empty")
	}

	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(r, namespace, subsystem, pr, i)

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "info",
		Help:      "Version information for the zhpeq binary",
		ConstLabels: prometheus.Labels{
			"version":   buildVersion,
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	if configTest {
		return nil
	}

	go pClient.UpdatePrometheusMetrics()

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		l.WithFields(logrus.Fields{"listen": listen, "path": path}).Info("Prometheus stats listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.WithError(err).Error("Prometheus stats server stopped")
		}
	}()

	return nil
}
