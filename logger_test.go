package zhpeq

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/zhpeq/config"
	"github.com/slackhq/zhpeq/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLogger(t *testing.T) {
	l := logrus.New()
	c := config.NewC(test.NewLogger())

	require.NoError(t, c.LoadString("logging:\n  level: debug\n  format: json\n  disable_timestamp: true\n"))
	require.NoError(t, ConfigLogger(l, c))
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	f, ok := l.Formatter.(*logrus.JSONFormatter)
	require.True(t, ok)
	assert.True(t, f.DisableTimestamp)

	require.NoError(t, c.LoadString("logging:\n  timestamp_format: 2006\n"))
	require.NoError(t, ConfigLogger(l, c))
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	tf, ok := l.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.True(t, tf.FullTimestamp)
	assert.Equal(t, "2006", tf.TimestampFormat)

	require.NoError(t, c.LoadString("logging:\n  level: loud\n"))
	assert.ErrorContains(t, ConfigLogger(l, c), "possible levels")

	require.NoError(t, c.LoadString("logging:\n  format: xml\n"))
	assert.ErrorContains(t, ConfigLogger(l, c), "unknown log format")
}
