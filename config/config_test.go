package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slackhq/zhpeq/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Load(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "01.yaml"), []byte("driver:\n  device: /dev/zhpe\nlogging:\n  level: info\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02.yml"), []byte("driver:\n  device: emulated\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("not: yaml: at: all"), 0o600))

	c := NewC(l)
	require.NoError(t, c.Load(dir))
	assert.Equal(t, "emulated", c.GetString("driver.device", ""))
	assert.Equal(t, "info", c.GetString("logging.level", ""))

	assert.Error(t, NewC(l).Load(filepath.Join(dir, "missing")))
	assert.ErrorContains(t, NewC(l).Load(t.TempDir()), "no config files found")
}

func TestConfig_LoadString(t *testing.T) {
	c := NewC(test.NewLogger())
	assert.Error(t, c.LoadString(""))
	assert.Error(t, c.LoadString(" invalid yaml"))

	require.NoError(t, c.LoadString("outer:\n  inner: hi"))
	assert.Equal(t, "hi", c.Get("outer.inner"))
	assert.Nil(t, c.Get("outer.nope"))
	assert.True(t, c.IsSet("outer"))
}

func TestConfig_Getters(t *testing.T) {
	c := NewC(test.NewLogger())
	require.NoError(t, c.LoadString(`
emulated:
  max_hw_qlen: 1K
  max_dma_len: 4m
  max_tx_queues: 16
  bogus: 12q
  negative: -1
bool: yEs
interval: 5s
`))

	assert.Equal(t, uint64(1024), c.GetSize("emulated.max_hw_qlen", 0))
	assert.Equal(t, uint64(4000000), c.GetSize("emulated.max_dma_len", 0))
	assert.Equal(t, uint64(16), c.GetSize("emulated.max_tx_queues", 0))
	assert.Equal(t, uint64(7), c.GetSize("emulated.bogus", 7))
	assert.Equal(t, uint64(9), c.GetSize("emulated.missing", 9))

	assert.Equal(t, 16, c.GetInt("emulated.max_tx_queues", 0))
	assert.Equal(t, uint32(3), c.GetUint32("emulated.negative", 3))
	assert.True(t, c.GetBool("bool", false))
	assert.Equal(t, 5*time.Second, c.GetDuration("interval", 0))
	assert.Equal(t, time.Minute, c.GetDuration("bool", time.Minute))
}

func TestConfig_HasChanged(t *testing.T) {
	c := NewC(test.NewLogger())
	c.Settings["test"] = "hi"
	assert.False(t, c.HasChanged(""))

	c.oldSettings = map[string]any{"test": "no"}
	assert.True(t, c.HasChanged("test"))
	assert.True(t, c.HasChanged(""))

	c.oldSettings = map[string]any{"test": "hi"}
	assert.False(t, c.HasChanged("test"))
	assert.False(t, c.HasChanged(""))
}

func TestConfig_ReloadConfigString(t *testing.T) {
	done := make(chan bool, 1)

	c := NewC(test.NewLogger())
	require.NoError(t, c.LoadString("outer:\n  inner: hi"))
	assert.False(t, c.HasChanged("outer.inner"))

	c.RegisterReloadCallback(func(c *C) {
		done <- true
	})

	require.NoError(t, c.ReloadConfigString("outer:\n  inner: ho"))
	assert.True(t, c.HasChanged("outer.inner"))
	assert.True(t, c.HasChanged("outer"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reload callback was not called")
	}

	// A failed reload keeps the previous settings.
	assert.Error(t, c.ReloadConfigString(" invalid yaml"))
	assert.Equal(t, "ho", c.GetString("outer.inner", ""))
}
