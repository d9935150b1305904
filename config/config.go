// Package config loads the yaml settings shared by the zhpeq tools.
package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/zhpeq/util"
	"go.yaml.in/yaml/v3"
)

type C struct {
	path        string
	files       []string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads the file at path, or every yaml file below path when it is a
// directory. Files are merged in lexical order, later files win.
func (c *C) Load(path string) error {
	c.path = path
	c.files = c.files[:0]

	if err := c.resolve(path, true); err != nil {
		return err
	}
	if len(c.files) == 0 {
		return fmt.Errorf("no config files found at %s", path)
	}
	sort.Strings(c.files)

	var m map[string]any
	for _, f := range c.files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}

		var nm map[string]any
		if err := yaml.Unmarshal(b, &nm); err != nil {
			return fmt.Errorf("parse %s: %w", f, err)
		}
		if err := mergo.Merge(&nm, m, mergo.WithAppendSlice); err != nil {
			return fmt.Errorf("merge %s: %w", f, err)
		}
		m = nm
	}

	c.setSettings(m)
	return nil
}

// LoadString replaces the settings with the yaml in raw.
func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("empty configuration")
	}
	var m map[string]any
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return err
	}
	c.setSettings(m)
	return nil
}

func (c *C) setSettings(m map[string]any) {
	if m == nil {
		m = make(map[string]any)
	}
	c.Settings = m
}

// RegisterReloadCallback stores a function to be called after a reload.
// Callbacks should use HasChanged to decide whether they need to act.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// HasChanged reports whether the yaml form of k differs between the current
// and the previous settings. An empty k compares everything.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var nv, ov any
	if k == "" {
		nv, ov = c.Settings, c.oldSettings
		k = "all settings"
	} else {
		nv, ov = c.get(k, c.Settings), c.get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}
	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}

	return string(newVals) != string(oldVals)
}

// CatchHUP reloads the config from the path given to Load each time the
// process receives SIGHUP, until ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

func (c *C) ReloadConfig() {
	c.reload(func() error { return c.Load(c.path) })
}

func (c *C) ReloadConfigString(raw string) error {
	return c.reload(func() error { return c.LoadString(raw) })
}

func (c *C) reload(load func() error) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := make(map[string]any, len(c.Settings))
	for k, v := range c.Settings {
		old[k] = v
	}

	if err := load(); err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
		return err
	}
	c.oldSettings = old

	for _, f := range c.callbacks {
		f(c)
	}
	return nil
}

// GetString will get the string for k or return the default d if not found or invalid
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}
	return fmt.Sprintf("%v", r)
}

// GetInt will get the int for k or return the default d if not found or invalid
func (c *C) GetInt(k string, d int) int {
	v, err := strconv.Atoi(c.GetString(k, strconv.Itoa(d)))
	if err != nil {
		return d
	}
	return v
}

// GetUint32 will get the uint32 for k or return the default d if not found or invalid
func (c *C) GetUint32(k string, d uint32) uint32 {
	r := c.GetInt(k, int(d))
	if r < 0 || uint64(r) > uint64(math.MaxUint32) {
		return d
	}
	return uint32(r)
}

// GetBool will get the bool for k or return the default d if not found or invalid
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, strconv.FormatBool(d)))
	v, err := strconv.ParseBool(r)
	if err != nil {
		switch r {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		return d
	}
	return v
}

// GetDuration will get the duration for k or return the default d if not found or invalid
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(c.GetString(k, ""))
	if err != nil {
		return d
	}
	return v
}

// GetSize reads a byte count or entry count for k. Values may carry a unit
// suffix: k, m, g and t scale by powers of 1000, K, M, G and T by powers of
// 1024. Missing or invalid values return d.
func (c *C) GetSize(k string, d uint64) uint64 {
	r := c.Get(k)
	if r == nil {
		return d
	}
	v, err := util.ParseSizeAny(k, fmt.Sprintf("%v", r))
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Warn("Invalid size, using default")
		return d
	}
	return v
}

func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return c.get(k, c.Settings) != nil
}

func (c *C) get(k string, v any) any {
	for _, p := range strings.Split(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v, ok = m[p]
		if !ok {
			return nil
		}
	}
	return v
}

// direct signifies if this is the config path directly specified by the user,
// versus a file/dir found by recursing into that path
func (c *C) resolve(path string, direct bool) error {
	i, err := os.Stat(path)
	if err != nil {
		if direct {
			return err
		}
		return nil
	}

	if !i.IsDir() {
		ext := filepath.Ext(path)
		if !direct && ext != ".yaml" && ext != ".yml" {
			return nil
		}
		ap, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		c.files = append(c.files, ap)
		return nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("problem while reading directory %s: %w", path, err)
	}
	for _, e := range entries {
		if err := c.resolve(filepath.Join(path, e.Name()), false); err != nil {
			return err
		}
	}
	return nil
}
