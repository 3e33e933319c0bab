// Package battery reads the host's charge level for the battery-floor
// sync constraint and the status endpoint.
package battery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"esfcal/internal/config"
	appLog "esfcal/internal/log"
)

// ErrUnavailable means no battery could be found on this host.
var ErrUnavailable = errors.New("battery: unavailable")

// Status is the charge snapshot served by the API.
type Status struct {
	// Percent is the charge level in 0-100%.
	Percent int `json:"percent"`
	// VoltageMv is the battery voltage in millivolts, 0 if unknown.
	VoltageMv int `json:"voltage_mv"`
	// Source names the reader that produced the value.
	Source string `json:"source"`
}

// Reader abstracts how the charge is obtained.
type Reader interface {
	Read(ctx context.Context) (Status, error)
}

// Probe adapts a Reader to the scheduler's BatteryProbe.
type Probe struct {
	Reader Reader
}

// Percent returns the current charge level.
func (p Probe) Percent(ctx context.Context) (int, error) {
	st, err := p.Reader.Read(ctx)
	if err != nil {
		return 0, err
	}
	return st.Percent, nil
}

// FixedReader always reports the configured level. It stands in for a
// battery on development machines and in tests.
type FixedReader struct {
	pct atomic.Int32
}

// NewFixedReader returns a reader stuck at pct.
func NewFixedReader(pct int) *FixedReader {
	r := &FixedReader{}
	r.Set(pct)
	return r
}

// Set changes the reported level, clamped to 0-100.
func (r *FixedReader) Set(pct int) {
	r.pct.Store(int32(clampPercent(pct)))
}

func (r *FixedReader) Read(_ context.Context) (Status, error) {
	return Status{Percent: int(r.pct.Load()), Source: "mock"}, nil
}

// SysfsReader reads the Linux power_supply class, e.g.
// /sys/class/power_supply/BAT0/capacity.
type SysfsReader struct {
	root string
}

// NewSysfsReader scans root (normally /sys/class/power_supply).
func NewSysfsReader(root string) *SysfsReader {
	if root == "" {
		root = "/sys/class/power_supply"
	}
	return &SysfsReader{root: root}
}

func (r *SysfsReader) Read(_ context.Context) (Status, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return Status{}, ErrUnavailable
	}
	for _, e := range entries {
		dir := filepath.Join(r.root, e.Name())
		kind, err := readTrimmed(filepath.Join(dir, "type"))
		if err != nil || kind != "Battery" {
			continue
		}
		capacity, err := readTrimmed(filepath.Join(dir, "capacity"))
		if err != nil {
			continue
		}
		pct, err := strconv.Atoi(capacity)
		if err != nil {
			return Status{}, fmt.Errorf("battery: %s capacity %q: %w", e.Name(), capacity, err)
		}
		st := Status{Percent: clampPercent(pct), Source: "sysfs:" + e.Name()}
		if uv, err := readTrimmed(filepath.Join(dir, "voltage_now")); err == nil {
			if n, err := strconv.Atoi(uv); err == nil {
				st.VoltageMv = n / 1000
			}
		}
		return st, nil
	}
	return Status{}, ErrUnavailable
}

// i2cReader talks to a PiSugar-style controller over I2C:
//   - 0x22 (high), 0x23 (low): battery voltage in millivolts
//   - 0x2A: battery percentage (0-100)
type i2cReader struct {
	busName string
	addr    uint16
}

// NewI2CReader constructs an I2C-backed Reader. busName "" selects the
// default bus. Nothing is opened until Read.
func NewI2CReader(busName string, addr uint16) Reader {
	return &i2cReader{busName: busName, addr: addr}
}

func (r *i2cReader) Read(_ context.Context) (Status, error) {
	if runtime.GOOS != "linux" {
		return Status{}, ErrUnavailable
	}
	if _, err := host.Init(); err != nil {
		return Status{}, err
	}

	bus, err := i2creg.Open(r.busName)
	if err != nil {
		return Status{}, err
	}
	defer bus.Close()

	dev := &i2c.Dev{Bus: bus, Addr: r.addr}
	readReg := func(reg byte) (byte, error) {
		buf := []byte{0}
		if err := dev.Tx([]byte{reg}, buf); err != nil {
			return 0, err
		}
		return buf[0], nil
	}

	high, err := readReg(0x22)
	if err != nil {
		return Status{}, err
	}
	low, err := readReg(0x23)
	if err != nil {
		return Status{}, err
	}
	pct, err := readReg(0x2A)
	if err != nil {
		return Status{}, err
	}

	return Status{
		Percent:   clampPercent(int(pct)),
		VoltageMv: int(uint16(high)<<8 | uint16(low)),
		Source:    "i2c",
	}, nil
}

// FromConfig picks a reader for cfg.Mode. "none" returns nil: the floor is
// then never enforced. "auto" tries sysfs, then I2C, and gives up quietly.
func FromConfig(ctx context.Context, cfg config.BatteryConfig) Reader {
	switch cfg.Mode {
	case "none":
		return nil
	case "mock":
		return NewFixedReader(100)
	case "sysfs":
		return NewSysfsReader(cfg.SysfsRoot)
	case "i2c":
		return NewI2CReader(cfg.Bus, cfg.Address)
	}

	candidates := []Reader{NewSysfsReader(cfg.SysfsRoot), NewI2CReader(cfg.Bus, cfg.Address)}
	for _, r := range candidates {
		st, err := r.Read(ctx)
		if err == nil {
			appLog.Info("battery reader selected", "source", st.Source, "percent", st.Percent)
			return r
		}
	}
	appLog.Info("no battery found, floor disabled")
	return nil
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
