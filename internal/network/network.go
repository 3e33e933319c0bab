// Package network tells whether the host is on a wifi-equivalent
// (unmetered) link, for the wifi-only sync constraint.
package network

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"esfcal/internal/config"
)

// Prober answers whether a wifi-equivalent link is up.
type Prober interface {
	Unmetered(ctx context.Context) (bool, error)
}

// FromConfig picks the probe for cfg.Mode.
func FromConfig(cfg config.NetworkConfig) Prober {
	switch cfg.Mode {
	case "unmetered":
		return Static(true)
	case "metered":
		return Static(false)
	default:
		return NewSysfsProbe(cfg.SysfsRoot, cfg.Unmetered)
	}
}

// Interface is one link as seen in sysfs.
type Interface struct {
	Name      string `json:"name"`
	Up        bool   `json:"up"`
	Wireless  bool   `json:"wireless"`
	Unmetered bool   `json:"unmetered"`
}

// SysfsProbe inspects /sys/class/net. A link counts as wifi-equivalent when
// it is up and either wireless or listed in unmetered.
type SysfsProbe struct {
	root      string
	unmetered []string
}

// NewSysfsProbe returns a probe over root with extra unmetered interface
// names (e.g. a wired "eth0").
func NewSysfsProbe(root string, unmetered []string) *SysfsProbe {
	if root == "" {
		root = "/sys/class/net"
	}
	return &SysfsProbe{root: root, unmetered: unmetered}
}

// Interfaces lists every non-loopback link.
func (p *SysfsProbe) Interfaces(_ context.Context) ([]Interface, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, err
	}

	out := make([]Interface, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if name == "lo" {
			continue
		}
		dir := filepath.Join(p.root, name)
		iface := Interface{
			Name:     name,
			Up:       operUp(dir),
			Wireless: exists(filepath.Join(dir, "wireless")) || exists(filepath.Join(dir, "phy80211")),
		}
		iface.Unmetered = iface.Wireless || slices.Contains(p.unmetered, name)
		out = append(out, iface)
	}
	return out, nil
}

// Unmetered reports whether any wifi-equivalent link is up.
func (p *SysfsProbe) Unmetered(ctx context.Context) (bool, error) {
	ifaces, err := p.Interfaces(ctx)
	if err != nil {
		return false, err
	}
	if len(ifaces) == 0 {
		return false, errors.New("network: no interfaces")
	}
	for _, iface := range ifaces {
		if iface.Up && iface.Unmetered {
			return true, nil
		}
	}
	return false, nil
}

// Static is a fixed answer, for hosts where sysfs is not meaningful.
type Static bool

func (s Static) Unmetered(context.Context) (bool, error) { return bool(s), nil }

func operUp(dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, "operstate"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "up"
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
