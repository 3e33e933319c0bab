package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// PortalConfig describes the planning portal endpoint and the fixed
// parameters its GetListeHorairesMoniteur method expects.
type PortalConfig struct {
	// BaseURL is the portal host, e.g. "https://esf356.w-esf.com/".
	BaseURL string `yaml:"base_url" json:"base_url"`
	// Endpoint is the proxy path appended to BaseURL.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	ServiceContract string `yaml:"service_contract" json:"service_contract"`
	ServiceMethod   string `yaml:"service_method" json:"service_method"`

	TypeLibelle         string `yaml:"type_libelle" json:"type_libelle"`
	Language            string `yaml:"language" json:"language"`
	IDGenCaisse         string `yaml:"id_gen_caisse" json:"id_gen_caisse"`
	IDGenPosteTechnique string `yaml:"id_gen_poste_technique" json:"id_gen_poste_technique"`
	IDComLangue         string `yaml:"id_com_langue" json:"id_com_langue"`
	IDComSaison         string `yaml:"id_com_saison" json:"id_com_saison"`
	NoEcole             string `yaml:"no_ecole" json:"no_ecole"`
	CodeUC              string `yaml:"code_uc" json:"code_uc"`
	CodeApplication     string `yaml:"code_application" json:"code_application"`

	// TimeoutSeconds bounds a single fetch.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// BatteryConfig selects how the battery floor predicate reads the charge.
type BatteryConfig struct {
	// Mode is one of "auto", "sysfs", "i2c", "mock", "none".
	Mode string `yaml:"mode" json:"mode"`
	// SysfsRoot is normally /sys/class/power_supply.
	SysfsRoot string `yaml:"sysfs_root" json:"sysfs_root"`
	// Bus is the periph.io I2C bus name ("" for the default bus).
	Bus string `yaml:"bus" json:"bus"`
	// Address is the 7-bit I2C address of the battery controller.
	Address uint16 `yaml:"address" json:"address"`
}

// NetworkConfig controls the wifi-equivalent transport probe.
type NetworkConfig struct {
	// Mode is "sysfs" (probe the links), "unmetered" or "metered" (fixed
	// answer for hosts where sysfs says nothing useful).
	Mode string `yaml:"mode" json:"mode"`
	// SysfsRoot is normally /sys/class/net.
	SysfsRoot string `yaml:"sysfs_root" json:"sysfs_root"`
	// Unmetered lists interface names treated as wifi-equivalent even if
	// they are not wireless (e.g. "eth0" on a wired host).
	Unmetered []string `yaml:"unmetered" json:"unmetered"`
}

// PushoverConfig enables push notifications. Empty token disables them.
type PushoverConfig struct {
	Token string `yaml:"token" json:"token"`
	User  string `yaml:"user" json:"user"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
// PasswordHash (bcrypt, see "esfcal hash-password") wins over Password.
type BasicAuthConfig struct {
	Username     string `yaml:"username" json:"username"`
	Password     string `yaml:"password,omitempty" json:"-"`
	PasswordHash string `yaml:"password_hash,omitempty" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA reference zone all stored timestamps use.
	Timezone string `yaml:"timezone" json:"timezone"`

	// DataDir holds the database, policy and session files unless those
	// are given as absolute paths.
	DataDir     string `yaml:"data_dir" json:"data_dir"`
	Database    string `yaml:"database" json:"database"`
	PolicyFile  string `yaml:"policy_file" json:"policy_file"`
	SessionFile string `yaml:"session_file" json:"session_file"`

	Portal PortalConfig `yaml:"portal" json:"portal"`

	// FetchMonths is the forward window requested on each cycle.
	FetchMonths int `yaml:"fetch_months" json:"fetch_months"`
	// RetentionDays is the prune horizon for past entries.
	RetentionDays int `yaml:"retention_days" json:"retention_days"`

	// AbsenceCodes are post codes or labels that mark an entry as absence.
	AbsenceCodes []string `yaml:"absence_codes" json:"absence_codes"`

	Battery BatteryConfig `yaml:"battery" json:"battery"`
	Network NetworkConfig `yaml:"network" json:"network"`

	Pushover PushoverConfig `yaml:"pushover" json:"pushover"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

var defaultAbsenceCodes = []string{"ABSENT", "ABSENCEMONO", "ABSENCE MONO"}

func defaultPortal() PortalConfig {
	return PortalConfig{
		BaseURL:             "https://esf356.w-esf.com/",
		Endpoint:            "AjaxProxyService.svc/InvokeMethod",
		ServiceContract:     "IPlanningParticulierServicePublic",
		ServiceMethod:       "GetListeHorairesMoniteur",
		TypeLibelle:         "1",
		Language:            "1",
		IDGenCaisse:         "0",
		IDGenPosteTechnique: "6862462",
		IDComLangue:         "1",
		IDComSaison:         "63",
		NoEcole:             "356",
		CodeUC:              "TECH-UC002-M",
		CodeApplication:     "PLANNING-PARTICULIER-MONITEUR",
		TimeoutSeconds:      30,
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:        "127.0.0.1:8080",
		Timezone:      "Europe/Paris",
		DataDir:       "/var/lib/esfcal",
		Database:      "esfcal.db",
		PolicyFile:    "policy.yaml",
		SessionFile:   "session.yaml",
		Portal:        defaultPortal(),
		FetchMonths:   4,
		RetentionDays: 30,
		AbsenceCodes:  append([]string(nil), defaultAbsenceCodes...),
		Battery: BatteryConfig{
			Mode:      "auto",
			SysfsRoot: "/sys/class/power_supply",
			Address:   0x57,
		},
		Network: NetworkConfig{
			Mode:      "sysfs",
			SysfsRoot: "/sys/class/net",
		},
		LogLevel: "info",
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()

	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.Database == "" {
		c.Database = d.Database
	}
	if c.PolicyFile == "" {
		c.PolicyFile = d.PolicyFile
	}
	if c.SessionFile == "" {
		c.SessionFile = d.SessionFile
	}

	p := &c.Portal
	dp := d.Portal
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&p.BaseURL, dp.BaseURL)
	fill(&p.Endpoint, dp.Endpoint)
	fill(&p.ServiceContract, dp.ServiceContract)
	fill(&p.ServiceMethod, dp.ServiceMethod)
	fill(&p.TypeLibelle, dp.TypeLibelle)
	fill(&p.Language, dp.Language)
	fill(&p.IDGenCaisse, dp.IDGenCaisse)
	fill(&p.IDGenPosteTechnique, dp.IDGenPosteTechnique)
	fill(&p.IDComLangue, dp.IDComLangue)
	fill(&p.IDComSaison, dp.IDComSaison)
	fill(&p.NoEcole, dp.NoEcole)
	fill(&p.CodeUC, dp.CodeUC)
	fill(&p.CodeApplication, dp.CodeApplication)
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = dp.TimeoutSeconds
	}

	if c.FetchMonths <= 0 {
		c.FetchMonths = d.FetchMonths
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = d.RetentionDays
	}
	if c.AbsenceCodes == nil {
		c.AbsenceCodes = d.AbsenceCodes
	}

	switch c.Battery.Mode {
	case "auto", "sysfs", "i2c", "mock", "none":
		// ok
	default:
		c.Battery.Mode = "auto"
	}
	if c.Battery.SysfsRoot == "" {
		c.Battery.SysfsRoot = d.Battery.SysfsRoot
	}
	if c.Battery.Address == 0 {
		c.Battery.Address = d.Battery.Address
	}
	switch c.Network.Mode {
	case "sysfs", "unmetered", "metered":
	default:
		c.Network.Mode = "sysfs"
	}
	if c.Network.SysfsRoot == "" {
		c.Network.SysfsRoot = d.Network.SysfsRoot
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// FetchTimeout is Portal.TimeoutSeconds as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Portal.TimeoutSeconds) * time.Second
}

// Retention is RetentionDays as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// DatabasePath resolves Database against DataDir.
func (c *Config) DatabasePath() string { return c.resolve(c.Database) }

// PolicyPath resolves PolicyFile against DataDir.
func (c *Config) PolicyPath() string { return c.resolve(c.PolicyFile) }

// SessionPath resolves SessionFile against DataDir.
func (c *Config) SessionPath() string { return c.resolve(c.SessionFile) }

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is unmarshalled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save normalizes cfg and writes it to path atomically with 0600 perms.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data next to path and renames it into place,
// creating the parent directory (0700) if needed. The final file is 0600.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".esfcal-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
