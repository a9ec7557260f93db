// Package config loads the daemon's TOML configuration file and supplies
// the defaults a fresh install boots with when no file is present.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// Config is the parsed contents of /etc/workerd/config.toml.
type Config struct {
	Client  ClientConfig  `toml:"client,omitempty" json:"client"`
	VM      VMConfig      `toml:"vm,omitempty" json:"vm"`
	Chroot  ChrootConfig  `toml:"chroot,omitempty" json:"chroot"`
	Timeout TimeoutConfig `toml:"timeout,omitempty" json:"timeout"`
}

// ClientConfig describes the mutual-TLS client-facing endpoint.
type ClientConfig struct {
	Listen   string `toml:"listen,omitempty" json:"listen"`
	CAFile   string `toml:"ca_file,omitempty" json:"ca_file"`
	CertFile string `toml:"cert_file,omitempty" json:"cert_file"`
	KeyFile  string `toml:"key_file,omitempty" json:"key_file"`
}

// VMConfig describes the plain-TCP VM-facing endpoint, the fixed-size warm
// pool, and the Firecracker material each slot boots from.
type VMConfig struct {
	Listen         string `toml:"listen,omitempty" json:"listen"`
	PoolSize       int    `toml:"pool_size,omitempty" json:"pool_size"`
	Template       string `toml:"template,omitempty" json:"template"`
	KernelPath     string `toml:"kernel_path,omitempty" json:"kernel_path"`
	FirecrackerBin string `toml:"firecracker_bin,omitempty" json:"firecracker_bin"`
	VCPUCount      int64  `toml:"vcpu_count,omitempty" json:"vcpu_count"`
	MemSizeMiB     int64  `toml:"mem_size_mib,omitempty" json:"mem_size_mib"`
	DiskDir        string `toml:"disk_dir,omitempty" json:"disk_dir"`
}

// ChrootConfig describes the privilege-drop target applied after socket
// setup.
type ChrootConfig struct {
	Dir  string `toml:"dir,omitempty" json:"dir"`
	User string `toml:"user,omitempty" json:"user"`
}

// TimeoutConfig holds the heartbeat-then-reap interval shared by the
// frontend's client timeout and the VM scheduler's slot timeout.
type TimeoutConfig struct {
	ClientSeconds int `toml:"client_seconds,omitempty" json:"client_seconds"`
	VMSeconds     int `toml:"vm_seconds,omitempty" json:"vm_seconds"`
}

// configPathOverride is set by the -c flag.
var configPathOverride string

// SetConfigPath allows the CLI to override the default config location.
func SetConfigPath(path string) {
	configPathOverride = path
}

// ConfigPath returns the file Load reads from: the -c override, the
// WORKERD_CONFIG env var, or /etc/workerd/config.toml.
func ConfigPath() string {
	if configPathOverride != "" {
		return configPathOverride
	}
	if v := os.Getenv("WORKERD_CONFIG"); v != "" {
		return v
	}
	return "/etc/workerd/config.toml"
}

// Default matches the documented external interfaces: port 443/8123,
// /etc/ssl certificate paths, chroot to /var/workerd as user _workerd,
// 1-second timeouts.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Listen:   ":443",
			CAFile:   "/etc/ssl/cert.pem",
			CertFile: "/etc/ssl/server.pem",
			KeyFile:  "/etc/ssl/private/server.key",
		},
		VM: VMConfig{
			Listen:         ":8123",
			PoolSize:       4,
			Template:       "/var/lib/workerd/images/default.rootfs",
			KernelPath:     "/var/lib/workerd/images/vmlinux",
			FirecrackerBin: "/usr/bin/firecracker",
			VCPUCount:      2,
			MemSizeMiB:     4608,
			DiskDir:        "/var/workerd/disks",
		},
		Chroot: ChrootConfig{
			Dir:  "/var/workerd",
			User: "_workerd",
		},
		Timeout: TimeoutConfig{
			ClientSeconds: 1,
			VMSeconds:     1,
		},
	}
}

// Load reads ConfigPath() and overlays it onto Default(); a missing file
// is not an error, matching a fresh install with nothing under /etc/workerd
// yet.
func Load() (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", ConfigPath(), err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", ConfigPath(), err)
	}
	return cfg, nil
}

// Save writes cfg back to ConfigPath(); Set calls it to persist a
// "workerd config set" change.
func Save(cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	return os.WriteFile(ConfigPath(), data, 0o644)
}

// validKeys lists the dot-separated keys Get/Set accept, mirroring the
// flat key-value surface an operator edits from the command line.
var validKeys = map[string]bool{
	"client.listen":    true,
	"client.ca_file":   true,
	"client.cert_file": true,
	"client.key_file":  true,
	"vm.listen":          true,
	"vm.pool_size":       true,
	"vm.template":        true,
	"vm.kernel_path":     true,
	"vm.firecracker_bin": true,
	"vm.vcpu_count":      true,
	"vm.mem_size_mib":    true,
	"vm.disk_dir":        true,
	"chroot.dir":       true,
	"chroot.user":      true,
}

// Get retrieves a single config value by dot-separated key.
func Get(key string) (string, error) {
	if !validKeys[key] {
		return "", fmt.Errorf("unknown config key: %s", key)
	}
	cfg, err := Load()
	if err != nil {
		return "", err
	}
	return getField(cfg, key)
}

// Set sets a single config value by dot-separated key and persists it.
func Set(key, value string) error {
	if !validKeys[key] {
		return fmt.Errorf("unknown config key: %s", key)
	}
	cfg, err := Load()
	if err != nil {
		return err
	}
	if err := setField(cfg, key, value); err != nil {
		return err
	}
	return Save(cfg)
}

func getField(cfg *Config, key string) (string, error) {
	switch key {
	case "client.listen":
		return cfg.Client.Listen, nil
	case "client.ca_file":
		return cfg.Client.CAFile, nil
	case "client.cert_file":
		return cfg.Client.CertFile, nil
	case "client.key_file":
		return cfg.Client.KeyFile, nil
	case "vm.listen":
		return cfg.VM.Listen, nil
	case "vm.pool_size":
		return strconv.Itoa(cfg.VM.PoolSize), nil
	case "vm.template":
		return cfg.VM.Template, nil
	case "vm.kernel_path":
		return cfg.VM.KernelPath, nil
	case "vm.firecracker_bin":
		return cfg.VM.FirecrackerBin, nil
	case "vm.vcpu_count":
		return strconv.FormatInt(cfg.VM.VCPUCount, 10), nil
	case "vm.mem_size_mib":
		return strconv.FormatInt(cfg.VM.MemSizeMiB, 10), nil
	case "vm.disk_dir":
		return cfg.VM.DiskDir, nil
	case "chroot.dir":
		return cfg.Chroot.Dir, nil
	case "chroot.user":
		return cfg.Chroot.User, nil
	default:
		return "", fmt.Errorf("unknown config key: %s", key)
	}
}

func setField(cfg *Config, key, value string) error {
	switch key {
	case "client.listen":
		cfg.Client.Listen = value
	case "client.ca_file":
		cfg.Client.CAFile = value
	case "client.cert_file":
		cfg.Client.CertFile = value
	case "client.key_file":
		cfg.Client.KeyFile = value
	case "vm.listen":
		cfg.VM.Listen = value
	case "vm.pool_size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("vm.pool_size must be an integer: %w", err)
		}
		cfg.VM.PoolSize = n
	case "vm.template":
		cfg.VM.Template = value
	case "vm.kernel_path":
		cfg.VM.KernelPath = value
	case "vm.firecracker_bin":
		cfg.VM.FirecrackerBin = value
	case "vm.vcpu_count":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("vm.vcpu_count must be an integer: %w", err)
		}
		cfg.VM.VCPUCount = n
	case "vm.mem_size_mib":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("vm.mem_size_mib must be an integer: %w", err)
		}
		cfg.VM.MemSizeMiB = n
	case "vm.disk_dir":
		cfg.VM.DiskDir = value
	case "chroot.dir":
		cfg.Chroot.Dir = value
	case "chroot.user":
		cfg.Chroot.User = value
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}
