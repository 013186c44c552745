package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// HomeEnv overrides the verifyd home directory.
const HomeEnv = "VERIFYD_HOME"

// Config holds verifyd's own configuration loaded from ~/.verifyd/config.yaml.
// Editor-facing settings (backends, log level) arrive over the protocol or
// from the settings file named here.
type Config struct {
	StateDir    string `yaml:"state_dir"`
	Settings    string `yaml:"settings"`
	AdminSocket string `yaml:"admin_socket"`
	DebugSocket string `yaml:"debug_socket"`
	MetricsAddr string `yaml:"metrics_addr"`
	Journal     string `yaml:"journal"`
	LogFile     string `yaml:"log_file"`
	LogLevel    string `yaml:"log_level"`
}

// Home returns the verifyd home directory: $VERIFYD_HOME or ~/.verifyd.
func Home() (string, error) {
	if h := os.Getenv(HomeEnv); h != "" {
		return h, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".verifyd"), nil
}

// DefaultPath returns the default config file path: ~/.verifyd/config.yaml.
func DefaultPath() string {
	home, err := Home()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "config.yaml")
}

// Load reads a YAML config file from path. If the file does not exist,
// it returns an empty Config and no error. An empty or all-comment file
// also returns an empty Config with no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve fills unset paths with defaults under home and expands a leading ~.
func (c *Config) Resolve(home string) {
	def := func(p *string, name string) {
		if *p == "" && name != "" {
			*p = filepath.Join(home, name)
		}
		*p = expand(*p)
	}
	def(&c.StateDir, ".")
	def(&c.AdminSocket, "verifyd.sock")
	def(&c.DebugSocket, "debug.sock")
	def(&c.Journal, "journal.log")
	def(&c.Settings, "")
	def(&c.LogFile, "")
	c.StateDir = filepath.Clean(c.StateDir)
}

func expand(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
