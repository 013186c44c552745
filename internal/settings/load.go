package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/benaskins/verifyd/internal/errs"
)

// Section is the key under which editors nest verifyd settings in a
// configuration-change notification.
const Section = "verifyd"

// Load reads settings from a YAML, TOML or JSON file, chosen by extension.
// Defaults are applied and the result is validated.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings %s: %w", path, err)
	}

	s := &Settings{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, s)
	case ".toml":
		err = toml.Unmarshal(data, s)
	case ".json":
		err = json.Unmarshal(data, s)
	default:
		return nil, fmt.Errorf("settings %s: unsupported format (expected .yaml, .yml, .toml or .json)", path)
	}
	if err != nil {
		return nil, errs.New(errs.ConfigInvalid, "load settings", "parsing "+path, err)
	}

	s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

// FromChange extracts settings from the payload of a configuration-change
// notification: {"settings": {"verifyd": {...}}}. The settings are defaulted
// but not validated; callers decide what an invalid blob means.
func FromChange(raw json.RawMessage) (*Settings, error) {
	var change struct {
		Settings map[string]json.RawMessage `json:"settings"`
	}
	if err := json.Unmarshal(raw, &change); err != nil {
		return nil, errs.New(errs.ConfigInvalid, "configuration change", "malformed payload", err)
	}
	section, ok := change.Settings[Section]
	if !ok {
		return nil, errs.New(errs.ConfigInvalid, "configuration change", "missing \""+Section+"\" section", nil)
	}

	s := &Settings{}
	if err := json.Unmarshal(section, s); err != nil {
		return nil, errs.New(errs.ConfigInvalid, "configuration change", "malformed settings", err)
	}
	s.ApplyDefaults()
	return s, nil
}
