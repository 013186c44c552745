package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/benaskins/verifyd/internal/errs"
)

const (
	DefaultTimeout      = 100 * time.Second
	DefaultStartTimeout = 30 * time.Second
	DefaultStopTimeout  = 5 * time.Second
)

var (
	backendNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._ -]{0,63}$`)

	defaultSourceExtensions = []string{".vpr", ".sil"}
)

// Settings is the verification configuration supplied by the editor or a
// local settings file.
type Settings struct {
	Backends         []BackendProfile `yaml:"backends" json:"verificationBackends" toml:"backends"`
	SelectedBackend  string           `yaml:"selected_backend,omitempty" json:"selectedBackend,omitempty" toml:"selected_backend"`
	LogLevel         string           `yaml:"log_level,omitempty" json:"logLevel,omitempty" toml:"log_level"`
	SourceExtensions []string         `yaml:"source_extensions,omitempty" json:"sourceExtensions,omitempty" toml:"source_extensions"`
}

// BackendProfile identifies one verification engine and how to launch it.
// Profiles are immutable once selected; a change replaces the whole value.
type BackendProfile struct {
	Name         string            `yaml:"name" json:"name" toml:"name"`
	Command      string            `yaml:"command" json:"command" toml:"command"`
	Args         []string          `yaml:"args,omitempty" json:"args,omitempty" toml:"args"` // appended to every job
	Env          map[string]string `yaml:"env,omitempty" json:"env,omitempty" toml:"env"`
	WorkingDir   string            `yaml:"working_dir,omitempty" json:"workingDir,omitempty" toml:"working_dir"`
	Timeout      Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty" toml:"timeout"`
	StartTimeout Duration          `yaml:"start_timeout,omitempty" json:"startTimeout,omitempty" toml:"start_timeout"`
	StopTimeout  Duration          `yaml:"stop_timeout,omitempty" json:"stopTimeout,omitempty" toml:"stop_timeout"`
	Readiness    *Probe            `yaml:"readiness,omitempty" json:"readiness,omitempty" toml:"readiness"`
	Health       *Probe            `yaml:"health,omitempty" json:"health,omitempty" toml:"health"`
}

// Probe describes how to tell that an engine is up.
type Probe struct {
	Type               string   `yaml:"type" json:"type" toml:"type"` // "message" | "tcp" | "http" | "exec"
	Path               string   `yaml:"path,omitempty" json:"path,omitempty" toml:"path"`
	Port               int      `yaml:"port,omitempty" json:"port,omitempty" toml:"port"` // 0 allocates a port
	Command            string   `yaml:"command,omitempty" json:"command,omitempty" toml:"command"`
	Interval           Duration `yaml:"interval,omitempty" json:"interval,omitempty" toml:"interval"`
	Timeout            Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" toml:"timeout"`
	UnhealthyThreshold int      `yaml:"unhealthy_threshold,omitempty" json:"unhealthyThreshold,omitempty" toml:"unhealthy_threshold"`
}

// Equal reports whether two profiles are interchangeable, i.e. switching
// from one to the other does not require an engine restart.
func Equal(a, b *BackendProfile) bool {
	if a == nil || b == nil {
		return a == b
	}
	return reflect.DeepEqual(*a, *b)
}

// NeedsPort reports whether the engine listens on a dynamically allocated port.
func (p *BackendProfile) NeedsPort() bool {
	r := p.Readiness
	return r != nil && (r.Type == "tcp" || r.Type == "http") && r.Port == 0
}

// Duration wraps time.Duration for YAML, TOML and JSON decoding from strings
// like "10s". JSON numbers are read as milliseconds, which is what editors send.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		ms, err := strconv.ParseInt(value.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = time.Duration(ms) * time.Millisecond
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var ms int64
	if err := json.Unmarshal(data, &ms); err == nil {
		d.Duration = time.Duration(ms) * time.Millisecond
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	return d.UnmarshalText([]byte(s))
}

// ApplyDefaults fills in timeouts and source extensions left unset.
func (s *Settings) ApplyDefaults() {
	if len(s.SourceExtensions) == 0 {
		s.SourceExtensions = append([]string(nil), defaultSourceExtensions...)
	}
	for i := range s.Backends {
		b := &s.Backends[i]
		if b.Timeout.Duration <= 0 {
			b.Timeout.Duration = DefaultTimeout
		}
		if b.StartTimeout.Duration <= 0 {
			b.StartTimeout.Duration = DefaultStartTimeout
		}
		if b.StopTimeout.Duration <= 0 {
			b.StopTimeout.Duration = DefaultStopTimeout
		}
		if b.Readiness == nil {
			b.Readiness = &Probe{Type: "message"}
		} else if b.Readiness.Type == "" {
			b.Readiness.Type = "message"
		}
	}
}

// Validate checks the settings and reports every problem found.
// The returned error carries errs.ConfigInvalid.
func (s *Settings) Validate() error {
	var problems []error

	if len(s.Backends) == 0 {
		problems = append(problems, errors.New("at least one verification backend is required"))
	}

	seen := make(map[string]bool)
	for i, b := range s.Backends {
		where := fmt.Sprintf("backends[%d]", i)
		if b.Name == "" {
			problems = append(problems, fmt.Errorf("%s.name is required", where))
		} else if !backendNameRe.MatchString(b.Name) {
			problems = append(problems, fmt.Errorf("%s.name %q is invalid", where, b.Name))
		} else if seen[b.Name] {
			problems = append(problems, fmt.Errorf("%s.name %q is used by more than one backend", where, b.Name))
		}
		seen[b.Name] = true

		if strings.TrimSpace(b.Command) == "" {
			problems = append(problems, fmt.Errorf("%s.command is required", where))
		}
		if b.Readiness != nil {
			if err := b.Readiness.validate(where+".readiness", true); err != nil {
				problems = append(problems, err)
			}
		}
		if b.Health != nil {
			if err := b.Health.validate(where+".health", false); err != nil {
				problems = append(problems, err)
			}
		}
	}

	if s.SelectedBackend != "" && !seen[s.SelectedBackend] {
		problems = append(problems, fmt.Errorf("selected_backend %q is not a configured backend", s.SelectedBackend))
	}

	switch strings.ToLower(s.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Errorf("log_level must be debug, info, warn or error, got %q", s.LogLevel))
	}

	for _, ext := range s.SourceExtensions {
		if !strings.HasPrefix(ext, ".") {
			problems = append(problems, fmt.Errorf("source extension %q must start with a dot", ext))
		}
	}

	if len(problems) > 0 {
		return errs.New(errs.ConfigInvalid, "validate settings", "invalid settings", errors.Join(problems...))
	}
	return nil
}

func (p *Probe) validate(where string, readiness bool) error {
	switch p.Type {
	case "message":
		if !readiness {
			return fmt.Errorf("%s.type \"message\" is only valid for readiness", where)
		}
	case "http":
		if !strings.HasPrefix(p.Path, "/") {
			return fmt.Errorf("%s.path must start with /", where)
		}
	case "tcp":
	case "exec":
		if p.Command == "" {
			return fmt.Errorf("%s.command is required for exec probes", where)
		}
	default:
		return fmt.Errorf("%s.type must be \"message\", \"tcp\", \"http\" or \"exec\", got %q", where, p.Type)
	}
	if !readiness && p.Interval.Duration <= 0 {
		return fmt.Errorf("%s.interval must be positive", where)
	}
	return nil
}

// BackendNames lists the configured backends in order.
func (s *Settings) BackendNames() []string {
	names := make([]string, 0, len(s.Backends))
	for _, b := range s.Backends {
		names = append(names, b.Name)
	}
	return names
}

// Backend returns a copy of the named backend profile.
func (s *Settings) Backend(name string) (*BackendProfile, bool) {
	for _, b := range s.Backends {
		if b.Name == name {
			b := b
			return &b, true
		}
	}
	return nil, false
}

// AutoSelect returns the preferred backend if it is configured, otherwise the
// first configured backend. It returns nil when no backend is configured.
func (s *Settings) AutoSelect(preferred string) *BackendProfile {
	if preferred != "" {
		if b, ok := s.Backend(preferred); ok {
			return b
		}
	}
	if s.SelectedBackend != "" {
		if b, ok := s.Backend(s.SelectedBackend); ok {
			return b
		}
	}
	if len(s.Backends) == 0 {
		return nil
	}
	b := s.Backends[0]
	return &b
}

// IsSourceFile reports whether the document at uri is a verifiable source file.
func (s *Settings) IsSourceFile(uri string) bool {
	exts := s.SourceExtensions
	if len(exts) == 0 {
		exts = defaultSourceExtensions
	}
	return HasExtension(uri, exts)
}

// HasExtension reports whether the path of uri ends with one of exts.
func HasExtension(uri string, exts []string) bool {
	p := uri
	if u, err := url.Parse(uri); err == nil && u.Path != "" {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}
