// Package descriptor defines the Service Descriptor Set: the declarative,
// read-only description of every service a provisioning run converges.
package descriptor

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ActionKind identifies the kind of an install action
type ActionKind string

const (
	ActionPackage  ActionKind = "package"
	ActionDownload ActionKind = "download"
	ActionGit      ActionKind = "git"
	ActionCommand  ActionKind = "command"
)

// RestartMode mirrors systemd's Restart= values that stackup supports
type RestartMode string

const (
	RestartNever     RestartMode = "never"
	RestartOnFailure RestartMode = "on-failure"
	RestartAlways    RestartMode = "always"
)

// ColdStart classifies how long a service needs before its first healthy probe
type ColdStart string

const (
	ColdStartLight ColdStart = "light"
	ColdStartHeavy ColdStart = "heavy"
)

// ProbeKind identifies the health probe a service declares
type ProbeKind string

const (
	ProbeHTTP    ProbeKind = "http"
	ProbeProcess ProbeKind = "process"
	ProbeTCP     ProbeKind = "tcp"
)

// Set is an ordered collection of service descriptors keyed by id
type Set struct {
	Name     string
	Services []*Service
	index    map[string]*Service
}

// Service describes one provisionable unit
type Service struct {
	ID          string            `yaml:"-" json:"id"`
	Description string            `yaml:"description" json:"description,omitempty"`
	DependsOn   StringOrSlice     `yaml:"depends_on" json:"depends_on,omitempty"`
	Install     []Action          `yaml:"install" json:"install"`
	Unit        UnitSpec          `yaml:"unit" json:"unit"`
	Config      map[string]string `yaml:"config" json:"config"`
	Health      HealthCheck       `yaml:"health" json:"-"`
	Restart     RestartPolicy     `yaml:"restart" json:"restart"`
	Endpoint    string            `yaml:"endpoint" json:"-"`
}

// UnitSpec describes the managed systemd service
type UnitSpec struct {
	Name       string   `yaml:"name" json:"name"`
	Exec       string   `yaml:"exec" json:"exec"`
	User       string   `yaml:"user" json:"user"`
	WorkingDir string   `yaml:"working_dir" json:"working_dir"`
	After      []string `yaml:"after" json:"after"`
	// Template is a full unit body. When set it is written verbatim and
	// Exec/User/WorkingDir/After are ignored by imperative backends.
	Template string `yaml:"template" json:"template"`
}

// Action is one install step. Exactly one field must be set.
type Action struct {
	Package  *PackageAction  `yaml:"package,omitempty" json:"package,omitempty"`
	Download *DownloadAction `yaml:"download,omitempty" json:"download,omitempty"`
	Git      *GitAction      `yaml:"git,omitempty" json:"git,omitempty"`
	Command  *CommandAction  `yaml:"command,omitempty" json:"command,omitempty"`
}

// PackageAction installs a distribution package
type PackageAction struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
}

// DownloadAction fetches a pre-built artifact
type DownloadAction struct {
	URL    string `yaml:"url" json:"url"`
	Dest   string `yaml:"dest" json:"dest"`
	SHA256 string `yaml:"sha256" json:"sha256"`
	Mode   string `yaml:"mode" json:"mode"`
}

// GitAction clones or updates a repository
type GitAction struct {
	URL  string `yaml:"url" json:"url"`
	Ref  string `yaml:"ref" json:"ref"`
	Dest string `yaml:"dest" json:"dest"`
}

// CommandAction runs argv directly, never through a shell
type CommandAction struct {
	Argv    []string `yaml:"argv" json:"argv"`
	Creates string   `yaml:"creates" json:"creates"`
}

// HealthCheck describes how liveness is verified
type HealthCheck struct {
	HTTP        *HTTPCheck    `yaml:"http,omitempty"`
	Process     *ProcessCheck `yaml:"process,omitempty"`
	TCP         *TCPCheck     `yaml:"tcp,omitempty"`
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    Duration      `yaml:"interval"`
	ColdStart   ColdStart     `yaml:"cold_start"`
}

// HTTPCheck issues a GET and evaluates a status/body predicate
type HTTPCheck struct {
	URL          string   `yaml:"url"`
	Status       int      `yaml:"status"`
	BodyContains string   `yaml:"body_contains"`
	BodyMatches  string   `yaml:"body_matches"`
	Timeout      Duration `yaml:"timeout"`
}

// ProcessCheck asks the backend whether the managed unit is active
type ProcessCheck struct {
	Unit string `yaml:"unit"`
}

// TCPCheck dials an address
type TCPCheck struct {
	Address string   `yaml:"address"`
	Timeout Duration `yaml:"timeout"`
}

// RestartPolicy is materialized into the unit definition
type RestartPolicy struct {
	Policy  RestartMode `yaml:"policy" json:"policy"`
	Backoff Duration    `yaml:"backoff" json:"backoff"`
}

// Kind returns the kind of the action, or "" when none or several fields are set
func (a Action) Kind() ActionKind {
	var kinds []ActionKind
	if a.Package != nil {
		kinds = append(kinds, ActionPackage)
	}
	if a.Download != nil {
		kinds = append(kinds, ActionDownload)
	}
	if a.Git != nil {
		kinds = append(kinds, ActionGit)
	}
	if a.Command != nil {
		kinds = append(kinds, ActionCommand)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// String renders the action for logs and dry-run output
func (a Action) String() string {
	switch a.Kind() {
	case ActionPackage:
		if a.Package.Version != "" {
			return fmt.Sprintf("package %s=%s", a.Package.Name, a.Package.Version)
		}
		return "package " + a.Package.Name
	case ActionDownload:
		return fmt.Sprintf("download %s -> %s", a.Download.URL, a.Download.Dest)
	case ActionGit:
		return fmt.Sprintf("git %s@%s -> %s", a.Git.URL, a.Git.Ref, a.Git.Dest)
	case ActionCommand:
		return fmt.Sprintf("command %v", a.Command.Argv)
	}
	return "invalid action"
}

// UnitName returns the systemd unit managed for this service
func (s *Service) UnitName() string {
	if s.Unit.Name != "" {
		return s.Unit.Name
	}
	return s.ID
}

// ProbeKind returns the declared probe kind. Services without an explicit
// probe are checked by process state.
func (h HealthCheck) ProbeKind() ProbeKind {
	switch {
	case h.HTTP != nil:
		return ProbeHTTP
	case h.TCP != nil:
		return ProbeTCP
	default:
		return ProbeProcess
	}
}

// AccessEndpoint returns the URL an operator uses to reach the service
func (s *Service) AccessEndpoint() string {
	if s.Endpoint != "" {
		return s.Endpoint
	}
	if s.Health.HTTP != nil {
		return s.Health.HTTP.URL
	}
	return ""
}

// Mode returns the effective restart mode, on-failure when unset
func (r RestartPolicy) Mode() RestartMode {
	if r.Policy == "" {
		return RestartOnFailure
	}
	return r.Policy
}

// Duration is a time.Duration that unmarshals from strings like "5s"
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalJSON renders the duration in its string form
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", d.Duration.String())), nil
}

// UnmarshalJSON parses the string form written by MarshalJSON
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// StringOrSlice accepts either a single string or a list of strings
type StringOrSlice []string

// UnmarshalYAML implements yaml.Unmarshaler
func (s *StringOrSlice) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		if single != "" {
			*s = []string{single}
		}
		return nil
	case yaml.SequenceNode:
		var multi []string
		if err := value.Decode(&multi); err != nil {
			return err
		}
		*s = multi
		return nil
	}
	return fmt.Errorf("expected string or list, got %v", value.Tag)
}
