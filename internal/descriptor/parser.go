package descriptor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"stackup/internal/errors"
	"stackup/internal/validation"
)

// setFile is the on-disk layout of a descriptor set
type setFile struct {
	Name     string    `yaml:"name"`
	Services yaml.Node `yaml:"services"`
}

// Load reads and validates a descriptor set from a YAML file
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConfigNotFound(path)
		}
		return nil, errors.FileReadError(path, err)
	}

	set, err := Parse(data)
	if err != nil {
		if errors.GetCode(err) != "" {
			return nil, err
		}
		return nil, errors.ConfigParseError(path, err)
	}
	return set, nil
}

// Parse decodes and validates a descriptor set. Service declaration order is
// preserved because the scheduler uses it as the tie-break.
func Parse(data []byte) (*Set, error) {
	var f setFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	if f.Services.Kind != yaml.MappingNode {
		return nil, errors.ConfigValidationError("services", "must be a mapping of id to service")
	}

	services := make([]*Service, 0, len(f.Services.Content)/2)
	for i := 0; i+1 < len(f.Services.Content); i += 2 {
		keyNode, valueNode := f.Services.Content[i], f.Services.Content[i+1]

		svc := &Service{}
		if err := valueNode.Decode(svc); err != nil {
			return nil, fmt.Errorf("service %s (line %d): %w", keyNode.Value, keyNode.Line, err)
		}
		svc.ID = keyNode.Value
		services = append(services, svc)
	}

	set, err := NewSet(f.Name, services)
	if err != nil {
		return nil, err
	}
	return set, nil
}

// NewSet builds a validated set from services in declaration order
func NewSet(name string, services []*Service) (*Set, error) {
	set := &Set{
		Name:     name,
		Services: services,
		index:    make(map[string]*Service, len(services)),
	}
	for _, svc := range services {
		if err := validation.ServiceID(svc.ID); err != nil {
			return nil, err
		}
		if _, dup := set.index[svc.ID]; dup {
			return nil, errors.ConfigValidationError(svc.ID, "duplicate service id")
		}
		set.index[svc.ID] = svc
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

// Get returns the service with the given id
func (s *Set) Get(id string) (*Service, bool) {
	svc, ok := s.index[id]
	return svc, ok
}

// IDs returns service ids in declaration order
func (s *Set) IDs() []string {
	ids := make([]string, len(s.Services))
	for i, svc := range s.Services {
		ids[i] = svc.ID
	}
	return ids
}

// Len returns the number of services in the set
func (s *Set) Len() int {
	return len(s.Services)
}

// Validate checks every descriptor. Dependency cycles are left to the scheduler.
func (s *Set) Validate() error {
	for _, svc := range s.Services {
		if err := s.validateService(svc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Set) validateService(svc *Service) error {
	field := func(name string) string { return svc.ID + "." + name }

	for _, dep := range svc.DependsOn {
		if dep == svc.ID {
			return errors.ConfigValidationError(field("depends_on"), "service cannot depend on itself")
		}
		if _, ok := s.index[dep]; !ok {
			return errors.ConfigValidationError(field("depends_on"), fmt.Sprintf("unknown service %q", dep))
		}
	}

	if err := validation.UnitName(svc.UnitName()); err != nil {
		return err
	}

	for i, action := range svc.Install {
		if err := validateAction(action); err != nil {
			return errors.ConfigValidationError(fmt.Sprintf("%s.install[%d]", svc.ID, i), err.Error())
		}
	}

	for key, value := range svc.Config {
		if err := validation.EnvironmentKey(key); err != nil {
			return err
		}
		if err := validation.EnvironmentValue(key, value); err != nil {
			return err
		}
	}

	probes := 0
	if svc.Health.HTTP != nil {
		probes++
		if !strings.HasPrefix(svc.Health.HTTP.URL, "http://") && !strings.HasPrefix(svc.Health.HTTP.URL, "https://") {
			return errors.ConfigValidationError(field("health.http.url"), "must be an http(s) URL")
		}
	}
	if svc.Health.TCP != nil {
		probes++
		if svc.Health.TCP.Address == "" {
			return errors.ConfigValidationError(field("health.tcp.address"), "cannot be empty")
		}
	}
	if svc.Health.Process != nil {
		probes++
	}
	if probes > 1 {
		return errors.ConfigValidationError(field("health"), "declare exactly one of http, tcp or process")
	}
	if svc.Health.MaxAttempts < 0 {
		return errors.ConfigValidationError(field("health.max_attempts"), "cannot be negative")
	}
	switch svc.Health.ColdStart {
	case "", ColdStartLight, ColdStartHeavy:
	default:
		return errors.ConfigValidationError(field("health.cold_start"), fmt.Sprintf("unknown class %q", svc.Health.ColdStart))
	}

	switch svc.Restart.Policy {
	case "", RestartNever, RestartOnFailure, RestartAlways:
	default:
		return errors.ConfigValidationError(field("restart.policy"), fmt.Sprintf("unknown policy %q", svc.Restart.Policy))
	}

	return nil
}

func validateAction(a Action) error {
	switch a.Kind() {
	case ActionPackage:
		return validation.PackageName(a.Package.Name, a.Package.Version)
	case ActionDownload:
		if a.Download.URL == "" {
			return fmt.Errorf("download url cannot be empty")
		}
		_, err := validation.AbsolutePath(a.Download.Dest)
		return err
	case ActionGit:
		if a.Git.URL == "" {
			return fmt.Errorf("git url cannot be empty")
		}
		_, err := validation.AbsolutePath(a.Git.Dest)
		return err
	case ActionCommand:
		if len(a.Command.Argv) == 0 {
			return fmt.Errorf("command argv cannot be empty")
		}
		return nil
	}
	return fmt.Errorf("exactly one of package, download, git or command must be set")
}

// Fingerprint hashes every field the backends render or install from,
// which is also the stored form of an applied service. Description and
// dependency edges end up in the unit, health checks and endpoints do not.
func (s *Service) Fingerprint() string {
	data, err := json.Marshal(s)
	if err != nil {
		// Every field is a plain value; Marshal cannot fail here.
		panic(fmt.Sprintf("fingerprint %s: %v", s.ID, err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
