package backend

import (
	"context"
	"os/exec"
	"strings"
	"sync"

	"stackup/internal/config"
	"stackup/internal/descriptor"
)

// recordingExecutor records every command and answers from a script keyed
// by the command line prefix
type recordingExecutor struct {
	mu        sync.Mutex
	calls     []string
	responses map[string]response
}

type response struct {
	output string
	fail   bool
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{responses: make(map[string]response)}
}

func (r *recordingExecutor) on(prefix string, resp response) *recordingExecutor {
	r.responses[prefix] = resp
	return r
}

func (r *recordingExecutor) CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	line := strings.Join(append([]string{name}, args...), " ")

	r.mu.Lock()
	r.calls = append(r.calls, line)
	resp, best := response{}, ""
	for prefix, candidate := range r.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			resp, best = candidate, prefix
		}
	}
	r.mu.Unlock()

	if resp.fail {
		return exec.CommandContext(ctx, "false")
	}
	return exec.CommandContext(ctx, "printf", "%s", resp.output)
}

func (r *recordingExecutor) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingExecutor) count(prefix string) int {
	n := 0
	for _, c := range r.commands() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// memoryStore is an in-memory StateStore
type memoryStore struct {
	mu      sync.Mutex
	applied map[string]*AppliedService
	err     error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{applied: make(map[string]*AppliedService)}
}

func (m *memoryStore) GetApplied(ctx context.Context, backend, serviceID string) (*AppliedService, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.applied[backend+"/"+serviceID], nil
}

func (m *memoryStore) ListApplied(ctx context.Context, backend string) ([]*AppliedService, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AppliedService
	for _, a := range m.applied {
		if a.Backend == backend {
			out = append(out, a)
		}
	}
	return out, m.err
}

func (m *memoryStore) RecordApplied(ctx context.Context, applied *AppliedService) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.applied[applied.Backend+"/"+applied.ServiceID] = applied
	return nil
}

func testBackendConfig(dir string) config.BackendConfig {
	return config.BackendConfig{
		UnitDir:       dir + "/systemd",
		EnvDir:        dir + "/env",
		NixConfigPath: dir + "/nixos/configuration.nix",
		NixModulePath: dir + "/nixos/stackup.nix",
	}
}

func webService() *descriptor.Service {
	return &descriptor.Service{
		ID:          "open-webui",
		Description: "Open WebUI",
		DependsOn:   descriptor.StringOrSlice{"ollama"},
		Install: []descriptor.Action{
			{Package: &descriptor.PackageAction{Name: "python3-venv"}},
		},
		Unit: descriptor.UnitSpec{
			Exec: "/opt/open-webui/bin/open-webui serve",
			User: "webui",
		},
		Config: map[string]string{
			"OLLAMA_BASE_URL": "http://127.0.0.1:11434",
			"PORT":            "8080",
		},
		Restart: descriptor.RestartPolicy{Policy: descriptor.RestartAlways},
	}
}

func failing() response { return response{fail: true} }

func ok(output string) response { return response{output: output} }
