package descriptor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"stackup/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ragStack = `
name: rag
services:
  ollama:
    description: LLM runtime
    install:
      - download:
          url: https://ollama.com/download/ollama-linux-amd64
          dest: /usr/local/bin/ollama
          mode: "0755"
    unit:
      exec: /usr/local/bin/ollama serve
    config:
      OLLAMA_HOST: 127.0.0.1:11434
    health:
      http:
        url: http://127.0.0.1:11434/api/tags
        status: 200
      cold_start: heavy
    restart:
      policy: always
      backoff: 5s
  open-webui:
    depends_on: ollama
    install:
      - package: {name: python3-venv}
      - command: {argv: [/opt/open-webui/bin/pip, install, open-webui]}
    health:
      http:
        url: http://127.0.0.1:8080/health
  jupyter:
    depends_on: [ollama, open-webui]
    install:
      - package: {name: jupyter-notebook, version: "6.4.*"}
`

func TestParsePreservesDeclarationOrder(t *testing.T) {
	set, err := Parse([]byte(ragStack))
	require.NoError(t, err)

	assert.Equal(t, "rag", set.Name)
	assert.Equal(t, []string{"ollama", "open-webui", "jupyter"}, set.IDs())

	ollama, ok := set.Get("ollama")
	require.True(t, ok)
	assert.Equal(t, ColdStartHeavy, ollama.Health.ColdStart)
	assert.Equal(t, ProbeHTTP, ollama.Health.ProbeKind())
	assert.Equal(t, 5*time.Second, ollama.Restart.Backoff.Duration)
	assert.Equal(t, RestartAlways, ollama.Restart.Mode())
	assert.Equal(t, "ollama", ollama.UnitName())
	assert.Equal(t, ActionDownload, ollama.Install[0].Kind())

	webui, _ := set.Get("open-webui")
	assert.Equal(t, StringOrSlice{"ollama"}, webui.DependsOn)
	assert.Equal(t, RestartOnFailure, webui.Restart.Mode())

	jupyter, _ := set.Get("jupyter")
	assert.Equal(t, StringOrSlice{"ollama", "open-webui"}, jupyter.DependsOn)
	assert.Equal(t, ProbeProcess, jupyter.Health.ProbeKind())
	assert.Equal(t, "package jupyter-notebook=6.4.*", jupyter.Install[0].String())
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		contains string
	}{
		{
			name:     "unknown dependency",
			yaml:     "services:\n  a:\n    depends_on: b\n",
			contains: `unknown service "b"`,
		},
		{
			name:     "self dependency",
			yaml:     "services:\n  a:\n    depends_on: a\n",
			contains: "cannot depend on itself",
		},
		{
			name:     "invalid id",
			yaml:     "services:\n  Bad_ID:\n    unit: {exec: /bin/true}\n",
			contains: "Field: id",
		},
		{
			name:     "action with two kinds",
			yaml:     "services:\n  a:\n    install:\n      - package: {name: curl}\n        command: {argv: [/bin/true]}\n",
			contains: "exactly one of package",
		},
		{
			name:     "relative download destination",
			yaml:     "services:\n  a:\n    install:\n      - download: {url: http://x, dest: bin/x}\n",
			contains: "must be absolute",
		},
		{
			name:     "two probes",
			yaml:     "services:\n  a:\n    health:\n      http: {url: http://x}\n      tcp: {address: x:1}\n",
			contains: "exactly one of http, tcp or process",
		},
		{
			name:     "bad restart policy",
			yaml:     "services:\n  a:\n    restart: {policy: sometimes}\n",
			contains: "unknown policy",
		},
		{
			name:     "multiline config value",
			yaml:     "services:\n  a:\n    config:\n      KEY: \"a\\nb\"\n",
			contains: "single line",
		},
		{
			name:     "services not a mapping",
			yaml:     "services:\n  - a\n",
			contains: "mapping of id to service",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrConfigNotFound))
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("services: [unclosed"), 0644))
		_, err := Load(path)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrConfigParse))
	})

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "stack.yaml")
		require.NoError(t, os.WriteFile(path, []byte(ragStack), 0644))
		set, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 3, set.Len())
	})
}

func TestFingerprint(t *testing.T) {
	set, err := Parse([]byte(ragStack))
	require.NoError(t, err)
	ollama, _ := set.Get("ollama")

	base := ollama.Fingerprint()
	assert.Len(t, base, 64)
	assert.Equal(t, base, ollama.Fingerprint(), "fingerprint must be stable")

	changedHealth := *ollama
	changedHealth.Health.MaxAttempts = 3
	changedHealth.Endpoint = "http://example.invalid"
	assert.Equal(t, base, changedHealth.Fingerprint(), "health and endpoint do not affect installed state")

	changedDescription := *ollama
	changedDescription.Description = "different"
	assert.NotEqual(t, base, changedDescription.Fingerprint(), "description is rendered into the unit")

	changedDeps := *ollama
	changedDeps.DependsOn = StringOrSlice{"jupyter"}
	assert.NotEqual(t, base, changedDeps.Fingerprint(), "dependencies are rendered into After=")

	changedConfig := *ollama
	changedConfig.Config = map[string]string{"OLLAMA_HOST": "0.0.0.0:11434"}
	assert.NotEqual(t, base, changedConfig.Fingerprint())
}

func TestBundledRAGStack(t *testing.T) {
	set, err := Load(filepath.Join("..", "..", "configs", "rag-stack.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "rag-appliance", set.Name)
	assert.Equal(t, []string{"ollama", "open-webui", "litellm", "jupyter"}, set.IDs())

	ollama, _ := set.Get("ollama")
	assert.Equal(t, ColdStartHeavy, ollama.Health.ColdStart)

	webui, _ := set.Get("open-webui")
	assert.Equal(t, StringOrSlice{"ollama"}, webui.DependsOn)

	jupyter, _ := set.Get("jupyter")
	assert.Equal(t, ProbeTCP, jupyter.Health.ProbeKind())
	assert.Equal(t, "http://127.0.0.1:8888", jupyter.AccessEndpoint())
}
