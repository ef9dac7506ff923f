package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackup/internal/config"
	"stackup/internal/descriptor"
	"stackup/internal/errors"
)

const stockConfiguration = `{ config, pkgs, ... }:

{
  imports =
    [ # Include the results of the hardware scan.
      ./hardware-configuration.nix
    ];

  boot.loader.systemd-boot.enable = true;
}
`

func TestPatchImports(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{
			name:    "existing multi-line imports",
			content: stockConfiguration,
			want: `{ config, pkgs, ... }:

{
  imports =
    [ # Include the results of the hardware scan.
    # stackup:begin
    ./stackup.nix
    # stackup:end
      ./hardware-configuration.nix
    ];

  boot.loader.systemd-boot.enable = true;
}
`,
		},
		{
			name:    "inline imports",
			content: "{\n  imports = [ ./a.nix ];\n}\n",
			want:    "{\n  imports = [\n    # stackup:begin\n    ./stackup.nix\n    # stackup:end\n    ./a.nix ];\n}\n",
		},
		{
			name:    "no imports",
			content: "{ pkgs, ... }:\n{\n  networking.hostName = \"rag\";\n}\n",
			want:    "{ pkgs, ... }:\n{\n  networking.hostName = \"rag\";\n  imports = [\n    # stackup:begin\n    ./stackup.nix\n    # stackup:end\n  ];\n}\n",
		},
		{
			name:    "markers replaced",
			content: "{\n  imports = [\n    # stackup:begin\n    ./old.nix\n    # stackup:end\n  ];\n}\n",
			want:    "{\n  imports = [\n    # stackup:begin\n    ./stackup.nix\n    # stackup:end\n  ];\n}\n",
		},
		{
			name:    "import already present without markers",
			content: "{\n  imports = [ ./stackup.nix ];\n}\n",
			want:    "{\n  imports = [ ./stackup.nix ];\n}\n",
		},
		{
			name:    "unbalanced markers",
			content: "{\n  # stackup:begin\n}\n",
			wantErr: true,
		},
		{
			name:    "markers out of order",
			content: "{\n  # stackup:end\n  # stackup:begin\n}\n",
			wantErr: true,
		},
		{
			name:    "no closing brace",
			content: "# empty\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PatchImports(tt.content, "./stackup.nix")
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.HasCode(err, errors.ErrConfigValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, err := PatchImports(got, "./stackup.nix")
			require.NoError(t, err)
			assert.Equal(t, got, again, "patching must be idempotent")
		})
	}
}

func TestEnsureImportLeavesBadFileUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configuration.nix")
	require.NoError(t, os.WriteFile(path, []byte("# stackup:begin\n{ }\n"), 0644))

	_, err := EnsureImport(path, filepath.Join(filepath.Dir(path), "stackup.nix"))
	require.Error(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# stackup:begin\n{ }\n", string(content))
}

func TestEnsureImportMissingFile(t *testing.T) {
	_, err := EnsureImport(filepath.Join(t.TempDir(), "configuration.nix"), "/etc/nixos/stackup.nix")
	assert.True(t, errors.HasCode(err, errors.ErrConfigNotFound))
}

func TestImportPath(t *testing.T) {
	assert.Equal(t, "./stackup.nix", importPath("/etc/nixos/configuration.nix", "/etc/nixos/stackup.nix"))
	assert.Equal(t, "/srv/stackup.nix", importPath("/etc/nixos/configuration.nix", "/srv/stackup.nix"))
}

func TestRenderNixModule(t *testing.T) {
	ollama := &descriptor.Service{
		ID:      "ollama",
		Install: []descriptor.Action{{Package: &descriptor.PackageAction{Name: "ollama"}}},
		Unit:    descriptor.UnitSpec{Exec: "${pkgs.ollama}/bin/ollama serve"},
		Config:  map[string]string{"OLLAMA_HOST": "127.0.0.1:11434"},
	}
	web := webService()

	first, err := RenderNixModule([]*descriptor.Service{ollama, web})
	require.NoError(t, err)
	second, err := RenderNixModule([]*descriptor.Service{ollama, web})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	module := string(first)
	assert.Contains(t, module, "environment.systemPackages = with pkgs; [\n    ollama\n    python3-venv\n  ];")
	assert.Contains(t, module, `systemd.services."open-webui" = {`)
	assert.Contains(t, module, `after = [ "network-online.target" "ollama.service" ];`)
	assert.Contains(t, module, `OLLAMA_BASE_URL = "http://127.0.0.1:11434";`)
	assert.Contains(t, module, `Restart = "always";`)
	assert.Contains(t, module, `ExecStart = "\${pkgs.ollama}/bin/ollama serve";`)
}

func TestRenderNixModuleFromStoredDescriptor(t *testing.T) {
	web := webService()
	web.Description = "Open WebUI chat front end"

	applied, err := newAppliedService(config.BackendNixDeclarative, web)
	require.NoError(t, err)
	stored, err := unmarshalDescriptor(applied.Descriptor)
	require.NoError(t, err)

	fromStaged, err := RenderNixModule([]*descriptor.Service{web})
	require.NoError(t, err)
	fromStore, err := RenderNixModule([]*descriptor.Service{stored})
	require.NoError(t, err)

	assert.Equal(t, string(fromStaged), string(fromStore))
	assert.Contains(t, string(fromStore), `description = "Open WebUI chat front end";`)
	assert.Contains(t, string(fromStore), `after = [ "network-online.target" "ollama.service" ];`)
	assert.Equal(t, web.Fingerprint(), stored.Fingerprint())
}

func newTestNix(t *testing.T, exec *recordingExecutor, store StateStore) (*NixDeclarative, config.BackendConfig) {
	dir := t.TempDir()
	cfg := testBackendConfig(dir)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.NixConfigPath), 0755))
	require.NoError(t, os.WriteFile(cfg.NixConfigPath, []byte(stockConfiguration), 0644))

	b, err := New(config.BackendNixDeclarative, Options{Config: cfg, Store: store, Executor: exec})
	require.NoError(t, err)
	return b.(*NixDeclarative), cfg
}

func TestNixConvergeBatchesRebuild(t *testing.T) {
	exec := newRecordingExecutor()
	store := newMemoryStore()
	nix, cfg := newTestNix(t, exec, store)
	ctx := context.Background()

	// Previously converged service that is not part of this run
	jupyter := &descriptor.Service{ID: "jupyter", Unit: descriptor.UnitSpec{Exec: "/run/current-system/sw/bin/jupyter lab"}}
	applied, err := newAppliedService(nix.Name(), jupyter)
	require.NoError(t, err)
	require.NoError(t, store.RecordApplied(ctx, applied))

	ollama := &descriptor.Service{ID: "ollama", Unit: descriptor.UnitSpec{Exec: "/run/current-system/sw/bin/ollama serve"}}
	require.NoError(t, nix.Apply(ctx, ollama))
	require.NoError(t, nix.Apply(ctx, webService()))
	assert.Equal(t, []string{"ollama", "open-webui"}, nix.Staged())
	assert.Zero(t, exec.count("nixos-rebuild"), "apply only stages")

	require.NoError(t, nix.Converge(ctx))
	assert.Equal(t, 1, exec.count("nixos-rebuild switch"))
	assert.Empty(t, nix.Staged())

	module, err := os.ReadFile(cfg.NixModulePath)
	require.NoError(t, err)
	assert.Contains(t, string(module), `systemd.services."jupyter"`)
	assert.Contains(t, string(module), `systemd.services."ollama"`)
	assert.Contains(t, string(module), `systemd.services."open-webui"`)

	configuration, err := os.ReadFile(cfg.NixConfigPath)
	require.NoError(t, err)
	assert.Contains(t, string(configuration), "# stackup:begin\n    ./stackup.nix\n    # stackup:end")

	for _, id := range []string{"ollama", "open-webui"} {
		a, err := store.GetApplied(ctx, nix.Name(), id)
		require.NoError(t, err)
		assert.NotNil(t, a, id)
	}

	// Nothing staged: no second rebuild
	require.NoError(t, nix.Converge(ctx))
	assert.Equal(t, 1, exec.count("nixos-rebuild"))
}

func TestNixConvergeFailureRecordsNothing(t *testing.T) {
	exec := newRecordingExecutor().on("nixos-rebuild", failing())
	store := newMemoryStore()
	nix, _ := newTestNix(t, exec, store)
	ctx := context.Background()

	require.NoError(t, nix.Apply(ctx, webService()))
	require.Error(t, nix.Converge(ctx))

	a, err := store.GetApplied(ctx, nix.Name(), "open-webui")
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestNixIsCurrent(t *testing.T) {
	exec := newRecordingExecutor()
	store := newMemoryStore()
	nix, _ := newTestNix(t, exec, store)
	ctx := context.Background()

	svc := webService()
	require.NoError(t, nix.Apply(ctx, svc))
	require.NoError(t, nix.Converge(ctx))

	current, err := nix.IsCurrent(ctx, svc)
	require.NoError(t, err)
	assert.True(t, current)

	exec.on("systemctl is-active", failing())
	current, err = nix.IsCurrent(ctx, svc)
	require.NoError(t, err)
	assert.False(t, current)
}

func TestNixPartialRunKeepsModuleUnchanged(t *testing.T) {
	exec := newRecordingExecutor()
	store := newMemoryStore()
	nix, cfg := newTestNix(t, exec, store)
	ctx := context.Background()

	ollama := &descriptor.Service{ID: "ollama", Unit: descriptor.UnitSpec{Exec: "/run/current-system/sw/bin/ollama serve"}}
	require.NoError(t, nix.Apply(ctx, ollama))
	require.NoError(t, nix.Apply(ctx, webService()))
	require.NoError(t, nix.Converge(ctx))

	before, err := os.ReadFile(cfg.NixModulePath)
	require.NoError(t, err)

	// A later run restages only ollama; open-webui comes back from the store
	require.NoError(t, nix.Apply(ctx, ollama))
	require.NoError(t, nix.Converge(ctx))

	after, err := os.ReadFile(cfg.NixModulePath)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestNixConvergeValidatesConfigurationFirst(t *testing.T) {
	exec := newRecordingExecutor()
	nix, cfg := newTestNix(t, exec, newMemoryStore())
	ctx := context.Background()

	broken := "# stackup:begin\n{ }\n"
	require.NoError(t, os.WriteFile(cfg.NixConfigPath, []byte(broken), 0644))

	require.NoError(t, nix.Apply(ctx, webService()))
	err := nix.Converge(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrConfigValidation))

	assert.NoFileExists(t, cfg.NixModulePath)
	assert.Zero(t, exec.count("nixos-rebuild"))

	content, err := os.ReadFile(cfg.NixConfigPath)
	require.NoError(t, err)
	assert.Equal(t, broken, string(content))
}
