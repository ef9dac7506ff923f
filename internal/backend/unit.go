package backend

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"stackup/internal/descriptor"
)

var unitTemplate = template.Must(template.New("unit").Parse(`# Managed by stackup. Changes will be overwritten.
[Unit]
Description={{ .Description }}
After={{ .After }}
Wants=network-online.target

[Service]
Type=simple
ExecStart={{ .Exec }}
{{- if .User }}
User={{ .User }}
{{- end }}
{{- if .WorkingDir }}
WorkingDirectory={{ .WorkingDir }}
{{- end }}
{{- if .EnvironmentFile }}
EnvironmentFile={{ .EnvironmentFile }}
{{- end }}
Restart={{ .Restart }}
{{- if .RestartSec }}
RestartSec={{ .RestartSec }}
{{- end }}

[Install]
WantedBy=multi-user.target
`))

var dropInTemplate = template.Must(template.New("dropin").Parse(`# Managed by stackup. Changes will be overwritten.
[Service]
{{- if .EnvironmentFile }}
EnvironmentFile={{ .EnvironmentFile }}
{{- end }}
Restart={{ .Restart }}
{{- if .RestartSec }}
RestartSec={{ .RestartSec }}
{{- end }}
`))

type unitData struct {
	Description     string
	After           string
	Exec            string
	User            string
	WorkingDir      string
	EnvironmentFile string
	Restart         string
	RestartSec      string
}

func newUnitData(svc *descriptor.Service, envFile string) unitData {
	description := svc.Description
	if description == "" {
		description = svc.ID
	}

	after := append([]string{"network-online.target"}, svc.Unit.After...)
	for _, dep := range svc.DependsOn {
		after = append(after, dep+".service")
	}

	data := unitData{
		Description:     description,
		After:           strings.Join(after, " "),
		Exec:            svc.Unit.Exec,
		User:            svc.Unit.User,
		WorkingDir:      svc.Unit.WorkingDir,
		EnvironmentFile: envFile,
		Restart:         systemdRestart(svc.Restart.Mode()),
	}
	if svc.Restart.Backoff.Duration > 0 {
		data.RestartSec = fmt.Sprintf("%gs", svc.Restart.Backoff.Seconds())
	}
	return data
}

// renderUnit produces the full unit file for a service with an exec line
func renderUnit(svc *descriptor.Service, envFile string) ([]byte, error) {
	var buf bytes.Buffer
	if err := unitTemplate.Execute(&buf, newUnitData(svc, envFile)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// renderDropIn produces the override applied to units stackup does not own
func renderDropIn(svc *descriptor.Service, envFile string) ([]byte, error) {
	var buf bytes.Buffer
	if err := dropInTemplate.Execute(&buf, newUnitData(svc, envFile)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// renderEnvFile writes KEY=value lines in sorted key order
func renderEnvFile(cfg map[string]string) []byte {
	var buf bytes.Buffer
	buf.WriteString("# Managed by stackup. Changes will be overwritten.\n")
	for _, key := range sortedKeys(cfg) {
		fmt.Fprintf(&buf, "%s=%s\n", key, cfg[key])
	}
	return buf.Bytes()
}

func systemdRestart(mode descriptor.RestartMode) string {
	switch mode {
	case descriptor.RestartNever:
		return "no"
	case descriptor.RestartAlways:
		return "always"
	default:
		return "on-failure"
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
