package report

import (
	"encoding/json"
	"os"
	"path/filepath"

	"stackup/internal/constants"
	"stackup/internal/errors"
)

// WriteFile atomically replaces the report at path
func WriteFile(path string, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to encode report", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, constants.DirPermissions); err != nil {
		return errors.FileWriteError(path, err)
	}
	tmp, err := os.CreateTemp(dir, ".report-*.json")
	if err != nil {
		return errors.FileWriteError(path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.FileWriteError(path, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.FileWriteError(path, err)
	}
	if err := os.Chmod(tmp.Name(), constants.FilePermissions); err != nil {
		return errors.FileWriteError(path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.FileWriteError(path, err)
	}
	return nil
}

// ReadFile loads a report written by WriteFile
func ReadFile(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("report", path)
		}
		return nil, errors.FileReadError(path, err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.ConfigParseError(path, err)
	}
	return &r, nil
}
