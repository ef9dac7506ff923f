package commands

import (
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"stackup/internal/errors"
	"stackup/internal/logger"
)

// HandleError adds operator tips to err. A nil result means there is
// nothing to print.
func HandleError(err error) error {
	if err == nil {
		return nil
	}

	var exitErr *errors.ExitError
	if stderrors.As(err, &exitErr) && exitErr.Err == nil {
		return nil
	}

	logger.WithError(err).Debug("Command failed")

	var tip string
	switch errors.GetCode(err) {
	case errors.ErrEnvironment:
		tip = "The host does not meet the minimum requirements. Use 'stackup probe' to see every check, or --skip-probe to override."
	case errors.ErrLockHeld:
		tip = "Another provisioning run is in progress. Wait for it to finish and try again."
	case errors.ErrCycle:
		tip = "Break the cycle by removing one of its depends_on edges. Use 'stackup config validate' to check the set."
	case errors.ErrConfigValidation, errors.ErrConfigParse:
		tip = "Fix the descriptor or configuration file and try again."
	case errors.ErrNotFound:
		if strings.Contains(err.Error(), "report") {
			tip = "No run has completed yet. Use 'stackup provision' first."
		}
	}
	if tip == "" && strings.Contains(err.Error(), "permission denied") {
		tip = "You may need elevated permissions. Try running with sudo."
	}

	if tip != "" {
		return fmt.Errorf("%v\n\nTip: %s", err, tip)
	}
	return err
}

// PrintError writes the processed error and returns the process exit code
func PrintError(w io.Writer, err error) int {
	if processed := HandleError(err); processed != nil {
		fmt.Fprintf(w, "Error: %v\n", processed)
	}
	return errors.ExitCode(err)
}
