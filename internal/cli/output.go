package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/devrev/replstore/internal/reference"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation ran and failed on some databases
	ExitCommandError = 2 // bad arguments, configuration or key
)

// ExitError carries the process exit code for a command failure.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from err. Errors that are not an
// *ExitError map to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

type printer struct {
	format string
	w      io.Writer
}

func (p printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// resultOutput is the JSON shape of a deletion or reconcile result.
type resultOutput struct {
	Namespace string              `json:"namespace"`
	IDs       map[string][]string `json:"ids"`
	Entries   map[string]int      `json:"entries"`
	Total     int                 `json:"total"`
	Failed    []string            `json:"failed,omitempty"`
}

func (p printer) result(namespace string, res reference.Result, failed []string) error {
	if p.format == FormatJSON {
		return p.json(resultOutput{
			Namespace: namespace,
			IDs:       res.IDs,
			Entries:   res.Entries,
			Total:     res.Total(),
			Failed:    failed,
		})
	}

	labels := make([]string, 0, len(res.Entries))
	for label := range res.Entries {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	fmt.Fprintf(p.w, "foreign://%s: removed %d entries\n", namespace, res.Total())
	for _, label := range labels {
		ids := res.IDs[label]
		if len(ids) == 0 && res.Entries[label] == 0 {
			continue
		}
		fmt.Fprintf(p.w, "  %-24s %d entries", label, res.Entries[label])
		if len(ids) > 0 {
			fmt.Fprintf(p.w, " (ids: %s)", strings.Join(ids, ", "))
		}
		fmt.Fprintln(p.w)
	}
	for _, label := range failed {
		fmt.Fprintf(p.w, "  %-24s FAILED\n", label)
	}
	return nil
}
