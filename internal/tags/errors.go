package tags

import (
	"fmt"
	"strings"
)

// ToolNotFoundError reports that no usable indexer binary could be located.
// It is a setup problem: nothing can be built until the user fixes it.
type ToolNotFoundError struct {
	Tool  string
	Tried []string
	Err   error
}

func (e *ToolNotFoundError) Error() string {
	msg := fmt.Sprintf("%s not found", e.Tool)
	if len(e.Tried) > 0 {
		msg += fmt.Sprintf(" (tried %s)", strings.Join(e.Tried, ", "))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg + "; is a Universal or Exuberant ctags correctly installed?"
}

func (e *ToolNotFoundError) Unwrap() error { return e.Err }

// GenerationError reports an indexer run that exited unsuccessfully.
type GenerationError struct {
	Paths    []string
	ExitCode int
	Output   string // stderr, or stdout when stderr was empty
	Err      error
}

func (e *GenerationError) Error() string {
	msg := fmt.Sprintf("tags generation failed for %s (exit code %d)", strings.Join(e.Paths, ", "), e.ExitCode)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IOError reports a filesystem failure while reading, merging or publishing
// tags. It is not retried.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func ioErr(op, path string, err error) error {
	return &IOError{Op: op, Path: path, Err: err}
}
