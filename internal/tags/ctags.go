package tags

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
)

// Request describes one indexer run.
type Request struct {
	Paths    []string // directories or files to index
	Recurse  bool     // descend into subdirectories
	Output   string   // file the indexer writes
	Kind     Kind
	Excludes []string // base-name patterns the indexer must skip
}

// Indexer extracts symbols from source paths into a tags file. The real
// implementation shells out to ctags; tests substitute fakes.
type Indexer interface {
	Index(ctx context.Context, req Request) error
}

var ctagsCandidates = []string{"ctags", "universal-ctags", "uctags", "exuberant-ctags", "exctags"}

// Ctags runs Universal or Exuberant ctags.
type Ctags struct {
	Exe     string
	Options []string
}

// FindCtags locates a compatible ctags binary. When exe is empty the usual
// binary names are probed in order. Only binaries reporting Universal or
// Exuberant Ctags in their --version output are accepted; BSD ctags lacks the
// options used here.
func FindCtags(exe string, options []string) (*Ctags, error) {
	candidates := ctagsCandidates
	if exe != "" {
		candidates = []string{exe}
	}

	var lastErr error
	for _, candidate := range candidates {
		path, err := exec.LookPath(candidate)
		if err != nil {
			lastErr = err
			continue
		}

		out, err := exec.Command(path, "--version").CombinedOutput()
		if err != nil {
			lastErr = fmt.Errorf("'%s --version' failed: %w", path, err)
			continue
		}
		if !isSupportedCtags(out) {
			lastErr = fmt.Errorf("%s is neither Universal nor Exuberant ctags", path)
			continue
		}

		return &Ctags{Exe: path, Options: options}, nil
	}

	return nil, &ToolNotFoundError{Tool: "ctags", Tried: candidates, Err: lastErr}
}

func isSupportedCtags(versionOutput []byte) bool {
	return bytes.Contains(versionOutput, []byte("Universal Ctags")) ||
		bytes.Contains(versionOutput, []byte("Exuberant Ctags"))
}

// Args builds the ctags command line for a request.
func (c *Ctags) Args(req Request) ([]string, error) {
	inputs, err := inputsFor(req)
	if err != nil {
		return nil, err
	}
	return c.args(req, inputs), nil
}

func (c *Ctags) args(req Request, inputs []string) []string {
	args := []string{"-f", req.Output}
	if req.Kind == KindEmacs {
		args = append(args, "-e")
	}
	if req.Recurse {
		args = append(args, "-R")
	}
	for _, exclude := range req.Excludes {
		args = append(args, "--exclude="+exclude)
	}
	args = append(args, c.Options...)
	return append(args, inputs...)
}

func inputsFor(req Request) ([]string, error) {
	if req.Recurse {
		return req.Paths, nil
	}
	return topLevelFiles(req.Paths, req.Excludes)
}

// Index runs ctags for the request. The child process is started with
// exec.Command rather than exec.CommandContext: an indexer run that has
// started is allowed to finish.
func (c *Ctags) Index(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	inputs, err := inputsFor(req)
	if err != nil {
		return err
	}
	// without -R and without files ctags refuses to run; an empty tags file
	// is the correct result
	if len(inputs) == 0 {
		if err := os.WriteFile(req.Output, nil, 0o644); err != nil {
			return ioErr("write", req.Output, err)
		}
		return nil
	}

	cmd := exec.Command(c.Exe, c.args(req, inputs)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return &ToolNotFoundError{Tool: c.Exe, Err: err}
		}

		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}

		output := stderr.String()
		if output == "" {
			output = stdout.String()
		}
		return &GenerationError{Paths: req.Paths, ExitCode: exitCode, Output: output, Err: err}
	}

	return nil
}

// topLevelFiles expands directories to the regular files directly inside
// them; file paths are kept as they are.
func topLevelFiles(paths []string, excludes []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, ioErr("stat", path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, ioErr("read directory", path, err)
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() || matchesAny(entry.Name(), excludes) {
				continue
			}
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}
	return files, nil
}

func matchesAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
