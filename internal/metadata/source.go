// Package metadata collects the dependency graph of a project from its build
// tool: cargo metadata for Rust crates, package-lock.json for npm projects,
// or a serialized graph file for everything else.
package metadata

import (
	"context"
	"fmt"

	"github.com/acheong08/deptags/pkg/models"
)

// Source produces the raw dependency graph of the project containing dir.
type Source interface {
	Load(ctx context.Context, dir string) (*models.DependencyGraph, error)
}

// Kind names a metadata source.
type Kind string

const (
	KindAuto  Kind = "auto"
	KindCargo Kind = "cargo"
	KindNPM   Kind = "npm"
	KindFile  Kind = "file"
)

// ParseKind validates a source name. The empty string is auto.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case "":
		return KindAuto, nil
	case KindAuto, KindCargo, KindNPM, KindFile:
		return k, nil
	default:
		return "", fmt.Errorf("unknown metadata source %q (expected auto, cargo, npm or file)", s)
	}
}

// Resolve returns the source to use for dir. A graph location always selects
// the file source; auto detects the build tool from the files around dir.
func Resolve(kind Kind, graphURL, dir string) (Source, error) {
	if graphURL != "" {
		if kind != KindAuto && kind != KindFile && kind != "" {
			return nil, fmt.Errorf("a graph file cannot be combined with the %s source", kind)
		}
		return NewFile(graphURL), nil
	}

	if kind == KindAuto || kind == "" {
		detected, _, err := Detect(dir)
		if err != nil {
			return nil, err
		}
		kind = detected
	}

	switch kind {
	case KindCargo:
		return NewCargo(), nil
	case KindNPM:
		return NewNPM(), nil
	case KindFile:
		return nil, fmt.Errorf("the file source needs a graph location")
	default:
		return nil, fmt.Errorf("unknown metadata source %q", kind)
	}
}
