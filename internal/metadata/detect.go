package metadata

import (
	"fmt"
	"os"
	"path/filepath"
)

type marker struct {
	file string
	kind Kind
}

// markers are checked in order within each directory.
var markers = []marker{
	{"Cargo.toml", KindCargo},
	{"package-lock.json", KindNPM},
}

// Detect searches up the directory tree from dir for a build tool marker and
// returns the matching source kind together with the project root.
func Detect(dir string) (Kind, string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", "", err
	}

	current := absDir
	for {
		for _, m := range markers {
			if _, err := os.Stat(filepath.Join(current, m.file)); err == nil {
				return m.kind, current, nil
			}
		}

		// Move up one directory
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	return "", "", fmt.Errorf("no Cargo.toml or package-lock.json found in %s or its parents", absDir)
}

// findUp returns the closest directory at or above dir containing name.
func findUp(dir, name string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	current := absDir
	for {
		if _, err := os.Stat(filepath.Join(current, name)); err == nil {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("%s not found in %s or its parents", name, absDir)
		}
		current = parent
	}
}
