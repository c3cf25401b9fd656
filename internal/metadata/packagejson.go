package metadata

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/acheong08/deptags/pkg/models"
)

// PackageJSON represents the fields of package.json deptags reads.
type PackageJSON struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// ParsePackageJSON reads and parses a package.json file
func ParsePackageJSON(path string) (*PackageJSON, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read package.json: %w", err)
	}

	var pkg PackageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("failed to parse package.json: %w", err)
	}

	return &pkg, nil
}

// ToPackage converts PackageJSON to the root models.Package.
func (p *PackageJSON) ToPackage() models.Package {
	return models.Package{
		ID:      RootID,
		Name:    p.Name,
		Version: p.Version,
	}
}
