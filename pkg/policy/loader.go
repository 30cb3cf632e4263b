package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadTableFile reads a YAML policy table from disk. An absent path yields
// an empty table (every chip is allowed by default), matching the
// teacher's permissive-fallback posture for non-strict deployments.
func LoadTableFile(path string) (Table, error) {
	if path == "" {
		return Table{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Table{}, nil
	}
	if err != nil {
		return Table{}, fmt.Errorf("policy: reading %s: %w", path, err)
	}
	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return Table{}, fmt.Errorf("policy: parsing %s: %w", path, err)
	}
	return table, nil
}
