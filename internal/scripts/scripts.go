// Package scripts reads the npm scripts declared in a workspace's
// package.json.
package scripts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
)

// Manifest is the file holding the scripts of a workspace.
const Manifest = "package.json"

// Read returns the scripts map of dir/package.json. A missing, unreadable
// or malformed manifest yields an empty map.
func Read(dir string) map[string]string {
	data, err := os.ReadFile(filepath.Join(dir, Manifest))
	if err != nil {
		return map[string]string{}
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil || pkg.Scripts == nil {
		return map[string]string{}
	}
	return pkg.Scripts
}

// Names returns the script names in sorted order.
func Names(s map[string]string) []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
