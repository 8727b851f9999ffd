// Package directory reads the static user directory: a JSON file mapping each
// user to the identity details their container is provisioned with. The file
// is owned by an external enrollment process; the hub only ever reads it.
package directory

import (
	"encoding/json"
	"fmt"
	"os"
)

// Entry holds the provisioning details for one user.
type Entry struct {
	UID      int    `json:"uid"`
	GID      int    `json:"gid"`
	District string `json:"district"`
}

// Directory looks up users in the directory file.
type Directory struct {
	path string
}

// New creates a Directory reading from the given path.
func New(path string) *Directory {
	return &Directory{path: path}
}

// Lookup re-reads the directory file and returns the entry for user. The file
// is read fresh on every call so enrollment changes apply without a restart.
func (d *Directory) Lookup(user string) (Entry, error) {
	bytes, err := os.ReadFile(d.path)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to read directory file: %w", err)
	}

	entries := make(map[string]Entry)
	if err := json.Unmarshal(bytes, &entries); err != nil {
		return Entry{}, fmt.Errorf("failed to parse directory file: %w", err)
	}

	entry, exists := entries[user]
	if !exists {
		return Entry{}, fmt.Errorf("user %q not found in directory", user)
	}
	return entry, nil
}
