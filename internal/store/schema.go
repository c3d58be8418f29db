package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Persisted file names inside the data directory.
const (
	UsersFile   = "users.json"
	BYOKFile    = "byok.json"
	IndexesFile = "indexes.json"
)

// Migrations returns the linear schema history of the data directory.
//
// v1 lays down the baseline files. v2 wraps every API-key record with the
// usage_counters/quotas envelope introduced for per-key accounting.
func Migrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "initial layout",
			Up: func(dir string) error {
				for _, name := range []string{UsersFile, BYOKFile, IndexesFile} {
					path := filepath.Join(dir, name)
					if _, err := os.Stat(path); err == nil {
						continue
					} else if !errors.Is(err, os.ErrNotExist) {
						return err
					}
					if err := WriteFileAtomic(path, []byte("{}")); err != nil {
						return err
					}
				}
				return os.MkdirAll(filepath.Join(dir, "migrations"), 0o755)
			},
			Down: nil, // baseline files are left in place
		},
		{
			Version: 2,
			Name:    "key usage counters",
			Up: func(dir string) error {
				return transformRecords(filepath.Join(dir, UsersFile), func(rec map[string]json.RawMessage) {
					if _, ok := rec["usage_counters"]; !ok {
						rec["usage_counters"] = json.RawMessage("{}")
					}
					if _, ok := rec["quotas"]; !ok {
						rec["quotas"] = json.RawMessage("{}")
					}
				})
			},
			Down: func(dir string) error {
				return transformRecords(filepath.Join(dir, UsersFile), func(rec map[string]json.RawMessage) {
					delete(rec, "usage_counters")
					delete(rec, "quotas")
				})
			},
		},
	}
}

// transformRecords applies fn to every record of a key→record JSON file and
// writes the result back atomically. A missing file is a no-op.
func transformRecords(path string, fn func(map[string]json.RawMessage)) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var records map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	for _, rec := range records {
		fn(rec)
	}

	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, out)
}
