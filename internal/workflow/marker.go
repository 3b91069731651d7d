package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// MigrationMarkerName is the completion marker written to the user data
// directory.
const MigrationMarkerName = "cloud-backups-migration.json"

type migrationMarker struct {
	Migrated bool `json:"migrated"`
}

// MigrationMarkerPath returns the marker location under dir.
func MigrationMarkerPath(dir string) string {
	return filepath.Join(dir, MigrationMarkerName)
}

// HasMigrationCompleted reports whether dir holds a marker with
// migrated=true.
func HasMigrationCompleted(dir string) bool {
	data, err := os.ReadFile(MigrationMarkerPath(dir))
	if err != nil {
		return false
	}
	var m migrationMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	return m.Migrated
}

func writeMigrationMarker(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create user data directory: %w", err)
	}
	data, err := json.Marshal(migrationMarker{Migrated: true})
	if err != nil {
		return err
	}

	path := MigrationMarkerPath(dir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write migration marker: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write migration marker: %w", err)
	}
	return nil
}
