// Package store provides the durable local store.
package store

import (
	"fmt"
	"sort"

	"github.com/openhabitat/accesscase/internal/logging"
	"github.com/openhabitat/accesscase/internal/models"
)

// Transform rewrites one stored entity snapshot to the new schema.
type Transform func(data []byte) ([]byte, error)

// EntityMigration applies a transform to every snapshot of one entity type.
type EntityMigration struct {
	EntityType models.EntityType
	Transform  Transform
}

// SchemaVersion is one registered schema step.
type SchemaVersion struct {
	Version    int
	Migrations []EntityMigration
}

// migrate brings the on-disk schema up to the highest registered version.
// Migrations stream per entity-type prefix rather than loading the whole
// store; a failing transform is logged and the key skipped, never fatal.
func (s *SQLiteStore) migrate() error {
	if len(s.versions) == 0 {
		return nil
	}

	current, err := s.schemaVersion()
	if err != nil {
		return err
	}

	pending := make([]SchemaVersion, 0, len(s.versions))
	for _, v := range s.versions {
		if v.Version > current {
			pending = append(pending, v)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	for _, v := range pending {
		for _, m := range v.Migrations {
			if err := s.migrateEntityType(v.Version, m); err != nil {
				return err
			}
		}
		if _, err := s.db.Exec("UPDATE schema_info SET version = ? WHERE id = 1", v.Version); err != nil {
			return models.WrapError(models.ErrMigration, "failed to record schema version", err)
		}
		logging.Info("schema migrated", map[string]interface{}{"version": v.Version})
	}
	return nil
}

// migrateEntityType rewrites every snapshot under "<entityType>:".
func (s *SQLiteStore) migrateEntityType(version int, m EntityMigration) error {
	prefix := string(m.EntityType) + ":"
	batch, err := s.GetByPrefix(prefix)
	if err != nil {
		return models.WrapError(models.ErrMigration,
			fmt.Sprintf("failed to scan %q for schema v%d", prefix, version), err)
	}

	for key, value := range batch {
		next, err := m.Transform(value)
		if err != nil {
			logKeySkip("migration", key, err)
			continue
		}
		if err := s.Set(key, next); err != nil {
			logKeySkip("migration", key, err)
		}
	}
	return nil
}

// schemaVersion reads the applied schema version.
func (s *SQLiteStore) schemaVersion() (int, error) {
	var v int
	if err := s.db.QueryRow("SELECT version FROM schema_info WHERE id = 1").Scan(&v); err != nil {
		return 0, models.WrapError(models.ErrMigration, "failed to read schema version", err)
	}
	return v, nil
}
