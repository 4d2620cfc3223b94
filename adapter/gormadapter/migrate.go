package gormadapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/giantswarm/mcp-auth/schema"
)

// columnType maps a semantic field type to a column type for the open dialect.
func (a *Adapter) columnType(t schema.FieldType) string {
	postgres := a.db.Dialector.Name() == "postgres"
	switch t {
	case schema.TypeNumber:
		return "BIGINT"
	case schema.TypeBoolean:
		return "BOOLEAN"
	case schema.TypeDate:
		if postgres {
			return "TIMESTAMPTZ"
		}
		return "DATETIME"
	case schema.TypeJSON:
		if postgres {
			return "JSONB"
		}
		return "TEXT"
	default:
		return "TEXT"
	}
}

func (a *Adapter) columnDef(name string, f schema.Field) string {
	def := a.quote(name) + " " + a.columnType(f.Type)
	if f.Unique {
		def += " UNIQUE"
	}
	return def
}

// Migrate creates missing tables and adds missing columns so that the
// database matches s. Existing columns are never altered or dropped.
func (a *Adapter) Migrate(ctx context.Context, s schema.Schema) error {
	if len(s) == 0 {
		return ErrNoSchema
	}
	db := a.db.WithContext(ctx)
	migrator := db.Migrator()

	for _, modelName := range s.ModelNames() {
		model := s[modelName]

		if !migrator.HasTable(modelName) {
			cols := []string{a.quote("id") + " TEXT PRIMARY KEY"}
			for _, fieldName := range model.FieldNames() {
				if fieldName == "id" {
					continue
				}
				cols = append(cols, a.columnDef(fieldName, model.Fields[fieldName]))
			}
			stmt := fmt.Sprintf("CREATE TABLE %s (%s)", a.quote(modelName), strings.Join(cols, ", "))
			if err := db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("create table %s: %w", modelName, err)
			}
			a.logger.Info("Created table", "model", modelName, "columns", len(cols))
			continue
		}

		for _, fieldName := range model.FieldNames() {
			if fieldName == "id" || migrator.HasColumn(modelName, fieldName) {
				continue
			}
			f := model.Fields[fieldName]
			// ADD COLUMN cannot carry UNIQUE on sqlite
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
				a.quote(modelName), a.quote(fieldName), a.columnType(f.Type))
			if err := db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("add column %s.%s: %w", modelName, fieldName, err)
			}
			a.logger.Info("Added column", "model", modelName, "field", fieldName)
		}
	}
	return nil
}
