package storage

import "embed"

// Migrations holds the schema, applied with libs/db.Migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS

const MigrationsDir = "migrations"
