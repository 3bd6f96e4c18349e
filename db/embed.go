// Package db provides embedded database schema and migration files.
package db

import _ "embed"

// Schema contains the DDL statements for the dispatch tables: restaurants,
// orders, assignments, and the two append-only history tables.
//
//go:embed migrations/001_schema.sql
var Schema string
