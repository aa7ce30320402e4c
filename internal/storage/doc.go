// Package storage opens the SQL database that backs the execution ledger and
// the schedule table, and applies the embedded schema migrations.
//
// Two backends are supported:
//   - "sqlite": embedded database file (modernc.org/sqlite, no cgo)
//   - "postgres": shared server via pgx's database/sql driver
//
// Both dialects enforce single-runner semantics with a partial unique index,
// so the ledger code above this package is backend agnostic.
package storage
