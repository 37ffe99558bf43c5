// Package store persists audit records in a SQL table and serves the
// read side used by auditctl. SQLite (modernc.org/sqlite) and PostgreSQL
// (pgx) are supported.
package store
