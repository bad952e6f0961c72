// Package storage persists delivery outcomes (broadlog), tracked campaign
// links, and the member/signup tables the bundled workflows query.
//
// The backend is a single SQLite file with WAL enabled and one writer
// connection. Schema lives in migrations.sql and is applied on Open.
package storage
