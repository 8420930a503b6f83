// Package stores persists the agent's audit trail in SQLite. The schema is
// managed with embedded migrations and the database runs in WAL mode.
package stores
