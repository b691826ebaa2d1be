// Package storage provides the backends that persist a player's last position
// when it disconnects: SQL databases (SQLite, PostgreSQL, MySQL), an HTTP
// webhook, and an in-memory store.
package storage
