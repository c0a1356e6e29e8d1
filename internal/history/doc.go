// Package history keeps a journal of finished pipeline runs in SQLite.
package history
