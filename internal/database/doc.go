// Package database opens the PostgreSQL pool backing the event archive.
package database
