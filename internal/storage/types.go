package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (or "sqlite3"): SQLite database file at Path
//   - "memory": in-process store, nothing survives a restart
//
// An empty Driver means "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Counter names kept in the stats table.
const (
	StatNotifications = "notifications"
	StatAPIRequests   = "api_requests"
	StatDBUpdates     = "db_updates"
	StatMissed        = "missed"
	StatPostponements = "postponements"
)
