// Package paths centralizes file and directory names used across the project.
// All data directory file names are defined here as the single source of truth.
package paths

import "path/filepath"

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Data directory file names.
const (
	ConfigFile    = "config.toml"
	LogFile       = "daemon.log"
	LedgerFile    = "sessions.db"
	HeartbeatsDir = "heartbeats"
)

// BinaryName is the installed binary name, also used in user-facing output.
const BinaryName = "timekeep"

// DataDirRel is the default data directory, relative to $HOME.
const DataDirRel = ".timekeep"

// ///////////////////////////////////////////////
// DataDir
// ///////////////////////////////////////////////

// DataDir provides path construction methods rooted at a data directory.
type DataDir struct {
	Root string
}

// Config returns the full path to the config file.
func (d DataDir) Config() string { return filepath.Join(d.Root, ConfigFile) }

// Log returns the full path to the log file.
func (d DataDir) Log() string { return filepath.Join(d.Root, LogFile) }

// Ledger returns the full path to the SQLite session ledger.
func (d DataDir) Ledger() string { return filepath.Join(d.Root, LedgerFile) }

// Heartbeats returns the full path to the shared heartbeats directory used
// for instance arbitration.
func (d DataDir) Heartbeats() string { return filepath.Join(d.Root, HeartbeatsDir) }
