// Package cache manages the user-scoped cache directory. Nothing here is
// authoritative: the gateway works without it, and the status snapshot is a
// convenience for the CLI.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mcp-gateway/internal/session"
)

const dirName = "mcp-gateway"

// Dir returns the gateway cache directory, creating it if needed.
func Dir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving cache dir: %w", err)
	}
	dir := filepath.Join(base, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache dir: %w", err)
	}
	return dir, nil
}

// LogPath is where the serve process writes its log in stdio mode.
func LogPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "gateway.log"), nil
}

// ManifestPath is the optional user manifest override file.
func ManifestPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "manifest.yaml"), nil
}

// StatusSnapshot is what the serve process publishes after startup and
// every refresh, and what the status subcommand reads.
type StatusSnapshot struct {
	PID         int               `json:"pid"`
	WrittenAt   time.Time         `json:"written_at"`
	LastRefresh time.Time         `json:"last_refresh"`
	Servers     []session.Status  `json:"servers"`
	ToolCounts  map[string]int    `json:"tool_counts"`
}

func statusPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "status.json"), nil
}

// WriteStatus publishes the snapshot atomically (write + rename).
func WriteStatus(snap StatusSnapshot) error {
	path, err := statusPath()
	if err != nil {
		return err
	}
	snap.PID = os.Getpid()
	snap.WrittenAt = time.Now()
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadStatus loads the last published snapshot.
func ReadStatus() (StatusSnapshot, error) {
	var snap StatusSnapshot
	path, err := statusPath()
	if err != nil {
		return snap, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return snap, fmt.Errorf("no status snapshot (is the gateway running?): %w", err)
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("parse status snapshot: %w", err)
	}
	return snap, nil
}

// RefreshRequestPath is the trigger file the refresh subcommand touches;
// the serve process polls it and reloads config and policy when it changes.
func RefreshRequestPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "refresh-request"), nil
}

// RefreshRequest records a refresh request for the running gateway.
type RefreshRequest struct {
	Server    string    `json:"server,omitempty"`
	Force     bool      `json:"force,omitempty"`
	Requested time.Time `json:"requested"`
}

// WriteRefreshRequest drops the trigger file.
func WriteRefreshRequest(req RefreshRequest) error {
	path, err := RefreshRequestPath()
	if err != nil {
		return err
	}
	req.Requested = time.Now()
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// TakeRefreshRequest consumes a pending trigger file, if present.
func TakeRefreshRequest() (RefreshRequest, bool) {
	var req RefreshRequest
	path, err := RefreshRequestPath()
	if err != nil {
		return req, false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return req, false
	}
	_ = os.Remove(path)
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, false
	}
	return req, true
}
