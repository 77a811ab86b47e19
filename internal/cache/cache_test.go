package cache

import (
	"os"
	"testing"
	"time"

	"mcp-gateway/internal/session"
)

func TestStatusRoundTrip(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	snap := StatusSnapshot{
		LastRefresh: time.Now().Add(-time.Minute),
		Servers: []session.Status{
			{Name: "a", State: session.StateReady, Pending: 2},
			{Name: "b", State: session.StateFailed, LastError: "launch refused"},
		},
		ToolCounts: map[string]int{"a": 7},
	}
	if err := WriteStatus(snap); err != nil {
		t.Fatalf("write status: %v", err)
	}

	got, err := ReadStatus()
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if got.PID != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), got.PID)
	}
	if got.WrittenAt.IsZero() {
		t.Error("WrittenAt must be stamped on write")
	}
	if len(got.Servers) != 2 || got.Servers[1].LastError != "launch refused" {
		t.Errorf("unexpected servers: %+v", got.Servers)
	}
	if got.ToolCounts["a"] != 7 {
		t.Errorf("unexpected tool counts: %v", got.ToolCounts)
	}
}

func TestReadStatusMissing(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	if _, err := ReadStatus(); err == nil {
		t.Error("expected error when no snapshot exists")
	}
}

func TestRefreshRequestRoundTrip(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	if _, ok := TakeRefreshRequest(); ok {
		t.Fatal("no request should be pending initially")
	}

	if err := WriteRefreshRequest(RefreshRequest{Server: "github", Force: true}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	req, ok := TakeRefreshRequest()
	if !ok {
		t.Fatal("expected a pending request")
	}
	if req.Server != "github" || !req.Force {
		t.Errorf("unexpected request: %+v", req)
	}
	if req.Requested.IsZero() {
		t.Error("request must be stamped")
	}

	// Consumed: a second take finds nothing.
	if _, ok := TakeRefreshRequest(); ok {
		t.Error("request must be consumed by the first take")
	}
}
