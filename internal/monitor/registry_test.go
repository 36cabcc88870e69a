package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/Ghabs95/nexus-core/internal/types"
)

func TestRegistryLaunchRoundTrip(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ctx := context.Background()

	rec := types.LaunchRecord{
		IssueNumber: "42",
		PID:         1234,
		AgentType:   "developer",
		LogFilePath: "/tmp/42.log",
		LaunchedAt:  time.Now().UTC(),
	}
	if err := reg.RecordLaunch(ctx, rec); err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}

	got, err := reg.GetLaunch(ctx, "42")
	if err != nil {
		t.Fatalf("GetLaunch: %v", err)
	}
	if got == nil || got.PID != 1234 {
		t.Fatalf("expected stored launch record, got %+v", got)
	}

	if err := reg.ClearLaunch(ctx, "42"); err != nil {
		t.Fatalf("ClearLaunch: %v", err)
	}
	got, err = reg.GetLaunch(ctx, "42")
	if err != nil {
		t.Fatalf("GetLaunch after clear: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after clear, got %+v", got)
	}
}

func TestRegistryFusePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	reg1, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	fuse := types.RetryFuse{WindowStart: time.Now().UTC(), Attempts: 2, Tripped: true}
	if err := reg1.SaveFuse(ctx, "42", "developer", fuse); err != nil {
		t.Fatalf("SaveFuse: %v", err)
	}

	reg2, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry (restart): %v", err)
	}
	got, err := reg2.GetFuse(ctx, "42", "developer")
	if err != nil {
		t.Fatalf("GetFuse: %v", err)
	}
	if got.Attempts != 2 || !got.Tripped {
		t.Fatalf("fuse state did not survive restart: %+v", got)
	}

	if err := reg2.ResetFuse(ctx, "42", "developer"); err != nil {
		t.Fatalf("ResetFuse: %v", err)
	}
	got, err = reg2.GetFuse(ctx, "42", "developer")
	if err != nil {
		t.Fatalf("GetFuse after reset: %v", err)
	}
	if got.Attempts != 0 || got.Tripped {
		t.Fatalf("expected zero-value fuse after reset, got %+v", got)
	}
}
