package runtime

import (
	"context"
	"testing"
	"time"

	nexuserr "github.com/Ghabs95/nexus-core/internal/errors"
)

func TestNewWrapper_Defaults(t *testing.T) {
	w := NewWrapper()
	if w.defaultTimeout != 5*time.Second {
		t.Errorf("defaultTimeout = %v, want 5s", w.defaultTimeout)
	}
	if w.socketPath != "" {
		t.Errorf("socketPath should be empty by default, got %q", w.socketPath)
	}
}

func TestNewWrapper_WithOptions(t *testing.T) {
	w := NewWrapper(WithSocketPath("/tmp/test.sock"), WithTimeout(10*time.Second))
	if w.socketPath != "/tmp/test.sock" {
		t.Errorf("socketPath = %q, want /tmp/test.sock", w.socketPath)
	}
	if w.defaultTimeout != 10*time.Second {
		t.Errorf("defaultTimeout = %v, want 10s", w.defaultTimeout)
	}
}

func TestWrapper_BuildArgs_NoSocket(t *testing.T) {
	w := NewWrapper()
	args := w.buildArgs("list-sessions", "-F", "#{session_name}")
	expected := []string{"list-sessions", "-F", "#{session_name}"}
	if len(args) != len(expected) {
		t.Fatalf("len(args) = %d, want %d", len(args), len(expected))
	}
	for i, arg := range args {
		if arg != expected[i] {
			t.Errorf("args[%d] = %q, want %q", i, arg, expected[i])
		}
	}
}

func TestWrapper_BuildArgs_WithSocket(t *testing.T) {
	w := NewWrapper(WithSocketPath("/tmp/test.sock"))
	args := w.buildArgs("has-session", "-t", "nexus-1-triage")
	expected := []string{"-S", "/tmp/test.sock", "has-session", "-t", "nexus-1-triage"}
	if len(args) != len(expected) {
		t.Fatalf("len(args) = %d, want %d", len(args), len(expected))
	}
	for i, arg := range args {
		if arg != expected[i] {
			t.Errorf("args[%d] = %q, want %q", i, arg, expected[i])
		}
	}
}

func TestTmuxRuntime_SessionName(t *testing.T) {
	r := NewTmuxRuntime(NewWrapper(), TmuxRuntimeConfig{})
	if got := r.sessionName("42", "triager"); got != "nexus-42-triager" {
		t.Errorf("sessionName() = %q, want nexus-42-triager", got)
	}
}

func TestTmuxRuntime_LaunchAgent_UnknownAgentType(t *testing.T) {
	r := NewTmuxRuntime(NewWrapper(), TmuxRuntimeConfig{LogDir: t.TempDir(), Commands: map[string]string{}})
	_, _, err := r.LaunchAgent(context.Background(), "42", "unknown-agent", "manual")
	if !nexuserr.HasCode(err, nexuserr.CodeTransientLaunch) {
		t.Errorf("expected CodeTransientLaunch for unconfigured agent type, got %v", err)
	}
}
