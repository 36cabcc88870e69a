package reconciler

import "testing"

func TestParseSignal_StructuredHeaderWithReadyFor(t *testing.T) {
	c := Comment{
		ID:   "c1",
		Body: "## 🔨 Implement Change Complete — developer\n\nReady for **@reviewer**\n\nsummary: fixed the null pointer\nkey_findings: race in the retry path; missing nil check",
	}
	sig, ok := ParseSignal(c)
	if !ok {
		t.Fatal("expected a structured signal to parse")
	}
	if sig.CompletedAgent != "developer" {
		t.Fatalf("expected completed_agent=developer, got %q", sig.CompletedAgent)
	}
	if sig.NextAgent != "reviewer" {
		t.Fatalf("expected next_agent=reviewer, got %q", sig.NextAgent)
	}
	if sig.Summary != "fixed the null pointer" {
		t.Fatalf("unexpected summary: %q", sig.Summary)
	}
	if len(sig.KeyFindings) != 2 {
		t.Fatalf("expected 2 key findings, got %v", sig.KeyFindings)
	}
	if sig.CommentID != "c1" {
		t.Fatalf("expected comment_id c1, got %q", sig.CommentID)
	}
}

func TestParseSignal_ReadyForWithoutHeaderIsNotASignal(t *testing.T) {
	c := Comment{ID: "c2", Body: "Ready for **@reviewer**"}
	if _, ok := ParseSignal(c); ok {
		t.Fatal("a bare 'Ready for' line without a structured header must not parse as a signal")
	}
}

func TestParseSignal_HeaderWithoutReadyForStillParses(t *testing.T) {
	c := Comment{ID: "c3", Body: "## Triage Complete — triage\n\nNo next agent yet."}
	sig, ok := ParseSignal(c)
	if !ok {
		t.Fatal("expected a signal with a structured header even without a Ready for line")
	}
	if sig.NextAgent != "" {
		t.Fatalf("expected empty next_agent, got %q", sig.NextAgent)
	}
}

func TestParseSignals_SkipsMalformedComments(t *testing.T) {
	comments := []Comment{
		{ID: "a", Body: "just a regular comment"},
		{ID: "b", Body: "## Review Complete — reviewer\n\nReady for **@developer**"},
	}
	signals := ParseSignals(comments)
	if len(signals) != 1 {
		t.Fatalf("expected exactly 1 parsed signal, got %d", len(signals))
	}
	if signals[0].CommentID != "b" {
		t.Fatalf("expected the structured comment to survive, got %q", signals[0].CommentID)
	}
}
