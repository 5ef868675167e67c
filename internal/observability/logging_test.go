package observability

import "testing"

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		log, flush, err := NewLogger("debug", format)
		if err != nil {
			t.Fatalf("NewLogger(%q): %v", format, err)
		}
		log.V(1).Info("saga advanced", "saga_id", "s-1")
		flush()
	}
}

func TestNewLoggerRejectsBadInput(t *testing.T) {
	if _, _, err := NewLogger("loud", "json"); err == nil {
		t.Fatalf("expected error for bad level")
	}
	if _, _, err := NewLogger("info", "xml"); err == nil {
		t.Fatalf("expected error for bad format")
	}
}
