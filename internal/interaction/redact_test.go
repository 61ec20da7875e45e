package interaction

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIILeavesPlainText(t *testing.T) {
	out, changed := RedactPII("where is the cafeteria")
	if changed || out != "where is the cafeteria" {
		t.Fatalf("RedactPII() = %q, %v; want unchanged", out, changed)
	}
}
