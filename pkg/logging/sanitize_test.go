package logging

import (
	"strings"
	"testing"
)

func TestMaskEmail(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alice@example.com", "a***e@e*****e.c*m"},
		{"ab@cd.ef", "ab@cd.ef"},
		{"a@b.c", "*@*.*"},
		{"not-an-address", "not-an-address"},
		{"@example.com", "@example.com"},
		{"alice@", "alice@"},
		{"  alice@example.com  ", "a***e@e*****e.c*m"},
	}
	for _, tc := range tests {
		if got := MaskEmail(tc.in); got != tc.want {
			t.Errorf("MaskEmail(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRedactEmailsIn(t *testing.T) {
	in := `dial failed for account "bob@gmail.com": lookup refused`
	got := RedactEmailsIn(in)
	if strings.Contains(got, "bob@gmail.com") {
		t.Fatalf("address not redacted: %q", got)
	}
	if !strings.Contains(got, "b*b@") {
		t.Errorf("expected masked local part, got %q", got)
	}
}

func TestBoundSubject(t *testing.T) {
	if got := BoundSubject("hello\r\nworld\x00", 0); got != "helloworld" {
		t.Errorf("control characters not stripped: %q", got)
	}
	long := strings.Repeat("x", 300)
	if got := BoundSubject(long, 120); len(got) != 120 {
		t.Errorf("len = %d, want 120", len(got))
	}
	// Multi-byte runes are never cut in the middle.
	got := BoundSubject(strings.Repeat("é", 100), 7)
	if !strings.HasSuffix(got, "é") || len(got) > 7 {
		t.Errorf("unsafe cut: %q (len %d)", got, len(got))
	}
}
