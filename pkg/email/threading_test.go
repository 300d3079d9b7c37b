package email

import (
	"reflect"
	"testing"
)

func TestCleanMessageID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"<abc@example.com>", "abc@example.com"},
		{"  <abc@example.com>  ", "abc@example.com"},
		{"abc@example.com", "abc@example.com"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := CleanMessageID(tc.in); got != tc.want {
			t.Errorf("CleanMessageID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatMessageID(t *testing.T) {
	if got := FormatMessageID("abc@example.com"); got != "<abc@example.com>" {
		t.Errorf("FormatMessageID = %q", got)
	}
	if got := FormatMessageID("<abc@example.com>"); got != "<abc@example.com>" {
		t.Errorf("FormatMessageID on bracketed input = %q", got)
	}
	if got := FormatMessageID("  "); got != "" {
		t.Errorf("FormatMessageID on blank input = %q", got)
	}
}

func TestParseReferences(t *testing.T) {
	refs := "<a@x.com> <b@y.com>\r\n <c@z.com>"
	want := []string{"a@x.com", "b@y.com", "c@z.com"}
	if got := ParseReferences(refs); !reflect.DeepEqual(got, want) {
		t.Errorf("ParseReferences = %v, want %v", got, want)
	}
	if got := ParseReferences(""); got != nil {
		t.Errorf("ParseReferences(\"\") = %v, want nil", got)
	}
}

func TestExtendReferences(t *testing.T) {
	got := ExtendReferences("<a@x.com> <b@y.com>", "<m@z.com>")
	want := []string{"a@x.com", "b@y.com", "m@z.com"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtendReferences = %v, want %v", got, want)
	}

	// No prior chain: the replied-to id stands alone.
	got = ExtendReferences("", "m@z.com")
	if !reflect.DeepEqual(got, []string{"m@z.com"}) {
		t.Errorf("ExtendReferences without chain = %v", got)
	}

	// The replied-to id is never duplicated.
	got = ExtendReferences("<m@z.com>", "m@z.com")
	if !reflect.DeepEqual(got, []string{"m@z.com"}) {
		t.Errorf("ExtendReferences duplicate = %v", got)
	}

	if got = ExtendReferences("", ""); got != nil {
		t.Errorf("ExtendReferences empty = %v, want nil", got)
	}
}

func TestReplySubject(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"hello", "Re: hello"},
		{"Re: hello", "Re: hello"},
		{"RE: hello", "RE: hello"},
		{"re: hello", "re: hello"},
		{"", "Re: "},
		{"Regarding pay", "Re: Regarding pay"},
	}
	for _, tc := range tests {
		if got := ReplySubject(tc.in); got != tc.want {
			t.Errorf("ReplySubject(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExtractAddress(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Alice Archer <alice@example.com>", "alice@example.com"},
		{"alice@example.com", "alice@example.com"},
		{"<alice@example.com>", "alice@example.com"},
		{"\"Archer, Alice\" <alice@example.com>", "alice@example.com"},
		{"not an address", ""},
		{"", ""},
	}
	for _, tc := range tests {
		if got := ExtractAddress(tc.in); got != tc.want {
			t.Errorf("ExtractAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSameAddress(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"alice@example.com", "alice@example.com", true},
		{"ALICE@Example.COM", "alice@example.com", true},
		{"Alice <alice@example.com>", "  alice@EXAMPLE.com ", true},
		{"alice@example.com", "bob@example.com", false},
		{"", "", false},
		{"not an address", "not an address", false},
	}
	for _, tc := range tests {
		if got := SameAddress(tc.a, tc.b); got != tc.want {
			t.Errorf("SameAddress(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
