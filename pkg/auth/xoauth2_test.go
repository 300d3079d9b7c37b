package auth

import (
	"bytes"
	"testing"
)

func TestXOAuth2InitialResponse(t *testing.T) {
	c := NewXOAuth2("me@gmail.com", "ya29.token")
	mech, ir, err := c.Start()
	if err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if mech != "XOAUTH2" {
		t.Errorf("mechanism = %q", mech)
	}
	want := []byte("user=me@gmail.com\x01auth=Bearer ya29.token\x01\x01")
	if !bytes.Equal(ir, want) {
		t.Errorf("initial response = %q, want %q", ir, want)
	}

	// The only challenge XOAUTH2 sends is the error blob; the reply is empty.
	resp, err := c.Next([]byte(`{"status":"400"}`))
	if err != nil {
		t.Fatalf("Next() = %v", err)
	}
	if len(resp) != 0 {
		t.Errorf("Next() response = %q, want empty", resp)
	}
}
