package server

import (
	"testing"
	"time"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestParsePort(t *testing.T) {
	for _, s := range []string{"1", "8001", "65535"} {
		if _, ok := parsePort(s); !ok {
			t.Fatalf("expected %q to parse", s)
		}
	}
	for _, s := range []string{"", "0", "-1", "65536", "http"} {
		if _, ok := parsePort(s); ok {
			t.Fatalf("expected %q to be rejected", s)
		}
	}
}

func TestParseWait(t *testing.T) {
	if d, ok := parseWait(""); !ok || d != 0 {
		t.Fatalf("empty: %v %v", d, ok)
	}
	if d, ok := parseWait("1500ms"); !ok || d != 1500*time.Millisecond {
		t.Fatalf("1500ms: %v %v", d, ok)
	}
	if _, ok := parseWait("soon"); ok {
		t.Fatal("expected malformed wait to be rejected")
	}
}
