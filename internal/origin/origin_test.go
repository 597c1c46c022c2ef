package origin

import "testing"

func TestNormalizeHeader(t *testing.T) {
	t.Run("lowercases and drops default port", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("HTTPS://Example.COM:443")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "https://example.com" {
			t.Fatalf("normalized=%q, want %q", normalized, "https://example.com")
		}
		if host != "example.com" {
			t.Fatalf("host=%q, want %q", host, "example.com")
		}
	})

	t.Run("keeps explicit port and allows trailing slash", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("http://localhost:5000/")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "http://localhost:5000" || host != "localhost:5000" {
			t.Fatalf("normalized=%q host=%q", normalized, host)
		}
	})

	t.Run("brackets ipv6", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("http://[::1]:5000")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "http://[::1]:5000" || host != "[::1]:5000" {
			t.Fatalf("normalized=%q host=%q", normalized, host)
		}
	})

	t.Run("allows null origin", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("null")
		if !ok || normalized != "null" || host != "" {
			t.Fatalf("normalized=%q host=%q ok=%v", normalized, host, ok)
		}
	})

	t.Run("rejects malformed", func(t *testing.T) {
		cases := []string{
			"",
			"ftp://example.com",
			"https://example.com/path",
			"https://example.com/?q=1",
			"https://user@example.com",
			"https://example.com/#frag",
			"https://example.com:0",
			"https://example.com:70000",
		}
		for _, c := range cases {
			if _, _, ok := NormalizeHeader(c); ok {
				t.Fatalf("expected ok=false for %q", c)
			}
		}
	})
}

func TestIsAllowed(t *testing.T) {
	normalized, host, ok := NormalizeHeader("https://viewer.example.com")
	if !ok {
		t.Fatalf("NormalizeHeader ok=false")
	}

	if !IsAllowed(normalized, host, "viewer.example.com", nil) {
		t.Fatalf("expected same-host to be allowed")
	}
	if !IsAllowed(normalized, host, "viewer.example.com:443", nil) {
		t.Fatalf("expected default port to be equivalent")
	}
	if IsAllowed(normalized, host, "relay.example.com", nil) {
		t.Fatalf("expected cross-host to be rejected by default")
	}
	if !IsAllowed(normalized, host, "anything:1234", []string{Wildcard}) {
		t.Fatalf("expected * to allow any origin")
	}
	if !IsAllowed(normalized, host, "relay.example.com", []string{"https://viewer.example.com"}) {
		t.Fatalf("expected explicit origin to be allowed")
	}
	if IsAllowed(normalized, host, "relay.example.com", []string{"https://other.example.com"}) {
		t.Fatalf("expected non-matching origin to be rejected")
	}
}

func TestParseAllowList(t *testing.T) {
	got, err := ParseAllowList(" HTTPS://A.example.com:443 , *, ,null")
	if err != nil {
		t.Fatalf("ParseAllowList: %v", err)
	}
	want := []string{"https://a.example.com", "*", "null"}
	if len(got) != len(want) {
		t.Fatalf("got=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d]=%q, want %q", i, got[i], want[i])
		}
	}

	if _, err := ParseAllowList("https://example.com/path"); err == nil {
		t.Fatalf("expected error for origin with path")
	}
}

func TestPolicyCheck(t *testing.T) {
	p := Policy{Allowed: []string{"https://viewer.example.com"}}

	if got, ok := p.Check("", "relay:5000"); !ok || got != "" {
		t.Fatalf("missing Origin: got=%q ok=%v, want allowed", got, ok)
	}
	if got, ok := p.Check("https://viewer.example.com", "relay:5000"); !ok || got != "https://viewer.example.com" {
		t.Fatalf("allowed origin: got=%q ok=%v", got, ok)
	}
	if _, ok := p.Check("https://evil.example.com", "relay:5000"); ok {
		t.Fatalf("expected evil origin to be rejected")
	}
	if p.AllowsAny() {
		t.Fatalf("AllowsAny=true, want false")
	}
	if !(Policy{Allowed: []string{Wildcard}}).AllowsAny() {
		t.Fatalf("AllowsAny=false, want true for wildcard")
	}
}
