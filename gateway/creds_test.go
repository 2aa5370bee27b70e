package gateway

import "testing"

func TestEnvResolver_PlainValuePassesThrough(t *testing.T) {
	r := EnvResolver{Lookup: func(string) (string, bool) { return "", false }}
	got, err := r.Resolve("sk-plain-key")
	if err != nil || got != "sk-plain-key" {
		t.Fatalf("got %q err=%v", got, err)
	}
}

func TestEnvResolver_TokenResolves(t *testing.T) {
	r := EnvResolver{Lookup: func(name string) (string, bool) {
		if name == "ACME_KEY" {
			return "sk-secret", true
		}
		return "", false
	}}
	got, err := r.Resolve("{{ACME_KEY}}")
	if err != nil || got != "sk-secret" {
		t.Fatalf("got %q err=%v", got, err)
	}
	// Whitespace inside the delimiters is tolerated.
	got, err = r.Resolve("{{ ACME_KEY }}")
	if err != nil || got != "sk-secret" {
		t.Fatalf("padded token: got %q err=%v", got, err)
	}
}

func TestEnvResolver_MissingNameIsHardError(t *testing.T) {
	r := EnvResolver{Lookup: func(string) (string, bool) { return "", false }}
	if _, err := r.Resolve("{{MISSING}}"); err == nil {
		t.Fatalf("unresolved token must error, not pass through")
	}
	if _, err := r.Resolve("{{}}"); err == nil {
		t.Fatalf("empty token must error")
	}
}
