package gateway

import (
	"fmt"
	"os"
	"strings"
)

// Resolver maps a stored credential value to the secret used on the wire.
type Resolver interface {
	Resolve(value string) (string, error)
}

// EnvResolver resolves indirection tokens of the form {{NAME}} against a
// name lookup at call time. Plain values pass through unchanged. A token
// that does not resolve is a hard error, never silently used as-is.
type EnvResolver struct {
	Lookup func(name string) (string, bool) // default os.LookupEnv
}

func (r EnvResolver) Resolve(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "{{") || !strings.HasSuffix(trimmed, "}}") {
		return value, nil
	}
	name := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
	if name == "" {
		return "", fmt.Errorf("empty credential indirection token %q", value)
	}
	lookup := r.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	secret, ok := lookup(name)
	if !ok || secret == "" {
		return "", fmt.Errorf("credential %s is not set", name)
	}
	return secret, nil
}
