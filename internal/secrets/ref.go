// Package secrets resolves configuration values that may name a secret
// instead of holding it, such as the app identity that seals stored
// credentials.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrSecretRef = errors.New("invalid secret reference")

// IsRef reports whether value uses one of the reference schemes.
func IsRef(value string) bool {
	v := strings.TrimSpace(value)
	return strings.HasPrefix(v, "env:") || strings.HasPrefix(v, "file:") || strings.HasPrefix(v, "raw:")
}

// ValidateRef validates a secret reference format without loading its value.
//
// Supported forms:
// - env:NAME
// - file:/path/to/secret
// - raw:literal-value
func ValidateRef(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("%w: empty", ErrSecretRef)
	}
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return fmt.Errorf("%w: unsupported scheme (use env:, file: or raw:)", ErrSecretRef)
	}
	switch scheme {
	case "env":
		if strings.TrimSpace(rest) == "" {
			return fmt.Errorf("%w: env var name is empty", ErrSecretRef)
		}
	case "file":
		if strings.TrimSpace(rest) == "" {
			return fmt.Errorf("%w: file path is empty", ErrSecretRef)
		}
	case "raw":
		if rest == "" {
			return fmt.Errorf("%w: raw value is empty", ErrSecretRef)
		}
	default:
		return fmt.Errorf("%w: unsupported scheme (use env:, file: or raw:)", ErrSecretRef)
	}
	return nil
}

// LoadRef loads a secret value from a reference string. File values are
// trimmed so a trailing newline does not become part of the secret.
func LoadRef(ref string) ([]byte, error) {
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}
	scheme, rest, _ := strings.Cut(strings.TrimSpace(ref), ":")
	switch scheme {
	case "env":
		name := strings.TrimSpace(rest)
		val := os.Getenv(name)
		if val == "" {
			return nil, fmt.Errorf("%w: env var %q is empty or missing", ErrSecretRef, name)
		}
		return []byte(val), nil
	case "file":
		path := strings.TrimSpace(rest)
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		val := strings.TrimSpace(string(b))
		if val == "" {
			return nil, fmt.Errorf("%w: file %q is empty", ErrSecretRef, path)
		}
		return []byte(val), nil
	default:
		return []byte(rest), nil
	}
}

// Resolve returns value itself unless it is a reference, in which case the
// referenced secret is loaded.
func Resolve(value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	b, err := LoadRef(value)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
