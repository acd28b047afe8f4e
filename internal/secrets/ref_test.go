package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRef_Env(t *testing.T) {
	t.Setenv("BEACON_TEST_SECRET", "top-secret")

	got, err := LoadRef("env:BEACON_TEST_SECRET")
	if err != nil {
		t.Fatalf("LoadRef(env): %v", err)
	}
	if string(got) != "top-secret" {
		t.Fatalf("unexpected env secret: %q", string(got))
	}
}

func TestLoadRef_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(path, []byte("  file-secret \n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	got, err := LoadRef("file:" + path)
	if err != nil {
		t.Fatalf("LoadRef(file): %v", err)
	}
	if string(got) != "file-secret" {
		t.Fatalf("unexpected file secret: %q", string(got))
	}
}

func TestLoadRef_Raw(t *testing.T) {
	got, err := LoadRef("raw:raw:secret")
	if err != nil {
		t.Fatalf("LoadRef(raw): %v", err)
	}
	if string(got) != "raw:secret" {
		t.Fatalf("unexpected raw secret: %q", string(got))
	}
}

func TestValidateRef(t *testing.T) {
	bad := []string{"", "env:", "file:  ", "raw:", "vault:secret/x", "plain"}
	for _, ref := range bad {
		if err := ValidateRef(ref); !errors.Is(err, ErrSecretRef) {
			t.Fatalf("ValidateRef(%q) = %v, want ErrSecretRef", ref, err)
		}
	}
	for _, ref := range []string{"env:X", "file:/run/secret", "raw:v"} {
		if err := ValidateRef(ref); err != nil {
			t.Fatalf("ValidateRef(%q) = %v", ref, err)
		}
	}
}

func TestLoadRef_MissingEnv(t *testing.T) {
	t.Setenv("BEACON_TEST_EMPTY", "")
	if _, err := LoadRef("env:BEACON_TEST_EMPTY"); !errors.Is(err, ErrSecretRef) {
		t.Fatalf("err = %v, want ErrSecretRef", err)
	}
}

func TestResolve(t *testing.T) {
	t.Setenv("BEACON_TEST_IDENTITY", "from-env")
	cases := map[string]string{
		"plain-value":              "plain-value",
		"env:BEACON_TEST_IDENTITY": "from-env",
		"raw:literal":              "literal",
		"postgres://u:p@h/db":      "postgres://u:p@h/db",
	}
	for in, want := range cases {
		got, err := Resolve(in)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Resolve(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := Resolve("file:" + filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("missing file resolved")
	}
}
