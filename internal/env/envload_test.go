package env

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSearchUpFindsNearestDotEnv(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	want := filepath.Join(root, "a", ".env")
	if err := os.WriteFile(want, []byte("POOL_SERVER_ADDR=:4000\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := searchUp(nested)
	if err != nil {
		t.Fatalf("searchUp: %v", err)
	}
	if got != want {
		t.Fatalf("searchUp = %q, want %q", got, want)
	}
}

func TestSearchUpIgnoresDirectories(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".env"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	got, err := searchUp(root)
	if err != nil {
		t.Fatalf("searchUp: %v", err)
	}
	if got == filepath.Join(root, ".env") {
		t.Fatalf("directory named .env must not match")
	}
}

func TestLoadExplicitFileKeepsProcessEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.env")
	content := "ENVLOAD_TEST_NEW=from-file\nENVLOAD_TEST_SET=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(FileVar, path)
	t.Setenv("ENVLOAD_TEST_SET", "from-process")
	t.Setenv("ENVLOAD_TEST_NEW", "")
	os.Unsetenv("ENVLOAD_TEST_NEW")

	got, err := load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer os.Unsetenv("ENVLOAD_TEST_NEW")
	if got != path {
		t.Fatalf("loaded %q, want %q", got, path)
	}
	if v := os.Getenv("ENVLOAD_TEST_NEW"); v != "from-file" {
		t.Fatalf("ENVLOAD_TEST_NEW = %q", v)
	}
	if v := os.Getenv("ENVLOAD_TEST_SET"); v != "from-process" {
		t.Fatalf("ENVLOAD_TEST_SET = %q", v)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv(FileVar, filepath.Join(t.TempDir(), "absent.env"))
	if _, err := load(); err == nil {
		t.Fatalf("expected error for missing explicit file")
	}
}
