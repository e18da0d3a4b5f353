package env

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvSkipsMissingFiles(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("expected missing file to be skipped, got %v", err)
	}
}

func TestLoadEnvDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := "BYTESWARM_ENV_TEST_NEW=from-file\nBYTESWARM_ENV_TEST_SET=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BYTESWARM_ENV_TEST_SET", "from-process")
	t.Cleanup(func() { os.Unsetenv("BYTESWARM_ENV_TEST_NEW") })

	if err := LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv failed: %v", err)
	}
	if got := GetEnv("ENV_TEST_NEW", ""); got != "from-file" {
		t.Errorf("expected from-file, got %q", got)
	}
	if got := GetEnv("BYTESWARM_ENV_TEST_SET", ""); got != "from-process" {
		t.Errorf("expected process value to win, got %q", got)
	}
	if got := GetEnv("ENV_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
}
