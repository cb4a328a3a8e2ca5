package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseEnvLine(t *testing.T) {
	cases := []struct {
		line     string
		key, val string
		ok       bool
	}{
		{"WORKER_MAX_BATCHES=4", "WORKER_MAX_BATCHES", "4", true},
		{"export OBJECT_STORE=s3", "OBJECT_STORE", "s3", true},
		{`S3_PREFIX="uploads/dev"`, "S3_PREFIX", "uploads/dev", true},
		{"LLM_MODEL='gpt-4o'", "LLM_MODEL", "gpt-4o", true},
		{"# comment", "", "", false},
		{"NOVALUE", "", "", false},
		{"=orphan", "", "", false},
	}
	for _, tc := range cases {
		key, val, ok := parseEnvLine(tc.line)
		if ok != tc.ok || key != tc.key || val != tc.val {
			t.Fatalf("%q: got (%q, %q, %v)", tc.line, key, val, ok)
		}
	}
}

func TestLoadEnvFilesKeepsExistingValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("DOCFLOW_TEST_SET=file\nDOCFLOW_TEST_UNSET=file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("DOCFLOW_TEST_SET", "env")
	t.Setenv("DOCFLOW_TEST_UNSET", "")
	os.Unsetenv("DOCFLOW_TEST_UNSET")

	loadEnvFiles(path)

	if got := os.Getenv("DOCFLOW_TEST_SET"); got != "env" {
		t.Fatalf("expected existing value to win, got %q", got)
	}
	if got := os.Getenv("DOCFLOW_TEST_UNSET"); got != "file" {
		t.Fatalf("expected value from file, got %q", got)
	}
}
