package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func runSetup(t *testing.T, dsn string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--dsn", dsn}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSetup_KeyAndConsent(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "settings.db")

	out, err := runSetup(t, dsn, "show")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if !strings.Contains(out, "not configured") {
		t.Errorf("expected unconfigured key, got:\n%s", out)
	}

	out, err = runSetup(t, dsn, "key", "set", "sk-style-123456789")
	if err != nil {
		t.Fatalf("key set failed: %v", err)
	}
	if !strings.Contains(out, "sk-style...") || strings.Contains(out, "123456789") {
		t.Errorf("expected masked key, got %q", out)
	}

	out, err = runSetup(t, dsn, "consent", "--accept-terms", "--store-captures")
	if err != nil {
		t.Fatalf("consent failed: %v", err)
	}
	for _, want := range []string{"Setup complete:        true", "Store captures online: true", "Share training data:   false"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}

	if _, err := runSetup(t, dsn, "server", "wss://style.example.com/ws"); err != nil {
		t.Fatalf("server failed: %v", err)
	}
	out, _ = runSetup(t, dsn, "show")
	if !strings.Contains(out, "wss://style.example.com/ws") {
		t.Errorf("server url not persisted:\n%s", out)
	}

	if _, err := runSetup(t, dsn, "key", "clear"); err != nil {
		t.Fatalf("key clear failed: %v", err)
	}
	out, _ = runSetup(t, dsn, "show")
	if !strings.Contains(out, "not configured") {
		t.Errorf("expected cleared key:\n%s", out)
	}
}

func TestSetup_RejectsBadArgs(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "settings.db")

	if _, err := runSetup(t, dsn, "key", "set"); err == nil {
		t.Error("expected error without key argument")
	}
	if _, err := runSetup(t, dsn, "key", "set", "   "); err == nil {
		t.Error("expected error for blank key")
	}
}
