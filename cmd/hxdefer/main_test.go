package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hxdefer.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestCheck_Restricted(t *testing.T) {
	path := writeConfig(t, `
images:
  remotePatterns:
    - protocol: https
      hostname: "**.tile.openstreetmap.org"
`)

	out, err := run(t, "check", "-c", path,
		"https://a.tile.openstreetmap.org/1/0/0.png",
		"https://evil.example/x.png",
	)
	if !errors.Is(err, errDenied) {
		t.Errorf("error = %v, want errDenied", err)
	}
	if !strings.Contains(out, "permit  https://a.tile.openstreetmap.org/1/0/0.png  (https://**.tile.openstreetmap.org)") {
		t.Errorf("missing permit line:\n%s", out)
	}
	if !strings.Contains(out, "deny    https://evil.example/x.png") {
		t.Errorf("missing deny line:\n%s", out)
	}
	if strings.Contains(out, "warning:") {
		t.Errorf("restricted table should not warn:\n%s", out)
	}
}

func TestCheck_DefaultTableWarns(t *testing.T) {
	out, err := run(t, "check", "-c", filepath.Join(t.TempDir(), "absent.yaml"), "http://anything.example/a.png")
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if !strings.Contains(out, "warning: images.remotePatterns admits every host") {
		t.Errorf("missing warning:\n%s", out)
	}
	if !strings.Contains(out, "permit  http://anything.example/a.png  (http://**)") {
		t.Errorf("missing permit line:\n%s", out)
	}
}

func TestCheck_InvalidURL(t *testing.T) {
	out, err := run(t, "check", "-c", filepath.Join(t.TempDir(), "absent.yaml"), "/relative.png")
	if !errors.Is(err, errDenied) {
		t.Errorf("error = %v, want errDenied", err)
	}
	if !strings.Contains(out, `"url" parameter is invalid`) {
		t.Errorf("output:\n%s", out)
	}
}

func TestCheck_RequiresArgs(t *testing.T) {
	if _, err := run(t, "check"); err == nil {
		t.Error("expected error without URLs")
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if !strings.HasPrefix(out, "hxdefer dev") {
		t.Errorf("output = %q", out)
	}
}

func TestServe_RequiresSecret(t *testing.T) {
	t.Setenv("HXDEFER_SECRET", "")
	_, err := run(t, "serve", "-c", filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "secret is required") {
		t.Errorf("error = %v, want missing secret", err)
	}
}
