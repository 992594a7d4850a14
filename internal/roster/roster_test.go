package roster

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gatewaybot/botd/internal/logging"
)

func TestFileSourceLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bots.json")
	content := `[{"name":"alpha","key":"k1"},{"name":" beta ","key":"k2"}]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write roster: %v", err)
	}

	creds, err := FileSource{Path: path}.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(creds))
	}
	if creds[1].Name != "beta" {
		t.Fatalf("names must be trimmed, got %q", creds[1].Name)
	}
	if got := creds[0].Dir("/data"); got != filepath.Join("/data", "alpha") {
		t.Fatalf("unexpected bot dir %q", got)
	}
}

func TestFileSourceValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing name", `[{"name":"","key":"k"}]`},
		{"missing key", `[{"name":"a","key":""}]`},
		{"duplicate", `[{"name":"a","key":"k"},{"name":"a","key":"k2"}]`},
		{"path separator", `[{"name":"a/b","key":"k"}]`},
		{"malformed", `{"name":"a"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bots.json")
			if err := os.WriteFile(path, []byte(tc.content), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := (FileSource{Path: path}).Load(); err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestDiff(t *testing.T) {
	old := []Credential{{Name: "a", Key: "1"}, {Name: "b", Key: "2"}, {Name: "c", Key: "3"}}
	next := []Credential{{Name: "b", Key: "2"}, {Name: "c", Key: "9"}, {Name: "d", Key: "4"}}

	added, removed, changed := Diff(old, next)
	if len(added) != 1 || added[0].Name != "d" {
		t.Fatalf("unexpected added set %+v", added)
	}
	if len(removed) != 1 || removed[0].Name != "a" {
		t.Fatalf("unexpected removed set %+v", removed)
	}
	if len(changed) != 1 || changed[0].Name != "c" {
		t.Fatalf("unexpected changed set %+v", changed)
	}
}

func TestWatchDeliversReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bots.json")
	if err := os.WriteFile(path, []byte(`[{"name":"a","key":"k"}]`), 0o644); err != nil {
		t.Fatalf("write roster: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots := make(chan []Credential, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, logging.NewTestLogger(), func(creds []Credential) {
			snapshots <- creds
		})
	}()

	// Give the watcher time to arm before editing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`[{"name":"a","key":"k"},{"name":"b","key":"k2"}]`), 0o644); err != nil {
		t.Fatalf("rewrite roster: %v", err)
	}

	select {
	case creds := <-snapshots:
		if len(creds) != 2 {
			t.Fatalf("expected 2 credentials after reload, got %d", len(creds))
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload observed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop on cancel")
	}
}

func TestWatchIgnoresInvalidEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bots.json")
	if err := os.WriteFile(path, []byte(`[{"name":"a","key":"k"}]`), 0o644); err != nil {
		t.Fatalf("write roster: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots := make(chan []Credential, 4)
	go func() {
		_ = Watch(ctx, path, logging.NewTestLogger(), func(creds []Credential) {
			snapshots <- creds
		})
	}()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`not json`), 0o644); err != nil {
		t.Fatalf("rewrite roster: %v", err)
	}

	select {
	case creds := <-snapshots:
		t.Fatalf("invalid roster must not be delivered, got %+v", creds)
	case <-time.After(700 * time.Millisecond):
	}
}
