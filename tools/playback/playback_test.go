package playbacktool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gatewaybot/botd/internal/archive"
	"gatewaybot/botd/internal/playback"
)

func writeShard(t *testing.T, dir string, day time.Time, count int) {
	t.Helper()
	records := make([]archive.ShardRecord, 0, count)
	for i := 0; i < count; i++ {
		raw := fmt.Sprintf(`{"op":0,"s":%d,"t":"MESSAGE_CREATE","d":{"content":"msg %d"}}`, i+1, i)
		records = append(records, archive.ShardRecord{
			T: fmt.Sprintf("%d", day.Unix()+int64(i)),
			M: json.RawMessage(raw),
		})
	}
	data, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := archive.ShardPath(dir, day)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute %v: %v", args, err)
	}
	return out.String()
}

func TestCatalogListsShards(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC), 2)
	writeShard(t, dir, time.Date(2026, time.February, 3, 0, 0, 0, 0, time.UTC), 3)

	out := run(t, "--dir", dir, "catalog")
	if !strings.Contains(out, "2026-02-01") || !strings.Contains(out, "2026-02-03") {
		t.Fatalf("catalog must list both days, got:\n%s", out)
	}
	if !strings.Contains(out, "total: 5 messages in 2 shards") {
		t.Fatalf("catalog must summarise the index, got:\n%s", out)
	}
}

func TestPlayStreamsAndSavesProgress(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC), 4)

	out := run(t, "--dir", dir, "play", "--offset", "1", "--limit", "2")
	if !strings.Contains(out, "msg 1") || !strings.Contains(out, "msg 2") {
		t.Fatalf("play must stream from the offset, got:\n%s", out)
	}
	if strings.Contains(out, "msg 3") {
		t.Fatalf("limit must stop the stream, got:\n%s", out)
	}

	progress, err := playback.LoadProgress(dir)
	if err != nil {
		t.Fatalf("load progress: %v", err)
	}
	if progress.Offset != 3 {
		t.Fatalf("expected saved offset 3, got %d", progress.Offset)
	}

	// A resume run picks up where the last one stopped.
	out = run(t, "--dir", dir, "play", "--limit", "1")
	if !strings.Contains(out, "msg 3") {
		t.Fatalf("resume must continue at the saved offset, got:\n%s", out)
	}
}

func TestPlayEmptyArchive(t *testing.T) {
	out := run(t, "--dir", t.TempDir(), "play")
	if !strings.Contains(out, "no archived messages") {
		t.Fatalf("empty archive must be reported, got:\n%s", out)
	}
}
