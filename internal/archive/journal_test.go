package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/snappy"

	"gatewaybot/botd/internal/envelope"
)

func TestJournalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}

	at := time.Date(2026, time.March, 5, 10, 0, 0, 0, time.UTC)
	raws := []string{
		`{"op":0,"s":1,"t":"MESSAGE_CREATE","d":{"content":"$ping"}}`,
		`{"op":11}`,
	}
	for _, raw := range raws {
		ev, perr := envelope.Parse([]byte(raw), at)
		if perr != nil {
			t.Fatalf("parse: %v", perr)
		}
		ev.MarkProtocolHandled()
		if err := j.Append(ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	file, err := os.Open(filepath.Join(dir, "journal.snappy"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()

	dec := json.NewDecoder(snappy.NewReader(file))
	var entries []journalEntry
	for dec.More() {
		var entry journalEntry
		if err := dec.Decode(&entry); err != nil {
			t.Fatalf("decode: %v", err)
		}
		entries = append(entries, entry)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 journal entries, got %d", len(entries))
	}
	if entries[0].Event != envelope.EventMessageCreate || entries[0].Completions != 1 {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Op != envelope.OpHeartbeatAck {
		t.Fatalf("unexpected second entry %+v", entries[1])
	}
	if len(entries[0].ContentHash) != 64 {
		t.Fatalf("content hash must be hex sha256, got %q", entries[0].ContentHash)
	}
}
