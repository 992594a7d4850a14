package archive

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"

	"gatewaybot/botd/internal/envelope"
)

// journalEntry is one line of the audit trail: enough to reconcile shard
// contents against what the queue actually retired.
type journalEntry struct {
	Time        string `json:"time"`
	Op          int    `json:"op"`
	Event       string `json:"event,omitempty"`
	ContentHash string `json:"content_hash"`
	Completions int    `json:"completions"`
}

// Journal appends retired events to a snappy-framed JSONL file.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	writer *snappy.Writer
	enc    *json.Encoder
}

// OpenJournal opens or creates the audit journal inside the bot directory.
func OpenJournal(dir string) (*Journal, error) {
	path := filepath.Join(dir, "journal.snappy")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	writer := snappy.NewBufferedWriter(file)
	return &Journal{
		file:   file,
		writer: writer,
		enc:    json.NewEncoder(writer),
	}, nil
}

// Append writes one journal line for a retired event.
func (j *Journal) Append(ev *envelope.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	entry := journalEntry{
		Time:        ev.CreatedAt.UTC().Format(time.RFC3339),
		Op:          ev.Op,
		Event:       ev.Name,
		ContentHash: hex.EncodeToString(ev.ContentHash[:]),
		Completions: ev.Completions,
	}
	return j.enc.Encode(entry)
}

// Close flushes buffered frames and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.writer.Close(); err != nil {
		_ = j.file.Close()
		return err
	}
	return j.file.Close()
}
